package propagation

import (
	"context"
	"fmt"
	"sort"

	"latticecore/pkg/domain"
)

// SupersedePolicy decides whether a newly published decision supersedes an
// existing active one. Policies run inside the publication transaction, so a
// rollback undoes any supersede marks along with the new decision.
type SupersedePolicy func(existing, replacement domain.Decision) bool

// OverlapSupersedes supersedes active decisions from the same originating
// cell whose impacted sets intersect the replacement's.
func OverlapSupersedes(existing, replacement domain.Decision) bool {
	if existing.OriginatingCell != replacement.OriginatingCell {
		return false
	}
	impacted := make(map[string]struct{}, len(existing.ImpactedCells))
	for _, id := range existing.ImpactedCells {
		impacted[id] = struct{}{}
	}
	for _, id := range replacement.ImpactedCells {
		if _, ok := impacted[id]; ok {
			return true
		}
	}
	return false
}

// PublishDecisionInput carries the decision publication request.
type PublishDecisionInput struct {
	OriginatingCell string
	Kind            domain.DecisionKind
	EvidenceRefs    []string
	Provenance      []string
}

// PublishDecision records a decision, snapshots its impacted cells, bumps
// their versions along with the origin's, and emits exactly one
// DecisionPublished event, all within a single transaction. Local decisions
// impact the visible descendant closure of the originating cell plus its
// direct cousins; federated decisions cross cousin edges at every reached
// cell and keep walking.
func (e *Engine) PublishDecision(ctx context.Context, in PublishDecisionInput) (domain.Decision, error) {
	kind := in.Kind
	if kind == "" {
		kind = domain.DecisionLocal
	}
	if kind != domain.DecisionLocal && kind != domain.DecisionFederated {
		return domain.Decision{}, fmt.Errorf("unknown decision kind %s", kind)
	}

	var prior []domain.Decision
	if e.supersede != nil {
		prior = e.store.ListDecisions()
	}

	var decision domain.Decision
	_, err := e.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		origin, ok := tx.FindCell(in.OriginatingCell)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityCell, ID: in.OriginatingCell}
		}
		if !origin.Visible() {
			return fmt.Errorf("cell %s is %s, only activated cells publish decisions", origin.ID, origin.ActivationState)
		}

		impacted, err := impactedSet(tx.Snapshot(), origin.ID, kind)
		if err != nil {
			return err
		}

		decision, err = tx.RecordDecision(domain.Decision{
			OriginatingCell: origin.ID,
			Kind:            kind,
			EvidenceRefs:    in.EvidenceRefs,
			ImpactedCells:   impacted,
			Provenance:      in.Provenance,
		})
		if err != nil {
			return err
		}

		for _, old := range prior {
			if old.Status != domain.DecisionPublished || !e.supersede(old, decision) {
				continue
			}
			if _, err := tx.MarkDecisionSuperseded(old.ID, decision.ID); err != nil {
				return err
			}
		}

		// The publication is part of the visible state of the origin and of
		// every impacted cell, so all their versions advance with it. The
		// origin bumps first so the event's causal version reflects the
		// publication.
		for _, id := range append([]string{origin.ID}, impacted...) {
			if _, err := tx.UpdateCell(id, -1, func(*domain.Cell) error { return nil }); err != nil {
				return err
			}
		}

		_, err = tx.EmitEvent(domain.EventDecisionPublished, origin.ID, map[string]any{
			"decision_id":    decision.ID,
			"kind":           string(kind),
			"impacted_cells": impacted,
		})
		return err
	})
	if err != nil {
		return domain.Decision{}, err
	}
	e.logger.Info("decision published", "decision", decision.ID, "cell", in.OriginatingCell,
		"kind", string(kind), "impacted", len(decision.ImpactedCells))
	return decision, nil
}

// SupersedeDecision publishes a replacement decision and links the old record
// to it in the same transaction. The superseded decision keeps its impacted
// snapshot untouched.
func (e *Engine) SupersedeDecision(ctx context.Context, decisionID string, in PublishDecisionInput) (domain.Decision, error) {
	old, ok := e.store.GetDecision(decisionID)
	if !ok {
		return domain.Decision{}, domain.NotFoundError{Entity: domain.EntityDecision, ID: decisionID}
	}
	if old.Status == domain.DecisionSuperseded {
		return domain.Decision{}, fmt.Errorf("decision %s is already superseded", decisionID)
	}
	if in.OriginatingCell == "" {
		in.OriginatingCell = old.OriginatingCell
	}

	kind := in.Kind
	if kind == "" {
		kind = old.Kind
	}

	var replacement domain.Decision
	_, err := e.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		origin, okCell := tx.FindCell(in.OriginatingCell)
		if !okCell {
			return domain.NotFoundError{Entity: domain.EntityCell, ID: in.OriginatingCell}
		}
		if !origin.Visible() {
			return fmt.Errorf("cell %s is %s, only activated cells publish decisions", origin.ID, origin.ActivationState)
		}

		impacted, err := impactedSet(tx.Snapshot(), origin.ID, kind)
		if err != nil {
			return err
		}
		replacement, err = tx.RecordDecision(domain.Decision{
			OriginatingCell: origin.ID,
			Kind:            kind,
			EvidenceRefs:    in.EvidenceRefs,
			ImpactedCells:   impacted,
			Provenance:      append(in.Provenance, "supersedes:"+decisionID),
		})
		if err != nil {
			return err
		}
		if _, err := tx.MarkDecisionSuperseded(decisionID, replacement.ID); err != nil {
			return err
		}
		for _, id := range append([]string{origin.ID}, impacted...) {
			if _, err := tx.UpdateCell(id, -1, func(*domain.Cell) error { return nil }); err != nil {
				return err
			}
		}
		_, err = tx.EmitEvent(domain.EventDecisionPublished, origin.ID, map[string]any{
			"decision_id":    replacement.ID,
			"kind":           string(kind),
			"impacted_cells": impacted,
			"supersedes":     decisionID,
		})
		return err
	})
	if err != nil {
		return domain.Decision{}, err
	}
	e.logger.Info("decision superseded", "old", decisionID, "new", replacement.ID)
	return replacement, nil
}

// impactedSet walks visible children from the origin. Local decisions reach
// the origin's direct cousins without walking past them; federated decisions
// cross cousin edges at every reached cell and continue. The origin itself is
// excluded; the result is sorted for stable snapshots.
func impactedSet(view domain.TransactionView, originID string, kind domain.DecisionKind) ([]string, error) {
	visited := map[string]struct{}{originID: {}}
	frontier := []string{originID}
	var impacted []string

	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]

		children, err := view.Descendants(id, domain.DescendantQuery{
			MaxDepth:         1,
			TraversalOptions: domain.TraversalOptions{VisibleOnly: true},
		})
		if err != nil {
			return nil, err
		}
		next := make([]string, 0, len(children))
		for _, child := range children {
			next = append(next, child.ID)
		}

		if kind == domain.DecisionFederated {
			cousins, err := view.Cousins(id, "", domain.TraversalOptions{VisibleOnly: true})
			if err != nil {
				return nil, err
			}
			for _, cousin := range cousins {
				next = append(next, cousin.CellID)
			}
		}

		for _, nid := range next {
			if _, seen := visited[nid]; seen {
				continue
			}
			visited[nid] = struct{}{}
			impacted = append(impacted, nid)
			frontier = append(frontier, nid)
		}
	}

	// Local decisions still reach the origin's direct cousins; they enter the
	// snapshot but the walk does not continue past them.
	if kind == domain.DecisionLocal {
		cousins, err := view.Cousins(originID, "", domain.TraversalOptions{VisibleOnly: true})
		if err != nil {
			return nil, err
		}
		for _, cousin := range cousins {
			if _, seen := visited[cousin.CellID]; seen {
				continue
			}
			visited[cousin.CellID] = struct{}{}
			impacted = append(impacted, cousin.CellID)
		}
	}

	sort.Strings(impacted)
	return impacted, nil
}
