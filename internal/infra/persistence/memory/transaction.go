package memory

import (
	"fmt"
	"sort"
	"time"

	"latticecore/pkg/domain"
)

// transaction represents a mutation set applied to the store state.
type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	pending []Event
	now     time.Time
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// FindCell exposes cell lookup within the transaction scope.
func (tx *transaction) FindCell(id string) (Cell, bool) {
	c, ok := tx.state.cells[id]
	if !ok {
		return Cell{}, false
	}
	return cloneCell(c), true
}

// CreateCell stores a new cell in Draft at version 0.
func (tx *transaction) CreateCell(c Cell) (Cell, error) {
	if c.ID == "" {
		c.ID = newID()
	}
	if _, exists := tx.state.cells[c.ID]; exists {
		return Cell{}, fmt.Errorf("cell %q already exists", c.ID)
	}
	if c.Layer < 0 {
		return Cell{}, fmt.Errorf("cell layer must be non-negative, got %d", c.Layer)
	}
	if c.ActivationState == "" {
		c.ActivationState = domain.StateDraft
	}
	if c.TrackedParameters == nil {
		c.TrackedParameters = map[string]domain.Parameter{}
	}
	c.Version = 0
	c.CreatedAt = tx.now
	c.UpdatedAt = tx.now
	tx.state.cells[c.ID] = cloneCell(c)
	tx.recordChange(Change{Entity: domain.EntityCell, Action: domain.ActionCreate, After: cloneCell(c)})
	return cloneCell(c), nil
}

// UpdateCell mutates a cell under an optimistic version check. The version
// advances by exactly one; a stale expectedVersion surfaces as a
// VersionConflictError rather than a silent retry.
func (tx *transaction) UpdateCell(id string, expectedVersion int64, mutator func(*Cell) error) (Cell, error) {
	current, ok := tx.state.cells[id]
	if !ok {
		return Cell{}, domain.NotFoundError{Entity: domain.EntityCell, ID: id}
	}
	if expectedVersion >= 0 && expectedVersion != current.Version {
		return Cell{}, domain.VersionConflictError{Entity: domain.EntityCell, ID: id, Expected: expectedVersion, Actual: current.Version}
	}
	before := cloneCell(current)
	if err := mutator(&current); err != nil {
		return Cell{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.Version = before.Version + 1
	current.UpdatedAt = tx.now
	tx.state.cells[id] = cloneCell(current)
	tx.recordChange(Change{Entity: domain.EntityCell, Action: domain.ActionUpdate, Before: before, After: cloneCell(current)})
	return cloneCell(current), nil
}

// AddParentChild creates a hierarchical edge after a bounded reachability
// check over the parent_child subgraph. Both endpoint versions advance, in
// ascending id order, and a RelationshipAdded event is emitted.
func (tx *transaction) AddParentChild(parentID, childID string) (Relationship, error) {
	if _, ok := tx.state.cells[parentID]; !ok {
		return Relationship{}, domain.NotFoundError{Entity: domain.EntityCell, ID: parentID}
	}
	if _, ok := tx.state.cells[childID]; !ok {
		return Relationship{}, domain.NotFoundError{Entity: domain.EntityCell, ID: childID}
	}
	if parentID == childID {
		return Relationship{}, domain.CycleError{ParentID: parentID, ChildID: childID}
	}
	for _, rel := range tx.state.relationships {
		if rel.Type == domain.RelationParentChild && rel.SourceID == parentID && rel.TargetID == childID {
			return rel, nil
		}
	}
	if path := tx.state.pathBetween(childID, parentID); path != nil {
		return Relationship{}, domain.CycleError{ParentID: parentID, ChildID: childID, Path: path}
	}

	rel := Relationship{
		ID:        newID(),
		Type:      domain.RelationParentChild,
		SourceID:  parentID,
		TargetID:  childID,
		CreatedAt: tx.now,
	}
	tx.state.relationships[rel.ID] = rel
	tx.recordChange(Change{Entity: domain.EntityRelationship, Action: domain.ActionCreate, After: rel})
	if err := tx.bumpCellVersions(parentID, childID); err != nil {
		return Relationship{}, err
	}
	if _, err := tx.EmitEvent(domain.EventRelationshipAdded, parentID, map[string]any{
		"relationship_id": rel.ID,
		"type":            string(rel.Type),
		"parent_id":       parentID,
		"child_id":        childID,
	}); err != nil {
		return Relationship{}, err
	}
	return rel, nil
}

// AddCousin creates a coordination edge. Cousin cycles are permitted; only
// self-edges are rejected. Both endpoint versions advance.
func (tx *transaction) AddCousin(sourceID, targetID, relationKind string) (Relationship, error) {
	if sourceID == targetID {
		return Relationship{}, domain.SelfRelationError{ID: sourceID}
	}
	if _, ok := tx.state.cells[sourceID]; !ok {
		return Relationship{}, domain.NotFoundError{Entity: domain.EntityCell, ID: sourceID}
	}
	if _, ok := tx.state.cells[targetID]; !ok {
		return Relationship{}, domain.NotFoundError{Entity: domain.EntityCell, ID: targetID}
	}
	for _, rel := range tx.state.relationships {
		if rel.Type != domain.RelationCousin || rel.RelationKind != relationKind {
			continue
		}
		if (rel.SourceID == sourceID && rel.TargetID == targetID) || (rel.SourceID == targetID && rel.TargetID == sourceID) {
			return rel, nil
		}
	}

	rel := Relationship{
		ID:           newID(),
		Type:         domain.RelationCousin,
		SourceID:     sourceID,
		TargetID:     targetID,
		RelationKind: relationKind,
		CreatedAt:    tx.now,
	}
	tx.state.relationships[rel.ID] = rel
	tx.recordChange(Change{Entity: domain.EntityRelationship, Action: domain.ActionCreate, After: rel})
	if err := tx.bumpCellVersions(sourceID, targetID); err != nil {
		return Relationship{}, err
	}
	if _, err := tx.EmitEvent(domain.EventRelationshipAdded, sourceID, map[string]any{
		"relationship_id": rel.ID,
		"type":            string(rel.Type),
		"source_id":       sourceID,
		"target_id":       targetID,
		"relation_kind":   relationKind,
	}); err != nil {
		return Relationship{}, err
	}
	return rel, nil
}

// bumpCellVersions advances each listed cell's version by one, visiting cells
// in ascending id order to match the multi-cell lock order convention.
func (tx *transaction) bumpCellVersions(ids ...string) error {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	for _, id := range sorted {
		current, ok := tx.state.cells[id]
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityCell, ID: id}
		}
		before := cloneCell(current)
		current.Version++
		current.UpdatedAt = tx.now
		tx.state.cells[id] = cloneCell(current)
		tx.recordChange(Change{Entity: domain.EntityCell, Action: domain.ActionUpdate, Before: before, After: cloneCell(current)})
	}
	return nil
}

// RecordDecision persists an immutable decision record.
func (tx *transaction) RecordDecision(d Decision) (Decision, error) {
	if d.ID == "" {
		d.ID = newID()
	}
	if _, exists := tx.state.decisions[d.ID]; exists {
		return Decision{}, fmt.Errorf("decision %q already exists", d.ID)
	}
	if _, ok := tx.state.cells[d.OriginatingCell]; !ok {
		return Decision{}, domain.NotFoundError{Entity: domain.EntityCell, ID: d.OriginatingCell}
	}
	if d.Status == "" {
		d.Status = domain.DecisionPublished
	}
	d.CreatedAt = tx.now
	tx.state.decisions[d.ID] = cloneDecision(d)
	tx.recordChange(Change{Entity: domain.EntityDecision, Action: domain.ActionCreate, After: cloneDecision(d)})
	return cloneDecision(d), nil
}

// MarkDecisionSuperseded flips a decision's status and records the
// superseding decision id. This is the only permitted post-publication edit.
func (tx *transaction) MarkDecisionSuperseded(id, byID string) (Decision, error) {
	current, ok := tx.state.decisions[id]
	if !ok {
		return Decision{}, domain.NotFoundError{Entity: domain.EntityDecision, ID: id}
	}
	if _, ok := tx.state.decisions[byID]; !ok {
		return Decision{}, domain.NotFoundError{Entity: domain.EntityDecision, ID: byID}
	}
	before := cloneDecision(current)
	current.Status = domain.DecisionSuperseded
	current.SupersededBy = &byID
	tx.state.decisions[id] = cloneDecision(current)
	tx.recordChange(Change{Entity: domain.EntityDecision, Action: domain.ActionUpdate, Before: before, After: cloneDecision(current)})
	return cloneDecision(current), nil
}

// RecordPromotion appends a variant promotion audit record.
func (tx *transaction) RecordPromotion(p PromotionRecord) (PromotionRecord, error) {
	if p.ID == "" {
		p.ID = newID()
	}
	p.CreatedAt = tx.now
	tx.state.promotions = append(tx.state.promotions, clonePromotion(p))
	tx.recordChange(Change{Entity: domain.EntityPromotion, Action: domain.ActionCreate, After: clonePromotion(p)})
	return clonePromotion(p), nil
}

// EmitEvent appends an event stamped with the source cell's current version.
// The event becomes observable only if the transaction commits.
func (tx *transaction) EmitEvent(eventType domain.EventType, sourceCell string, payload map[string]any) (Event, error) {
	cell, ok := tx.state.cells[sourceCell]
	if !ok {
		return Event{}, domain.NotFoundError{Entity: domain.EntityCell, ID: sourceCell}
	}
	event := Event{
		ID:            newID(),
		Type:          eventType,
		SourceCell:    sourceCell,
		SourceDomain:  cell.Domain,
		Payload:       payload,
		CausalVersion: cell.Version,
		CreatedAt:     tx.now,
	}
	tx.pending = append(tx.pending, cloneEvent(event))
	return event, nil
}
