package memory

import (
	"context"
	"errors"
	"testing"

	"latticecore/pkg/domain"
)

func mustCreateCell(t *testing.T, store *Store, id string, layer int, dom string) domain.Cell {
	t.Helper()
	var created domain.Cell
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateCell(domain.Cell{Base: domain.Base{ID: id}, Layer: layer, Domain: dom})
		return err
	})
	if err != nil {
		t.Fatalf("create cell %s: %v", id, err)
	}
	return created
}

func mustAddParentChild(t *testing.T, store *Store, parent, child string) {
	t.Helper()
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.AddParentChild(parent, child)
		return err
	})
	if err != nil {
		t.Fatalf("add parent_child %s->%s: %v", parent, child, err)
	}
}

func TestStoreCreateCellDefaults(t *testing.T) {
	store := NewStore(nil)
	created := mustCreateCell(t, store, "", 0, "core")
	if created.ID == "" {
		t.Fatalf("expected generated ID")
	}
	if created.Version != 0 {
		t.Fatalf("expected version 0, got %d", created.Version)
	}
	if created.ActivationState != domain.StateDraft {
		t.Fatalf("expected draft state, got %s", created.ActivationState)
	}
	if created.TrackedParameters == nil {
		t.Fatalf("expected initialized parameter map")
	}
}

func TestStoreSnapshotRoundTrip(t *testing.T) {
	store := NewStore(nil)
	mustCreateCell(t, store, "core", 0, "core")
	mustCreateCell(t, store, "se", 1, "systems")
	mustAddParentChild(t, store, "core", "se")

	snapshot := store.ExportState()
	store.ImportState(Snapshot{})
	if len(store.ListCells()) != 0 {
		t.Fatalf("expected cleared state")
	}
	store.ImportState(snapshot)
	if got := len(store.ListCells()); got != 2 {
		t.Fatalf("expected restored cells, got %d", got)
	}
	if got := len(store.ListRelationships()); got != 1 {
		t.Fatalf("expected restored relationship, got %d", got)
	}
	if got := len(store.ListEventsSince(0)); got != 1 {
		t.Fatalf("expected restored event, got %d", got)
	}
}

func TestAddParentChildRejectsCycle(t *testing.T) {
	store := NewStore(nil)
	mustCreateCell(t, store, "core", 0, "core")
	mustCreateCell(t, store, "se", 1, "systems")
	mustAddParentChild(t, store, "core", "se")

	before := store.ExportState()
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.AddParentChild("se", "core")
		return err
	})
	var cycleErr domain.CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	after := store.ExportState()
	if len(after.Relationships) != len(before.Relationships) {
		t.Fatalf("graph mutated by rejected edge")
	}
	for id, cell := range before.Cells {
		if after.Cells[id].Version != cell.Version {
			t.Fatalf("cell %s version changed by rejected edge", id)
		}
	}
}

func TestAddParentChildRejectsDeepCycle(t *testing.T) {
	store := NewStore(nil)
	mustCreateCell(t, store, "a", 0, "core")
	mustCreateCell(t, store, "b", 1, "core")
	mustCreateCell(t, store, "c", 2, "core")
	mustAddParentChild(t, store, "a", "b")
	mustAddParentChild(t, store, "b", "c")

	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.AddParentChild("c", "a")
		return err
	})
	var cycleErr domain.CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if len(cycleErr.Path) != 3 {
		t.Fatalf("expected path a->b->c, got %v", cycleErr.Path)
	}
}

func TestAddParentChildBumpsBothVersions(t *testing.T) {
	store := NewStore(nil)
	mustCreateCell(t, store, "core", 0, "core")
	mustCreateCell(t, store, "se", 1, "systems")
	mustAddParentChild(t, store, "core", "se")

	parent, _ := store.GetCell("core")
	child, _ := store.GetCell("se")
	if parent.Version != 1 || child.Version != 1 {
		t.Fatalf("expected both versions at 1, got %d and %d", parent.Version, child.Version)
	}
	events := store.ListEventsSince(0)
	if len(events) != 1 || events[0].Type != domain.EventRelationshipAdded {
		t.Fatalf("expected one RelationshipAdded event, got %v", events)
	}
}

func TestAddCousinRejectsSelfRelation(t *testing.T) {
	store := NewStore(nil)
	mustCreateCell(t, store, "se", 1, "systems")
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.AddCousin("se", "se", "coordinates_with")
		return err
	})
	var selfErr domain.SelfRelationError
	if !errors.As(err, &selfErr) {
		t.Fatalf("expected SelfRelationError, got %v", err)
	}
}

func TestAddEdgeNotFound(t *testing.T) {
	store := NewStore(nil)
	mustCreateCell(t, store, "se", 1, "systems")
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.AddParentChild("missing", "se")
		return err
	})
	var notFound domain.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestUpdateCellVersionConflict(t *testing.T) {
	store := NewStore(nil)
	mustCreateCell(t, store, "se", 1, "systems")

	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateCell("se", 7, func(c *domain.Cell) error { return nil })
		return err
	})
	if !domain.IsVersionConflict(err) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateCell("se", 0, func(c *domain.Cell) error {
			c.EvidenceRefs = append(c.EvidenceRefs, "doc://req-1")
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("update with matching version: %v", err)
	}
	cell, _ := store.GetCell("se")
	if cell.Version != 1 {
		t.Fatalf("expected version 1 after update, got %d", cell.Version)
	}
}

func TestRuleViolationBlocksCommit(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	store.RulesEngine().Register(blockingRule{})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateCell(domain.Cell{Layer: 0, Domain: "core"})
		return e
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation error, got %v", err)
	}
	if len(store.ListCells()) != 0 {
		t.Fatalf("blocked transaction must not commit")
	}
}

type blockingRule struct{}

func (blockingRule) Name() string { return "block" }

func (blockingRule) Evaluate(ctx context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	return domain.Result{Violations: []domain.Violation{{Rule: "block", Severity: domain.SeverityBlock}}}, nil
}

func TestEventSinkReceivesCommittedEvents(t *testing.T) {
	store := NewStore(nil)
	var received []domain.Event
	store.SetEventSink(func(events []domain.Event) {
		received = append(received, events...)
	})
	mustCreateCell(t, store, "core", 0, "core")
	mustCreateCell(t, store, "se", 1, "systems")
	mustAddParentChild(t, store, "core", "se")

	if len(received) != 1 {
		t.Fatalf("expected one sunk event, got %d", len(received))
	}
	if received[0].CausalVersion != 1 {
		t.Fatalf("expected causal version 1, got %d", received[0].CausalVersion)
	}

	// A failed transaction must not leak events.
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.AddCousin("core", "se", "coordinates_with"); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatalf("expected aborted transaction")
	}
	if len(received) != 1 {
		t.Fatalf("aborted transaction leaked events")
	}
}

func TestDecisionRecordAndSupersede(t *testing.T) {
	store := NewStore(nil)
	mustCreateCell(t, store, "se", 1, "systems")

	var first, second domain.Decision
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		first, err = tx.RecordDecision(domain.Decision{OriginatingCell: "se", Kind: domain.DecisionLocal})
		return err
	})
	if err != nil {
		t.Fatalf("record first decision: %v", err)
	}
	if first.Status != domain.DecisionPublished {
		t.Fatalf("expected published status, got %s", first.Status)
	}

	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		second, err = tx.RecordDecision(domain.Decision{OriginatingCell: "se", Kind: domain.DecisionLocal})
		if err != nil {
			return err
		}
		_, err = tx.MarkDecisionSuperseded(first.ID, second.ID)
		return err
	})
	if err != nil {
		t.Fatalf("supersede: %v", err)
	}
	got, _ := store.GetDecision(first.ID)
	if got.Status != domain.DecisionSuperseded || got.SupersededBy == nil || *got.SupersededBy != second.ID {
		t.Fatalf("expected superseded link, got %+v", got)
	}
}
