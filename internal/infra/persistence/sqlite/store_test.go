package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"latticecore/pkg/domain"
)

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lattice.db")
	store, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateCell(domain.Cell{Base: domain.Base{ID: "core"}, Layer: 0, Domain: "core"}); err != nil {
			return err
		}
		if _, err := tx.CreateCell(domain.Cell{Base: domain.Base{ID: "se"}, Layer: 1, Domain: "systems"}); err != nil {
			return err
		}
		_, err := tx.AddParentChild("core", "se")
		return err
	})
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	if got := len(reopened.ListCells()); got != 2 {
		t.Fatalf("expected 2 cells after reopen, got %d", got)
	}
	if got := len(reopened.ListRelationships()); got != 1 {
		t.Fatalf("expected 1 relationship after reopen, got %d", got)
	}
	events := reopened.ListEventsSince(0)
	if len(events) != 1 || events[0].Type != domain.EventRelationshipAdded {
		t.Fatalf("expected RelationshipAdded event after reopen, got %v", events)
	}
	// Event sequence must continue where the previous process stopped.
	_, err = reopened.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateCell(domain.Cell{Base: domain.Base{ID: "cost"}, Layer: 1, Domain: "cost"}); err != nil {
			return err
		}
		_, err := tx.AddCousin("se", "cost", "coordinates_with")
		return err
	})
	if err != nil {
		t.Fatalf("mutate reopened store: %v", err)
	}
	events = reopened.ListEventsSince(0)
	if len(events) != 2 || events[1].Seq != 2 {
		t.Fatalf("expected continued event sequence, got %v", events)
	}
}

func TestStoreRejectedTransactionNotPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lattice.db")
	store, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()
	ctx := context.Background()
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateCell(domain.Cell{Base: domain.Base{ID: "a"}, Layer: 0, Domain: "core"}); err != nil {
			return err
		}
		if _, err := tx.CreateCell(domain.Cell{Base: domain.Base{ID: "b"}, Layer: 1, Domain: "core"}); err != nil {
			return err
		}
		_, err := tx.AddParentChild("a", "b")
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.AddParentChild("b", "a")
		return err
	})
	if err == nil {
		t.Fatalf("expected cycle rejection")
	}
	if got := len(store.ListRelationships()); got != 1 {
		t.Fatalf("rejected edge persisted, have %d relationships", got)
	}
}
