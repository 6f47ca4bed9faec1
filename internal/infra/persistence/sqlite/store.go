// Package sqlite provides a SQLite-backed persistent store that mirrors the
// in-memory semantics, snapshotting the full lattice state as JSON buckets
// after every successful transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"latticecore/internal/infra/persistence/memory"
	"latticecore/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

// Store persists state to SQLite while reusing the in-memory implementation
// for transactions.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore constructs a snapshotting SQLite-backed persistent store.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = "latticecore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	mem := memory.NewStore(engine)
	s := &Store{Store: mem, db: db, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

const (
	bucketCells         = "cells"
	bucketRelationships = "relationships"
	bucketDecisions     = "decisions"
	bucketEvents        = "events"
	bucketPromotions    = "promotions"
	bucketMeta          = "meta"
)

var buckets = []string{bucketCells, bucketRelationships, bucketDecisions, bucketEvents, bucketPromotions, bucketMeta}

type snapshotMeta struct {
	EventSeq int64 `json:"event_seq"`
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	loaded := false
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if len(payload) == 0 {
			continue
		}
		loaded = true
		switch bucket {
		case bucketCells:
			if err := json.Unmarshal(payload, &snapshot.Cells); err != nil {
				return fmt.Errorf("decode cells: %w", err)
			}
		case bucketRelationships:
			if err := json.Unmarshal(payload, &snapshot.Relationships); err != nil {
				return fmt.Errorf("decode relationships: %w", err)
			}
		case bucketDecisions:
			if err := json.Unmarshal(payload, &snapshot.Decisions); err != nil {
				return fmt.Errorf("decode decisions: %w", err)
			}
		case bucketEvents:
			if err := json.Unmarshal(payload, &snapshot.Events); err != nil {
				return fmt.Errorf("decode events: %w", err)
			}
		case bucketPromotions:
			if err := json.Unmarshal(payload, &snapshot.Promotions); err != nil {
				return fmt.Errorf("decode promotions: %w", err)
			}
		case bucketMeta:
			var meta snapshotMeta
			if err := json.Unmarshal(payload, &meta); err != nil {
				return fmt.Errorf("decode meta: %w", err)
			}
			snapshot.EventSeq = meta.EventSeq
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if loaded {
		s.ImportState(snapshot)
	}
	return nil
}

func (s *Store) persist() (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range buckets {
		var data []byte
		switch bucket {
		case bucketCells:
			data, err = json.Marshal(snapshot.Cells)
		case bucketRelationships:
			data, err = json.Marshal(snapshot.Relationships)
		case bucketDecisions:
			data, err = json.Marshal(snapshot.Decisions)
		case bucketEvents:
			data, err = json.Marshal(snapshot.Events)
		case bucketPromotions:
			data, err = json.Marshal(snapshot.Promotions)
		case bucketMeta:
			data, err = json.Marshal(snapshotMeta{EventSeq: snapshot.EventSeq})
		}
		if err != nil {
			retErr = err
			return retErr
		}
		if _, err = tx.Exec(`INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			retErr = fmt.Errorf("upsert %s: %w", bucket, err)
			return retErr
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	return nil
}

// RunInTransaction applies the provided function within a transaction, then
// snapshots state to SQLite if successful.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	if pErr := s.persist(); pErr != nil {
		return res, pErr
	}
	return res, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
