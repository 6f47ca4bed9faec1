// Package memory provides the canonical in-memory implementation of the core
// persistence store. Durable backends embed it and snapshot its state.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"latticecore/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Cell aliases domain.Cell for in-memory persistence operations.
	Cell = domain.Cell
	// Relationship aliases domain.Relationship.
	Relationship = domain.Relationship
	// Decision aliases domain.Decision.
	Decision = domain.Decision
	// Event aliases domain.Event.
	Event = domain.Event
	// PromotionRecord aliases domain.PromotionRecord.
	PromotionRecord = domain.PromotionRecord
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	cells         map[string]Cell
	relationships map[string]Relationship
	decisions     map[string]Decision
	events        []Event
	promotions    []PromotionRecord
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Cells         map[string]Cell         `json:"cells"`
	Relationships map[string]Relationship `json:"relationships"`
	Decisions     map[string]Decision     `json:"decisions"`
	Events        []Event                 `json:"events"`
	Promotions    []PromotionRecord       `json:"promotions"`
	EventSeq      int64                   `json:"event_seq"`
}

func newMemoryState() memoryState {
	return memoryState{
		cells:         make(map[string]Cell),
		relationships: make(map[string]Relationship),
		decisions:     make(map[string]Decision),
	}
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		cells:         make(map[string]Cell, len(s.cells)),
		relationships: make(map[string]Relationship, len(s.relationships)),
		decisions:     make(map[string]Decision, len(s.decisions)),
		events:        make([]Event, 0, len(s.events)),
		promotions:    make([]PromotionRecord, 0, len(s.promotions)),
	}
	for k, v := range s.cells {
		out.cells[k] = cloneCell(v)
	}
	for k, v := range s.relationships {
		out.relationships[k] = v
	}
	for k, v := range s.decisions {
		out.decisions[k] = cloneDecision(v)
	}
	for _, e := range s.events {
		out.events = append(out.events, cloneEvent(e))
	}
	for _, p := range s.promotions {
		out.promotions = append(out.promotions, clonePromotion(p))
	}
	return out
}

func snapshotFromMemoryState(state memoryState, seq int64) Snapshot {
	snap := Snapshot{
		Cells:         make(map[string]Cell, len(state.cells)),
		Relationships: make(map[string]Relationship, len(state.relationships)),
		Decisions:     make(map[string]Decision, len(state.decisions)),
		Events:        make([]Event, 0, len(state.events)),
		Promotions:    make([]PromotionRecord, 0, len(state.promotions)),
		EventSeq:      seq,
	}
	for k, v := range state.cells {
		snap.Cells[k] = cloneCell(v)
	}
	for k, v := range state.relationships {
		snap.Relationships[k] = v
	}
	for k, v := range state.decisions {
		snap.Decisions[k] = cloneDecision(v)
	}
	for _, e := range state.events {
		snap.Events = append(snap.Events, cloneEvent(e))
	}
	for _, p := range state.promotions {
		snap.Promotions = append(snap.Promotions, clonePromotion(p))
	}
	return snap
}

func memoryStateFromSnapshot(snap Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range snap.Cells {
		state.cells[k] = cloneCell(v)
	}
	for k, v := range snap.Relationships {
		state.relationships[k] = v
	}
	for k, v := range snap.Decisions {
		state.decisions[k] = cloneDecision(v)
	}
	for _, e := range snap.Events {
		state.events = append(state.events, cloneEvent(e))
	}
	for _, p := range snap.Promotions {
		state.promotions = append(state.promotions, clonePromotion(p))
	}
	return state
}

// EventSink receives the events appended by a committed transaction, in
// commit order. The sink runs outside the store lock.
type EventSink func(events []Event)

// Store provides an in-memory transactional store for the lattice domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
	seq    int64
	sink   EventSink
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state, s.seq)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
	s.seq = snapshot.EventSeq
}

// RulesEngine exposes the currently configured engine for integration points like plugins.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// SetNowFunc overrides the time provider. Intended for deterministic tests.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

// SetEventSink installs the post-commit event consumer. The sink is invoked
// after the store lock is released, so it may re-enter the store.
func (s *Store) SetEventSink(sink EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// RunInTransaction executes fn within a transactional copy of the store
// state. Rules are evaluated against the mutated copy before commit; blocking
// violations roll the transaction back. Committed events are handed to the
// event sink in order.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		s.mu.Unlock()
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			s.mu.Unlock()
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			s.mu.Unlock()
			return res, domain.RuleViolationError{Result: res}
		}
	}

	committed := make([]Event, 0, len(tx.pending))
	for _, event := range tx.pending {
		s.seq++
		event.Seq = s.seq
		tx.state.events = append(tx.state.events, cloneEvent(event))
		committed = append(committed, event)
	}
	s.state = tx.state
	sink := s.sink
	s.mu.Unlock()

	if sink != nil && len(committed) > 0 {
		sink(committed)
	}
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	view := newTransactionView(&snapshot)
	return fn(view)
}

// GetCell retrieves a cell by id.
func (s *Store) GetCell(id string) (Cell, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.state.cells[id]
	if !ok {
		return Cell{}, false
	}
	return cloneCell(c), true
}

// ListCells returns all cells ordered by id.
func (s *Store) ListCells() []Cell {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Cell, 0, len(s.state.cells))
	for _, c := range s.state.cells {
		out = append(out, cloneCell(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListRelationships returns all relationships ordered by id.
func (s *Store) ListRelationships() []Relationship {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Relationship, 0, len(s.state.relationships))
	for _, r := range s.state.relationships {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetDecision retrieves a decision by id.
func (s *Store) GetDecision(id string) (Decision, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.state.decisions[id]
	if !ok {
		return Decision{}, false
	}
	return cloneDecision(d), true
}

// ListDecisions returns all decisions ordered by creation time, then id.
func (s *Store) ListDecisions() []Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Decision, 0, len(s.state.decisions))
	for _, d := range s.state.decisions {
		out = append(out, cloneDecision(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListEventsSince returns committed events with Seq greater than seq, in
// commit order.
func (s *Store) ListEventsSince(seq int64) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.state.events {
		if e.Seq > seq {
			out = append(out, cloneEvent(e))
		}
	}
	return out
}

// ListPromotions returns variant promotion audit records in commit order.
func (s *Store) ListPromotions() []PromotionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PromotionRecord, 0, len(s.state.promotions))
	for _, p := range s.state.promotions {
		out = append(out, clonePromotion(p))
	}
	return out
}
