package domain

import "context"

// CellDistance pairs a cell id with its breadth-first distance from the
// traversal origin.
type CellDistance struct {
	ID       string `json:"id"`
	Distance int    `json:"distance"`
}

// Cousin pairs a directly cousin-related cell with the edge's relation kind.
type Cousin struct {
	CellID       string `json:"cell_id"`
	RelationKind string `json:"relation_kind,omitempty"`
}

// TraversalOptions tunes lattice traversal queries. VisibleOnly restricts
// results to activated cells, which is how propagation subscriber sets are
// computed; administrative queries leave it unset.
type TraversalOptions struct {
	VisibleOnly bool
}

// DescendantQuery bounds a downward parent_child traversal. MaxDepth < 0
// means unlimited. Depth 0 with IncludeSelf returns only the origin.
type DescendantQuery struct {
	MaxDepth    int
	IncludeSelf bool
	TraversalOptions
}

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	CreateCell(Cell) (Cell, error)
	// UpdateCell applies mutator under an optimistic version check. Pass a
	// negative expectedVersion to skip the check (single-writer callers).
	// The cell's version advances by exactly one on success.
	UpdateCell(id string, expectedVersion int64, mutator func(*Cell) error) (Cell, error)
	AddParentChild(parentID, childID string) (Relationship, error)
	AddCousin(sourceID, targetID, relationKind string) (Relationship, error)
	RecordDecision(Decision) (Decision, error)
	MarkDecisionSuperseded(id, byID string) (Decision, error)
	RecordPromotion(PromotionRecord) (PromotionRecord, error)
	// EmitEvent appends an event stamped with the source cell's current
	// version. Events become observable only if the transaction commits.
	EmitEvent(eventType EventType, sourceCell string, payload map[string]any) (Event, error)
	FindCell(id string) (Cell, bool)
}

// TransactionView provides read-only access to snapshot data for rules and
// traversal queries.
type TransactionView interface {
	RuleView
	Lineage(cellID string, includeSelf bool) ([]string, error)
	Descendants(cellID string, q DescendantQuery) ([]CellDistance, error)
	Cousins(cellID string, kindFilter string, opts TraversalOptions) ([]Cousin, error)
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetCell(id string) (Cell, bool)
	ListCells() []Cell
	ListRelationships() []Relationship
	GetDecision(id string) (Decision, bool)
	ListDecisions() []Decision
	ListEventsSince(seq int64) []Event
	ListPromotions() []PromotionRecord
}
