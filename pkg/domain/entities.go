// Package domain defines the core persistent entities, value types, and
// rule evaluation primitives used by latticecore.
package domain

import "time"

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityCell identifies a project cell record.
	EntityCell EntityType = "cell"
	// EntityRelationship identifies a directed edge between two cells.
	EntityRelationship EntityType = "relationship"
	// EntityDecision identifies an immutable published decision record.
	EntityDecision EntityType = "decision"
	// EntityEvent identifies an append-only event record.
	EntityEvent EntityType = "event"
	// EntityPromotion identifies a variant promotion audit record.
	EntityPromotion EntityType = "promotion"
)

// ActivationState represents the canonical cell lifecycle states.
type ActivationState string

// Canonical activation states. Rejected and Deprecated are terminal.
const (
	// StateDraft is the initial state of every created cell.
	StateDraft ActivationState = "draft"
	// StateUnderReview marks a cell awaiting a sensitivity sweep verdict.
	StateUnderReview ActivationState = "under_review"
	// StateActivated makes a cell's knowledge visible to dependents.
	StateActivated ActivationState = "activated"
	StateRejected  ActivationState = "rejected"
	StateDeprecated ActivationState = "deprecated"
)

// Terminal reports whether the state admits no further transitions.
func (s ActivationState) Terminal() bool {
	return s == StateRejected || s == StateDeprecated
}

// RelationType distinguishes hierarchical from coordination edges.
type RelationType string

// Relationship edge types. ParentChild edges must remain acyclic; cousin
// edges may form cycles.
const (
	RelationParentChild RelationType = "parent_child"
	RelationCousin      RelationType = "cousin"
)

// DecisionKind scopes how far a decision's impact traversal reaches.
type DecisionKind string

// Decision kinds. Federated decisions traverse cousin edges beyond depth one.
const (
	DecisionLocal     DecisionKind = "local"
	DecisionFederated DecisionKind = "federated"
)

// DecisionStatus tracks whether a decision is current or superseded.
type DecisionStatus string

// Decision statuses. Superseding never mutates the superseded record beyond
// its status and back-link.
const (
	DecisionPublished  DecisionStatus = "published"
	DecisionSuperseded DecisionStatus = "superseded"
)

// EventType identifies an event flowing through the propagation engine.
type EventType string

// Event types emitted by the store and the background engines.
const (
	EventRelationshipAdded EventType = "RelationshipAdded"
	EventCellActivated     EventType = "CellActivated"
	EventCellDeprecated    EventType = "CellDeprecated"
	EventDecisionPublished EventType = "DecisionPublished"
	EventFragilityDetected EventType = "FragilityDetected"
	EventSweepCompleted    EventType = "SweepCompleted"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Parameter is a tracked numeric value, optionally bounded to an interval.
type Parameter struct {
	Value float64  `json:"value"`
	Lower *float64 `json:"lower,omitempty"`
	Upper *float64 `json:"upper,omitempty"`
}

// Cell represents a unit of work positioned at a (layer, domain) coordinate.
// Version is monotonic and advances by exactly one on every accepted mutation
// that touches the cell, including edge additions and decision publication.
type Cell struct {
	Base
	Layer             int                  `json:"layer"`
	Domain            string               `json:"domain"`
	ActivationState   ActivationState      `json:"activation_state"`
	Version           int64                `json:"version"`
	OntologyRef       *string              `json:"ontology_ref,omitempty"`
	TrackedParameters map[string]Parameter `json:"tracked_parameters"`
	EvidenceRefs      []string             `json:"evidence_refs"`
	ActivationNote    *string              `json:"activation_note,omitempty"`
	DeprecationReason *string              `json:"deprecation_reason,omitempty"`
}

// Visible reports whether the cell participates in propagation and
// visibility-filtered queries.
func (c Cell) Visible() bool {
	return c.ActivationState == StateActivated
}

// Relationship is a directed, typed edge between two cells. For parent_child
// edges Source is the parent and Target the child. Cousin edges are stored as
// the source→target pair they were created with.
type Relationship struct {
	ID           string       `json:"id"`
	Type         RelationType `json:"type"`
	SourceID     string       `json:"source_id"`
	TargetID     string       `json:"target_id"`
	RelationKind string       `json:"relation_kind,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Decision is an immutable published outcome of a cell's work. ImpactedCells
// is the traversal snapshot computed at publication time, never recomputed.
type Decision struct {
	ID              string         `json:"id"`
	OriginatingCell string         `json:"originating_cell"`
	Kind            DecisionKind   `json:"kind"`
	EvidenceRefs    []string       `json:"evidence_refs"`
	ImpactedCells   []string       `json:"impacted_cells"`
	Provenance      []string       `json:"provenance,omitempty"`
	Status          DecisionStatus `json:"status"`
	SupersededBy    *string        `json:"superseded_by,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Event is an immutable notification of a state change. ID is the delivery
// deduplication key; CausalVersion is the source cell's version at emission.
type Event struct {
	ID            string         `json:"id"`
	Seq           int64          `json:"seq"`
	Type          EventType      `json:"type"`
	SourceCell    string         `json:"source_cell"`
	SourceDomain  string         `json:"source_domain,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	CausalVersion int64          `json:"causal_version"`
	CreatedAt     time.Time      `json:"created_at"`
}

// ShadowReplica is a read-only, point-in-time copy of an activated cell's
// tracked parameters, owned by the gray sensitivity engine.
type ShadowReplica struct {
	CellID        string               `json:"cell_id"`
	SourceVersion int64                `json:"source_version"`
	Layer         int                  `json:"layer"`
	Domain        string               `json:"domain"`
	Parameters    map[string]Parameter `json:"parameters"`
	TakenAt       time.Time            `json:"taken_at"`
}

// SensitivityPoint is one (delta, deviation, fragility) measurement.
type SensitivityPoint struct {
	Delta           float64 `json:"delta_magnitude"`
	OutputDeviation float64 `json:"output_deviation"`
	Fragility       float64 `json:"fragility_score"`
}

// ParameterScore aggregates the sweep outcome for a single tracked parameter.
// Known is false when every evaluator invocation for the parameter failed or
// timed out, in which case Warning carries the degradation annotation.
type ParameterScore struct {
	Points    []SensitivityPoint `json:"points"`
	Fragility float64            `json:"fragility_score"`
	Known     bool               `json:"known"`
	Warning   string             `json:"warning,omitempty"`
}

// SensitivityReport is the immutable outcome of one sweep, keyed to the
// replica's source version. Later reports supersede, never edit.
type SensitivityReport struct {
	ID            string                    `json:"id"`
	CellID        string                    `json:"cell_id"`
	SourceVersion int64                     `json:"source_version"`
	Scores        map[string]ParameterScore `json:"scores"`
	Aggregate     float64                   `json:"aggregate_fragility"`
	Partial       bool                      `json:"partial"`
	Supersedes    *string                   `json:"supersedes,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
}

// Usable reports whether the report can gate activation: at least one
// parameter must have produced a known score.
func (r SensitivityReport) Usable() bool {
	for _, score := range r.Scores {
		if score.Known {
			return true
		}
	}
	return false
}

// PromotionRecord is the decision-like audit record retained when a lattice
// variant is promoted into the live store.
type PromotionRecord struct {
	ID         string    `json:"id"`
	VariantID  string    `json:"variant_id"`
	BaseSeq    int64     `json:"base_seq"`
	Score      float64   `json:"score"`
	Operations int       `json:"operations"`
	Provenance []string  `json:"provenance,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported mutations captured for rule evaluation.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return "transaction blocked by rules"
}
