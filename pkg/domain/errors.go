package domain

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError is returned when a referenced cell, relationship, decision,
// or variant is absent. Recoverable: the caller corrects its input.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// CycleError rejects a parent_child edge that would close a cycle. The path
// lists the already-existing chain from child down to parent.
type CycleError struct {
	ParentID string
	ChildID  string
	Path     []string
}

func (e CycleError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("edge %s->%s would create a cycle", e.ParentID, e.ChildID)
	}
	return fmt.Sprintf("edge %s->%s would create a cycle via %s", e.ParentID, e.ChildID, strings.Join(e.Path, "->"))
}

// SelfRelationError rejects a cousin edge from a cell to itself.
type SelfRelationError struct {
	ID string
}

func (e SelfRelationError) Error() string {
	return fmt.Sprintf("cell %s cannot relate to itself", e.ID)
}

// VersionConflictError reports a failed optimistic version check. The store
// never retries silently; callers decide whether to merge or abandon.
type VersionConflictError struct {
	Entity   EntityType
	ID       string
	Expected int64
	Actual   int64
}

func (e VersionConflictError) Error() string {
	return fmt.Sprintf("%s %s version conflict: expected %d, have %d", e.Entity, e.ID, e.Expected, e.Actual)
}

// IsVersionConflict reports whether err wraps a VersionConflictError.
func IsVersionConflict(err error) bool {
	var vc VersionConflictError
	return errors.As(err, &vc)
}

// DenialReason is a machine-readable activation denial code.
type DenialReason string

// Activation denial reason codes surfaced to callers.
const (
	DenialInvalidState       DenialReason = "invalid_state"
	DenialMissingEvidence    DenialReason = "missing_evidence"
	DenialNoUsableReport     DenialReason = "no_usable_report"
	DenialFragilityThreshold DenialReason = "fragility_above_threshold"
)

// ActivationDenial describes why an activation request was not granted. It is
// a normal result value, not an error: callers must branch on it rather than
// unwrap an exception.
type ActivationDenial struct {
	Reasons []DenialReason `json:"reasons"`
	Detail  string         `json:"detail"`
}

// Denied reports whether any denial reason was recorded.
func (d ActivationDenial) Denied() bool {
	return len(d.Reasons) > 0
}

// Has reports whether the denial carries the given reason code.
func (d ActivationDenial) Has(reason DenialReason) bool {
	for _, r := range d.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

// EvaluatorFailure annotates a degraded parameter score. It never escalates
// past the sweep that recorded it.
type EvaluatorFailure struct {
	Parameter string
	Cause     error
}

func (e EvaluatorFailure) Error() string {
	return fmt.Sprintf("evaluator failed for parameter %s: %v", e.Parameter, e.Cause)
}

func (e EvaluatorFailure) Unwrap() error {
	return e.Cause
}

// PromotionAbortedError reports that a variant promotion rolled back and the
// live store is unchanged.
type PromotionAbortedError struct {
	VariantID string
	Cause     error
}

func (e PromotionAbortedError) Error() string {
	return fmt.Sprintf("promotion of variant %s aborted: %v", e.VariantID, e.Cause)
}

func (e PromotionAbortedError) Unwrap() error {
	return e.Cause
}
