package core

import (
	"context"
	"fmt"

	"latticecore/pkg/domain"
)

// defaultRules returns the policy rules installed on every rules engine.
// Structural invariants (cycles, self-edges) are enforced by the store's
// transaction methods; these rules cover lifecycle and parameter policy.
func defaultRules() []domain.Rule {
	return []domain.Rule{
		ActivationTransitionRule(),
		ParameterBoundsRule(),
	}
}

// NewRulesEngine constructs a rules engine preloaded with the default rules.
func NewRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	for _, rule := range defaultRules() {
		engine.Register(rule)
	}
	return engine
}

// ActivationTransitionRule blocks illegal activation state transitions on
// cells: unknown states, and any exit from a terminal state.
func ActivationTransitionRule() domain.Rule {
	return activationTransitionRule{}
}

type activationTransitionRule struct{}

var validActivationStates = map[domain.ActivationState]struct{}{
	domain.StateDraft:       {},
	domain.StateUnderReview: {},
	domain.StateActivated:   {},
	domain.StateRejected:    {},
	domain.StateDeprecated:  {},
}

// legalTransitions maps each state to the states it may move to.
var legalTransitions = map[domain.ActivationState]map[domain.ActivationState]struct{}{
	domain.StateDraft:       {domain.StateUnderReview: {}},
	domain.StateUnderReview: {domain.StateActivated: {}, domain.StateRejected: {}},
	domain.StateActivated:   {domain.StateDeprecated: {}},
}

func (activationTransitionRule) Name() string { return "activation_transition" }

func (activationTransitionRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityCell {
			continue
		}
		after, ok := change.After.(domain.Cell)
		if !ok {
			continue
		}
		if _, valid := validActivationStates[after.ActivationState]; !valid {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "activation_transition",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("cell %s is set to invalid state %s", after.ID, after.ActivationState),
				Entity:   domain.EntityCell,
				EntityID: after.ID,
			})
			continue
		}
		before, ok := change.Before.(domain.Cell)
		if !ok || before.ActivationState == after.ActivationState {
			continue
		}
		allowed, known := legalTransitions[before.ActivationState]
		if !known {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "activation_transition",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("cannot move cell %s out of terminal state %s", after.ID, before.ActivationState),
				Entity:   domain.EntityCell,
				EntityID: after.ID,
			})
			continue
		}
		if _, legal := allowed[after.ActivationState]; !legal {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "activation_transition",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("illegal transition for cell %s: %s -> %s", after.ID, before.ActivationState, after.ActivationState),
				Entity:   domain.EntityCell,
				EntityID: after.ID,
			})
		}
	}
	return res, nil
}

// ParameterBoundsRule warns when a tracked parameter value leaves its
// declared interval. Warnings never block commit: out-of-bounds values are a
// sensitivity concern, not an integrity violation.
func ParameterBoundsRule() domain.Rule {
	return parameterBoundsRule{}
}

type parameterBoundsRule struct{}

func (parameterBoundsRule) Name() string { return "parameter_bounds" }

func (parameterBoundsRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityCell {
			continue
		}
		after, ok := change.After.(domain.Cell)
		if !ok {
			continue
		}
		for name, param := range after.TrackedParameters {
			if param.Lower != nil && param.Value < *param.Lower {
				res.Violations = append(res.Violations, boundsViolation(after.ID, fmt.Sprintf("parameter %s value %g below lower bound %g", name, param.Value, *param.Lower)))
			}
			if param.Upper != nil && param.Value > *param.Upper {
				res.Violations = append(res.Violations, boundsViolation(after.ID, fmt.Sprintf("parameter %s value %g above upper bound %g", name, param.Value, *param.Upper)))
			}
		}
	}
	return res, nil
}

func boundsViolation(cellID, message string) domain.Violation {
	return domain.Violation{
		Rule:     "parameter_bounds",
		Severity: domain.SeverityWarn,
		Message:  message,
		Entity:   domain.EntityCell,
		EntityID: cellID,
	}
}
