package core

import (
	"context"
	"testing"

	"latticecore/pkg/domain"
)

func transitionChange(id string, from, to domain.ActivationState) domain.Change {
	return domain.Change{
		Entity: domain.EntityCell,
		Action: domain.ActionUpdate,
		Before: domain.Cell{Base: domain.Base{ID: id}, ActivationState: from},
		After:  domain.Cell{Base: domain.Base{ID: id}, ActivationState: to},
	}
}

func TestActivationTransitionRule(t *testing.T) {
	rule := ActivationTransitionRule()

	cases := []struct {
		name    string
		from    domain.ActivationState
		to      domain.ActivationState
		blocked bool
	}{
		{"draft to review", domain.StateDraft, domain.StateUnderReview, false},
		{"review to activated", domain.StateUnderReview, domain.StateActivated, false},
		{"review to rejected", domain.StateUnderReview, domain.StateRejected, false},
		{"activated to deprecated", domain.StateActivated, domain.StateDeprecated, false},
		{"draft to activated", domain.StateDraft, domain.StateActivated, true},
		{"draft to rejected", domain.StateDraft, domain.StateRejected, true},
		{"activated to review", domain.StateActivated, domain.StateUnderReview, true},
		{"rejected to draft", domain.StateRejected, domain.StateDraft, true},
		{"deprecated to activated", domain.StateDeprecated, domain.StateActivated, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := rule.Evaluate(context.Background(), nil, []domain.Change{
				transitionChange("c1", tc.from, tc.to),
			})
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if res.HasBlocking() != tc.blocked {
				t.Fatalf("transition %s->%s: blocked=%v, want %v", tc.from, tc.to, res.HasBlocking(), tc.blocked)
			}
		})
	}
}

func TestActivationTransitionRuleRejectsUnknownState(t *testing.T) {
	rule := ActivationTransitionRule()
	res, err := rule.Evaluate(context.Background(), nil, []domain.Change{{
		Entity: domain.EntityCell,
		Action: domain.ActionUpdate,
		After:  domain.Cell{Base: domain.Base{ID: "c1"}, ActivationState: "limbo"},
	}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.HasBlocking() {
		t.Fatalf("expected unknown state to block")
	}
}

func TestParameterBoundsRuleWarnsWithoutBlocking(t *testing.T) {
	rule := ParameterBoundsRule()
	lower, upper := 0.0, 10.0
	res, err := rule.Evaluate(context.Background(), nil, []domain.Change{{
		Entity: domain.EntityCell,
		Action: domain.ActionUpdate,
		After: domain.Cell{
			Base: domain.Base{ID: "c1"},
			TrackedParameters: map[string]domain.Parameter{
				"pressure": {Value: 42, Lower: &lower, Upper: &upper},
			},
		},
	}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Violations) != 1 {
		t.Fatalf("expected one violation, got %d", len(res.Violations))
	}
	if res.Violations[0].Severity != domain.SeverityWarn {
		t.Fatalf("bounds violations must warn, got %s", res.Violations[0].Severity)
	}
	if res.HasBlocking() {
		t.Fatalf("bounds violations must not block")
	}
}
