package linear

import (
	"context"
	"math"
	"testing"

	"latticecore/internal/core"
	"latticecore/pkg/domain"
)

func TestEvaluatorWeightedSum(t *testing.T) {
	evaluator := Evaluator{weights: map[string]float64{"a": 2}}
	out, err := evaluator.Evaluate(context.Background(), domain.ShadowReplica{
		Parameters: map[string]domain.Parameter{
			"a": {Value: 3},  // weighted 2
			"b": {Value: 10}, // default weight 1
		},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out != 16 {
		t.Fatalf("expected 16, got %g", out)
	}
}

func TestEvaluatorSkipsNonFiniteValues(t *testing.T) {
	evaluator := Evaluator{}
	out, err := evaluator.Evaluate(context.Background(), domain.ShadowReplica{
		Parameters: map[string]domain.Parameter{
			"nan": {Value: math.NaN()},
			"inf": {Value: math.Inf(1)},
			"ok":  {Value: 5},
		},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out != 5 {
		t.Fatalf("expected 5, got %g", out)
	}
}

func TestEvaluatorEmptyReplica(t *testing.T) {
	out, err := Evaluator{}.Evaluate(context.Background(), domain.ShadowReplica{})
	if err != nil || out != 0 {
		t.Fatalf("expected zero for empty replica, got %g err=%v", out, err)
	}
}

func TestRegisterBindsEvaluatorAndFallback(t *testing.T) {
	registry := core.NewPluginRegistry()
	if err := New(nil).Register(registry); err != nil {
		t.Fatalf("register: %v", err)
	}
	evaluators := registry.Evaluators()
	if _, ok := evaluators["linear"]; !ok {
		t.Fatalf("expected linear binding")
	}
	if _, ok := evaluators[""]; !ok {
		t.Fatalf("expected fallback binding")
	}
	if len(registry.Rules()) != 1 {
		t.Fatalf("expected one contributed rule, got %d", len(registry.Rules()))
	}
}

func TestUntrackedParametersRuleWarns(t *testing.T) {
	rule := untrackedParametersRule{}
	res, err := rule.Evaluate(context.Background(), nil, []domain.Change{{
		Entity: domain.EntityCell,
		Action: domain.ActionUpdate,
		After: domain.Cell{
			Base:            domain.Base{ID: "c1"},
			ActivationState: domain.StateUnderReview,
		},
	}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Violations) != 1 || res.Violations[0].Severity != domain.SeverityWarn {
		t.Fatalf("expected one warning, got %v", res.Violations)
	}
	if res.HasBlocking() {
		t.Fatalf("warning must not block")
	}
}

func TestUntrackedParametersRuleIgnoresTrackedCells(t *testing.T) {
	rule := untrackedParametersRule{}
	res, err := rule.Evaluate(context.Background(), nil, []domain.Change{{
		Entity: domain.EntityCell,
		Action: domain.ActionUpdate,
		After: domain.Cell{
			Base:              domain.Base{ID: "c1"},
			ActivationState:   domain.StateUnderReview,
			TrackedParameters: map[string]domain.Parameter{"a": {Value: 1}},
		},
	}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Violations) != 0 {
		t.Fatalf("expected no violations, got %v", res.Violations)
	}
}
