// Package linear is the reference evaluator plugin: a weighted-sum model
// over tracked parameters. It doubles as the fallback evaluator for domains
// without a dedicated binding.
package linear

import (
	"context"
	"math"

	"latticecore/internal/core"
	"latticecore/pkg/domain"
)

// Plugin wires the linear evaluator and its supporting rule.
type Plugin struct {
	weights map[string]float64
}

// New constructs a linear plugin. weights maps parameter names to their
// contribution; unlisted parameters weigh 1.
func New(weights map[string]float64) Plugin {
	return Plugin{weights: weights}
}

// Name returns the plugin identifier.
func (Plugin) Name() string { return "linear" }

// Version returns the plugin semantic version.
func (Plugin) Version() string { return "0.1.0" }

// Register binds the evaluator for the linear domain and as the fallback,
// and contributes the untracked-parameters rule.
func (p Plugin) Register(registry *core.PluginRegistry) error {
	evaluator := Evaluator{weights: p.weights}
	if err := registry.RegisterEvaluator("linear", evaluator); err != nil {
		return err
	}
	if err := registry.RegisterEvaluator("", evaluator); err != nil {
		return err
	}
	registry.RegisterRule(untrackedParametersRule{})
	return nil
}

// Evaluator computes the weighted sum of a replica's parameter values.
type Evaluator struct {
	weights map[string]float64
}

// Evaluate implements the evaluator contract. It is deterministic and never
// fails: a replica without parameters evaluates to zero.
func (e Evaluator) Evaluate(_ context.Context, replica domain.ShadowReplica) (float64, error) {
	sum := 0.0
	for name, param := range replica.Parameters {
		weight := 1.0
		if w, ok := e.weights[name]; ok {
			weight = w
		}
		if math.IsNaN(param.Value) || math.IsInf(param.Value, 0) {
			continue
		}
		sum += weight * param.Value
	}
	return sum, nil
}

// untrackedParametersRule warns when a cell enters review without tracked
// parameters, since its sensitivity sweep would measure nothing.
type untrackedParametersRule struct{}

func (untrackedParametersRule) Name() string { return "untracked_parameters" }

func (untrackedParametersRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var result domain.Result
	for _, change := range changes {
		if change.Entity != domain.EntityCell {
			continue
		}
		after, ok := change.After.(domain.Cell)
		if !ok || after.ActivationState != domain.StateUnderReview {
			continue
		}
		if len(after.TrackedParameters) == 0 {
			result.Violations = append(result.Violations, domain.Violation{
				Rule:     "untracked_parameters",
				Severity: domain.SeverityWarn,
				Message:  "cell entered review with no tracked parameters",
				Entity:   domain.EntityCell,
				EntityID: after.ID,
			})
		}
	}
	return result, nil
}
