package domain

import "context"

// Evaluator is the single-method capability interface through which any
// domain-specific simulation, model, or scoring function participates in
// sensitivity sweeps. The core never interprets what the evaluator computes;
// it only compares output deviations across perturbed replicas.
type Evaluator interface {
	// Evaluate returns the scalar output for the supplied replica state.
	// Implementations must treat the replica as read-only.
	Evaluate(ctx context.Context, replica ShadowReplica) (float64, error)
}

// EvaluatorFunc adapts a plain function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, replica ShadowReplica) (float64, error)

// Evaluate implements Evaluator.
func (f EvaluatorFunc) Evaluate(ctx context.Context, replica ShadowReplica) (float64, error) {
	return f(ctx, replica)
}

// DataMapper supplies concrete values for tracked parameters when a cell's
// parameters are sourced externally. The gray engine invokes it each time a
// shadow replica is refreshed; returning the input unchanged is valid.
type DataMapper interface {
	MapParameters(ctx context.Context, cellID string, params map[string]Parameter) (map[string]Parameter, error)
}
