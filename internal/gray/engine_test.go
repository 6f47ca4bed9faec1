package gray

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	memstore "latticecore/internal/infra/persistence/memory"
	"latticecore/pkg/domain"
)

type evalSource map[string]domain.Evaluator

func (s evalSource) Lookup(tag string) (domain.Evaluator, bool) {
	e, ok := s[tag]
	return e, ok
}

func sumEvaluator(scale float64) domain.Evaluator {
	return domain.EvaluatorFunc(func(_ context.Context, replica domain.ShadowReplica) (float64, error) {
		sum := 0.0
		for _, p := range replica.Parameters {
			sum += p.Value
		}
		return scale * sum, nil
	})
}

func seedCell(t *testing.T, store *memstore.Store, id string, state domain.ActivationState, params map[string]domain.Parameter) {
	t.Helper()
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateCell(domain.Cell{
			Base:              domain.Base{ID: id},
			Domain:            "linear",
			ActivationState:   state,
			TrackedParameters: params,
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed cell %s: %v", id, err)
	}
}

func newSweepEngine(t *testing.T, store *memstore.Store, evaluator domain.Evaluator, cfg Config) *Engine {
	t.Helper()
	reports := NewReportStore(nil, nil)
	return NewEngine(store, evalSource{"linear": evaluator}, reports, nil, cfg, nil)
}

func TestRunSweepComputesFragility(t *testing.T) {
	store := memstore.NewStore(nil)
	seedCell(t, store, "c1", domain.StateUnderReview, map[string]domain.Parameter{"a": {Value: 2}})
	engine := newSweepEngine(t, store, sumEvaluator(1), Config{})

	report, err := engine.RunSweep(context.Background(), "c1", SweepRequest{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	score, ok := report.Scores["a"]
	if !ok {
		t.Fatalf("expected a score for parameter a")
	}
	if !score.Known {
		t.Fatalf("expected known score")
	}
	// Three fractions in both directions.
	if len(score.Points) != 6 {
		t.Fatalf("expected 6 points, got %d", len(score.Points))
	}
	// The identity evaluator deviates exactly by the delta: fragility 1.
	for _, point := range score.Points {
		if math.Abs(point.Fragility-1) > 1e-9 {
			t.Fatalf("expected unit fragility, got %g at delta %g", point.Fragility, point.Delta)
		}
	}
	if math.Abs(report.Aggregate-1) > 1e-9 {
		t.Fatalf("expected aggregate 1, got %g", report.Aggregate)
	}
	if report.Partial {
		t.Fatalf("clean sweep must not be partial")
	}

	latest, ok := engine.Reports().LatestReport("c1")
	if !ok || latest.ID != report.ID {
		t.Fatalf("report must be stored as latest")
	}
	if _, ok := engine.Replica("c1"); !ok {
		t.Fatalf("sweep must cache the refreshed replica")
	}
}

func TestRunSweepZeroValuedParameterScoresZero(t *testing.T) {
	store := memstore.NewStore(nil)
	seedCell(t, store, "c1", domain.StateUnderReview, map[string]domain.Parameter{"z": {Value: 0}})
	engine := newSweepEngine(t, store, sumEvaluator(1), Config{})

	report, err := engine.RunSweep(context.Background(), "c1", SweepRequest{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	score := report.Scores["z"]
	if !score.Known {
		t.Fatalf("zero perturbation still yields a known score")
	}
	if score.Fragility != 0 {
		t.Fatalf("zero delta must score zero fragility, got %g", score.Fragility)
	}
	if report.Aggregate != 0 {
		t.Fatalf("expected zero aggregate, got %g", report.Aggregate)
	}
}

func TestRunSweepRestrictsParameterSet(t *testing.T) {
	store := memstore.NewStore(nil)
	seedCell(t, store, "c1", domain.StateUnderReview, map[string]domain.Parameter{
		"a": {Value: 2},
		"b": {Value: 3},
	})
	engine := newSweepEngine(t, store, sumEvaluator(1), Config{})

	report, err := engine.RunSweep(context.Background(), "c1", SweepRequest{Parameters: []string{"b"}})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(report.Scores) != 1 {
		t.Fatalf("expected one score, got %d", len(report.Scores))
	}
	if _, ok := report.Scores["b"]; !ok {
		t.Fatalf("expected a score for b only, got %v", report.Scores)
	}
}

func TestRunSweepRejectsUntrackedParameter(t *testing.T) {
	store := memstore.NewStore(nil)
	seedCell(t, store, "c1", domain.StateUnderReview, map[string]domain.Parameter{"a": {Value: 2}})
	engine := newSweepEngine(t, store, sumEvaluator(1), Config{})

	if _, err := engine.RunSweep(context.Background(), "c1", SweepRequest{Parameters: []string{"ghost"}}); err == nil {
		t.Fatalf("expected error for an untracked parameter")
	}
}

func TestRunSweepDeltaRangeCapsPerturbation(t *testing.T) {
	store := memstore.NewStore(nil)
	seedCell(t, store, "c1", domain.StateUnderReview, map[string]domain.Parameter{"a": {Value: 10}})
	engine := newSweepEngine(t, store, sumEvaluator(1), Config{})

	dr := 0.2
	report, err := engine.RunSweep(context.Background(), "c1", SweepRequest{DeltaRange: &dr})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	score := report.Scores["a"]
	if !score.Known {
		t.Fatalf("expected known score")
	}
	var maxDelta float64
	for _, point := range score.Points {
		if d := math.Abs(point.Delta); d > maxDelta {
			maxDelta = d
		}
		if point.Fragility < 0 {
			t.Fatalf("fragility must be non-negative, got %g", point.Fragility)
		}
	}
	// Largest perturbation is the full range of the value: 0.2 * 10.
	if math.Abs(maxDelta-2) > 1e-9 {
		t.Fatalf("expected max delta 2, got %g", maxDelta)
	}
}

func TestRunSweepZeroDeltaRangeScoresZero(t *testing.T) {
	store := memstore.NewStore(nil)
	seedCell(t, store, "c1", domain.StateUnderReview, map[string]domain.Parameter{"a": {Value: 10}})
	// A doubling evaluator would show fragility 2 at any real perturbation.
	engine := newSweepEngine(t, store, sumEvaluator(2), Config{})

	dr := 0.0
	report, err := engine.RunSweep(context.Background(), "c1", SweepRequest{DeltaRange: &dr})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	score := report.Scores["a"]
	if !score.Known {
		t.Fatalf("zero range still yields a known score")
	}
	if score.Fragility != 0 {
		t.Fatalf("zero delta range must score zero fragility, got %g", score.Fragility)
	}
	if report.Aggregate != 0 {
		t.Fatalf("expected zero aggregate, got %g", report.Aggregate)
	}
}

func TestRunSweepEmitsEvents(t *testing.T) {
	store := memstore.NewStore(nil)
	seedCell(t, store, "c1", domain.StateUnderReview, map[string]domain.Parameter{"a": {Value: 2}})
	// Doubling evaluator: deviation is twice the delta, fragility 2.
	engine := newSweepEngine(t, store, sumEvaluator(2), Config{FragilityThreshold: 1.5})

	report, err := engine.RunSweep(context.Background(), "c1", SweepRequest{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if math.Abs(report.Aggregate-2) > 1e-9 {
		t.Fatalf("expected aggregate 2, got %g", report.Aggregate)
	}

	var completed int
	var fragile []domain.Event
	for _, e := range store.ListEventsSince(0) {
		switch e.Type {
		case domain.EventSweepCompleted:
			completed++
		case domain.EventFragilityDetected:
			fragile = append(fragile, e)
		}
	}
	if completed != 1 {
		t.Fatalf("expected one SweepCompleted event, got %d", completed)
	}
	if len(fragile) != 1 {
		t.Fatalf("expected one FragilityDetected event, got %d", len(fragile))
	}
	if got := fragile[0].Payload["parameter"]; got != "a" {
		t.Fatalf("FragilityDetected must name the offending parameter, got %v", got)
	}
}

func TestRunSweepEmitsFragilityPerParameter(t *testing.T) {
	store := memstore.NewStore(nil)
	seedCell(t, store, "c1", domain.StateUnderReview, map[string]domain.Parameter{
		"a": {Value: 2},
		"b": {Value: 3},
	})
	// Both parameters deviate at fragility 2, both above the 1.5 threshold.
	engine := newSweepEngine(t, store, sumEvaluator(2), Config{FragilityThreshold: 1.5})

	if _, err := engine.RunSweep(context.Background(), "c1", SweepRequest{}); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	var params []string
	for _, e := range store.ListEventsSince(0) {
		if e.Type == domain.EventFragilityDetected {
			params = append(params, e.Payload["parameter"].(string))
		}
	}
	if len(params) != 2 || params[0] != "a" || params[1] != "b" {
		t.Fatalf("expected FragilityDetected for a and b, got %v", params)
	}
}

func TestRunSweepBelowThresholdSkipsFragilityEvent(t *testing.T) {
	store := memstore.NewStore(nil)
	seedCell(t, store, "c1", domain.StateUnderReview, map[string]domain.Parameter{"a": {Value: 2}})
	engine := newSweepEngine(t, store, sumEvaluator(1), Config{FragilityThreshold: 1.5})

	if _, err := engine.RunSweep(context.Background(), "c1", SweepRequest{}); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	for _, e := range store.ListEventsSince(0) {
		if e.Type == domain.EventFragilityDetected {
			t.Fatalf("fragility below threshold must not raise FragilityDetected")
		}
	}
}

func TestRunSweepDegradesOnPerturbedFailures(t *testing.T) {
	store := memstore.NewStore(nil)
	seedCell(t, store, "c1", domain.StateUnderReview, map[string]domain.Parameter{"a": {Value: 2}})

	// Baseline succeeds, every perturbed replica fails.
	evaluator := domain.EvaluatorFunc(func(_ context.Context, replica domain.ShadowReplica) (float64, error) {
		if math.Abs(replica.Parameters["a"].Value-2) > 1e-12 {
			return 0, errors.New("solver diverged")
		}
		return 2, nil
	})
	engine := newSweepEngine(t, store, evaluator, Config{})

	report, err := engine.RunSweep(context.Background(), "c1", SweepRequest{})
	if err != nil {
		t.Fatalf("sweep must not fail on evaluator errors: %v", err)
	}
	score := report.Scores["a"]
	if score.Known {
		t.Fatalf("expected unknown score when every perturbation failed")
	}
	if score.Warning == "" || !strings.Contains(score.Warning, "solver diverged") {
		t.Fatalf("expected degradation warning, got %q", score.Warning)
	}
	if !report.Partial {
		t.Fatalf("degraded sweep must be partial")
	}
	if report.Aggregate != 0 {
		t.Fatalf("unknown scores must not contribute to the aggregate, got %g", report.Aggregate)
	}
}

func TestRunSweepEvaluatorTimeout(t *testing.T) {
	store := memstore.NewStore(nil)
	seedCell(t, store, "c1", domain.StateUnderReview, map[string]domain.Parameter{"a": {Value: 2}})

	// Perturbed calls hang until the per-call timeout cancels them.
	evaluator := domain.EvaluatorFunc(func(ctx context.Context, replica domain.ShadowReplica) (float64, error) {
		if math.Abs(replica.Parameters["a"].Value-2) > 1e-12 {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return 2, nil
	})
	engine := newSweepEngine(t, store, evaluator, Config{EvaluatorTimeout: 20 * time.Millisecond})

	report, err := engine.RunSweep(context.Background(), "c1", SweepRequest{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	score := report.Scores["a"]
	if score.Known {
		t.Fatalf("timed-out evaluations must leave the score unknown")
	}
	if score.Warning == "" {
		t.Fatalf("expected timeout warning")
	}
}

func TestRunSweepBaselineFailure(t *testing.T) {
	store := memstore.NewStore(nil)
	seedCell(t, store, "c1", domain.StateUnderReview, map[string]domain.Parameter{"a": {Value: 2}})
	evaluator := domain.EvaluatorFunc(func(context.Context, domain.ShadowReplica) (float64, error) {
		return 0, errors.New("model offline")
	})
	engine := newSweepEngine(t, store, evaluator, Config{})

	report, err := engine.RunSweep(context.Background(), "c1", SweepRequest{})
	if err != nil {
		t.Fatalf("baseline failure still produces a degraded report: %v", err)
	}
	if !report.Partial {
		t.Fatalf("expected partial report")
	}
	if report.Usable() {
		t.Fatalf("report without known scores must not be usable")
	}
	score := report.Scores["a"]
	if !strings.Contains(score.Warning, "baseline evaluation failed") {
		t.Fatalf("expected baseline warning, got %q", score.Warning)
	}
}

func TestRunSweepRejectsTerminalCells(t *testing.T) {
	store := memstore.NewStore(nil)
	seedCell(t, store, "c1", domain.StateRejected, map[string]domain.Parameter{"a": {Value: 2}})
	engine := newSweepEngine(t, store, sumEvaluator(1), Config{})

	if _, err := engine.RunSweep(context.Background(), "c1", SweepRequest{}); err == nil {
		t.Fatalf("expected error sweeping a terminal cell")
	}
}

func TestRunSweepMissingCell(t *testing.T) {
	store := memstore.NewStore(nil)
	engine := newSweepEngine(t, store, sumEvaluator(1), Config{})

	_, err := engine.RunSweep(context.Background(), "ghost", SweepRequest{})
	var notFound domain.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestRunSweepRequiresEvaluator(t *testing.T) {
	store := memstore.NewStore(nil)
	seedCell(t, store, "c1", domain.StateUnderReview, map[string]domain.Parameter{"a": {Value: 2}})
	reports := NewReportStore(nil, nil)
	engine := NewEngine(store, evalSource{}, reports, nil, Config{}, nil)

	if _, err := engine.RunSweep(context.Background(), "c1", SweepRequest{}); err == nil {
		t.Fatalf("expected error when no evaluator is bound")
	}
}

type offsetMapper struct{ offset float64 }

func (m offsetMapper) MapParameters(_ context.Context, _ string, params map[string]domain.Parameter) (map[string]domain.Parameter, error) {
	out := make(map[string]domain.Parameter, len(params))
	for name, p := range params {
		p.Value += m.offset
		out[name] = p
	}
	return out, nil
}

func TestRefreshReplicaAppliesDataMapper(t *testing.T) {
	store := memstore.NewStore(nil)
	seedCell(t, store, "c1", domain.StateUnderReview, map[string]domain.Parameter{"a": {Value: 2}})
	reports := NewReportStore(nil, nil)
	engine := NewEngine(store, evalSource{"linear": sumEvaluator(1)}, reports, offsetMapper{offset: 10}, Config{}, nil)

	replica, err := engine.RefreshReplica(context.Background(), "c1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := replica.Parameters["a"].Value; got != 12 {
		t.Fatalf("mapper output not applied: got %g", got)
	}

	// The live cell keeps its stored value: replicas are copies.
	cell, _ := store.GetCell("c1")
	if got := cell.TrackedParameters["a"].Value; got != 2 {
		t.Fatalf("live cell mutated by replica refresh: %g", got)
	}
}
