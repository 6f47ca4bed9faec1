package gray

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"latticecore/pkg/domain"
)

// EvaluatorSource resolves the evaluator for a project domain tag. The core
// service's evaluator registry satisfies it.
type EvaluatorSource interface {
	Lookup(domainTag string) (domain.Evaluator, bool)
}

// Config tunes sweep execution.
type Config struct {
	// Workers bounds concurrent evaluator invocations per sweep.
	Workers int
	// EvaluatorTimeout bounds a single evaluator call. Expired calls degrade
	// the affected parameter score instead of failing the sweep.
	EvaluatorTimeout time.Duration
	// DeltaFractions are the relative perturbation magnitudes applied in both
	// directions to each tracked parameter.
	DeltaFractions []float64
	// FragilityThreshold triggers FragilityDetected events when an aggregate
	// score exceeds it.
	FragilityThreshold float64
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.EvaluatorTimeout <= 0 {
		c.EvaluatorTimeout = 5 * time.Second
	}
	if len(c.DeltaFractions) == 0 {
		c.DeltaFractions = []float64{0.01, 0.05, 0.10}
	}
	if c.FragilityThreshold <= 0 {
		c.FragilityThreshold = 1.0
	}
	return c
}

// Engine executes perturbation sweeps against shadow replicas. It never
// mutates live cells: all evaluator input is taken from replicas refreshed at
// sweep time.
type Engine struct {
	store      domain.PersistentStore
	evaluators EvaluatorSource
	mapper     domain.DataMapper
	reports    *ReportStore
	cfg        Config
	logger     *slog.Logger
	nowFn      func() time.Time

	mu       sync.RWMutex
	replicas map[string]domain.ShadowReplica
}

// NewEngine constructs a gray engine. mapper may be nil when tracked
// parameter values are authoritative in the store.
func NewEngine(store domain.PersistentStore, evaluators EvaluatorSource, reports *ReportStore, mapper domain.DataMapper, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      store,
		evaluators: evaluators,
		mapper:     mapper,
		reports:    reports,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		nowFn:      func() time.Time { return time.Now().UTC() },
		replicas:   make(map[string]domain.ShadowReplica),
	}
}

// Reports exposes the engine's report store.
func (e *Engine) Reports() *ReportStore {
	return e.reports
}

// RefreshReplica takes a fresh point-in-time copy of the cell's tracked
// parameters, running them through the data mapper when one is configured.
func (e *Engine) RefreshReplica(ctx context.Context, cellID string) (domain.ShadowReplica, error) {
	cell, ok := e.store.GetCell(cellID)
	if !ok {
		return domain.ShadowReplica{}, domain.NotFoundError{Entity: domain.EntityCell, ID: cellID}
	}
	params := cloneParameters(cell.TrackedParameters)
	if e.mapper != nil {
		mapped, err := e.mapper.MapParameters(ctx, cellID, params)
		if err != nil {
			return domain.ShadowReplica{}, fmt.Errorf("map parameters for cell %s: %w", cellID, err)
		}
		params = mapped
	}
	replica := domain.ShadowReplica{
		CellID:        cell.ID,
		SourceVersion: cell.Version,
		Layer:         cell.Layer,
		Domain:        cell.Domain,
		Parameters:    params,
		TakenAt:       e.nowFn(),
	}
	e.mu.Lock()
	e.replicas[cellID] = replica
	e.mu.Unlock()
	return replica, nil
}

// Replica returns the cached shadow replica for a cell, if one exists.
func (e *Engine) Replica(cellID string) (domain.ShadowReplica, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	replica, ok := e.replicas[cellID]
	return replica, ok
}

// SweepRequest narrows a sweep. The zero value sweeps every tracked
// parameter at the configured delta fractions.
type SweepRequest struct {
	// Parameters restricts the sweep to the named tracked parameters.
	// Empty means all of them.
	Parameters []string
	// DeltaRange caps the relative perturbation magnitude for this sweep,
	// replacing the configured fractions with fixed shares of the range.
	// A zero range is meaningful: no perturbation, zero fragility.
	DeltaRange *float64
}

// deltaRangeShares spreads a caller-supplied delta range into a small set of
// perturbation fractions, the largest being the range itself.
var deltaRangeShares = []float64{0.25, 0.5, 1.0}

func (e *Engine) sweepFractions(req SweepRequest) []float64 {
	if req.DeltaRange == nil {
		return e.cfg.DeltaFractions
	}
	fractions := make([]float64, len(deltaRangeShares))
	for i, share := range deltaRangeShares {
		fractions[i] = share * *req.DeltaRange
	}
	return fractions
}

// RunSweep refreshes the cell's replica, perturbs the requested tracked
// parameters across the delta fractions, and records the resulting report.
// Evaluator failures and timeouts degrade individual parameter scores; the
// sweep itself fails only when the cell is missing, terminal, has no
// evaluator bound to its domain, or the request names an untracked parameter.
func (e *Engine) RunSweep(ctx context.Context, cellID string, req SweepRequest) (domain.SensitivityReport, error) {
	cell, ok := e.store.GetCell(cellID)
	if !ok {
		return domain.SensitivityReport{}, domain.NotFoundError{Entity: domain.EntityCell, ID: cellID}
	}
	if cell.ActivationState.Terminal() {
		return domain.SensitivityReport{}, fmt.Errorf("cell %s is %s, terminal cells are not swept", cellID, cell.ActivationState)
	}
	evaluator, ok := e.evaluators.Lookup(cell.Domain)
	if !ok {
		return domain.SensitivityReport{}, fmt.Errorf("no evaluator bound for domain %q", cell.Domain)
	}
	replica, err := e.RefreshReplica(ctx, cellID)
	if err != nil {
		return domain.SensitivityReport{}, err
	}

	names := parameterNames(replica.Parameters)
	if len(req.Parameters) > 0 {
		names = names[:0]
		for _, name := range req.Parameters {
			if _, tracked := replica.Parameters[name]; !tracked {
				return domain.SensitivityReport{}, fmt.Errorf("cell %s has no tracked parameter %q", cellID, name)
			}
			names = append(names, name)
		}
		sort.Strings(names)
	}
	fractions := e.sweepFractions(req)

	report := domain.SensitivityReport{
		ID:            uuid.NewString(),
		CellID:        cellID,
		SourceVersion: replica.SourceVersion,
		Scores:        make(map[string]domain.ParameterScore, len(names)),
		CreatedAt:     e.nowFn(),
	}

	baseline, baselineErr := e.evaluate(ctx, evaluator, replica)
	if baselineErr != nil {
		for _, name := range names {
			report.Scores[name] = domain.ParameterScore{
				Warning: fmt.Sprintf("baseline evaluation failed: %v", baselineErr),
			}
		}
		report.Partial = true
		e.reports.Add(report)
		e.emitSweepEvents(ctx, cellID, report)
		return report, nil
	}

	for _, name := range names {
		score := e.sweepParameter(ctx, evaluator, replica, name, baseline, fractions)
		if !score.Known || score.Warning != "" {
			report.Partial = true
		}
		report.Scores[name] = score
	}
	report.Aggregate = aggregateFragility(report.Scores)
	report = e.reports.Add(report)
	e.emitSweepEvents(ctx, cellID, report)

	e.logger.Info("sensitivity sweep completed", "cell", cellID, "report", report.ID,
		"aggregate", report.Aggregate, "partial", report.Partial)
	return report, nil
}

type sweepPoint struct {
	point domain.SensitivityPoint
	err   error
}

// sweepParameter measures one parameter across every delta fraction in both
// directions, bounded by the worker limit.
func (e *Engine) sweepParameter(ctx context.Context, evaluator domain.Evaluator, replica domain.ShadowReplica, name string, baseline float64, fractions []float64) domain.ParameterScore {
	param := replica.Parameters[name]
	deltas := make([]float64, 0, len(fractions)*2)
	for _, frac := range fractions {
		abs := math.Abs(param.Value * frac)
		deltas = append(deltas, abs, -abs)
	}

	results := make([]sweepPoint, len(deltas))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.cfg.Workers)
	for i, delta := range deltas {
		group.Go(func() error {
			results[i] = e.measure(groupCtx, evaluator, replica, name, delta, baseline)
			return nil
		})
	}
	_ = group.Wait()

	score := domain.ParameterScore{}
	var failures []error
	for _, res := range results {
		if res.err != nil {
			failures = append(failures, res.err)
			continue
		}
		score.Points = append(score.Points, res.point)
		if res.point.Fragility > score.Fragility {
			score.Fragility = res.point.Fragility
		}
	}
	score.Known = len(score.Points) > 0
	if len(failures) > 0 {
		score.Warning = domain.EvaluatorFailure{Parameter: name, Cause: failures[0]}.Error()
		if !score.Known {
			score.Fragility = 0
		}
	}
	sort.Slice(score.Points, func(i, j int) bool { return score.Points[i].Delta < score.Points[j].Delta })
	return score
}

// measure evaluates one perturbed replica. A zero-magnitude delta yields a
// zero fragility point without invoking the evaluator: no perturbation, no
// signal.
func (e *Engine) measure(ctx context.Context, evaluator domain.Evaluator, replica domain.ShadowReplica, name string, delta, baseline float64) sweepPoint {
	if delta == 0 {
		return sweepPoint{point: domain.SensitivityPoint{}}
	}
	perturbed := perturbReplica(replica, name, delta)
	out, err := e.evaluate(ctx, evaluator, perturbed)
	if err != nil {
		return sweepPoint{err: err}
	}
	deviation := math.Abs(out - baseline)
	return sweepPoint{point: domain.SensitivityPoint{
		Delta:           delta,
		OutputDeviation: deviation,
		Fragility:       deviation / math.Abs(delta),
	}}
}

// evaluate invokes the evaluator under the configured timeout.
func (e *Engine) evaluate(ctx context.Context, evaluator domain.Evaluator, replica domain.ShadowReplica) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.EvaluatorTimeout)
	defer cancel()
	return evaluator.Evaluate(callCtx, replica)
}

// emitSweepEvents records SweepCompleted and, for each parameter whose
// fragility exceeds the threshold, a FragilityDetected event naming it.
// Event emission failure is logged but never fails the sweep: the report is
// already stored.
func (e *Engine) emitSweepEvents(ctx context.Context, cellID string, report domain.SensitivityReport) {
	names := make([]string, 0, len(report.Scores))
	for name := range report.Scores {
		names = append(names, name)
	}
	sort.Strings(names)

	_, err := e.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.EmitEvent(domain.EventSweepCompleted, cellID, map[string]any{
			"report_id": report.ID,
			"aggregate": report.Aggregate,
			"partial":   report.Partial,
		}); err != nil {
			return err
		}
		for _, name := range names {
			score := report.Scores[name]
			if !score.Known || score.Fragility <= e.cfg.FragilityThreshold {
				continue
			}
			if _, err := tx.EmitEvent(domain.EventFragilityDetected, cellID, map[string]any{
				"report_id": report.ID,
				"parameter": name,
				"fragility": score.Fragility,
				"threshold": e.cfg.FragilityThreshold,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.logger.Error("sweep event emission failed", "cell", cellID, "report", report.ID, "error", err)
	}
}

func perturbReplica(replica domain.ShadowReplica, name string, delta float64) domain.ShadowReplica {
	params := cloneParameters(replica.Parameters)
	param := params[name]
	param.Value += delta
	params[name] = param
	replica.Parameters = params
	return replica
}

func cloneParameters(in map[string]domain.Parameter) map[string]domain.Parameter {
	out := make(map[string]domain.Parameter, len(in))
	for name, param := range in {
		out[name] = param
	}
	return out
}

func parameterNames(params map[string]domain.Parameter) []string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func aggregateFragility(scores map[string]domain.ParameterScore) float64 {
	max := 0.0
	for _, score := range scores {
		if score.Known && score.Fragility > max {
			max = score.Fragility
		}
	}
	return max
}
