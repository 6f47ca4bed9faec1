package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"latticecore/pkg/domain"
)

// DefaultFragilityThreshold is the aggregate fragility above which activation
// is denied unless explicitly overridden.
const DefaultFragilityThreshold = 1.0

// ReportSource resolves the most recent sensitivity report for a cell. The
// gray engine's report store satisfies it.
type ReportSource interface {
	LatestReport(cellID string) (domain.SensitivityReport, bool)
}

// SweepRequester accepts asynchronous sweep requests. The gray engine's
// scheduler satisfies it; requests must never block the caller.
type SweepRequester interface {
	RequestSweep(cellID string)
}

// Service exposes the administrative operations of the lattice: cell and edge
// management, lifecycle transitions, traversal queries, and plugin
// installation. It is safe for concurrent use.
type Service struct {
	store      domain.PersistentStore
	engine     *domain.RulesEngine
	evaluators *EvaluatorRegistry
	plugins    map[string]PluginMetadata
	reports    ReportSource
	sweeps     SweepRequester
	metrics    MetricsRecorder
	logger     *slog.Logger
	threshold  float64
	requests   *RequestCache
	nowFn      func() time.Time
}

// Option adjusts service construction.
type Option func(*Service)

// WithLogger installs a structured logger. A nil logger is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics installs a metrics recorder.
func WithMetrics(recorder MetricsRecorder) Option {
	return func(s *Service) { s.metrics = recorder }
}

// WithReportSource wires the sensitivity report lookup used to gate
// activation.
func WithReportSource(source ReportSource) Option {
	return func(s *Service) { s.reports = source }
}

// WithSweepRequester wires the asynchronous sweep trigger fired when a cell
// enters review.
func WithSweepRequester(requester SweepRequester) Option {
	return func(s *Service) { s.sweeps = requester }
}

// WithFragilityThreshold overrides the activation fragility gate.
func WithFragilityThreshold(threshold float64) Option {
	return func(s *Service) {
		if threshold > 0 {
			s.threshold = threshold
		}
	}
}

// WithRequestCache installs the idempotency cache for client-supplied request
// ids.
func WithRequestCache(cache *RequestCache) Option {
	return func(s *Service) {
		if cache != nil {
			s.requests = cache
		}
	}
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

// NewService constructs a service backed by the supplied store. The rules
// engine must be the one the store evaluates at commit so that installed
// plugin rules take effect.
func NewService(store domain.PersistentStore, engine *domain.RulesEngine, opts ...Option) *Service {
	s := &Service{
		store:      store,
		engine:     engine,
		evaluators: NewEvaluatorRegistry(),
		plugins:    make(map[string]PluginMetadata),
		logger:     slog.Default(),
		threshold:  DefaultFragilityThreshold,
		requests:   NewRequestCache(0),
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

// Evaluators returns the registry consulted by the gray engine.
func (s *Service) Evaluators() *EvaluatorRegistry {
	return s.evaluators
}

// BindSweepRequester wires the sweep trigger after construction. The gray
// scheduler depends on the service's evaluator registry, so it is usually
// built second and bound here.
func (s *Service) BindSweepRequester(requester SweepRequester) {
	s.sweeps = requester
}

// FragilityThreshold returns the configured activation gate.
func (s *Service) FragilityThreshold() float64 {
	return s.threshold
}

// InstallPlugin registers a plugin's rules and evaluators. Installation is
// not transactional: rules registered before a failure remain in effect, so
// plugins should validate their contributions before registering them.
func (s *Service) InstallPlugin(plugin Plugin) error {
	if plugin == nil {
		return fmt.Errorf("nil plugin")
	}
	name := plugin.Name()
	if name == "" {
		return fmt.Errorf("plugin name must not be empty")
	}
	if _, exists := s.plugins[name]; exists {
		return fmt.Errorf("plugin %s already installed", name)
	}
	registry := NewPluginRegistry()
	if err := plugin.Register(registry); err != nil {
		return fmt.Errorf("register plugin %s: %w", name, err)
	}
	for _, rule := range registry.Rules() {
		s.engine.Register(rule)
	}
	for tag, evaluator := range registry.Evaluators() {
		s.evaluators.Bind(tag, evaluator)
	}
	s.plugins[name] = PluginMetadata{Name: name, Version: plugin.Version()}
	s.logger.Info("plugin installed", "plugin", name, "version", plugin.Version(),
		"rules", len(registry.Rules()), "evaluators", len(registry.Evaluators()))
	return nil
}

// Plugins lists installed plugin metadata sorted by name.
func (s *Service) Plugins() []PluginMetadata {
	out := make([]PluginMetadata, 0, len(s.plugins))
	for _, meta := range s.plugins {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CreateCell persists a new cell in draft state.
func (s *Service) CreateCell(ctx context.Context, cell domain.Cell) (created domain.Cell, res domain.Result, err error) {
	defer s.observe(ctx, "create_cell", s.nowFn(), &err)
	res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var txErr error
		created, txErr = tx.CreateCell(cell)
		return txErr
	})
	s.logViolations("create_cell", res)
	return created, res, err
}

// UpdateCell mutates a cell under an optimistic version check. Pass a
// negative expectedVersion to skip the check.
func (s *Service) UpdateCell(ctx context.Context, id string, expectedVersion int64, mutator func(*domain.Cell) error) (updated domain.Cell, res domain.Result, err error) {
	defer s.observe(ctx, "update_cell", s.nowFn(), &err)
	res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var txErr error
		updated, txErr = tx.UpdateCell(id, expectedVersion, mutator)
		return txErr
	})
	s.logViolations("update_cell", res)
	return updated, res, err
}

// AddEvidence appends evidence references to a cell.
func (s *Service) AddEvidence(ctx context.Context, id string, expectedVersion int64, refs ...string) (domain.Cell, domain.Result, error) {
	return s.UpdateCell(ctx, id, expectedVersion, func(c *domain.Cell) error {
		c.EvidenceRefs = append(c.EvidenceRefs, refs...)
		return nil
	})
}

// LinkParentChild adds a hierarchical edge after cycle validation.
func (s *Service) LinkParentChild(ctx context.Context, parentID, childID string) (rel domain.Relationship, res domain.Result, err error) {
	defer s.observe(ctx, "link_parent_child", s.nowFn(), &err)
	res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var txErr error
		rel, txErr = tx.AddParentChild(parentID, childID)
		return txErr
	})
	s.logViolations("link_parent_child", res)
	return rel, res, err
}

// LinkCousin adds a coordination edge between two distinct cells.
func (s *Service) LinkCousin(ctx context.Context, sourceID, targetID, relationKind string) (rel domain.Relationship, res domain.Result, err error) {
	defer s.observe(ctx, "link_cousin", s.nowFn(), &err)
	res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var txErr error
		rel, txErr = tx.AddCousin(sourceID, targetID, relationKind)
		return txErr
	})
	s.logViolations("link_cousin", res)
	return rel, res, err
}

// GetCell fetches a cell by id.
func (s *Service) GetCell(ctx context.Context, id string) (domain.Cell, error) {
	cell, ok := s.store.GetCell(id)
	if !ok {
		return domain.Cell{}, domain.NotFoundError{Entity: domain.EntityCell, ID: id}
	}
	return cell, nil
}

// CellFilter narrows ListCells output. Zero values match everything.
type CellFilter struct {
	Layer  *int
	Domain string
	State  domain.ActivationState
}

func (f CellFilter) matches(c domain.Cell) bool {
	if f.Layer != nil && c.Layer != *f.Layer {
		return false
	}
	if f.Domain != "" && c.Domain != f.Domain {
		return false
	}
	if f.State != "" && c.ActivationState != f.State {
		return false
	}
	return true
}

// ListCells returns cells matching the filter, sorted by id.
func (s *Service) ListCells(_ context.Context, filter CellFilter) []domain.Cell {
	all := s.store.ListCells()
	out := make([]domain.Cell, 0, len(all))
	for _, cell := range all {
		if filter.matches(cell) {
			out = append(out, cell)
		}
	}
	return out
}

// Lineage returns the cell's ancestor ids ordered child to root.
func (s *Service) Lineage(ctx context.Context, cellID string, includeSelf bool) (lineage []string, err error) {
	defer s.observe(ctx, "lineage", s.nowFn(), &err)
	err = s.store.View(ctx, func(view domain.TransactionView) error {
		var viewErr error
		lineage, viewErr = view.Lineage(cellID, includeSelf)
		return viewErr
	})
	return lineage, err
}

// Descendants returns cells reachable through parent_child edges with their
// breadth-first distance from the origin.
func (s *Service) Descendants(ctx context.Context, cellID string, q domain.DescendantQuery) (out []domain.CellDistance, err error) {
	defer s.observe(ctx, "descendants", s.nowFn(), &err)
	err = s.store.View(ctx, func(view domain.TransactionView) error {
		var viewErr error
		out, viewErr = view.Descendants(cellID, q)
		return viewErr
	})
	return out, err
}

// Cousins returns the cells directly cousin-related to the origin.
func (s *Service) Cousins(ctx context.Context, cellID string, kindFilter string, opts domain.TraversalOptions) (out []domain.Cousin, err error) {
	defer s.observe(ctx, "cousins", s.nowFn(), &err)
	err = s.store.View(ctx, func(view domain.TransactionView) error {
		var viewErr error
		out, viewErr = view.Cousins(cellID, kindFilter, opts)
		return viewErr
	})
	return out, err
}

// GetDecision fetches a decision record by id.
func (s *Service) GetDecision(_ context.Context, id string) (domain.Decision, error) {
	decision, ok := s.store.GetDecision(id)
	if !ok {
		return domain.Decision{}, domain.NotFoundError{Entity: domain.EntityDecision, ID: id}
	}
	return decision, nil
}

// ListDecisions returns all recorded decisions sorted by id.
func (s *Service) ListDecisions(_ context.Context) []domain.Decision {
	return s.store.ListDecisions()
}

// ListPromotions returns all variant promotion audit records.
func (s *Service) ListPromotions(_ context.Context) []domain.PromotionRecord {
	return s.store.ListPromotions()
}

// observe records operation latency and outcome; call it deferred with the
// operation's named error result.
func (s *Service) observe(ctx context.Context, operation string, start time.Time, err *error) {
	if s.metrics == nil {
		return
	}
	s.metrics.Observe(ctx, operation, err == nil || *err == nil, time.Since(start))
}

func (s *Service) logViolations(operation string, res domain.Result) {
	for _, v := range res.Violations {
		if v.Severity == domain.SeverityWarn || v.Severity == domain.SeverityLog {
			s.logger.Warn("rule violation", "operation", operation, "rule", v.Rule,
				"entity", string(v.Entity), "entity_id", v.EntityID, "message", v.Message)
		}
	}
}
