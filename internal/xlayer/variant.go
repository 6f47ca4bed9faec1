// Package xlayer manages exploratory lattice variants: cheap overlays on the
// live lattice that can be scored and either promoted atomically or retired.
package xlayer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"latticecore/internal/infra/blob"
	"latticecore/pkg/domain"
)

// OpKind enumerates the mutations a variant may stage.
type OpKind string

const (
	// OpSetParameter stages a tracked parameter value change.
	OpSetParameter OpKind = "set_parameter"
	// OpAddCell stages a new cell. The staged cell's ID acts as an alias
	// that later ops may reference; promotion maps it to the real id.
	OpAddCell OpKind = "add_cell"
	// OpAddParentChild stages a hierarchical edge.
	OpAddParentChild OpKind = "add_parent_child"
	// OpAddCousin stages a coordination edge.
	OpAddCousin OpKind = "add_cousin"
)

// MutationOp is one staged mutation. Fields are interpreted per Kind.
type MutationOp struct {
	Kind         OpKind       `json:"kind"`
	CellID       string       `json:"cell_id,omitempty"`
	Parameter    string       `json:"parameter,omitempty"`
	Value        float64      `json:"value,omitempty"`
	NewCell      *domain.Cell `json:"new_cell,omitempty"`
	ParentID     string       `json:"parent_id,omitempty"`
	ChildID      string       `json:"child_id,omitempty"`
	SourceID     string       `json:"source_id,omitempty"`
	TargetID     string       `json:"target_id,omitempty"`
	RelationKind string       `json:"relation_kind,omitempty"`
}

// Variant is a staged overlay on the live lattice. It shares the live
// structure by storing only its operations; reads resolve against the store
// at evaluation time.
type Variant struct {
	ID      string       `json:"id"`
	BaseSeq int64        `json:"base_seq"`
	Ops     []MutationOp `json:"ops"`
	// BaseVersions records the version of every live cell the ops reference
	// at propose time. Promotion refuses to apply over a drifted cell.
	BaseVersions map[string]int64 `json:"base_versions,omitempty"`
	Score        float64          `json:"score"`
	Evaluated    bool             `json:"evaluated"`
	Provenance   []string         `json:"provenance,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// EvaluatorSource resolves evaluators by project domain tag.
type EvaluatorSource interface {
	Lookup(domainTag string) (domain.Evaluator, bool)
}

// ManagerConfig tunes variant scoring.
type ManagerConfig struct {
	// StabilityWeight scales the inverse of the mean output deviation the
	// variant induces on touched cells.
	StabilityWeight float64
	// EfficiencyWeight scales the mean evaluator output across the variant's
	// touched cells.
	EfficiencyWeight float64
	// EvaluatorTimeout bounds a single evaluator call during scoring.
	EvaluatorTimeout time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.StabilityWeight == 0 && c.EfficiencyWeight == 0 {
		c.StabilityWeight = 0.5
		c.EfficiencyWeight = 0.5
	}
	if c.EvaluatorTimeout <= 0 {
		c.EvaluatorTimeout = 5 * time.Second
	}
	return c
}

// Manager owns the variant lifecycle. Variants live in memory until promoted
// or retired; retired variants are archived to the blob store when one is
// configured.
type Manager struct {
	store      domain.PersistentStore
	evaluators EvaluatorSource
	archive    blob.Store
	cfg        ManagerConfig
	logger     *slog.Logger
	nowFn      func() time.Time

	mu       sync.RWMutex
	variants map[string]Variant
}

// NewManager constructs a variant manager. archive may be nil.
func NewManager(store domain.PersistentStore, evaluators EvaluatorSource, archive blob.Store, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      store,
		evaluators: evaluators,
		archive:    archive,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		nowFn:      func() time.Time { return time.Now().UTC() },
		variants:   make(map[string]Variant),
	}
}

// ProposeVariant validates and stages a variant over the current lattice.
func (m *Manager) ProposeVariant(ctx context.Context, ops []MutationOp, provenance []string) (Variant, error) {
	if len(ops) == 0 {
		return Variant{}, fmt.Errorf("variant requires at least one operation")
	}
	if err := m.validateOps(ops); err != nil {
		return Variant{}, err
	}
	variant := Variant{
		ID:           uuid.NewString(),
		BaseSeq:      m.currentSeq(),
		Ops:          append([]MutationOp(nil), ops...),
		BaseVersions: m.baseVersions(ops),
		Provenance:   append([]string(nil), provenance...),
		CreatedAt:    m.nowFn(),
	}
	m.mu.Lock()
	m.variants[variant.ID] = variant
	m.mu.Unlock()
	m.logger.Info("variant proposed", "variant", variant.ID, "ops", len(ops), "base_seq", variant.BaseSeq)
	return variant, nil
}

// GetVariant returns a staged variant by id.
func (m *Manager) GetVariant(id string) (Variant, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.variants[id]
	return v, ok
}

// ListVariants returns staged variants sorted by id.
func (m *Manager) ListVariants() []Variant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Variant, 0, len(m.variants))
	for _, v := range m.variants {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// validateOps rejects references to missing cells and malformed staged
// cells. Aliases introduced by add_cell ops are legal targets for later ops.
func (m *Manager) validateOps(ops []MutationOp) error {
	aliases := make(map[string]struct{})
	exists := func(id string) bool {
		if _, ok := aliases[id]; ok {
			return true
		}
		_, ok := m.store.GetCell(id)
		return ok
	}
	for i, op := range ops {
		switch op.Kind {
		case OpSetParameter:
			if !exists(op.CellID) {
				return fmt.Errorf("op %d: %w", i, domain.NotFoundError{Entity: domain.EntityCell, ID: op.CellID})
			}
			if op.Parameter == "" {
				return fmt.Errorf("op %d: set_parameter requires a parameter name", i)
			}
		case OpAddCell:
			if op.NewCell == nil {
				return fmt.Errorf("op %d: add_cell requires a cell", i)
			}
			if op.NewCell.ID == "" {
				return fmt.Errorf("op %d: staged cell requires an alias id", i)
			}
			if exists(op.NewCell.ID) {
				return fmt.Errorf("op %d: alias %s collides with an existing cell", i, op.NewCell.ID)
			}
			aliases[op.NewCell.ID] = struct{}{}
		case OpAddParentChild:
			if !exists(op.ParentID) {
				return fmt.Errorf("op %d: %w", i, domain.NotFoundError{Entity: domain.EntityCell, ID: op.ParentID})
			}
			if !exists(op.ChildID) {
				return fmt.Errorf("op %d: %w", i, domain.NotFoundError{Entity: domain.EntityCell, ID: op.ChildID})
			}
		case OpAddCousin:
			if op.SourceID == op.TargetID {
				return fmt.Errorf("op %d: %w", i, domain.SelfRelationError{ID: op.SourceID})
			}
			if !exists(op.SourceID) {
				return fmt.Errorf("op %d: %w", i, domain.NotFoundError{Entity: domain.EntityCell, ID: op.SourceID})
			}
			if !exists(op.TargetID) {
				return fmt.Errorf("op %d: %w", i, domain.NotFoundError{Entity: domain.EntityCell, ID: op.TargetID})
			}
		default:
			return fmt.Errorf("op %d: unknown kind %s", i, op.Kind)
		}
	}
	return nil
}

// EvaluateVariant scores the variant: efficiency is the mean evaluator output
// over overlaid replicas of touched cells, stability the inverse of the mean
// deviation the overlay induces against the unmodified replicas.
func (m *Manager) EvaluateVariant(ctx context.Context, id string) (Variant, error) {
	m.mu.RLock()
	variant, ok := m.variants[id]
	m.mu.RUnlock()
	if !ok {
		return Variant{}, domain.NotFoundError{Entity: "variant", ID: id}
	}

	touched := touchedCells(variant.Ops)
	var outputs, deviations []float64
	for _, cellID := range touched {
		cell, ok := m.store.GetCell(cellID)
		if !ok {
			// Staged cells have no live baseline; they contribute efficiency
			// only if they carry parameters, which staged aliases do not yet.
			continue
		}
		evaluator, ok := m.evaluators.Lookup(cell.Domain)
		if !ok {
			return Variant{}, fmt.Errorf("no evaluator bound for domain %q", cell.Domain)
		}
		base := replicaOf(cell)
		overlaid := applyOverlay(base, variant.Ops, cellID)

		baseOut, err := m.evaluate(ctx, evaluator, base)
		if err != nil {
			return Variant{}, domain.EvaluatorFailure{Parameter: cellID, Cause: err}
		}
		varOut, err := m.evaluate(ctx, evaluator, overlaid)
		if err != nil {
			return Variant{}, domain.EvaluatorFailure{Parameter: cellID, Cause: err}
		}
		outputs = append(outputs, varOut)
		deviations = append(deviations, math.Abs(varOut-baseOut))
	}

	variant.Score = m.score(outputs, deviations)
	variant.Evaluated = true
	m.mu.Lock()
	m.variants[id] = variant
	m.mu.Unlock()
	m.logger.Info("variant evaluated", "variant", id, "score", variant.Score, "cells", len(outputs))
	return variant, nil
}

func (m *Manager) score(outputs, deviations []float64) float64 {
	if len(outputs) == 0 {
		return 0
	}
	efficiency := mean(outputs)
	stability := 1.0 / (1.0 + mean(deviations))
	return m.cfg.EfficiencyWeight*efficiency + m.cfg.StabilityWeight*stability
}

func (m *Manager) evaluate(ctx context.Context, evaluator domain.Evaluator, replica domain.ShadowReplica) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.EvaluatorTimeout)
	defer cancel()
	return evaluator.Evaluate(callCtx, replica)
}

// baseVersions captures the current version of every live cell the ops
// reference. Aliases staged by add_cell ops have no live counterpart and are
// skipped.
func (m *Manager) baseVersions(ops []MutationOp) map[string]int64 {
	versions := make(map[string]int64)
	record := func(id string) {
		if id == "" {
			return
		}
		if _, ok := versions[id]; ok {
			return
		}
		if cell, ok := m.store.GetCell(id); ok {
			versions[id] = cell.Version
		}
	}
	for _, op := range ops {
		record(op.CellID)
		record(op.ParentID)
		record(op.ChildID)
		record(op.SourceID)
		record(op.TargetID)
	}
	if len(versions) == 0 {
		return nil
	}
	return versions
}

// touchedCells returns the live cell ids referenced by parameter ops, sorted.
func touchedCells(ops []MutationOp) []string {
	set := make(map[string]struct{})
	for _, op := range ops {
		if op.Kind == OpSetParameter {
			set[op.CellID] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func replicaOf(cell domain.Cell) domain.ShadowReplica {
	params := make(map[string]domain.Parameter, len(cell.TrackedParameters))
	for name, param := range cell.TrackedParameters {
		params[name] = param
	}
	return domain.ShadowReplica{
		CellID:        cell.ID,
		SourceVersion: cell.Version,
		Layer:         cell.Layer,
		Domain:        cell.Domain,
		Parameters:    params,
		TakenAt:       time.Now().UTC(),
	}
}

func applyOverlay(replica domain.ShadowReplica, ops []MutationOp, cellID string) domain.ShadowReplica {
	params := make(map[string]domain.Parameter, len(replica.Parameters))
	for name, param := range replica.Parameters {
		params[name] = param
	}
	for _, op := range ops {
		if op.Kind == OpSetParameter && op.CellID == cellID {
			param := params[op.Parameter]
			param.Value = op.Value
			params[op.Parameter] = param
		}
	}
	replica.Parameters = params
	return replica
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// currentSeq reads the latest committed event sequence.
func (m *Manager) currentSeq() int64 {
	events := m.store.ListEventsSince(0)
	if len(events) == 0 {
		return 0
	}
	return events[len(events)-1].Seq
}
