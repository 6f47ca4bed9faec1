// Package api exposes the lattice over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"latticecore/internal/core"
	"latticecore/internal/gray"
	"latticecore/internal/propagation"
	"latticecore/internal/xlayer"
	"latticecore/pkg/domain"
)

// Handler provides HTTP access to the lattice service, decision publication,
// sensitivity reports, and variant management.
type Handler struct {
	Service   *core.Service
	Decisions *propagation.Engine
	Sweeps    *gray.Scheduler
	Reports   *gray.ReportStore
	Variants  *xlayer.Manager
}

// NewHandler constructs the lattice HTTP handler.
func NewHandler(service *core.Service, decisions *propagation.Engine, sweeps *gray.Scheduler, reports *gray.ReportStore, variants *xlayer.Manager) *Handler {
	return &Handler{Service: service, Decisions: decisions, Sweeps: sweeps, Reports: reports, Variants: variants}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		writeError(w, http.StatusInternalServerError, "lattice service not configured")
		return
	}

	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/healthz":
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case path == "/api/v1/cells":
		h.handleCells(w, r)
	case strings.HasPrefix(path, "/api/v1/cells/"):
		h.handleCell(w, r, strings.TrimPrefix(path, "/api/v1/cells/"))
	case path == "/api/v1/relationships":
		h.handleRelationships(w, r)
	case path == "/api/v1/decisions":
		h.handleDecisions(w, r)
	case strings.HasPrefix(path, "/api/v1/decisions/"):
		h.handleDecision(w, r, strings.TrimPrefix(path, "/api/v1/decisions/"))
	case path == "/api/v1/variants":
		h.handleVariants(w, r)
	case strings.HasPrefix(path, "/api/v1/variants/"):
		h.handleVariant(w, r, strings.TrimPrefix(path, "/api/v1/variants/"))
	case path == "/api/v1/promotions":
		h.requireGet(w, r, func() {
			writeJSON(w, http.StatusOK, map[string]any{"promotions": h.Service.ListPromotions(r.Context())})
		})
	case path == "/api/v1/plugins":
		h.requireGet(w, r, func() {
			writeJSON(w, http.StatusOK, map[string]any{"plugins": h.Service.Plugins()})
		})
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) requireGet(w http.ResponseWriter, r *http.Request, fn func()) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	fn()
}

type createCellRequest struct {
	Layer             int                         `json:"layer"`
	Domain            string                      `json:"domain"`
	OntologyRef       *string                     `json:"ontology_ref,omitempty"`
	TrackedParameters map[string]domain.Parameter `json:"tracked_parameters,omitempty"`
	EvidenceRefs      []string                    `json:"evidence_refs,omitempty"`
}

func (h *Handler) handleCells(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter := core.CellFilter{
			Domain: r.URL.Query().Get("domain"),
			State:  domain.ActivationState(r.URL.Query().Get("state")),
		}
		if raw := r.URL.Query().Get("layer"); raw != "" {
			layer, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid layer")
				return
			}
			filter.Layer = &layer
		}
		writeJSON(w, http.StatusOK, map[string]any{"cells": h.Service.ListCells(r.Context(), filter)})
	case http.MethodPost:
		var req createCellRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		out, replayed, err := h.Service.Idempotent(r.Header.Get("X-Request-ID"), func() (any, error) {
			cell, _, err := h.Service.CreateCell(r.Context(), domain.Cell{
				Layer:             req.Layer,
				Domain:            req.Domain,
				OntologyRef:       req.OntologyRef,
				TrackedParameters: req.TrackedParameters,
				EvidenceRefs:      req.EvidenceRefs,
			})
			return cell, err
		})
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		status := http.StatusCreated
		if replayed {
			status = http.StatusOK
		}
		writeJSON(w, status, map[string]any{"cell": out})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) handleCell(w http.ResponseWriter, r *http.Request, remainder string) {
	segments := strings.Split(remainder, "/")
	id := segments[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}

	if len(segments) == 1 {
		h.requireGet(w, r, func() {
			cell, err := h.Service.GetCell(r.Context(), id)
			if err != nil {
				h.writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"cell": cell})
		})
		return
	}
	if len(segments) != 2 {
		http.NotFound(w, r)
		return
	}

	switch segments[1] {
	case "lineage":
		h.requireGet(w, r, func() { h.handleLineage(w, r, id) })
	case "descendants":
		h.requireGet(w, r, func() { h.handleDescendants(w, r, id) })
	case "cousins":
		h.requireGet(w, r, func() { h.handleCousins(w, r, id) })
	case "report":
		h.requireGet(w, r, func() { h.handleReport(w, r, id) })
	case "evidence":
		h.post(w, r, func() { h.handleEvidence(w, r, id) })
	case "review":
		h.post(w, r, func() { h.handleReview(w, r, id) })
	case "activate":
		h.post(w, r, func() { h.handleActivate(w, r, id) })
	case "reject":
		h.post(w, r, func() { h.handleLifecycle(w, r, id, h.Service.Reject) })
	case "deprecate":
		h.post(w, r, func() { h.handleLifecycle(w, r, id, h.Service.Deprecate) })
	case "sweep":
		h.post(w, r, func() { h.handleSweepRequest(w, r, id) })
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) post(w http.ResponseWriter, r *http.Request, fn func()) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	fn()
}

func (h *Handler) handleLineage(w http.ResponseWriter, r *http.Request, id string) {
	includeSelf := r.URL.Query().Get("include_self") == "true"
	lineage, err := h.Service.Lineage(r.Context(), id, includeSelf)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lineage": lineage})
}

func (h *Handler) handleDescendants(w http.ResponseWriter, r *http.Request, id string) {
	q := domain.DescendantQuery{MaxDepth: -1}
	if raw := r.URL.Query().Get("max_depth"); raw != "" {
		depth, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid max_depth")
			return
		}
		q.MaxDepth = depth
	}
	q.IncludeSelf = r.URL.Query().Get("include_self") == "true"
	q.VisibleOnly = r.URL.Query().Get("visible_only") == "true"
	descendants, err := h.Service.Descendants(r.Context(), id, q)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"descendants": descendants})
}

func (h *Handler) handleCousins(w http.ResponseWriter, r *http.Request, id string) {
	opts := domain.TraversalOptions{VisibleOnly: r.URL.Query().Get("visible_only") == "true"}
	cousins, err := h.Service.Cousins(r.Context(), id, r.URL.Query().Get("kind"), opts)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cousins": cousins})
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request, id string) {
	if h.Reports == nil {
		writeError(w, http.StatusNotFound, "sensitivity reports not configured")
		return
	}
	report, ok := h.Reports.LatestReport(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no sensitivity report for cell")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

type evidenceRequest struct {
	Refs            []string `json:"refs"`
	ExpectedVersion *int64   `json:"expected_version,omitempty"`
}

func (h *Handler) handleEvidence(w http.ResponseWriter, r *http.Request, id string) {
	var req evidenceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	expected := int64(-1)
	if req.ExpectedVersion != nil {
		expected = *req.ExpectedVersion
	}
	cell, _, err := h.Service.AddEvidence(r.Context(), id, expected, req.Refs...)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cell": cell})
}

func (h *Handler) handleReview(w http.ResponseWriter, r *http.Request, id string) {
	cell, _, err := h.Service.RequestReview(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cell": cell})
}

type activateRequest struct {
	Override      bool   `json:"override,omitempty"`
	Justification string `json:"justification,omitempty"`
}

func (h *Handler) handleActivate(w http.ResponseWriter, r *http.Request, id string) {
	var req activateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := h.Service.Activate(r.Context(), id, core.ActivationRequest{
		Override:      req.Override,
		Justification: req.Justification,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if outcome.Denial.Denied() {
		writeJSON(w, http.StatusConflict, map[string]any{"denial": outcome.Denial})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cell": outcome.Cell})
}

type reasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) handleLifecycle(w http.ResponseWriter, r *http.Request, id string, op func(ctx context.Context, id, reason string) (domain.Cell, domain.Result, error)) {
	var req reasonRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cell, _, err := op(r.Context(), id, req.Reason)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cell": cell})
}

type sweepRequest struct {
	Parameters []string `json:"parameters,omitempty"`
	DeltaRange *float64 `json:"delta_range,omitempty"`
}

func (h *Handler) handleSweepRequest(w http.ResponseWriter, r *http.Request, id string) {
	if h.Sweeps == nil {
		writeError(w, http.StatusNotFound, "sweep scheduler not configured")
		return
	}
	var req sweepRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.Service.GetCell(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.Sweeps.ScheduleSweep(id, gray.SweepRequest{
		Parameters: req.Parameters,
		DeltaRange: req.DeltaRange,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sweep requested"})
}

type relationshipRequest struct {
	Type         string `json:"type"`
	ParentID     string `json:"parent_id,omitempty"`
	ChildID      string `json:"child_id,omitempty"`
	SourceID     string `json:"source_id,omitempty"`
	TargetID     string `json:"target_id,omitempty"`
	RelationKind string `json:"relation_kind,omitempty"`
}

func (h *Handler) handleRelationships(w http.ResponseWriter, r *http.Request) {
	h.post(w, r, func() {
		var req relationshipRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var rel domain.Relationship
		var err error
		switch req.Type {
		case string(domain.RelationParentChild):
			rel, _, err = h.Service.LinkParentChild(r.Context(), req.ParentID, req.ChildID)
		case string(domain.RelationCousin):
			rel, _, err = h.Service.LinkCousin(r.Context(), req.SourceID, req.TargetID, req.RelationKind)
		default:
			writeError(w, http.StatusBadRequest, "type must be parent_child or cousin")
			return
		}
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"relationship": rel})
	})
}

type decisionRequest struct {
	OriginatingCell string   `json:"originating_cell"`
	Kind            string   `json:"kind,omitempty"`
	EvidenceRefs    []string `json:"evidence_refs,omitempty"`
	Provenance      []string `json:"provenance,omitempty"`
}

func (h *Handler) handleDecisions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"decisions": h.Service.ListDecisions(r.Context())})
	case http.MethodPost:
		if h.Decisions == nil {
			writeError(w, http.StatusNotFound, "decision publication not configured")
			return
		}
		var req decisionRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		out, replayed, err := h.Service.Idempotent(r.Header.Get("X-Request-ID"), func() (any, error) {
			return h.Decisions.PublishDecision(r.Context(), propagation.PublishDecisionInput{
				OriginatingCell: req.OriginatingCell,
				Kind:            domain.DecisionKind(req.Kind),
				EvidenceRefs:    req.EvidenceRefs,
				Provenance:      req.Provenance,
			})
		})
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		status := http.StatusCreated
		if replayed {
			status = http.StatusOK
		}
		writeJSON(w, status, map[string]any{"decision": out})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) handleDecision(w http.ResponseWriter, r *http.Request, remainder string) {
	segments := strings.Split(remainder, "/")
	id := segments[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if len(segments) == 1 {
		h.requireGet(w, r, func() {
			decision, err := h.Service.GetDecision(r.Context(), id)
			if err != nil {
				h.writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"decision": decision})
		})
		return
	}
	if len(segments) == 2 && segments[1] == "supersede" {
		h.post(w, r, func() {
			if h.Decisions == nil {
				writeError(w, http.StatusNotFound, "decision publication not configured")
				return
			}
			var req decisionRequest
			if err := decodeBody(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			replacement, err := h.Decisions.SupersedeDecision(r.Context(), id, propagation.PublishDecisionInput{
				OriginatingCell: req.OriginatingCell,
				Kind:            domain.DecisionKind(req.Kind),
				EvidenceRefs:    req.EvidenceRefs,
				Provenance:      req.Provenance,
			})
			if err != nil {
				h.writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"decision": replacement})
		})
		return
	}
	http.NotFound(w, r)
}

type variantRequest struct {
	Ops        []xlayer.MutationOp `json:"ops"`
	Provenance []string            `json:"provenance,omitempty"`
}

func (h *Handler) handleVariants(w http.ResponseWriter, r *http.Request) {
	if h.Variants == nil {
		writeError(w, http.StatusNotFound, "variant manager not configured")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"variants": h.Variants.ListVariants()})
	case http.MethodPost:
		var req variantRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		variant, err := h.Variants.ProposeVariant(r.Context(), req.Ops, req.Provenance)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"variant": variant})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) handleVariant(w http.ResponseWriter, r *http.Request, remainder string) {
	if h.Variants == nil {
		writeError(w, http.StatusNotFound, "variant manager not configured")
		return
	}
	segments := strings.Split(remainder, "/")
	id := segments[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			variant, ok := h.Variants.GetVariant(id)
			if !ok {
				writeError(w, http.StatusNotFound, "variant not found")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"variant": variant})
		case http.MethodDelete:
			if err := h.Variants.RetireVariant(r.Context(), id); err != nil {
				h.writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "retired"})
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}
	if len(segments) != 2 {
		http.NotFound(w, r)
		return
	}
	switch segments[1] {
	case "evaluate":
		h.post(w, r, func() {
			variant, err := h.Variants.EvaluateVariant(r.Context(), id)
			if err != nil {
				h.writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"variant": variant})
		})
	case "promote":
		h.post(w, r, func() {
			record, err := h.Variants.PromoteVariant(r.Context(), id)
			if err != nil {
				h.writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"promotion": record})
		})
	default:
		http.NotFound(w, r)
	}
}

// writeDomainError maps domain error types to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var notFound domain.NotFoundError
	var cycle domain.CycleError
	var selfRel domain.SelfRelationError
	var conflict domain.VersionConflictError
	var ruleViolation domain.RuleViolationError
	var promotionAborted domain.PromotionAbortedError
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &cycle), errors.As(err, &selfRel):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &ruleViolation):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      "transaction blocked by rules",
			"violations": ruleViolation.Result.Violations,
		})
	case errors.As(err, &promotionAborted):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
