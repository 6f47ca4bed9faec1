package core

import (
	"context"
	"errors"
	"fmt"

	"latticecore/pkg/domain"
)

// ActivationRequest carries the caller's activation intent. Override skips
// the sensitivity gates and requires a justification, which is recorded on
// the cell's activation note.
type ActivationRequest struct {
	Override      bool
	Justification string
}

// ActivationOutcome reports the result of an activation attempt. When Denial
// is non-empty the cell was left untouched and no error occurred: denial is a
// decision, not a failure.
type ActivationOutcome struct {
	Cell   domain.Cell
	Denial domain.ActivationDenial
	Result domain.Result
}

// errActivationDenied aborts the activation transaction without surfacing an
// error to the caller.
var errActivationDenied = errors.New("activation denied")

// RequestReview moves a draft cell into under_review and schedules a
// sensitivity sweep for it. The sweep request is asynchronous; the cell waits
// in under_review until a verdict arrives.
func (s *Service) RequestReview(ctx context.Context, id string) (cell domain.Cell, res domain.Result, err error) {
	defer s.observe(ctx, "request_review", s.nowFn(), &err)
	res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		current, ok := tx.FindCell(id)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityCell, ID: id}
		}
		if current.ActivationState != domain.StateDraft {
			return fmt.Errorf("cell %s is %s, only draft cells can enter review", id, current.ActivationState)
		}
		var txErr error
		cell, txErr = tx.UpdateCell(id, -1, func(c *domain.Cell) error {
			c.ActivationState = domain.StateUnderReview
			return nil
		})
		return txErr
	})
	if err != nil {
		return domain.Cell{}, res, err
	}
	if s.sweeps != nil {
		s.sweeps.RequestSweep(id)
	}
	s.logger.Info("cell entered review", "cell", id)
	return cell, res, err
}

// Activate attempts to move an under_review cell into the activated state.
// All gate failures are collected into a single denial so the caller sees
// every unmet precondition at once.
func (s *Service) Activate(ctx context.Context, id string, req ActivationRequest) (outcome ActivationOutcome, err error) {
	defer s.observe(ctx, "activate", s.nowFn(), &err)
	if req.Override && req.Justification == "" {
		return ActivationOutcome{}, fmt.Errorf("override activation of cell %s requires a justification", id)
	}
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		current, ok := tx.FindCell(id)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityCell, ID: id}
		}
		denial := s.evaluateActivationGates(current, req)
		if denial.Denied() {
			outcome.Denial = denial
			return errActivationDenied
		}
		updated, txErr := tx.UpdateCell(id, -1, func(c *domain.Cell) error {
			c.ActivationState = domain.StateActivated
			if req.Override {
				note := fmt.Sprintf("override: %s", req.Justification)
				c.ActivationNote = &note
			}
			return nil
		})
		if txErr != nil {
			return txErr
		}
		outcome.Cell = updated
		payload := map[string]any{
			"previous_state": string(current.ActivationState),
			"override":       req.Override,
		}
		if req.Override {
			payload["justification"] = req.Justification
		}
		_, txErr = tx.EmitEvent(domain.EventCellActivated, id, payload)
		return txErr
	})
	outcome.Result = res
	if errors.Is(err, errActivationDenied) {
		s.logger.Info("activation denied", "cell", id, "reasons", denialCodes(outcome.Denial))
		return outcome, nil
	}
	if err != nil {
		return ActivationOutcome{}, err
	}
	s.logger.Info("cell activated", "cell", id, "version", outcome.Cell.Version, "override", req.Override)
	return outcome, nil
}

// evaluateActivationGates collects every unmet activation precondition.
// Override bypasses the report gates but never the state machine or the
// evidence requirement.
func (s *Service) evaluateActivationGates(cell domain.Cell, req ActivationRequest) domain.ActivationDenial {
	var denial domain.ActivationDenial
	var details []string

	if cell.ActivationState != domain.StateUnderReview {
		denial.Reasons = append(denial.Reasons, domain.DenialInvalidState)
		details = append(details, fmt.Sprintf("cell is %s, activation requires under_review", cell.ActivationState))
	}
	if len(cell.EvidenceRefs) == 0 {
		denial.Reasons = append(denial.Reasons, domain.DenialMissingEvidence)
		details = append(details, "cell carries no evidence references")
	}
	if !req.Override {
		report, ok := s.latestReport(cell.ID)
		switch {
		case !ok || !report.Usable():
			denial.Reasons = append(denial.Reasons, domain.DenialNoUsableReport)
			details = append(details, "no usable sensitivity report is available")
		case report.Aggregate > s.threshold:
			denial.Reasons = append(denial.Reasons, domain.DenialFragilityThreshold)
			details = append(details, fmt.Sprintf("aggregate fragility %.3f exceeds threshold %.3f", report.Aggregate, s.threshold))
		}
	}
	if len(details) > 0 {
		denial.Detail = details[0]
		for _, d := range details[1:] {
			denial.Detail += "; " + d
		}
	}
	return denial
}

func (s *Service) latestReport(cellID string) (domain.SensitivityReport, bool) {
	if s.reports == nil {
		return domain.SensitivityReport{}, false
	}
	return s.reports.LatestReport(cellID)
}

// Reject moves an under_review cell into the terminal rejected state.
func (s *Service) Reject(ctx context.Context, id string, reason string) (cell domain.Cell, res domain.Result, err error) {
	defer s.observe(ctx, "reject", s.nowFn(), &err)
	res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		current, ok := tx.FindCell(id)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityCell, ID: id}
		}
		if current.ActivationState != domain.StateUnderReview {
			return fmt.Errorf("cell %s is %s, only under_review cells can be rejected", id, current.ActivationState)
		}
		var txErr error
		cell, txErr = tx.UpdateCell(id, -1, func(c *domain.Cell) error {
			c.ActivationState = domain.StateRejected
			if reason != "" {
				c.ActivationNote = &reason
			}
			return nil
		})
		return txErr
	})
	if err != nil {
		return domain.Cell{}, res, err
	}
	s.logger.Info("cell rejected", "cell", id, "reason", reason)
	return cell, res, err
}

// Deprecate retires an activated cell. The cell's knowledge stops propagating
// but its decisions and history remain queryable.
func (s *Service) Deprecate(ctx context.Context, id string, reason string) (cell domain.Cell, res domain.Result, err error) {
	defer s.observe(ctx, "deprecate", s.nowFn(), &err)
	res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		current, ok := tx.FindCell(id)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityCell, ID: id}
		}
		if current.ActivationState != domain.StateActivated {
			return fmt.Errorf("cell %s is %s, only activated cells can be deprecated", id, current.ActivationState)
		}
		var txErr error
		cell, txErr = tx.UpdateCell(id, -1, func(c *domain.Cell) error {
			c.ActivationState = domain.StateDeprecated
			if reason != "" {
				c.DeprecationReason = &reason
			}
			return nil
		})
		if txErr != nil {
			return txErr
		}
		_, txErr = tx.EmitEvent(domain.EventCellDeprecated, id, map[string]any{"reason": reason})
		return txErr
	})
	if err != nil {
		return domain.Cell{}, res, err
	}
	s.logger.Info("cell deprecated", "cell", id, "reason", reason)
	return cell, res, err
}

func denialCodes(d domain.ActivationDenial) []string {
	out := make([]string, len(d.Reasons))
	for i, r := range d.Reasons {
		out[i] = string(r)
	}
	return out
}
