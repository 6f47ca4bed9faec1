// Package gray runs sensitivity sweeps over shadow replicas of lattice cells
// and maintains the resulting fragility reports.
package gray

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"latticecore/internal/infra/blob"
	"latticecore/pkg/domain"
)

// DefaultRetention is how long superseded reports stay in memory before the
// garbage collector archives and evicts them.
const DefaultRetention = 24 * time.Hour

// ReportStore holds sensitivity reports per cell, newest last. Superseded
// reports past retention are archived to the configured blob store before
// eviction, keeping history recoverable without unbounded memory growth.
type ReportStore struct {
	mu      sync.RWMutex
	reports map[string][]domain.SensitivityReport
	archive blob.Store
	logger  *slog.Logger
	nowFn   func() time.Time
}

// NewReportStore constructs a report store. archive may be nil, in which case
// expired reports are dropped instead of archived.
func NewReportStore(archive blob.Store, logger *slog.Logger) *ReportStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportStore{
		reports: make(map[string][]domain.SensitivityReport),
		archive: archive,
		logger:  logger,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// Add appends a report for its cell, linking it to the report it supersedes.
func (s *ReportStore) Add(report domain.SensitivityReport) domain.SensitivityReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.reports[report.CellID]
	if len(history) > 0 {
		prev := history[len(history)-1].ID
		report.Supersedes = &prev
	}
	s.reports[report.CellID] = append(history, report)
	return report
}

// LatestReport returns the most recent report for a cell. It satisfies the
// activation gate's report lookup.
func (s *ReportStore) LatestReport(cellID string) (domain.SensitivityReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.reports[cellID]
	if len(history) == 0 {
		return domain.SensitivityReport{}, false
	}
	return history[len(history)-1], true
}

// History returns all retained reports for a cell, oldest first.
func (s *ReportStore) History(cellID string) []domain.SensitivityReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.reports[cellID]
	out := make([]domain.SensitivityReport, len(history))
	copy(out, history)
	return out
}

// Collect archives and evicts superseded reports older than retention. The
// latest report per cell is always kept. It returns the number of evicted
// reports.
func (s *ReportStore) Collect(ctx context.Context, retention time.Duration) int {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := s.nowFn().Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for cellID, history := range s.reports {
		keep := history[:0]
		for i, report := range history {
			latest := i == len(history)-1
			if latest || report.CreatedAt.After(cutoff) {
				keep = append(keep, report)
				continue
			}
			s.archiveReport(ctx, report)
			evicted++
		}
		s.reports[cellID] = keep
	}
	return evicted
}

func (s *ReportStore) archiveReport(ctx context.Context, report domain.SensitivityReport) {
	if s.archive == nil {
		return
	}
	payload, err := json.Marshal(report)
	if err != nil {
		s.logger.Error("report archive encode failed", "report", report.ID, "error", err)
		return
	}
	key := fmt.Sprintf("reports/%s/%s.json", report.CellID, report.ID)
	_, err = s.archive.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"cell_id":        report.CellID,
			"source_version": fmt.Sprintf("%d", report.SourceVersion),
		},
	})
	if err != nil {
		s.logger.Error("report archive write failed", "report", report.ID, "key", key, "error", err)
	}
}

// RunCollector archives expired reports on the given cadence until the
// context is cancelled.
func (s *ReportStore) RunCollector(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Collect(ctx, retention); n > 0 {
				s.logger.Info("archived expired sensitivity reports", "count", n)
			}
		}
	}
}
