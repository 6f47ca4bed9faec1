package gray

import (
	"context"
	"io"
	"testing"
	"time"

	blobmem "latticecore/internal/infra/blob/memory"
	"latticecore/pkg/domain"
)

func report(id, cellID string, createdAt time.Time) domain.SensitivityReport {
	return domain.SensitivityReport{
		ID:        id,
		CellID:    cellID,
		Scores:    map[string]domain.ParameterScore{"a": {Known: true}},
		CreatedAt: createdAt,
	}
}

func TestReportStoreSupersedesChain(t *testing.T) {
	store := NewReportStore(nil, nil)
	now := time.Now().UTC()

	first := store.Add(report("r1", "c1", now))
	if first.Supersedes != nil {
		t.Fatalf("first report must not supersede anything")
	}
	second := store.Add(report("r2", "c1", now))
	if second.Supersedes == nil || *second.Supersedes != "r1" {
		t.Fatalf("expected r2 to supersede r1, got %v", second.Supersedes)
	}

	latest, ok := store.LatestReport("c1")
	if !ok || latest.ID != "r2" {
		t.Fatalf("expected r2 latest, got %v ok=%v", latest.ID, ok)
	}
	history := store.History("c1")
	if len(history) != 2 || history[0].ID != "r1" || history[1].ID != "r2" {
		t.Fatalf("unexpected history: %v", history)
	}
}

func TestReportStoreLatestMissing(t *testing.T) {
	store := NewReportStore(nil, nil)
	if _, ok := store.LatestReport("ghost"); ok {
		t.Fatalf("expected no report for unknown cell")
	}
}

func TestCollectArchivesExpiredReports(t *testing.T) {
	archive := blobmem.New()
	store := NewReportStore(archive, nil)
	now := time.Now().UTC()

	store.Add(report("r1", "c1", now.Add(-3*time.Hour)))
	store.Add(report("r2", "c1", now.Add(-2*time.Hour)))
	store.Add(report("r3", "c1", now))

	evicted := store.Collect(context.Background(), time.Hour)
	if evicted != 2 {
		t.Fatalf("expected 2 evictions, got %d", evicted)
	}

	history := store.History("c1")
	if len(history) != 1 || history[0].ID != "r3" {
		t.Fatalf("expected only r3 retained, got %v", history)
	}

	infos, err := archive.List(context.Background(), "reports/c1/")
	if err != nil {
		t.Fatalf("list archive: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 archived reports, got %d", len(infos))
	}

	_, rc, err := archive.Get(context.Background(), "reports/c1/r1.json")
	if err != nil {
		t.Fatalf("get archived report: %v", err)
	}
	payload, err := io.ReadAll(rc)
	rc.Close()
	if err != nil || len(payload) == 0 {
		t.Fatalf("archived report payload unreadable: %v", err)
	}
}

func TestCollectAlwaysKeepsLatest(t *testing.T) {
	store := NewReportStore(nil, nil)
	store.Add(report("r1", "c1", time.Now().UTC().Add(-48*time.Hour)))

	if evicted := store.Collect(context.Background(), time.Hour); evicted != 0 {
		t.Fatalf("latest report must survive collection, evicted %d", evicted)
	}
	if _, ok := store.LatestReport("c1"); !ok {
		t.Fatalf("latest report missing after collection")
	}
}
