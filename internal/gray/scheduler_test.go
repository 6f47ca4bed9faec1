package gray

import (
	"testing"
	"time"
)

func TestSchedulerCoalescesDuplicateRequests(t *testing.T) {
	s := NewScheduler(nil, WithSchedulerQueueSize(8))
	s.RequestSweep("c1")
	s.RequestSweep("c1")
	s.RequestSweep("c1")

	if got := len(s.queue); got != 1 {
		t.Fatalf("expected one queued request, got %d", got)
	}
	if _, pending := s.queued["c1"]; !pending {
		t.Fatalf("expected c1 marked pending")
	}
}

func TestSchedulerSkipsOnSaturation(t *testing.T) {
	s := NewScheduler(nil, WithSchedulerQueueSize(1))
	s.RequestSweep("c1")
	s.RequestSweep("c2")

	if got := s.SkippedCount(); got != 1 {
		t.Fatalf("expected one skipped request, got %d", got)
	}
	if _, pending := s.queued["c2"]; pending {
		t.Fatalf("skipped request must not be marked pending")
	}
}

func TestSchedulerDefersWithinInterval(t *testing.T) {
	s := NewScheduler(nil, WithMinSweepInterval(time.Hour))
	s.mu.Lock()
	s.lastRun["c1"] = s.nowFn()
	s.mu.Unlock()

	s.RequestSweep("c1")

	s.mu.Lock()
	_, deferred := s.deferred["c1"]
	queueLen := len(s.queue)
	s.mu.Unlock()
	if !deferred {
		t.Fatalf("request inside the interval floor must be deferred")
	}
	if queueLen != 0 {
		t.Fatalf("deferred request must not be queued yet, queue=%d", queueLen)
	}

	// A second request while one is deferred is coalesced away.
	s.RequestSweep("c1")
	s.mu.Lock()
	timers := len(s.deferred)
	s.mu.Unlock()
	if timers != 1 {
		t.Fatalf("expected a single deferred timer, got %d", timers)
	}

	s.stopTimers()
}

func TestSchedulerDeferredRequestFires(t *testing.T) {
	s := NewScheduler(nil, WithMinSweepInterval(20*time.Millisecond))
	s.mu.Lock()
	s.lastRun["c1"] = s.nowFn()
	s.mu.Unlock()

	s.RequestSweep("c1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		_, pending := s.queued["c1"]
		s.mu.Unlock()
		if pending {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("deferred sweep request never enqueued")
}
