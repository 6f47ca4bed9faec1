package gray

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultMinSweepInterval is the floor between consecutive sweeps of the same
// cell. Frequent mutations raise a cell's request rate, so its effective
// sweep cadence tracks mutation frequency down to this floor.
const DefaultMinSweepInterval = 30 * time.Second

// DefaultSchedulerQueue bounds the pending sweep queue. Requests beyond it
// are skipped under load; the next mutation re-requests the sweep.
const DefaultSchedulerQueue = 128

// Scheduler serializes sweep execution and coalesces redundant requests. It
// satisfies the service's sweep requester contract: RequestSweep never
// blocks the caller.
type Scheduler struct {
	engine      *Engine
	logger      *slog.Logger
	minInterval time.Duration
	queue       chan string
	nowFn       func() time.Time

	mu       sync.Mutex
	lastRun  map[string]time.Time
	queued   map[string]SweepRequest
	deferred map[string]*time.Timer
	skipped  int64
}

// SchedulerOption adjusts scheduler construction.
type SchedulerOption func(*Scheduler)

// WithMinSweepInterval overrides the per-cell sweep floor.
func WithMinSweepInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.minInterval = d
		}
	}
}

// WithSchedulerQueueSize overrides the pending queue length.
func WithSchedulerQueueSize(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.queue = make(chan string, n)
		}
	}
}

// WithSchedulerLogger installs a structured logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScheduler constructs a scheduler over the given engine.
func NewScheduler(engine *Engine, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		engine:      engine,
		logger:      slog.Default(),
		minInterval: DefaultMinSweepInterval,
		queue:       make(chan string, DefaultSchedulerQueue),
		nowFn:       func() time.Time { return time.Now().UTC() },
		lastRun:     make(map[string]time.Time),
		queued:      make(map[string]SweepRequest),
		deferred:    make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestSweep enqueues a full sweep for the cell. Requests inside the
// per-cell interval floor are deferred until the floor elapses; duplicate
// requests coalesce; a saturated queue skips the request entirely.
func (s *Scheduler) RequestSweep(cellID string) {
	s.ScheduleSweep(cellID, SweepRequest{})
}

// ScheduleSweep enqueues a narrowed sweep with the same deferral and
// coalescing behavior as RequestSweep. A request coalesced into an already
// pending one keeps the first request's scope.
func (s *Scheduler) ScheduleSweep(cellID string, req SweepRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, pending := s.queued[cellID]; pending {
		return
	}
	if _, waiting := s.deferred[cellID]; waiting {
		return
	}
	if wait := s.minInterval - s.nowFn().Sub(s.lastRun[cellID]); wait > 0 {
		s.deferred[cellID] = time.AfterFunc(wait, func() {
			s.mu.Lock()
			delete(s.deferred, cellID)
			s.mu.Unlock()
			s.ScheduleSweep(cellID, req)
		})
		return
	}
	s.enqueueLocked(cellID, req)
}

func (s *Scheduler) enqueueLocked(cellID string, req SweepRequest) {
	select {
	case s.queue <- cellID:
		s.queued[cellID] = req
	default:
		s.skipped++
		s.logger.Warn("sweep request skipped, scheduler saturated", "cell", cellID)
	}
}

// SkippedCount reports how many requests were dropped under saturation.
func (s *Scheduler) SkippedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}

// Run consumes the queue until the context is cancelled. Sweeps execute one
// at a time; intra-sweep parallelism is the engine's worker pool.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.stopTimers()
			return
		case cellID := <-s.queue:
			s.mu.Lock()
			req := s.queued[cellID]
			delete(s.queued, cellID)
			s.lastRun[cellID] = s.nowFn()
			s.mu.Unlock()

			if _, err := s.engine.RunSweep(ctx, cellID, req); err != nil {
				s.logger.Error("scheduled sweep failed", "cell", cellID, "error", err)
			}
		}
	}
}

func (s *Scheduler) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.deferred {
		timer.Stop()
		delete(s.deferred, id)
	}
}
