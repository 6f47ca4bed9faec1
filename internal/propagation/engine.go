package propagation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"latticecore/pkg/domain"
)

// DefaultQueueSize is the per-subscriber buffered queue length.
const DefaultQueueSize = 256

// DefaultRetryBudget bounds redelivery attempts for one event.
const DefaultRetryBudget = 30 * time.Second

// Engine fans committed events out to subscribers, one ordered queue per
// subscription. Install Dispatch as the store's event sink.
type Engine struct {
	store       domain.PersistentStore
	logger      *slog.Logger
	queueSize   int
	retryBudget time.Duration
	supersede   SupersedePolicy

	mu     sync.Mutex
	subs   map[string]*subscriberState
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type subscriberState struct {
	sub    Subscription
	queue  chan domain.Event
	replay []domain.Event
	seen   *seenRing
}

// EngineOption adjusts engine construction.
type EngineOption func(*Engine)

// WithEngineLogger installs a structured logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithQueueSize overrides the per-subscriber queue length.
func WithQueueSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithRetryBudget overrides the redelivery time budget per event.
func WithRetryBudget(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.retryBudget = d
		}
	}
}

// WithSupersedePolicy installs a policy consulted on every publication. When
// the policy accepts an (existing, replacement) pair, the existing decision is
// marked superseded in the same transaction that records the replacement. The
// default is no policy: decisions supersede only through SupersedeDecision.
func WithSupersedePolicy(p SupersedePolicy) EngineOption {
	return func(e *Engine) {
		e.supersede = p
	}
}

// NewEngine constructs a propagation engine over the given store.
func NewEngine(store domain.PersistentStore, opts ...EngineOption) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:       store,
		logger:      slog.Default(),
		queueSize:   DefaultQueueSize,
		retryBudget: DefaultRetryBudget,
		subs:        make(map[string]*subscriberState),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe registers a subscription and starts its delivery worker. With
// Replay set, stored events after FromSeq are enqueued before live traffic
// so late subscribers catch up in order.
func (e *Engine) Subscribe(sub Subscription) (string, error) {
	if sub.Handler == nil {
		return "", fmt.Errorf("subscription requires a handler")
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", fmt.Errorf("engine is closed")
	}
	if _, exists := e.subs[sub.ID]; exists {
		return "", fmt.Errorf("subscription %s already registered", sub.ID)
	}

	st := &subscriberState{
		sub:   sub,
		queue: make(chan domain.Event, e.queueSize),
		seen:  newSeenRing(0),
	}
	if sub.Replay && e.store != nil {
		for _, event := range e.store.ListEventsSince(sub.FromSeq) {
			if sub.Filter.Matches(event) {
				st.replay = append(st.replay, event)
			}
		}
	}
	e.subs[sub.ID] = st

	e.wg.Add(1)
	go e.deliverLoop(st)
	return sub.ID, nil
}

// Unsubscribe removes a subscription and stops its worker once the queue
// drains.
func (e *Engine) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.subs[id]
	if !ok {
		return false
	}
	delete(e.subs, id)
	close(st.queue)
	return true
}

// Dispatch enqueues committed events for every matching subscription. It is
// the store's post-commit event sink: events arrive here in commit order,
// which preserves per-source causal order on each subscriber queue. A full
// queue blocks the dispatcher until the subscriber drains or the engine
// shuts down.
func (e *Engine) Dispatch(events []domain.Event) {
	e.mu.Lock()
	states := make([]*subscriberState, 0, len(e.subs))
	for _, st := range e.subs {
		states = append(states, st)
	}
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}

	for _, event := range events {
		for _, st := range states {
			if !st.sub.Filter.Matches(event) {
				continue
			}
			select {
			case st.queue <- event:
			case <-e.ctx.Done():
				return
			}
		}
	}
}

// Close stops delivery. Queued events are dropped; persisted events remain
// replayable through FromSeq on the next subscription.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for id, st := range e.subs {
		delete(e.subs, id)
		close(st.queue)
	}
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

// deliverLoop drains one subscription queue sequentially. Sequential
// consumption is what upholds per-source ordering; never add concurrency
// here.
func (e *Engine) deliverLoop(st *subscriberState) {
	defer e.wg.Done()
	// Replayed history goes first. Events dispatched live while the replay
	// backlog was captured are also on the queue; the seen ring suppresses
	// the duplicates.
	for _, event := range st.replay {
		e.handleNext(st, event)
	}
	st.replay = nil
	for event := range st.queue {
		e.handleNext(st, event)
	}
}

func (e *Engine) handleNext(st *subscriberState, event domain.Event) {
	if st.seen.contains(event.ID) {
		return
	}
	if err := e.deliver(st, event); err != nil {
		e.logger.Error("event delivery abandoned", "subscription", st.sub.ID,
			"event", event.ID, "seq", event.Seq, "type", string(event.Type), "error", err)
	}
	// Mark delivered even after an abandoned event so a redispatch of the
	// same id does not repeat the failure loop.
	st.seen.add(event.ID)
}

// deliver invokes the handler with exponential backoff until it succeeds or
// the retry budget elapses.
func (e *Engine) deliver(st *subscriberState, event domain.Event) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxElapsedTime = e.retryBudget
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := st.sub.Handler.HandleEvent(e.ctx, event)
		if err != nil && attempt > 1 {
			e.logger.Warn("event redelivery failed", "subscription", st.sub.ID,
				"event", event.ID, "attempt", attempt, "error", err)
		}
		return err
	}, backoff.WithContext(policy, e.ctx))
}

// SubscriptionCount reports the number of live subscriptions.
func (e *Engine) SubscriptionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
