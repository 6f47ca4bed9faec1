package core

import (
	"sync"
	"time"
)

// DefaultRequestTTL bounds how long completed request outcomes are replayed.
const DefaultRequestTTL = 10 * time.Minute

type requestEntry struct {
	outcome    any
	err        error
	recordedAt time.Time
}

// RequestCache deduplicates administrative operations by client-supplied
// request id. Replayed requests return the recorded outcome without touching
// the store, which makes retried API calls safe.
type RequestCache struct {
	mu      sync.Mutex
	entries map[string]requestEntry
	ttl     time.Duration
	nowFn   func() time.Time
}

// NewRequestCache constructs a cache. A non-positive ttl selects the default.
func NewRequestCache(ttl time.Duration) *RequestCache {
	if ttl <= 0 {
		ttl = DefaultRequestTTL
	}
	return &RequestCache{
		entries: make(map[string]requestEntry),
		ttl:     ttl,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// Do executes fn once per request id within the cache's TTL. The second
// return value reports whether the outcome was replayed from a previous call.
// An empty request id disables deduplication and always executes fn.
func (c *RequestCache) Do(requestID string, fn func() (any, error)) (any, bool, error) {
	if requestID == "" {
		out, err := fn()
		return out, false, err
	}

	c.mu.Lock()
	now := c.nowFn()
	if entry, ok := c.entries[requestID]; ok && now.Sub(entry.recordedAt) < c.ttl {
		c.mu.Unlock()
		return entry.outcome, true, entry.err
	}
	c.mu.Unlock()

	// fn runs outside the lock so slow operations do not serialize unrelated
	// requests. Two concurrent calls with the same fresh id may both execute;
	// callers needing strict once-only semantics serialize upstream.
	out, err := fn()

	c.mu.Lock()
	c.entries[requestID] = requestEntry{outcome: out, err: err, recordedAt: now}
	c.pruneLocked(now)
	c.mu.Unlock()
	return out, false, err
}

// Idempotent wraps fn with the service's request cache.
func (s *Service) Idempotent(requestID string, fn func() (any, error)) (any, bool, error) {
	return s.requests.Do(requestID, fn)
}

func (c *RequestCache) pruneLocked(now time.Time) {
	for id, entry := range c.entries {
		if now.Sub(entry.recordedAt) >= c.ttl {
			delete(c.entries, id)
		}
	}
}
