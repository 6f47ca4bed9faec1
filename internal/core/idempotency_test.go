package core

import (
	"errors"
	"testing"
	"time"
)

func TestRequestCacheReplaysOutcome(t *testing.T) {
	cache := NewRequestCache(time.Minute)
	calls := 0
	fn := func() (any, error) {
		calls++
		return "created", nil
	}

	out, replayed, err := cache.Do("req-1", fn)
	if err != nil || replayed || out != "created" {
		t.Fatalf("first call: out=%v replayed=%v err=%v", out, replayed, err)
	}
	out, replayed, err = cache.Do("req-1", fn)
	if err != nil || !replayed || out != "created" {
		t.Fatalf("second call: out=%v replayed=%v err=%v", out, replayed, err)
	}
	if calls != 1 {
		t.Fatalf("expected fn to run once, ran %d times", calls)
	}
}

func TestRequestCacheReplaysErrors(t *testing.T) {
	cache := NewRequestCache(time.Minute)
	boom := errors.New("boom")
	calls := 0

	_, _, err := cache.Do("req-1", func() (any, error) {
		calls++
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	_, replayed, err := cache.Do("req-1", func() (any, error) {
		calls++
		return nil, nil
	})
	if !errors.Is(err, boom) || !replayed {
		t.Fatalf("expected replayed failure, got replayed=%v err=%v", replayed, err)
	}
	if calls != 1 {
		t.Fatalf("expected one execution, got %d", calls)
	}
}

func TestRequestCacheEmptyIDAlwaysExecutes(t *testing.T) {
	cache := NewRequestCache(time.Minute)
	calls := 0
	for i := 0; i < 3; i++ {
		_, replayed, err := cache.Do("", func() (any, error) {
			calls++
			return nil, nil
		})
		if err != nil || replayed {
			t.Fatalf("empty id must never replay")
		}
	}
	if calls != 3 {
		t.Fatalf("expected 3 executions, got %d", calls)
	}
}

func TestRequestCacheExpiresEntries(t *testing.T) {
	cache := NewRequestCache(time.Minute)
	now := time.Unix(1000, 0)
	cache.nowFn = func() time.Time { return now }

	calls := 0
	fn := func() (any, error) {
		calls++
		return calls, nil
	}
	if _, _, err := cache.Do("req-1", fn); err != nil {
		t.Fatalf("do: %v", err)
	}

	now = now.Add(2 * time.Minute)
	out, replayed, err := cache.Do("req-1", fn)
	if err != nil || replayed {
		t.Fatalf("expired entry must re-execute, replayed=%v err=%v", replayed, err)
	}
	if out != 2 {
		t.Fatalf("expected fresh outcome, got %v", out)
	}
}
