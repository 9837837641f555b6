package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMemory(limit int, window time.Duration) (*Memory, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory(limit, window)
	m.now = clock.Now
	return m, clock
}

func TestMemoryAllowsUpToLimit(t *testing.T) {
	m, _ := newTestMemory(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := m.Allow(ctx, "u1")
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Fatalf("event %d rejected", i+1)
		}
		if d.Remaining != 2-i {
			t.Errorf("event %d remaining: got %d, want %d", i+1, d.Remaining, 2-i)
		}
	}

	d, _ := m.Allow(ctx, "u1")
	if d.Allowed {
		t.Fatal("fourth event allowed")
	}
	if d.RetryAfter != time.Minute {
		t.Errorf("RetryAfter: got %v, want 1m", d.RetryAfter)
	}

	// Other keys are independent.
	if d, _ := m.Allow(ctx, "u2"); !d.Allowed {
		t.Error("u2 limited by u1's events")
	}
}

func TestMemorySlidingWindow(t *testing.T) {
	m, clock := newTestMemory(2, time.Minute)
	ctx := context.Background()

	m.Allow(ctx, "k")
	clock.Advance(40 * time.Second)
	m.Allow(ctx, "k")

	d, _ := m.Allow(ctx, "k")
	if d.Allowed {
		t.Fatal("third event inside the window allowed")
	}
	if d.RetryAfter != 20*time.Second {
		t.Errorf("RetryAfter: got %v, want 20s", d.RetryAfter)
	}

	// The first event leaves the window; only one slot frees up.
	clock.Advance(21 * time.Second)
	if d, _ := m.Allow(ctx, "k"); !d.Allowed {
		t.Fatal("event rejected after oldest left the window")
	}
	if d, _ := m.Allow(ctx, "k"); d.Allowed {
		t.Fatal("sliding window admitted more than the limit")
	}
}

func TestMemoryRejectedNotCounted(t *testing.T) {
	m, clock := newTestMemory(1, time.Minute)
	ctx := context.Background()

	m.Allow(ctx, "k")
	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Second)
		m.Allow(ctx, "k")
	}
	// 50s elapsed; the admitted event expires at 60s regardless of rejections.
	clock.Advance(11 * time.Second)
	if d, _ := m.Allow(ctx, "k"); !d.Allowed {
		t.Error("rejected events extended the window")
	}
}

func TestMemoryCleanup(t *testing.T) {
	m, clock := newTestMemory(5, time.Minute)
	ctx := context.Background()
	m.Allow(ctx, "a")
	clock.Advance(30 * time.Second)
	m.Allow(ctx, "b")

	clock.Advance(45 * time.Second)
	m.cleanup()
	if m.Keys() != 1 {
		t.Errorf("keys after cleanup: got %d, want 1", m.Keys())
	}
}

func TestMemoryConcurrent(t *testing.T) {
	m := NewMemory(50, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, _ := m.Allow(ctx, "k"); d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 50 {
		t.Errorf("allowed: got %d, want 50", allowed)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Options{Limit: 0, Window: time.Second}); err == nil {
		t.Error("expected error for zero limit")
	}
	if _, err := New(Options{Backend: "redis", Limit: 1, Window: time.Second}); err == nil {
		t.Error("expected error for redis without client")
	}
	if _, err := New(Options{Backend: "etcd", Limit: 1, Window: time.Second}); err == nil {
		t.Error("expected error for unknown backend")
	}
	l, err := New(Options{Limit: 1, Window: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.(*Memory); !ok {
		t.Errorf("default backend: got %T", l)
	}
}
