package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process sliding-window log limiter.
type Memory struct {
	mu     sync.Mutex
	events map[string][]time.Time // admitted events per key, oldest first
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewMemory creates a limiter admitting limit events per window per key.
func NewMemory(limit int, window time.Duration) *Memory {
	return &Memory{
		events: make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records an event for key if the window has room.
func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	ts := prune(m.events[key], now.Add(-m.window))

	if len(ts) >= m.limit {
		m.events[key] = ts
		return Decision{
			Allowed:    false,
			Limit:      m.limit,
			Remaining:  0,
			RetryAfter: ts[0].Add(m.window).Sub(now),
		}, nil
	}

	ts = append(ts, now)
	m.events[key] = ts
	return Decision{Allowed: true, Limit: m.limit, Remaining: m.limit - len(ts)}, nil
}

// prune drops events at or before cutoff.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// StartCleanup removes idle keys every interval until ctx is canceled.
func (m *Memory) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.cleanup()
			}
		}
	}()
}

func (m *Memory) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.window)
	for key, ts := range m.events {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(m.events, key)
		}
	}
}

// Keys reports the number of tracked keys.
func (m *Memory) Keys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
