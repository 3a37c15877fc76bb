package store

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"
)

type memEntry struct {
	val       []byte
	expiresAt time.Time // zero = no expiry
}

type memWindow struct {
	start  time.Time
	count  int64
	window time.Duration
}

// Memory is the in-process default store. All operations are synchronous and
// never return ErrUnavailable. A janitor goroutine sweeps expired entries so
// memory stays bounded independent of request traffic.
type Memory struct {
	mu      sync.Mutex
	kv      map[string]memEntry
	windows map[string]memWindow

	sweepInterval time.Duration

	// OnSweep is called after each janitor pass with the number of entries
	// removed, used for metrics.
	OnSweep func(removed int)

	now func() time.Time // test seam
}

type MemoryOption func(*Memory)

// WithSweepInterval overrides how often the janitor runs.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *Memory) { m.sweepInterval = d }
}

// WithOnSweep registers a callback fired after each sweep pass.
func WithOnSweep(fn func(removed int)) MemoryOption {
	return func(m *Memory) { m.OnSweep = fn }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates the store and starts its janitor. The janitor stops when
// ctx is cancelled.
func NewMemory(ctx context.Context, opts ...MemoryOption) *Memory {
	m := &Memory{
		kv:            make(map[string]memEntry),
		windows:       make(map[string]memWindow),
		sweepInterval: time.Minute,
		now:           time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	go m.janitor(ctx)
	return m
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.kv[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		// expired but not yet swept: treat as absent and drop it now
		delete(m.kv, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.val))
	copy(out, e.val)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	e := memEntry{val: make([]byte, len(val))}
	copy(e.val, val)
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}

	m.mu.Lock()
	m.kv[key] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.kv, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key string, expect []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.kv[key]
	if !ok {
		return false, nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.kv, key)
		return false, nil
	}
	// constant-time compare; this value may be a secret
	if subtle.ConstantTimeCompare(e.val, expect) != 1 {
		return false, nil
	}
	delete(m.kv, key)
	return true, nil
}

func (m *Memory) TakeWindow(_ context.Context, key string, limit int64, window time.Duration) (bool, time.Duration, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || !now.Before(w.start.Add(window)) {
		m.windows[key] = memWindow{start: now, count: 1, window: window}
		return true, 0, nil
	}
	if w.count+1 > limit {
		// denied requests do not advance the counter
		return false, w.start.Add(window).Sub(now), nil
	}
	w.count++
	m.windows[key] = w
	return true, 0, nil
}

func (m *Memory) Close() error { return nil }

// SweepNow runs one janitor pass synchronously and reports removals:
// expired kv entries and rate windows whose span has fully elapsed.
func (m *Memory) SweepNow() int {
	now := m.now()
	removed := 0

	m.mu.Lock()
	for k, e := range m.kv {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(m.kv, k)
			removed++
		}
	}
	for k, w := range m.windows {
		// a window past its own reset carries no live count; one still
		// inside it must survive so the budget holds for its full span
		if !now.Before(w.start.Add(w.window)) {
			delete(m.windows, k)
			removed++
		}
	}
	m.mu.Unlock()
	return removed
}

func (m *Memory) janitor(ctx context.Context) {
	t := time.NewTicker(m.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			removed := m.SweepNow()
			if m.OnSweep != nil {
				m.OnSweep(removed)
			}
		}
	}
}
