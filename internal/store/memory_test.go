package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestMemory(t *testing.T, opts ...MemoryOption) *Memory {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	// long sweep interval so only explicit SweepNow calls run in tests
	opts = append([]MemoryOption{WithSweepInterval(time.Hour)}, opts...)
	return NewMemory(ctx, opts...)
}

func TestMemory_SetGet(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := m.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(got) != "v" {
		t.Fatalf("Get = %q", got)
	}
}

func TestMemory_GetAbsent(t *testing.T) {
	m := newTestMemory(t)
	_, ok, err := m.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("absent key reported present")
	}
}

func TestMemory_TTLExpiry(t *testing.T) {
	now := time.Now()
	m := newTestMemory(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	m.Set(ctx, "k", []byte("v"), time.Minute)

	if _, ok, _ := m.Get(ctx, "k"); !ok {
		t.Fatal("fresh entry reported absent")
	}

	// exactly at expiry the entry is gone (boundary is inclusive)
	now = now.Add(time.Minute)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("expired entry still readable")
	}
}

func TestMemory_SetReplaces(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	m.Set(ctx, "k", []byte("one"), 0)
	m.Set(ctx, "k", []byte("two"), 0)

	got, _, _ := m.Get(ctx, "k")
	if string(got) != "two" {
		t.Fatalf("Get = %q, want replacement", got)
	}
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	m.Set(ctx, "k", []byte("abc"), 0)
	got, _, _ := m.Get(ctx, "k")
	got[0] = 'x'

	again, _, _ := m.Get(ctx, "k")
	if string(again) != "abc" {
		t.Fatal("caller mutation leaked into the store")
	}
}

func TestMemory_CompareAndDelete(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	m.Set(ctx, "k", []byte("expected"), 0)

	ok, err := m.CompareAndDelete(ctx, "k", []byte("wrong"))
	if err != nil || ok {
		t.Fatalf("mismatched CAD: ok=%v err=%v", ok, err)
	}
	if _, present, _ := m.Get(ctx, "k"); !present {
		t.Fatal("mismatched CAD removed the entry")
	}

	ok, err = m.CompareAndDelete(ctx, "k", []byte("expected"))
	if err != nil || !ok {
		t.Fatalf("matching CAD: ok=%v err=%v", ok, err)
	}
	if _, present, _ := m.Get(ctx, "k"); present {
		t.Fatal("entry survived a successful CAD")
	}
}

func TestMemory_CompareAndDelete_ExactlyOneWinner(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()
	m.Set(ctx, "k", []byte("tok"), 0)

	const racers = 32
	var wins atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := m.CompareAndDelete(ctx, "k", []byte("tok"))
			if err != nil {
				t.Errorf("CAD: %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("winners = %d, want exactly 1", got)
	}
}

func TestMemory_TakeWindow_Budget(t *testing.T) {
	now := time.Now()
	m := newTestMemory(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := m.TakeWindow(ctx, "k", 3, time.Minute)
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i+1, ok, err)
		}
	}

	ok, retry, err := m.TakeWindow(ctx, "k", 3, time.Minute)
	if err != nil {
		t.Fatalf("TakeWindow: %v", err)
	}
	if ok {
		t.Fatal("request over budget admitted")
	}
	if retry <= 0 || retry > time.Minute {
		t.Fatalf("retryAfter = %v", retry)
	}
}

func TestMemory_TakeWindow_DenialDoesNotAdvance(t *testing.T) {
	now := time.Now()
	m := newTestMemory(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	m.TakeWindow(ctx, "k", 1, time.Minute)

	// repeated denials must report a stable deadline, not push it out
	_, first, _ := m.TakeWindow(ctx, "k", 1, time.Minute)
	_, second, _ := m.TakeWindow(ctx, "k", 1, time.Minute)
	if first != second {
		t.Fatalf("retryAfter moved between denials: %v then %v", first, second)
	}
}

func TestMemory_TakeWindow_Reset(t *testing.T) {
	base := time.Now()
	now := base
	m := newTestMemory(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	m.TakeWindow(ctx, "k", 1, time.Minute)
	if ok, _, _ := m.TakeWindow(ctx, "k", 1, time.Minute); ok {
		t.Fatal("second request admitted inside the window")
	}

	now = base.Add(time.Minute)
	if ok, _, _ := m.TakeWindow(ctx, "k", 1, time.Minute); !ok {
		t.Fatal("request denied after the window elapsed")
	}
}

func TestMemory_SweepNow(t *testing.T) {
	base := time.Now()
	now := base
	m := newTestMemory(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	m.Set(ctx, "short", []byte("x"), time.Minute)
	m.Set(ctx, "forever", []byte("y"), 0)

	now = base.Add(2 * time.Minute)
	removed := m.SweepNow()
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok, _ := m.Get(ctx, "forever"); !ok {
		t.Fatal("sweep removed an entry with no expiry")
	}
}

func TestMemory_SweepSparesLiveWindows(t *testing.T) {
	base := time.Now()
	now := base
	m := newTestMemory(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	// one admission against a window far longer than the sweep's cadence
	if ok, _, _ := m.TakeWindow(ctx, "k", 1, 2*time.Hour); !ok {
		t.Fatal("first request denied")
	}

	now = base.Add(61 * time.Minute)
	m.SweepNow()

	// mid-window the counter must still be live and at its limit
	ok, retry, err := m.TakeWindow(ctx, "k", 1, 2*time.Hour)
	if err != nil {
		t.Fatalf("TakeWindow: %v", err)
	}
	if ok {
		t.Fatal("request admitted mid-window after sweep")
	}
	if want := 59 * time.Minute; retry != want {
		t.Fatalf("retry = %v, want %v", retry, want)
	}

	// once the span elapses the sweep may evict and the budget resets
	now = base.Add(2*time.Hour + time.Minute)
	if removed := m.SweepNow(); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if ok, _, _ := m.TakeWindow(ctx, "k", 1, 2*time.Hour); !ok {
		t.Fatal("request denied after window elapsed")
	}
}

func TestMemory_JanitorReportsSweeps(t *testing.T) {
	swept := make(chan int, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMemory(ctx,
		WithSweepInterval(10*time.Millisecond),
		WithOnSweep(func(removed int) {
			select {
			case swept <- removed:
			default:
			}
		}),
	)
	m.Set(ctx, "k", []byte("v"), time.Nanosecond)

	select {
	case <-swept:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor never reported a sweep")
	}
}
