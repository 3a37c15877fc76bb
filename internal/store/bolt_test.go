package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestBolt(t *testing.T) *Bolt {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	b, err := NewBolt(ctx, filepath.Join(t.TempDir(), "store.db"),
		WithBoltSweepInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewBolt: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		b.Close()
	})
	return b
}

func TestBolt_SetGetDelete(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	if err := b.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := b.Get(ctx, "k")
	if err != nil || !ok || string(got) != "v" {
		t.Fatalf("Get = %q ok=%v err=%v", got, ok, err)
	}

	if err := b.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := b.Get(ctx, "k"); ok {
		t.Fatal("deleted key still readable")
	}
}

func TestBolt_TTLExpiry(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	now := time.Now()
	b.now = func() time.Time { return now }

	b.Set(ctx, "k", []byte("v"), time.Minute)
	if _, ok, _ := b.Get(ctx, "k"); !ok {
		t.Fatal("fresh entry reported absent")
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := b.Get(ctx, "k"); ok {
		t.Fatal("expired entry still readable")
	}
}

func TestBolt_CompareAndDelete(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	b.Set(ctx, "k", []byte("tok"), 0)

	if ok, _ := b.CompareAndDelete(ctx, "k", []byte("other")); ok {
		t.Fatal("mismatched CAD succeeded")
	}
	if ok, _ := b.CompareAndDelete(ctx, "k", []byte("tok")); !ok {
		t.Fatal("matching CAD failed")
	}
	if ok, _ := b.CompareAndDelete(ctx, "k", []byte("tok")); ok {
		t.Fatal("second CAD on a consumed key succeeded")
	}
}

func TestBolt_TakeWindow(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _, err := b.TakeWindow(ctx, "k", 2, time.Minute); err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i+1, ok, err)
		}
	}
	ok, retry, err := b.TakeWindow(ctx, "k", 2, time.Minute)
	if err != nil {
		t.Fatalf("TakeWindow: %v", err)
	}
	if ok || retry <= 0 {
		t.Fatalf("over budget: ok=%v retry=%v", ok, retry)
	}

	now = now.Add(time.Minute)
	if ok, _, _ := b.TakeWindow(ctx, "k", 2, time.Minute); !ok {
		t.Fatal("request denied after window reset")
	}
}

func TestBolt_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.db")
	ctx, cancel := context.WithCancel(context.Background())

	b1, err := NewBolt(ctx, path, WithBoltSweepInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewBolt: %v", err)
	}
	b1.Set(ctx, "k", []byte("persisted"), 0)
	cancel()
	if err := b1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	b2, err := NewBolt(ctx2, path, WithBoltSweepInterval(time.Hour))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()

	got, ok, _ := b2.Get(ctx2, "k")
	if !ok || string(got) != "persisted" {
		t.Fatalf("Get after reopen = %q ok=%v", got, ok)
	}
}

func TestBolt_SweepSparesLiveWindows(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	base := time.Now()
	now := base
	b.now = func() time.Time { return now }

	if ok, _, _ := b.TakeWindow(ctx, "k", 1, 2*time.Hour); !ok {
		t.Fatal("first request denied")
	}

	now = base.Add(61 * time.Minute)
	b.SweepNow()

	ok, retry, err := b.TakeWindow(ctx, "k", 1, 2*time.Hour)
	if err != nil {
		t.Fatalf("TakeWindow: %v", err)
	}
	if ok {
		t.Fatal("request admitted mid-window after sweep")
	}
	if want := 59 * time.Minute; retry != want {
		t.Fatalf("retry = %v, want %v", retry, want)
	}

	now = base.Add(2*time.Hour + time.Minute)
	if removed := b.SweepNow(); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if ok, _, _ := b.TakeWindow(ctx, "k", 1, 2*time.Hour); !ok {
		t.Fatal("request denied after window elapsed")
	}
}

func TestBolt_SweepNow(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	now := time.Now()
	b.now = func() time.Time { return now }

	b.Set(ctx, "short", []byte("x"), time.Minute)
	b.Set(ctx, "forever", []byte("y"), 0)

	now = now.Add(2 * time.Minute)
	if removed := b.SweepNow(); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok, _ := b.Get(ctx, "forever"); !ok {
		t.Fatal("sweep removed an entry with no expiry")
	}
}
