package store

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	boltKVBucket  = []byte("kv")
	boltWinBucket = []byte("windows")
)

// Bolt persists store state to a local bbolt file so tokens and counters
// survive a process restart on a single node. Every operation runs inside a
// bolt transaction, which gives the per-key atomicity the pipeline needs.
type Bolt struct {
	db            *bolt.DB
	sweepInterval time.Duration
	OnSweep       func(removed int)
	now           func() time.Time
}

type BoltOption func(*Bolt)

func WithBoltSweepInterval(d time.Duration) BoltOption {
	return func(b *Bolt) { b.sweepInterval = d }
}

func WithBoltOnSweep(fn func(removed int)) BoltOption {
	return func(b *Bolt) { b.OnSweep = fn }
}

// NewBolt opens (or creates) the database file and starts the sweep loop.
func NewBolt(ctx context.Context, path string, opts ...BoltOption) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltKVBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltWinBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt buckets: %w", err)
	}

	b := &Bolt{
		db:            db,
		sweepInterval: time.Minute,
		now:           time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	go b.janitor(ctx)
	return b, nil
}

// kv record layout: 8-byte big-endian expiry (unix nanos, 0 = none) + value.
func encodeKV(val []byte, expiresAt time.Time) []byte {
	out := make([]byte, 8+len(val))
	if !expiresAt.IsZero() {
		binary.BigEndian.PutUint64(out, uint64(expiresAt.UnixNano()))
	}
	copy(out[8:], val)
	return out
}

func decodeKV(raw []byte) (val []byte, expiresAt time.Time, ok bool) {
	if len(raw) < 8 {
		return nil, time.Time{}, false
	}
	if ns := binary.BigEndian.Uint64(raw); ns != 0 {
		expiresAt = time.Unix(0, int64(ns))
	}
	return raw[8:], expiresAt, true
}

func (b *Bolt) expired(expiresAt time.Time) bool {
	return !expiresAt.IsZero() && !b.now().Before(expiresAt)
}

func (b *Bolt) Get(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte
	found := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(boltKVBucket)
		raw := bk.Get([]byte(key))
		if raw == nil {
			return nil
		}
		val, exp, ok := decodeKV(raw)
		if !ok {
			return bk.Delete([]byte(key))
		}
		if b.expired(exp) {
			return bk.Delete([]byte(key))
		}
		out = make([]byte, len(val))
		copy(out, val)
		found = true
		return nil
	})
	if err != nil {
		return nil, false, unavailable(err)
	}
	return out, found, nil
}

func (b *Bolt) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = b.now().Add(ttl)
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltKVBucket).Put([]byte(key), encodeKV(val, exp))
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (b *Bolt) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltKVBucket).Delete([]byte(key))
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (b *Bolt) CompareAndDelete(_ context.Context, key string, expect []byte) (bool, error) {
	deleted := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(boltKVBucket)
		raw := bk.Get([]byte(key))
		if raw == nil {
			return nil
		}
		val, exp, ok := decodeKV(raw)
		if !ok || b.expired(exp) {
			return bk.Delete([]byte(key))
		}
		if subtle.ConstantTimeCompare(val, expect) != 1 {
			return nil
		}
		deleted = true
		return bk.Delete([]byte(key))
	})
	if err != nil {
		return false, unavailable(err)
	}
	return deleted, nil
}

// window record layout: 8-byte start (unix nanos) + 8-byte count +
// 8-byte window length (nanos), so the sweep knows each record's horizon.
func (b *Bolt) TakeWindow(_ context.Context, key string, limit int64, window time.Duration) (bool, time.Duration, error) {
	allowed := false
	var retryAfter time.Duration
	now := b.now()

	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(boltWinBucket)
		raw := bk.Get([]byte(key))

		fresh := func() error {
			rec := make([]byte, 24)
			binary.BigEndian.PutUint64(rec, uint64(now.UnixNano()))
			binary.BigEndian.PutUint64(rec[8:], 1)
			binary.BigEndian.PutUint64(rec[16:], uint64(window))
			allowed = true
			return bk.Put([]byte(key), rec)
		}

		if len(raw) != 24 {
			return fresh()
		}
		start := time.Unix(0, int64(binary.BigEndian.Uint64(raw)))
		count := int64(binary.BigEndian.Uint64(raw[8:]))

		reset := start.Add(window)
		if !now.Before(reset) {
			return fresh()
		}
		if count+1 > limit {
			retryAfter = reset.Sub(now)
			return nil
		}
		rec := make([]byte, 24)
		copy(rec, raw[:8])
		binary.BigEndian.PutUint64(rec[8:], uint64(count+1))
		binary.BigEndian.PutUint64(rec[16:], uint64(window))
		allowed = true
		return bk.Put([]byte(key), rec)
	})
	if err != nil {
		return false, 0, unavailable(err)
	}
	return allowed, retryAfter, nil
}

func (b *Bolt) Close() error { return b.db.Close() }

// SweepNow removes expired kv entries and fully elapsed windows in one pass.
func (b *Bolt) SweepNow() int {
	removed := 0
	_ = b.db.Update(func(tx *bolt.Tx) error {
		kvb := tx.Bucket(boltKVBucket)
		c := kvb.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			_, exp, ok := decodeKV(v)
			if !ok || b.expired(exp) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := kvb.Delete(k); err == nil {
				removed++
			}
		}

		wb := tx.Bucket(boltWinBucket)
		wc := wb.Cursor()
		stale = stale[:0]
		now := b.now()
		for k, v := wc.First(); k != nil; k, v = wc.Next() {
			if len(v) != 24 {
				stale = append(stale, append([]byte(nil), k...))
				continue
			}
			start := time.Unix(0, int64(binary.BigEndian.Uint64(v)))
			window := time.Duration(binary.BigEndian.Uint64(v[16:]))
			// live windows survive the sweep no matter how long their
			// configured span is
			if !now.Before(start.Add(window)) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := wb.Delete(k); err == nil {
				removed++
			}
		}
		return nil
	})
	return removed
}

func (b *Bolt) janitor(ctx context.Context) {
	t := time.NewTicker(b.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			removed := b.SweepNow()
			if b.OnSweep != nil {
				b.OnSweep(removed)
			}
		}
	}
}
