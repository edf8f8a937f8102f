package fuse

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newTestFuse(t *testing.T, capUSD float64) (*Fuse, *clock, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spend", "ledger.json")
	c := &clock{t: time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)}
	f, err := New(Options{LedgerPath: path, DailyCapUSD: capUSD, LockTimeout: 200 * time.Millisecond, Now: c.now}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return f, c, path
}

func TestFuseCapAndRollover(t *testing.T) {
	ctx := context.Background()
	f, c, path := newTestFuse(t, 0.01)

	for i := 0; i < 2; i++ {
		ok, err := f.Allow(ctx)
		if err != nil || !ok {
			t.Fatalf("Allow() #%d = %v, %v", i, ok, err)
		}
		if err := f.Record(ctx, 0.006); err != nil {
			t.Fatal(err)
		}
	}
	if ok, err := f.Allow(ctx); err != nil || ok {
		t.Errorf("Allow() over cap = %v, %v; want false", ok, err)
	}

	day, err := f.Today(ctx)
	if err != nil || day.Calls != 2 {
		t.Errorf("Today() = %+v, %v", day, err)
	}

	c.set(time.Date(2026, 10, 15, 0, 0, 1, 0, time.UTC))
	if ok, err := f.Allow(ctx); err != nil || !ok {
		t.Errorf("Allow() after UTC rollover = %v, %v; want true", ok, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var l ledger
	if err := json.Unmarshal(data, &l); err != nil {
		t.Fatal(err)
	}
	if _, ok := l.Days["2026-10-14"]; !ok {
		t.Errorf("ledger = %s", data)
	}
}

func TestFusePrunesOldDays(t *testing.T) {
	ctx := context.Background()
	f, c, path := newTestFuse(t, 1)
	if err := f.Record(ctx, 0.1); err != nil {
		t.Fatal(err)
	}
	c.set(c.now().AddDate(0, 0, 10))
	if err := f.Record(ctx, 0.1); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	var l ledger
	if err := json.Unmarshal(data, &l); err != nil {
		t.Fatal(err)
	}
	if len(l.Days) != 1 {
		t.Errorf("days = %v, want only today", l.Days)
	}
}

func TestFuseUnlimitedStillRecords(t *testing.T) {
	ctx := context.Background()
	f, _, _ := newTestFuse(t, 0)
	if err := f.Record(ctx, 5); err != nil {
		t.Fatal(err)
	}
	if ok, err := f.Allow(ctx); !ok || err != nil {
		t.Errorf("Allow() = %v, %v", ok, err)
	}
	if day, _ := f.Today(ctx); day.Calls != 1 || day.CostUSD != 5 {
		t.Errorf("Today() = %+v", day)
	}
}

func TestFuseFailsClosedOnLockTimeout(t *testing.T) {
	f, _, _ := newTestFuse(t, 1)
	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- withLock(context.Background(), f.lockPath, time.Second, func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ok, err := f.Allow(context.Background())
	close(release)
	if ok || !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Allow() = %v, %v; want false, ErrLockTimeout", ok, err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestFuseCorruptLedger(t *testing.T) {
	ctx := context.Background()
	f, _, path := newTestFuse(t, 1)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if ok, err := f.Allow(ctx); ok || !errors.Is(err, ErrCorruptLedger) {
		t.Errorf("Allow() = %v, %v; want false, ErrCorruptLedger", ok, err)
	}
	if ok, err := f.Allow(ctx); !ok || err != nil {
		t.Errorf("second Allow() = %v, %v; corrupt file should have been moved aside", ok, err)
	}
}

func TestFuseConcurrentRecords(t *testing.T) {
	ctx := context.Background()
	f, _, _ := newTestFuse(t, 100)
	f.lockTimeout = 5 * time.Second

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.Record(ctx, 0.5); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	day, err := f.Today(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if day.Calls != 20 || day.CostUSD != 10 {
		t.Errorf("Today() = %+v, want 20 calls and 10 USD", day)
	}
}
