package countdown_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/timegateapp/timegate/internal/browser"
	"github.com/timegateapp/timegate/internal/clock"
	"github.com/timegateapp/timegate/internal/countdown"
	"github.com/timegateapp/timegate/internal/matcher"
	"github.com/timegateapp/timegate/internal/quota"
	"github.com/timegateapp/timegate/internal/session"
	"github.com/timegateapp/timegate/internal/storage"
	"github.com/timegateapp/timegate/internal/storage/bolt"
)

func newTestTicker(t *testing.T) (*countdown.Ticker, *quota.Store, storage.KV) {
	t.Helper()

	kv, err := bolt.Open(filepath.Join(t.TempDir(), "timegate.bolt"))
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	clk := &clock.TestClock{CurrentTime: time.Date(2024, 3, 15, 10, 0, 0, 0, time.Local)}
	store := quota.NewStore(kv, clk, zerolog.Nop())
	machine := session.NewMachine(store, browser.NewRegistry(zerolog.Nop()), matcher.New(), session.Screens{}, zerolog.Nop())
	ticker := countdown.New(machine, time.Millisecond, zerolog.Nop())
	return ticker, store, kv
}

func activeSession(clk clock.Clock, remainingSeconds int) *quota.Session {
	s := session.New(clk, 1, "x", "https://x.com")
	s.RemainingSeconds = remainingSeconds
	return &s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTickerCountsDownToExpiry(t *testing.T) {
	ticker, store, _ := newTestTicker(t)
	ctx := context.Background()

	if err := store.SaveCurrentSession(ctx, activeSession(store.Clock(), 3)); err != nil {
		t.Fatalf("save session: %v", err)
	}

	ticker.Start()
	waitFor(t, "countdown to stop", func() bool { return !ticker.Running() })

	persisted, err := store.GetCurrentSession(ctx)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if persisted == nil || persisted.IsActive || persisted.RemainingSeconds != 0 {
		t.Fatalf("expected expired session, got %+v", persisted)
	}
}

func TestTickerStopsWhenNoSession(t *testing.T) {
	ticker, _, _ := newTestTicker(t)

	ticker.Start()
	waitFor(t, "countdown to stop", func() bool { return !ticker.Running() })
}

func TestTickerStartIsIdempotent(t *testing.T) {
	ticker, store, _ := newTestTicker(t)
	ctx := context.Background()

	if err := store.SaveCurrentSession(ctx, activeSession(store.Clock(), 100000)); err != nil {
		t.Fatalf("save session: %v", err)
	}

	ticker.Start()
	ticker.Start()
	if !ticker.Running() {
		t.Fatal("expected ticker running")
	}

	ticker.Stop()
	if ticker.Running() {
		t.Fatal("expected ticker stopped")
	}
	ticker.Stop() // no-op
}

func TestWatchSessionsStartsTicker(t *testing.T) {
	ticker, store, kv := newTestTicker(t)
	ctx := context.Background()

	cancel := ticker.WatchSessions(kv)
	defer cancel()

	if ticker.Running() {
		t.Fatal("ticker must not run before a session exists")
	}

	if err := store.SaveCurrentSession(ctx, activeSession(store.Clock(), 100000)); err != nil {
		t.Fatalf("save session: %v", err)
	}
	waitFor(t, "ticker to start", func() bool { return ticker.Running() })
	ticker.Stop()

	// An inactive write must not restart the loop.
	stopped := activeSession(store.Clock(), 0)
	stopped.IsActive = false
	if err := store.SaveCurrentSession(ctx, stopped); err != nil {
		t.Fatalf("save inactive session: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if ticker.Running() {
		t.Fatal("inactive session must not start the ticker")
	}
}
