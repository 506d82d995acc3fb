package session_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/timegateapp/timegate/internal/browser"
	"github.com/timegateapp/timegate/internal/clock"
	"github.com/timegateapp/timegate/internal/matcher"
	"github.com/timegateapp/timegate/internal/quota"
	"github.com/timegateapp/timegate/internal/session"
	"github.com/timegateapp/timegate/internal/storage/bolt"
)

var testScreens = session.Screens{
	SessionStart: "http://127.0.0.1:8710/start",
	Reflection:   "http://127.0.0.1:8710/reflection",
}

func newTestMachine(t *testing.T) (*session.Machine, *quota.Store, *browser.Registry, *clock.TestClock) {
	t.Helper()

	kv, err := bolt.Open(filepath.Join(t.TempDir(), "timegate.bolt"))
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	clk := &clock.TestClock{CurrentTime: time.Date(2024, 3, 15, 10, 0, 0, 0, time.Local)}
	store := quota.NewStore(kv, clk, zerolog.Nop())
	tabs := browser.NewRegistry(zerolog.Nop())
	machine := session.NewMachine(store, tabs, matcher.New(), testScreens, zerolog.Nop())

	if err := store.SaveSettings(context.Background(), quota.Settings{
		PresetMinutes: []int{1, 5, 10, 20},
		SiteRules: []quota.SiteRule{
			{
				ID:                "x",
				Label:             "X (Twitter)",
				IncludePatterns:   []string{`^https?://(twitter|x)\.com(/|$)`},
				DailyLimitMinutes: 30,
				SiteURL:           "https://x.com",
			},
		},
		GlobalExcludePatterns: []string{`^https?://(twitter|x)\.com/messages`},
	}); err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	return machine, store, tabs, clk
}

func TestStartCreatesActiveSession(t *testing.T) {
	machine, store, _, _ := newTestMachine(t)
	ctx := context.Background()

	created, err := machine.Start(ctx, 5, "x", "https://x.com/home")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if created.RemainingSeconds != 300 || !created.IsActive {
		t.Fatalf("unexpected session: %+v", created)
	}

	persisted, err := store.GetCurrentSession(ctx)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if persisted == nil || persisted.ID != created.ID {
		t.Fatalf("expected persisted session %q, got %+v", created.ID, persisted)
	}
}

func TestStartRejectsNonPositiveDuration(t *testing.T) {
	machine, _, _, _ := newTestMachine(t)

	_, err := machine.Start(context.Background(), 0, "x", "")
	var verr *session.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestStartRejectsUnknownSite(t *testing.T) {
	machine, _, _, _ := newTestMachine(t)

	_, err := machine.Start(context.Background(), 5, "nope", "")
	var verr *session.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestStartRejectsSecondActiveSession(t *testing.T) {
	machine, _, _, _ := newTestMachine(t)
	ctx := context.Background()

	if _, err := machine.Start(ctx, 5, "x", ""); err != nil {
		t.Fatalf("first start: %v", err)
	}

	_, err := machine.Start(ctx, 5, "x", "")
	var cerr *session.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestStartRejectsOverQuota(t *testing.T) {
	machine, store, _, _ := newTestMachine(t)
	ctx := context.Background()

	// Commit 20 of the 30-minute budget; only 10 remain.
	if err := store.AddSessionRecord(ctx, quota.SessionRecord{
		ID: "session_prev", DurationMinutes: 20, Reflection: "r", SiteID: "x",
	}); err != nil {
		t.Fatalf("seed usage: %v", err)
	}

	_, err := machine.Start(ctx, 20, "x", "")
	var qerr *session.QuotaExceededError
	if !errors.As(err, &qerr) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	if qerr.RemainingMinutes != 10 {
		t.Fatalf("expected 10 remaining in error, got %d", qerr.RemainingMinutes)
	}
	if !strings.Contains(qerr.Error(), "10") {
		t.Fatalf("expected remaining figure in message, got %q", qerr.Error())
	}

	// No session was persisted by the rejected start.
	persisted, err := store.GetCurrentSession(ctx)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if persisted != nil {
		t.Fatalf("expected no session, got %+v", persisted)
	}
}

func TestEndWithoutSession(t *testing.T) {
	machine, _, _, _ := newTestMachine(t)

	err := machine.End(context.Background())
	var verr *session.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestEndLeavesNoUsageRecord(t *testing.T) {
	machine, store, _, _ := newTestMachine(t)
	ctx := context.Background()

	if _, err := machine.Start(ctx, 5, "x", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := machine.End(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}

	persisted, err := store.GetCurrentSession(ctx)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if persisted == nil || persisted.IsActive {
		t.Fatalf("expected inactive session retained, got %+v", persisted)
	}

	usage, err := store.GetDailyUsage(ctx, "")
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if usage.SiteUsage["x"].TotalUsedMinutes != 0 {
		t.Fatalf("ended session must not commit usage, got %d minutes", usage.SiteUsage["x"].TotalUsedMinutes)
	}
}

func TestTickStopsWithoutActiveSession(t *testing.T) {
	machine, _, _, _ := newTestMachine(t)

	outcome, err := machine.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if outcome != session.TickStopped {
		t.Fatalf("expected TickStopped, got %v", outcome)
	}
}

func TestTickDecrementsActiveSession(t *testing.T) {
	machine, store, _, _ := newTestMachine(t)
	ctx := context.Background()

	if _, err := machine.Start(ctx, 5, "x", ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	outcome, err := machine.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if outcome != session.TickActive {
		t.Fatalf("expected TickActive, got %v", outcome)
	}

	persisted, _ := store.GetCurrentSession(ctx)
	if persisted.RemainingSeconds != 299 {
		t.Fatalf("expected 299 remaining, got %d", persisted.RemainingSeconds)
	}
}

func TestTickExpiryRedirectsMatchedTabs(t *testing.T) {
	machine, store, tabs, _ := newTestMachine(t)
	ctx := context.Background()

	created, err := machine.Start(ctx, 1, "x", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	created.RemainingSeconds = 1
	if err := store.SaveCurrentSession(ctx, created); err != nil {
		t.Fatalf("shorten session: %v", err)
	}

	tabs.Report("tab-governed", "https://x.com/home")
	tabs.Report("tab-excluded", "https://x.com/messages")
	tabs.Report("tab-other", "https://example.org/")

	outcome, err := machine.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if outcome != session.TickExpired {
		t.Fatalf("expected TickExpired, got %v", outcome)
	}

	persisted, _ := store.GetCurrentSession(ctx)
	if persisted == nil || persisted.IsActive || persisted.RemainingSeconds != 0 {
		t.Fatalf("expected inactive zero-remaining session, got %+v", persisted)
	}

	if commands := tabs.Drain("tab-governed"); len(commands) != 1 || commands[0].URL != testScreens.Reflection {
		t.Fatalf("expected governed tab redirected to reflection, got %+v", commands)
	}
	if commands := tabs.Drain("tab-excluded"); len(commands) != 0 {
		t.Fatalf("excluded tab must not be redirected, got %+v", commands)
	}
	if commands := tabs.Drain("tab-other"); len(commands) != 0 {
		t.Fatalf("unrelated tab must not be redirected, got %+v", commands)
	}
}

func TestTickClearsStaleSession(t *testing.T) {
	machine, store, _, clk := newTestMachine(t)
	ctx := context.Background()

	if _, err := machine.Start(ctx, 5, "x", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(24 * time.Hour)

	outcome, err := machine.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if outcome != session.TickCleared {
		t.Fatalf("expected TickCleared, got %v", outcome)
	}

	persisted, _ := store.GetCurrentSession(ctx)
	if persisted != nil {
		t.Fatalf("expected session cleared, got %+v", persisted)
	}
}

func TestSaveReflectionRejectsEmptyText(t *testing.T) {
	machine, store, _, _ := newTestMachine(t)
	ctx := context.Background()

	created, err := machine.Start(ctx, 5, "x", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, text := range []string{"", "   ", "\n\t"} {
		err := machine.SaveReflection(ctx, text)
		var verr *session.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("SaveReflection(%q): expected ValidationError, got %v", text, err)
		}
	}

	// Session untouched, nothing committed.
	persisted, _ := store.GetCurrentSession(ctx)
	if persisted == nil || persisted.ID != created.ID {
		t.Fatalf("expected session untouched, got %+v", persisted)
	}
	usage, _ := store.GetDailyUsage(ctx, "")
	if len(usage.SiteUsage["x"].Sessions) != 0 {
		t.Fatalf("expected no records, got %+v", usage.SiteUsage["x"].Sessions)
	}
}

func TestSaveReflectionCommitsAndClears(t *testing.T) {
	machine, store, _, clk := newTestMachine(t)
	ctx := context.Background()

	created, err := machine.Start(ctx, 10, "x", "https://x.com")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	created.RemainingSeconds = 300 // 5 elapsed minutes
	created.IsActive = false
	if err := store.SaveCurrentSession(ctx, created); err != nil {
		t.Fatalf("expire session: %v", err)
	}
	clk.Advance(5 * time.Minute)

	if err := machine.SaveReflection(ctx, "  caught up on mentions  "); err != nil {
		t.Fatalf("save reflection: %v", err)
	}

	persisted, _ := store.GetCurrentSession(ctx)
	if persisted != nil {
		t.Fatalf("expected session cleared, got %+v", persisted)
	}

	usage, _ := store.GetDailyUsage(ctx, "")
	site := usage.SiteUsage["x"]
	if site.TotalUsedMinutes != 5 {
		t.Fatalf("expected 5 committed minutes, got %d", site.TotalUsedMinutes)
	}
	if len(site.Sessions) != 1 {
		t.Fatalf("expected 1 record, got %d", len(site.Sessions))
	}
	record := site.Sessions[0]
	if record.ID != created.ID || record.Reflection != "caught up on mentions" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.EndTime != clk.Now().UnixMilli() {
		t.Fatalf("expected end time %d, got %d", clk.Now().UnixMilli(), record.EndTime)
	}
}

func TestRestoreOnStartupRecomputesFromWallClock(t *testing.T) {
	machine, store, _, clk := newTestMachine(t)
	ctx := context.Background()

	if _, err := machine.Start(ctx, 5, "x", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	// The process was down for 2 minutes; the stored counter missed them.
	clk.Advance(2 * time.Minute)

	resumed, err := machine.RestoreOnStartup(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !resumed {
		t.Fatal("expected ticking to resume")
	}

	persisted, _ := store.GetCurrentSession(ctx)
	if persisted.RemainingSeconds != 180 {
		t.Fatalf("expected 180 remaining after reconciliation, got %d", persisted.RemainingSeconds)
	}
	if !persisted.IsActive {
		t.Fatal("expected session still active")
	}
}

func TestRestoreOnStartupExpiresOverdueSession(t *testing.T) {
	machine, store, _, clk := newTestMachine(t)
	ctx := context.Background()

	if _, err := machine.Start(ctx, 5, "x", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(10 * time.Minute)

	resumed, err := machine.RestoreOnStartup(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if resumed {
		t.Fatal("expected ticking not to resume")
	}

	persisted, _ := store.GetCurrentSession(ctx)
	if persisted == nil || persisted.IsActive || persisted.RemainingSeconds != 0 {
		t.Fatalf("expected inactive zero-remaining session, got %+v", persisted)
	}
}

func TestRestoreOnStartupClearsStaleDay(t *testing.T) {
	machine, store, _, clk := newTestMachine(t)
	ctx := context.Background()

	if _, err := machine.Start(ctx, 5, "x", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(24 * time.Hour)

	resumed, err := machine.RestoreOnStartup(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if resumed {
		t.Fatal("expected no resume for stale session")
	}

	persisted, _ := store.GetCurrentSession(ctx)
	if persisted != nil {
		t.Fatalf("expected session cleared, got %+v", persisted)
	}
}

func TestResetDayClearsSessionAndRedirects(t *testing.T) {
	machine, store, tabs, _ := newTestMachine(t)
	ctx := context.Background()

	if _, err := machine.Start(ctx, 5, "x", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	tabs.Report("tab-governed", "https://twitter.com/home")

	cleared, err := machine.ResetDay(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !cleared {
		t.Fatal("expected session to be cleared")
	}

	persisted, _ := store.GetCurrentSession(ctx)
	if persisted != nil {
		t.Fatalf("expected no session, got %+v", persisted)
	}

	commands := tabs.Drain("tab-governed")
	if len(commands) != 1 || !strings.HasPrefix(commands[0].URL, testScreens.SessionStart) {
		t.Fatalf("expected redirect to session-start, got %+v", commands)
	}

	// Reset with no session is a no-op.
	cleared, err = machine.ResetDay(ctx)
	if err != nil {
		t.Fatalf("second reset: %v", err)
	}
	if cleared {
		t.Fatal("expected no-op reset")
	}
}
