package quota_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/timegateapp/timegate/internal/clock"
	"github.com/timegateapp/timegate/internal/quota"
	"github.com/timegateapp/timegate/internal/storage"
	"github.com/timegateapp/timegate/internal/storage/bolt"
)

func openTestStore(t *testing.T) (*quota.Store, storage.KV, *clock.TestClock) {
	t.Helper()

	kv, err := bolt.Open(filepath.Join(t.TempDir(), "timegate.bolt"))
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	clk := &clock.TestClock{CurrentTime: time.Date(2024, 3, 15, 10, 0, 0, 0, time.Local)}
	return quota.NewStore(kv, clk, zerolog.Nop()), kv, clk
}

func TestGetSettingsWritesDefaults(t *testing.T) {
	store, _, _ := openTestStore(t)

	settings, err := store.GetSettings(context.Background())
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if len(settings.SiteRules) != 1 {
		t.Fatalf("expected 1 default rule, got %d", len(settings.SiteRules))
	}
	if got, want := settings.PresetMinutes, []int{1, 5, 10, 20}; len(got) != len(want) {
		t.Fatalf("expected presets %v, got %v", want, got)
	}
	if len(settings.GlobalExcludePatterns) == 0 {
		t.Fatal("expected default exclude patterns")
	}
}

func TestGetSettingsMigratesLegacyShape(t *testing.T) {
	store, kv, _ := openTestStore(t)
	ctx := context.Background()

	legacy := []byte(`{"presetMinutes":[2,4],"dailyLimitMinutes":15}`)
	if err := kv.Set(ctx, quota.KeySettings, legacy); err != nil {
		t.Fatalf("seed legacy settings: %v", err)
	}

	settings, err := store.GetSettings(ctx)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if len(settings.SiteRules) != 1 {
		t.Fatalf("expected exactly one synthesized rule, got %d", len(settings.SiteRules))
	}
	if settings.SiteRules[0].DailyLimitMinutes != 15 {
		t.Fatalf("expected migrated limit 15, got %d", settings.SiteRules[0].DailyLimitMinutes)
	}
	if len(settings.PresetMinutes) != 2 || settings.PresetMinutes[0] != 2 || settings.PresetMinutes[1] != 4 {
		t.Fatalf("expected presets [2 4] preserved, got %v", settings.PresetMinutes)
	}
	if len(settings.GlobalExcludePatterns) == 0 {
		t.Fatal("expected default excludes applied")
	}
}

func TestGetSettingsMigrationSettles(t *testing.T) {
	store, kv, _ := openTestStore(t)
	ctx := context.Background()

	if err := kv.Set(ctx, quota.KeySettings, []byte(`{"dailyLimitMinutes":15}`)); err != nil {
		t.Fatalf("seed legacy settings: %v", err)
	}

	if _, err := store.GetSettings(ctx); err != nil {
		t.Fatalf("first get: %v", err)
	}
	first, err := kv.Get(ctx, quota.KeySettings)
	if err != nil {
		t.Fatalf("read persisted settings: %v", err)
	}

	if _, err := store.GetSettings(ctx); err != nil {
		t.Fatalf("second get: %v", err)
	}
	second, err := kv.Get(ctx, quota.KeySettings)
	if err != nil {
		t.Fatalf("read persisted settings: %v", err)
	}

	if string(first) != string(second) {
		t.Fatalf("migration did not settle:\nfirst:  %s\nsecond: %s", first, second)
	}
}

func TestGetCurrentSessionMigratesMissingSiteID(t *testing.T) {
	store, kv, _ := openTestStore(t)
	ctx := context.Background()

	legacy := []byte(`{"id":"session_1","startTime":1710000000000,"durationMinutes":5,"remainingSeconds":120,"isActive":true}`)
	if err := kv.Set(ctx, quota.KeyCurrentSession, legacy); err != nil {
		t.Fatalf("seed legacy session: %v", err)
	}

	session, err := store.GetCurrentSession(ctx)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session == nil {
		t.Fatal("expected session")
	}
	if session.SiteID != "x" {
		t.Fatalf("expected migrated siteId %q, got %q", "x", session.SiteID)
	}
}

func TestSaveCurrentSessionNilRemovesKey(t *testing.T) {
	store, kv, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.SaveCurrentSession(ctx, &quota.Session{ID: "session_1", SiteID: "x", IsActive: true}); err != nil {
		t.Fatalf("save session: %v", err)
	}

	removals := 0
	cancel := kv.Watch(quota.KeyCurrentSession, func(ev storage.Event) {
		if ev.Deleted {
			removals++
		}
	})
	defer cancel()

	if err := store.SaveCurrentSession(ctx, nil); err != nil {
		t.Fatalf("clear session: %v", err)
	}
	if removals != 1 {
		t.Fatalf("expected 1 removal event, got %d", removals)
	}

	session, err := store.GetCurrentSession(ctx)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session != nil {
		t.Fatalf("expected no session, got %+v", session)
	}
}

func TestDailyUsageLegacyNormalization(t *testing.T) {
	store, kv, clk := openTestStore(t)
	ctx := context.Background()
	today := clock.Today(clk)

	legacy := map[string]any{
		today: map[string]any{
			"date":             today,
			"totalUsedMinutes": 12,
			"sessions": []map[string]any{
				{"id": "session_1", "startTime": 1, "endTime": 2, "durationMinutes": 12, "reflection": "done"},
			},
		},
	}
	raw, _ := json.Marshal(legacy)
	if err := kv.Set(ctx, quota.KeyDailyUsage, raw); err != nil {
		t.Fatalf("seed legacy usage: %v", err)
	}

	usage, err := store.GetDailyUsage(ctx, "")
	if err != nil {
		t.Fatalf("get daily usage: %v", err)
	}
	site, ok := usage.SiteUsage["x"]
	if !ok {
		t.Fatalf("expected legacy usage attached to default site, got %+v", usage.SiteUsage)
	}
	if site.TotalUsedMinutes != 12 {
		t.Fatalf("expected 12 used minutes, got %d", site.TotalUsedMinutes)
	}
	if len(site.Sessions) != 1 || site.Sessions[0].SiteID != "x" {
		t.Fatalf("expected session adopted by default site, got %+v", site.Sessions)
	}
}

func TestGetAllDailyUsageSortsDescendingAndSettles(t *testing.T) {
	store, kv, _ := openTestStore(t)
	ctx := context.Background()

	for _, date := range []string{"2024-03-10", "2024-03-14", "2024-03-12"} {
		if err := store.SaveDailyUsage(ctx, quota.DailyUsage{Date: date, SiteUsage: map[string]quota.SiteDailyUsage{}}); err != nil {
			t.Fatalf("save usage %s: %v", date, err)
		}
	}

	all, err := store.GetAllDailyUsage(ctx)
	if err != nil {
		t.Fatalf("get all usage: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	for i, want := range []string{"2024-03-14", "2024-03-12", "2024-03-10"} {
		if all[i].Date != want {
			t.Fatalf("entry %d: expected %s, got %s", i, want, all[i].Date)
		}
	}

	first, _ := kv.Get(ctx, quota.KeyDailyUsage)
	if _, err := store.GetAllDailyUsage(ctx); err != nil {
		t.Fatalf("second get all: %v", err)
	}
	second, _ := kv.Get(ctx, quota.KeyDailyUsage)
	if string(first) != string(second) {
		t.Fatal("normalization did not settle after one pass")
	}
}

func TestAddSessionRecordIncrementsCommittedUsage(t *testing.T) {
	store, _, _ := openTestStore(t)
	ctx := context.Background()

	record := quota.SessionRecord{
		ID:              "session_1",
		StartTime:       1710000000000,
		EndTime:         1710000300000,
		DurationMinutes: 5,
		Reflection:      "caught up on mentions",
		SiteID:          "x",
	}
	if err := store.AddSessionRecord(ctx, record); err != nil {
		t.Fatalf("add record: %v", err)
	}
	if err := store.AddSessionRecord(ctx, quota.SessionRecord{ID: "session_2", DurationMinutes: 3, Reflection: "ok", SiteID: "x"}); err != nil {
		t.Fatalf("add second record: %v", err)
	}

	usage, err := store.GetDailyUsage(ctx, "")
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	site := usage.SiteUsage["x"]
	if site.TotalUsedMinutes != 8 {
		t.Fatalf("expected 8 committed minutes, got %d", site.TotalUsedMinutes)
	}
	if len(site.Sessions) != 2 {
		t.Fatalf("expected 2 records, got %d", len(site.Sessions))
	}
}

func TestGetRemainingMinutesCountsInFlightSession(t *testing.T) {
	store, _, _ := openTestStore(t)
	ctx := context.Background()

	// Daily limit 30, committed usage 10, active session with 5 elapsed
	// minutes on the same site: 30 - 10 - 5 = 15.
	if err := store.SaveSettings(ctx, quota.Settings{
		PresetMinutes: []int{5, 10},
		SiteRules: []quota.SiteRule{
			{ID: "x", Label: "X", IncludePatterns: []string{`^https?://x\.com`}, DailyLimitMinutes: 30},
		},
		GlobalExcludePatterns: []string{},
	}); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	if err := store.AddSessionRecord(ctx, quota.SessionRecord{ID: "session_1", DurationMinutes: 10, Reflection: "r", SiteID: "x"}); err != nil {
		t.Fatalf("add record: %v", err)
	}
	if err := store.SaveCurrentSession(ctx, &quota.Session{
		ID:               "session_2",
		DurationMinutes:  10,
		RemainingSeconds: 300,
		IsActive:         true,
		SiteID:           "x",
	}); err != nil {
		t.Fatalf("save session: %v", err)
	}

	remaining, err := store.GetRemainingMinutes(ctx, "x")
	if err != nil {
		t.Fatalf("get remaining: %v", err)
	}
	if remaining != 15 {
		t.Fatalf("expected 15 remaining minutes, got %d", remaining)
	}
}

func TestGetRemainingMinutesNeverNegative(t *testing.T) {
	store, _, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.SaveSettings(ctx, quota.Settings{
		PresetMinutes:         []int{5},
		SiteRules:             []quota.SiteRule{{ID: "x", Label: "X", IncludePatterns: []string{"x"}, DailyLimitMinutes: 5}},
		GlobalExcludePatterns: []string{},
	}); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	if err := store.AddSessionRecord(ctx, quota.SessionRecord{ID: "session_1", DurationMinutes: 60, Reflection: "r", SiteID: "x"}); err != nil {
		t.Fatalf("add record: %v", err)
	}

	remaining, err := store.GetRemainingMinutes(ctx, "x")
	if err != nil {
		t.Fatalf("get remaining: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected 0, got %d", remaining)
	}

	// Unknown site rule: zero quota, still non-negative.
	remaining, err = store.GetRemainingMinutes(ctx, "deleted-rule")
	if err != nil {
		t.Fatalf("get remaining for deleted rule: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected 0 for deleted rule, got %d", remaining)
	}
}

func TestInitializeStorageIdempotent(t *testing.T) {
	store, kv, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.InitializeStorage(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	first, _ := kv.Get(ctx, quota.KeySettings)

	if err := store.InitializeStorage(ctx); err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	second, _ := kv.Get(ctx, quota.KeySettings)

	if string(first) != string(second) {
		t.Fatal("initialize rewrote settings")
	}
}
