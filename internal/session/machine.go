package session

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"github.com/timegateapp/timegate/internal/browser"
	"github.com/timegateapp/timegate/internal/clock"
	"github.com/timegateapp/timegate/internal/matcher"
	"github.com/timegateapp/timegate/internal/metrics"
	"github.com/timegateapp/timegate/internal/quota"
)

// TickOutcome describes what a countdown tick did.
type TickOutcome int

const (
	// TickStopped: no session, or the session is inactive; stop ticking.
	TickStopped TickOutcome = iota
	// TickCleared: the session crossed a day boundary and was removed.
	TickCleared
	// TickActive: the session was decremented and keeps running.
	TickActive
	// TickExpired: the decrement exhausted the session.
	TickExpired
)

// Machine drives the session lifecycle against the quota store. States are
// NoSession -> Active -> {Expired-PendingReflection, EndedByUser}; expiry
// demands a reflection before the next start, ending early does not.
type Machine struct {
	store   *quota.Store
	tabs    browser.Tabs
	matcher *matcher.Matcher
	screens Screens
	clock   clock.Clock
	logger  zerolog.Logger
}

// NewMachine creates the command-level state machine.
func NewMachine(store *quota.Store, tabs browser.Tabs, m *matcher.Matcher, screens Screens, logger zerolog.Logger) *Machine {
	return &Machine{
		store:   store,
		tabs:    tabs,
		matcher: m,
		screens: screens,
		clock:   store.Clock(),
		logger:  logger.With().Str("component", "session").Logger(),
	}
}

// Screens returns the configured redirect destinations.
func (m *Machine) Screens() Screens { return m.screens }

// Store returns the underlying quota store.
func (m *Machine) Store() *quota.Store { return m.store }

// Start begins a new timed session. Preconditions, first failure wins:
// positive duration, no active session, a configured rule for siteID, and
// duration within the remaining quota.
func (m *Machine) Start(ctx context.Context, durationMinutes int, siteID, siteURL string) (*quota.Session, error) {
	if durationMinutes <= 0 {
		return nil, validationf("session duration must be positive")
	}

	existing, err := m.store.GetCurrentSession(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.IsActive {
		return nil, &ConflictError{Message: "a session is already active"}
	}

	settings, err := m.store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	rule, ok := settings.FindRule(siteID)
	if !ok {
		return nil, validationf("unknown site %q", siteID)
	}
	if siteURL == "" {
		siteURL = rule.SiteURL
	}

	remaining, err := m.store.GetRemainingMinutes(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if durationMinutes > remaining {
		metrics.QuotaDenials.WithLabelValues(siteID).Inc()
		return nil, &QuotaExceededError{RemainingMinutes: remaining}
	}

	created := New(m.clock, durationMinutes, siteID, siteURL)
	if err := m.store.SaveCurrentSession(ctx, &created); err != nil {
		return nil, err
	}

	metrics.SessionsStarted.WithLabelValues(siteID).Inc()
	metrics.ActiveSession.Set(1)
	metrics.RemainingSeconds.Set(float64(created.RemainingSeconds))
	m.logger.Info().
		Str("session_id", created.ID).
		Str("site_id", siteID).
		Int("duration_minutes", durationMinutes).
		Msg("Session started")
	return &created, nil
}

// End marks the current session inactive without recording it. Elapsed time
// still counted against today's quota while the session ran, but ended
// sessions produce no SessionRecord.
func (m *Machine) End(ctx context.Context) error {
	current, err := m.store.GetCurrentSession(ctx)
	if err != nil {
		return err
	}
	if current == nil {
		return validationf("no current session")
	}

	current.IsActive = false
	if err := m.store.SaveCurrentSession(ctx, current); err != nil {
		return err
	}

	metrics.SessionsEnded.WithLabelValues(current.SiteID).Inc()
	metrics.ActiveSession.Set(0)
	m.logger.Info().Str("session_id", current.ID).Msg("Session ended by user")
	return nil
}

// Tick advances the active session by one second. Sessions that crossed a
// day boundary are cleared outright, independent of the midnight scheduler.
func (m *Machine) Tick(ctx context.Context) (TickOutcome, error) {
	metrics.TicksTotal.Inc()

	current, err := m.store.GetCurrentSession(ctx)
	if err != nil {
		return TickStopped, err
	}
	if current == nil || !current.IsActive {
		metrics.ActiveSession.Set(0)
		return TickStopped, nil
	}

	if !IsToday(m.clock, *current) {
		if err := m.store.SaveCurrentSession(ctx, nil); err != nil {
			return TickStopped, err
		}
		metrics.ActiveSession.Set(0)
		m.logger.Info().Str("session_id", current.ID).Msg("Session crossed day boundary, cleared")
		return TickCleared, nil
	}

	updated := Decrement(*current)
	if IsExpired(updated) {
		updated.RemainingSeconds = 0
		updated.IsActive = false
		if err := m.store.SaveCurrentSession(ctx, &updated); err != nil {
			return TickStopped, err
		}

		metrics.SessionsExpired.WithLabelValues(updated.SiteID).Inc()
		metrics.ActiveSession.Set(0)
		metrics.RemainingSeconds.Set(0)
		m.logger.Info().Str("session_id", updated.ID).Msg("Session expired, awaiting reflection")

		if err := m.redirectMatchedTabs(ctx, updated.SiteID, m.screens.ReflectionURL()); err != nil {
			m.logger.Error().Err(err).Msg("Failed to redirect tabs to reflection")
		}
		return TickExpired, nil
	}

	if err := m.store.SaveCurrentSession(ctx, &updated); err != nil {
		return TickStopped, err
	}
	metrics.RemainingSeconds.Set(float64(updated.RemainingSeconds))
	return TickActive, nil
}

// SaveReflection commits the finished session to history and clears it.
// This is the only path that increases committed usage.
func (m *Machine) SaveReflection(ctx context.Context, reflection string) error {
	reflection = strings.TrimSpace(reflection)
	if reflection == "" {
		return validationf("reflection must not be empty")
	}

	current, err := m.store.GetCurrentSession(ctx)
	if err != nil {
		return err
	}
	if current == nil {
		return validationf("no current session")
	}

	record := quota.SessionRecord{
		ID:              current.ID,
		StartTime:       current.StartTime,
		EndTime:         m.clock.Now().UnixMilli(),
		DurationMinutes: ElapsedMinutes(*current),
		Reflection:      reflection,
		SiteID:          current.SiteID,
		SiteURL:         current.SiteURL,
	}
	if err := m.store.AddSessionRecord(ctx, record); err != nil {
		return err
	}
	if err := m.store.SaveCurrentSession(ctx, nil); err != nil {
		return err
	}

	metrics.ReflectionsSaved.WithLabelValues(record.SiteID).Inc()
	metrics.UsageMinutesCommitted.WithLabelValues(record.SiteID).Add(float64(record.DurationMinutes))
	m.logger.Info().
		Str("session_id", record.ID).
		Int("duration_minutes", record.DurationMinutes).
		Msg("Reflection saved, session closed")
	return nil
}

// RestoreOnStartup reconciles a persisted session after the process was
// down. Remaining time is recomputed from the wall clock, not from the
// stored counter, to correct for missed ticks. Returns whether ticking
// should resume.
func (m *Machine) RestoreOnStartup(ctx context.Context) (bool, error) {
	current, err := m.store.GetCurrentSession(ctx)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}

	if !IsToday(m.clock, *current) {
		if err := m.store.SaveCurrentSession(ctx, nil); err != nil {
			return false, err
		}
		m.logger.Info().Str("session_id", current.ID).Msg("Stale session from a previous day cleared on startup")
		return false, nil
	}

	elapsedSeconds := int(m.clock.Now().UnixMilli()-current.StartTime) / 1000
	remaining := current.DurationMinutes*60 - elapsedSeconds
	if remaining < 0 {
		remaining = 0
	}
	current.RemainingSeconds = remaining
	current.IsActive = remaining > 0 && current.IsActive

	if err := m.store.SaveCurrentSession(ctx, current); err != nil {
		return false, err
	}

	if current.IsActive {
		metrics.ActiveSession.Set(1)
		metrics.RemainingSeconds.Set(float64(remaining))
	} else {
		metrics.ActiveSession.Set(0)
	}
	m.logger.Info().
		Str("session_id", current.ID).
		Int("remaining_seconds", remaining).
		Bool("active", current.IsActive).
		Msg("Session restored from storage")
	return current.IsActive, nil
}

// ResetDay clears any session at a day boundary, no reflection required,
// and sends matching tabs back to the session-start screen.
func (m *Machine) ResetDay(ctx context.Context) (bool, error) {
	current, err := m.store.GetCurrentSession(ctx)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}

	if err := m.store.SaveCurrentSession(ctx, nil); err != nil {
		return false, err
	}

	metrics.MidnightResets.Inc()
	metrics.ActiveSession.Set(0)
	m.logger.Info().Str("session_id", current.ID).Msg("Session cleared at day rollover")

	if err := m.redirectMatchedTabs(ctx, current.SiteID, m.screens.StartURL(current.SiteID, "")); err != nil {
		m.logger.Error().Err(err).Msg("Failed to redirect tabs after day rollover")
	}
	return true, nil
}

// redirectMatchedTabs navigates every open tab showing the session's site
// to destination. Global excludes still apply, so excluded pages are left
// alone.
func (m *Machine) redirectMatchedTabs(ctx context.Context, siteID, destination string) error {
	settings, err := m.store.GetSettings(ctx)
	if err != nil {
		return err
	}
	rule, ok := settings.FindRule(siteID)
	if !ok {
		return nil
	}

	tabs, err := m.tabs.List(ctx)
	if err != nil {
		return err
	}
	for _, tab := range tabs {
		if m.matcher.MatchRule(tab.URL, []quota.SiteRule{rule}, settings.GlobalExcludePatterns) == nil {
			continue
		}
		if err := m.tabs.Navigate(ctx, tab.ID, destination); err != nil {
			m.logger.Error().Err(err).Str("tab_id", tab.ID).Msg("Failed to navigate tab")
		}
	}
	return nil
}
