// Package session holds the session/quota state machine: pure
// transformations over a session value plus the command-level machine that
// combines them with the quota store.
package session

import (
	"fmt"
	"net/url"

	"github.com/timegateapp/timegate/internal/clock"
	"github.com/timegateapp/timegate/internal/quota"
)

// New creates a fresh active session for siteID starting now.
func New(clk clock.Clock, durationMinutes int, siteID, siteURL string) quota.Session {
	now := clk.Now().UnixMilli()
	return quota.Session{
		ID:               fmt.Sprintf("session_%d", now),
		StartTime:        now,
		DurationMinutes:  durationMinutes,
		RemainingSeconds: durationMinutes * 60,
		IsActive:         true,
		SiteID:           siteID,
		SiteURL:          siteURL,
	}
}

// Decrement takes one second off the session, floored at zero.
func Decrement(s quota.Session) quota.Session {
	if s.RemainingSeconds > 0 {
		s.RemainingSeconds--
	}
	return s
}

// IsExpired reports whether the session has run out of time.
func IsExpired(s quota.Session) bool {
	return s.RemainingSeconds <= 0
}

// IsToday reports whether the session started on the current local day.
func IsToday(clk clock.Clock, s quota.Session) bool {
	return clock.DayString(clock.FromMillis(s.StartTime)) == clock.Today(clk)
}

// ElapsedSeconds is how much of the session's budget has been consumed.
func ElapsedSeconds(s quota.Session) int {
	return s.DurationMinutes*60 - s.RemainingSeconds
}

// ElapsedMinutes is ElapsedSeconds in whole minutes, rounded down.
func ElapsedMinutes(s quota.Session) int {
	return ElapsedSeconds(s) / 60
}

// FormatTime renders seconds as zero-padded MM:SS. Sessions are bounded by
// per-day minute budgets, so there is no hour component.
func FormatTime(seconds int) string {
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// Screens holds the destinations the daemon redirects governed tabs to.
type Screens struct {
	SessionStart string // session-start screen base URL
	Reflection   string // mandatory-reflection screen URL
}

// StartURL parameterizes the session-start screen with the matched rule and
// the original destination, so the client can come back after starting.
func (s Screens) StartURL(siteID, returnTo string) string {
	values := url.Values{}
	if siteID != "" {
		values.Set("site", siteID)
	}
	if returnTo != "" {
		values.Set("return", returnTo)
	}
	if encoded := values.Encode(); encoded != "" {
		return s.SessionStart + "?" + encoded
	}
	return s.SessionStart
}

// ReflectionURL is the screen an expired session's tabs are sent to.
func (s Screens) ReflectionURL() string {
	return s.Reflection
}
