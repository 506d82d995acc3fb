package clock

import (
	"sync"
	"time"
)

// Clock provides time information for quota and session computation.
// This interface allows time to be mocked in tests.
type Clock interface {
	Now() time.Time
}

// RealClock provides actual system time.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// TestClock provides fixed time for testing. Safe for concurrent use, so
// tests can move time while scheduler goroutines are reading it.
type TestClock struct {
	mu          sync.Mutex
	CurrentTime time.Time
}

// Now returns the test time.
func (t *TestClock) Now() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CurrentTime
}

// Set moves the test clock to now.
func (t *TestClock) Set(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CurrentTime = now
}

// Advance moves the test clock forward by d.
func (t *TestClock) Advance(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CurrentTime = t.CurrentTime.Add(d)
}

// DayString formats t as a zero-padded YYYY-MM-DD string in t's location.
// Day boundaries are always the user's local midnight, never UTC, and the
// lexicographic order of these strings matches chronological order.
func DayString(t time.Time) string {
	return t.Format("2006-01-02")
}

// Today returns the current local day string for c.
func Today(c Clock) string {
	return DayString(c.Now())
}

// FromMillis converts an epoch-milliseconds timestamp to local time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// NextMidnight returns the next local midnight strictly after now.
func NextMidnight(now time.Time) time.Time {
	year, month, day := now.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}
