package countdown

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/timegateapp/timegate/internal/quota"
	"github.com/timegateapp/timegate/internal/session"
	"github.com/timegateapp/timegate/internal/storage"
)

// Ticker runs the one-second countdown loop for the active session. At most
// one loop runs at a time; Start while a loop is running is a no-op, so
// every code path that might need the countdown can call it unconditionally.
type Ticker struct {
	machine  *session.Machine
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	stopChan chan struct{}
}

// New creates a ticker driving machine at the given interval. Production
// wiring passes time.Second.
func New(machine *session.Machine, interval time.Duration, logger zerolog.Logger) *Ticker {
	return &Ticker{
		machine:  machine,
		interval: interval,
		logger:   logger.With().Str("component", "countdown").Logger(),
	}
}

// Start launches the countdown loop if it is not already running.
func (t *Ticker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopChan != nil {
		return
	}
	t.stopChan = make(chan struct{})
	go t.run(t.stopChan)
	t.logger.Debug().Msg("Countdown started")
}

// Stop halts the countdown loop. Safe to call when not running.
func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopChan == nil {
		return
	}
	close(t.stopChan)
	t.stopChan = nil
	t.logger.Debug().Msg("Countdown stopped")
}

// Running reports whether the loop is currently active.
func (t *Ticker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopChan != nil
}

// run ticks the session machine until it reports anything other than a
// live session. The loop owns its own shutdown for those outcomes; an
// external Stop only races it harmlessly.
func (t *Ticker) run(stopChan chan struct{}) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			outcome, err := t.machine.Tick(context.Background())
			if err != nil {
				t.logger.Error().Err(err).Msg("Countdown tick failed")
				continue
			}
			if outcome != session.TickActive {
				t.finish(stopChan)
				return
			}
		case <-stopChan:
			return
		}
	}
}

// finish clears the handle if it still belongs to this loop.
func (t *Ticker) finish(stopChan chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopChan == stopChan {
		close(t.stopChan)
		t.stopChan = nil
	}
}

// WatchSessions subscribes to session changes in kv and starts the loop
// whenever an active session with time left is written. Session removal or
// deactivation stops nothing here; the loop observes that itself on its
// next tick. Returns the watch cancel func.
func (t *Ticker) WatchSessions(kv storage.KV) func() {
	return kv.Watch(quota.KeyCurrentSession, func(ev storage.Event) {
		if ev.Deleted {
			return
		}
		var s quota.Session
		if err := json.Unmarshal(ev.Value, &s); err != nil {
			t.logger.Error().Err(err).Msg("Undecodable session change ignored")
			return
		}
		if s.IsActive && s.RemainingSeconds > 0 {
			t.Start()
		}
	})
}
