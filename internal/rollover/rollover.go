package rollover

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/timegateapp/timegate/internal/clock"
	"github.com/timegateapp/timegate/internal/session"
)

// Scheduler clears the session and resets quotas at local midnight. Beyond
// the scheduled midnight wake-up it also polls the date string, so a
// suspended machine that sleeps through midnight still resets within one
// poll interval of waking.
type Scheduler struct {
	machine      *session.Machine
	clock        clock.Clock
	pollInterval time.Duration
	logger       zerolog.Logger
	stopChan     chan struct{}
}

// NewScheduler creates a midnight reset scheduler. Production wiring uses
// a one-minute poll interval.
func NewScheduler(machine *session.Machine, clk clock.Clock, pollInterval time.Duration, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		machine:      machine,
		clock:        clk,
		pollInterval: pollInterval,
		logger:       logger.With().Str("component", "rollover").Logger(),
		stopChan:     make(chan struct{}),
	}
}

// Start begins the scheduler loop.
func (s *Scheduler) Start() {
	go s.run()
	s.logger.Info().
		Time("next_reset", clock.NextMidnight(s.clock.Now())).
		Msg("Midnight reset scheduler started")
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.logger.Info().Msg("Midnight reset scheduler stopped")
}

// run is the main scheduler loop. Each pass waits for the sooner of the
// next midnight and the poll interval, then fires only if the local date
// actually changed.
func (s *Scheduler) run() {
	lastDay := clock.DayString(s.clock.Now())
	for {
		now := s.clock.Now()
		wait := clock.NextMidnight(now).Sub(now)
		if wait > s.pollInterval {
			wait = s.pollInterval
		}
		if wait < 0 {
			wait = 0
		}

		select {
		case <-time.After(wait):
			day := clock.DayString(s.clock.Now())
			if day == lastDay {
				continue
			}
			lastDay = day
			s.performReset(day)
		case <-s.stopChan:
			return
		}
	}
}

// performReset clears any leftover session. Usage history is keyed by
// date, so the new day's quota resets by construction.
func (s *Scheduler) performReset(day string) {
	s.logger.Info().Str("date", day).Msg("Performing midnight reset")

	cleared, err := s.machine.ResetDay(context.Background())
	if err != nil {
		s.logger.Error().Err(err).Msg("Midnight reset failed")
		return
	}
	s.logger.Info().Bool("session_cleared", cleared).Msg("Midnight reset complete")
}
