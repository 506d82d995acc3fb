package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Session lifecycle metrics
	SessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timegate_sessions_started_total",
			Help: "Total timed sessions started",
		},
		[]string{"site"},
	)

	SessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timegate_sessions_ended_total",
			Help: "Total sessions ended early by the user",
		},
		[]string{"site"},
	)

	SessionsExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timegate_sessions_expired_total",
			Help: "Total sessions that ran out of time",
		},
		[]string{"site"},
	)

	ReflectionsSaved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timegate_reflections_saved_total",
			Help: "Total reflections recorded",
		},
		[]string{"site"},
	)

	// Quota metrics
	QuotaDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timegate_quota_denials_total",
			Help: "Session starts rejected because the request exceeded the remaining quota",
		},
		[]string{"site"},
	)

	UsageMinutesCommitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timegate_usage_minutes_committed_total",
			Help: "Minutes committed to daily usage via saved reflections",
		},
		[]string{"site"},
	)

	// Countdown metrics
	TicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timegate_countdown_ticks_total",
			Help: "Countdown ticks processed",
		},
	)

	ActiveSession = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "timegate_active_session",
			Help: "1 while a session is active, 0 otherwise",
		},
	)

	RemainingSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "timegate_session_remaining_seconds",
			Help: "Remaining seconds of the active session",
		},
	)

	// Rollover metrics
	MidnightResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timegate_midnight_resets_total",
			Help: "Sessions cleared by the day-rollover scheduler",
		},
	)

	// Guard metrics
	NavigationsChecked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timegate_navigations_checked_total",
			Help: "Navigation events evaluated by the guard",
		},
		[]string{"action"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsStarted,
		SessionsEnded,
		SessionsExpired,
		ReflectionsSaved,
		QuotaDenials,
		UsageMinutesCommitted,
		TicksTotal,
		ActiveSession,
		RemainingSeconds,
		MidnightResets,
		NavigationsChecked,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
