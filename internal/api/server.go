package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/timegateapp/timegate/internal/browser"
	"github.com/timegateapp/timegate/internal/countdown"
	"github.com/timegateapp/timegate/internal/guard"
	"github.com/timegateapp/timegate/internal/matcher"
	"github.com/timegateapp/timegate/internal/quota"
	"github.com/timegateapp/timegate/internal/session"
	"github.com/timegateapp/timegate/web"
)

// Server exposes the command/query API consumed by browser surfaces.
type Server struct {
	machine  *session.Machine
	guard    *guard.Guard
	registry *browser.Registry
	ticker   *countdown.Ticker
	matcher  *matcher.Matcher
	logger   zerolog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates the API server bound to addr. ticker may be nil in
// read-only deployments; the session-start handler then skips the
// countdown kick.
func NewServer(addr string, machine *session.Machine, g *guard.Guard, registry *browser.Registry, ticker *countdown.Ticker, m *matcher.Matcher, logger zerolog.Logger) *Server {
	s := &Server{
		machine:  machine,
		guard:    g,
		registry: registry,
		ticker:   ticker,
		matcher:  m,
		logger:   logger.With().Str("component", "api").Logger(),
	}
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router(),
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.loggingMiddleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	// Built-in session screens
	r.Get("/start", web.ServeStart)
	r.Get("/reflection", web.ServeReflection)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Post("/session/start", s.handleSessionStart)
		v1.Post("/session/end", s.handleSessionEnd)
		v1.Post("/session/reflection", s.handleSaveReflection)
		v1.Get("/session", s.handleGetSession)

		v1.Get("/settings", s.handleGetSettings)
		v1.Put("/settings", s.handlePutSettings)

		v1.Get("/usage", s.handleGetAllUsage)
		v1.Get("/usage/today", s.handleGetTodayUsage)
		v1.Get("/quota/{siteId}", s.handleGetQuota)

		v1.Post("/navigation", s.handleNavigation)
		v1.Get("/commands", s.handleGetCommands)
	})

	return r
}

// Handler returns the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// SetListener installs a pre-bound listener, used for systemd socket
// activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Info().Str("addr", s.listener.Addr().String()).Msg("API server starting on systemd socket")
			err = s.httpServer.Serve(s.listener)
		} else {
			s.logger.Info().Str("addr", s.httpServer.Addr).Msg("API server starting")
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server failed")
		}
	}()
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(wrapped, r)

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapped.Status()).
			Dur("duration", time.Since(start)).
			Msg("API request")
	})
}

// envelope is the response shape of every command endpoint.
type envelope struct {
	Success bool           `json:"success"`
	Session *quota.Session `json:"session,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeCommandError maps the error taxonomy onto HTTP statuses. Storage
// faults are logged and reported generically; the state transition did
// not happen and the caller should re-query.
func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	switch err.(type) {
	case *session.ValidationError:
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: err.Error()})
	case *session.QuotaExceededError:
		writeJSON(w, http.StatusForbidden, envelope{Success: false, Error: err.Error()})
	case *session.ConflictError:
		writeJSON(w, http.StatusConflict, envelope{Success: false, Error: err.Error()})
	default:
		s.logger.Error().Err(err).Msg("Storage failure")
		writeJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "internal storage failure"})
	}
}
