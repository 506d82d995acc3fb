package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/timegateapp/timegate/internal/browser"
	"github.com/timegateapp/timegate/internal/quota"
	"github.com/timegateapp/timegate/internal/session"
)

type startSessionRequest struct {
	DurationMinutes int    `json:"durationMinutes"`
	SiteID          string `json:"siteId"`
	SiteURL         string `json:"siteUrl,omitempty"`
}

type reflectionRequest struct {
	Reflection string `json:"reflection"`
}

type navigationRequest struct {
	TabID string `json:"tabId"`
	URL   string `json:"url"`
	Event string `json:"event"` // "updated" or "created"
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid JSON payload"})
		return
	}

	created, err := s.machine.Start(r.Context(), req.DurationMinutes, req.SiteID, req.SiteURL)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	if s.ticker != nil {
		s.ticker.Start()
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Session: created})
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.End(r.Context()); err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (s *Server) handleSaveReflection(w http.ResponseWriter, r *http.Request) {
	var req reflectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid JSON payload"})
		return
	}

	if err := s.machine.SaveReflection(r.Context(), req.Reflection); err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

// handleGetSession never errors; internal failures read as no-session so
// display surfaces degrade to the idle state.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	current, err := s.machine.Store().GetCurrentSession(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load session state")
		current = nil
	}
	writeJSON(w, http.StatusOK, map[string]*quota.Session{"session": current})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.machine.Store().GetSettings(r.Context())
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "settings": settings})
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var settings quota.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid JSON payload"})
		return
	}

	if err := s.validateSettings(settings); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: err.Error()})
		return
	}
	sort.Ints(settings.PresetMinutes)

	if err := s.machine.Store().SaveSettings(r.Context(), settings); err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (s *Server) validateSettings(settings quota.Settings) error {
	if len(settings.PresetMinutes) == 0 {
		return &session.ValidationError{Message: "at least one preset duration is required"}
	}
	seen := make(map[int]bool, len(settings.PresetMinutes))
	for _, preset := range settings.PresetMinutes {
		if preset <= 0 {
			return &session.ValidationError{Message: "preset durations must be positive"}
		}
		if seen[preset] {
			return &session.ValidationError{Message: "duplicate preset duration"}
		}
		seen[preset] = true
	}

	if len(settings.SiteRules) == 0 {
		return &session.ValidationError{Message: "at least one site rule is required"}
	}
	ids := make(map[string]bool, len(settings.SiteRules))
	for _, rule := range settings.SiteRules {
		if strings.TrimSpace(rule.ID) == "" {
			return &session.ValidationError{Message: "site rule id must not be empty"}
		}
		if ids[rule.ID] {
			return &session.ValidationError{Message: "duplicate site rule id: " + rule.ID}
		}
		ids[rule.ID] = true
		if rule.DailyLimitMinutes <= 0 {
			return &session.ValidationError{Message: "daily limit must be positive for site " + rule.ID}
		}
		if len(rule.IncludePatterns) == 0 {
			return &session.ValidationError{Message: "site " + rule.ID + " needs at least one include pattern"}
		}
		if invalid := s.matcher.FindInvalid(rule.IncludePatterns); len(invalid) > 0 {
			return &session.ValidationError{Message: "invalid pattern: " + strings.Join(invalid, ", ")}
		}
	}

	if invalid := s.matcher.FindInvalid(settings.GlobalExcludePatterns); len(invalid) > 0 {
		return &session.ValidationError{Message: "invalid exclude pattern: " + strings.Join(invalid, ", ")}
	}
	return nil
}

// maxUsageEntries caps the history view at roughly a month.
const maxUsageEntries = 30

func (s *Server) handleGetAllUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.machine.Store().GetAllDailyUsage(r.Context())
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	if len(usage) > maxUsageEntries {
		usage = usage[:maxUsageEntries]
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "usage": usage})
}

func (s *Server) handleGetTodayUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.machine.Store().GetDailyUsage(r.Context(), "")
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "usage": usage})
}

func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteId")

	settings, err := s.machine.Store().GetSettings(r.Context())
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	if _, ok := settings.FindRule(siteID); !ok {
		writeJSON(w, http.StatusNotFound, envelope{Success: false, Error: "unknown site " + siteID})
		return
	}

	remaining, err := s.machine.Store().GetRemainingMinutes(r.Context(), siteID)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "siteId": siteID, "remainingMinutes": remaining})
}

func (s *Server) handleNavigation(w http.ResponseWriter, r *http.Request) {
	var req navigationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid JSON payload"})
		return
	}
	if req.TabID == "" || req.URL == "" {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "tabId and url are required"})
		return
	}

	s.registry.Report(req.TabID, req.URL)

	decision, err := s.guard.HandleNavigation(r.Context(), req.TabID, req.URL)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	if decision.Allowed {
		writeJSON(w, http.StatusOK, map[string]any{"action": "allow", "siteId": decision.SiteID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"action":      "redirect",
		"siteId":      decision.SiteID,
		"redirectUrl": decision.RedirectURL,
	})
}

// handleGetCommands drains pending navigation commands for one tab. The
// client polls this after reporting navigations.
func (s *Server) handleGetCommands(w http.ResponseWriter, r *http.Request) {
	tabID := r.URL.Query().Get("tab")
	if tabID == "" {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "tab query parameter is required"})
		return
	}

	commands := s.registry.Drain(tabID)
	if commands == nil {
		commands = []browser.Command{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "commands": commands})
}
