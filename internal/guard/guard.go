package guard

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/timegateapp/timegate/internal/matcher"
	"github.com/timegateapp/timegate/internal/metrics"
	"github.com/timegateapp/timegate/internal/quota"
	"github.com/timegateapp/timegate/internal/session"
)

// Decision is the guard's verdict on one navigation.
type Decision struct {
	Allowed     bool   `json:"allowed"`
	SiteID      string `json:"siteId,omitempty"`
	RedirectURL string `json:"redirectUrl,omitempty"`
}

// Guard gates navigation to governed sites. Ungoverned URLs pass through
// untouched; governed URLs require an active same-site session with time
// remaining, anything else is sent to the session-start screen.
type Guard struct {
	store   *quota.Store
	matcher *matcher.Matcher
	screens session.Screens
	ensure  func()
	logger  zerolog.Logger
}

// New creates a navigation guard. ensure is called on every allowed
// governed navigation to make sure the countdown loop is running; it may
// be nil.
func New(store *quota.Store, m *matcher.Matcher, screens session.Screens, ensure func(), logger zerolog.Logger) *Guard {
	return &Guard{
		store:   store,
		matcher: m,
		screens: screens,
		ensure:  ensure,
		logger:  logger.With().Str("component", "guard").Logger(),
	}
}

// HandleNavigation decides whether the navigation of tabID to url may
// proceed. The redirect URL carries the matched rule's id and the original
// destination so the start screen can send the user back after starting.
func (g *Guard) HandleNavigation(ctx context.Context, tabID, url string) (Decision, error) {
	settings, err := g.store.GetSettings(ctx)
	if err != nil {
		return Decision{}, err
	}

	rule := g.matcher.MatchRule(url, settings.SiteRules, settings.GlobalExcludePatterns)
	if rule == nil {
		metrics.NavigationsChecked.WithLabelValues("pass").Inc()
		return Decision{Allowed: true}, nil
	}

	current, err := g.store.GetCurrentSession(ctx)
	if err != nil {
		return Decision{}, err
	}
	if current != nil && current.IsActive && current.RemainingSeconds > 0 && current.SiteID == rule.ID {
		if g.ensure != nil {
			g.ensure()
		}
		metrics.NavigationsChecked.WithLabelValues("allow").Inc()
		g.logger.Debug().Str("tab_id", tabID).Str("site_id", rule.ID).Msg("Navigation allowed")
		return Decision{Allowed: true, SiteID: rule.ID}, nil
	}

	metrics.NavigationsChecked.WithLabelValues("redirect").Inc()
	g.logger.Info().
		Str("tab_id", tabID).
		Str("site_id", rule.ID).
		Str("url", url).
		Msg("Navigation gated, redirecting to session start")
	return Decision{
		Allowed:     false,
		SiteID:      rule.ID,
		RedirectURL: g.screens.StartURL(rule.ID, url),
	}, nil
}
