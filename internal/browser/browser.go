// Package browser is the abstract tab surface the daemon acts on. The real
// tabs live in a browser process; a thin client reports navigations and
// drains pending navigation commands through the API.
package browser

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Tab is one open browser tab as last reported.
type Tab struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Command asks the client to navigate a tab somewhere.
type Command struct {
	TabID string `json:"tabId"`
	URL   string `json:"url"`
}

// Tabs enumerates open tabs and navigates them. The countdown process and
// the rollover scheduler use it for the post-expiry and post-reset
// redirects.
type Tabs interface {
	List(ctx context.Context) ([]Tab, error)
	Navigate(ctx context.Context, tabID, url string) error
}

// staleAfter is how long an unreported tab stays in the registry. Closed
// tabs never report again, so they age out instead of being redirected
// forever.
const staleAfter = 30 * time.Minute

// Registry is the daemon-side Tabs implementation: it tracks tabs from
// reported navigation events and queues Navigate calls as pending commands
// for the client to drain.
type Registry struct {
	mu       sync.Mutex
	tabs     map[string]trackedTab
	pending  map[string][]Command // tabID -> queued navigations
	logger   zerolog.Logger
}

type trackedTab struct {
	url      string
	reported time.Time
}

// NewRegistry creates an empty tab registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		tabs:    make(map[string]trackedTab),
		pending: make(map[string][]Command),
		logger:  logger.With().Str("component", "browser").Logger(),
	}
}

// Report records that tabID is currently showing url.
func (r *Registry) Report(tabID, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tabs[tabID] = trackedTab{url: url, reported: time.Now()}
}

// Forget drops a closed tab and its queued commands.
func (r *Registry) Forget(tabID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tabs, tabID)
	delete(r.pending, tabID)
}

// List returns the known tabs, dropping stale entries.
func (r *Registry) List(ctx context.Context) ([]Tab, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	tabs := make([]Tab, 0, len(r.tabs))
	for id, tab := range r.tabs {
		if now.Sub(tab.reported) > staleAfter {
			delete(r.tabs, id)
			delete(r.pending, id)
			continue
		}
		tabs = append(tabs, Tab{ID: id, URL: tab.url})
	}
	return tabs, nil
}

// Navigate queues a navigation command for tabID and optimistically updates
// the tracked URL so repeated sweeps do not re-queue the same redirect.
func (r *Registry) Navigate(ctx context.Context, tabID, url string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending[tabID] = append(r.pending[tabID], Command{TabID: tabID, URL: url})
	if tab, ok := r.tabs[tabID]; ok {
		tab.url = url
		r.tabs[tabID] = tab
	}
	r.logger.Debug().Str("tab_id", tabID).Str("url", url).Msg("Queued tab navigation")
	return nil
}

// Drain returns and clears the pending commands for tabID.
func (r *Registry) Drain(tabID string) []Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	commands := r.pending[tabID]
	delete(r.pending, tabID)
	return commands
}
