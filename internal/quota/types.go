package quota

// Root keys in the underlying key-value service. The persisted JSON shapes
// are compatible with the data written by earlier schema versions, which is
// what the versioned decoders in decode.go migrate from.
const (
	KeySettings       = "settings"
	KeyCurrentSession = "currentSession"
	KeyDailyUsage     = "dailyUsage"
)

// SiteRule is one governed site: URL patterns plus its own daily minute
// budget. IDs are stable and never reused; deleting a rule orphans its
// historical records, which stay valid but unlabeled.
type SiteRule struct {
	ID                string   `json:"id"`
	Label             string   `json:"label"`
	IncludePatterns   []string `json:"includePatterns"`
	DailyLimitMinutes int      `json:"dailyLimitMinutes"`
	SiteURL           string   `json:"siteUrl,omitempty"`
}

// Settings is the singleton process-wide configuration, read on every quota
// computation and written only through a validated settings save.
type Settings struct {
	PresetMinutes         []int      `json:"presetMinutes"`
	SiteRules             []SiteRule `json:"siteRules"`
	GlobalExcludePatterns []string   `json:"globalExcludePatterns"`
}

// Session is the single in-progress (or just-ended) timed access window.
// At most one exists at a time; "no session" is key absence, not a null
// record, so removal fires the watch mechanism.
type Session struct {
	ID               string `json:"id"`
	StartTime        int64  `json:"startTime"` // epoch ms
	DurationMinutes  int    `json:"durationMinutes"`
	RemainingSeconds int    `json:"remainingSeconds"`
	IsActive         bool   `json:"isActive"`
	SiteID           string `json:"siteId"`
	SiteURL          string `json:"siteUrl,omitempty"`
}

// SessionRecord is the immutable historical artifact created exactly once,
// when a reflection is saved for an expired or ended session. Append-only.
type SessionRecord struct {
	ID              string `json:"id"`
	StartTime       int64  `json:"startTime"`
	EndTime         int64  `json:"endTime"`
	DurationMinutes int    `json:"durationMinutes"`
	Reflection      string `json:"reflection"`
	SiteID          string `json:"siteId"`
	SiteURL         string `json:"siteUrl,omitempty"`
}

// SiteDailyUsage aggregates one site's committed usage for one calendar day.
// TotalUsedMinutes only ever increases, via AddSessionRecord.
type SiteDailyUsage struct {
	SiteID           string          `json:"siteId"`
	TotalUsedMinutes int             `json:"totalUsedMinutes"`
	Sessions         []SessionRecord `json:"sessions"`
}

// DailyUsage is one calendar day's usage across all sites, keyed by local
// date string.
type DailyUsage struct {
	Date      string                    `json:"date"`
	SiteUsage map[string]SiteDailyUsage `json:"siteUsage"`
}

// DefaultSiteID is the rule id legacy single-site data is attached to when
// no configured rule exists to adopt it.
const DefaultSiteID = "default"

// DefaultSettings returns the built-in configuration written on first run.
func DefaultSettings() Settings {
	return Settings{
		PresetMinutes: []int{1, 5, 10, 20},
		SiteRules: []SiteRule{
			{
				ID:                "x",
				Label:             "X (Twitter)",
				IncludePatterns:   []string{`^https?://(twitter|x)\.com(/|$)`},
				DailyLimitMinutes: 30,
				SiteURL:           "https://x.com",
			},
		},
		GlobalExcludePatterns: []string{
			`^https?://(twitter|x)\.com/compose`,
			`^https?://(twitter|x)\.com/messages`,
		},
	}
}

func emptySiteUsage(siteID string) SiteDailyUsage {
	return SiteDailyUsage{
		SiteID:   siteID,
		Sessions: []SessionRecord{},
	}
}

// FindRule returns the rule with the given id, if configured. Sessions may
// reference a since-deleted rule; callers fall back to a zero quota then.
func (s Settings) FindRule(siteID string) (SiteRule, bool) {
	for _, rule := range s.SiteRules {
		if rule.ID == siteID {
			return rule, true
		}
	}
	return SiteRule{}, false
}

// DefaultSiteRuleID returns the first configured rule's id, used when
// adopting legacy records that predate multi-site support.
func (s Settings) DefaultSiteRuleID() string {
	if len(s.SiteRules) > 0 {
		return s.SiteRules[0].ID
	}
	return DefaultSiteID
}
