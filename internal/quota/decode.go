package quota

import (
	"encoding/json"
	"fmt"
)

// Versioned decoders. Each root is parsed as the modern shape first; when a
// document turns out to be a known legacy shape it is normalized to the
// current representation. Callers persist the normalized form back only when
// it differs from what was read, so migration settles after one pass.

// settingsDoc covers both the modern and the legacy settings layout. The
// legacy single-site schema carried a top-level dailyLimitMinutes and no
// siteRules array.
type settingsDoc struct {
	PresetMinutes         []int      `json:"presetMinutes"`
	SiteRules             []SiteRule `json:"siteRules"`
	GlobalExcludePatterns []string   `json:"globalExcludePatterns"`
	DailyLimitMinutes     *int       `json:"dailyLimitMinutes"`
}

func decodeSettings(raw []byte) (Settings, error) {
	var doc settingsDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}

	defaults := DefaultSettings()

	if doc.SiteRules == nil {
		// Legacy shape: synthesize one rule from the old single limit,
		// keep presets, apply default excludes.
		rule := defaults.SiteRules[0]
		if doc.DailyLimitMinutes != nil {
			rule.DailyLimitMinutes = *doc.DailyLimitMinutes
		}
		presets := doc.PresetMinutes
		if presets == nil {
			presets = defaults.PresetMinutes
		}
		return Settings{
			PresetMinutes:         presets,
			SiteRules:             []SiteRule{rule},
			GlobalExcludePatterns: defaults.GlobalExcludePatterns,
		}, nil
	}

	settings := Settings{
		PresetMinutes:         doc.PresetMinutes,
		SiteRules:             doc.SiteRules,
		GlobalExcludePatterns: doc.GlobalExcludePatterns,
	}
	if settings.PresetMinutes == nil {
		settings.PresetMinutes = defaults.PresetMinutes
	}
	if settings.GlobalExcludePatterns == nil {
		settings.GlobalExcludePatterns = defaults.GlobalExcludePatterns
	}
	return settings, nil
}

// dailyUsageDoc covers both the modern multi-site layout and the legacy flat
// layout ({totalUsedMinutes, sessions} with no siteUsage map).
type dailyUsageDoc struct {
	Date             string                    `json:"date"`
	SiteUsage        map[string]SiteDailyUsage `json:"siteUsage"`
	TotalUsedMinutes int                       `json:"totalUsedMinutes"`
	Sessions         []SessionRecord           `json:"sessions"`
}

func decodeDailyUsage(raw []byte, defaultSiteID, date string) (DailyUsage, error) {
	if raw == nil {
		return DailyUsage{Date: date, SiteUsage: map[string]SiteDailyUsage{}}, nil
	}

	var doc dailyUsageDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return DailyUsage{}, fmt.Errorf("decode daily usage: %w", err)
	}
	if doc.Date == "" {
		doc.Date = date
	}

	if doc.SiteUsage == nil {
		// Legacy flat shape: attach everything to the default site.
		sessions := doc.Sessions
		if sessions == nil {
			sessions = []SessionRecord{}
		}
		for i := range sessions {
			if sessions[i].SiteID == "" {
				sessions[i].SiteID = defaultSiteID
			}
		}
		return DailyUsage{
			Date: doc.Date,
			SiteUsage: map[string]SiteDailyUsage{
				defaultSiteID: {
					SiteID:           defaultSiteID,
					TotalUsedMinutes: doc.TotalUsedMinutes,
					Sessions:         sessions,
				},
			},
		}, nil
	}

	normalized := make(map[string]SiteDailyUsage, len(doc.SiteUsage))
	for siteID, usage := range doc.SiteUsage {
		usage.SiteID = siteID
		if usage.Sessions == nil {
			usage.Sessions = []SessionRecord{}
		}
		for i := range usage.Sessions {
			if usage.Sessions[i].SiteID == "" {
				usage.Sessions[i].SiteID = siteID
			}
		}
		normalized[siteID] = usage
	}
	return DailyUsage{Date: doc.Date, SiteUsage: normalized}, nil
}
