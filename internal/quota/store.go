package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/timegateapp/timegate/internal/clock"
	"github.com/timegateapp/timegate/internal/storage"
)

// Store owns the three persisted roots (settings, currentSession,
// dailyUsage) over the abstract key-value service, including migration of
// legacy shapes. It is the single source of truth for "is there an active
// session and how much time remains today per site".
type Store struct {
	kv     storage.KV
	clock  clock.Clock
	logger zerolog.Logger
}

// NewStore creates a quota store over kv.
func NewStore(kv storage.KV, clk clock.Clock, logger zerolog.Logger) *Store {
	return &Store{
		kv:     kv,
		clock:  clk,
		logger: logger.With().Str("component", "quota").Logger(),
	}
}

// KV exposes the underlying key-value service for watch registration.
func (s *Store) KV() storage.KV { return s.kv }

// Clock exposes the store's clock so collaborators share one time source.
func (s *Store) Clock() clock.Clock { return s.clock }

// GetSettings reads settings, migrating legacy shapes and writing defaults
// when nothing is stored yet. Re-reading an already-migrated document is a
// structural no-op.
func (s *Store) GetSettings(ctx context.Context) (Settings, error) {
	raw, err := s.kv.Get(ctx, KeySettings)
	if errors.Is(err, storage.ErrNotFound) {
		defaults := DefaultSettings()
		if err := s.SaveSettings(ctx, defaults); err != nil {
			return Settings{}, err
		}
		return defaults, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}

	settings, err := decodeSettings(raw)
	if err != nil {
		return Settings{}, err
	}

	canonical, err := json.Marshal(settings)
	if err != nil {
		return Settings{}, fmt.Errorf("encode settings: %w", err)
	}
	if !bytes.Equal(raw, canonical) {
		s.logger.Info().Msg("Migrated settings to current schema")
		if err := s.kv.Set(ctx, KeySettings, canonical); err != nil {
			return Settings{}, fmt.Errorf("persist migrated settings: %w", err)
		}
	}
	return settings, nil
}

// SaveSettings overwrites settings unconditionally. Validation is the
// caller's responsibility.
func (s *Store) SaveSettings(ctx context.Context, settings Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := s.kv.Set(ctx, KeySettings, data); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// GetCurrentSession returns the stored session, or nil when none exists.
// Sessions persisted before multi-site support lack a siteId and are
// migrated by attaching the first configured rule.
func (s *Store) GetCurrentSession(ctx context.Context) (*Session, error) {
	raw, err := s.kv.Get(ctx, KeyCurrentSession)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load current session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decode current session: %w", err)
	}

	if session.SiteID == "" {
		settings, err := s.GetSettings(ctx)
		if err != nil {
			return nil, err
		}
		session.SiteID = settings.DefaultSiteRuleID()
		if session.SiteURL == "" && len(settings.SiteRules) > 0 {
			session.SiteURL = settings.SiteRules[0].SiteURL
		}
		s.logger.Info().Str("site_id", session.SiteID).Msg("Migrated legacy session to site rule")
		if err := s.SaveCurrentSession(ctx, &session); err != nil {
			return nil, err
		}
	}
	return &session, nil
}

// SaveCurrentSession persists session; nil removes the key entirely so "no
// active session" is key absence and watchers observe the removal.
func (s *Store) SaveCurrentSession(ctx context.Context, session *Session) error {
	if session == nil {
		if err := s.kv.Delete(ctx, KeyCurrentSession); err != nil {
			return fmt.Errorf("clear current session: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode current session: %w", err)
	}
	if err := s.kv.Set(ctx, KeyCurrentSession, data); err != nil {
		return fmt.Errorf("save current session: %w", err)
	}
	return nil
}

// GetDailyUsage returns the usage entry for date (today when empty),
// normalizing legacy flat entries. Normalization is persisted back at most
// once per date.
func (s *Store) GetDailyUsage(ctx context.Context, date string) (DailyUsage, error) {
	if date == "" {
		date = clock.Today(s.clock)
	}

	entries, err := s.loadUsageMap(ctx)
	if err != nil {
		return DailyUsage{}, err
	}
	settings, err := s.GetSettings(ctx)
	if err != nil {
		return DailyUsage{}, err
	}

	raw := entries[date]
	normalized, err := decodeDailyUsage(raw, settings.DefaultSiteRuleID(), date)
	if err != nil {
		return DailyUsage{}, err
	}

	canonical, err := json.Marshal(normalized)
	if err != nil {
		return DailyUsage{}, fmt.Errorf("encode daily usage: %w", err)
	}
	if raw == nil || !bytes.Equal(raw, canonical) {
		entries[date] = canonical
		if err := s.saveUsageMap(ctx, entries); err != nil {
			return DailyUsage{}, err
		}
	}
	return normalized, nil
}

// SaveDailyUsage merges usage into the map at its date key.
func (s *Store) SaveDailyUsage(ctx context.Context, usage DailyUsage) error {
	entries, err := s.loadUsageMap(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("encode daily usage: %w", err)
	}
	entries[usage.Date] = data
	return s.saveUsageMap(ctx, entries)
}

// AddSessionRecord appends record to today's usage and increments the
// committed total. This is the only way committed usage increases; it must
// not be called twice for the same session.
func (s *Store) AddSessionRecord(ctx context.Context, record SessionRecord) error {
	usage, err := s.GetDailyUsage(ctx, "")
	if err != nil {
		return err
	}

	site, ok := usage.SiteUsage[record.SiteID]
	if !ok {
		site = emptySiteUsage(record.SiteID)
	}
	site.Sessions = append(site.Sessions, record)
	site.TotalUsedMinutes += record.DurationMinutes
	usage.SiteUsage[record.SiteID] = site

	if err := s.SaveDailyUsage(ctx, usage); err != nil {
		return err
	}
	s.logger.Info().
		Str("site_id", record.SiteID).
		Int("duration_minutes", record.DurationMinutes).
		Int("total_used_minutes", site.TotalUsedMinutes).
		Msg("Committed session record")
	return nil
}

// GetAllDailyUsage returns every stored day, normalized, newest first.
func (s *Store) GetAllDailyUsage(ctx context.Context) ([]DailyUsage, error) {
	entries, err := s.loadUsageMap(ctx)
	if err != nil {
		return nil, err
	}
	settings, err := s.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	defaultSiteID := settings.DefaultSiteRuleID()

	result := make([]DailyUsage, 0, len(entries))
	changed := false
	for date, raw := range entries {
		normalized, err := decodeDailyUsage(raw, defaultSiteID, date)
		if err != nil {
			return nil, err
		}
		canonical, err := json.Marshal(normalized)
		if err != nil {
			return nil, fmt.Errorf("encode daily usage: %w", err)
		}
		if !bytes.Equal(raw, canonical) {
			entries[date] = canonical
			changed = true
		}
		result = append(result, normalized)
	}

	if changed {
		if err := s.saveUsageMap(ctx, entries); err != nil {
			return nil, err
		}
	}

	// Lexicographic descending on YYYY-MM-DD is chronological descending.
	sort.Slice(result, func(i, j int) bool {
		return result[i].Date > result[j].Date
	})
	return result, nil
}

// GetRemainingMinutes computes today's remaining budget for a site:
// the rule's daily limit minus committed usage minus the elapsed minutes of
// an in-flight active session on the same site. Never negative; a session
// referencing a since-deleted rule gets a zero quota.
func (s *Store) GetRemainingMinutes(ctx context.Context, siteID string) (int, error) {
	settings, err := s.GetSettings(ctx)
	if err != nil {
		return 0, err
	}
	usage, err := s.GetDailyUsage(ctx, "")
	if err != nil {
		return 0, err
	}
	session, err := s.GetCurrentSession(ctx)
	if err != nil {
		return 0, err
	}

	limit := 0
	if rule, ok := settings.FindRule(siteID); ok {
		limit = rule.DailyLimitMinutes
	}

	used := usage.SiteUsage[siteID].TotalUsedMinutes
	if session != nil && session.IsActive && session.SiteID == siteID {
		elapsedSeconds := session.DurationMinutes*60 - session.RemainingSeconds
		used += elapsedSeconds / 60
	}

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// InitializeStorage writes default settings when none exist. Idempotent;
// safe to call on every process start.
func (s *Store) InitializeStorage(ctx context.Context) error {
	_, err := s.kv.Get(ctx, KeySettings)
	if errors.Is(err, storage.ErrNotFound) {
		return s.SaveSettings(ctx, DefaultSettings())
	}
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	return nil
}

func (s *Store) loadUsageMap(ctx context.Context) (map[string]json.RawMessage, error) {
	raw, err := s.kv.Get(ctx, KeyDailyUsage)
	if errors.Is(err, storage.ErrNotFound) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load daily usage: %w", err)
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode daily usage map: %w", err)
	}
	if entries == nil {
		entries = map[string]json.RawMessage{}
	}
	return entries, nil
}

func (s *Store) saveUsageMap(ctx context.Context, entries map[string]json.RawMessage) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode daily usage map: %w", err)
	}
	if err := s.kv.Set(ctx, KeyDailyUsage, data); err != nil {
		return fmt.Errorf("save daily usage: %w", err)
	}
	return nil
}
