package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"dream_pipeline/internal/domain"
)

type SettingsService struct {
	store  SettingsStore
	logger *slog.Logger
}

func NewSettingsService(store SettingsStore, logger *slog.Logger) *SettingsService {
	return &SettingsService{
		store:  store,
		logger: logger.With("component", "settings"),
	}
}

// Get returns stored settings merged over the defaults. A stored value that no
// longer decodes is ignored in favour of its default.
func (s *SettingsService) Get(ctx context.Context) (*domain.Settings, error) {
	stored, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	settings := domain.DefaultSettings()
	targets := map[string]any{
		domain.SettingsScheduler: &settings.Scheduler,
		domain.SettingsPrompts:   &settings.Prompts,
		domain.SettingsLimits:    &settings.Limits,
		domain.SettingsSEO:       &settings.SEO,
	}

	for key, target := range targets {
		raw, ok := stored[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, target); err != nil {
			s.logger.Warn("ignoring malformed stored setting", "key", key, "error", err)
		}
	}

	return &settings, nil
}

// Update validates and writes every key present in the update atomically.
// It returns the number of keys written.
func (s *SettingsService) Update(ctx context.Context, update domain.SettingsUpdate) (int, error) {
	if err := update.Validate(); err != nil {
		return 0, err
	}

	values := make(map[string]json.RawMessage)
	add := func(key string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		values[key] = data
		return nil
	}

	if update.Scheduler != nil {
		if err := add(domain.SettingsScheduler, update.Scheduler); err != nil {
			return 0, err
		}
	}
	if update.Prompts != nil {
		if err := add(domain.SettingsPrompts, update.Prompts); err != nil {
			return 0, err
		}
	}
	if update.Limits != nil {
		if err := add(domain.SettingsLimits, update.Limits); err != nil {
			return 0, err
		}
	}
	if update.SEO != nil {
		if err := add(domain.SettingsSEO, update.SEO); err != nil {
			return 0, err
		}
	}

	if len(values) == 0 {
		return 0, nil
	}

	n, err := s.store.UpsertMany(ctx, values)
	if err != nil {
		return 0, fmt.Errorf("save settings: %w", err)
	}

	s.logger.Info("settings updated", "keys", n)
	return n, nil
}
