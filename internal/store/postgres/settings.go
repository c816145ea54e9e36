package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"snackkiosk/backend/internal/domain"
	"snackkiosk/backend/internal/store"
)

const (
	settingOperatingConfig = "operating_config"
	settingTracking        = "inventory_tracking"
)

func (s *Store) GetOperatingConfig(ctx context.Context) (domain.RawOperatingConfig, error) {
	var raw []byte
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT value, updated_at FROM kiosk_settings WHERE key = $1
	`, settingOperatingConfig).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RawOperatingConfig{}, store.ErrNotFound
	}
	if err != nil {
		return domain.RawOperatingConfig{}, err
	}

	var cfg domain.RawOperatingConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		// Unreadable rows behave like a missing config so status falls back to defaults.
		return domain.RawOperatingConfig{}, fmt.Errorf("decode operating config: %w", store.ErrNotFound)
	}
	cfg.UpdatedAt = updatedAt.UTC()
	return cfg, nil
}

func (s *Store) SaveOperatingConfig(ctx context.Context, cfg domain.RawOperatingConfig) (domain.RawOperatingConfig, error) {
	cfg.UpdatedAt = s.now()
	raw, err := json.Marshal(cfg)
	if err != nil {
		return domain.RawOperatingConfig{}, err
	}
	var updatedAt time.Time
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO kiosk_settings (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
		RETURNING updated_at
	`, settingOperatingConfig, raw, cfg.UpdatedAt).Scan(&updatedAt)
	if err != nil {
		return domain.RawOperatingConfig{}, err
	}
	cfg.UpdatedAt = updatedAt.UTC()
	return cfg, nil
}

type trackingValue struct {
	Enabled bool `json:"enabled"`
}

func (s *Store) TrackingState(ctx context.Context) (domain.TrackingState, error) {
	return trackingState(ctx, s.db)
}

func (s *Store) SetTrackingEnabled(ctx context.Context, enabled bool) (domain.TrackingState, error) {
	raw, err := json.Marshal(trackingValue{Enabled: enabled})
	if err != nil {
		return domain.TrackingState{}, err
	}
	var updatedAt time.Time
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO kiosk_settings (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
		RETURNING updated_at
	`, settingTracking, raw, s.now()).Scan(&updatedAt)
	if err != nil {
		return domain.TrackingState{}, err
	}
	return domain.TrackingState{Enabled: enabled, UpdatedAt: updatedAt.UTC()}, nil
}

// trackingState defaults to enabled when the setting was never written.
func trackingState(ctx context.Context, q querier) (domain.TrackingState, error) {
	var raw []byte
	var updatedAt time.Time
	err := q.QueryRowContext(ctx, `
		SELECT value, updated_at FROM kiosk_settings WHERE key = $1
	`, settingTracking).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TrackingState{Enabled: true}, nil
	}
	if err != nil {
		return domain.TrackingState{}, err
	}
	var value trackingValue
	if err := json.Unmarshal(raw, &value); err != nil {
		return domain.TrackingState{}, fmt.Errorf("decode tracking setting: %w", err)
	}
	return domain.TrackingState{Enabled: value.Enabled, UpdatedAt: updatedAt.UTC()}, nil
}

func trackingEnabledTx(ctx context.Context, q querier) (bool, error) {
	state, err := trackingState(ctx, q)
	if err != nil {
		return false, err
	}
	return state.Enabled, nil
}
