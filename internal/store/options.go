package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Option keys.
const (
	OptionMonitoringDefaultLevel = "monitoring.default_level"
	OptionWPOrgLastCheck         = "wporg.last_check"
)

// GetOption decodes the JSON value stored under key into dst. A missing key
// returns ErrNotFound and leaves dst untouched.
func (s *Store) GetOption(ctx context.Context, key string, dst any) error {
	var raw string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM options WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("option %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get option %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode option %s: %w", key, err)
	}
	return nil
}

// SetOption stores value as JSON under key.
func (s *Store) SetOption(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode option %s: %w", key, err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO options (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(data), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("set option %s: %w", key, err)
	}
	return nil
}

// LastCheckTime returns the time stored under key, or the zero time when unset.
func (s *Store) LastCheckTime(ctx context.Context, key string) (time.Time, error) {
	var t time.Time
	err := s.GetOption(ctx, key, &t)
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, nil
	}
	return t, err
}
