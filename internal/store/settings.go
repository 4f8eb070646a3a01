package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// SetSetting writes a raw string value, keyed by key (spec §3 "Setting").
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("store: set setting %s: %w", key, err)
	}
	return nil
}

// GetSetting returns the raw string value for key, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key)
	var v string
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return v, nil
}

// GetSettingString returns the setting value, or def if unset.
func (s *Store) GetSettingString(ctx context.Context, key, def string) string {
	v, err := s.GetSetting(ctx, key)
	if err != nil {
		return def
	}
	return v
}

// GetSettingBool parses the setting as a bool, or returns def if unset or
// unparseable.
func (s *Store) GetSettingBool(ctx context.Context, key string, def bool) bool {
	v, err := s.GetSetting(ctx, key)
	if err != nil {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// SetSettingBool stores a bool setting.
func (s *Store) SetSettingBool(ctx context.Context, key string, value bool) error {
	return s.SetSetting(ctx, key, strconv.FormatBool(value))
}

// GetSettingInt64 parses the setting as an int64, or returns def if unset or
// unparseable.
func (s *Store) GetSettingInt64(ctx context.Context, key string, def int64) int64 {
	v, err := s.GetSetting(ctx, key)
	if err != nil {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// SetSettingInt64 stores an int64 setting.
func (s *Store) SetSettingInt64(ctx context.Context, key string, value int64) error {
	return s.SetSetting(ctx, key, strconv.FormatInt(value, 10))
}

// GetSettingFloat64 parses the setting as a float64, or returns def if unset
// or unparseable.
func (s *Store) GetSettingFloat64(ctx context.Context, key string, def float64) float64 {
	v, err := s.GetSetting(ctx, key)
	if err != nil {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// SetSettingFloat64 stores a float64 setting.
func (s *Store) SetSettingFloat64(ctx context.Context, key string, value float64) error {
	return s.SetSetting(ctx, key, strconv.FormatFloat(value, 'f', -1, 64))
}

// GetSettingJSON unmarshals the setting value into out, leaving out
// untouched if the key is unset.
func (s *Store) GetSettingJSON(ctx context.Context, key string, out any) error {
	v, err := s.GetSetting(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return json.Unmarshal([]byte(v), out)
}

// SetSettingJSON marshals value and stores it under key.
func (s *Store) SetSettingJSON(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal setting %s: %w", key, err)
	}
	return s.SetSetting(ctx, key, string(b))
}

// AllSettings returns every setting row.
func (s *Store) AllSettings(ctx context.Context) ([]Setting, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Setting
	for rows.Next() {
		var st Setting
		if err := rows.Scan(&st.Key, &st.Value); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListThemes returns every seeded theme row.
func (s *Store) ListThemes(ctx context.Context) ([]Theme, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT local_id, name, is_dark, json FROM themes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Theme
	for rows.Next() {
		var t Theme
		var isDark int
		if err := rows.Scan(&t.LocalID, &t.Name, &isDark, &t.JSON); err != nil {
			return nil, err
		}
		t.IsDark = isDark != 0
		out = append(out, t)
	}
	return out, rows.Err()
}
