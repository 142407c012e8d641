package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SaveSetting stores a setting value as JSON, overwriting any previous value.
func (db *DB) SaveSetting(ctx context.Context, key string, value interface{}) error {
	val, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal setting value: %w", err)
	}

	if _, err := db.Pool.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, val); err != nil {
		return fmt.Errorf("failed to save setting to DB: %w", err)
	}

	return nil
}

// GetSetting unmarshals a setting value into target. A missing key leaves
// target untouched, so callers can pre-fill it with a default.
func (db *DB) GetSetting(ctx context.Context, key string, target interface{}) error {
	var val []byte

	err := db.Pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}

		return fmt.Errorf("failed to get setting from DB: %w", err)
	}

	if err := json.Unmarshal(val, target); err != nil {
		return fmt.Errorf("failed to unmarshal setting value: %w", err)
	}

	return nil
}

// SeedSettings inserts defaults only for keys that do not exist yet, so an
// operator's overrides survive restarts and re-installs.
func (db *DB) SeedSettings(ctx context.Context, defaults map[string]interface{}) error {
	for key, value := range defaults {
		val, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal setting default: %w", err)
		}

		if _, err := db.Pool.Exec(ctx, `
			INSERT INTO settings (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO NOTHING
		`, key, val); err != nil {
			return fmt.Errorf("failed to seed setting %s: %w", key, err)
		}
	}

	return nil
}

// GetAllSettings returns every setting as decoded JSON.
func (db *DB) GetAllSettings(ctx context.Context) (map[string]interface{}, error) {
	rows, err := db.Pool.Query(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all settings from DB: %w", err)
	}
	defer rows.Close()

	res := make(map[string]interface{})

	for rows.Next() {
		var (
			key string
			raw []byte
		)

		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}

		var val interface{}
		if err := json.Unmarshal(raw, &val); err != nil {
			continue
		}

		res[key] = val
	}

	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate settings: %w", rows.Err())
	}

	return res, nil
}
