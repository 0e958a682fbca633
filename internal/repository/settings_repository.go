package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/luminagen/genbot/internal/models"
)

type SettingsRepository struct {
	db *sql.DB
}

func NewSettingsRepository(db *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

func (r *SettingsRepository) Get(ctx context.Context, key string) (*models.Setting, error) {
	const query = `SELECT setting_key, setting_value, COALESCE(description, ''), updated_at FROM system_settings WHERE setting_key = ?`
	row := r.db.QueryRowContext(ctx, query, key)
	var s models.Setting
	if err := row.Scan(&s.Key, &s.Value, &s.Description, &s.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan setting: %w", err)
	}
	return &s, nil
}

func (r *SettingsRepository) GetAll(ctx context.Context) (map[string]string, error) {
	const query = `SELECT setting_key, setting_value FROM system_settings`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

func (r *SettingsRepository) Upsert(ctx context.Context, key, value, description string) error {
	const query = `
INSERT INTO system_settings (setting_key, setting_value, description)
VALUES (?, ?, NULLIF(?, ''))
ON DUPLICATE KEY UPDATE setting_value = VALUES(setting_value), description = COALESCE(VALUES(description), description)`
	if _, err := r.db.ExecContext(ctx, query, key, value, description); err != nil {
		return fmt.Errorf("upsert setting: %w", err)
	}
	return nil
}
