package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/luminagen/genbot/internal/models"
)

type CatalogRepository struct {
	db *sql.DB
}

func NewCatalogRepository(db *sql.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

const catalogColumns = `id, model_key, display_name, provider, supports_reference, supports_aspect, supports_style, supports_t2i, supports_i2i, is_active, created_at`

func scanCatalogModel(scan func(dest ...any) error) (*models.CatalogModel, error) {
	var m models.CatalogModel
	var ref, aspect, style, t2i, i2i, active int
	if err := scan(&m.ID, &m.Key, &m.DisplayName, &m.Provider, &ref, &aspect, &style, &t2i, &i2i, &active, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan catalog model: %w", err)
	}
	m.SupportsReference = ref != 0
	m.SupportsAspect = aspect != 0
	m.SupportsStyle = style != 0
	m.SupportsT2I = t2i != 0
	m.SupportsI2I = i2i != 0
	m.IsActive = active != 0
	return &m, nil
}

func (r *CatalogRepository) FindByKey(ctx context.Context, key string) (*models.CatalogModel, error) {
	query := `SELECT ` + catalogColumns + ` FROM model_catalog WHERE model_key = ?`
	return scanCatalogModel(r.db.QueryRowContext(ctx, query, key).Scan)
}

func (r *CatalogRepository) List(ctx context.Context) ([]models.CatalogModel, error) {
	query := `SELECT ` + catalogColumns + ` FROM model_catalog ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list catalog models: %w", err)
	}
	defer rows.Close()

	var out []models.CatalogModel
	for rows.Next() {
		m, err := scanCatalogModel(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (r *CatalogRepository) Create(ctx context.Context, m *models.CatalogModel) error {
	const query = `
INSERT INTO model_catalog (model_key, display_name, provider, supports_reference, supports_aspect, supports_style, supports_t2i, supports_i2i, is_active)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	b := func(v bool) int {
		if v {
			return 1
		}
		return 0
	}
	res, err := r.db.ExecContext(ctx, query, m.Key, m.DisplayName, m.Provider,
		b(m.SupportsReference), b(m.SupportsAspect), b(m.SupportsStyle), b(m.SupportsT2I), b(m.SupportsI2I), b(m.IsActive))
	if err != nil {
		return fmt.Errorf("insert catalog model: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	m.ID = id
	return nil
}

func (r *CatalogRepository) SetActive(ctx context.Context, modelID int64, active bool) error {
	value := 0
	if active {
		value = 1
	}
	const query = `UPDATE model_catalog SET is_active = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, value, modelID); err != nil {
		return fmt.Errorf("set model active: %w", err)
	}
	return nil
}

func (r *CatalogRepository) ActivePrice(ctx context.Context, modelID int64) (*models.ModelPrice, error) {
	const query = `
SELECT id, model_id, currency, credits, is_active, created_at, closed_at
FROM model_prices WHERE model_id = ? AND is_active = 1 LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, modelID)
	var p models.ModelPrice
	var active int
	var closed sql.NullTime
	if err := row.Scan(&p.ID, &p.ModelID, &p.Currency, &p.Credits, &active, &p.CreatedAt, &closed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan model price: %w", err)
	}
	p.IsActive = active != 0
	if closed.Valid {
		p.ClosedAt = &closed.Time
	}
	return &p, nil
}

// RotatePrice closes the current active price row and activates the new one
// atomically. Historical rows are kept for audit, never mutated beyond the
// closing timestamp.
func (r *CatalogRepository) RotatePrice(ctx context.Context, modelID int64, credits int) (*models.ModelPrice, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin price tx: %w", err)
	}
	defer tx.Rollback()

	const close = `UPDATE model_prices SET is_active = 0, closed_at = NOW() WHERE model_id = ? AND is_active = 1`
	if _, err := tx.ExecContext(ctx, close, modelID); err != nil {
		return nil, fmt.Errorf("close active price: %w", err)
	}

	const insert = `INSERT INTO model_prices (model_id, currency, credits, is_active) VALUES (?, 'credit', ?, 1)`
	res, err := tx.ExecContext(ctx, insert, modelID, credits)
	if err != nil {
		return nil, fmt.Errorf("insert model price: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit price tx: %w", err)
	}
	return &models.ModelPrice{ID: id, ModelID: modelID, Currency: "credit", Credits: credits, IsActive: true}, nil
}
