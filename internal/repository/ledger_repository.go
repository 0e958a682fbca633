package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/luminagen/genbot/internal/models"
)

// LedgerRepository is the append-only credit ledger. Entries are never
// updated or deleted; a correction is always a new offsetting entry, and a
// user's balance is the sum of their entries.
type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) Balance(ctx context.Context, userID int64) (int, error) {
	const query = `SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = ?`
	var balance int
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("sum ledger entries: %w", err)
	}
	return balance, nil
}

// BalanceAsOf sums the user's entries up to and including entryID. Replayed
// payment confirmations use it to reproduce the balance the original call
// reported.
func (r *LedgerRepository) BalanceAsOf(ctx context.Context, userID, entryID int64) (int, error) {
	const query = `SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = ? AND id <= ?`
	var balance int
	if err := r.db.QueryRowContext(ctx, query, userID, entryID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("sum ledger entries as of %d: %w", entryID, err)
	}
	return balance, nil
}

// Post appends one entry outside any caller transaction. Flows that gate on
// the balance use the transactional variants on GenerationRepository and
// PaymentRepository instead, so the check and the posting commit together.
func (r *LedgerRepository) Post(ctx context.Context, entry *models.LedgerEntry) error {
	const query = `
INSERT INTO ledger_entries (user_id, amount, entry_type, reference_id, description)
VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''))`
	res, err := r.db.ExecContext(ctx, query, entry.UserID, entry.Amount, entry.EntryType, entry.ReferenceID, entry.Description)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	entry.ID = id
	return nil
}

// FindByReference returns the first entry of the given type correlated to an
// external reference, or nil. Retried flows use it as their idempotence check.
func (r *LedgerRepository) FindByReference(ctx context.Context, entryType models.EntryType, referenceID string) (*models.LedgerEntry, error) {
	const query = `
SELECT id, user_id, amount, entry_type, COALESCE(reference_id, ''), COALESCE(description, ''), created_at
FROM ledger_entries WHERE entry_type = ? AND reference_id = ? LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, entryType, referenceID)
	var e models.LedgerEntry
	if err := row.Scan(&e.ID, &e.UserID, &e.Amount, &e.EntryType, &e.ReferenceID, &e.Description, &e.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}
	return &e, nil
}

func (r *LedgerRepository) ListRecent(ctx context.Context, userID int64, limit int) ([]models.LedgerEntry, error) {
	const query = `
SELECT id, user_id, amount, entry_type, COALESCE(reference_id, ''), COALESCE(description, ''), created_at
FROM ledger_entries WHERE user_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.EntryType, &e.ReferenceID, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
