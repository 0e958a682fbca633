package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/luminagen/genbot/internal/models"
)

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

const paymentColumns = `id, user_id, provider, provider_charge_id, currency, gross_amount, credits, refunded, created_at`

func scanPayment(row *sql.Row) (*models.Payment, error) {
	var p models.Payment
	var refunded int
	if err := row.Scan(&p.ID, &p.UserID, &p.Provider, &p.ProviderCharge, &p.Currency, &p.GrossAmount, &p.Credits, &refunded, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	p.Refunded = refunded != 0
	return &p, nil
}

func (r *PaymentRepository) FindByCharge(ctx context.Context, chargeID string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_ledger WHERE provider_charge_id = ?`
	return scanPayment(r.db.QueryRowContext(ctx, query, chargeID))
}

// Confirm records a payment, credits the payer and settles the referral bonus
// in one transaction. The unique index on provider_charge_id is the
// idempotence guard: a redelivered confirmation loses the insert and gets the
// original row back instead of crediting twice. The bonus entry reuses the
// charge id as its reference, so it inherits the same guarantee.
func (r *PaymentRepository) Confirm(ctx context.Context, payment *models.Payment, referrerID *int64, bonus int) (duplicate bool, err error) {
	existing, err := r.FindByCharge(ctx, payment.ProviderCharge)
	if err != nil {
		return false, err
	}
	if existing != nil {
		*payment = *existing
		return true, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin payment tx: %w", err)
	}
	defer tx.Rollback()

	const insert = `
INSERT INTO payment_ledger (user_id, provider, provider_charge_id, currency, gross_amount, credits)
VALUES (?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, insert, payment.UserID, payment.Provider, payment.ProviderCharge, payment.Currency, payment.GrossAmount, payment.Credits)
	if err != nil {
		if isDuplicateEntry(err) {
			// Lost the race against a concurrent delivery of the same charge.
			tx.Rollback()
			existing, ferr := r.FindByCharge(ctx, payment.ProviderCharge)
			if ferr != nil {
				return false, ferr
			}
			if existing != nil {
				*payment = *existing
				return true, nil
			}
		}
		return false, fmt.Errorf("insert payment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("last insert id: %w", err)
	}
	payment.ID = id

	const credit = `
INSERT INTO ledger_entries (user_id, amount, entry_type, reference_id, description)
VALUES (?, ?, ?, ?, ?)`
	desc := fmt.Sprintf("top-up %d %s", payment.GrossAmount, payment.Currency)
	if _, err := tx.ExecContext(ctx, credit, payment.UserID, payment.Credits, models.EntryPurchase, payment.ProviderCharge, desc); err != nil {
		return false, fmt.Errorf("insert purchase entry: %w", err)
	}

	if referrerID != nil && bonus > 0 {
		bonusDesc := fmt.Sprintf("referral bonus for charge %s", payment.ProviderCharge)
		if _, err := tx.ExecContext(ctx, credit, *referrerID, bonus, models.EntryReferralBonus, payment.ProviderCharge, bonusDesc); err != nil {
			return false, fmt.Errorf("insert referral bonus entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit payment tx: %w", err)
	}
	return false, nil
}
