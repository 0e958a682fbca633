package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/luminagen/genbot/internal/models"
	"github.com/luminagen/genbot/internal/settings"
)

type LedgerStore interface {
	Balance(ctx context.Context, userID int64) (int, error)
	BalanceAsOf(ctx context.Context, userID, entryID int64) (int, error)
	Post(ctx context.Context, entry *models.LedgerEntry) error
	FindByReference(ctx context.Context, entryType models.EntryType, referenceID string) (*models.LedgerEntry, error)
	ListRecent(ctx context.Context, userID int64, limit int) ([]models.LedgerEntry, error)
}

type PaymentStore interface {
	Confirm(ctx context.Context, payment *models.Payment, referrerID *int64, bonus int) (bool, error)
	FindByCharge(ctx context.Context, chargeID string) (*models.Payment, error)
}

// CreditService owns everything that moves credits outside the generation
// workflow: balances, top-ups, referral settlement and admin postings.
type CreditService struct {
	log      *slog.Logger
	users    UserStore
	ledger   LedgerStore
	payments PaymentStore
	settings *settings.Store
}

func NewCreditService(log *slog.Logger, users UserStore, ledger LedgerStore, payments PaymentStore, st *settings.Store) *CreditService {
	return &CreditService{
		log:      log,
		users:    users,
		ledger:   ledger,
		payments: payments,
		settings: st,
	}
}

func (s *CreditService) Balance(ctx context.Context, telegramID int64) (int, error) {
	user, err := s.users.FindByTelegramID(ctx, telegramID)
	if err != nil {
		return 0, err
	}
	if user == nil {
		return 0, ErrUserNotFound
	}
	return s.ledger.Balance(ctx, user.ID)
}

func (s *CreditService) History(ctx context.Context, telegramID int64, limit int) ([]models.LedgerEntry, error) {
	user, err := s.users.FindByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.ledger.ListRecent(ctx, user.ID, limit)
}

type ConfirmPaymentResult struct {
	CreditsAdded int
	Balance      int
	Duplicate    bool
}

// ReferralBonus computes the referrer's cut for a paid top-up, rounding up.
func ReferralBonus(credits, percent int) int {
	if credits <= 0 || percent <= 0 {
		return 0
	}
	return (credits*percent + 99) / 100
}

// ConfirmPayment records an external payment and credits the payer. The
// operation is idempotent on the provider charge id: a redelivered
// confirmation returns the originally computed result and posts nothing.
// If the payer was referred, the referrer's bonus settles in the same
// transaction as the purchase entry.
func (s *CreditService) ConfirmPayment(ctx context.Context, telegramID int64, chargeID string, grossAmount int, currency string) (*ConfirmPaymentResult, error) {
	if chargeID == "" {
		return nil, fmt.Errorf("%w: empty charge id", ErrValidation)
	}
	if grossAmount <= 0 {
		return nil, fmt.Errorf("%w: non-positive amount", ErrValidation)
	}

	// Redelivery pre-check: a recorded charge id replays the original outcome
	// without touching the payer.
	existing, err := s.payments.FindByCharge(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.replayConfirmation(ctx, existing)
	}

	user, _, err := s.users.Ensure(ctx, telegramID, "", "", "")
	if err != nil {
		return nil, err
	}
	if user.IsBanned {
		return nil, ErrUserBanned
	}

	credits := grossAmount * s.settings.CreditsPerStar(ctx)

	var referrerID *int64
	bonus := 0
	if user.ReferredBy != nil {
		referrerID = user.ReferredBy
		bonus = ReferralBonus(credits, s.settings.ReferralBonusPercent(ctx))
	}

	payment := &models.Payment{
		UserID:         user.ID,
		Provider:       "telegram",
		ProviderCharge: chargeID,
		Currency:       currency,
		GrossAmount:    grossAmount,
		Credits:        credits,
	}
	duplicate, err := s.payments.Confirm(ctx, payment, referrerID, bonus)
	if err != nil {
		return nil, fmt.Errorf("confirm payment: %w", err)
	}
	if duplicate {
		// Lost the insert race against a concurrent delivery of the same
		// charge; payment now holds the winner's row.
		return s.replayConfirmation(ctx, payment)
	}

	balance, err := s.ledger.Balance(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	s.log.Info("payment confirmed", "charge_id", chargeID, "user_id", user.ID, "credits", payment.Credits, "bonus", bonus)

	return &ConfirmPaymentResult{
		CreditsAdded: payment.Credits,
		Balance:      balance,
		Duplicate:    duplicate,
	}, nil
}

// replayConfirmation reproduces the result the first confirmation of this
// payment reported: the credits it added and the payer's balance as of the
// purchase entry, not the balance now. Later ledger activity never leaks into
// a redelivered confirmation.
func (s *CreditService) replayConfirmation(ctx context.Context, payment *models.Payment) (*ConfirmPaymentResult, error) {
	balance := payment.Credits
	entry, err := s.ledger.FindByReference(ctx, models.EntryPurchase, payment.ProviderCharge)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		balance, err = s.ledger.BalanceAsOf(ctx, entry.UserID, entry.ID)
		if err != nil {
			return nil, err
		}
	}
	s.log.Info("duplicate payment confirmation", "charge_id", payment.ProviderCharge, "user_id", payment.UserID)
	return &ConfirmPaymentResult{
		CreditsAdded: payment.Credits,
		Balance:      balance,
		Duplicate:    true,
	}, nil
}

// AddAdminCredit posts a manual adjustment. Positive amounts post as
// admin_credit, negative ones as admin_adjustment; zero is rejected.
func (s *CreditService) AddAdminCredit(ctx context.Context, telegramID int64, amount int, description string) (int, error) {
	if amount == 0 {
		return 0, fmt.Errorf("%w: zero amount", ErrValidation)
	}
	user, err := s.users.FindByTelegramID(ctx, telegramID)
	if err != nil {
		return 0, err
	}
	if user == nil {
		return 0, ErrUserNotFound
	}

	entryType := models.EntryAdminCredit
	if amount < 0 {
		entryType = models.EntryAdminAdjustment
	}
	entry := &models.LedgerEntry{
		UserID:      user.ID,
		Amount:      amount,
		EntryType:   entryType,
		Description: description,
	}
	if err := s.ledger.Post(ctx, entry); err != nil {
		return 0, fmt.Errorf("post admin entry: %w", err)
	}
	s.log.Info("admin credit posted", "user_id", user.ID, "amount", amount)

	return s.ledger.Balance(ctx, user.ID)
}

// AddPromoCredit posts promotional credits to a user.
func (s *CreditService) AddPromoCredit(ctx context.Context, telegramID int64, amount int, reference, description string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: non-positive amount", ErrValidation)
	}
	user, err := s.users.FindByTelegramID(ctx, telegramID)
	if err != nil {
		return 0, err
	}
	if user == nil {
		return 0, ErrUserNotFound
	}

	entry := &models.LedgerEntry{
		UserID:      user.ID,
		Amount:      amount,
		EntryType:   models.EntryPromoCredit,
		ReferenceID: reference,
		Description: description,
	}
	if err := s.ledger.Post(ctx, entry); err != nil {
		return 0, fmt.Errorf("post promo entry: %w", err)
	}
	return s.ledger.Balance(ctx, user.ID)
}
