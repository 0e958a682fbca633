package models

import "time"

type EntryType string

const (
	EntryPurchase        EntryType = "purchase"
	EntryGenerationCost  EntryType = "generation_cost"
	EntryRefund          EntryType = "refund"
	EntryReferralBonus   EntryType = "referral_bonus"
	EntryAdminAdjustment EntryType = "admin_adjustment"
	EntryAdminCredit     EntryType = "admin_credit"
	EntryPromoCredit     EntryType = "promo_credit"
	EntryTrial           EntryType = "trial"
)

type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
	StatusCancelled  RequestStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type User struct {
	ID           int64
	TelegramID   int64
	Username     string
	FirstName    string
	LastName     string
	ReferralCode string
	ReferredBy   *int64
	TrialUsed    int
	IsBanned     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LedgerEntry is one immutable credit movement. Corrections are posted as new
// offsetting entries, never as updates.
type LedgerEntry struct {
	ID          int64
	UserID      int64
	Amount      int
	EntryType   EntryType
	ReferenceID string
	Description string
	CreatedAt   time.Time
}

type CatalogModel struct {
	ID                int64
	Key               string
	DisplayName       string
	Provider          string
	SupportsReference bool
	SupportsAspect    bool
	SupportsStyle     bool
	SupportsT2I       bool
	SupportsI2I       bool
	IsActive          bool
	CreatedAt         time.Time
}

// ModelPrice is one versioned price row; at most one active row per model.
type ModelPrice struct {
	ID        int64
	ModelID   int64
	Currency  string
	Credits   int
	IsActive  bool
	CreatedAt time.Time
	ClosedAt  *time.Time
}

type GenerationRequest struct {
	ID           int64
	PublicID     string
	UserID       int64
	ModelID      int64
	ModelKey     string
	Prompt       string
	Size         string
	AspectRatio  string
	Resolution   string
	Quality      string
	Style        string
	Status       RequestStatus
	Cost         int
	TrialUsed    bool
	ErrorMessage string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// GenerationJob is one provider submission attempt; a request may accumulate
// several jobs across retries but is charged exactly once.
type GenerationJob struct {
	ID          int64
	RequestID   int64
	ProviderJob string
	Status      string
	CreatedAt   time.Time
}

type GenerationResult struct {
	ID        int64
	RequestID int64
	URL       string
	Mime      string
	CreatedAt time.Time
}

type GenerationReference struct {
	ID        int64
	RequestID int64
	URL       string
	CreatedAt time.Time
}

type Payment struct {
	ID             int64
	UserID         int64
	Provider       string
	ProviderCharge string
	Currency       string
	GrossAmount    int
	Credits        int
	Refunded       bool
	CreatedAt      time.Time
}

type TrialUse struct {
	ID        int64
	UserID    int64
	RequestID int64
	CreatedAt time.Time
}

type Setting struct {
	Key         string
	Value       string
	Description string
	UpdatedAt   time.Time
}
