package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/luminagen/genbot/internal/models"
)

type GenerationRepository struct {
	db *sql.DB
}

func NewGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

// CreateCharged admits, debits and creates the request in one transaction.
// The user row is locked first, so the balance check, the active-request
// count and the debit cannot interleave with another submission by the same
// user. Either the debit entry and the request row both commit or neither
// does.
func (r *GenerationRepository) CreateCharged(ctx context.Context, req *models.GenerationRequest, activeCap int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin charge tx: %w", err)
	}
	defer tx.Rollback()

	if err := lockUser(ctx, tx, req.UserID); err != nil {
		return err
	}

	active, err := countActiveTx(ctx, tx, req.UserID)
	if err != nil {
		return err
	}
	if active >= activeCap {
		return ErrTooManyActive
	}

	var balance int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = ?`, req.UserID).Scan(&balance); err != nil {
		return fmt.Errorf("sum ledger entries: %w", err)
	}
	if balance < req.Cost {
		return ErrInsufficientBalance
	}

	if err := insertRequestTx(ctx, tx, req); err != nil {
		return err
	}

	const debit = `
INSERT INTO ledger_entries (user_id, amount, entry_type, reference_id, description)
VALUES (?, ?, ?, ?, ?)`
	desc := fmt.Sprintf("generation %s (%s)", req.PublicID, req.ModelKey)
	if _, err := tx.ExecContext(ctx, debit, req.UserID, -req.Cost, models.EntryGenerationCost, req.PublicID, desc); err != nil {
		return fmt.Errorf("insert debit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit charge tx: %w", err)
	}
	return nil
}

// CreateTrial creates a request covered by the user's free allowance: no
// ledger debit, a trial_uses row instead. The guarded counter update keeps
// two concurrent submissions from spending the same remaining allowance.
// Trial requests still occupy a provider slot, so the active cap applies.
func (r *GenerationRepository) CreateTrial(ctx context.Context, req *models.GenerationRequest, trialLimit, activeCap int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trial tx: %w", err)
	}
	defer tx.Rollback()

	if err := lockUser(ctx, tx, req.UserID); err != nil {
		return err
	}

	active, err := countActiveTx(ctx, tx, req.UserID)
	if err != nil {
		return err
	}
	if active >= activeCap {
		return ErrTooManyActive
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET trial_used = trial_used + 1, updated_at = NOW() WHERE id = ? AND trial_used < ?`,
		req.UserID, trialLimit)
	if err != nil {
		return fmt.Errorf("consume trial: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("trial rows affected: %w", err)
	}
	if affected == 0 {
		return ErrTrialExhausted
	}

	req.Cost = 0
	req.TrialUsed = true
	if err := insertRequestTx(ctx, tx, req); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO trial_uses (user_id, request_id) VALUES (?, ?)`, req.UserID, req.ID); err != nil {
		return fmt.Errorf("insert trial use: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trial tx: %w", err)
	}
	return nil
}

func lockUser(ctx context.Context, tx *sql.Tx, userID int64) error {
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = ? FOR UPDATE`, userID).Scan(&id); err != nil {
		return fmt.Errorf("lock user row: %w", err)
	}
	return nil
}

func countActiveTx(ctx context.Context, tx *sql.Tx, userID int64) (int, error) {
	const query = `SELECT COUNT(*) FROM generation_requests WHERE user_id = ? AND status IN (?, ?)`
	var count int
	if err := tx.QueryRowContext(ctx, query, userID, models.StatusPending, models.StatusProcessing).Scan(&count); err != nil {
		return 0, fmt.Errorf("count active requests: %w", err)
	}
	return count, nil
}

func insertRequestTx(ctx context.Context, tx *sql.Tx, req *models.GenerationRequest) error {
	const query = `
INSERT INTO generation_requests (public_id, user_id, model_id, prompt, size, aspect_ratio, resolution, quality, style, status, cost, trial_used)
VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?)`
	trial := 0
	if req.TrialUsed {
		trial = 1
	}
	res, err := tx.ExecContext(ctx, query, req.PublicID, req.UserID, req.ModelID, req.Prompt,
		req.Size, req.AspectRatio, req.Resolution, req.Quality, req.Style, req.Status, req.Cost, trial)
	if err != nil {
		return fmt.Errorf("insert generation request: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	req.ID = id
	return nil
}

const requestColumns = `
r.id, r.public_id, r.user_id, r.model_id, m.model_key, r.prompt,
COALESCE(r.size, ''), COALESCE(r.aspect_ratio, ''), COALESCE(r.resolution, ''), COALESCE(r.quality, ''), COALESCE(r.style, ''),
r.status, r.cost, r.trial_used, COALESCE(r.error_message, ''), r.created_at, r.started_at, r.completed_at`

func scanRequest(row *sql.Row) (*models.GenerationRequest, error) {
	var req models.GenerationRequest
	var trial int
	var started, completed sql.NullTime
	if err := row.Scan(&req.ID, &req.PublicID, &req.UserID, &req.ModelID, &req.ModelKey, &req.Prompt,
		&req.Size, &req.AspectRatio, &req.Resolution, &req.Quality, &req.Style,
		&req.Status, &req.Cost, &trial, &req.ErrorMessage, &req.CreatedAt, &started, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan generation request: %w", err)
	}
	req.TrialUsed = trial != 0
	if started.Valid {
		req.StartedAt = &started.Time
	}
	if completed.Valid {
		req.CompletedAt = &completed.Time
	}
	return &req, nil
}

func (r *GenerationRepository) FindByPublicID(ctx context.Context, publicID string) (*models.GenerationRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM generation_requests r JOIN model_catalog m ON m.id = r.model_id WHERE r.public_id = ?`
	return scanRequest(r.db.QueryRowContext(ctx, query, publicID))
}

func (r *GenerationRepository) CountActive(ctx context.Context, userID int64) (int, error) {
	const query = `SELECT COUNT(*) FROM generation_requests WHERE user_id = ? AND status IN (?, ?)`
	var count int
	if err := r.db.QueryRowContext(ctx, query, userID, models.StatusPending, models.StatusProcessing).Scan(&count); err != nil {
		return 0, fmt.Errorf("count active requests: %w", err)
	}
	return count, nil
}

// MarkProcessing records provider acceptance: pending → processing plus a job
// row carrying the provider task id.
func (r *GenerationRepository) MarkProcessing(ctx context.Context, requestID int64, providerJobID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin processing tx: %w", err)
	}
	defer tx.Rollback()

	const update = `UPDATE generation_requests SET status = ?, started_at = NOW() WHERE id = ? AND status = ?`
	res, err := tx.ExecContext(ctx, update, models.StatusProcessing, requestID, models.StatusPending)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("processing rows affected: %w", err)
	} else if affected == 0 {
		return ErrRequestNotFound
	}

	const job = `INSERT INTO generation_jobs (request_id, provider_job_id, status) VALUES (?, ?, 'submitted')`
	if _, err := tx.ExecContext(ctx, job, requestID, providerJobID); err != nil {
		return fmt.Errorf("insert generation job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit processing tx: %w", err)
	}
	return nil
}

// AddJob records a retried provider submission attempt under the same request.
func (r *GenerationRepository) AddJob(ctx context.Context, requestID int64, providerJobID, status string) error {
	const query = `INSERT INTO generation_jobs (request_id, provider_job_id, status) VALUES (?, NULLIF(?, ''), ?)`
	if _, err := r.db.ExecContext(ctx, query, requestID, providerJobID, status); err != nil {
		return fmt.Errorf("insert generation job: %w", err)
	}
	return nil
}

// Complete attaches results and finishes the request. A request that is
// already terminal is left untouched, so a late poll after a refund cannot
// resurrect it.
func (r *GenerationRepository) Complete(ctx context.Context, requestID int64, results []models.GenerationResult) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin complete tx: %w", err)
	}
	defer tx.Rollback()

	status, err := lockRequestStatus(ctx, tx, requestID)
	if err != nil {
		return false, err
	}
	if status.Terminal() {
		return false, nil
	}

	const update = `UPDATE generation_requests SET status = ?, completed_at = NOW() WHERE id = ?`
	if _, err := tx.ExecContext(ctx, update, models.StatusCompleted, requestID); err != nil {
		return false, fmt.Errorf("mark completed: %w", err)
	}
	for _, result := range results {
		const insert = `INSERT INTO generation_results (request_id, url, mime) VALUES (?, ?, NULLIF(?, ''))`
		if _, err := tx.ExecContext(ctx, insert, requestID, result.URL, result.Mime); err != nil {
			return false, fmt.Errorf("insert generation result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit complete tx: %w", err)
	}
	return true, nil
}

// FailAndRefund resolves the request as failed and reverses its debit with an
// offsetting refund entry. It is safe to call from both the submit-failure
// path and the status poller: the first caller wins, the second sees a
// terminal request and does nothing. The refund entry is additionally keyed
// by the request's public id, so even a crash between the terminal check and
// the commit cannot produce a second refund on retry.
func (r *GenerationRepository) FailAndRefund(ctx context.Context, requestID int64, errMsg string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin refund tx: %w", err)
	}
	defer tx.Rollback()

	var publicID string
	var userID int64
	var cost, trial int
	var statusStr string
	const sel = `SELECT public_id, user_id, cost, trial_used, status FROM generation_requests WHERE id = ? FOR UPDATE`
	if err := tx.QueryRowContext(ctx, sel, requestID).Scan(&publicID, &userID, &cost, &trial, &statusStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrRequestNotFound
		}
		return false, fmt.Errorf("lock request row: %w", err)
	}
	if models.RequestStatus(statusStr).Terminal() {
		return false, nil
	}

	const update = `UPDATE generation_requests SET status = ?, error_message = ?, completed_at = NOW() WHERE id = ?`
	if _, err := tx.ExecContext(ctx, update, models.StatusFailed, errMsg, requestID); err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}

	if cost > 0 && trial == 0 {
		var existing int
		const dup = `SELECT COUNT(*) FROM ledger_entries WHERE entry_type = ? AND reference_id = ?`
		if err := tx.QueryRowContext(ctx, dup, models.EntryRefund, publicID).Scan(&existing); err != nil {
			return false, fmt.Errorf("check existing refund: %w", err)
		}
		if existing == 0 {
			const refund = `
INSERT INTO ledger_entries (user_id, amount, entry_type, reference_id, description)
VALUES (?, ?, ?, ?, ?)`
			desc := fmt.Sprintf("refund for generation %s", publicID)
			if _, err := tx.ExecContext(ctx, refund, userID, cost, models.EntryRefund, publicID, desc); err != nil {
				return false, fmt.Errorf("insert refund entry: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit refund tx: %w", err)
	}
	return true, nil
}

// Cancel is the administrative terminal transition. Paid requests are
// refunded the same way failures are.
func (r *GenerationRepository) Cancel(ctx context.Context, requestID int64) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin cancel tx: %w", err)
	}
	defer tx.Rollback()

	var publicID string
	var userID int64
	var cost, trial int
	var statusStr string
	const sel = `SELECT public_id, user_id, cost, trial_used, status FROM generation_requests WHERE id = ? FOR UPDATE`
	if err := tx.QueryRowContext(ctx, sel, requestID).Scan(&publicID, &userID, &cost, &trial, &statusStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrRequestNotFound
		}
		return false, fmt.Errorf("lock request row: %w", err)
	}
	if models.RequestStatus(statusStr).Terminal() {
		return false, nil
	}

	const update = `UPDATE generation_requests SET status = ?, completed_at = NOW() WHERE id = ?`
	if _, err := tx.ExecContext(ctx, update, models.StatusCancelled, requestID); err != nil {
		return false, fmt.Errorf("mark cancelled: %w", err)
	}

	if cost > 0 && trial == 0 {
		var existing int
		const dup = `SELECT COUNT(*) FROM ledger_entries WHERE entry_type = ? AND reference_id = ?`
		if err := tx.QueryRowContext(ctx, dup, models.EntryRefund, publicID).Scan(&existing); err != nil {
			return false, fmt.Errorf("check existing refund: %w", err)
		}
		if existing == 0 {
			const refund = `
INSERT INTO ledger_entries (user_id, amount, entry_type, reference_id, description)
VALUES (?, ?, ?, ?, ?)`
			desc := fmt.Sprintf("refund for cancelled generation %s", publicID)
			if _, err := tx.ExecContext(ctx, refund, userID, cost, models.EntryRefund, publicID, desc); err != nil {
				return false, fmt.Errorf("insert refund entry: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit cancel tx: %w", err)
	}
	return true, nil
}

func lockRequestStatus(ctx context.Context, tx *sql.Tx, requestID int64) (models.RequestStatus, error) {
	var statusStr string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM generation_requests WHERE id = ? FOR UPDATE`, requestID).Scan(&statusStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrRequestNotFound
		}
		return "", fmt.Errorf("lock request row: %w", err)
	}
	return models.RequestStatus(statusStr), nil
}

func (r *GenerationRepository) AddReference(ctx context.Context, requestID int64, url string) error {
	const query = `INSERT INTO generation_references (request_id, url) VALUES (?, ?)`
	if _, err := r.db.ExecContext(ctx, query, requestID, url); err != nil {
		return fmt.Errorf("insert generation reference: %w", err)
	}
	return nil
}

func (r *GenerationRepository) Results(ctx context.Context, requestID int64) ([]models.GenerationResult, error) {
	const query = `SELECT id, request_id, url, COALESCE(mime, ''), created_at FROM generation_results WHERE request_id = ? ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("list generation results: %w", err)
	}
	defer rows.Close()

	var results []models.GenerationResult
	for rows.Next() {
		var res models.GenerationResult
		if err := rows.Scan(&res.ID, &res.RequestID, &res.URL, &res.Mime, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan generation result: %w", err)
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// ActiveRequest pairs a non-terminal request with its newest provider job id
// for the reconciliation poller.
type ActiveRequest struct {
	RequestID     int64
	PublicID      string
	ProviderJobID string
	Status        models.RequestStatus
	CreatedAt     time.Time
}

func (r *GenerationRepository) ListActive(ctx context.Context) ([]ActiveRequest, error) {
	const query = `
SELECT r.id, r.public_id, COALESCE(j.provider_job_id, ''), r.status, r.created_at
FROM generation_requests r
LEFT JOIN generation_jobs j ON j.id = (
    SELECT MAX(id) FROM generation_jobs WHERE request_id = r.id AND provider_job_id IS NOT NULL
)
WHERE r.status IN (?, ?)
ORDER BY r.id`
	rows, err := r.db.QueryContext(ctx, query, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("list active requests: %w", err)
	}
	defer rows.Close()

	var active []ActiveRequest
	for rows.Next() {
		var a ActiveRequest
		var statusStr string
		if err := rows.Scan(&a.RequestID, &a.PublicID, &a.ProviderJobID, &statusStr, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan active request: %w", err)
		}
		a.Status = models.RequestStatus(statusStr)
		active = append(active, a)
	}
	return active, rows.Err()
}
