package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/luminagen/genbot/internal/models"
)

const mysqlErrDuplicateEntry = 1062

func isDuplicateEntry(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlErrDuplicateEntry
}

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, telegram_id, COALESCE(username, ''), COALESCE(first_name, ''), COALESCE(last_name, ''), referral_code, referred_by, trial_used, is_banned, created_at, updated_at`

func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	var referredBy sql.NullInt64
	var banned int
	if err := row.Scan(&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.LastName, &u.ReferralCode, &referredBy, &u.TrialUsed, &banned, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if referredBy.Valid {
		u.ReferredBy = &referredBy.Int64
	}
	u.IsBanned = banned != 0
	return &u, nil
}

func (r *UserRepository) FindByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE telegram_id = ?`
	return scanUser(r.db.QueryRowContext(ctx, query, telegramID))
}

func (r *UserRepository) FindByID(ctx context.Context, id int64) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

func (r *UserRepository) FindByReferralCode(ctx context.Context, code string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE referral_code = ?`
	return scanUser(r.db.QueryRowContext(ctx, query, code))
}

func (r *UserRepository) create(ctx context.Context, user *models.User) error {
	const query = `
INSERT INTO users (telegram_id, username, first_name, last_name, referral_code)
VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?)`
	res, err := r.db.ExecContext(ctx, query, user.TelegramID, user.Username, user.FirstName, user.LastName, user.ReferralCode)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	user.ID = id
	return nil
}

// hasProfile reports whether the caller carried any Telegram profile data.
// Internal flows that only know the telegram id pass empty fields; those must
// not reach UpdateProfile.
func hasProfile(username, firstName, lastName string) bool {
	return username != "" || firstName != "" || lastName != ""
}

// Ensure gets or creates the user keyed on telegram id. Two concurrent first
// contacts race on the unique telegram_id index; the loser of the insert
// re-reads the winner's row.
func (r *UserRepository) Ensure(ctx context.Context, telegramID int64, username, firstName, lastName string) (*models.User, bool, error) {
	user, err := r.FindByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, false, err
	}
	if user != nil {
		if hasProfile(username, firstName, lastName) {
			go func() {
				_ = r.UpdateProfile(context.Background(), user.ID, username, firstName, lastName)
			}()
		}
		return user, false, nil
	}

	newUser := &models.User{
		TelegramID:   telegramID,
		Username:     username,
		FirstName:    firstName,
		LastName:     lastName,
		ReferralCode: uuid.NewString(),
	}
	if err := r.create(ctx, newUser); err != nil {
		if isDuplicateEntry(err) {
			existing, ferr := r.FindByTelegramID(ctx, telegramID)
			if ferr != nil {
				return nil, false, ferr
			}
			if existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("insert user: %w", err)
	}
	return newUser, true, nil
}

// UpdateProfile refreshes the stored Telegram profile. Empty fields keep the
// stored value; Telegram never clears a name, it only changes it.
func (r *UserRepository) UpdateProfile(ctx context.Context, userID int64, username, firstName, lastName string) error {
	const query = `
UPDATE users
SET username = COALESCE(NULLIF(?, ''), username),
    first_name = COALESCE(NULLIF(?, ''), first_name),
    last_name = COALESCE(NULLIF(?, ''), last_name),
    updated_at = NOW()
WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, username, firstName, lastName, userID); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// LinkReferrer sets referred_by once. A user who already has a referrer keeps
// it; the call then reports false without touching the row.
func (r *UserRepository) LinkReferrer(ctx context.Context, userID, referrerID int64) (bool, error) {
	const query = `UPDATE users SET referred_by = ?, updated_at = NOW() WHERE id = ? AND referred_by IS NULL AND id <> ?`
	res, err := r.db.ExecContext(ctx, query, referrerID, userID, referrerID)
	if err != nil {
		return false, fmt.Errorf("link referrer: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("link referrer rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *UserRepository) SetBanned(ctx context.Context, userID int64, banned bool) error {
	value := 0
	if banned {
		value = 1
	}
	const query = `UPDATE users SET is_banned = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, value, userID); err != nil {
		return fmt.Errorf("set banned: %w", err)
	}
	return nil
}

func (r *UserRepository) ListTelegramIDs(ctx context.Context) ([]int64, error) {
	const query = `SELECT telegram_id FROM users WHERE is_banned = 0`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list telegram ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan telegram id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
