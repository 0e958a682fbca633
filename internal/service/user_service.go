package service

import (
	"context"
	"fmt"

	"github.com/luminagen/genbot/internal/models"
)

// UserStore is the slice of the user repository the services need.
type UserStore interface {
	Ensure(ctx context.Context, telegramID int64, username, firstName, lastName string) (*models.User, bool, error)
	FindByTelegramID(ctx context.Context, telegramID int64) (*models.User, error)
	FindByID(ctx context.Context, id int64) (*models.User, error)
	FindByReferralCode(ctx context.Context, code string) (*models.User, error)
	LinkReferrer(ctx context.Context, userID, referrerID int64) (bool, error)
	SetBanned(ctx context.Context, userID int64, banned bool) error
	ListTelegramIDs(ctx context.Context) ([]int64, error)
}

type UserService struct {
	users UserStore
}

func NewUserService(users UserStore) *UserService {
	return &UserService{users: users}
}

func (s *UserService) Ensure(ctx context.Context, telegramID int64, username, firstName, lastName string) (*models.User, bool, error) {
	user, created, err := s.users.Ensure(ctx, telegramID, username, firstName, lastName)
	if err != nil {
		return nil, false, fmt.Errorf("ensure user: %w", err)
	}
	return user, created, nil
}

func (s *UserService) Get(ctx context.Context, telegramID int64) (*models.User, error) {
	user, err := s.users.FindByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// ApplyReferralCode links the user to the code's owner. The first link wins;
// later submissions for an already-linked user, self-referrals and unknown
// codes all report false without an error.
func (s *UserService) ApplyReferralCode(ctx context.Context, userID int64, code string) (bool, error) {
	if code == "" {
		return false, nil
	}
	referrer, err := s.users.FindByReferralCode(ctx, code)
	if err != nil {
		return false, err
	}
	if referrer == nil || referrer.ID == userID {
		return false, nil
	}
	linked, err := s.users.LinkReferrer(ctx, userID, referrer.ID)
	if err != nil {
		return false, fmt.Errorf("apply referral code: %w", err)
	}
	return linked, nil
}

func (s *UserService) SetBanned(ctx context.Context, telegramID int64, banned bool) error {
	user, err := s.Get(ctx, telegramID)
	if err != nil {
		return err
	}
	return s.users.SetBanned(ctx, user.ID, banned)
}

func (s *UserService) ListTelegramIDs(ctx context.Context) ([]int64, error) {
	ids, err := s.users.ListTelegramIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list telegram ids: %w", err)
	}
	return ids, nil
}
