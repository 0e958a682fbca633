package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyReferralCode(t *testing.T) {
	ctx := context.Background()
	users := newFakeUserStore()
	svc := NewUserService(users)

	referrer, _, err := users.Ensure(ctx, 100, "referrer", "", "")
	require.NoError(t, err)
	userA, _, err := users.Ensure(ctx, 200, "a", "", "")
	require.NoError(t, err)

	t.Run("unknown code is a quiet no-op", func(t *testing.T) {
		linked, err := svc.ApplyReferralCode(ctx, userA.ID, "nope")
		require.NoError(t, err)
		assert.False(t, linked)
	})

	t.Run("empty code is a quiet no-op", func(t *testing.T) {
		linked, err := svc.ApplyReferralCode(ctx, userA.ID, "")
		require.NoError(t, err)
		assert.False(t, linked)
	})

	t.Run("self referral rejected", func(t *testing.T) {
		linked, err := svc.ApplyReferralCode(ctx, referrer.ID, referrer.ReferralCode)
		require.NoError(t, err)
		assert.False(t, linked)
	})

	t.Run("first link wins", func(t *testing.T) {
		linked, err := svc.ApplyReferralCode(ctx, userA.ID, referrer.ReferralCode)
		require.NoError(t, err)
		assert.True(t, linked)

		other, _, err := users.Ensure(ctx, 300, "other", "", "")
		require.NoError(t, err)
		linked, err = svc.ApplyReferralCode(ctx, userA.ID, other.ReferralCode)
		require.NoError(t, err)
		assert.False(t, linked)

		got, err := users.FindByID(ctx, userA.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ReferredBy)
		assert.Equal(t, referrer.ID, *got.ReferredBy)
	})
}

func TestSetBannedUnknownUser(t *testing.T) {
	svc := NewUserService(newFakeUserStore())
	err := svc.SetBanned(context.Background(), 999, true)
	assert.ErrorIs(t, err, ErrUserNotFound)
}
