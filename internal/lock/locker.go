package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// SubmitLocker hands out short-lived per-user locks around the charge
// transaction.
type SubmitLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSubmitLocker(client *redis.Client, ttl time.Duration) *SubmitLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &SubmitLocker{client: client, ttl: ttl}
}

func (s *SubmitLocker) WithUserLock(ctx context.Context, userID int64, fn func() error) error {
	l := NewUserLock(s.client, userID, s.ttl)
	if err := l.Acquire(ctx, 100*time.Millisecond, 30); err != nil {
		return err
	}
	defer l.Release(context.WithoutCancel(ctx))
	return fn()
}
