// Package lock provides a Redis-backed per-user lock for generation
// submissions. The database transaction is the correctness guard; this lock
// keeps concurrent submissions from the same user out of the hot row-lock
// path and turns races into a fast "try again" instead of a deadlock wait.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var ErrNotAcquired = errors.New("lock not acquired")

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end`

type UserLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

func NewUserLock(client *redis.Client, userID int64, ttl time.Duration) *UserLock {
	return &UserLock{
		client: client,
		key:    fmt.Sprintf("genbot:submit:%d", userID),
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Acquire tries SET NX up to attempts times, sleeping retryDelay between
// tries. The token ties the lock to this holder so Release cannot free a
// lock that expired and was re-acquired by someone else.
func (l *UserLock) Acquire(ctx context.Context, retryDelay time.Duration, attempts int) error {
	for i := 0; i < attempts; i++ {
		ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("setnx: %w", err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return ErrNotAcquired
}

func (l *UserLock) Release(ctx context.Context) error {
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
