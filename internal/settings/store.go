package settings

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Well-known setting keys. Operators change these live through the admin API;
// nothing caches them past the store TTL.
const (
	KeyTrialLimit          = "trial_limit"
	KeyConcurrencyCap      = "concurrency_cap"
	KeyPriceMarkup         = "price_markup"
	KeyReferralBonusPct    = "referral_bonus_percent"
	KeyCreditsPerStar      = "credits_per_star"
	KeyProviderTimeoutSec  = "provider_timeout_seconds"
	KeyPollIntervalSec     = "poll_interval_seconds"
	KeyMaxSubmitAttempts   = "max_submit_attempts"
	KeySettingsCacheTTLSec = "settings_cache_ttl_seconds"
)

// Defaults used when a key has no row yet.
const (
	DefaultTrialLimit         = 1
	DefaultConcurrencyCap     = 2
	DefaultPriceMarkup        = 0
	DefaultReferralBonusPct   = 10
	DefaultCreditsPerStar     = 20
	DefaultProviderTimeoutSec = 120
	DefaultPollIntervalSec    = 5
	DefaultMaxSubmitAttempts  = 3
	DefaultCacheTTL           = 10 * time.Second
)

// Source is the durable settings storage, usually repository.SettingsRepository.
type Source interface {
	GetAll(ctx context.Context) (map[string]string, error)
	Upsert(ctx context.Context, key, value, description string) error
}

// Store is a TTL-cached view over the system_settings table. Reads inside the
// TTL hit the cache; Set writes through and drops the cache so operator
// changes reach the next operation.
type Store struct {
	source Source
	ttl    time.Duration

	mu        sync.Mutex
	values    map[string]string
	fetchedAt time.Time
}

func NewStore(source Source, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Store{source: source, ttl: ttl}
}

func (s *Store) snapshot(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values != nil && time.Since(s.fetchedAt) < s.ttl {
		return s.values, nil
	}
	values, err := s.source.GetAll(ctx)
	if err != nil {
		if s.values != nil {
			// Serve the stale snapshot rather than failing the operation.
			return s.values, nil
		}
		return nil, fmt.Errorf("load settings: %w", err)
	}
	s.values = values
	s.fetchedAt = time.Now()
	return s.values, nil
}

func (s *Store) Int(ctx context.Context, key string, fallback int) int {
	values, err := s.snapshot(ctx)
	if err != nil {
		return fallback
	}
	raw, ok := values[key]
	if !ok {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func (s *Store) Duration(ctx context.Context, key string, fallbackSeconds int) time.Duration {
	return time.Duration(s.Int(ctx, key, fallbackSeconds)) * time.Second
}

func (s *Store) Set(ctx context.Context, key, value, description string) error {
	if err := s.source.Upsert(ctx, key, value, description); err != nil {
		return err
	}
	s.Invalidate()
	return nil
}

func (s *Store) Invalidate() {
	s.mu.Lock()
	s.values = nil
	s.mu.Unlock()
}

func (s *Store) TrialLimit(ctx context.Context) int {
	return s.Int(ctx, KeyTrialLimit, DefaultTrialLimit)
}

func (s *Store) ConcurrencyCap(ctx context.Context) int {
	return s.Int(ctx, KeyConcurrencyCap, DefaultConcurrencyCap)
}

func (s *Store) PriceMarkup(ctx context.Context) int {
	return s.Int(ctx, KeyPriceMarkup, DefaultPriceMarkup)
}

func (s *Store) ReferralBonusPercent(ctx context.Context) int {
	return s.Int(ctx, KeyReferralBonusPct, DefaultReferralBonusPct)
}

func (s *Store) CreditsPerStar(ctx context.Context) int {
	return s.Int(ctx, KeyCreditsPerStar, DefaultCreditsPerStar)
}

func (s *Store) ProviderTimeout(ctx context.Context) time.Duration {
	return s.Duration(ctx, KeyProviderTimeoutSec, DefaultProviderTimeoutSec)
}

func (s *Store) PollInterval(ctx context.Context) time.Duration {
	return s.Duration(ctx, KeyPollIntervalSec, DefaultPollIntervalSec)
}

func (s *Store) MaxSubmitAttempts(ctx context.Context) int {
	return s.Int(ctx, KeyMaxSubmitAttempts, DefaultMaxSubmitAttempts)
}
