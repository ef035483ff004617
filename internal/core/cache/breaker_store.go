package cache

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/logging"
	"github.com/markdave123-py/docpipe/internal/models"
)

type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker. Defaults to 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open. Defaults to 30s.
	OpenTimeout time.Duration
}

// BreakerStore wraps a remote store so that a failing backend answers
// immediately with gobreaker.ErrOpenState instead of waiting on timeouts.
// ErrNotFound is a normal answer and never counts as a failure.
type BreakerStore struct {
	inner core.CacheStore
	cb    *gobreaker.CircuitBreaker
}

func NewBreakerStore(name string, inner core.CacheStore, cfg BreakerConfig, logger *zap.Logger) *BreakerStore {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	logger = logging.OrNop(logger).Named("cache.breaker")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, core.ErrNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("cache store breaker state change",
				zap.String("store", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &BreakerStore{inner: inner, cb: cb}
}

// State exposes the breaker state for health reporting.
func (s *BreakerStore) State() gobreaker.State {
	return s.cb.State()
}

func (s *BreakerStore) Load(ctx context.Context, key core.CacheKey) (*models.CacheRecord, error) {
	v, err := s.cb.Execute(func() (interface{}, error) {
		return s.inner.Load(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.CacheRecord), nil
}

func (s *BreakerStore) Save(ctx context.Context, key core.CacheKey, rec *models.CacheRecord) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.inner.Save(ctx, key, rec)
	})
	return err
}

func (s *BreakerStore) Delete(ctx context.Context, key core.CacheKey) (bool, error) {
	v, err := s.cb.Execute(func() (interface{}, error) {
		return s.inner.Delete(ctx, key)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// DeleteIfExpired reports false without touching the store when the wrapped
// store has no conditional delete.
func (s *BreakerStore) DeleteIfExpired(ctx context.Context, key core.CacheKey, now time.Time) (bool, error) {
	inner, ok := s.inner.(core.ExpiryDeleter)
	if !ok {
		return false, nil
	}
	v, err := s.cb.Execute(func() (interface{}, error) {
		return inner.DeleteIfExpired(ctx, key, now)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *BreakerStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	v, err := s.cb.Execute(func() (interface{}, error) {
		return s.inner.DeleteExpired(ctx, now)
	})
	n, _ := v.(int)
	return n, err
}

func (s *BreakerStore) Count(ctx context.Context) (int, error) {
	v, err := s.cb.Execute(func() (interface{}, error) {
		return s.inner.Count(ctx)
	})
	n, _ := v.(int)
	return n, err
}
