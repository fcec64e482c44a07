// Package blob fetches attachment bytes by (bucket, path).
package blob

import (
	"context"
	"errors"
	"fmt"

	"ewsdispatch/internal/config"
	"ewsdispatch/pkg/circuitbreaker"
	apperrors "ewsdispatch/pkg/errors"
)

// ErrNotFound marks an object that does not exist. Missing objects are
// still retried: uploads commonly land after the event is published.
var ErrNotFound = errors.New("blob not found")

type Store interface {
	Fetch(ctx context.Context, bucket, path string) ([]byte, error)
	Backend() string
}

func New(ctx context.Context, cfg config.BlobConfig, cb config.CircuitBreakerConfig) (Store, error) {
	var store Store
	switch cfg.Backend {
	case "s3":
		s, err := NewS3Store(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store = s
	case "file":
		store = NewFileStore(cfg.Root)
	default:
		return nil, apperrors.ErrConfiguration.WithDetail("message", fmt.Sprintf("unknown blob backend %q", cfg.Backend))
	}
	return NewCircuitBreakerStore(store, cb), nil
}

type CircuitBreakerStore struct {
	store Store
	cb    *circuitbreaker.Wrapper
}

func NewCircuitBreakerStore(store Store, cfg config.CircuitBreakerConfig) *CircuitBreakerStore {
	if !cfg.Enabled {
		return &CircuitBreakerStore{store: store}
	}

	cbConfig := circuitbreaker.DefaultConfig("blob-" + store.Backend())
	if cfg.MaxRequests > 0 {
		cbConfig.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		cbConfig.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		cbConfig.Timeout = cfg.Timeout
	}
	if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
		cbConfig.ReadyToTrip = circuitbreaker.RatioTrip(cfg.FailureRatio, cfg.MinRequests)
	}
	// A missing object says nothing about the backend's health.
	cbConfig.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, ErrNotFound)
	}

	return &CircuitBreakerStore{store: store, cb: circuitbreaker.NewWrapper(cbConfig)}
}

func (s *CircuitBreakerStore) Fetch(ctx context.Context, bucket, path string) ([]byte, error) {
	return circuitbreaker.Do(ctx, s.cb, func() ([]byte, error) {
		return s.store.Fetch(ctx, bucket, path)
	})
}

func (s *CircuitBreakerStore) Backend() string {
	return s.store.Backend()
}

func (s *CircuitBreakerStore) State() string {
	if s.cb == nil {
		return "disabled"
	}
	return s.cb.State().String()
}
