// Package secrets resolves secret references to values. Values are never
// cached or logged.
package secrets

import (
	"context"
	"errors"
	"fmt"

	"ewsdispatch/internal/config"
	"ewsdispatch/internal/logger"
	"ewsdispatch/pkg/metrics"
)

var ErrNotFound = errors.New("secret not found")

type Store interface {
	Get(ctx context.Context, id string) (string, error)
}

// New builds the store selected by cfg.Secrets.Backend.
func New(ctx context.Context, cfg *config.Config, log logger.Logger) (Store, error) {
	var (
		store Store
		err   error
	)

	switch cfg.Secrets.Backend {
	case "env":
		store = NewEnvStore()
	case "keyring":
		store, err = NewKeyringStore(cfg.ProjectID, cfg.Secrets)
	case "aws":
		store, err = NewAWSStore(ctx, cfg.ProjectID, cfg.Secrets)
	default:
		err = fmt.Errorf("unknown secrets backend %q", cfg.Secrets.Backend)
	}
	if err != nil {
		return nil, err
	}

	log.Infow("Secret store ready", "backend", cfg.Secrets.Backend)
	return &instrumented{store: store, backend: cfg.Secrets.Backend}, nil
}

type instrumented struct {
	store   Store
	backend string
}

func (s *instrumented) Get(ctx context.Context, id string) (string, error) {
	value, err := s.store.Get(ctx, id)
	if err != nil {
		metrics.IncSecretLookup(s.backend, "error")
		return "", err
	}
	metrics.IncSecretLookup(s.backend, "success")
	return value, nil
}
