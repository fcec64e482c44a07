package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"ewsdispatch/internal/config"
)

// KeyringStore reads secrets from the system keyring under a service named
// after the project.
type KeyringStore struct {
	ring keyring.Keyring
}

func NewKeyringStore(projectID string, cfg config.SecretsConfig) (*KeyringStore, error) {
	dir := cfg.KeyringDir
	if dir == "" {
		dir = "~/.config/ews-dispatcher/secrets"
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName: projectID,
		AllowedBackends: []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KeychainBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(cfg.KeyringPassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &KeyringStore{ring: ring}, nil
}

func NewKeyringStoreWith(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring}
}

func (s *KeyringStore) Get(ctx context.Context, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	item, err := s.ring.Get(id)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return "", fmt.Errorf("getting secret %q: %w", id, err)
	}
	return string(item.Data), nil
}
