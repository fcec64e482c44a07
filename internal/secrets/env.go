package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvStore reads secret id FOO-bar from the environment variable FOO_BAR.
type EnvStore struct {
	lookup func(string) (string, bool)
}

func NewEnvStore() *EnvStore {
	return &EnvStore{lookup: os.LookupEnv}
}

func (s *EnvStore) Get(_ context.Context, id string) (string, error) {
	name := envName(id)
	value, ok := s.lookup(name)
	if !ok || value == "" {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return value, nil
}

func envName(id string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, id))
}
