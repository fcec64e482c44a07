package identity

import (
	"context"

	apperrors "ewsdispatch/pkg/errors"
	"ewsdispatch/pkg/models"
)

// SecretStore resolves a secret reference to its value.
type SecretStore interface {
	Get(ctx context.Context, id string) (string, error)
}

type Identity struct {
	Record     SenderRecord
	Credential Credential
}

type Resolver struct {
	policy  *Policy
	secrets SecretStore
}

func NewResolver(policy *Policy, secrets SecretStore) *Resolver {
	return &Resolver{policy: policy, secrets: secrets}
}

// Select applies the recipient policy without touching the secret store.
func (r *Resolver) Select(event *models.EmailEvent) (SenderRecord, error) {
	record, ok := r.policy.Select(event.Recipient)
	if !ok {
		return SenderRecord{}, apperrors.ErrUnauthorizedRecipient.WithDetail("recipient", event.Recipient)
	}
	return record, nil
}

func (r *Resolver) Resolve(ctx context.Context, event *models.EmailEvent) (Identity, error) {
	record, err := r.Select(event)
	if err != nil {
		return Identity{}, err
	}

	secret, err := r.secrets.Get(ctx, record.SenderAccountSecret)
	if err != nil {
		return Identity{}, apperrors.ErrSecretUnavailable.
			WithDetail("secret_id", record.SenderAccountSecret).
			WithCause(err)
	}

	return Identity{
		Record:     record,
		Credential: Credential{Username: record.SenderAccount, Secret: secret},
	}, nil
}
