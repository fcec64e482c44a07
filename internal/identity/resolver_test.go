package identity

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "ewsdispatch/pkg/errors"
	"ewsdispatch/pkg/models"
)

type fakeSecrets struct {
	values map[string]string
	err    error
	calls  int
}

func (f *fakeSecrets) Get(_ context.Context, id string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.values[id]
	if !ok {
		return "", fmt.Errorf("secret %s not found", id)
	}
	return v, nil
}

func hardcodedMapping() map[string]SenderRecord {
	return map[string]SenderRecord{
		"orders@example.com": {
			SenderAccount:       "robot@corp.example",
			SenderAccountSecret: "robot-secret",
			RecipientEmail:      "backoffice@corp.example",
		},
	}
}

func event(recipient string) *models.EmailEvent {
	return models.NewEventBuilder().
		WithSender("customer@example.org").
		WithRecipient(recipient).
		WithSubject("hello").
		Build()
}

func TestResolver_HardcodedKnownRecipient(t *testing.T) {
	policy, err := NewHardcodedPolicy(hardcodedMapping())
	require.NoError(t, err)
	secrets := &fakeSecrets{values: map[string]string{"robot-secret": "s3cr3t"}}

	id, err := NewResolver(policy, secrets).Resolve(context.Background(), event("orders@example.com"))
	require.NoError(t, err)

	assert.Equal(t, "robot@corp.example", id.Record.SenderAccount)
	assert.Equal(t, "s3cr3t", id.Credential.Secret)
	assert.Equal(t, "robot@corp.example", id.Credential.Username)
	assert.Equal(t, "backoffice@corp.example", id.Record.Destination(event("orders@example.com")))
}

func TestResolver_HardcodedUnknownRecipient(t *testing.T) {
	policy, err := NewHardcodedPolicy(hardcodedMapping())
	require.NoError(t, err)
	secrets := &fakeSecrets{}

	_, err = NewResolver(policy, secrets).Resolve(context.Background(), event("stranger@example.com"))

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorizedRecipient)
	assert.True(t, apperrors.IsRejection(err))
	assert.False(t, apperrors.IsRetryable(err))
	assert.Zero(t, secrets.calls, "secret store must not be consulted for rejected events")
}

func TestResolver_HardcodedMatchIsExact(t *testing.T) {
	policy, err := NewHardcodedPolicy(hardcodedMapping())
	require.NoError(t, err)

	_, err = NewResolver(policy, &fakeSecrets{}).Resolve(context.Background(), event("Orders@Example.com"))
	assert.ErrorIs(t, err, apperrors.ErrUnauthorizedRecipient)
}

func TestResolver_OpenModeUsesStandard(t *testing.T) {
	policy, err := NewPolicy(false, map[string]SenderRecord{
		StandardKey: {SenderAccount: "a@corp.example", SenderAccountSecret: "a-secret"},
	})
	require.NoError(t, err)
	assert.Equal(t, ModeOpen, policy.Mode())

	resolver := NewResolver(policy, &fakeSecrets{values: map[string]string{"a-secret": "pw"}})

	for _, recipient := range []string{"x@example.com", "y@other.example"} {
		ev := event(recipient)
		id, err := resolver.Resolve(context.Background(), ev)
		require.NoError(t, err)
		assert.Equal(t, "a@corp.example", id.Record.SenderAccount)
		assert.Equal(t, recipient, id.Record.Destination(ev))
	}
}

func TestResolver_SecretUnavailable(t *testing.T) {
	policy, err := NewHardcodedPolicy(hardcodedMapping())
	require.NoError(t, err)

	_, err = NewResolver(policy, &fakeSecrets{err: fmt.Errorf("backend down")}).
		Resolve(context.Background(), event("orders@example.com"))

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrSecretUnavailable)
	assert.True(t, apperrors.IsRetryable(err))
	assert.False(t, apperrors.IsRejection(err))
}

func TestNewPolicy_ShapeChecks(t *testing.T) {
	tests := []struct {
		name      string
		hardcoded bool
		mapping   map[string]SenderRecord
	}{
		{"hardcoded empty", true, nil},
		{"hardcoded with STANDARD", true, map[string]SenderRecord{
			StandardKey: {SenderAccount: "a", SenderAccountSecret: "s", RecipientEmail: "r"},
		}},
		{"hardcoded missing recipient_email", true, map[string]SenderRecord{
			"x@example.com": {SenderAccount: "a", SenderAccountSecret: "s"},
		}},
		{"open without STANDARD", false, hardcodedMapping()},
		{"open with extra keys", false, map[string]SenderRecord{
			StandardKey:     {SenderAccount: "a", SenderAccountSecret: "s"},
			"x@example.com": {SenderAccount: "b", SenderAccountSecret: "t"},
		}},
		{"open missing secret", false, map[string]SenderRecord{
			StandardKey: {SenderAccount: "a"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPolicy(tt.hardcoded, tt.mapping)
			assert.Error(t, err)
		})
	}
}

func TestPolicy_Accounts(t *testing.T) {
	mapping := hardcodedMapping()
	mapping["billing@example.com"] = SenderRecord{
		SenderAccount:       "robot@corp.example",
		SenderAccountSecret: "robot-secret",
		RecipientEmail:      "billing@corp.example",
	}
	mapping["hr@example.com"] = SenderRecord{
		SenderAccount:       "hr-robot@corp.example",
		SenderAccountSecret: "hr-secret",
		RecipientEmail:      "hr@corp.example",
	}
	policy, err := NewHardcodedPolicy(mapping)
	require.NoError(t, err)

	assert.Equal(t, []string{"hr-robot@corp.example", "robot@corp.example"}, policy.Accounts())
}

func TestCredential_NeverPrintsSecret(t *testing.T) {
	c := Credential{Username: "robot@corp.example", Secret: "hunter2"}

	for _, s := range []string{
		c.String(),
		fmt.Sprintf("%v", c),
		fmt.Sprintf("%+v", c),
		fmt.Sprintf("%#v", c),
		fmt.Sprintf("%s", c),
		fmt.Sprintf("%v", Identity{Credential: c}),
	} {
		assert.NotContains(t, s, "hunter2")
	}
}
