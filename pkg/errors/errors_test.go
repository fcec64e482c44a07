package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := ErrAttachmentFetchFailed.WithDetail("file_name", "invoice.pdf").WithCause(fmt.Errorf("boom"))

	assert.True(t, stderrors.Is(err, ErrAttachmentFetchFailed))
	assert.False(t, stderrors.Is(err, ErrMailClient))
	assert.Equal(t, "ATTACHMENT_FETCH_FAILED", Code(err))
	assert.Equal(t, "invoice.pdf", err.Details["file_name"])
	assert.Empty(t, ErrAttachmentFetchFailed.Details, "sentinel must not be mutated")
}

func TestError_Classification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		rejection bool
	}{
		{"schema", ErrInvalidEventSchema, false, true},
		{"unauthorized", ErrUnauthorizedRecipient, false, true},
		{"secret", ErrSecretUnavailable, true, false},
		{"attachment", ErrAttachmentFetchFailed, true, false},
		{"mail client", ErrMailClient, true, false},
		{"mail client permanent", ErrMailClient.AsFatal(), false, false},
		{"timeout", ErrTimeout, false, false},
		{"foreign", fmt.Errorf("plain"), true, false},
		{"wrapped rejection", fmt.Errorf("ctx: %w", ErrUnauthorizedRecipient), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.rejection, IsRejection(tt.err))
		})
	}
}

func TestWrap_Nil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrMailClient))
}

func TestFields_SkipsMessageDetail(t *testing.T) {
	err := ErrConfiguration.WithDetail("message", "bad").WithDetail("field", "exchange.url")
	fields := Fields(err)

	assert.Contains(t, fields, "error_code")
	assert.Contains(t, fields, "exchange.url")
	assert.NotContains(t, fields, "bad")
	assert.Contains(t, err.Error(), "bad")
}

func TestGuard_RecoversPanic(t *testing.T) {
	err := Guard(func() error { panic("kaboom") })

	require.Error(t, err)
	assert.Equal(t, ErrInternal.Code, Code(err))
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "kaboom")
}
