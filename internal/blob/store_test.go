package blob

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ewsdispatch/internal/config"
)

type mockS3 struct {
	objects map[string]string
	err     error
	calls   int
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	body, ok := m.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func TestS3Store_Fetch(t *testing.T) {
	store := NewS3StoreWithClient(&mockS3{objects: map[string]string{"inbox/2024/a.pdf": "%PDF"}})

	data, err := store.Fetch(context.Background(), "inbox", "2024/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(data))

	_, err = store.Fetch(context.Background(), "inbox", "missing.pdf")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_Fetch(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "inbox", "2024"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "inbox", "2024", "a.pdf"), []byte("pdf-bytes"), 0o600))

	store := NewFileStore(root)

	data, err := store.Fetch(context.Background(), "inbox", "2024/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "pdf-bytes", string(data))

	_, err = store.Fetch(context.Background(), "inbox", "2024/missing.pdf")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_RejectsEscapes(t *testing.T) {
	store := NewFileStore(t.TempDir())

	for _, tc := range []struct{ bucket, path string }{
		{"inbox", "../../etc/passwd"},
		{"../inbox", "a.pdf"},
		{"", "a.pdf"},
		{"inbox", ""},
	} {
		_, err := store.Fetch(context.Background(), tc.bucket, tc.path)
		assert.Error(t, err, "%s/%s", tc.bucket, tc.path)
		assert.NotErrorIs(t, err, ErrNotFound)
	}
}

func TestCircuitBreakerStore_OpensOnBackendFailures(t *testing.T) {
	backend := &mockS3{err: errors.New("connection reset")}
	store := NewCircuitBreakerStore(NewS3StoreWithClient(backend), config.CircuitBreakerConfig{
		Enabled:      true,
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		FailureRatio: 0.5,
		MinRequests:  2,
	})

	for i := 0; i < 4; i++ {
		_, err := store.Fetch(context.Background(), "inbox", "a.pdf")
		assert.Error(t, err)
	}

	assert.Equal(t, "open", store.State())
	assert.Equal(t, 2, backend.calls)
}

func TestCircuitBreakerStore_MissingObjectsDoNotTrip(t *testing.T) {
	store := NewCircuitBreakerStore(NewS3StoreWithClient(&mockS3{}), config.CircuitBreakerConfig{
		Enabled:      true,
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		FailureRatio: 0.5,
		MinRequests:  1,
	})

	for i := 0; i < 3; i++ {
		_, err := store.Fetch(context.Background(), "inbox", "missing.pdf")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, "closed", store.State())
	assert.Equal(t, "s3", store.Backend())
}
