package gcs

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plotpalette/plotpalette/internal/domain"
)

// Tests run only against a real bucket. Note: this assumes Application
// Default Credentials are set up with access to the bucket.
func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	bucket := os.Getenv("TEST_GCS_BUCKET")
	if bucket == "" {
		t.Skip("TEST_GCS_BUCKET not set, skipping GCS tests")
	}

	ctx := context.Background()
	store, err := NewStore(ctx, bucket)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// Unique prefix so parallel runs never collide; best-effort cleanup.
	prefix := "test/" + uuid.NewString() + "/"
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, key := range []string{prefix + "k", prefix + "gone"} {
			if err := store.Delete(cleanupCtx, key); err != nil {
				t.Logf("cleanup of %s failed: %v", key, err)
			}
		}
	})
	return store, prefix
}

func TestConditionalPutAndGet(t *testing.T) {
	ctx := context.Background()
	store, prefix := newTestStore(t)
	key := prefix + "k"

	tag, err := store.Put(ctx, key, []byte("a"), "")
	require.NoError(t, err)
	require.NotEmpty(t, tag)

	// Create-if-absent loses now that the object exists.
	_, err = store.Put(ctx, key, []byte("b"), "")
	require.ErrorIs(t, err, domain.ErrTagMismatch)

	tag2, err := store.Put(ctx, key, []byte("b"), tag)
	require.NoError(t, err)
	require.NotEqual(t, tag, tag2)

	// The superseded generation is stale.
	_, err = store.Put(ctx, key, []byte("c"), tag)
	require.ErrorIs(t, err, domain.ErrTagMismatch)

	data, gotTag, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), data)
	assert.Equal(t, tag2, gotTag)
}

func TestGetMissingObject(t *testing.T) {
	store, prefix := newTestStore(t)

	_, _, err := store.Get(context.Background(), prefix+"gone")
	require.ErrorIs(t, err, domain.ErrBlobNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, prefix := newTestStore(t)
	key := prefix + "k"

	_, err := store.Put(ctx, key, []byte("a"), "")
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, key))
	require.NoError(t, store.Delete(ctx, key))

	_, _, err = store.Get(ctx, key)
	require.ErrorIs(t, err, domain.ErrBlobNotFound)
}
