package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imagevault/internal/catalog"
)

func TestBlobStorePutCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	require.NoError(t, store.Put(context.Background(), "b", "stored/a.jpg", "image/jpeg", strings.NewReader(string(payload))))
	payload[0] = 'C'
	got, ok := store.Bytes("b", "stored/a.jpg")
	require.True(t, ok)
	assert.Equal(t, "content", string(got))
	assert.Equal(t, "image/jpeg", store.ContentType("b", "stored/a.jpg"))
	assert.Equal(t, 1, store.Puts())
}

func TestBlobStoreGetMissingIsNotFound(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	_, err := store.Get(context.Background(), "b", "nope")
	require.True(t, catalog.IsNotFound(err))
}

func TestBlobStoreListScopesBucketAndPrefix(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewBlobStore()
	for _, key := range []string{"processed/b.webp", "processed/a.webp", "processed/x/c.webp", "stored/d.jpg"} {
		require.NoError(t, store.Put(ctx, "b", key, "", strings.NewReader("x")))
	}
	require.NoError(t, store.Put(ctx, "other", "processed/z.webp", "", strings.NewReader("x")))

	keys, err := store.List(ctx, "b", "processed/")
	require.NoError(t, err)
	assert.Equal(t, []string{"processed/a.webp", "processed/b.webp", "processed/x/c.webp"}, keys)
}

func TestBlobStoreDeleteAndInjectedFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewBlobStore()
	require.NoError(t, store.Put(ctx, "b", "k1", "", strings.NewReader("1")))
	require.NoError(t, store.Put(ctx, "b", "k2", "", strings.NewReader("2")))

	boom := errors.New("boom")
	store.FailOn(OpDelete, "b", "k2", boom)
	err := store.DeleteMany(ctx, "b", []string{"k1", "k2"})
	require.ErrorIs(t, err, boom)

	exists, err := store.Exists(ctx, "b", "k1")
	require.NoError(t, err)
	assert.False(t, exists)

	store.FailOn(OpDelete, "b", "k2", nil)
	require.NoError(t, store.Delete(ctx, "b", "k2"))
	require.NoError(t, store.Delete(ctx, "b", "k2"))
	assert.Equal(t, 2, store.Deletes())
}

func TestBlobStoreGetReturnsIndependentReader(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewBlobStore()
	require.NoError(t, store.Put(ctx, "b", "k", "", strings.NewReader("payload")))
	rc, err := store.Get(ctx, "b", "k")
	require.NoError(t, err)
	defer rc.Close() //nolint:errcheck
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	url, err := store.SignedURL(ctx, "b", "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "memory://b/k?expires=60", url)
}
