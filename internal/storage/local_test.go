package storage

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(t.TempDir(), "http://localhost:8080/blobs", "test-secret", zap.NewNop())
	require.NoError(t, err)
	return store
}

func TestLocalStore_UploadAndRead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	data := []byte("fake png bytes")
	path, err := store.Upload(ctx, "scenes", data)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, "scenes/"))
	assert.True(t, strings.HasSuffix(path, ".png"))

	got, err := store.Read(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLocalStore_SignAndVerify(t *testing.T) {
	store := newTestStore(t)

	signed, err := store.Sign("scenes/abc.png", time.Hour)
	require.NoError(t, err)
	assert.Contains(t, signed.URL, "expires=")
	assert.Contains(t, signed.URL, "sig=")
	assert.WithinDuration(t, time.Now().Add(time.Hour), signed.ExpiresAt, 5*time.Second)

	expires := signed.ExpiresAt.Unix()
	sig := signed.URL[strings.Index(signed.URL, "sig=")+len("sig="):]

	assert.True(t, store.Verify("scenes/abc.png", expires, sig))
	assert.False(t, store.Verify("scenes/other.png", expires, sig), "signature is path-bound")
	assert.False(t, store.Verify("scenes/abc.png", expires+1, sig), "signature is expiry-bound")
}

func TestLocalStore_VerifyExpired(t *testing.T) {
	store := newTestStore(t)

	past := time.Now().Add(-time.Minute).Unix()
	sig := fmt.Sprintf("%x", make([]byte, 32))
	assert.False(t, store.Verify("scenes/abc.png", past, sig))
}

func TestLocalStore_SignEmptyPath(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Sign("", time.Hour)
	assert.Error(t, err)
}

func TestLocalStore_ReadRejectsTraversal(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Read(context.Background(), "../etc/passwd")
	assert.Error(t, err)
}
