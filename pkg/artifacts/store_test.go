package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	data := []byte(`{"bundle_id":"b-1"}`)
	hash, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, ContentHash(data), hash)

	again, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, hash, again, "put is idempotent")

	ok, err := s.Exists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, s.Delete(ctx, hash))
	ok, err = s.Exists(ctx, hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, hash)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Delete(ctx, hash), "deleting a missing blob is not an error")
}

func TestFileStore_RejectsMalformedKeys(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "md5:abc", "sha256:zz", "sha256:../../etc/passwd"} {
		_, err := s.Get(ctx, key)
		assert.Error(t, err, key)
	}
}

func TestNew_DefaultsToFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := New(context.Background(), Config{DataDir: dir})
	require.NoError(t, err)

	fs, ok := s.(*FileStore)
	require.True(t, ok, "expected *FileStore, got %T", s)
	assert.Equal(t, filepath.Join(dir, "audit-archive"), fs.baseDir)
	_, err = os.Stat(fs.baseDir)
	assert.NoError(t, err)
}

func TestNew_MissingBuckets(t *testing.T) {
	_, err := New(context.Background(), Config{Backend: BackendS3})
	assert.ErrorContains(t, err, "ARTIFACT_S3_BUCKET is required")

	_, err = New(context.Background(), Config{Backend: BackendGCS})
	assert.ErrorContains(t, err, "ARTIFACT_GCS_BUCKET is required")

	_, err = New(context.Background(), Config{Backend: "tape"})
	assert.Error(t, err)
}
