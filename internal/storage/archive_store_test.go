package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemArchiveStore_CommitIsAtomic(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFilesystemArchiveStore(dir, "http://studio.local/api/v1/")
	require.NoError(t, err)
	ctx := context.Background()

	w, err := store.Create(ctx, "a1")
	require.NoError(t, err)
	_, err = w.Write([]byte("PK zip bytes"))
	require.NoError(t, err)

	// 提交前不可见
	_, err = store.Open(ctx, "a1")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	n, err := w.Commit()
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	obj, err := store.Open(ctx, "a1")
	require.NoError(t, err)
	body, err := io.ReadAll(obj)
	require.NoError(t, err)
	require.NoError(t, obj.Close())
	assert.Equal(t, "PK zip bytes", string(body))
	assert.Equal(t, int64(12), obj.Size)

	url, err := store.URL(ctx, "a1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "http://studio.local/api/v1/archives/a1/download", url)

	require.NoError(t, store.Delete(ctx, "a1"))
	require.NoError(t, store.Delete(ctx, "a1"))
	_, err = store.Open(ctx, "a1")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestFilesystemArchiveStore_AbortRemovesTemp(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFilesystemArchiveStore(dir, "http://x")
	require.NoError(t, err)

	w, err := store.Create(context.Background(), "a2")
	require.NoError(t, err)
	_, err = w.Write([]byte("half"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())
	require.NoError(t, w.Abort())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoFileExists(t, filepath.Join(dir, "a2.zip"))
}
