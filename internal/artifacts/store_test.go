package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/pkgforge/internal/foundation/errors"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestPutStatDelete(t *testing.T) {
	store, err := NewFSStore(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "app-debug.APK")
	writeFile(t, src, "apk-bytes")

	a, err := store.Put(context.Background(), "b-1", src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.Dir(), "b-1.apk"), a.Path)
	assert.Equal(t, int64(len("apk-bytes")), a.Size)

	// Source is copied, not moved.
	_, err = os.Stat(src)
	require.NoError(t, err)

	got, err := store.Stat("b-1")
	require.NoError(t, err)
	assert.Equal(t, a.Size, got.Size)

	require.NoError(t, store.Delete("b-1"))
	_, err = store.Stat("b-1")
	assert.True(t, errors.HasCategory(err, errors.CategoryNotFound))
	require.NoError(t, store.Delete("b-1"), "deleting twice is fine")
}

func TestPutRejectsBadIDsAndMissingSource(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "../escape", "/dev/null")
	assert.True(t, errors.HasCategory(err, errors.CategoryValidation))

	_, err = store.Put(context.Background(), "ok-id", filepath.Join(t.TempDir(), "missing.apk"))
	require.Error(t, err)
	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "failed copies leave nothing behind")
}

func TestPutHonoursCancellation(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	src := filepath.Join(t.TempDir(), "a.apk")
	writeFile(t, src, "data")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Put(ctx, "cancelled", src)
	require.Error(t, err)
	_, err = store.Stat("cancelled")
	assert.True(t, errors.HasCategory(err, errors.CategoryNotFound))
}

func TestPurgeOlderThan(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSStore(dir)
	require.NoError(t, err)

	now := time.Now()
	writeFile(t, filepath.Join(dir, "old.apk"), "x")
	writeFile(t, filepath.Join(dir, "new.apk"), "y")
	writeFile(t, filepath.Join(dir, ".half.tmp"), "z")
	require.NoError(t, os.Chtimes(filepath.Join(dir, "old.apk"), now.Add(-2*time.Hour), now.Add(-2*time.Hour)))

	stale, err := store.ListOlderThan(now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)
	_, err = os.Stat(filepath.Join(dir, ".half.tmp"))
	require.NoError(t, err, "listing must not touch temporary files")

	removed, err := store.PurgeOlderThan(now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, removed)

	_, err = store.Stat("new")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, ".half.tmp"))
	assert.True(t, os.IsNotExist(err))
}
