package backend

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return fs
}

func TestNewFilesystem(t *testing.T) {
	root := filepath.Join(t.TempDir(), "content")

	fs, err := NewFilesystem(root)
	require.NoError(t, err)
	require.Equal(t, root, fs.Root())

	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFilesystemWriteRead(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	data := []byte("hello, mirror")

	require.NoError(t, fs.Write(ctx, "php/README", bytes.NewReader(data)))

	rc, err := fs.Read(ctx, "php/README")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, data, got)

	_, err = fs.Read(ctx, "php/missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemExistsDelete(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	key := "pecl/redis-6.0.2.tgz"

	exists, err := fs.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, fs.Write(ctx, key, bytes.NewReader([]byte("data"))))

	exists, err = fs.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, fs.Delete(ctx, key))
	exists, _ = fs.Exists(ctx, key)
	require.False(t, exists)

	// Delete is idempotent
	require.NoError(t, fs.Delete(ctx, key))
}

func TestFilesystemStat(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	data := []byte("test data for stat")

	require.NoError(t, fs.Write(ctx, "stat/file", bytes.NewReader(data)))

	info, err := fs.Stat(ctx, "stat/file")
	require.NoError(t, err)
	require.Equal(t, "stat/file", info.Key)
	require.EqualValues(t, len(data), info.Size)
	require.False(t, info.ModTime.IsZero())

	_, err = fs.Stat(ctx, "stat/missing")
	require.ErrorIs(t, err, ErrNotFound)

	// Directories are not keys
	_, err = fs.Stat(ctx, "stat")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemList(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	keys := []string{
		"php/php-8.2.0.tar.gz",
		"php/php-8.3.0.tar.gz",
		"php/src/extra.txt",
		"composer/composer.phar",
	}
	for _, key := range keys {
		require.NoError(t, fs.Write(ctx, key, bytes.NewReader([]byte("data"))))
	}

	// An in-flight staging file must not be listed
	st, err := fs.Stage(ctx, "php/php-8.4.0.tar.gz")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Abort() })

	all, err := fs.List(ctx, "")
	require.NoError(t, err)
	sort.Strings(all)
	want := append([]string(nil), keys...)
	sort.Strings(want)
	require.Equal(t, want, all)

	php, err := fs.List(ctx, "php")
	require.NoError(t, err)
	require.Len(t, php, 3)

	single, err := fs.List(ctx, "composer/composer.phar")
	require.NoError(t, err)
	require.Equal(t, []string{"composer/composer.phar"}, single)

	none, err := fs.List(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestFilesystemStageCommit(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	st, err := fs.Stage(ctx, "php/php-8.3.21.tar.gz")
	require.NoError(t, err)
	require.Equal(t, fs.Path("php/php-8.3.21.tar.gz"), st.Destination())
	require.Equal(t, filepath.Dir(st.Destination()), filepath.Dir(st.Path()))

	require.NoError(t, os.WriteFile(st.Path(), []byte("archive"), 0o644))

	// Not visible before commit
	exists, err := fs.Exists(ctx, "php/php-8.3.21.tar.gz")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, st.Commit())

	exists, err = fs.Exists(ctx, "php/php-8.3.21.tar.gz")
	require.NoError(t, err)
	require.True(t, exists)

	_, err = os.Stat(st.Path())
	require.True(t, os.IsNotExist(err))

	// Abort after commit leaves the committed file alone
	require.NoError(t, st.Abort())
	exists, _ = fs.Exists(ctx, "php/php-8.3.21.tar.gz")
	require.True(t, exists)
}

func TestFilesystemStageAbort(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	st, err := fs.Stage(ctx, "php/broken.tar.gz")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(st.Path(), []byte("<html>"), 0o644))

	require.NoError(t, st.Abort())

	entries, err := os.ReadDir(filepath.Join(fs.Root(), "php"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFilesystemWriteOverwrite(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "k", bytes.NewReader([]byte("first"))))
	require.NoError(t, fs.Write(ctx, "k", bytes.NewReader([]byte("second"))))

	rc, err := fs.Read(ctx, "k")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "second", string(got))
}
