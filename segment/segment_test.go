package segment

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateAndFormatZeroFill(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(0, 1))

	f, err := CreateAndFormat(path, 4096, true)
	require.NoError(t, err)
	defer f.Close()

	size, err := f.Size()
	require.NoError(t, err)
	require.EqualValues(t, 4096, size)

	buf := make([]byte, 4096)
	n, err := f.ReadAt(0, buf)
	require.NoError(t, err)
	require.Equal(t, 4096, n)
	require.True(t, bytes.Equal(buf, make([]byte, 4096)))

	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestCreateAndFormatNoZeroFill(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(0, 1))

	f, err := CreateAndFormat(path, 4096, false)
	require.NoError(t, err)
	defer f.Close()

	size, err := f.Size()
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestWriteAtAndReadAt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(0, 1))
	f, err := CreateAndFormat(path, 64, false)
	require.NoError(t, err)
	defer f.Close()

	n, err := f.WriteAt(0, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 5)
	_, err = f.ReadAt(0, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(0, 1))
	f, err := CreateAndFormat(path, 64, false)
	require.NoError(t, err)

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
}

func TestCopyFileIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.wal")
	dst := filepath.Join(dir, "dst.wal")

	require.NoError(t, os.WriteFile(src, []byte("segment bytes"), 0o644))

	require.NoError(t, CopyFile(dst, src, true))
	require.NoError(t, CopyFile(dst, src, true))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "segment bytes", string(got))

	_, err = os.Stat(dst + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestRemoveTempFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leftover.wal.tmp"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.wal"), []byte("y"), 0o644))

	require.NoError(t, RemoveTempFiles(dir))

	_, err := os.Stat(filepath.Join(dir, "leftover.wal.tmp"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "keep.wal"))
	require.NoError(t, err)
}
