package archivemeta

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	s := openTestStore(t)

	rec := Record{AbsIndex: 7, ArchivedAt: time.Unix(1700000000, 0), ByteSize: 1024, Checksum: 0xdeadbeef}
	require.NoError(t, s.Put(rec))

	got, ok, err := s.Get(7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.AbsIndex, got.AbsIndex)
	require.Equal(t, rec.ByteSize, got.ByteSize)
	require.Equal(t, rec.Checksum, got.Checksum)
	require.True(t, rec.ArchivedAt.Equal(got.ArchivedAt))
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Get(99)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put(Record{AbsIndex: 3, ArchivedAt: time.Now()}))

	require.NoError(t, s.Delete(3))

	_, ok, err := s.Get(3)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteBefore(t *testing.T) {
	s := openTestStore(t)
	for _, idx := range []uint64{1, 2, 3, 4, 5} {
		require.NoError(t, s.Put(Record{AbsIndex: idx, ArchivedAt: time.Now()}))
	}

	require.NoError(t, s.DeleteBefore(3))

	for _, idx := range []uint64{1, 2} {
		_, ok, err := s.Get(idx)
		require.NoError(t, err)
		require.False(t, ok, "index %d should have been deleted", idx)
	}
	for _, idx := range []uint64{3, 4, 5} {
		_, ok, err := s.Get(idx)
		require.NoError(t, err)
		require.True(t, ok, "index %d should still exist", idx)
	}
}
