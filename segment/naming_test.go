package segment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileNameRoundTrip(t *testing.T) {
	name := FileName(42, 3)
	require.Equal(t, "0000000000000042.v3.wal", name)

	idx, version, ok := ParseName(name)
	require.True(t, ok)
	require.Equal(t, uint64(42), idx)
	require.Equal(t, uint16(3), version)
}

func TestFileNameSortsLexicographicallyByIndex(t *testing.T) {
	require.Less(t, FileName(9, 1), FileName(10, 1))
}

func TestParseNameRejectsGarbage(t *testing.T) {
	for _, name := range []string{
		"not-a-segment",
		"42.v1.wal",
		"0000000000000042.v1.tmp",
		"0000000000000042.wal",
	} {
		_, _, ok := ParseName(name)
		require.False(t, ok, "name %q should not parse", name)
	}
}

func TestTempFileName(t *testing.T) {
	require.Equal(t, FileName(1, 1)+".tmp", TempFileName(1, 1))
}
