package wal

import (
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// newTestArchiver builds an archiver for unit tests that exercise its
// bookkeeping methods directly, without running its background loop.
func newTestArchiver(t *testing.T, cfg Config, currentAbsIndex uint64, lastArchivedIndex int64) *archiver {
	t.Helper()
	m := newWALMetrics(prometheus.NewRegistry())
	return newArchiver(cfg, currentAbsIndex, lastArchivedIndex, m, log.NewNopLogger(), nil)
}

func TestCheckCanReadArchiveOrReserveWork(t *testing.T) {
	cfg := testConfig(t)
	a := newTestArchiver(t, cfg, 5, 2)

	require.True(t, a.checkCanReadArchiveOrReserveWork(0))
	require.True(t, a.checkCanReadArchiveOrReserveWork(2))
	require.False(t, a.checkCanReadArchiveOrReserveWork(3))

	_, _, _, pins := a.snapshot()
	require.Equal(t, 1, pins)

	a.releaseWork(3)
	_, _, _, pins = a.snapshot()
	require.Zero(t, pins)
}

func TestReservedForTruncate(t *testing.T) {
	cfg := testConfig(t)
	a := newTestArchiver(t, cfg, 20, 15)

	require.False(t, a.reservedForTruncate(5))

	a.reserve(10)
	require.True(t, a.reservedForTruncate(10))
	require.True(t, a.reservedForTruncate(15))
	require.False(t, a.reservedForTruncate(5))

	a.release(10)
	require.False(t, a.reservedForTruncate(10))
}

func TestReservedForTruncateRespectsWorkSlotPin(t *testing.T) {
	cfg := testConfig(t)
	a := newTestArchiver(t, cfg, 20, 15)

	require.False(t, a.checkCanReadArchiveOrReserveWork(16))
	require.True(t, a.reservedForTruncate(16))
}

func TestNextAbsoluteIndexBlocksWhenArchiverFallsBehind(t *testing.T) {
	cfg := testConfig(t)
	cfg.WalSegments = 2
	a := newTestArchiver(t, cfg, 1, -1)

	// current=1, lastArchived=-1: the next index, 2, maps to work slot 0,
	// which still holds unarchived segment 0 (2-(-1)=3 > wal_segments(2)),
	// so this call must block.
	done := make(chan struct{})
	go func() {
		_, err := a.nextAbsoluteIndex()
		require.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("nextAbsoluteIndex did not block while the archiver was behind")
	case <-time.After(50 * time.Millisecond):
	}

	a.mu.Lock()
	a.lastArchivedIndex = 0
	a.cond.Broadcast()
	a.mu.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nextAbsoluteIndex did not unblock after segment 0 was archived")
	}
}

func TestNextAbsoluteIndexUnblocksOnArchiveProgress(t *testing.T) {
	cfg := testConfig(t)
	cfg.WalSegments = 1
	a := newTestArchiver(t, cfg, 2, -1) // next index 3: 3-lastArchived = 4 > wal_segments(1): blocks

	done := make(chan struct{})
	go func() {
		_, err := a.nextAbsoluteIndex()
		require.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("nextAbsoluteIndex should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	// With one work slot, index 3 can only be written once 2 is archived.
	a.mu.Lock()
	a.lastArchivedIndex = 2
	a.cond.Broadcast()
	a.mu.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nextAbsoluteIndex did not unblock after archive progress")
	}
}
