package wal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChainHeadCAS(t *testing.T) {
	var h chainHead
	require.Nil(t, h.load())

	first := &queuedRecord{position: 0, size: 10}
	require.True(t, h.cas(nil, first))
	require.Same(t, first, h.load())

	second := &queuedRecord{position: 10, size: 5, prev: first}
	require.True(t, h.cas(first, second))

	// A stale CAS against the old head must fail.
	stale := &queuedRecord{position: 10, size: 5, prev: first}
	require.False(t, h.cas(first, stale))
	require.Same(t, second, h.load())
}

func TestEndPositionOfNil(t *testing.T) {
	require.EqualValues(t, 0, endPosition(nil))
}

func TestCollectSinceStopsAtSentinel(t *testing.T) {
	sentinel := &queuedRecord{position: 0, sentinel: true}
	a := &queuedRecord{position: 0, size: 5, prev: sentinel}
	b := &queuedRecord{position: 5, size: 5, prev: a}
	c := &queuedRecord{position: 10, size: 5, prev: b}

	got := collectSince(c)
	require.Equal(t, []*queuedRecord{a, b, c}, got)
}

func TestCollectSinceEmptyChain(t *testing.T) {
	require.Empty(t, collectSince(nil))
	require.Empty(t, collectSince(&queuedRecord{sentinel: true}))
}

func TestChainSizeOfNil(t *testing.T) {
	require.EqualValues(t, 0, chainSizeOf(nil))
}
