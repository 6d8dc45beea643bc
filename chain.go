package wal

import (
	"sync/atomic"

	"github.com/nimbusgrid/gridwal/walrecord"
)

// queuedRecord is one link of the intrusive, lock-free chain rooted at a
// Handle's head. Go has safe heap pointers and a generic atomic.Pointer,
// so the chain is a plain singly-linked list of *queuedRecord rather
// than the small arena of tagged integer indices a language without
// those guarantees would need for the same lock-free structure.
type queuedRecord struct {
	position  uint64
	size      uint32
	chainSize uint64
	sentinel  bool
	rec       walrecord.Record
	prev      *queuedRecord
}

func chainSizeOf(n *queuedRecord) uint64 {
	if n == nil {
		return 0
	}
	return n.chainSize
}

func endPosition(n *queuedRecord) uint64 {
	if n == nil {
		return 0
	}
	return n.position + uint64(n.size)
}

// chainHead is the atomic slot a Handle CASes to append or to freeze a
// chain for draining.
type chainHead struct {
	ptr atomic.Pointer[queuedRecord]
}

func (h *chainHead) load() *queuedRecord { return h.ptr.Load() }

func (h *chainHead) cas(old, new *queuedRecord) bool {
	return h.ptr.CompareAndSwap(old, new)
}

// collectSince walks backward from head through prev links, stopping at
// (and excluding) the first sentinel or nil, and returns the collected
// non-sentinel nodes oldest-first, ready to be serialized in that order.
func collectSince(head *queuedRecord) []*queuedRecord {
	var rev []*queuedRecord
	for n := head; n != nil && !n.sentinel; n = n.prev {
		rev = append(rev, n)
	}
	out := make([]*queuedRecord, len(rev))
	for i, n := range rev {
		out[len(rev)-1-i] = n
	}
	return out
}
