package wal

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/nimbusgrid/gridwal/segment"
	"github.com/nimbusgrid/gridwal/walrecord"
)

type handleState int32

const (
	stateOpen handleState = iota
	stateClosing
	stateClosed
)

// switchSegmentMarker is the single byte written at the tail of a
// segment closed before it filled up.
const switchSegmentMarker = byte(walrecord.TypeSwitchSegment)

// Handle is the active write handle for one segment: a lock-free chain
// of pending records, batched drains to the underlying file, and fsync
// coordination. One Handle exists per segment currently being written.
type Handle struct {
	segmentIndex uint64
	segmentSize  int64
	codec        walrecord.Codec
	mode         Mode
	flushThresh  uint64
	fsyncDelay   time.Duration
	createdAt    time.Time

	file   *segment.File
	logger log.Logger
	m      *walMetrics
	fatal  func(error)

	head  chainHead
	state atomic.Int32

	mu        sync.Mutex
	cond      *sync.Cond
	written   uint64
	poison    error
	poisoning sync.Once

	forceMu      sync.Mutex
	forceInFlag  bool
	forceWaiters chan struct{}
	lastForceErr error
}

// newHandle constructs a Handle over an already-created segment file,
// positioned to resume writes at initialWritten (0 for a fresh segment,
// or just past the last durable record on resume).
func newHandle(segmentIndex uint64, f *segment.File, initialWritten uint64, cfg Config, m *walMetrics, logger log.Logger) *Handle {
	h := &Handle{
		segmentIndex: segmentIndex,
		segmentSize:  cfg.SegmentSize,
		codec:        cfg.Codec,
		mode:         cfg.Mode,
		flushThresh:  uint64(cfg.ThreadLocalBufferBytes),
		fsyncDelay:   cfg.FsyncDelay,
		createdAt:    time.Now(),
		file:         f,
		logger:       log.With(logger, "component", "handle", "segment", segmentIndex),
		m:            m,
		fatal:        cfg.FatalReporter,
		written:      initialWritten,
	}
	h.cond = sync.NewCond(&h.mu)
	if initialWritten > 0 {
		h.head.ptr.Store(&queuedRecord{position: initialWritten, size: 0, chainSize: 0, sentinel: true})
	}
	return h
}

func (h *Handle) isPoisoned() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.poison
}

func (h *Handle) poisonWith(err error) {
	h.mu.Lock()
	if h.poison == nil {
		h.poison = err
	}
	h.mu.Unlock()
	h.cond.Broadcast()
	h.poisoning.Do(func() {
		level.Error(h.logger).Log("msg", "segment poisoned, invoking fatal reporter", "err", err)
		h.fatal(err)
	})
}

// Append enqueues rec onto the lock-free chain and returns its assigned
// Pointer. It never performs I/O itself: when the record would overflow
// the segment it returns errRolloverRequired instead of blocking.
func (h *Handle) Append(rec walrecord.Record) (Pointer, error) {
	if h.mode == ModeNone {
		return Pointer{}, nil
	}
	if err := h.isPoisoned(); err != nil {
		return Pointer{}, ErrStorage
	}

	size := h.codec.Size(rec)
	for {
		old := h.head.load()
		nextPos := endPosition(old)
		if nextPos+uint64(size) >= uint64(h.segmentSize) {
			return Pointer{}, errRolloverRequired
		}
		node := &queuedRecord{
			position:  nextPos,
			size:      size,
			chainSize: chainSizeOf(old) + uint64(size),
			rec:       rec,
		}
		if !h.head.cas(old, node) {
			continue
		}
		ptr := Pointer{SegmentIndex: h.segmentIndex, FileOffset: uint32(nextPos), Length: size}
		if node.chainSize > h.flushThresh {
			go h.tryDrain()
		}
		return ptr, nil
	}
}

// tryDrain attempts to freeze the current chain behind a sentinel and,
// if it wins that race, serializes and writes it. It is a no-op if
// nothing has been appended since the chain was last frozen, including
// when another goroutine froze it and is still writing.
func (h *Handle) tryDrain() (bool, error) {
	for {
		head := h.head.load()
		if head == nil || head.sentinel {
			return false, nil
		}
		sentinel := &queuedRecord{position: endPosition(head), sentinel: true}
		if !h.head.cas(head, sentinel) {
			continue
		}

		nodes := collectSince(head)
		if len(nodes) == 0 {
			return false, nil
		}
		begin := nodes[0].position
		end := endPosition(nodes[len(nodes)-1])
		buf := make([]byte, end-begin)
		var headerBytes uint64
		for _, n := range nodes {
			off := n.position - begin
			if err := h.codec.Encode(n.rec, buf[off:off+uint64(n.size)]); err != nil {
				h.poisonWith(err)
				return false, ErrStorage
			}
			if n.rec.RecordType() == walrecord.TypeHeader {
				headerBytes += uint64(n.size)
			}
		}

		if err := h.writeOrdered(begin, buf); err != nil {
			h.poisonWith(err)
			return false, ErrStorage
		}
		h.m.recordsWritten.Add(float64(len(nodes)))
		h.m.bytesWritten.Add(float64(uint64(len(buf)) - headerBytes))
		return true, nil
	}
}

// writeOrdered blocks until written has reached begin (an earlier
// drainer may still be writing a lower offset range), then performs the
// single write_at call for this chain. Only this call is serialized by
// h.mu; encoding above runs concurrently across drainers.
func (h *Handle) writeOrdered(begin uint64, buf []byte) error {
	h.mu.Lock()
	for h.written < begin && h.poison == nil {
		h.cond.Wait()
	}
	if h.poison != nil {
		h.mu.Unlock()
		return h.poison
	}
	if _, err := h.file.WriteAt(int64(begin), buf); err != nil {
		h.mu.Unlock()
		return err
	}
	h.written = begin + uint64(len(buf))
	h.mu.Unlock()
	h.cond.Broadcast()
	return nil
}

// Flush blocks until upto (or the entire chain as observed at call time,
// if upto is nil) has been written to the file. It does not force the
// file to storage.
func (h *Handle) Flush(upto *Pointer) error {
	if h.mode == ModeNone {
		return nil
	}
	var target uint64
	if upto != nil {
		target = uint64(upto.EndOffset())
	} else {
		target = endPosition(h.head.load())
	}

	for {
		h.mu.Lock()
		if h.poison != nil {
			h.mu.Unlock()
			return ErrStorage
		}
		if h.written >= target {
			h.mu.Unlock()
			return nil
		}
		h.mu.Unlock()

		if _, err := h.tryDrain(); err != nil {
			return err
		}

		h.mu.Lock()
		for h.written < target && h.poison == nil {
			h.cond.Wait()
		}
		poisoned := h.poison
		done := h.written >= target
		h.mu.Unlock()
		if poisoned != nil {
			return ErrStorage
		}
		if done {
			return nil
		}
	}
}

// Fsync blocks for the write as Flush does, then in ModeDefault also
// forces the file to storage, coalescing concurrent callers behind one
// Force call after FsyncDelay.
func (h *Handle) Fsync(upto *Pointer) error {
	if h.mode == ModeNone {
		return nil
	}
	if err := h.Flush(upto); err != nil {
		return err
	}
	if h.mode != ModeDefault {
		return nil
	}
	return h.forceCoalesced()
}

func (h *Handle) forceCoalesced() error {
	h.forceMu.Lock()
	if h.forceInFlag {
		ch := h.forceWaiters
		h.forceMu.Unlock()
		<-ch
		return h.lastForceErr
	}
	h.forceInFlag = true
	ch := make(chan struct{})
	h.forceWaiters = ch
	h.forceMu.Unlock()

	if h.fsyncDelay > 0 {
		time.Sleep(h.fsyncDelay)
	}

	start := time.Now()
	err := h.file.Force()
	h.m.recordFsyncDelay(time.Since(start))
	h.m.fsyncs.Inc()

	h.forceMu.Lock()
	h.forceInFlag = false
	h.lastForceErr = err
	h.forceMu.Unlock()
	close(ch)
	if err != nil {
		h.poisonWith(err)
		return ErrStorage
	}
	return nil
}

// Close transitions the handle OPEN -> CLOSING -> CLOSED, flushing any
// pending chain and, when rollover is true in ModeDefault, writing the
// switch-segment marker and forcing the file before closing it. It returns true iff this call
// performed the close.
func (h *Handle) Close(rollover bool) bool {
	if !h.state.CompareAndSwap(int32(stateOpen), int32(stateClosing)) {
		return false
	}

	if err := h.Flush(nil); err != nil {
		level.Error(h.logger).Log("msg", "flush during close failed", "err", err)
	}

	if rollover && h.mode == ModeDefault && h.poison == nil {
		h.mu.Lock()
		markerPos := h.written
		h.mu.Unlock()
		if _, err := h.file.WriteAt(int64(markerPos), []byte{switchSegmentMarker}); err != nil {
			h.poisonWith(err)
		} else {
			h.mu.Lock()
			h.written = markerPos + 1
			h.mu.Unlock()
			if err := h.file.Force(); err != nil {
				h.poisonWith(err)
			}
		}
	}

	if err := h.file.Close(); err != nil {
		level.Error(h.logger).Log("msg", "close failed", "err", err)
	}
	h.state.Store(int32(stateClosed))
	return true
}

// Written reports the current write frontier within this segment: the
// offset up to which bytes have been written to the file, not
// necessarily forced to storage.
func (h *Handle) Written() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.written
}

// CreatedAt reports when this handle was constructed, used to report
// the outgoing segment's age on rotation.
func (h *Handle) CreatedAt() time.Time {
	return h.createdAt
}
