package wal

import (
	"errors"
	"fmt"
	"io"

	"github.com/nimbusgrid/gridwal/segment"
	"github.com/nimbusgrid/gridwal/walrecord"
)

// maxFrameProbe bounds how far Iterator grows its read buffer looking for
// a complete frame before giving up and treating the tail as truncated.
const maxFrameProbe = 1 << 20

// Iterator is a lazy, finite, non-restartable sequence of (Pointer,
// Record) pairs produced by Manager.Replay. It is not safe for
// concurrent use.
type Iterator struct {
	mgr   *Manager
	codec walrecord.Codec
	end   *Pointer
	start *Pointer

	curIdx  uint64
	curFile *segment.File
	pinned  bool
	pos     uint64

	started bool
	done    bool
}

func newIterator(mgr *Manager, from, end *Pointer) (*Iterator, error) {
	archived, err := scanArchiveDir(mgr.archiveDir)
	if err != nil {
		return nil, err
	}
	earliest := uint64(0)
	if len(archived) > 0 {
		earliest = archived[0]
	}

	startIdx := earliest
	if from != nil {
		if from.SegmentIndex < earliest {
			return nil, ErrHistoryTruncated
		}
		startIdx = from.SegmentIndex
	}

	return &Iterator{
		mgr:    mgr,
		codec:  mgr.cfg.Codec,
		end:    end,
		start:  from,
		curIdx: startIdx,
	}, nil
}

// Next returns the next (Pointer, Record) pair. ok is false once the
// iterator is exhausted; err is non-nil only on unrecoverable corruption.
func (it *Iterator) Next() (Pointer, walrecord.Record, bool, error) {
	for {
		if it.done {
			return Pointer{}, nil, false, nil
		}
		if it.curFile == nil {
			if it.end != nil && it.curIdx > it.end.SegmentIndex {
				it.done = true
				return Pointer{}, nil, false, nil
			}
			if err := it.openCurrent(); err != nil {
				if errors.Is(err, io.EOF) {
					it.done = true
					return Pointer{}, nil, false, nil
				}
				it.done = true
				return Pointer{}, nil, false, err
			}
		}

		rec, n, err := readFrame(it.curFile, it.codec, it.pos)
		if err != nil {
			if errors.Is(err, walrecord.ErrTruncatedRecord) {
				it.closeCurrent()
				it.curIdx++
				continue
			}
			it.done = true
			return Pointer{}, nil, false, fmt.Errorf("%w: %v", ErrCorruptLog, err)
		}

		ptr := Pointer{SegmentIndex: it.curIdx, FileOffset: uint32(it.pos), Length: uint32(n)}
		it.pos += uint64(n)
		it.mgr.m.recordsRead.Inc()
		it.mgr.m.bytesRead.Add(float64(n))
		return ptr, rec, true, nil
	}
}

// openCurrent opens curIdx (archive or work slot, pinning the latter),
// verifies its header record, and seeds it.pos past the header, or at
// the iterator's start offset if curIdx is the starting segment.
func (it *Iterator) openCurrent() error {
	if cur, _, _, _ := it.mgr.arch.snapshot(); it.curIdx > cur {
		// Nothing has ever been written at this absolute index yet; the
		// ring slot it maps to may hold stale bytes from a retired
		// segment. Stop rather than risk decoding leftovers.
		return io.EOF
	}

	fromArchive := it.mgr.arch.checkCanReadArchiveOrReserveWork(it.curIdx)
	var path string
	if fromArchive {
		path = it.mgr.arch.archivePath(it.curIdx)
	} else {
		path = it.mgr.arch.workSlotPath(it.curIdx)
	}

	f, err := segment.OpenReadOnly(path)
	if err != nil {
		if !fromArchive {
			it.mgr.arch.releaseWork(it.curIdx)
			return err
		}
		return fmt.Errorf("%w: archive segment %d missing: %v", ErrCorruptLog, it.curIdx, err)
	}
	it.curFile = f
	it.pinned = !fromArchive
	it.pos = 0

	hdrRec, n, err := readFrame(it.curFile, it.codec, 0)
	if err != nil {
		it.closeCurrent()
		return fmt.Errorf("%w: reading header of segment %d: %v", ErrCorruptLog, it.curIdx, err)
	}
	hdr, ok := hdrRec.(walrecord.Header)
	if !ok {
		it.closeCurrent()
		return fmt.Errorf("%w: segment %d does not begin with a header record", ErrCorruptLog, it.curIdx)
	}
	if hdr.Version > it.codec.Version() {
		it.closeCurrent()
		return walrecord.ErrUnsupportedVersion
	}
	it.pos = uint64(n)

	if it.start != nil && it.start.SegmentIndex == it.curIdx && uint64(it.start.FileOffset) > it.pos {
		it.pos = uint64(it.start.FileOffset)
	}
	return nil
}

func (it *Iterator) closeCurrent() {
	if it.curFile == nil {
		return
	}
	_ = it.curFile.Close()
	if it.pinned {
		it.mgr.arch.releaseWork(it.curIdx)
	}
	it.curFile = nil
	it.pinned = false
}

// Close releases any work-slot pin and file handle the iterator holds.
// It is safe to call Close without exhausting the iterator.
func (it *Iterator) Close() error {
	it.closeCurrent()
	it.done = true
	return nil
}

// readFrame decodes one record at pos, growing its probe buffer until
// the codec succeeds or maxFrameProbe is exceeded, in which case the
// frame is treated as truncated (the common case of a torn tail, or the
// zero-filled padding past the last record in DEFAULT mode).
func readFrame(f *segment.File, codec walrecord.Codec, pos uint64) (walrecord.Record, int, error) {
	size := 64
	for {
		buf := make([]byte, size)
		n, readErr := f.ReadAt(int64(pos), buf)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, 0, readErr
		}
		buf = buf[:n]
		if len(buf) == 0 {
			return nil, 0, walrecord.ErrTruncatedRecord
		}
		if walrecord.Type(buf[0]) == walrecord.TypeSwitchSegment {
			return nil, 0, walrecord.ErrTruncatedRecord
		}

		rec, consumed, decErr := codec.Decode(buf)
		if decErr == nil {
			return rec, consumed, nil
		}
		if errors.Is(decErr, walrecord.ErrTruncatedRecord) {
			if errors.Is(readErr, io.EOF) || n < size {
				return nil, 0, walrecord.ErrTruncatedRecord
			}
			size *= 2
			if size > maxFrameProbe {
				return nil, 0, walrecord.ErrTruncatedRecord
			}
			continue
		}
		return nil, 0, decErr
	}
}
