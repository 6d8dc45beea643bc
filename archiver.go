package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/nimbusgrid/gridwal/archivemeta"
	"github.com/nimbusgrid/gridwal/segment"
)

// archiver is the single background worker that moves filled work
// segments into the archive directory and re-formats the work slot for
// reuse, honoring reservations and replay pins.
//
// currentAbsIndex and lastArchivedIndex are kept as int64 rather than
// uint64 so that "nothing archived yet" has a natural representation
// (-1) instead of needing a separate boolean alongside an unsigned
// counter.
type archiver struct {
	workDir    string
	archiveDir string
	segments   int
	segSize    int64
	zeroFill   bool
	version    uint16

	logger log.Logger
	m      *walMetrics
	meta   *archivemeta.Store

	mu                sync.Mutex
	cond              *sync.Cond
	currentAbsIndex   int64
	lastArchivedIndex int64
	reserved          map[uint64]int
	locked            map[uint64]int
	err               error

	stopCh chan struct{}
	doneCh chan struct{}
}

// newArchiver constructs the archiver. lastArchivedIndex should be -1 if
// the archive directory is empty.
func newArchiver(cfg Config, currentAbsIndex uint64, lastArchivedIndex int64, m *walMetrics, logger log.Logger, meta *archivemeta.Store) *archiver {
	a := &archiver{
		workDir:           workDirFor(cfg),
		archiveDir:        archiveDirFor(cfg),
		segments:          cfg.WalSegments,
		segSize:           cfg.SegmentSize,
		zeroFill:          cfg.Mode == ModeDefault,
		version:           cfg.Codec.Version(),
		logger:            log.With(logger, "component", "archiver"),
		m:                 m,
		meta:              meta,
		currentAbsIndex:   int64(currentAbsIndex),
		lastArchivedIndex: lastArchivedIndex,
		reserved:          map[uint64]int{},
		locked:            map[uint64]int{},
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

func workDirFor(cfg Config) string {
	return filepath.Join(cfg.WorkRoot, cfg.ConsistentID)
}

func archiveDirFor(cfg Config) string {
	return filepath.Join(cfg.ArchiveRoot, cfg.ConsistentID)
}

func (a *archiver) workSlotPath(absIndex uint64) string {
	slot := absIndex % uint64(a.segments)
	return filepath.Join(a.workDir, segment.FileName(slot, a.version))
}

func (a *archiver) archivePath(absIndex uint64) string {
	return filepath.Join(a.archiveDir, segment.FileName(absIndex, a.version))
}

func (a *archiver) start() {
	go a.run()
}

func (a *archiver) stop() {
	close(a.stopCh)
	a.cond.Broadcast()
	<-a.doneCh
}

func (a *archiver) stopped() bool {
	select {
	case <-a.stopCh:
		return true
	default:
		return false
	}
}

func (a *archiver) run() {
	defer close(a.doneCh)
	for {
		a.mu.Lock()
		for a.lastArchivedIndex >= a.currentAbsIndex-1 && a.err == nil && !a.stopped() {
			a.cond.Wait()
		}
		if a.err != nil || a.stopped() {
			a.mu.Unlock()
			return
		}
		toArchive := uint64(a.lastArchivedIndex + 1)
		a.mu.Unlock()

		if err := a.copyToArchive(toArchive); err != nil {
			a.mu.Lock()
			a.err = err
			a.mu.Unlock()
			level.Error(a.logger).Log("msg", "archival failed, archiver stopping", "index", toArchive, "err", err)
			a.cond.Broadcast()
			return
		}

		// Publish as soon as the archive file is durable and renamed, not
		// after the work slot is reformatted: the archive copy is already
		// immutable at this point, so any reader arriving from here on
		// reads it directly instead of racing to pin a work slot this
		// goroutine is about to recycle.
		a.mu.Lock()
		a.lastArchivedIndex = int64(toArchive)
		a.cond.Broadcast()
		a.mu.Unlock()

		if err := a.reformatArchivedWorkSlot(toArchive); err != nil {
			a.mu.Lock()
			a.err = err
			a.mu.Unlock()
			level.Error(a.logger).Log("msg", "work slot reformat failed, archiver stopping", "index", toArchive, "err", err)
			a.cond.Broadcast()
			return
		}

		a.m.segmentsArchived.Inc()
		a.cond.Broadcast()
	}
}

func (a *archiver) copyToArchive(absIndex uint64) error {
	workPath := a.workSlotPath(absIndex)
	archivePath := a.archivePath(absIndex)

	info, err := os.Stat(workPath)
	if err != nil {
		return fmt.Errorf("archiver: stat work slot for %d: %w", absIndex, err)
	}

	if err := segment.CopyFile(archivePath, workPath, a.zeroFill); err != nil {
		return err
	}

	if a.meta != nil {
		_ = a.meta.Put(archivemeta.Record{
			AbsIndex:   absIndex,
			ArchivedAt: time.Now(),
			ByteSize:   info.Size(),
		})
	}
	return nil
}

// reformatArchivedWorkSlot waits for any replay pin acquired before
// publication to drain, then re-formats the work slot for reuse.
func (a *archiver) reformatArchivedWorkSlot(absIndex uint64) error {
	a.mu.Lock()
	for a.locked[absIndex] > 0 {
		a.cond.Wait()
	}
	a.mu.Unlock()

	return a.reformatWorkSlot(a.workSlotPath(absIndex))
}

func (a *archiver) reformatWorkSlot(path string) error {
	if a.zeroFill {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("archiver: remove work slot %s: %w", path, err)
		}
		if _, err := segment.CreateAndFormat(path, a.segSize, true); err != nil {
			return err
		}
		return nil
	}
	f, err := segment.OpenRW(path, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(0)
}

// nextAbsoluteIndex is called by the writer at rollover. It increments
// currentAbsIndex, then blocks while the archiver is more than WalSegments
// behind (which would mean overwriting a not-yet-archived work slot).
func (a *archiver) nextAbsoluteIndex() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return 0, a.err
	}
	a.currentAbsIndex++
	a.cond.Broadcast()
	for a.currentAbsIndex-a.lastArchivedIndex > int64(a.segments) && a.err == nil {
		a.cond.Wait()
	}
	if a.err != nil {
		return 0, a.err
	}
	return uint64(a.currentAbsIndex), nil
}

// checkCanReadArchiveOrReserveWork is called by replay. If abs is
// already archived it returns true (read from archive); otherwise it
// pins the work slot and returns false.
func (a *archiver) checkCanReadArchiveOrReserveWork(abs uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int64(abs) <= a.lastArchivedIndex {
		return true
	}
	a.locked[abs]++
	a.m.workSlotPins.Set(float64(a.totalLockedLocked()))
	return false
}

func (a *archiver) releaseWork(abs uint64) {
	a.mu.Lock()
	if a.locked[abs] > 0 {
		a.locked[abs]--
		if a.locked[abs] == 0 {
			delete(a.locked, abs)
		}
	}
	a.m.workSlotPins.Set(float64(a.totalLockedLocked()))
	a.mu.Unlock()
	a.cond.Broadcast()
}

func (a *archiver) totalLockedLocked() int {
	n := 0
	for _, c := range a.locked {
		n += c
	}
	return n
}

func (a *archiver) reserve(abs uint64) {
	a.mu.Lock()
	a.reserved[abs]++
	a.m.reservations.Set(float64(a.totalReservedLocked()))
	a.mu.Unlock()
}

func (a *archiver) release(abs uint64) {
	a.mu.Lock()
	if a.reserved[abs] > 0 {
		a.reserved[abs]--
		if a.reserved[abs] == 0 {
			delete(a.reserved, abs)
		}
	}
	a.m.reservations.Set(float64(a.totalReservedLocked()))
	a.mu.Unlock()
}

func (a *archiver) totalReservedLocked() int {
	n := 0
	for _, c := range a.reserved {
		n += c
	}
	return n
}

// reservedForTruncate reports whether abs must survive a truncate: it is
// at or above the smallest reserved index, or its work slot is pinned.
func (a *archiver) reservedForTruncate(abs uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.locked[abs] > 0 {
		return true
	}
	minReserved, any := uint64(0), false
	for idx := range a.reserved {
		if !any || idx < minReserved {
			minReserved = idx
			any = true
		}
	}
	return any && abs >= minReserved
}

func (a *archiver) snapshot() (currentAbsIndex uint64, lastArchivedIndex int64, reservations, pins int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(a.currentAbsIndex), a.lastArchivedIndex, a.totalReservedLocked(), a.totalLockedLocked()
}
