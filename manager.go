package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/nimbusgrid/gridwal/archivemeta"
	"github.com/nimbusgrid/gridwal/segment"
	"github.com/nimbusgrid/gridwal/walrecord"
)

// segmentMeta is what Manager knows about one archived segment without
// touching the filesystem again.
type segmentMeta struct {
	archivedAt time.Time
	byteSize   int64
}

type uint64Comparer struct{}

func (uint64Comparer) Compare(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Manager is the public handle on one embedded write-ahead log. Build one
// with Open.
type Manager struct {
	cfg    Config
	logger log.Logger
	m      *walMetrics
	meta   *archivemeta.Store
	arch   *archiver

	workDir    string
	archiveDir string

	currentHandle atomic.Pointer[Handle]
	rolloverMu    sync.Mutex

	// segments is an immutable snapshot of the archived segments found by
	// Open's directory scan. Truncate drops the entries for the files it
	// deletes and installs the result with a plain Store. Segments the
	// archiver adds after Open are not entered, and no other code reads it.
	segments atomic.Pointer[immutable.SortedMap[uint64, segmentMeta]]

	flusherStop chan struct{}
	flusherDone chan struct{}

	closed atomic.Bool
}

// Open validates and prepares the on-disk layout for a log but does not
// yet start writing; call ResumeLogging to begin accepting appends.
func Open(opts ...Option) (*Manager, error) {
	cfg := buildConfig(opts...)
	if cfg.ConsistentID == "" {
		return nil, errors.New("wal: ConsistentID must be set")
	}

	workDir := workDirFor(cfg)
	archiveDir := archiveDirFor(cfg)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create work dir: %w", err)
	}
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create archive dir: %w", err)
	}
	if err := segment.RemoveTempFiles(workDir); err != nil {
		return nil, err
	}
	if err := segment.RemoveTempFiles(archiveDir); err != nil {
		return nil, err
	}

	archived, err := scanArchiveDir(archiveDir)
	if err != nil {
		return nil, err
	}
	lastArchivedIndex := int64(-1)
	segments := immutable.NewSortedMap[uint64, segmentMeta](uint64Comparer{})
	for _, idx := range archived {
		if int64(idx) > lastArchivedIndex {
			lastArchivedIndex = int64(idx)
		}
		segments = segments.Set(idx, segmentMeta{})
	}

	if err := validateWorkDir(workDir, cfg); err != nil {
		return nil, err
	}
	if err := preallocateWorkSlots(workDir, cfg); err != nil {
		return nil, err
	}

	metaPath := filepath.Join(archiveDir, "archivemeta.db")
	metaStore, err := archivemeta.Open(metaPath)
	if err != nil {
		return nil, err
	}
	reconcileArchiveMeta(metaStore, archiveDir, archived, cfg.Codec.Version(), cfg.Logger)

	m := newWALMetrics(cfg.Registerer)
	logger := cfg.Logger

	mgr := &Manager{
		cfg:        cfg,
		logger:     logger,
		m:          m,
		meta:       metaStore,
		workDir:    workDir,
		archiveDir: archiveDir,
	}
	mgr.segments.Store(segments)
	mgr.arch = newArchiver(cfg, 0, lastArchivedIndex, m, logger, metaStore)
	return mgr, nil
}

func scanArchiveDir(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: read archive dir: %w", err)
	}
	var out []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, _, ok := segment.ParseName(e.Name())
		if !ok {
			continue
		}
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// validateWorkDir enforces Open's startup checks: at most WalSegments
// entries, and in DEFAULT mode every entry's size matches SegmentSize.
func validateWorkDir(dir string, cfg Config) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("wal: read work dir: %w", err)
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		count++
		if cfg.Mode != ModeDefault {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return fmt.Errorf("wal: stat work file %s: %w", e.Name(), err)
		}
		if info.Size() != cfg.SegmentSize {
			return fmt.Errorf("%w: work file %s has size %d, expected %d", ErrCorruptLog, e.Name(), info.Size(), cfg.SegmentSize)
		}
	}
	if count > cfg.WalSegments {
		return fmt.Errorf("%w: work dir has %d entries, expected at most %d", ErrCorruptLog, count, cfg.WalSegments)
	}
	return nil
}

func preallocateWorkSlots(dir string, cfg Config) error {
	for slot := 0; slot < cfg.WalSegments; slot++ {
		path := filepath.Join(dir, segment.FileName(uint64(slot), cfg.Codec.Version()))
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("wal: stat work slot %s: %w", path, err)
		}
		f, err := segment.CreateAndFormat(path, cfg.SegmentSize, cfg.Mode == ModeDefault)
		if err != nil {
			return err
		}
		f.Close()
	}
	return nil
}

// reconcileArchiveMeta is a best-effort validation pass: it logs (never
// fails Open) when the side table disagrees with what the directory scan
// just found, since the directory listing is always the source of truth.
func reconcileArchiveMeta(store *archivemeta.Store, archiveDir string, archived []uint64, version uint16, logger log.Logger) {
	for _, idx := range archived {
		rec, ok, err := store.Get(idx)
		if err != nil || !ok {
			continue
		}
		info, err := os.Stat(filepath.Join(archiveDir, segment.FileName(idx, version)))
		if err != nil {
			continue
		}
		if info.Size() != rec.ByteSize && rec.ByteSize != 0 {
			level.Warn(logger).Log("msg", "archive metadata disagrees with filesystem", "index", idx, "recorded_size", rec.ByteSize, "actual_size", info.Size())
		}
	}
}

// ResumeLogging installs the active write handle and starts the
// background workers. lastRead is the pointer the host last observed as
// durable (e.g. from its own replay checkpoint); nil means start a brand
// new log from segment 0.
func (mgr *Manager) ResumeLogging(lastRead *Pointer) error {
	_, lastArchived, _, _ := mgr.arch.snapshot()

	var segIdx uint64
	var initialWritten uint64
	fresh := lastRead == nil
	if fresh {
		if lastArchived >= 0 {
			segIdx = uint64(lastArchived) + 1
		} else {
			segIdx = 0
		}
	} else {
		segIdx = lastRead.SegmentIndex
		initialWritten = uint64(lastRead.EndOffset())
	}

	mgr.arch.mu.Lock()
	mgr.arch.currentAbsIndex = int64(segIdx)
	mgr.arch.mu.Unlock()
	mgr.arch.start()

	path := mgr.arch.workSlotPath(segIdx)
	f, err := segment.OpenRW(path, int64(initialWritten))
	if err != nil {
		return err
	}

	h := newHandle(segIdx, f, initialWritten, mgr.cfg, mgr.m, mgr.logger)
	if fresh {
		if _, err := h.Append(walrecord.Header{Version: mgr.cfg.Codec.Version()}); err != nil {
			return fmt.Errorf("wal: writing header for segment %d: %w", segIdx, err)
		}
		if err := h.Flush(nil); err != nil {
			return err
		}
	}
	mgr.currentHandle.Store(h)

	if mgr.cfg.Mode == ModeBackground {
		mgr.flusherStop = make(chan struct{})
		mgr.flusherDone = make(chan struct{})
		go mgr.runFlusher()
	}
	return nil
}

func (mgr *Manager) runFlusher() {
	defer close(mgr.flusherDone)
	t := time.NewTicker(mgr.cfg.FlushFrequency)
	defer t.Stop()
	for {
		select {
		case <-mgr.flusherStop:
			return
		case <-t.C:
			if h := mgr.currentHandle.Load(); h != nil {
				if _, err := h.tryDrain(); err != nil {
					level.Error(mgr.logger).Log("msg", "background flush failed", "err", err)
				}
			}
		}
	}
}

// Append delegates to the active write handle, transparently rolling
// over to a fresh segment and retrying when the current one is full.
func (mgr *Manager) Append(rec walrecord.Record) (Pointer, error) {
	if mgr.closed.Load() {
		return Pointer{}, ErrClosed
	}
	for {
		h := mgr.currentHandle.Load()
		if h == nil {
			return Pointer{}, ErrClosed
		}
		ptr, err := h.Append(rec)
		if err == nil {
			if !ptr.IsZero() {
				mgr.m.appends.Inc()
			}
			return ptr, nil
		}
		if !errors.Is(err, errRolloverRequired) {
			return Pointer{}, err
		}
		if err := mgr.rollover(h); err != nil {
			return Pointer{}, err
		}
	}
}

// rollover performs the OPEN -> CLOSING -> CLOSED transition on old and
// installs its successor. Callers that lose the race simply observe the
// new handle already installed and retry their append against it.
func (mgr *Manager) rollover(old *Handle) error {
	mgr.rolloverMu.Lock()
	defer mgr.rolloverMu.Unlock()

	if mgr.currentHandle.Load() != old {
		return nil
	}

	old.Close(true)
	mgr.m.segmentRotations.Inc()
	mgr.m.lastSegmentAgeSeconds.Set(time.Since(old.CreatedAt()).Seconds())

	nextIdx, err := mgr.arch.nextAbsoluteIndex()
	if err != nil {
		return ErrStorage
	}

	path := mgr.arch.workSlotPath(nextIdx)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := segment.CreateAndFormat(path, mgr.cfg.SegmentSize, mgr.cfg.Mode == ModeDefault)
		if err != nil {
			return err
		}
		f.Close()
	}
	f, err := segment.OpenRW(path, 0)
	if err != nil {
		return err
	}

	next := newHandle(nextIdx, f, 0, mgr.cfg, mgr.m, mgr.logger)
	if _, err := next.Append(walrecord.Header{Version: mgr.cfg.Codec.Version()}); err != nil {
		return fmt.Errorf("wal: writing header for segment %d: %w", nextIdx, err)
	}
	if err := next.Flush(nil); err != nil {
		return err
	}

	mgr.currentHandle.Store(next)
	return nil
}

// Fsync blocks until upto (or everything written so far, if nil) is
// durable. A pointer naming an already-rolled-past segment returns
// immediately: it is necessarily durable already, since rollover fsyncs
// the outgoing segment before installing its successor.
func (mgr *Manager) Fsync(upto *Pointer) error {
	if mgr.closed.Load() {
		return ErrClosed
	}
	h := mgr.currentHandle.Load()
	if h == nil {
		return ErrClosed
	}
	if upto != nil && upto.SegmentIndex < h.segmentIndex {
		return nil
	}
	return h.Fsync(upto)
}

// Replay returns an iterator over (Pointer, Record) pairs starting at
// from (or the earliest surviving segment if nil).
func (mgr *Manager) Replay(from *Pointer) (*Iterator, error) {
	return newIterator(mgr, from, nil)
}

// Reserve pins the segment containing p against truncation, returning
// true iff that segment currently exists.
func (mgr *Manager) Reserve(p Pointer) bool {
	if mgr.closed.Load() {
		return false
	}
	cur, last, _, _ := mgr.arch.snapshot()
	if int64(p.SegmentIndex) <= last {
		if _, err := os.Stat(mgr.arch.archivePath(p.SegmentIndex)); err != nil {
			return false
		}
	} else if p.SegmentIndex > cur {
		return false
	}
	mgr.arch.reserve(p.SegmentIndex)
	return true
}

// Release undoes a prior successful Reserve.
func (mgr *Manager) Release(p Pointer) {
	mgr.arch.release(p.SegmentIndex)
}

// Truncate deletes archive files strictly below upTo.SegmentIndex-1,
// honoring reservations and always retaining the second-newest archived
// segment so last_archived_index can be recomputed from a directory
// listing alone after a crash. It returns the number of files deleted.
func (mgr *Manager) Truncate(upTo Pointer) (uint64, error) {
	if mgr.closed.Load() {
		return 0, ErrClosed
	}
	if upTo.SegmentIndex == 0 {
		return 0, nil
	}
	_, last, _, _ := mgr.arch.snapshot()
	if last < 0 {
		return 0, nil
	}

	limit := upTo.SegmentIndex - 1
	if uint64(last) < limit {
		limit = uint64(last)
	}
	if last >= 1 && limit > uint64(last-1) {
		limit = uint64(last - 1)
	}

	archived, err := scanArchiveDir(mgr.archiveDir)
	if err != nil {
		return 0, err
	}

	var deleted uint64
	segments := mgr.segments.Load()
	for _, idx := range archived {
		if idx >= limit {
			break
		}
		if mgr.arch.reservedForTruncate(idx) {
			continue
		}
		if err := os.Remove(filepath.Join(mgr.archiveDir, segment.FileName(idx, mgr.cfg.Codec.Version()))); err != nil {
			mgr.m.truncations.WithLabelValues("false").Inc()
			return deleted, fmt.Errorf("wal: truncate remove segment %d: %w", idx, err)
		}
		_ = mgr.meta.Delete(idx)
		segments = segments.Delete(idx)
		deleted++
	}
	mgr.segments.Store(segments)
	mgr.m.truncations.WithLabelValues("true").Inc()
	return deleted, nil
}

// Stats is a point-in-time diagnostics snapshot for hosts that poll the
// log directly rather than scraping Prometheus.
type Stats struct {
	CurrentAbsIndex   uint64
	LastArchivedIndex int64
	Reservations      int
	WorkSlotPins      int
	RingOccupancy     int
	FsyncDelay        FsyncDelayStats
}

// Stats reports the manager's current diagnostics snapshot.
func (mgr *Manager) Stats() Stats {
	cur, last, reservations, pins := mgr.arch.snapshot()
	occ := int(cur) - int(last)
	if occ < 0 {
		occ = 0
	}
	return Stats{
		CurrentAbsIndex:   cur,
		LastArchivedIndex: last,
		Reservations:      reservations,
		WorkSlotPins:      pins,
		RingOccupancy:     occ,
		FsyncDelay:        mgr.m.fsyncDelayStats(),
	}
}

// Close stops the archiver and any background flusher, flushes and
// closes the active handle, and releases the archive metadata store. It
// is idempotent.
func (mgr *Manager) Close() error {
	if !mgr.closed.CompareAndSwap(false, true) {
		return nil
	}
	if mgr.flusherStop != nil {
		close(mgr.flusherStop)
		<-mgr.flusherDone
	}
	if h := mgr.currentHandle.Load(); h != nil {
		h.Close(false)
	}
	mgr.arch.stop()
	return mgr.meta.Close()
}
