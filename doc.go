// Package wal implements a segmented, single-writer write-ahead log
// suitable for embedding in an in-memory data grid as the durability
// layer under page memory, B-tree indexing, checkpointing, and
// transaction coordination — none of which this package knows about.
//
// Key components:
//   - Manager: lifecycle, configuration, reservation table, public API.
//   - Handle: the active tail segment — lock-free record chaining,
//     batched flushes, fsync coordination, rollover.
//   - archiver: background task rotating filled work segments into the
//     archive directory.
//   - Iterator: replay of archived and active segments from a pointer.
//
// Records and their on-disk framing are defined by the caller-supplied
// walrecord.Codec; segment-level file I/O lives in the segment package.
package wal
