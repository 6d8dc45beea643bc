// Package segment owns positional I/O on a single fixed-size
// write-ahead-log file, work or archive. It knows nothing about records,
// rings, or archival policy — only bytes, offsets, and fsync.
package segment

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const zeroFillChunk = 1 << 20 // 1 MiB

// File is one open segment file handle.
type File struct {
	path   string
	f      *os.File
	closed bool
}

// CreateAndFormat creates a new segment file at path. When zeroFill is
// true (DEFAULT mode) the file is pre-filled with exactly size zero bytes
// so a crash mid-write leaves only the in-progress region
// possibly torn; otherwise an empty file is created and grown lazily by
// WriteAt. The file is built under a .tmp name and atomically renamed
// into place; the temp file is removed on any failure.
func CreateAndFormat(path string, size int64, zeroFill bool) (*File, error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: create %s: %w", tmp, err)
	}

	if err := formatNewFile(f, size, zeroFill); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, err
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("segment: close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("segment: rename %s -> %s: %w", tmp, path, err)
	}

	return OpenRW(path, 0)
}

func formatNewFile(f *os.File, size int64, zeroFill bool) error {
	if !zeroFill {
		return nil
	}
	zeros := make([]byte, zeroFillChunk)
	var written int64
	for written < size {
		n := int64(len(zeros))
		if remaining := size - written; remaining < n {
			n = remaining
		}
		if _, err := f.Write(zeros[:n]); err != nil {
			return fmt.Errorf("segment: zero-fill: %w", err)
		}
		written += n
	}
	return f.Sync()
}

// OpenRW opens a pre-created segment file for positional reads and
// writes, seeking its logical position to initialPosition (informational
// only — all I/O below is positional via WriteAt/ReadAt).
func OpenRW(path string, initialPosition int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}
	if _, err := f.Seek(initialPosition, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: seek %s: %w", path, err)
	}
	return &File{path: path, f: f}, nil
}

// OpenReadOnly opens an existing segment file for read-only positional
// access, used by replay.
func OpenReadOnly(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}
	return &File{path: path, f: f}, nil
}

// Path returns the file's current on-disk path.
func (f *File) Path() string { return f.path }

// WriteAt writes b starting at the given byte position. Callers are
// responsible for calling this with strictly increasing positions per
// file; the segment itself does not serialize concurrent callers.
func (f *File) WriteAt(position int64, b []byte) (int, error) {
	n, err := f.f.WriteAt(b, position)
	if err != nil {
		return n, fmt.Errorf("segment: write_at %s@%d: %w", f.path, position, err)
	}
	return n, nil
}

// ReadAt reads len(b) bytes starting at position.
func (f *File) ReadAt(position int64, b []byte) (int, error) {
	return f.f.ReadAt(b, position)
}

// Force flushes all buffered bytes to the storage medium.
func (f *File) Force() error {
	if err := f.f.Sync(); err != nil {
		return fmt.Errorf("segment: force %s: %w", f.path, err)
	}
	return nil
}

// Truncate resizes the file, used to re-format a work slot to zero
// length outside DEFAULT mode.
func (f *File) Truncate(size int64) error {
	if err := f.f.Truncate(size); err != nil {
		return fmt.Errorf("segment: truncate %s: %w", f.path, err)
	}
	return nil
}

// Size reports the file's current length.
func (f *File) Size() (int64, error) {
	info, err := f.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Close releases OS resources. It is idempotent.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	return f.f.Close()
}

// CopyFile copies the contents of src to a freshly created dst (via a
// .tmp name, fsynced when fsync is true, then renamed into place). It is
// the building block the archiver uses to move a filled work segment
// into the archive directory; running it twice on the same dst is safe
// because of the .tmp + rename pattern.
func CopyFile(dst, src string, fsync bool) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("segment: open src %s: %w", src, err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("segment: create %s: %w", tmp, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("segment: copy %s -> %s: %w", src, tmp, err)
	}

	if fsync {
		if err := out.Sync(); err != nil {
			out.Close()
			os.Remove(tmp)
			return fmt.Errorf("segment: fsync %s: %w", tmp, err)
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("segment: close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("segment: rename %s -> %s: %w", tmp, dst, err)
	}
	return nil
}

// RemoveTempFiles deletes any leftover *.tmp files in dir, used on
// startup after a crash mid-create.
func RemoveTempFiles(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Ext(e.Name()) == ".tmp" {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return fmt.Errorf("segment: remove leftover temp %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}
