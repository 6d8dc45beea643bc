package segment

import (
	"fmt"
	"regexp"
	"strconv"
)

// nameRe matches a final segment file name: a 16-digit zero-padded
// absolute index, the serializer version, and the .wal suffix.
var nameRe = regexp.MustCompile(`^(\d{16})\.v(\d+)\.wal$`)

// FileName returns the final on-disk name for the segment at absIndex
// written with the given serializer version.
func FileName(absIndex uint64, version uint16) string {
	return fmt.Sprintf("%016d.v%d.wal", absIndex, version)
}

// TempFileName returns the name used while a segment is being created
// atomically, before it is renamed to FileName.
func TempFileName(absIndex uint64, version uint16) string {
	return FileName(absIndex, version) + ".tmp"
}

// ParseName extracts the absolute index and serializer version from a
// final segment file name. ok is false if name does not match the
// grammar.
func ParseName(name string) (absIndex uint64, version uint16, ok bool) {
	m := nameRe.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	idx, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	v, err := strconv.ParseUint(m[2], 10, 16)
	if err != nil {
		return 0, 0, false
	}
	return idx, uint16(v), true
}
