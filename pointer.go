package wal

import "fmt"

// Pointer identifies one record's location: the absolute segment it was
// written into, its byte offset within that segment, and its encoded
// length.
type Pointer struct {
	SegmentIndex uint64
	FileOffset   uint32
	Length       uint32
}

// IsZero reports whether p is the zero Pointer, used as the sentinel for
// "no pointer" (e.g. replay from the very beginning).
func (p Pointer) IsZero() bool {
	return p.SegmentIndex == 0 && p.FileOffset == 0 && p.Length == 0
}

// EndOffset is the offset one past the last byte of the record p names.
func (p Pointer) EndOffset() uint32 {
	return p.FileOffset + p.Length
}

// Less orders pointers by (segment_index, file_offset), the total order
// append and replay agree on.
func (p Pointer) Less(o Pointer) bool {
	if p.SegmentIndex != o.SegmentIndex {
		return p.SegmentIndex < o.SegmentIndex
	}
	return p.FileOffset < o.FileOffset
}

func (p Pointer) String() string {
	return fmt.Sprintf("(%d, %d, %d)", p.SegmentIndex, p.FileOffset, p.Length)
}
