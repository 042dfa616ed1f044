// Package segment abstracts the managed-memory region a heap grows and
// shrinks against, so pkg/heap can run unmodified over a plain in-process
// byte slice or over real WebAssembly linear memory.
package segment

import "errors"

// ErrSegmentFailure is returned when a read or write falls outside the
// segment's current bounds.
var ErrSegmentFailure = errors.New("segment: access out of bounds")

// ErrShrinkUnsupported is returned by drivers that can only grow.
var ErrShrinkUnsupported = errors.New("segment: shrink not supported")

// Memory gives word-level and byte-level access to a region of managed
// memory addressed by byte offset from its start.
type Memory interface {
	ReadUint64(offset uint64) (uint64, error)
	WriteUint64(offset uint64, value uint64) error
	ReadAt(offset uint64, buf []byte) error
	WriteAt(offset uint64, data []byte) error
}

// Driver is the program-break abstraction: it owns a single contiguous
// region of memory and can extend or retract its high end.
type Driver interface {
	Memory

	// Grow extends the segment by delta bytes and returns the offset at
	// which the new region begins (the break before growth).
	Grow(delta uint64) (uint64, error)

	// Shrink retracts the segment by delta bytes from its current end.
	// Drivers that cannot give memory back return ErrShrinkUnsupported.
	Shrink(delta uint64) (uint64, error)

	// CurrentBreak returns the current size of the segment in bytes.
	CurrentBreak() uint64
}
