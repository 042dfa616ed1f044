// Package heap implements a brk-style dynamic memory allocator over a
// pluggable segment.Driver: Allocate, Free, Reallocate and Zalloc, backed
// by an address-ordered free list (internal/freelist) and a program-break
// abstraction (internal/segment).
//
// A Heap carries no internal mutex. It is single-threaded and
// non-reentrant by design, mirroring brk()/sbrk()-backed allocators in
// general: callers that need concurrent access must serialize it
// themselves, same as libc's malloc does with its own arena lock.
package heap

import (
	"errors"
	"math"

	"github.com/kelvinforge/brkheap/internal/addr"
	"github.com/kelvinforge/brkheap/internal/freelist"
	"github.com/kelvinforge/brkheap/internal/segment"
)

const (
	// PageGrow is how many bytes the segment grows by whenever the free
	// list cannot satisfy a request and the heap must extend its break.
	PageGrow = 200 * 1024
	// ReclaimChunk is the granularity at which freed trailing space is
	// handed back to the segment driver.
	ReclaimChunk = 128 * 1024
)

type state int

const (
	stateUninitialized state = iota
	stateEmpty
	statePopulated
)

// Heap is a brk-style allocator over a segment.Driver.
type Heap struct {
	driver segment.Driver
	free   *freelist.List
	stats  Stats

	state state

	initialBreak uint64
	programBreak uint64

	debugAsserts bool
}

// New returns a Heap over driver. The driver is not touched until the
// first Allocate call, matching brk()'s lazy-initialization behavior.
func New(driver segment.Driver) *Heap {
	return &Heap{
		driver: driver,
		free:   freelist.New(driver),
		state:  stateUninitialized,
	}
}

// ProgramBreak returns the current high end of the managed region.
func (h *Heap) ProgramBreak() uint64 {
	return h.programBreak
}

// InitialBreak returns the segment size observed when the heap first
// initialized, before any growth.
func (h *Heap) InitialBreak() uint64 {
	return h.initialBreak
}

func (h *Heap) ensureInitialized() {
	if h.state == stateUninitialized {
		h.initialBreak = h.driver.CurrentBreak()
		h.programBreak = h.initialBreak
		h.state = stateEmpty
	}
}

// growOnePage extends the segment by PageGrow bytes and registers the new
// space as one free block.
func (h *Heap) growOnePage() error {
	prevBreak, err := h.driver.Grow(PageGrow)
	if err != nil {
		return ErrOutOfMemory
	}
	h.programBreak = prevBreak + PageGrow
	h.free.RegisterFreeRegion(addr.HeaderAddr(prevBreak), PageGrow)
	h.state = statePopulated
	h.stats.recordGrow()
	return nil
}

// Allocate reserves a payload of at least size bytes and returns its
// address. It grows the segment, one page at a time, until the free list
// can satisfy the request.
func (h *Heap) Allocate(size uint64) (addr.PayloadAddr, error) {
	h.ensureInitialized()

	requested := addr.PayloadSize(size)

	for {
		p, err := h.free.FindBestFit(requested)
		if err == nil {
			h.stats.recordAlloc(requested)
			h.assertInvariants()
			return p, nil
		}
		if !errors.Is(err, freelist.ErrNotFound) {
			return addr.NullPayload, err
		}
		if growErr := h.growOnePage(); growErr != nil {
			return addr.NullPayload, growErr
		}
	}
}

// Free returns a previously allocated block to the free list. Freeing
// addr.NullPayload is a no-op, matching free(NULL)'s contract.
func (h *Heap) Free(p addr.PayloadAddr) {
	if p == addr.NullPayload {
		return
	}

	header := p.Header()
	h.free.Insert(header)
	size := addr.HeaderSize + h.free.Length(header)
	h.stats.recordFree(size)

	chunks, ok := h.free.PlanReclaim(ReclaimChunk)
	if !ok {
		h.assertInvariants()
		return
	}
	// Only a trailing free run that reaches the program break can be
	// handed back; Shrink would otherwise cut off a live block above it.
	last := h.free.Head()
	for n := last; n.Valid(); n = h.free.Next(n) {
		last = n
	}
	if uint64(last)+addr.HeaderSize+h.free.Length(last) != h.programBreak {
		h.assertInvariants()
		return
	}

	newBreak, err := h.driver.Shrink(chunks * ReclaimChunk)
	if err != nil {
		// Driver can't (or won't) give memory back right now — the
		// free span stays intact in the list either way.
		h.assertInvariants()
		return
	}

	reclaimed := h.free.CommitReclaim(ReclaimChunk)
	h.programBreak = newBreak
	h.stats.recordReclaim(reclaimed / ReclaimChunk)
	h.assertInvariants()
}

// Reallocate resizes the block at p to newSize bytes, preserving its
// contents up to the smaller of the old and new sizes, and returns the
// (possibly different) address of the resized block.
func (h *Heap) Reallocate(p addr.PayloadAddr, newSize uint64) (addr.PayloadAddr, error) {
	if p == addr.NullPayload {
		return h.Allocate(newSize)
	}
	if newSize == 0 {
		h.Free(p)
		return addr.NullPayload, nil
	}

	rounded := addr.PayloadSize(newSize)
	header := p.Header()
	oldSize := h.free.Length(header)

	if rounded <= oldSize {
		if oldSize-rounded > addr.MinPayload {
			tail := addr.HeaderAddr(uint64(header) + addr.HeaderSize + rounded)
			h.free.WriteHeader(tail, oldSize-rounded-addr.HeaderSize)
			h.free.Insert(tail)
		}
		// rounded is written unconditionally, matching Allocate/FindBestFit:
		// a remainder too small to split is absorbed, not left exposed as
		// the old, larger header value.
		h.free.WriteHeader(header, rounded)
		h.assertInvariants()
		return p, nil
	}

	delta := rounded - oldSize
	adjacentHeader := addr.HeaderAddr(uint64(header) + addr.HeaderSize + oldSize)

	for {
		cand, err := h.free.FindBestFit(delta)
		if err == nil {
			if uint64(cand.Header()) == uint64(adjacentHeader) {
				// The absorbed block's header dissolves into plain
				// payload bytes. rounded is written directly, matching
				// the header's "always the most recently requested
				// size" contract — any slack FindBestFit couldn't split
				// off becomes internal fragmentation, not an inflated
				// header value.
				h.free.WriteHeader(header, rounded)
				h.stats.recordAlloc(rounded - oldSize)
				h.assertInvariants()
				return p, nil
			}
			// Not adjacent: give the candidate back to the list and
			// fall through to a grow-and-relocate allocation instead.
			h.free.WriteHeader(cand.Header(), h.free.Length(cand.Header()))
			h.free.Insert(cand.Header())
			break
		}
		if !errors.Is(err, freelist.ErrNotFound) {
			return addr.NullPayload, err
		}
		if growErr := h.growOnePage(); growErr != nil {
			return addr.NullPayload, growErr
		}
	}

	newPayload, err := h.Allocate(newSize)
	if err != nil {
		return addr.NullPayload, err
	}
	if err := h.copyAndFreeOld(p, newPayload, oldSize); err != nil {
		return addr.NullPayload, err
	}
	return newPayload, nil
}

func (h *Heap) copyAndFreeOld(oldPayload, newPayload addr.PayloadAddr, oldSize uint64) error {
	buf := make([]byte, oldSize)
	if err := h.driver.ReadAt(uint64(oldPayload), buf); err != nil {
		return ErrSegmentFailure
	}
	if err := h.driver.WriteAt(uint64(newPayload), buf); err != nil {
		return ErrSegmentFailure
	}
	h.Free(oldPayload)
	return nil
}

// Zalloc allocates space for nmemb elements of size bytes each and zeroes
// it, matching calloc()'s contract including its overflow check on
// nmemb*size.
func (h *Heap) Zalloc(nmemb, size uint64) (addr.PayloadAddr, error) {
	if nmemb == 0 || size == 0 {
		return h.Allocate(0)
	}
	if size > math.MaxUint64/nmemb {
		return addr.NullPayload, ErrSizeOverflow
	}
	total := nmemb * size

	p, err := h.Allocate(total)
	if err != nil {
		return addr.NullPayload, err
	}
	if err := h.zeroFill(p, total); err != nil {
		return addr.NullPayload, err
	}
	return p, nil
}

func (h *Heap) zeroFill(p addr.PayloadAddr, size uint64) error {
	zero := make([]byte, size)
	if err := h.driver.WriteAt(uint64(p), zero); err != nil {
		return ErrSegmentFailure
	}
	return nil
}
