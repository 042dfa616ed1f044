// Package freelist implements the address-ordered intrusive free list a
// heap searches to satisfy allocations and grows as blocks are freed.
//
// Every free block's header lives inside the block itself, at the block's
// lowest address, in three consecutive 8-byte little-endian words:
// length, prev, next. The list is always kept sorted by ascending header
// address; this ordering is what lets the list cheaply recognize when two
// free blocks are physically contiguous and merge work at reclaim time.
package freelist

import (
	"errors"

	"github.com/kelvinforge/brkheap/internal/addr"
	"github.com/kelvinforge/brkheap/internal/segment"
)

const (
	offLength = 0
	offPrev   = 8
	offNext   = 16
)

// ErrNotFound is returned when no free block can satisfy a request.
var ErrNotFound = errors.New("freelist: no block large enough")

// List is the address-ordered free list over a segment.Memory.
type List struct {
	mem  segment.Memory
	head addr.HeaderAddr
}

// New returns an empty free list over mem.
func New(mem segment.Memory) *List {
	return &List{mem: mem, head: addr.NilAddr}
}

// Head returns the lowest-address free block, or NilAddr if the list is
// empty.
func (l *List) Head() addr.HeaderAddr {
	return l.head
}

func (l *List) length(h addr.HeaderAddr) uint64 {
	v, _ := l.mem.ReadUint64(uint64(h) + offLength)
	return v
}

func (l *List) setLength(h addr.HeaderAddr, v uint64) {
	_ = l.mem.WriteUint64(uint64(h)+offLength, v)
}

func (l *List) prev(h addr.HeaderAddr) addr.HeaderAddr {
	v, _ := l.mem.ReadUint64(uint64(h) + offPrev)
	return addr.HeaderAddr(v)
}

func (l *List) setPrev(h addr.HeaderAddr, p addr.HeaderAddr) {
	_ = l.mem.WriteUint64(uint64(h)+offPrev, uint64(p))
}

// Next returns the free block after h, or NilAddr if h is the tail.
func (l *List) Next(h addr.HeaderAddr) addr.HeaderAddr {
	v, _ := l.mem.ReadUint64(uint64(h) + offNext)
	return addr.HeaderAddr(v)
}

func (l *List) setNext(h addr.HeaderAddr, n addr.HeaderAddr) {
	_ = l.mem.WriteUint64(uint64(h)+offNext, uint64(n))
}

// Length returns the payload length recorded in h's header.
func (l *List) Length(h addr.HeaderAddr) uint64 {
	return l.length(h)
}

// WriteHeader (re)writes h's length field, leaving its link fields
// untouched. Callers that want h linked into the list must still call
// Insert.
func (l *List) WriteHeader(h addr.HeaderAddr, length uint64) {
	l.setLength(h, length)
}

// Insert splices h into the list in ascending-address order. h's length
// field must already be set; Insert only manages prev/next.
func (l *List) Insert(h addr.HeaderAddr) {
	if !l.head.Valid() {
		l.setPrev(h, addr.NilAddr)
		l.setNext(h, addr.NilAddr)
		l.head = h
		return
	}

	if h < l.head {
		l.setPrev(h, addr.NilAddr)
		l.setNext(h, l.head)
		l.setPrev(l.head, h)
		l.head = h
		return
	}

	cur := l.head
	for {
		next := l.Next(cur)
		if !next.Valid() || h < next {
			l.setNext(cur, h)
			l.setPrev(h, cur)
			l.setNext(h, next)
			if next.Valid() {
				l.setPrev(next, h)
			}
			return
		}
		cur = next
	}
}

// Remove unlinks h from the list. h must currently be a member.
func (l *List) Remove(h addr.HeaderAddr) {
	p := l.prev(h)
	n := l.Next(h)

	if p.Valid() {
		l.setNext(p, n)
	} else {
		l.head = n
	}
	if n.Valid() {
		l.setPrev(n, p)
	}
}

// RegisterFreeRegion inserts a brand new free block spanning totalSize
// bytes starting at header, used when a segment grows and the new space
// is handed to the list as one block.
func (l *List) RegisterFreeRegion(header addr.HeaderAddr, totalSize uint64) {
	l.setLength(header, totalSize-addr.HeaderSize)
	l.Insert(header)
}

// contiguous reports whether b begins immediately after a's block ends.
func (l *List) contiguous(a, b addr.HeaderAddr) bool {
	return uint64(b) == uint64(a)+addr.HeaderSize+l.length(a)
}

// group is a maximal run of free blocks that are physically contiguous.
type group struct {
	nodes []addr.HeaderAddr
	total uint64 // sum of HeaderSize+length across nodes
}

func (l *List) buildGroups() []group {
	var groups []group
	var cur *group

	for h := l.head; h.Valid(); h = l.Next(h) {
		blockSize := addr.HeaderSize + l.length(h)
		if cur != nil && l.contiguous(cur.nodes[len(cur.nodes)-1], h) {
			cur.nodes = append(cur.nodes, h)
			cur.total += blockSize
			continue
		}
		groups = append(groups, group{nodes: []addr.HeaderAddr{h}, total: blockSize})
		cur = &groups[len(groups)-1]
	}
	return groups
}

// singleCandidate finds the smallest single free block that satisfies
// requested on its own. Ties keep the first (lowest-address) block found.
func (l *List) singleCandidate(requested uint64) (addr.HeaderAddr, uint64, bool) {
	best := addr.NilAddr
	var bestSize uint64
	for h := l.head; h.Valid(); h = l.Next(h) {
		size := addr.HeaderSize + l.length(h)
		if size < requested+addr.HeaderSize {
			continue
		}
		if !best.Valid() || size < bestSize {
			best = h
			bestSize = size
		}
	}
	return best, bestSize, best.Valid()
}

// fragCandidate is a contiguous run of free blocks whose combined space
// can satisfy a request.
type fragCandidate struct {
	nodes []addr.HeaderAddr
	total uint64
}

// fragmentCandidate finds, for each maximal contiguous group of free
// blocks, the smallest prefix (starting at the group's lowest address)
// that satisfies requested using at least two blocks, then returns the
// smallest such prefix across all groups.
func (l *List) fragmentCandidate(requested uint64) (fragCandidate, bool) {
	need := requested + addr.HeaderSize

	var best fragCandidate
	found := false

	for _, g := range l.buildGroups() {
		if len(g.nodes) < 2 {
			continue
		}
		var running uint64
		for i, h := range g.nodes {
			running += addr.HeaderSize + l.length(h)
			if running >= need && i >= 1 {
				cand := fragCandidate{nodes: append([]addr.HeaderAddr(nil), g.nodes[:i+1]...), total: running}
				if !found || cand.total < best.total {
					best = cand
					found = true
				}
				break
			}
		}
	}
	return best, found
}

// FindBestFit removes and returns the payload address of whichever
// free block (or run of contiguous blocks) best satisfies requested
// bytes, splitting off any remainder larger than addr.MinPayload and
// reinserting it. Returns ErrNotFound if nothing satisfies the request.
func (l *List) FindBestFit(requested uint64) (addr.PayloadAddr, error) {
	single, singleSize, haveSingle := l.singleCandidate(requested)
	frag, haveFrag := l.fragmentCandidate(requested)

	useFragment := haveFrag && (!haveSingle || frag.total < singleSize)
	if !haveSingle && !useFragment {
		return addr.NullPayload, ErrNotFound
	}

	var winnerStart addr.HeaderAddr
	var winnerTotal uint64

	if useFragment {
		for _, n := range frag.nodes {
			l.Remove(n)
		}
		winnerStart = frag.nodes[0]
		winnerTotal = frag.total
	} else {
		l.Remove(single)
		winnerStart = single
		winnerTotal = singleSize
	}

	remainder := winnerTotal - addr.HeaderSize - requested
	if remainder > addr.MinPayload {
		tail := addr.HeaderAddr(uint64(winnerStart) + addr.HeaderSize + requested)
		l.setLength(tail, remainder-addr.HeaderSize)
		l.Insert(tail)
	}
	// requested is written unconditionally: a remainder too small to
	// split is absorbed into internal fragmentation, not exposed as a
	// larger header.
	l.setLength(winnerStart, requested)

	return winnerStart.Payload(), nil
}

// reclaimableChunks computes how many whole chunkSize-byte chunks the
// trailing free run can give up, adjusted so the leftover remainder is
// always either 0 or large enough to host its own header.
func reclaimableChunks(total, chunkSize uint64) (chunks, remainder uint64) {
	chunks = total / chunkSize
	remainder = total - chunks*chunkSize
	if remainder > 0 && remainder <= addr.MinPayload {
		chunks--
		remainder += chunkSize
	}
	return chunks, remainder
}

// PlanReclaim inspects the free list without modifying it and reports how
// many whole chunkSize-byte chunks the highest-address free run could give
// up if the caller commits. The list does not know where the managed
// region ends, so it does not check that this run reaches it; Heap.Free
// checks that against the program break before shrinking. ok is false if
// the trailing free run does not exceed a single chunk.
func (l *List) PlanReclaim(chunkSize uint64) (chunks uint64, ok bool) {
	groups := l.buildGroups()
	if len(groups) == 0 {
		return 0, false
	}
	trailing := groups[len(groups)-1]
	if trailing.total <= chunkSize {
		return 0, false
	}
	chunks, _ = reclaimableChunks(trailing.total, chunkSize)
	return chunks, chunks > 0
}

// CommitReclaim removes whole chunkSize-byte chunks from the trailing
// free run and returns the number of bytes removed from the list.
// Callers must only call this after successfully shrinking the backing
// segment by the same amount; it does not touch the segment itself.
func (l *List) CommitReclaim(chunkSize uint64) uint64 {
	groups := l.buildGroups()
	if len(groups) == 0 {
		return 0
	}
	trailing := groups[len(groups)-1]
	chunks, remainder := reclaimableChunks(trailing.total, chunkSize)
	if chunks == 0 {
		return 0
	}
	reclaimed := chunks * chunkSize

	for _, n := range trailing.nodes {
		l.Remove(n)
	}

	if remainder > addr.MinPayload {
		l.setLength(trailing.nodes[0], remainder-addr.HeaderSize)
		l.Insert(trailing.nodes[0])
	}

	return reclaimed
}
