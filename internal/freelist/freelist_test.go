package freelist

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kelvinforge/brkheap/internal/addr"
	"github.com/kelvinforge/brkheap/internal/segment"
)

func newMem(t *testing.T, size uint64) segment.Driver {
	t.Helper()
	s := segment.NewSimSegment()
	_, err := s.Grow(size)
	require.NoError(t, err)
	return s
}

func TestList_InsertOrder(t *testing.T) {
	mem := newMem(t, 256)
	l := New(mem)

	l.WriteHeader(addr.HeaderAddr(100), 40)
	l.Insert(addr.HeaderAddr(100))
	l.WriteHeader(addr.HeaderAddr(0), 40)
	l.Insert(addr.HeaderAddr(0))
	l.WriteHeader(addr.HeaderAddr(200), 40)
	l.Insert(addr.HeaderAddr(200))

	require.Equal(t, addr.HeaderAddr(0), l.Head())
	require.Equal(t, addr.HeaderAddr(100), l.Next(addr.HeaderAddr(0)))
	require.Equal(t, addr.HeaderAddr(200), l.Next(addr.HeaderAddr(100)))
	require.False(t, l.Next(addr.HeaderAddr(200)).Valid())
}

func TestList_RemoveUnlinksAndFixesNeighbors(t *testing.T) {
	mem := newMem(t, 256)
	l := New(mem)
	for _, h := range []addr.HeaderAddr{0, 64, 128} {
		l.WriteHeader(h, 16)
		l.Insert(h)
	}
	l.Remove(addr.HeaderAddr(64))
	require.Equal(t, addr.HeaderAddr(0), l.Head())
	require.Equal(t, addr.HeaderAddr(128), l.Next(addr.HeaderAddr(0)))
}

func TestFindBestFit_NoOverlap(t *testing.T) {
	mem := newMem(t, 512)
	l := New(mem)
	l.RegisterFreeRegion(addr.HeaderAddr(0), 200)

	p1, err := l.FindBestFit(40)
	require.NoError(t, err)
	p2, err := l.FindBestFit(40)
	require.NoError(t, err)
	require.NotEqual(t, p1, p2)
	require.GreaterOrEqual(t, uint64(p2), uint64(p1)+40+addr.HeaderSize)
}

func TestFindBestFit_SplitThreshold(t *testing.T) {
	mem := newMem(t, 512)
	l := New(mem)
	// One free block of exactly 24 (header) + 40 (payload).
	l.RegisterFreeRegion(addr.HeaderAddr(0), addr.HeaderSize+40)

	// Requesting all of the payload should consume the whole block
	// rather than split off a remainder too small to host a header.
	p, err := l.FindBestFit(40)
	require.NoError(t, err)
	require.Equal(t, addr.HeaderAddr(0).Payload(), p)
	require.False(t, l.Head().Valid())
	require.Equal(t, uint64(40), l.Length(addr.HeaderAddr(0)))
}

// TestFindBestFit_WritesRequestedEvenWithUnsplitRemainder covers the
// 0 < remainder <= MinPayload case: the winning block is larger than
// requested but not large enough to split off a separate free node, and
// the header must still read back exactly requested, not the block's
// original, larger length.
func TestFindBestFit_WritesRequestedEvenWithUnsplitRemainder(t *testing.T) {
	mem := newMem(t, 512)
	l := New(mem)
	// Block payload is 50; requesting 40 leaves a remainder of 10,
	// which is below MinPayload (24) and cannot be split off.
	l.RegisterFreeRegion(addr.HeaderAddr(0), addr.HeaderSize+50)

	p, err := l.FindBestFit(40)
	require.NoError(t, err)
	require.Equal(t, addr.HeaderAddr(0).Payload(), p)
	require.Equal(t, uint64(40), l.Length(addr.HeaderAddr(0)))
	require.False(t, l.Head().Valid())
}

func TestFindBestFit_PrefersSingleBlockWhenSmaller(t *testing.T) {
	mem := newMem(t, 1024)
	l := New(mem)

	// A single exact-fit block at 0, and two fragmented blocks
	// elsewhere that together are larger than the single block.
	l.RegisterFreeRegion(addr.HeaderAddr(0), addr.HeaderSize+32)
	l.RegisterFreeRegion(addr.HeaderAddr(200), addr.HeaderSize+16)
	l.RegisterFreeRegion(addr.HeaderAddr(200+addr.HeaderSize+16), addr.HeaderSize+16)

	p, err := l.FindBestFit(32)
	require.NoError(t, err)
	require.Equal(t, addr.HeaderAddr(0).Payload(), p)
}

func TestFindBestFit_PrefersFragmentWhenSmaller(t *testing.T) {
	mem := newMem(t, 1024)
	l := New(mem)

	// Two physically contiguous free blocks whose combined size is
	// smaller than the only single block big enough on its own.
	l.RegisterFreeRegion(addr.HeaderAddr(0), addr.HeaderSize+100)
	base := uint64(200)
	l.RegisterFreeRegion(addr.HeaderAddr(base), addr.HeaderSize+8)
	l.RegisterFreeRegion(addr.HeaderAddr(base+addr.HeaderSize+8), addr.HeaderSize+8)

	p, err := l.FindBestFit(16)
	require.NoError(t, err)
	require.Equal(t, addr.HeaderAddr(base).Payload(), p)
	// The big single block must still be in the list, untouched.
	require.True(t, l.Head().Valid())
}

func TestPlanAndCommitReclaim(t *testing.T) {
	mem := newMem(t, 1<<20)
	l := New(mem)

	chunkSize := uint64(128 * 1024)
	l.RegisterFreeRegion(addr.HeaderAddr(0), 2*chunkSize+addr.HeaderSize+100)

	chunks, ok := l.PlanReclaim(chunkSize)
	require.True(t, ok)
	require.Equal(t, uint64(2), chunks)

	reclaimed := l.CommitReclaim(chunkSize)
	require.Equal(t, 2*chunkSize, reclaimed)

	// Remainder should still be in the list as its own free block.
	require.True(t, l.Head().Valid())
}

func TestPlanReclaim_NoTrailingSurplus(t *testing.T) {
	mem := newMem(t, 1024)
	l := New(mem)
	l.RegisterFreeRegion(addr.HeaderAddr(0), 64)

	_, ok := l.PlanReclaim(128 * 1024)
	require.False(t, ok)
}
