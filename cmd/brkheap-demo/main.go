// Command brkheap-demo exercises the allocator facade over an in-process
// simulated segment and prints a final stats snapshot.
package main

import (
	"fmt"
	"os"

	"github.com/kelvinforge/brkheap/internal/addr"
	"github.com/kelvinforge/brkheap/internal/segment"
	"github.com/kelvinforge/brkheap/pkg/heap"
)

func main() {
	h := heap.New(segment.NewSimSegment())
	h.EnableDebugAssertions(true)

	sizes := []uint64{64, 128, 256, 32}
	blocks := make([]addr.PayloadAddr, 0, len(sizes))
	for _, size := range sizes {
		p, err := h.Allocate(size)
		if err != nil {
			fmt.Fprintf(os.Stderr, "allocate %d bytes: %v\n", size, err)
			os.Exit(1)
		}
		blocks = append(blocks, p)
	}

	// Free every other block, then grow the first survivor into the
	// space just freed behind it.
	for i, p := range blocks {
		if i%2 == 1 {
			h.Free(p)
		}
	}
	if grown, err := h.Reallocate(blocks[0], 192); err != nil {
		fmt.Fprintf(os.Stderr, "reallocate: %v\n", err)
		os.Exit(1)
	} else {
		blocks[0] = grown
	}

	snap := h.Stats()
	fmt.Printf("allocations=%d frees=%d reclaimedChunks=%d growCount=%d\n",
		snap.AllocationCount, snap.FreeCount, snap.ReclaimedChunks, snap.GrowCount)
}
