package heap

import "sync/atomic"

// Stats accumulates lifetime counters for a Heap. All fields are updated
// with atomics so a Snapshot can safely be taken from a goroutine other
// than the one driving allocations, even though the Heap's own
// allocation operations are not themselves safe for concurrent use.
type Stats struct {
	totalAllocated  atomic.Uint64
	totalFreed      atomic.Uint64
	allocationCount atomic.Uint64
	freeCount       atomic.Uint64
	reclaimedChunks atomic.Uint64
	growCount       atomic.Uint64
}

// Snapshot is a point-in-time, plain copy of Stats suitable for logging
// or assertions.
type Snapshot struct {
	TotalAllocated  uint64
	TotalFreed      uint64
	AllocationCount uint64
	FreeCount       uint64
	ReclaimedChunks uint64
	GrowCount       uint64
}

func (s *Stats) recordAlloc(size uint64) {
	s.totalAllocated.Add(size)
	s.allocationCount.Add(1)
}

func (s *Stats) recordFree(size uint64) {
	s.totalFreed.Add(size)
	s.freeCount.Add(1)
}

func (s *Stats) recordGrow() {
	s.growCount.Add(1)
}

func (s *Stats) recordReclaim(chunks uint64) {
	s.reclaimedChunks.Add(chunks)
}

// Snapshot returns a copy of the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		TotalAllocated:  s.totalAllocated.Load(),
		TotalFreed:      s.totalFreed.Load(),
		AllocationCount: s.allocationCount.Load(),
		FreeCount:       s.freeCount.Load(),
		ReclaimedChunks: s.reclaimedChunks.Load(),
		GrowCount:       s.growCount.Load(),
	}
}

// Stats returns a snapshot of h's lifetime counters.
func (h *Heap) Stats() Snapshot {
	return h.stats.Snapshot()
}
