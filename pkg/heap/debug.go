package heap

import "fmt"

// EnableDebugAssertions turns on post-operation free-list invariant
// checking. It is off by default since walking the whole free list after
// every Allocate/Free/Reallocate call is not free; enable it in tests or
// while chasing a corruption bug.
func (h *Heap) EnableDebugAssertions(enabled bool) {
	h.debugAsserts = enabled
}

// assertInvariants panics if debug assertions are enabled and the free
// list is no longer well-formed. It is a no-op otherwise.
func (h *Heap) assertInvariants() {
	if !h.debugAsserts {
		return
	}
	if err := h.checkInvariants(); err != nil {
		panic(err)
	}
}

// checkInvariants walks the free list and verifies it is strictly
// ordered by ascending header address, the invariant every Insert/Remove
// call is supposed to preserve.
func (h *Heap) checkInvariants() error {
	prev := int64(-1)
	for cur := h.free.Head(); cur.Valid(); cur = h.free.Next(cur) {
		if int64(cur) <= prev {
			return fmt.Errorf("heap: free list out of order at %d (prev %d)", cur, prev)
		}
		prev = int64(cur)
	}
	return nil
}
