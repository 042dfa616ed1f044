package segment

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// wasmPageSize is the fixed page size of WebAssembly linear memory.
const wasmPageSize = 65536

// WazeroSegment is a Driver backed by real WASM linear memory, hosted by
// wazero without any guest module code — the memory is exported directly
// from a host module so Grow/Shrink/Read/Write exercise wazero's actual
// memory implementation.
type WazeroSegment struct {
	runtime wazero.Runtime
	module  api.Module
	memory  api.Memory
}

// NewWazeroSegment starts a wazero runtime and instantiates a host module
// that exports a single growable memory, starting at initialPages pages.
func NewWazeroSegment(ctx context.Context, initialPages uint32) (*WazeroSegment, error) {
	rt := wazero.NewRuntime(ctx)

	builder := rt.NewHostModuleBuilder("brkheap")
	builder.ExportMemory("segment", initialPages)

	compiled, err := builder.Compile(ctx)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("segment: compiling host module: %w", err)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("brkheap"))
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("segment: instantiating host module: %w", err)
	}

	mem := mod.Memory()
	if mem == nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("segment: host module exported no memory")
	}

	return &WazeroSegment{runtime: rt, module: mod, memory: mem}, nil
}

// Close tears down the underlying wazero runtime.
func (w *WazeroSegment) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

func (w *WazeroSegment) CurrentBreak() uint64 {
	return uint64(w.memory.Size())
}

// Grow extends the segment by delta bytes, rounded up to a whole number
// of WASM pages (wazero has no finer granularity), and returns the break
// before growth.
func (w *WazeroSegment) Grow(delta uint64) (uint64, error) {
	prevBreak := uint64(w.memory.Size())
	pages := (delta + wasmPageSize - 1) / wasmPageSize
	if _, ok := w.memory.Grow(uint32(pages)); !ok {
		return 0, ErrSegmentFailure
	}
	return prevBreak, nil
}

// Shrink always fails: WASM linear memory can only grow.
func (w *WazeroSegment) Shrink(uint64) (uint64, error) {
	return 0, ErrShrinkUnsupported
}

func (w *WazeroSegment) ReadUint64(offset uint64) (uint64, error) {
	v, ok := w.memory.ReadUint64Le(uint32(offset))
	if !ok {
		return 0, ErrSegmentFailure
	}
	return v, nil
}

func (w *WazeroSegment) WriteUint64(offset uint64, value uint64) error {
	if !w.memory.WriteUint64Le(uint32(offset), value) {
		return ErrSegmentFailure
	}
	return nil
}

func (w *WazeroSegment) ReadAt(offset uint64, buf []byte) error {
	data, ok := w.memory.Read(uint32(offset), uint32(len(buf)))
	if !ok {
		return ErrSegmentFailure
	}
	copy(buf, data)
	return nil
}

func (w *WazeroSegment) WriteAt(offset uint64, data []byte) error {
	if !w.memory.Write(uint32(offset), data) {
		return ErrSegmentFailure
	}
	return nil
}
