package stackvm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wazerocore/stackvm/internal/wasm"
)

// fixedFrameLookup maps a small, fixed set of return addresses to a frame
// size and owning function, standing in for a real tier's compiled-code
// frame-size table.
type fixedFrameLookup struct {
	frames map[uintptr]struct {
		size uintptr
		fn   *wasm.FuncDecl
	}
}

func (f *fixedFrameLookup) FrameSize(addr uintptr) (uintptr, *wasm.FuncDecl, bool) {
	e, ok := f.frames[addr]
	if !ok {
		return 0, nil, false
	}
	return e.size, e.fn, true
}

func TestFrameWalkerWalksInnermostFirst(t *testing.T) {
	so, err := NewStackObject(MinStackMappingSize, DefaultValueRep, NopStubsForTest())
	require.NoError(t, err)
	defer so.Close()

	outer := &wasm.FuncDecl{Name: "outer"}
	inner := &wasm.FuncDecl{Name: "inner"}

	// Lay down two synthetic frames by hand: rsp starts at mapping.End and
	// grows downward, each pushReturnAddress call occupying the next slot.
	so.rsp = so.mapping.End
	so.pushReturnAddress(0x2000) // outer's saved return address
	outerAddr := so.rsp
	so.pushReturnAddress(0x1000) // inner's saved return address
	innerAddr := so.rsp

	lookup := &fixedFrameLookup{frames: map[uintptr]struct {
		size uintptr
		fn   *wasm.FuncDecl
	}{
		innerAddr: {size: pointerSize, fn: inner},
		outerAddr: {size: pointerSize, fn: outer},
	}}

	var visited []string
	w := NewFrameWalker(so, lookup)
	w.Walk(func(f TargetFrame) bool {
		visited = append(visited, f.Func.Name)
		return true
	})

	require.Equal(t, []string{"inner", "outer"}, visited)
}

func TestFrameWalkerStopsAtUnknownAddress(t *testing.T) {
	so, err := NewStackObject(MinStackMappingSize, DefaultValueRep, NopStubsForTest())
	require.NoError(t, err)
	defer so.Close()

	lookup := &fixedFrameLookup{frames: map[uintptr]struct {
		size uintptr
		fn   *wasm.FuncDecl
	}{}}

	var visited int
	w := NewFrameWalker(so, lookup)
	w.Walk(func(f TargetFrame) bool {
		visited++
		return true
	})
	require.Zero(t, visited)
}

func TestFrameWalkerCollectTraceUnknownFuncName(t *testing.T) {
	so, err := NewStackObject(MinStackMappingSize, DefaultValueRep, NopStubsForTest())
	require.NoError(t, err)
	defer so.Close()

	so.rsp = so.mapping.End
	so.pushReturnAddress(0x4000)
	addr := so.rsp

	lookup := &fixedFrameLookup{frames: map[uintptr]struct {
		size uintptr
		fn   *wasm.FuncDecl
	}{
		addr: {size: pointerSize, fn: nil},
	}}

	trace := NewFrameWalker(so, lookup).CollectTrace()
	require.Len(t, trace, 1)
	require.Equal(t, "<unknown>", trace[0].FuncName)
	require.Equal(t, uint64(0x4000), trace[0].PC)
}
