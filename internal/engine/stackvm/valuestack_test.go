package stackvm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	stackvm "github.com/wazerocore/stackvm/internal/engine/stackvm"
)

func newTestValueStack(t *testing.T, rep stackvm.ValueRep) *stackvm.ValueStack {
	t.Helper()
	mem := make([]byte, 4096)
	return stackvm.NewValueStack(mem, 0, rep)
}

func TestValueStackPushPopRoundTrip(t *testing.T) {
	vs := newTestValueStack(t, stackvm.DefaultValueRep)

	vs.Push(stackvm.ValueI32(123))
	vs.Push(stackvm.ValueI64(456))
	require.Equal(t, 2, vs.Height())

	require.Equal(t, uint64(456), vs.Pop(stackvm.TypeCodeI64).I64())
	require.Equal(t, uint32(123), vs.Pop(stackvm.TypeCodeI32).I32())
	require.Equal(t, 0, vs.Height())
}

func TestValueStackPopN(t *testing.T) {
	vs := newTestValueStack(t, stackvm.DefaultValueRep)
	vs.PushN([]stackvm.Value{stackvm.ValueI32(1), stackvm.ValueI32(2), stackvm.ValueI32(3)})

	got := vs.PopN([]stackvm.TypeCode{stackvm.TypeCodeI32, stackvm.TypeCodeI32, stackvm.TypeCodeI32})
	require.Equal(t, []uint32{1, 2, 3}, []uint32{got[0].I32(), got[1].I32(), got[2].I32()})
	require.Equal(t, 0, vs.Height())
}

func TestValueStackPopTagMismatchPanics(t *testing.T) {
	vs := newTestValueStack(t, stackvm.DefaultValueRep)
	vs.Push(stackvm.ValueI32(1))

	require.Panics(t, func() {
		vs.Pop(stackvm.TypeCodeI64)
	})
}

func TestValueStackScanRootsVisitsOnlyLiveRefs(t *testing.T) {
	vs := newTestValueStack(t, stackvm.DefaultValueRep)
	vs.Push(stackvm.ValueI32(1))
	vs.Push(stackvm.ValueRefNull(stackvm.TypeCodeFuncref))
	vs.Push(stackvm.ValueRefObject(stackvm.TypeCodeExternref, "obj", 8))
	vs.Push(stackvm.ValueI31(5))

	var visited int
	vs.ScanRoots(func(addr uintptr, slotOffset int) { visited++ })
	require.Equal(t, 1, visited, "only the non-null, non-i31 object reference should be visited")
}

func TestValueStackUntaggedRoundTrip(t *testing.T) {
	vs := newTestValueStack(t, stackvm.UntaggedValueRep)
	vs.Push(stackvm.ValueI64(0xdeadbeef))
	require.Equal(t, uint64(0xdeadbeef), vs.Pop(stackvm.TypeCodeI64).I64())

	// Untagged stacks cannot be scanned; ScanRoots must be a no-op.
	vs.Push(stackvm.ValueRefObject(stackvm.TypeCodeExternref, "obj", 8))
	var visited int
	vs.ScanRoots(func(addr uintptr, slotOffset int) { visited++ })
	require.Zero(t, visited)
}
