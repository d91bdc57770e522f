package stackvm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	stackvm "github.com/wazerocore/stackvm/internal/engine/stackvm"
	"github.com/wazerocore/stackvm/internal/wasm"
)

func newTestDispatcher(t *testing.T, inst *wasm.Instance) (*stackvm.Dispatcher, *stackvm.ValueStack) {
	t.Helper()
	mem := make([]byte, 4096)
	vs := stackvm.NewValueStack(mem, 0, stackvm.DefaultValueRep)
	return &stackvm.Dispatcher{Instance: inst, Stack: vs}, vs
}

func TestRuntimeMemoryGrowWithinMax(t *testing.T) {
	max := uint32(2)
	mi := &wasm.MemoryInstance{Buffer: make([]byte, 65536), Cap: 1, Max: &max}
	inst := &wasm.Instance{Memories: []*wasm.MemoryInstance{mi}}
	d, vs := newTestDispatcher(t, inst)

	require.Nil(t, d.RuntimeMemoryGrow(0, 1))
	require.Equal(t, uint32(1), vs.Pop(stackvm.TypeCodeI32).I32(), "old page count pushed")
	require.Equal(t, uint32(2), mi.Cap)
}

func TestRuntimeMemoryGrowExceedsMaxYieldsMinusOne(t *testing.T) {
	max := uint32(1)
	mi := &wasm.MemoryInstance{Buffer: make([]byte, 65536), Cap: 1, Max: &max}
	inst := &wasm.Instance{Memories: []*wasm.MemoryInstance{mi}}
	d, vs := newTestDispatcher(t, inst)

	require.Nil(t, d.RuntimeMemoryGrow(0, 1))
	require.Equal(t, uint32(0xffffffff), vs.Pop(stackvm.TypeCodeI32).I32())
	require.Equal(t, uint32(1), mi.Cap, "capacity unchanged on failed grow")
}

func TestRuntimeMemoryFillOOBTraps(t *testing.T) {
	mi := &wasm.MemoryInstance{Buffer: make([]byte, 16)}
	inst := &wasm.Instance{Memories: []*wasm.MemoryInstance{mi}}
	d, _ := newTestDispatcher(t, inst)

	err := d.RuntimeMemoryFill(0, 32, 0xff, 0)
	require.Error(t, err)
	trap, ok := err.(*stackvm.Trap)
	require.True(t, ok)
	require.Equal(t, stackvm.TrapReasonMemoryOOB, trap.Reason)
}

func TestRuntimeMemoryFillWritesRange(t *testing.T) {
	mi := &wasm.MemoryInstance{Buffer: make([]byte, 16)}
	inst := &wasm.Instance{Memories: []*wasm.MemoryInstance{mi}}
	d, _ := newTestDispatcher(t, inst)

	require.Nil(t, d.RuntimeMemoryFill(0, 4, 0x7, 2))
	require.Equal(t, []byte{0x7, 0x7, 0x7, 0x7}, mi.Buffer[2:6])
}

func TestRuntimeMemoryCopyOOBTraps(t *testing.T) {
	src := &wasm.MemoryInstance{Buffer: make([]byte, 8)}
	dst := &wasm.MemoryInstance{Buffer: make([]byte, 8)}
	inst := &wasm.Instance{Memories: []*wasm.MemoryInstance{dst, src}}
	d, _ := newTestDispatcher(t, inst)

	err := d.RuntimeMemoryCopy(0, 1, 100, 0, 0)
	require.Error(t, err)
	require.Equal(t, stackvm.TrapReasonMemoryOOB, err.(*stackvm.Trap).Reason)
}

func TestRuntimeMemoryInitDroppedSegmentZeroSizeIsNoop(t *testing.T) {
	mi := &wasm.MemoryInstance{Buffer: make([]byte, 8)}
	inst := &wasm.Instance{
		Memories:    []*wasm.MemoryInstance{mi},
		DroppedData: []bool{true},
	}
	d, _ := newTestDispatcher(t, inst)
	require.Nil(t, d.RuntimeMemoryInit(0, 0, 0, 0, 0))
}

func TestRuntimeMemoryInitDroppedSegmentNonZeroSizeTraps(t *testing.T) {
	mi := &wasm.MemoryInstance{Buffer: make([]byte, 8)}
	inst := &wasm.Instance{
		Memories:    []*wasm.MemoryInstance{mi},
		DroppedData: []bool{true},
	}
	d, _ := newTestDispatcher(t, inst)
	err := d.RuntimeMemoryInit(0, 0, 1, 0, 0)
	require.Error(t, err)
	require.Equal(t, stackvm.TrapReasonMemoryOOB, err.(*stackvm.Trap).Reason)
}

func TestRuntimeTableGetSetRoundTrip(t *testing.T) {
	ti := &wasm.TableInstance{References: make([]wasm.Reference, 4), Type: wasm.ValueTypeFuncref}
	inst := &wasm.Instance{Tables: []*wasm.TableInstance{ti}}
	d, vs := newTestDispatcher(t, inst)

	vs.Push(stackvm.ValueRefObject(stackvm.TypeCodeFuncref, nil, 7))
	require.Nil(t, d.RuntimeTableSet(0, 1))
	require.Equal(t, wasm.Reference(7), ti.References[1])

	require.Nil(t, d.RuntimeTableGet(0, 1))
	got := vs.Pop(stackvm.TypeCodeFuncref)
	require.Equal(t, uint64(7), got.I64())
}

func TestRuntimeTableGetNullSlotIsNullRef(t *testing.T) {
	ti := &wasm.TableInstance{References: make([]wasm.Reference, 2), Type: wasm.ValueTypeFuncref}
	inst := &wasm.Instance{Tables: []*wasm.TableInstance{ti}}
	d, vs := newTestDispatcher(t, inst)

	require.Nil(t, d.RuntimeTableGet(0, 0))
	require.True(t, vs.Pop(stackvm.TypeCodeFuncref).IsNullRef())
}

func TestRuntimeTableGetOOBTraps(t *testing.T) {
	ti := &wasm.TableInstance{References: make([]wasm.Reference, 2), Type: wasm.ValueTypeFuncref}
	inst := &wasm.Instance{Tables: []*wasm.TableInstance{ti}}
	d, _ := newTestDispatcher(t, inst)

	err := d.RuntimeTableGet(0, 5)
	require.Error(t, err)
	require.Equal(t, stackvm.TrapReasonTableOOB, err.(*stackvm.Trap).Reason)
}

func TestRuntimeTableGrowWithinMax(t *testing.T) {
	max := uint32(8)
	ti := &wasm.TableInstance{References: make([]wasm.Reference, 2), Type: wasm.ValueTypeFuncref, Max: &max}
	inst := &wasm.Instance{Tables: []*wasm.TableInstance{ti}}
	d, vs := newTestDispatcher(t, inst)

	d.RuntimeTableGrow(0, 3, 9)
	require.Equal(t, uint32(2), vs.Pop(stackvm.TypeCodeI32).I32())
	require.Equal(t, 5, len(ti.References))
	require.Equal(t, wasm.Reference(9), ti.References[4])
}

func TestRuntimeTableGrowExceedsMaxYieldsMinusOne(t *testing.T) {
	max := uint32(2)
	ti := &wasm.TableInstance{References: make([]wasm.Reference, 2), Type: wasm.ValueTypeFuncref, Max: &max}
	inst := &wasm.Instance{Tables: []*wasm.TableInstance{ti}}
	d, vs := newTestDispatcher(t, inst)

	d.RuntimeTableGrow(0, 3, 0)
	require.Equal(t, uint32(0xffffffff), vs.Pop(stackvm.TypeCodeI32).I32())
	require.Equal(t, 2, len(ti.References))
}

func TestRuntimeGlobalGetSet(t *testing.T) {
	g := &wasm.GlobalInstance{Type: wasm.ValueTypeI64, Val: 99}
	inst := &wasm.Instance{Globals: []*wasm.GlobalInstance{g}}
	d, vs := newTestDispatcher(t, inst)

	d.RuntimeGlobalGet(0)
	require.Equal(t, uint64(99), vs.Pop(stackvm.TypeCodeI64).I64())

	vs.Push(stackvm.ValueI64(123))
	d.RuntimeGlobalSet(0)
	require.Equal(t, uint64(123), g.Val)
}
