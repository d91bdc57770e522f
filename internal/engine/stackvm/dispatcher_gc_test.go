package stackvm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wazerocore/stackvm/api"
	stackvm "github.com/wazerocore/stackvm/internal/engine/stackvm"
	"github.com/wazerocore/stackvm/internal/wasm"
)

func newTestGCDispatcher(t *testing.T, heapTypes ...*wasm.HeapTypeDecl) (*stackvm.Dispatcher, *stackvm.ValueStack) {
	t.Helper()
	mem := make([]byte, 4096)
	vs := stackvm.NewValueStack(mem, 0, stackvm.DefaultValueRep)
	inst := &wasm.Instance{HeapTypes: heapTypes}
	return &stackvm.Dispatcher{Instance: inst, Stack: vs}, vs
}

func TestRuntimeStructNewGetSetRoundTrip(t *testing.T) {
	ht := &wasm.HeapTypeDecl{Fields: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI64}}
	d, vs := newTestGCDispatcher(t, ht)

	vs.Push(stackvm.ValueI32(1))
	vs.Push(stackvm.ValueI64(2))
	d.RuntimeStructNew(0)
	require.Equal(t, 1, vs.Height())
	structRef := vs.Pop(stackvm.TypeCodeStructref)

	vs.Push(structRef)
	require.Nil(t, d.RuntimeStructGet(0, 1))
	require.Equal(t, uint64(2), vs.Pop(stackvm.TypeCodeI64).I64())

	vs.Push(structRef)
	vs.Push(stackvm.ValueI32(99))
	require.Nil(t, d.RuntimeStructSet(0, 0))

	vs.Push(structRef)
	require.Nil(t, d.RuntimeStructGet(0, 0))
	require.Equal(t, uint32(99), vs.Pop(stackvm.TypeCodeI32).I32())
}

func TestRuntimeStructGetNullDerefTraps(t *testing.T) {
	ht := &wasm.HeapTypeDecl{Fields: []wasm.ValueType{wasm.ValueTypeI32}}
	d, vs := newTestGCDispatcher(t, ht)

	vs.Push(stackvm.ValueRefNull(stackvm.TypeCodeStructref))
	err := d.RuntimeStructGet(0, 0)
	require.Error(t, err)
	require.Equal(t, stackvm.TrapReasonNullDeref, err.(*stackvm.Trap).Reason)
}

func TestRuntimeArrayNewGetSetLen(t *testing.T) {
	ht := &wasm.HeapTypeDecl{IsArray: true, Fields: []wasm.ValueType{wasm.ValueTypeI32}}
	d, vs := newTestGCDispatcher(t, ht)

	d.RuntimeArrayNew(0, 3, stackvm.ValueI32(7))
	arrayRef := vs.Pop(stackvm.TypeCodeArrayref)

	vs.Push(arrayRef)
	require.Nil(t, d.RuntimeArrayLen())
	require.Equal(t, uint32(3), vs.Pop(stackvm.TypeCodeI32).I32())

	vs.Push(arrayRef)
	v, err := d.RuntimeArrayGet(0, 1)
	require.Nil(t, err)
	require.Equal(t, uint32(7), v.I32())
	vs.Pop(stackvm.TypeCodeI32)

	vs.Push(arrayRef)
	require.Nil(t, d.RuntimeArraySet(0, 1, stackvm.ValueI32(42)))

	vs.Push(arrayRef)
	v2, err := d.RuntimeArrayGet(0, 1)
	require.Nil(t, err)
	require.Equal(t, uint32(42), v2.I32())
}

func TestRuntimeArrayGetIndexOOBTraps(t *testing.T) {
	ht := &wasm.HeapTypeDecl{IsArray: true, Fields: []wasm.ValueType{wasm.ValueTypeI32}}
	d, vs := newTestGCDispatcher(t, ht)

	d.RuntimeArrayNew(0, 1, stackvm.ValueI32(0))
	arrayRef := vs.Pop(stackvm.TypeCodeArrayref)

	vs.Push(arrayRef)
	_, err := d.RuntimeArrayGet(0, 5)
	require.Error(t, err)
	require.Equal(t, stackvm.TrapReasonArrayIndexOOB, err.(*stackvm.Trap).Reason)
}

func TestRuntimeRefCastNullPassesThrough(t *testing.T) {
	d, vs := newTestGCDispatcher(t)
	vs.Push(stackvm.ValueRefNull(stackvm.TypeCodeAnyref))
	require.Nil(t, d.RuntimeRefCast(stackvm.TypeCodeStructref, 0))
	require.True(t, vs.Pop(stackvm.TypeCodeStructref).IsNullRef())
}

func TestRuntimeRefCastMismatchTraps(t *testing.T) {
	structHt := &wasm.HeapTypeDecl{Fields: []wasm.ValueType{wasm.ValueTypeI32}}
	arrayHt := &wasm.HeapTypeDecl{IsArray: true, Fields: []wasm.ValueType{wasm.ValueTypeI32}}
	d, vs := newTestGCDispatcher(t, structHt, arrayHt)

	vs.Push(stackvm.ValueI32(1))
	d.RuntimeStructNew(0)
	structRef := vs.Pop(stackvm.TypeCodeStructref)

	// Pop(TypeCodeAnyref) accepts any reference-category tag, so pushing the
	// structref as-is exercises the cast's runtime-type check rather than
	// its static tag check.
	vs.Push(structRef)
	err := d.RuntimeRefCast(stackvm.TypeCodeArrayref, 1)
	require.Error(t, err)
	require.Equal(t, stackvm.TrapReasonCastFailure, err.(*stackvm.Trap).Reason)
}

// TestRuntimeStructNewRequiresGCFeature exercises requireFeature's gating:
// a Dispatcher whose Features explicitly excludes CoreFeatureGC rejects the
// GC-proposal routines with an InternalError instead of running them.
func TestRuntimeStructNewRequiresGCFeature(t *testing.T) {
	ht := &wasm.HeapTypeDecl{Fields: []wasm.ValueType{wasm.ValueTypeI32}}
	mem := make([]byte, 4096)
	vs := stackvm.NewValueStack(mem, 0, stackvm.DefaultValueRep)
	inst := &wasm.Instance{HeapTypes: []*wasm.HeapTypeDecl{ht}}
	d := &stackvm.Dispatcher{Instance: inst, Stack: vs, Features: api.CoreFeaturesV2}

	vs.Push(stackvm.ValueI32(1))
	err := d.RuntimeStructNew(0)
	require.Error(t, err)
	_, ok := err.(*stackvm.InternalError)
	require.True(t, ok, "expected *stackvm.InternalError, got %T", err)
}

// TestRuntimeStructNewPermittedWhenGCFeatureEnabled confirms the same
// Dispatcher runs normally once GC is explicitly turned on.
func TestRuntimeStructNewPermittedWhenGCFeatureEnabled(t *testing.T) {
	ht := &wasm.HeapTypeDecl{Fields: []wasm.ValueType{wasm.ValueTypeI32}}
	mem := make([]byte, 4096)
	vs := stackvm.NewValueStack(mem, 0, stackvm.DefaultValueRep)
	inst := &wasm.Instance{HeapTypes: []*wasm.HeapTypeDecl{ht}}
	d := &stackvm.Dispatcher{
		Instance: inst,
		Stack:    vs,
		Features: api.CoreFeaturesV2.SetEnabled(api.CoreFeatureGC, true),
	}

	vs.Push(stackvm.ValueI32(1))
	require.Nil(t, d.RuntimeStructNew(0))
}

// TestRuntimeMemoryFillRequiresBulkMemoryFeature mirrors the GC gating test
// for the bulk-memory side, confirming a Features value that omits
// CoreFeatureBulkMemoryOperations rejects RuntimeMemoryFill.
func TestRuntimeMemoryFillRequiresBulkMemoryFeature(t *testing.T) {
	mem := make([]byte, 4096)
	vs := stackvm.NewValueStack(mem, 0, stackvm.DefaultValueRep)
	inst := &wasm.Instance{Memories: []*wasm.MemoryInstance{{Buffer: make([]byte, 16)}}}
	d := &stackvm.Dispatcher{
		Instance: inst,
		Stack:    vs,
		Features: api.CoreFeaturesV2.SetEnabled(api.CoreFeatureBulkMemoryOperations, false),
	}

	err := d.RuntimeMemoryFill(0, 4, 0, 0)
	require.Error(t, err)
	_, ok := err.(*stackvm.InternalError)
	require.True(t, ok, "expected *stackvm.InternalError, got %T", err)
}
