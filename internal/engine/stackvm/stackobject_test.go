package stackvm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	stackvm "github.com/wazerocore/stackvm/internal/engine/stackvm"
	"github.com/wazerocore/stackvm/internal/wasm"
)

// newTestStackObject builds a StackObject over NopStubsForTest(), which
// stands in for a real stackSwitchStubs when a test only exercises
// Reset/Bind/Clear and never actually transfers control to native code.
func newTestStackObject(t *testing.T) *stackvm.StackObject {
	t.Helper()
	so, err := stackvm.NewStackObject(stackvm.MinStackMappingSize, stackvm.DefaultValueRep, stackvm.NopStubsForTest())
	require.NoError(t, err)
	t.Cleanup(func() { _ = so.Close() })
	return so
}

func TestStackObjectResetNoParamsGoesResumable(t *testing.T) {
	so := newTestStackObject(t)
	fn := &wasm.FuncDecl{Type: wasm.FunctionType{}}

	require.Equal(t, stackvm.StackStateEmpty, so.State())
	require.NoError(t, so.Reset(fn))
	require.Equal(t, stackvm.StackStateResumable, so.State())
}

func TestStackObjectResetWithParamsGoesSuspendedThenBind(t *testing.T) {
	so := newTestStackObject(t)
	fn := &wasm.FuncDecl{Type: wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI64}}}

	require.NoError(t, so.Reset(fn))
	require.Equal(t, stackvm.StackStateSuspended, so.State())

	require.NoError(t, so.Bind([]stackvm.Value{stackvm.ValueI32(1)}))
	require.Equal(t, stackvm.StackStateSuspended, so.State(), "arity not yet satisfied")

	require.NoError(t, so.Bind([]stackvm.Value{stackvm.ValueI64(2)}))
	require.Equal(t, stackvm.StackStateResumable, so.State())
}

func TestStackObjectBindRequiresSuspended(t *testing.T) {
	so := newTestStackObject(t)
	err := so.Bind([]stackvm.Value{stackvm.ValueI32(1)})
	require.ErrorIs(t, err, stackvm.ErrNotSuspended)
}

func TestStackObjectResetRequiresEmpty(t *testing.T) {
	so := newTestStackObject(t)
	fn := &wasm.FuncDecl{Type: wasm.FunctionType{}}
	require.NoError(t, so.Reset(fn))
	require.ErrorIs(t, so.Reset(fn), stackvm.ErrNotEmpty)
}

func TestStackObjectBindExcessArgumentsIsError(t *testing.T) {
	so := newTestStackObject(t)
	fn := &wasm.FuncDecl{Type: wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32}}}
	require.NoError(t, so.Reset(fn))

	err := so.Bind([]stackvm.Value{stackvm.ValueI32(1), stackvm.ValueI32(2)})
	require.ErrorIs(t, err, stackvm.ErrExcessArguments)
}

func TestStackObjectClearReturnsToEmpty(t *testing.T) {
	so := newTestStackObject(t)
	fn := &wasm.FuncDecl{Type: wasm.FunctionType{}}
	require.NoError(t, so.Reset(fn))
	so.Clear()
	require.Equal(t, stackvm.StackStateEmpty, so.State())
}
