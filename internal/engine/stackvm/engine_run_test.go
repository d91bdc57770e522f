package stackvm_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	stackvm "github.com/wazerocore/stackvm/internal/engine/stackvm"
	"github.com/wazerocore/stackvm/internal/wasm"
)

// newRunEngine builds an Engine sized for these tests; MinStackMappingSize
// is plenty since every fixture here runs a single host call, never a
// chain of nested Wasm frames.
func newRunEngine(t *testing.T) *stackvm.Engine {
	t.Helper()
	e, err := stackvm.NewEngine(stackvm.NewConfig().WithStackSize(stackvm.MinStackMappingSize))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

// constFuncDecl returns a host-backed FuncDecl taking no parameters and
// returning a single i32, grounded on spec.md §8's "constant return"
// scenario: the enter-func stub's host branch must be reached and
// StackObject.Resume must drive it to a real Result.
func constFuncDecl(name string, v uint32) *wasm.FuncDecl {
	return &wasm.FuncDecl{
		Name: name,
		Type: wasm.FunctionType{Results: []wasm.ValueType{wasm.ValueTypeI32}},
		GoFunc: func(ctx interface{}, params []uint64) []uint64 {
			return []uint64{uint64(v)}
		},
	}
}

func TestEngineRunConstantReturn(t *testing.T) {
	e := newRunEngine(t)

	res, err := e.Run(&wasm.Instance{}, constFuncDecl("answer", 42), nil)
	require.NoError(t, err)
	require.Nil(t, res.Throw)
	require.Len(t, res.Values, 1)
	require.Equal(t, uint32(42), res.Values[0].I32())
}

func TestEngineRunPassesArgsThroughHostCall(t *testing.T) {
	e := newRunEngine(t)

	fn := &wasm.FuncDecl{
		Name: "add",
		Type: wasm.FunctionType{
			Params:  []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32},
			Results: []wasm.ValueType{wasm.ValueTypeI32},
		},
		GoFunc: func(ctx interface{}, params []uint64) []uint64 {
			return []uint64{params[0] + params[1]}
		},
	}

	res, err := e.Run(&wasm.Instance{}, fn, []stackvm.Value{stackvm.ValueI32(17), stackvm.ValueI32(25)})
	require.NoError(t, err)
	require.Nil(t, res.Throw)
	require.Len(t, res.Values, 1)
	require.Equal(t, uint32(42), res.Values[0].I32())
}

// TestEngineRunHostTailCall exercises spec.md §8's "host tail-call"
// scenario: the first function's host body panics with a TailCallHost,
// callHost2 rebinds the live StackObject to the target without unwinding,
// and Resume's loop re-enters the enter-func stub instead of returning.
func TestEngineRunHostTailCall(t *testing.T) {
	e := newRunEngine(t)

	target := constFuncDecl("target", 99)
	caller := &wasm.FuncDecl{
		Name: "caller",
		Type: wasm.FunctionType{Results: []wasm.ValueType{wasm.ValueTypeI32}},
		GoFunc: func(ctx interface{}, params []uint64) []uint64 {
			panic(stackvm.TailCallHost{Target: target, Args: nil})
		},
	}

	res, err := e.Run(&wasm.Instance{}, caller, nil)
	require.NoError(t, err)
	require.Nil(t, res.Throw)
	require.Len(t, res.Values, 1)
	require.Equal(t, uint32(99), res.Values[0].I32())
}

// TestEngineRunStructNullDerefTrap exercises spec.md §8's "struct null
// deref" scenario via a host body that performs a real nil-pointer
// dereference; classifyHostPanic must recognize runtime.Error's message
// and convert it to a Trap with TrapReasonNullDeref rather than leaking
// the raw runtime panic across Resume's boundary.
func TestEngineRunStructNullDerefTrap(t *testing.T) {
	e := newRunEngine(t)

	fn := &wasm.FuncDecl{
		Name: "deref",
		Type: wasm.FunctionType{Results: []wasm.ValueType{wasm.ValueTypeI32}},
		GoFunc: func(ctx interface{}, params []uint64) []uint64 {
			var p *uint32
			return []uint64{uint64(*p)}
		},
	}

	res, err := e.Run(&wasm.Instance{}, fn, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Throw)
	trap, ok := res.Throw.(*stackvm.Trap)
	require.True(t, ok, "expected *stackvm.Trap, got %T", res.Throw)
	require.Equal(t, stackvm.TrapReasonNullDeref, trap.Reason)
}

// TestEngineRunHostThrow exercises the Throw(err) outcome of the host-call
// protocol (§4.5): a host body panics with ThrowHost, and Resume surfaces
// it as a HostThrow wrapping the original error.
func TestEngineRunHostThrow(t *testing.T) {
	e := newRunEngine(t)

	wantErr := errors.New("boom")
	fn := &wasm.FuncDecl{
		Name: "fails",
		Type: wasm.FunctionType{},
		GoFunc: func(ctx interface{}, params []uint64) []uint64 {
			panic(stackvm.ThrowHost{Err: wantErr})
		},
	}

	res, err := e.Run(&wasm.Instance{}, fn, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Throw)
	ht, ok := res.Throw.(*stackvm.HostThrow)
	require.True(t, ok, "expected *stackvm.HostThrow, got %T", res.Throw)
	require.Equal(t, wantErr, ht.Err)
}

// TestEngineRunReusesStackObjectAcrossCalls exercises the Engine free-list
// pooling path (Engine.acquire/release) against the real Resume/Clear
// cycle rather than the synthetic EMPTY-state check engine_internal_test.go
// already covers, confirming a released StackObject is fit to Reset again.
func TestEngineRunReusesStackObjectAcrossCalls(t *testing.T) {
	e := newRunEngine(t)

	for i, v := range []uint32{1, 2, 3} {
		res, err := e.Run(&wasm.Instance{}, constFuncDecl("answer", v), nil)
		require.NoErrorf(t, err, "run %d", i)
		require.Len(t, res.Values, 1)
		require.Equal(t, v, res.Values[0].I32())
	}
}
