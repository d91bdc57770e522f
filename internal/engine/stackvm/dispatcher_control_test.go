package stackvm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	stackvm "github.com/wazerocore/stackvm/internal/engine/stackvm"
)

func TestRuntimeTrapReturnsThrowableWithReason(t *testing.T) {
	d := &stackvm.Dispatcher{}
	th := d.RuntimeTrap(stackvm.TrapReasonUnreachable)
	require.Error(t, th)
	require.Equal(t, stackvm.TrapReasonUnreachable, th.(*stackvm.Trap).Reason)
}

func TestRuntimeCheckedDiv32DivZeroTraps(t *testing.T) {
	d := &stackvm.Dispatcher{}
	_, th := d.RuntimeCheckedDiv32(true, false, 10, 0)
	require.Error(t, th)
	require.Equal(t, stackvm.TrapReasonDivZero, th.(*stackvm.Trap).Reason)
}

func TestRuntimeCheckedDiv32SignedOverflowTraps(t *testing.T) {
	d := &stackvm.Dispatcher{}
	_, th := d.RuntimeCheckedDiv32(true, false, -1<<31, -1)
	require.Error(t, th)
	require.Equal(t, stackvm.TrapReasonIntOverflow, th.(*stackvm.Trap).Reason)
}

func TestRuntimeCheckedDiv32SignedRemOverflowDoesNotTrap(t *testing.T) {
	d := &stackvm.Dispatcher{}
	v, th := d.RuntimeCheckedDiv32(true, true, -1<<31, -1)
	require.Nil(t, th)
	require.Equal(t, int32(0), v)
}

func TestRuntimeCheckedDiv32UnsignedTreatsOperandsUnsigned(t *testing.T) {
	d := &stackvm.Dispatcher{}
	v, th := d.RuntimeCheckedDiv32(false, false, -1, 2)
	require.Nil(t, th)
	require.Equal(t, int32(uint32(0xffffffff)/2), v)
}

func TestRuntimeCheckedDiv64DivZeroTraps(t *testing.T) {
	d := &stackvm.Dispatcher{}
	_, th := d.RuntimeCheckedDiv64(true, false, 10, 0)
	require.Error(t, th)
	require.Equal(t, stackvm.TrapReasonDivZero, th.(*stackvm.Trap).Reason)
}

func TestRuntimeCheckedDiv64SignedOverflowTraps(t *testing.T) {
	d := &stackvm.Dispatcher{}
	_, th := d.RuntimeCheckedDiv64(true, false, -1<<63, -1)
	require.Error(t, th)
	require.Equal(t, stackvm.TrapReasonIntOverflow, th.(*stackvm.Trap).Reason)
}

func TestRuntimeTruncToIntNaNTraps(t *testing.T) {
	d := &stackvm.Dispatcher{}
	nan := func() float64 { var z float64; return z / z }()
	_, th := d.RuntimeTruncToInt(nan, -1<<31, 1<<31-1)
	require.Error(t, th)
	require.Equal(t, stackvm.TrapReasonInvalidConv, th.(*stackvm.Trap).Reason)
}

func TestRuntimeTruncToIntOutOfRangeTraps(t *testing.T) {
	d := &stackvm.Dispatcher{}
	_, th := d.RuntimeTruncToInt(1e20, -1<<31, 1<<31-1)
	require.Error(t, th)
	require.Equal(t, stackvm.TrapReasonIntOverflow, th.(*stackvm.Trap).Reason)
}

func TestRuntimeTruncToIntWithinRangePassesThrough(t *testing.T) {
	d := &stackvm.Dispatcher{}
	v, th := d.RuntimeTruncToInt(42.0, -1<<31, 1<<31-1)
	require.Nil(t, th)
	require.Equal(t, 42.0, v)
}

func TestRuntimeCallHostPopsArgsAndPushesResults(t *testing.T) {
	mem := make([]byte, 4096)
	vs := stackvm.NewValueStack(mem, 0, stackvm.DefaultValueRep)
	d := &stackvm.Dispatcher{Stack: vs}

	vs.Push(stackvm.ValueI32(3))
	vs.Push(stackvm.ValueI32(4))

	var gotCC stackvm.CallContext
	var gotParams []uint64
	fn := stackvm.GoFuncDecl{
		ParamTypes:  []stackvm.TypeCode{stackvm.TypeCodeI32, stackvm.TypeCodeI32},
		ResultTypes: []stackvm.TypeCode{stackvm.TypeCodeI32},
		Func: func(cc stackvm.CallContext, params []uint64) []uint64 {
			gotCC = cc
			gotParams = params
			return []uint64{params[0] + params[1]}
		},
	}

	results := d.RuntimeCallHost(stackvm.CallContext{ModuleName: "m", FunctionName: "add"}, fn)
	require.Equal(t, []uint64{7}, results)
	require.Equal(t, "m", gotCC.ModuleName)
	require.Equal(t, []uint64{3, 4}, gotParams)
	require.Equal(t, uint32(7), vs.Pop(stackvm.TypeCodeI32).I32())
}

func TestRuntimeTailCallPushesArgsWithoutGrowingNativeStack(t *testing.T) {
	so, err := stackvm.NewStackObject(stackvm.MinStackMappingSize, stackvm.DefaultValueRep, stackvm.NopStubsForTest())
	require.NoError(t, err)
	defer so.Close()

	d := &stackvm.Dispatcher{Stack: so.ValueStack()}
	d.RuntimeTailCall(so, []stackvm.Value{stackvm.ValueI32(1), stackvm.ValueI32(2)})

	require.Equal(t, uint32(2), so.ValueStack().Pop(stackvm.TypeCodeI32).I32())
	require.Equal(t, uint32(1), so.ValueStack().Pop(stackvm.TypeCodeI32).I32())
}
