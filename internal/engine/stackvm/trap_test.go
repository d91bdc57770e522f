package stackvm_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	stackvm "github.com/wazerocore/stackvm/internal/engine/stackvm"
)

func TestTrapErrorIncludesReasonAndTrace(t *testing.T) {
	tr := stackvm.NewTrap(stackvm.TrapReasonDivZero)
	tr.AddFrame(stackvm.FrameInfo{FuncName: "inner", PC: 0x10})
	tr.AddFrame(stackvm.FrameInfo{FuncName: "outer", PC: 0x20})

	msg := tr.Error()
	require.Contains(t, msg, "integer divide by zero")
	require.Contains(t, msg, "inner")
	require.Contains(t, msg, "outer")
}

func TestTrapSatisfiesThrowable(t *testing.T) {
	var th stackvm.Throwable = stackvm.NewTrap(stackvm.TrapReasonUnreachable)
	th.AddFrame(stackvm.FrameInfo{FuncName: "f", PC: 1})
	require.Error(t, th)
}

func TestHostThrowUnwrapsUnderlyingError(t *testing.T) {
	base := errors.New("boom")
	ht := &stackvm.HostThrow{Err: base}
	require.ErrorIs(t, ht, base)
	require.Contains(t, ht.Error(), "boom")
}

func TestInternalErrorMessageWithAndWithoutContext(t *testing.T) {
	e1 := &stackvm.InternalError{Reason: stackvm.InternalReasonUnexpectedTag, Context: "pop mismatch"}
	require.Contains(t, e1.Error(), "pop mismatch")

	e2 := &stackvm.InternalError{Reason: stackvm.InternalReasonMalformedConfig}
	require.NotEmpty(t, e2.Error())
}

func TestTrapReasonStringUnknownFallsBack(t *testing.T) {
	require.Equal(t, "unknown trap", stackvm.TrapReason(999).String())
}
