package stackvm

// RuntimeTrap raises a trap for a statically-known failure condition
// (unreachable, a probe-detected stack overflow, a failed integer
// conversion) that doesn't need any operand inspection beyond the reason.
func (d *Dispatcher) RuntimeTrap(reason TrapReason) Throwable {
	return d.trap(reason)
}

// RuntimeCheckedDiv32 implements the trapping semantics shared by
// i32.div_s/i32.div_u/i32.rem_s/i32.rem_u: DIV_ZERO if the divisor is zero,
// INT_OVERFLOW for MinInt32/-1 on the signed, non-remainder case.
func (d *Dispatcher) RuntimeCheckedDiv32(signed, rem bool, lhs, rhs int32) (int32, Throwable) {
	if rhs == 0 {
		return 0, d.trap(TrapReasonDivZero)
	}
	if signed && !rem && lhs == -1<<31 && rhs == -1 {
		return 0, d.trap(TrapReasonIntOverflow)
	}
	if !signed {
		ulhs, urhs := uint32(lhs), uint32(rhs)
		if rem {
			return int32(ulhs % urhs), nil
		}
		return int32(ulhs / urhs), nil
	}
	if rem {
		return lhs % rhs, nil
	}
	return lhs / rhs, nil
}

// RuntimeCheckedDiv64 is RuntimeCheckedDiv32's 64-bit counterpart.
func (d *Dispatcher) RuntimeCheckedDiv64(signed, rem bool, lhs, rhs int64) (int64, Throwable) {
	if rhs == 0 {
		return 0, d.trap(TrapReasonDivZero)
	}
	if signed && !rem && lhs == -1<<63 && rhs == -1 {
		return 0, d.trap(TrapReasonIntOverflow)
	}
	if !signed {
		ulhs, urhs := uint64(lhs), uint64(rhs)
		if rem {
			return int64(ulhs % urhs), nil
		}
		return int64(ulhs / urhs), nil
	}
	if rem {
		return lhs % rhs, nil
	}
	return lhs / rhs, nil
}

// RuntimeTruncToInt implements the trapping float-to-int truncation
// operators (i32.trunc_f32_s and friends): INVALID_CONV on NaN, INT_OVERFLOW
// outside the target range. The non-trapping saturating variants added by
// the nontrapping-float-to-int-conversion proposal bypass this routine
// entirely and saturate inline at the call site instead.
func (d *Dispatcher) RuntimeTruncToInt(f float64, lo, hi float64) (float64, Throwable) {
	if f != f { // NaN
		return 0, d.trap(TrapReasonInvalidConv)
	}
	if f < lo || f > hi {
		return 0, d.trap(TrapReasonIntOverflow)
	}
	return f, nil
}

// CallContext carries the identity of a function invocation through the
// host-call and tail-call protocols; HostFunc reads it via the first
// parameter of its Go signature.
type CallContext struct {
	ModuleName   string
	FunctionName string
}

// RuntimeCallHost implements the host-call protocol (§4.5): pops the
// callee's declared parameter arity off the value stack in declaration
// order, invokes its GoFunc, and pushes the declared results. A panic
// inside a host function is not recovered here: StackObject.runHostFunc,
// which Resume reaches through callHost2, recovers it and converts it to a
// Throwable (a HostThrow for a ThrowHost or an unrecognized panic value),
// matching the teacher's own panic/recover trap-unwinding convention.
func (d *Dispatcher) RuntimeCallHost(cc CallContext, fn GoFuncDecl) []uint64 {
	raw := make([]uint64, len(fn.ParamTypes))
	for i := len(fn.ParamTypes) - 1; i >= 0; i-- {
		raw[i] = d.Stack.Pop(fn.ParamTypes[i]).lo
	}
	results := fn.Func(cc, raw)
	for i, t := range fn.ResultTypes {
		d.Stack.Push(Value{typ: t, lo: results[i]})
	}
	return results
}

// GoFuncDecl is the Dispatcher-facing view of a host function: its typed
// signature plus the Go closure to invoke, split out from wasm.FuncDecl so
// RuntimeCallHost doesn't need to re-decode ValueTypes on every call.
type GoFuncDecl struct {
	ParamTypes  []TypeCode
	ResultTypes []TypeCode
	Func        func(cc CallContext, params []uint64) []uint64
}

// RuntimeTailCall implements the tail-call protocol: rather than pushing a
// new native frame, it reuses the current one by pushing only the callee's
// argument slots onto whatever remains of the value stack once the caller's
// own frame is discarded by its tier (the interpreter truncates locals
// before calling this; the SPC tier's codegen is out of scope). This keeps
// the call stack from growing across a chain of tail calls regardless of
// how many intervening calls were themselves tail calls.
func (d *Dispatcher) RuntimeTailCall(s *StackObject, args []Value) {
	s.vstack.PushN(args)
}
