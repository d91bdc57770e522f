package stackvm

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/wazerocore/stackvm/internal/wasm"
)

// ThrowHost is the panic value a host function raises to signal the
// Throw(err) outcome of the host-call protocol (§4.5) without plumbing an
// error return through wasm.GoFunc's signature. callHost2 recovers it and
// converts it to a HostThrow, matching RuntimeCallHost's documented
// panic/recover trap-unwinding convention.
type ThrowHost struct{ Err error }

func (t ThrowHost) Error() string { return t.Err.Error() }

// TailCallHost is the panic value a host function raises to signal the
// TailCall(target, args) outcome: rather than returning, the current
// native frame is reused to continue execution at target with args as its
// parameters.
type TailCallHost struct {
	Target *wasm.FuncDecl
	Args   []uint64
}

func (TailCallHost) Error() string { return "stackvm: tail call (not a real error)" }

// callHost2 is the Go-side counterpart to the enter-func stub's host
// branch (see stub_amd64.go): invoked once per native exit, it converts
// s.fn's GoFunc into the Dispatcher.RuntimeCallHost protocol, applies the
// host-call result, and reports whether the native loop in Resume should
// continue (a TailCall rebound s.fn) or stop (a plain return or a thrown
// Throwable, left in s.thrown).
func (s *StackObject) callHost2() (cont bool) {
	fn := s.fn
	cc := CallContext{ModuleName: string(fn.ModuleID), FunctionName: fn.Name}
	decl := GoFuncDecl{
		ParamTypes:  toTypeCodes(fn.Type.Params),
		ResultTypes: toTypeCodes(fn.Type.Results),
		Func: func(cc CallContext, params []uint64) []uint64 {
			return fn.GoFunc(cc, params)
		},
	}
	d := &Dispatcher{Instance: s.instance, Stack: s.vstack, Frame: FrameInfo{FuncName: fn.Name}, Features: s.features}

	thrown, tail := s.runHostFunc(d, cc, decl)
	if thrown != nil {
		s.thrown = thrown
		return false
	}
	if tail != nil {
		s.rebind(tail.Target)
		s.vstack.PushN(boxRaw(tail.Args, toTypeCodes(tail.Target.Type.Params)))
		return true
	}
	return false
}

// runHostFunc isolates the panic/recover boundary so callHost2 stays
// straight-line code; a host function that returns normally never panics
// here, matching RuntimeCallHost's fast path exactly.
func (s *StackObject) runHostFunc(d *Dispatcher, cc CallContext, decl GoFuncDecl) (thrown Throwable, tail *TailCallHost) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		switch v := rec.(type) {
		case TailCallHost:
			tail = &v
		case ThrowHost:
			thrown = &HostThrow{Err: v.Err}
		case *Trap:
			thrown = v
		case Throwable:
			thrown = v
		default:
			thrown = classifyHostPanic(rec)
		}
	}()
	d.RuntimeCallHost(cc, decl)
	return nil, nil
}

// classifyHostPanic converts an unrecognized host-function panic into a
// Throwable: a real nil-pointer dereference becomes a Trap with
// TrapReasonNullDeref (the data model's "struct null deref" scenario),
// anything else becomes a HostThrow carrying the original panic value.
func classifyHostPanic(rec interface{}) Throwable {
	if err, ok := rec.(error); ok {
		var rte runtime.Error
		if errors.As(err, &rte) && strings.Contains(rte.Error(), "nil pointer dereference") {
			return NewTrap(TrapReasonNullDeref)
		}
		return &HostThrow{Err: err}
	}
	return &HostThrow{Err: fmt.Errorf("%v", rec)}
}

// boxRaw tags a tail call's raw argument words with its target's declared
// parameter types, mirroring how RuntimeCallHost untags results on the way
// out of a host call.
func boxRaw(raw []uint64, types []TypeCode) []Value {
	out := make([]Value, len(raw))
	for i, v := range raw {
		out[i] = Value{typ: types[i], lo: v}
	}
	return out
}
