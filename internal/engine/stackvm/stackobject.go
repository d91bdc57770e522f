package stackvm

import (
	"encoding/binary"
	"unsafe"

	"github.com/wazerocore/stackvm/api"
	"github.com/wazerocore/stackvm/internal/wasm"
)

// StackState is the lifecycle state of a StackObject, per the data model's
// state machine.
type StackState int

const (
	StackStateEmpty StackState = iota
	StackStateSuspended
	StackStateResumable
	StackStateRunning
	StackStateRunningHost
)

func (s StackState) String() string {
	switch s {
	case StackStateEmpty:
		return "EMPTY"
	case StackStateSuspended:
		return "SUSPENDED"
	case StackStateResumable:
		return "RESUMABLE"
	case StackStateRunning:
		return "RUNNING"
	case StackStateRunningHost:
		return "RUNNING_HOST"
	default:
		return "UNKNOWN"
	}
}

// pointerSize is the size in bytes of a native return address on amd64.
const pointerSize = 8

// exitReason values, written by the enter-func stub and read back by
// Resume once nativeCall returns control to Go.
const (
	exitReasonNone     = 0
	exitReasonHostCall = 1
)

// StackObject is the unit of suspendability: a StackMapping plus state plus
// parent linkage, representing one concurrent Wasm execution context. Its
// first seven words are laid out to match rspFieldOffset/vspFieldOffset/
// funcFieldOffset/parentFieldOffset/parentRSPFieldOffset/entryFieldOffset/
// exitReasonFieldOffset in stub_amd64.go — the generated stubs read and
// write them directly, so reordering these fields requires updating that
// offset table in lockstep:
//
//	+0  rsp        native return-address pointer
//	+8  vsp        live value-stack pointer (mirrored from vstack on suspend)
//	+16 fn         unsafe.Pointer to the bound *wasm.FuncDecl
//	+24 parent     unsafe.Pointer to the parent StackObject, or nil
//	+32 parentRSP  parent's saved machine stack pointer
//	+40 entry      compiled native entry point for fn's body, or 0
//	+48 exitReason 0 once unwound normally, exitReasonHostCall while paused
type StackObject struct {
	// rsp is the native return-address pointer; it grows downward from
	// mapping.End, shared with the same mapping as the value stack.
	rsp uintptr
	// vsp mirrors vstack's pointer while this stack is RUNNING; the
	// return-to-parent stub writes it directly, so vstack.SetVSP is only
	// consulted again once control is back in Go.
	vsp uintptr
	// fnPtr is an unsafe.Pointer alias of fn, present so native code that
	// only needs identity (not field access) can load it with a single
	// MOVQ without crossing into Go's interface machinery.
	fnPtr unsafe.Pointer
	// parentPtr mirrors Parent in native-visible form; the resume stub's
	// prologue clears it to 0 and return-to-parent follows it to find the
	// next stack to resume.
	parentPtr unsafe.Pointer
	// parentRSP is the caller's saved machine stack pointer, populated by
	// the resume stub's prologue and cleared by return-to-parent.
	parentRSP uintptr
	// entry is the native entry point a compiler tier has installed for
	// fn's body; always 0 in this repository, since no interpreter or SPC
	// tier exists to install one (see the scope-consolidation decision in
	// DESIGN.md). The enter-func stub branches on this field, so it is a
	// real dispatch point a future tier can wire a value into.
	entry uintptr
	// exitReason records why the most recent native call returned control
	// to Go: exitReasonNone for a normal unwind through return-to-parent,
	// exitReasonHostCall when enter-func stashed rsp and exited early
	// because fn has no compiled entry and must run as a host call.
	exitReason uintptr

	mapping *StackMapping
	vstack  *ValueStack

	fn          *wasm.FuncDecl
	paramsArity int
	returnTypes []TypeCode

	// instance is the module instance fn was drawn from, set by Engine.Run
	// before Reset and consulted by callHost2 to build the Dispatcher a
	// host call's runtime helpers run against.
	instance *wasm.Instance

	// features is the Engine's configured CoreFeatures, copied onto every
	// Dispatcher callHost2 builds so runtime_* gating sees the same value
	// for the lifetime of a run.
	features api.CoreFeatures

	state StackState

	// Parent is the stack to resume when this one returns, kept in sync
	// with parentPtr on every transition.
	Parent *StackObject

	// thrown holds the Throwable produced by the most recent run, if any;
	// consumed and cleared by Resume before returning a Result.
	thrown Throwable

	stubs *stackSwitchStubs
}

// NewStackObject allocates a guarded mapping of the given size and wraps it
// in an EMPTY StackObject ready for reset().
func NewStackObject(size int, rep ValueRep, stubs *stackSwitchStubs) (*StackObject, error) {
	m, err := NewStackMapping(size)
	if err != nil {
		return nil, err
	}
	so := &StackObject{
		mapping: m,
		vstack:  NewValueStack(m.Bytes(), m.Start, rep),
		rsp:     m.End,
		state:   StackStateEmpty,
		stubs:   stubs,
	}
	return so, nil
}

// State returns the current lifecycle state.
func (s *StackObject) State() StackState { return s.state }

// SetInstance binds the module instance callHost2 should run host calls
// against. Engine.Run calls this between acquire and Reset; tests that
// never resume through a real host call may leave it unset.
func (s *StackObject) SetInstance(inst *wasm.Instance) { s.instance = inst }

// SetFeatures binds the CoreFeatures set every Dispatcher callHost2
// constructs for this stack should gate against. Engine.Run calls this
// between acquire and Reset, mirroring SetInstance; a zero value (tests
// that build a StackObject directly) leaves runtime_* gating permissive.
func (s *StackObject) SetFeatures(f api.CoreFeatures) { s.features = f }

// ValueStack exposes the bound ValueStack, used by Dispatcher routines.
func (s *StackObject) ValueStack() *ValueStack { return s.vstack }

// pushReturnAddress writes addr at rsp-8 and decrements rsp, used both by
// reset (installing the two bootstrap stub addresses) and by TierUpGate
// (overwriting a pending return address in place).
func (s *StackObject) pushReturnAddress(addr uintptr) {
	s.rsp -= pointerSize
	s.writePointerAt(s.rsp, addr)
}

// mappingOffset converts a raw address inside the guarded region into an
// offset within StackMapping.Bytes(), which starts just above the bottom
// guard page.
func (s *StackObject) mappingOffset(at uintptr) int {
	return int(at - s.mapping.Start)
}

func (s *StackObject) writePointerAt(at uintptr, v uintptr) {
	mem := s.mapping.Bytes()
	binary.LittleEndian.PutUint64(mem[s.mappingOffset(at):], uint64(v))
}

func (s *StackObject) readPointerAt(at uintptr) uintptr {
	mem := s.mapping.Bytes()
	return uintptr(binary.LittleEndian.Uint64(mem[s.mappingOffset(at):]))
}

// Reset requires state == EMPTY. It sets fn and arity bookkeeping, pushes
// the two bootstrap native return addresses bottom-up (return-to-parent
// first, then enter-func, so enter-func is the first one popped), and
// transitions to SUSPENDED (or RESUMABLE if fn takes no parameters).
func (s *StackObject) Reset(fn *wasm.FuncDecl) error {
	if s.state != StackStateEmpty {
		return ErrNotEmpty
	}
	s.fn = fn
	s.fnPtr = unsafe.Pointer(fn)
	s.paramsArity = len(fn.Type.Params)
	s.returnTypes = toTypeCodes(fn.Type.Results)
	s.entry = 0
	s.exitReason = exitReasonNone

	s.rsp = s.mapping.End
	s.vsp = s.mapping.Start
	s.pushReturnAddress(s.stubs.returnToParent)
	s.pushReturnAddress(s.stubs.enterFunc)

	if s.paramsArity == 0 {
		s.state = StackStateResumable
	} else {
		s.state = StackStateSuspended
	}
	return nil
}

// Bind requires state == SUSPENDED. It pushes args in declaration order and
// decrements the outstanding arity, transitioning to RESUMABLE once all
// parameters have arrived. Excess arguments are fatal (an engine bug: the
// caller validated against the wrong signature).
func (s *StackObject) Bind(args []Value) error {
	if s.state != StackStateSuspended {
		return ErrNotSuspended
	}
	if len(args) > s.paramsArity {
		return ErrExcessArguments
	}
	s.vstack.PushN(args)
	s.paramsArity -= len(args)
	if s.paramsArity == 0 {
		s.state = StackStateResumable
	}
	return nil
}

// Clear resets vsp, rsp, and all bookkeeping to their initial values,
// returning the StackObject to EMPTY for reuse from Engine's free list.
func (s *StackObject) Clear() {
	s.vstack.Reset()
	s.rsp = s.mapping.End
	s.vsp = s.mapping.Start
	s.fn = nil
	s.fnPtr = nil
	s.paramsArity = 0
	s.returnTypes = nil
	s.entry = 0
	s.exitReason = exitReasonNone
	s.thrown = nil
	s.Parent = nil
	s.parentPtr = nil
	s.parentRSP = 0
	s.instance = nil
	s.state = StackStateEmpty
}

// rebind installs target as the function this stack is running without
// touching rsp/vsp or state, used by callHost2 when a host call's result is
// a TailCall: the current native frame is reused rather than growing a new
// one, matching Dispatcher.RuntimeTailCall's "no new frame" contract.
func (s *StackObject) rebind(target *wasm.FuncDecl) {
	s.fn = target
	s.fnPtr = unsafe.Pointer(target)
	s.returnTypes = toTypeCodes(target.Type.Results)
	s.entry = 0
}

// Result is the outcome of a run() / resume() call: either a set of return
// values or a Throwable, never both.
type Result struct {
	Values []Value
	Throw  Throwable
}

// Resume requires state == RESUMABLE. It walks the parent chain to find the
// bottom stack, links this StackObject's saved machine state through the
// resume stub, transitions to RUNNING for the duration of the native call,
// and drives the enter-func stub's host-call exits to completion: every
// function in this repository has no compiled entry (entry stays 0; see
// the scope-consolidation decision in DESIGN.md), so every Resume crosses
// back into Go at least once via callHost2 before yielding a Result.
func (s *StackObject) Resume() (Result, error) {
	if s.state != StackStateResumable {
		return Result{}, ErrNotResumable
	}

	bottom := s
	for bottom.Parent != nil {
		bottom = bottom.Parent
	}

	s.state = StackStateRunning
	nativeCall(s.stubs.resume, addrOfStackObject(s), addrOfStackObject(bottom))
	// The resume stub's prologue wrote bottom.parentRSP/bottom.parentPtr
	// directly into native memory; return-to-parent clears them again once
	// this stack has fully unwound back to the host caller. vsp is
	// similarly mirrored before the native RET that lands back in
	// nativeCall's caller, so vstack can resume tracking it.
	s.vstack.SetVSP(s.vsp)

	for s.exitReason == exitReasonHostCall {
		s.exitReason = exitReasonNone
		s.state = StackStateRunningHost
		cont := s.callHost2()
		if s.thrown != nil {
			break
		}
		if !cont {
			break
		}
		// A TailCall rebound s.fn; push a fresh enter-func bootstrap on
		// top of the still-suspended native frame and re-enter exactly as
		// Reset did initially, then resume once more.
		s.state = StackStateRunning
		s.pushReturnAddress(s.stubs.enterFunc)
		nativeCall(s.stubs.resume, addrOfStackObject(s), addrOfStackObject(bottom))
		s.vstack.SetVSP(s.vsp)
	}

	if s.thrown != nil {
		thrown := s.thrown
		s.Clear()
		return Result{Throw: thrown}, nil
	}

	values := s.vstack.PopN(s.returnTypes)
	s.Clear()
	return Result{Values: values}, nil
}

// Close releases the underlying StackMapping.
func (s *StackObject) Close() error { return s.mapping.Close() }

func toTypeCodes(vts []wasm.ValueType) []TypeCode {
	out := make([]TypeCode, len(vts))
	for i, v := range vts {
		out[i] = TypeCode(v)
	}
	return out
}

// addrOfStackObject returns a stable, GC-visible address for s suitable for
// storing in the process-wide currentStack cell consulted by the generated
// stubs. It is only ever compared for identity by Go code, never
// dereferenced through raw pointer arithmetic outside this package.
func addrOfStackObject(s *StackObject) uintptr {
	return uintptr(unsafe.Pointer(s))
}
