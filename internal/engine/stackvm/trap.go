package stackvm

import (
	"errors"
	"fmt"
	"strings"
)

// TrapReason identifies a specified Wasm failure condition.
type TrapReason int

const (
	TrapReasonOOB TrapReason = iota + 1
	TrapReasonNullDeref
	TrapReasonDivZero
	TrapReasonIntOverflow
	TrapReasonInvalidConv
	TrapReasonUnreachable
	TrapReasonStackOverflow
	TrapReasonTableOOB
	TrapReasonMemoryOOB
	TrapReasonArrayIndexOOB
	TrapReasonOOM
	TrapReasonCastFailure
)

var trapReasonNames = map[TrapReason]string{
	TrapReasonOOB:           "out of bounds",
	TrapReasonNullDeref:     "null reference dereference",
	TrapReasonDivZero:       "integer divide by zero",
	TrapReasonIntOverflow:   "integer overflow",
	TrapReasonInvalidConv:   "invalid conversion to integer",
	TrapReasonUnreachable:   "unreachable",
	TrapReasonStackOverflow: "stack overflow",
	TrapReasonTableOOB:      "out of bounds table access",
	TrapReasonMemoryOOB:     "out of bounds memory access",
	TrapReasonArrayIndexOOB: "out of bounds array access",
	TrapReasonOOM:           "out of memory",
	TrapReasonCastFailure:   "cast failure",
}

func (r TrapReason) String() string {
	if s, ok := trapReasonNames[r]; ok {
		return s
	}
	return "unknown trap"
}

// FrameInfo is one entry of a Trap's stack trace: the function's diagnostic
// name and the program counter within it at the time of the trap.
type FrameInfo struct {
	FuncName string
	PC       uint64
}

// Trap is a tagged failure value with a reason and a lazily-attached stack
// trace. A Throwable is either a *Trap, a HostThrow, or an *InternalError.
type Trap struct {
	Reason TrapReason
	Trace  []FrameInfo
	// HostFrame is set when the trap passed through a host call boundary;
	// it is prepended ahead of the Wasm frames in Error().
	HostFrame string
}

func (t *Trap) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "wasm trap: %s", t.Reason)
	if len(t.Trace) > 0 || t.HostFrame != "" {
		b.WriteString("\nwasm stack trace:")
		if t.HostFrame != "" {
			fmt.Fprintf(&b, "\n\t%s (host)", t.HostFrame)
		}
		for _, f := range t.Trace {
			fmt.Fprintf(&b, "\n\t%s (pc=%#x)", f.FuncName, f.PC)
		}
	}
	return b.String()
}

// NewTrap constructs a Trap with no trace attached; callers attach frames
// via AddFrame as the FrameWalker unwinds, innermost first.
func NewTrap(reason TrapReason) *Trap {
	return &Trap{Reason: reason}
}

// AddFrame appends a frame observed while walking outward from the point of
// the trap, so Trace is stored innermost first. FrameWalker.CollectTrace
// returns frames in that same order; nothing reverses them.
func (t *Trap) AddFrame(f FrameInfo) {
	t.Trace = append(t.Trace, f)
}

// HostThrow wraps an error returned by a host callback, propagated
// unchanged except for frame prepending as it passes back through Wasm
// frames to the outermost run() caller.
type HostThrow struct {
	Err   error
	Trace []FrameInfo
}

func (h *HostThrow) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (propagated from host)", h.Err)
	for _, f := range h.Trace {
		fmt.Fprintf(&b, "\n\t%s (pc=%#x)", f.FuncName, f.PC)
	}
	return b.String()
}

func (h *HostThrow) Unwrap() error { return h.Err }

func (h *HostThrow) AddFrame(f FrameInfo) { h.Trace = append(h.Trace, f) }

// InternalReason distinguishes the kind of engine invariant that was
// violated, so tests can assert InternalErrors never occur in a passing run.
type InternalReason int

const (
	InternalReasonStackHeightMismatch InternalReason = iota + 1
	InternalReasonUnexpectedTag
	InternalReasonMalformedConfig
)

// InternalError signals an engine bug (not a Wasm-specified trap): a
// stack-height mismatch after a call, an unexpected tag byte, or a
// malformed configuration. Delivered to the caller via Result.Throw with a
// reason distinct from Trap so tests can assert their absence.
type InternalError struct {
	Reason  InternalReason
	Context string
	Trace   []FrameInfo
}

// AddFrame satisfies Throwable; InternalErrors are engine bugs raised
// synchronously at the point of detection, so a trace is rarely meaningful,
// but dispatcher-raised ones (e.g. requireFeature) flow through the same
// FrameWalker path as a Trap and so need somewhere to record it.
func (e *InternalError) AddFrame(f FrameInfo) { e.Trace = append(e.Trace, f) }

func (e *InternalError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("stackvm: internal error: %s", e.Context)
	}
	return "stackvm: internal error"
}

// Throwable is returned by run() alongside a successful Value result; one
// of *Trap, *HostThrow, or *InternalError.
type Throwable interface {
	error
	AddFrame(FrameInfo)
}

// Sentinel errors for conditions raised before a Throwable's frame trace
// could be meaningfully constructed (e.g. at StackObject construction),
// grounded on the teacher's internal/wasmruntime convention of exporting a
// flat list of `var ErrRuntimeXxx = errors.New(...)` sentinels.
var (
	ErrInvalidValueRep     = errors.New("stackvm: invalid ValueRep configuration")
	ErrStackMappingFailed  = errors.New("stackvm: failed to reserve guarded stack mapping")
	ErrGuardPageFailed     = errors.New("stackvm: failed to protect guard page")
	ErrNotSuspended        = errors.New("stackvm: StackObject.bind requires state SUSPENDED")
	ErrNotResumable        = errors.New("stackvm: StackObject.resume requires state RESUMABLE")
	ErrNotEmpty            = errors.New("stackvm: StackObject.reset requires state EMPTY")
	ErrExcessArguments     = errors.New("stackvm: bind received more arguments than the function declares")
	ErrPopTypeMismatch     = errors.New("stackvm: ValueStack.pop type mismatch")
	ErrUnsupportedFeature  = errors.New("stackvm: unsupported: declared but not implemented per spec open questions")
)
