package stackvm

import "github.com/wazerocore/stackvm/internal/wasm"

// TargetFrame is one logical call frame recovered by FrameWalker: the
// function it belongs to and the native return address observed for it,
// used both to build a Trap's stack trace and to locate the frame
// TierUpGate should rewrite.
type TargetFrame struct {
	Func *wasm.FuncDecl
	// ReturnAddr is the address of this frame's saved native return
	// address slot (not its value): the exact rsp offset TierUpGate
	// overwrites in place.
	ReturnAddr uintptr
	PC         uint64
}

// FrameWalker walks a StackObject's native return-address stack outward
// from a starting rsp, reconstructing logical Wasm frames without any
// per-call frame-pointer bookkeeping: each frame's size is looked up from
// the owning function's compiled code region rather than stored inline, per
// §4.6.
type FrameWalker struct {
	stack  *StackObject
	lookup FrameSizeLookup
}

// FrameSizeLookup resolves the native frame size in bytes a return-address
// slot belongs to, so FrameWalker can skip over it to reach the next one. The
// interpreter and SPC tiers each provide their own implementation: the
// interpreter's frames are fixed-size per its operand-stack discipline,
// the SPC tier's sizes come from its per-function code region metadata.
type FrameSizeLookup interface {
	// FrameSize is passed the address of a saved return-address slot (the
	// value TargetFrame.ReturnAddr carries), not the return address stored
	// in it. It returns the size of the frame that slot belongs to and the
	// frame's *wasm.FuncDecl, or ok == false if the slot is not a known
	// frame, which ends the walk of the current stack.
	FrameSize(returnAddr uintptr) (size uintptr, fn *wasm.FuncDecl, ok bool)
}

// NewFrameWalker binds a walker to stack starting at its current rsp.
func NewFrameWalker(stack *StackObject, lookup FrameSizeLookup) *FrameWalker {
	return &FrameWalker{stack: stack, lookup: lookup}
}

// Walk visits each logical frame from innermost (the most recently called
// function) to outermost, stopping at the stack's bottom or when visit
// returns false. It follows the Parent chain so a trap raised deep inside a
// chain of cross-stack calls still produces a single, contiguous trace.
func (w *FrameWalker) Walk(visit func(TargetFrame) bool) {
	s := w.stack
	for s != nil {
		addr := s.rsp
		for {
			size, fn, ok := w.lookup.FrameSize(addr)
			if !ok {
				break
			}
			ret := s.readPointerAt(addr)
			if !visit(TargetFrame{Func: fn, ReturnAddr: addr, PC: uint64(ret)}) {
				return
			}
			addr += size
		}
		s = s.Parent
	}
}

// CollectTrace runs Walk and returns the observed frames converted to
// FrameInfo, innermost first (Walk's order), the order Trap.AddFrame
// expects.
func (w *FrameWalker) CollectTrace() []FrameInfo {
	var out []FrameInfo
	w.Walk(func(f TargetFrame) bool {
		name := "<unknown>"
		if f.Func != nil {
			name = f.Func.Name
		}
		out = append(out, FrameInfo{FuncName: name, PC: f.PC})
		return true
	})
	return out
}
