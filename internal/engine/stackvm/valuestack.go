package stackvm

import (
	"encoding/binary"
)

// ValueStack is the typed, tag-per-slot operand stack shared by the
// interpreter and SPC tiers. It is backed by the lower half of a
// StackMapping's usable region: slots are written starting at rangeStart
// and vsp grows upward toward rangeEnd (which is shared with the native
// return-address stack growing downward from the other end, enforced by
// StackObject, not by ValueStack itself).
type ValueStack struct {
	rep        ValueRep
	mem        []byte
	rangeStart uintptr
	vsp        uintptr
}

// NewValueStack constructs a ValueStack over mem (the bytes returned by
// StackMapping.Bytes), using rep's tag/slot layout.
func NewValueStack(mem []byte, base uintptr, rep ValueRep) *ValueStack {
	return &ValueStack{rep: rep, mem: mem, rangeStart: base, vsp: base}
}

// VSP returns the current value-stack pointer.
func (s *ValueStack) VSP() uintptr { return s.vsp }

// SetVSP restores a previously saved value-stack pointer, used by
// return-to-parent to write the live VSP back into StackObject.vsp.
func (s *ValueStack) SetVSP(vsp uintptr) { s.vsp = vsp }

// Reset returns the stack to empty (vsp == rangeStart).
func (s *ValueStack) Reset() { s.vsp = s.rangeStart }

func (s *ValueStack) offset(addr uintptr) int {
	return int(addr - s.rangeStart)
}

// Push writes v's tag (if tagged) and payload at vsp, then advances vsp by
// one slot. V128 writes both 8-byte halves.
func (s *ValueStack) Push(v Value) {
	off := s.offset(s.vsp)
	if s.rep.Tagged {
		s.mem[off] = byte(v.typ) &^ 0x80
		off += s.rep.TagSize
	}
	binary.LittleEndian.PutUint64(s.mem[off:], v.lo)
	if v.typ == TypeCodeV128 {
		binary.LittleEndian.PutUint64(s.mem[off+8:], v.hi)
	}
	s.vsp += uintptr(s.rep.SlotSize)
}

// Pop decrements vsp by one slot and verifies the stored tag (if tagged)
// against expected, accepting any reference-category code when expected is
// itself a reference code. A mismatch is fatal: an engine bug, not a Wasm
// trap, so it panics with *InternalError rather than returning one.
func (s *ValueStack) Pop(expected TypeCode) Value {
	s.vsp -= uintptr(s.rep.SlotSize)
	off := s.offset(s.vsp)

	var got TypeCode
	if s.rep.Tagged {
		got = TypeCode(s.mem[off]) & tagMask
		if isRefCode(expected) {
			if !isRefCode(got) {
				panic(&InternalError{Reason: InternalReasonUnexpectedTag, Context: "pop: expected reference category"})
			}
		} else if got != expected&tagMask {
			panic(&InternalError{Reason: InternalReasonUnexpectedTag, Context: "pop: tag mismatch"})
		}
		off += s.rep.TagSize
	} else {
		got = expected
	}

	lo := binary.LittleEndian.Uint64(s.mem[off:])
	v := Value{typ: got, lo: lo}
	if got == TypeCodeV128 {
		v.hi = binary.LittleEndian.Uint64(s.mem[off+8:])
	}
	if isRefCode(got) && lo != 0 && lo&1 == 0 {
		v.isObject = true
	}
	return v
}

// PopU32 is a tag-checked specialization of Pop for TypeCodeI32.
func (s *ValueStack) PopU32() uint32 { return s.Pop(TypeCodeI32).I32() }

// PopU64 is a tag-checked specialization of Pop for TypeCodeI64.
func (s *ValueStack) PopU64() uint64 { return s.Pop(TypeCodeI64).I64() }

// PeekRef tag-checks the top slot for any reference code without popping
// it, decoding an inline i31 or a null/object reference as appropriate.
func (s *ValueStack) PeekRef() Value {
	off := s.offset(s.vsp - uintptr(s.rep.SlotSize))
	var typ TypeCode
	if s.rep.Tagged {
		typ = TypeCode(s.mem[off]) & tagMask
		if !isRefCode(typ) {
			panic(&InternalError{Reason: InternalReasonUnexpectedTag, Context: "peekRef: not a reference"})
		}
		off += s.rep.TagSize
	}
	lo := binary.LittleEndian.Uint64(s.mem[off:])
	switch {
	case lo&1 == 1:
		return Value{typ: TypeCodeI31ref, lo: lo}
	case lo == 0:
		return Value{typ: typ, lo: 0}
	default:
		return Value{typ: typ, lo: lo, isObject: true}
	}
}

// PopN pops len(types) values, consuming types right-to-left so the
// returned slice matches declaration order.
func (s *ValueStack) PopN(types []TypeCode) []Value {
	out := make([]Value, len(types))
	for i := len(types) - 1; i >= 0; i-- {
		out[i] = s.Pop(types[i])
	}
	return out
}

// PushN pushes values in order, the inverse of PopN.
func (s *ValueStack) PushN(values []Value) {
	for _, v := range values {
		s.Push(v)
	}
}

// Height returns the number of slots currently on the stack, used to check
// stack-neutrality across a run() call (testable property 2/3).
func (s *ValueStack) Height() int {
	return s.offset(s.vsp) / s.rep.SlotSize
}

// ScanRoots iterates slots from rangeStart to vsp and invokes visit for
// every slot whose tag is a reference code, payload low bit is 0, and
// payload is nonzero — the GC scan contract from §4.1. Untagged stacks
// cannot be scanned this way; the SPC tier that opts into untagged mode is
// responsible for providing its own stack maps (see spec open questions).
func (s *ValueStack) ScanRoots(visit func(addr uintptr, slotOffset int)) {
	if !s.rep.Tagged {
		return
	}
	for addr := s.rangeStart; addr < s.vsp; addr += uintptr(s.rep.SlotSize) {
		off := s.offset(addr)
		tag := TypeCode(s.mem[off]) & tagMask
		if !isRefCode(tag) {
			continue
		}
		payloadOff := off + s.rep.TagSize
		lo := binary.LittleEndian.Uint64(s.mem[payloadOff:])
		if lo != 0 && lo&1 == 0 {
			visit(addr, off)
		}
	}
}
