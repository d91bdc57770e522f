package stackvm

import "math"

// TypeCode is the one-byte, Wasm binary-format-aligned tag written into a
// tagged slot's low 7 bits. The high bit is reserved and must never be set.
type TypeCode byte

const (
	TypeCodeI32       TypeCode = 0x7f
	TypeCodeI64       TypeCode = 0x7e
	TypeCodeF32       TypeCode = 0x7d
	TypeCodeF64       TypeCode = 0x7c
	TypeCodeV128      TypeCode = 0x7b
	TypeCodeFuncref   TypeCode = 0x70
	TypeCodeExternref TypeCode = 0x6f
	TypeCodeAnyref    TypeCode = 0x6e
	TypeCodeEqref     TypeCode = 0x6d
	TypeCodeI31ref    TypeCode = 0x6c
	TypeCodeStructref TypeCode = 0x65
	TypeCodeArrayref  TypeCode = 0x64
	TypeCodeRef       TypeCode = 0x6b
	TypeCodeRefNull   TypeCode = 0x6a
	// TypeCodeNullFuncref, TypeCodeNullExternref and TypeCodeNullref are the
	// GC-proposal bottom types, used only as the static type of a popRef
	// call site that is known to only ever observe null.
	TypeCodeNullFuncref   TypeCode = 0x73
	TypeCodeNullExternref TypeCode = 0x72
	TypeCodeNullref       TypeCode = 0x71

	// tagMask strips the reserved high bit before comparing a stored tag
	// byte against a TypeCode.
	tagMask TypeCode = 0x7f
)

// isRefCode reports whether c identifies any of the reference-category
// type codes, which popRef/popObject accept interchangeably.
func isRefCode(c TypeCode) bool {
	switch c & tagMask {
	case TypeCodeFuncref, TypeCodeExternref, TypeCodeAnyref, TypeCodeEqref,
		TypeCodeI31ref, TypeCodeStructref, TypeCodeArrayref, TypeCodeRef,
		TypeCodeRefNull, TypeCodeNullFuncref, TypeCodeNullExternref, TypeCodeNullref:
		return true
	default:
		return false
	}
}

// Value is the boxed, API-facing representation of a single Wasm value of
// any kind. ValueStack never stores a Value directly; push/pop convert to
// and from the packed slot representation described by ValueRep.
type Value struct {
	typ      TypeCode
	lo, hi   uint64
	isObject bool
	obj      interface{}
}

func ValueI32(v uint32) Value  { return Value{typ: TypeCodeI32, lo: uint64(v)} }
func ValueI64(v uint64) Value  { return Value{typ: TypeCodeI64, lo: v} }
func ValueF32(bits uint32) Value { return Value{typ: TypeCodeF32, lo: uint64(bits)} }
func ValueF64(bits uint64) Value { return Value{typ: TypeCodeF64, lo: bits} }
func ValueV128(lo, hi uint64) Value {
	return Value{typ: TypeCodeV128, lo: lo, hi: hi}
}

// ValueI31 packs x (a 31-bit unsigned integer) as an inline i31 reference:
// payload (x<<1)|1 so the GC scanner's low-bit check skips it.
func ValueI31(x uint32) Value {
	return Value{typ: TypeCodeI31ref, lo: (uint64(x) << 1) | 1}
}

// ValueRefNull returns the null reference of the given reference type code.
func ValueRefNull(t TypeCode) Value {
	return Value{typ: t, lo: 0}
}

// ValueRefObject boxes a non-null GC-visible object pointer. Callers must
// align obj to at least 2 bytes so the i31 low-bit trick distinguishes it
// from an inline i31.
func ValueRefObject(t TypeCode, obj interface{}, addr uint64) Value {
	return Value{typ: t, lo: addr, isObject: true, obj: obj}
}

func (v Value) Type() TypeCode { return v.typ }
func (v Value) I32() uint32    { return uint32(v.lo) }
func (v Value) I64() uint64    { return v.lo }
func (v Value) F32() float32   { return math.Float32frombits(uint32(v.lo)) }
func (v Value) F64() float64   { return math.Float64frombits(v.lo) }
func (v Value) V128() (lo, hi uint64) { return v.lo, v.hi }

// IsNullRef reports whether v is a null reference (any reference type code
// with a zero payload).
func (v Value) IsNullRef() bool {
	return isRefCode(v.typ) && v.lo == 0 && !v.isObject
}

// IsI31 reports whether v is an inline i31 reference.
func (v Value) IsI31() bool {
	return v.typ == TypeCodeI31ref && v.lo&1 == 1
}

// I31Value decodes an inline i31 payload back to its unsigned value.
func (v Value) I31Value() uint32 {
	return uint32(v.lo >> 1)
}

// Object returns the boxed GC object for a non-null, non-i31 reference.
func (v Value) Object() interface{} { return v.obj }

// ValueRep is the process-wide configuration for how a value occupies one
// stack slot. It is fixed for the lifetime of an Engine: every StackMapping
// it creates shares the same layout so a ValueStack never has to ask which
// mode it is in on a per-call basis.
type ValueRep struct {
	// Tagged selects whether pushed values write a TypeCode tag byte. Only
	// the SPC tier, which knows static types at every program point, may
	// run untagged; the interpreter always requires Tagged == true.
	Tagged bool
	// TagSize is 0 when untagged, 8 when tagged (one 8-byte-aligned slot
	// reserved for the tag byte plus padding).
	TagSize int
	// SlotSize is the total size in bytes of one value-stack slot; must
	// satisfy SlotSize >= TagSize+16 so a V128 payload always fits.
	SlotSize int
}

// DefaultValueRep is the tagged, 24-byte-slot configuration used unless a
// Config overrides it: an 8-byte tag plus a 16-byte payload (covers V128).
var DefaultValueRep = ValueRep{Tagged: true, TagSize: 8, SlotSize: 24}

// Untagged is the SPC-only configuration eliding the tag byte entirely.
var UntaggedValueRep = ValueRep{Tagged: false, TagSize: 0, SlotSize: 16}

// Validate checks the slot_size >= tag_size+16 invariant from the data model.
func (r ValueRep) Validate() error {
	if r.SlotSize < r.TagSize+16 {
		return ErrInvalidValueRep
	}
	if r.Tagged && r.TagSize == 0 {
		return ErrInvalidValueRep
	}
	if !r.Tagged && r.TagSize != 0 {
		return ErrInvalidValueRep
	}
	return nil
}
