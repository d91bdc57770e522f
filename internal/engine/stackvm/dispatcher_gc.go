package stackvm

import (
	"github.com/wazerocore/stackvm/api"
	"github.com/wazerocore/stackvm/internal/wasm"
)

// HeapStruct is a GC-proposal struct instance: one allocation per field slot
// plus the HeapTypeDecl it was constructed from, used by FrameWalker/
// ScanRoots to find nested references.
type HeapStruct struct {
	Type   *wasm.HeapTypeDecl
	Fields []Value
}

// HeapArray is a GC-proposal array instance, laid out as a length plus a
// contiguous slice of homogeneous elements.
type HeapArray struct {
	Type     *wasm.HeapTypeDecl
	Elements []Value
}

// heapObjects is the process's GC-visible object table; runtime_struct_new/
// runtime_array_new register here and the returned Value's lo field is the
// table index disguised as a non-null, non-i31 payload so ScanRoots can
// still recognize it as a reference without dereferencing Go memory from
// native code.
type heapObjects struct {
	objs []interface{}
}

func (h *heapObjects) alloc(o interface{}) uint64 {
	h.objs = append(h.objs, o)
	// Shift left one and set the low bit clear (distinguishing from i31,
	// whose low bit is always 1) while keeping the value nonzero so
	// IsNullRef never misclassifies a live handle as null.
	return uint64(len(h.objs)) << 1
}

func (h *heapObjects) get(handle uint64) interface{} {
	return h.objs[handle>>1-1]
}

// RuntimeStructNew implements STRUCT_NEW(type_idx): pops len(Fields) values
// right-to-left per HeapTypeDecl.Fields, allocates a HeapStruct, and pushes
// a structref handle.
func (d *Dispatcher) RuntimeStructNew(typeIdx int) Throwable {
	if err := d.requireFeature(api.CoreFeatureGC); err != nil {
		return err
	}
	ht := d.Instance.HeapTypes[typeIdx]
	types := make([]TypeCode, len(ht.Fields))
	for i, f := range ht.Fields {
		types[i] = TypeCode(f)
	}
	fields := d.Stack.PopN(types)
	handle := d.heap().alloc(&HeapStruct{Type: ht, Fields: fields})
	d.Stack.Push(Value{typ: TypeCodeStructref, lo: handle, isObject: true})
	return nil
}

// RuntimeStructGet implements STRUCT_GET(type_idx, field_idx): pops a
// structref, traps NULL_DEREF if null, else pushes the field's value.
func (d *Dispatcher) RuntimeStructGet(typeIdx, fieldIdx int) Throwable {
	if err := d.requireFeature(api.CoreFeatureGC); err != nil {
		return err
	}
	ref := d.Stack.Pop(TypeCodeStructref)
	if ref.IsNullRef() {
		return d.trap(TrapReasonNullDeref)
	}
	hs := d.heap().get(ref.lo).(*HeapStruct)
	d.Stack.Push(hs.Fields[fieldIdx])
	return nil
}

// RuntimeStructSet implements STRUCT_SET(type_idx, field_idx): pops (ref,
// value) and writes value into the struct's field, trapping NULL_DEREF if
// ref is null. Immutability is enforced at validation time, out of scope.
func (d *Dispatcher) RuntimeStructSet(typeIdx, fieldIdx int) Throwable {
	if err := d.requireFeature(api.CoreFeatureGC); err != nil {
		return err
	}
	ht := d.Instance.HeapTypes[typeIdx]
	v := d.Stack.Pop(TypeCode(ht.Fields[fieldIdx]))
	ref := d.Stack.Pop(TypeCodeStructref)
	if ref.IsNullRef() {
		return d.trap(TrapReasonNullDeref)
	}
	hs := d.heap().get(ref.lo).(*HeapStruct)
	hs.Fields[fieldIdx] = v
	return nil
}

// RuntimeArrayNew implements ARRAY_NEW(type_idx): takes size and init_value
// as arguments (nothing is popped), allocates a HeapArray of size copies of init_value, and pushes an
// arrayref handle.
func (d *Dispatcher) RuntimeArrayNew(typeIdx int, size uint32, initValue Value) Throwable {
	if err := d.requireFeature(api.CoreFeatureGC); err != nil {
		return err
	}
	ht := d.Instance.HeapTypes[typeIdx]
	elems := make([]Value, size)
	for i := range elems {
		elems[i] = initValue
	}
	handle := d.heap().alloc(&HeapArray{Type: ht, Elements: elems})
	d.Stack.Push(Value{typ: TypeCodeArrayref, lo: handle, isObject: true})
	return nil
}

// RuntimeArrayGet implements ARRAY_GET(type_idx): pops ref and takes index
// as an argument, pushes the element and also returns it, trapping
// NULL_DEREF or ARRAY_INDEX_OOB.
func (d *Dispatcher) RuntimeArrayGet(typeIdx int, index uint32) (Value, Throwable) {
	if err := d.requireFeature(api.CoreFeatureGC); err != nil {
		return Value{}, err
	}
	ref := d.Stack.Pop(TypeCodeArrayref)
	if ref.IsNullRef() {
		return Value{}, d.trap(TrapReasonNullDeref)
	}
	ha := d.heap().get(ref.lo).(*HeapArray)
	if index >= uint32(len(ha.Elements)) {
		return Value{}, d.trap(TrapReasonArrayIndexOOB)
	}
	v := ha.Elements[index]
	d.Stack.Push(v)
	return v, nil
}

// RuntimeArraySet implements ARRAY_SET(type_idx): pops ref and takes index
// and value as arguments, trapping NULL_DEREF or ARRAY_INDEX_OOB.
func (d *Dispatcher) RuntimeArraySet(typeIdx int, index uint32, value Value) Throwable {
	if err := d.requireFeature(api.CoreFeatureGC); err != nil {
		return err
	}
	ref := d.Stack.Pop(TypeCodeArrayref)
	if ref.IsNullRef() {
		return d.trap(TrapReasonNullDeref)
	}
	ha := d.heap().get(ref.lo).(*HeapArray)
	if index >= uint32(len(ha.Elements)) {
		return d.trap(TrapReasonArrayIndexOOB)
	}
	ha.Elements[index] = value
	return nil
}

// RuntimeArrayLen implements ARRAY_LEN(type_idx): pops ref, traps
// NULL_DEREF, else pushes the element count as an i32.
func (d *Dispatcher) RuntimeArrayLen() Throwable {
	if err := d.requireFeature(api.CoreFeatureGC); err != nil {
		return err
	}
	ref := d.Stack.Pop(TypeCodeArrayref)
	if ref.IsNullRef() {
		return d.trap(TrapReasonNullDeref)
	}
	ha := d.heap().get(ref.lo).(*HeapArray)
	d.Stack.Push(ValueI32(uint32(len(ha.Elements))))
	return nil
}

// RuntimeRefCast implements REF_CAST(type_idx): pops ref, traps
// CAST_FAILURE if its runtime type doesn't match the requested heap type,
// else re-pushes it unchanged.
func (d *Dispatcher) RuntimeRefCast(want TypeCode, typeIdx int) Throwable {
	if err := d.requireFeature(api.CoreFeatureGC); err != nil {
		return err
	}
	ref := d.Stack.Pop(TypeCodeAnyref)
	if ref.IsNullRef() {
		d.Stack.Push(ValueRefNull(want))
		return nil
	}
	switch o := d.heap().get(ref.lo).(type) {
	case *HeapStruct:
		if want != TypeCodeStructref || o.Type != d.Instance.HeapTypes[typeIdx] {
			return d.trap(TrapReasonCastFailure)
		}
	case *HeapArray:
		if want != TypeCodeArrayref || o.Type != d.Instance.HeapTypes[typeIdx] {
			return d.trap(TrapReasonCastFailure)
		}
	}
	d.Stack.Push(Value{typ: want, lo: ref.lo, isObject: true})
	return nil
}

// sharedHeap backs every Dispatcher bound to the same Instance; allocated
// lazily so a Dispatcher that never touches GC-proposal instructions never
// pays for the table.
func (d *Dispatcher) heap() *heapObjects {
	if d.Instance.Heap == nil {
		d.Instance.Heap = &heapObjects{}
	}
	h, _ := d.Instance.Heap.(*heapObjects)
	return h
}
