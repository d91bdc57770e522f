package stackvm

import (
	"fmt"

	"github.com/wazerocore/stackvm/api"
	"github.com/wazerocore/stackvm/internal/wasm"
)

// wasmPageSize is the Wasm-specified linear memory page size.
const wasmPageSize = 65536

// Dispatcher is the runtime entry point the interpreter and SPC tiers call
// into for every complex bytecode. A runtime_* method takes some operands
// as Go arguments and pops the rest from the bound ValueStack (each
// method's doc says which; several popped operands come off in
// Wasm-specified right-to-left order), performs the operation against the
// bound wasm.Instance, and either pushes results and returns nil or
// returns a materialized Throwable.
type Dispatcher struct {
	Instance *wasm.Instance
	Stack    *ValueStack
	// Frame is consulted when a trap needs its first stack-trace entry
	// without a full FrameWalker pass (e.g. a trap raised synchronously
	// inside a runtime_* call rather than at a probe).
	Frame FrameInfo
	// Features gates the bulk-memory and GC-proposal runtime_* routines via
	// requireFeature. The zero value is treated as "unset" rather than
	// "everything disabled" so a Dispatcher built directly (as every test
	// in this package predating this field does) keeps running every
	// routine unconditionally; a Runtime built through NewRuntime always
	// populates this from RuntimeConfig, whose default is api.CoreFeaturesV2.
	Features api.CoreFeatures
}

func (d *Dispatcher) trap(reason TrapReason) *Trap {
	t := NewTrap(reason)
	t.AddFrame(d.Frame)
	return t
}

// requireFeature returns an InternalError if f is configured off; a zero
// Features value is permissive, matching the doc comment above.
func (d *Dispatcher) requireFeature(f api.CoreFeatures) Throwable {
	if d.Features == 0 || d.Features.IsEnabled(f) {
		return nil
	}
	ie := &InternalError{
		Reason:  InternalReasonMalformedConfig,
		Context: fmt.Sprintf("required feature not enabled: %s", f),
	}
	ie.AddFrame(d.Frame)
	return ie
}

// RuntimeMemoryGrow implements MEMORY_GROW(instance, mi): pushes the old
// size in pages, or -1 if the requested growth would exceed the memory's
// declared maximum.
func (d *Dispatcher) RuntimeMemoryGrow(mi int, deltaPages uint32) Throwable {
	mem := d.Instance.Memories[mi]
	oldPages := mem.Cap
	newPages := oldPages + deltaPages
	if mem.Max != nil && newPages > *mem.Max {
		d.Stack.Push(ValueI32(uint32(int32(-1))))
		return nil
	}
	grown := make([]byte, newPages*wasmPageSize)
	copy(grown, mem.Buffer)
	mem.Buffer = grown
	mem.Cap = newPages
	d.Stack.Push(ValueI32(oldPages))
	return nil
}

// RuntimeMemoryInit implements MEMORY_INIT(instance, data_idx, mem_idx):
// consumes (dst, src, size) and copies from a passive data segment into
// linear memory, trapping MEMORY_OOB on overflow of either side.
func (d *Dispatcher) RuntimeMemoryInit(dataIdx, memIdx int, size, src, dst uint32) Throwable {
	if err := d.requireFeature(api.CoreFeatureBulkMemoryOperations); err != nil {
		return err
	}
	if d.Instance.DroppedData[dataIdx] {
		if size == 0 {
			return nil
		}
		return d.trap(TrapReasonMemoryOOB)
	}
	data := d.Instance.Module.DataSection[dataIdx]
	mem := d.Instance.Memories[memIdx]
	if uint64(src)+uint64(size) > uint64(len(data)) || uint64(dst)+uint64(size) > uint64(len(mem.Buffer)) {
		return d.trap(TrapReasonMemoryOOB)
	}
	copy(mem.Buffer[dst:dst+size], data[src:src+size])
	return nil
}

// RuntimeMemoryCopy implements MEMORY_COPY(instance, mi1, mi2), consuming
// (dst, src, size).
func (d *Dispatcher) RuntimeMemoryCopy(mi1, mi2 int, size, src, dst uint32) Throwable {
	if err := d.requireFeature(api.CoreFeatureBulkMemoryOperations); err != nil {
		return err
	}
	dstMem := d.Instance.Memories[mi1]
	srcMem := d.Instance.Memories[mi2]
	if uint64(src)+uint64(size) > uint64(len(srcMem.Buffer)) || uint64(dst)+uint64(size) > uint64(len(dstMem.Buffer)) {
		return d.trap(TrapReasonMemoryOOB)
	}
	copy(dstMem.Buffer[dst:dst+size], srcMem.Buffer[src:src+size])
	return nil
}

// RuntimeMemoryFill implements MEMORY_FILL(instance, mi), consuming
// (dst, val, size).
func (d *Dispatcher) RuntimeMemoryFill(mi int, size uint32, val byte, dst uint32) Throwable {
	if err := d.requireFeature(api.CoreFeatureBulkMemoryOperations); err != nil {
		return err
	}
	mem := d.Instance.Memories[mi]
	if uint64(dst)+uint64(size) > uint64(len(mem.Buffer)) {
		return d.trap(TrapReasonMemoryOOB)
	}
	region := mem.Buffer[dst : dst+size]
	for i := range region {
		region[i] = val
	}
	return nil
}

// RuntimeGlobalGet implements GLOBAL_GET(i).
func (d *Dispatcher) RuntimeGlobalGet(i int) {
	g := d.Instance.Globals[i]
	switch g.Type {
	case wasm.ValueTypeI32:
		d.Stack.Push(ValueI32(uint32(g.Val)))
	case wasm.ValueTypeI64:
		d.Stack.Push(ValueI64(g.Val))
	case wasm.ValueTypeF32:
		d.Stack.Push(ValueF32(uint32(g.Val)))
	case wasm.ValueTypeF64:
		d.Stack.Push(ValueF64(g.Val))
	case wasm.ValueTypeV128:
		d.Stack.Push(ValueV128(g.Val, g.ValHi))
	default:
		d.Stack.Push(Value{typ: TypeCode(g.Type), lo: g.Val, isObject: g.Val != 0})
	}
}

// RuntimeGlobalSet implements GLOBAL_SET(i). Mutability is enforced at
// validation time (out of scope); this routine assumes it has already been
// checked and unconditionally writes.
func (d *Dispatcher) RuntimeGlobalSet(i int) {
	g := d.Instance.Globals[i]
	v := d.Stack.Pop(TypeCode(g.Type))
	g.Val = v.lo
	g.ValHi = v.hi
}

// RuntimeTableGet implements TABLE_GET(i), trapping TABLE_OOB if index is
// past the table's length.
func (d *Dispatcher) RuntimeTableGet(ti int, index uint32) Throwable {
	t := d.Instance.Tables[ti]
	if index >= uint32(len(t.References)) {
		return d.trap(TrapReasonTableOOB)
	}
	ref := t.References[index]
	if ref == 0 {
		d.Stack.Push(ValueRefNull(TypeCode(t.Type)))
	} else {
		d.Stack.Push(Value{typ: TypeCode(t.Type), lo: uint64(ref), isObject: true})
	}
	return nil
}

// RuntimeTableSet implements TABLE_SET(i), trapping TABLE_OOB if index is
// past the table's length.
func (d *Dispatcher) RuntimeTableSet(ti int, index uint32) Throwable {
	t := d.Instance.Tables[ti]
	v := d.Stack.Pop(TypeCode(t.Type))
	if index >= uint32(len(t.References)) {
		return d.trap(TrapReasonTableOOB)
	}
	t.References[index] = wasm.Reference(v.lo)
	return nil
}

// RuntimeTableInit implements TABLE_INIT(elem, table), isomorphic to
// RuntimeMemoryInit over an element segment.
func (d *Dispatcher) RuntimeTableInit(elemIdx, tableIdx int, size, src, dst uint32) Throwable {
	if err := d.requireFeature(api.CoreFeatureBulkMemoryOperations); err != nil {
		return err
	}
	if d.Instance.DroppedElement[elemIdx] {
		if size == 0 {
			return nil
		}
		return d.trap(TrapReasonTableOOB)
	}
	elem := d.Instance.Module.ElementSection[elemIdx]
	t := d.Instance.Tables[tableIdx]
	if uint64(src)+uint64(size) > uint64(len(elem.References)) || uint64(dst)+uint64(size) > uint64(len(t.References)) {
		return d.trap(TrapReasonTableOOB)
	}
	copy(t.References[dst:dst+size], elem.References[src:src+size])
	return nil
}

// RuntimeTableCopy implements TABLE_COPY(t1, t2), isomorphic to
// RuntimeMemoryCopy.
func (d *Dispatcher) RuntimeTableCopy(t1, t2 int, size, src, dst uint32) Throwable {
	if err := d.requireFeature(api.CoreFeatureBulkMemoryOperations); err != nil {
		return err
	}
	dstT := d.Instance.Tables[t1]
	srcT := d.Instance.Tables[t2]
	if uint64(src)+uint64(size) > uint64(len(srcT.References)) || uint64(dst)+uint64(size) > uint64(len(dstT.References)) {
		return d.trap(TrapReasonTableOOB)
	}
	copy(dstT.References[dst:dst+size], srcT.References[src:src+size])
	return nil
}

// RuntimeTableGrow implements TABLE_GROW(t), pushing the old length or -1
// if growth would exceed the table's declared maximum.
func (d *Dispatcher) RuntimeTableGrow(ti int, delta uint32, fillValue uint64) {
	t := d.Instance.Tables[ti]
	old := uint32(len(t.References))
	newLen := old + delta
	if t.Max != nil && newLen > *t.Max {
		d.Stack.Push(ValueI32(uint32(int32(-1))))
		return
	}
	grown := make([]wasm.Reference, newLen)
	copy(grown, t.References)
	for i := old; i < newLen; i++ {
		grown[i] = uintptr(fillValue)
	}
	t.References = grown
	d.Stack.Push(ValueI32(old))
}

// RuntimeTableFill implements TABLE_FILL(t), isomorphic to
// RuntimeMemoryFill.
func (d *Dispatcher) RuntimeTableFill(ti int, size uint32, fillValue uint64, dst uint32) Throwable {
	if err := d.requireFeature(api.CoreFeatureBulkMemoryOperations); err != nil {
		return err
	}
	t := d.Instance.Tables[ti]
	if uint64(dst)+uint64(size) > uint64(len(t.References)) {
		return d.trap(TrapReasonTableOOB)
	}
	for i := dst; i < dst+size; i++ {
		t.References[i] = uintptr(fillValue)
	}
	return nil
}
