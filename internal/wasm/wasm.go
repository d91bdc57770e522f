// Package wasm holds the minimal instance-shape data model the execution
// core binds against. Parsing and validation of the WebAssembly binary
// format are out of scope: values here are expected to be constructed by an
// external loader and handed to the engine already resolved.
package wasm

// Index is a position in one of a module's index spaces (function, table,
// memory, global, type, element, data).
type Index = uint32

// ModuleID identifies a compiled Module; the engine passes it to host
// functions as CallContext.ModuleName.
type ModuleID string

// ValueType is the binary encoding of a WebAssembly value type, matching
// the standard's own type-section byte encoding so call boundaries never
// need to translate between a separate representation and this one.
type ValueType = byte

const (
	ValueTypeI32       ValueType = 0x7f
	ValueTypeI64       ValueType = 0x7e
	ValueTypeF32       ValueType = 0x7d
	ValueTypeF64       ValueType = 0x7c
	ValueTypeV128      ValueType = 0x7b
	ValueTypeFuncref   ValueType = 0x70
	ValueTypeExternref ValueType = 0x6f
	// ValueTypeStructref and ValueTypeArrayref are GC-proposal reference
	// types; they are not part of the WebAssembly 1.0/2.0 core spec but are
	// required by the runtime_struct_* / runtime_array_* dispatcher routines.
	ValueTypeStructref ValueType = 0x65
	ValueTypeArrayref  ValueType = 0x64
)

// Reference is the runtime representation of a funcref/externref/structref/
// arrayref: either 0 (null) or an opaque, GC-visible pointer-sized value.
type Reference = uintptr

// FunctionType is a function signature, compared by value across modules
// for call_indirect / call_ref type checks.
type FunctionType struct {
	Params, Results []ValueType
}

// FunctionTypeID is an engine-assigned small integer uniquely identifying a
// FunctionType within a Store, letting call_indirect compare IDs instead of
// structurally comparing signatures on every call.
type FunctionTypeID = uint32

// HeapTypeDecl describes a GC-proposal struct or array type: field/element
// layout needed by the runtime_struct_new / runtime_array_new dispatcher
// routines to size and initialize an allocation.
type HeapTypeDecl struct {
	// IsArray is true for an array type, false for a struct type.
	IsArray bool
	// Fields holds the storage type of each struct field, or a single entry
	// for an array's element type.
	Fields []ValueType
	// Mutable tracks which fields (or the array's single element) may be
	// written to after construction.
	Mutable []bool
}

// FuncDecl is a resolved function: either a local Wasm-defined body or an
// imported/host function, already bound to a compiled code region.
type FuncDecl struct {
	Name       string
	Type       FunctionType
	TypeID     FunctionTypeID
	Index      Index
	ModuleID   ModuleID
	LocalTypes []ValueType // non-parameter locals, tier-specific layout
	Body       []byte      // raw Wasm bytecode for the interpreter tier
	GoFunc     GoFunc      `json:"-"` // non-nil for a host-defined function
}

// GoFunc is a host-defined function body, invoked by the Dispatcher's
// runtime_call_host routine.
type GoFunc func(ctx interface{}, params []uint64) (results []uint64)

// TableInstance is a resolved table: a slice of references plus its
// element type and size limits.
type TableInstance struct {
	References []Reference
	Type       ValueType
	Min        uint32
	Max        *uint32
}

// MemoryInstance is a resolved linear memory: the backing buffer plus
// current/maximum size in pages (65536 bytes each).
type MemoryInstance struct {
	Buffer   []byte
	Min, Cap uint32
	Max      *uint32
}

// GlobalInstance is a resolved global variable.
type GlobalInstance struct {
	Type    ValueType
	Mutable bool
	Val     uint64
	ValHi   uint64 // high 64 bits, used only for V128
}

// DataInstance is a passive data segment, retained until dropped by
// data.drop so memory.init can still reference it.
type DataInstance = []byte

// ElementInstance is a passive element segment, retained until dropped by
// elem.drop so table.init can still reference it.
type ElementInstance struct {
	References []Reference
	Type       ValueType
}

// Module is the statically-known shape of a compiled module: section
// presence/sizes needed to lay out a ModuleContext without re-parsing the
// binary. Populated by an external loader.
type Module struct {
	ID ModuleID

	TypeSection     []FunctionType
	FunctionSection []Index // indexes into TypeSection, one per local function
	CodeSection     [][]byte
	GlobalSection   []GlobalInstance
	TableSection    []TableInstance
	MemorySection   *MemoryInstance
	DataSection     []DataInstance
	ElementSection  []ElementInstance
	HeapTypeSection []HeapTypeDecl

	ImportFunctionCount Index
	ImportGlobalCount   Index
	ImportTableCount    Index
	ImportMemoryCount   Index

	ExportedFunctions map[string]Index
}

// Instance is a module instantiated against a Store: resolved memories,
// tables, globals and heap types, satisfying the instance-shape contract
// the Dispatcher's runtime_* routines bind against.
type Instance struct {
	Module *Module

	Memories  []*MemoryInstance
	Tables    []*TableInstance
	Globals   []*GlobalInstance
	HeapTypes []*HeapTypeDecl

	DroppedData    []bool // parallel to Module.DataSection
	DroppedElement []bool // parallel to Module.ElementSection

	Functions []*FuncDecl

	// Heap is the GC-proposal object table, lazily created and owned by
	// internal/engine/stackvm; typed as interface{} here so this package
	// never needs to import the engine that populates it.
	Heap interface{}
}
