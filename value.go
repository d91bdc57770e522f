package stackvm

import engine "github.com/wazerocore/stackvm/internal/engine/stackvm"

// Value is a boxed Wasm value of any kind, re-exported from the execution
// core so embedders never need to import internal/engine/stackvm directly.
type Value = engine.Value

// Throwable is the error interface returned by a trapped or thrown Call:
// one of *Trap, *HostThrow, or *InternalError.
type Throwable = engine.Throwable

// Trap is a Wasm-specified failure with a reason and stack trace.
type Trap = engine.Trap

var (
	ValueI32 = engine.ValueI32
	ValueI64 = engine.ValueI64
	ValueF32 = engine.ValueF32
	ValueF64 = engine.ValueF64
)
