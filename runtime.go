package stackvm

import (
	"fmt"

	engine "github.com/wazerocore/stackvm/internal/engine/stackvm"
	"github.com/wazerocore/stackvm/internal/wasm"
)

// Runtime is the embedder-facing handle on one configured execution core.
// It owns the generated stack-switch stubs and the pool of reusable
// StackObjects shared by every Instance it instantiates.
type Runtime struct {
	engine *engine.Engine
}

// NewRuntime builds the stack-switch stubs described in the data model and
// returns a Runtime ready to instantiate modules. Config may be nil to
// accept NewRuntimeConfig()'s defaults.
func NewRuntime(config *RuntimeConfig) (*Runtime, error) {
	if config == nil {
		config = NewRuntimeConfig()
	}
	e, err := engine.NewEngine(config.toEngineConfig())
	if err != nil {
		return nil, fmt.Errorf("stackvm: new runtime: %w", err)
	}
	return &Runtime{engine: e}, nil
}

// Instantiate binds a resolved wasm.Module to concrete memories, tables,
// and globals, producing an Instance ready for Call. Decoding and
// validating the WebAssembly binary format happen upstream of this
// package; module is expected to already carry its resolved sections.
func (r *Runtime) Instantiate(module *wasm.Module) (*Instance, error) {
	inst := &wasm.Instance{Module: module}

	if module.MemorySection != nil {
		inst.Memories = []*wasm.MemoryInstance{module.MemorySection}
	}
	inst.Tables = make([]*wasm.TableInstance, len(module.TableSection))
	for i := range module.TableSection {
		inst.Tables[i] = &module.TableSection[i]
	}
	inst.Globals = make([]*wasm.GlobalInstance, len(module.GlobalSection))
	for i := range module.GlobalSection {
		inst.Globals[i] = &module.GlobalSection[i]
	}
	inst.HeapTypes = make([]*wasm.HeapTypeDecl, len(module.HeapTypeSection))
	for i := range module.HeapTypeSection {
		inst.HeapTypes[i] = &module.HeapTypeSection[i]
	}
	inst.DroppedData = make([]bool, len(module.DataSection))
	inst.DroppedElement = make([]bool, len(module.ElementSection))

	inst.Functions = make([]*wasm.FuncDecl, len(module.FunctionSection))
	for i, typeIdx := range module.FunctionSection {
		inst.Functions[i] = &wasm.FuncDecl{
			Type:     module.TypeSection[typeIdx],
			TypeID:   typeIdx,
			Index:    wasm.Index(i),
			ModuleID: module.ID,
			Body:     module.CodeSection[i],
		}
	}

	return &Instance{Instance: inst, runtime: r}, nil
}

// Close releases every pooled StackObject's guarded mapping. Instances
// produced by this Runtime must not be used afterward.
func (r *Runtime) Close() error {
	return r.engine.Close()
}

// Instance is an instantiated module ready to have its exported functions
// called.
type Instance struct {
	*wasm.Instance
	runtime *Runtime
}

// Call invokes fn with args, blocking until the run completes or traps.
// Results are returned as boxed Values; callers that only need raw numeric
// payloads can call .I32()/.I64()/etc. on each.
func (i *Instance) Call(fn *wasm.FuncDecl, args ...Value) ([]Value, error) {
	res, err := i.runtime.engine.Run(i.Instance, fn, args)
	if err != nil {
		return nil, err
	}
	if res.Throw != nil {
		return nil, res.Throw
	}
	return res.Values, nil
}

// ExportedFunction looks up fn by its export name, returning ok == false if
// the module declares no such export.
func (i *Instance) ExportedFunction(name string) (*wasm.FuncDecl, bool) {
	idx, ok := i.Module.ExportedFunctions[name]
	if !ok || int(idx) >= len(i.Functions) {
		return nil, false
	}
	return i.Functions[idx], true
}
