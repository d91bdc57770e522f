// Command stackvmctl is a tiny smoke-test harness for the execution core:
// it instantiates a precompiled module (a JSON dump of wasm.Module, as
// produced by an external loader — decoding the WebAssembly binary format
// itself is out of scope for this repository) and calls one exported
// function against it.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"

	stackvm "github.com/wazerocore/stackvm"
	"github.com/wazerocore/stackvm/internal/version"
	"github.com/wazerocore/stackvm/internal/wasm"
)

func main() {
	modulePath := flag.String("module", "", "path to a JSON-encoded precompiled wasm.Module")
	funcName := flag.String("func", "", "exported function name to call")
	stackSize := flag.Int("stack-size", 0, "override the guarded stack mapping size in bytes (0 = engine default)")
	flag.Parse()

	if *modulePath == "" || *funcName == "" {
		fmt.Fprintln(os.Stderr, "usage: stackvmctl -module FILE -func NAME [args...]")
		os.Exit(1)
	}

	if err := run(*modulePath, *funcName, *stackSize, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "stackvmctl (stackvm %s): %v\n", version.GetVersion(), err)
		os.Exit(1)
	}
}

func run(modulePath, funcName string, stackSize int, rawArgs []string) error {
	f, err := os.Open(modulePath)
	if err != nil {
		return fmt.Errorf("open module: %w", err)
	}
	defer f.Close()

	var mod wasm.Module
	if err := json.NewDecoder(f).Decode(&mod); err != nil {
		return fmt.Errorf("decode module: %w", err)
	}

	config := stackvm.NewRuntimeConfig()
	if stackSize > 0 {
		config = config.WithStackSize(stackSize)
	}

	rt, err := stackvm.NewRuntime(config)
	if err != nil {
		fatalf("new runtime: %v", err)
	}
	defer rt.Close()

	inst, err := rt.Instantiate(&mod)
	if err != nil {
		return fmt.Errorf("instantiate: %w", err)
	}

	fn, ok := inst.ExportedFunction(funcName)
	if !ok {
		return fmt.Errorf("module exports no function named %q", funcName)
	}

	args, err := parseArgs(fn.Type.Params, rawArgs)
	if err != nil {
		return fmt.Errorf("parse args: %w", err)
	}

	results, err := inst.Call(fn, args...)
	if err != nil {
		if trap, ok := err.(*stackvm.Trap); ok {
			return fmt.Errorf("%s", trap.Error())
		}
		return err
	}

	for i, v := range results {
		fmt.Printf("result[%d] = %s\n", i, formatValue(fn.Type.Results[i], v))
	}
	return nil
}

// parseArgs converts rawArgs positionally against params, interpreting each
// literal according to the Wasm value type it is bound to.
func parseArgs(params []wasm.ValueType, rawArgs []string) ([]stackvm.Value, error) {
	if len(rawArgs) != len(params) {
		return nil, fmt.Errorf("function declares %d parameter(s), got %d argument(s)", len(params), len(rawArgs))
	}
	out := make([]stackvm.Value, len(params))
	for i, raw := range rawArgs {
		switch params[i] {
		case wasm.ValueTypeI32:
			n, err := strconv.ParseUint(raw, 0, 32)
			if err != nil {
				return nil, fmt.Errorf("arg %d: %w", i, err)
			}
			out[i] = stackvm.ValueI32(uint32(n))
		case wasm.ValueTypeI64:
			n, err := strconv.ParseUint(raw, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("arg %d: %w", i, err)
			}
			out[i] = stackvm.ValueI64(n)
		case wasm.ValueTypeF32:
			f, err := strconv.ParseFloat(raw, 32)
			if err != nil {
				return nil, fmt.Errorf("arg %d: %w", i, err)
			}
			out[i] = stackvm.ValueF32(math.Float32bits(float32(f)))
		case wasm.ValueTypeF64:
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("arg %d: %w", i, err)
			}
			out[i] = stackvm.ValueF64(math.Float64bits(f))
		default:
			return nil, fmt.Errorf("arg %d: unsupported parameter type %#x for CLI invocation", i, params[i])
		}
	}
	return out, nil
}

func formatValue(t wasm.ValueType, v stackvm.Value) string {
	switch t {
	case wasm.ValueTypeI32:
		return fmt.Sprintf("%d (i32)", v.I32())
	case wasm.ValueTypeI64:
		return fmt.Sprintf("%d (i64)", v.I64())
	case wasm.ValueTypeF32:
		return fmt.Sprintf("%v (f32)", v.F32())
	case wasm.ValueTypeF64:
		return fmt.Sprintf("%v (f64)", v.F64())
	default:
		return fmt.Sprintf("0x%x (type %#x)", v.I64(), t)
	}
}

// fatalf matches the engine-construction failure path in the data model's
// error handling design: a StackMapping or guard-page failure is not a
// per-call error a caller can meaningfully recover from, so it is reported
// directly and the process exits.
func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "stackvmctl (stackvm %s): fatal: %s\n", version.GetVersion(), fmt.Sprintf(format, args...))
	os.Exit(2)
}
