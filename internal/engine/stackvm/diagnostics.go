package stackvm

import (
	"fmt"
	"os"
	"strconv"
)

// These consts gate optional diagnostics for the generated native code this
// package produces. Instead of scattering `if os.Getenv(...)` checks across
// the stub-building and compiled-code paths, they're collected here so
// enabling a trace is a one-line change. All must be disabled by default.
const (
	// StackSwitchTraceEnabled is reserved for tracing resume/suspend
	// transitions; no code path in this package reads it, so setting it
	// has no effect.
	StackSwitchTraceEnabled = false
)

// perfMapEnabled reports whether STACKVM_PERFMAP is set, mirroring the
// env-var-gated convention other Go JITs use to opt a process into emitting
// a /tmp/perf-<pid>.map file that `perf report` picks up automatically.
func perfMapEnabled() bool {
	return os.Getenv("STACKVM_PERFMAP") != ""
}

// perfMap is the process-wide sink for generated-code symbol entries; nil
// unless perfMapEnabled() was true at the owning Engine's construction.
var perfMap *perfMapWriter

// perfMapWriter accumulates symbol entries for the stack-switch stubs (and,
// once a function is tier-up compiled, its SPC-emitted body) and flushes
// them to perf's two-column-plus-name map format.
type perfMapWriter struct {
	fh      *os.File
	entries []perfMapEntry
}

type perfMapEntry struct {
	addr uintptr
	size uintptr
	name string
}

// newPerfMapWriter opens /tmp/perf-<pid>.map for append, creating it if
// necessary. Returns nil, nil if perf-map support is disabled.
func newPerfMapWriter() (*perfMapWriter, error) {
	if !perfMapEnabled() {
		return nil, nil
	}
	path := "/tmp/perf-" + strconv.Itoa(os.Getpid()) + ".map"
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("stackvm: opening perf map %s: %w", path, err)
	}
	return &perfMapWriter{fh: fh}, nil
}

// addEntry records one symbol at addr spanning size bytes.
func (p *perfMapWriter) addEntry(addr, size uintptr, name string) {
	p.entries = append(p.entries, perfMapEntry{addr, size, name})
}

// flush appends every recorded entry to the map file, in perf's
// `<hex addr> <hex size> <name>` line format.
func (p *perfMapWriter) flush() error {
	for _, e := range p.entries {
		if _, err := fmt.Fprintf(p.fh, "%x %x %s\n", e.addr, e.size, e.name); err != nil {
			return err
		}
	}
	return p.fh.Sync()
}
