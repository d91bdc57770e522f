package stackvm

import (
	"fmt"
	"sync"

	"github.com/wazerocore/stackvm/api"
	"github.com/wazerocore/stackvm/internal/features"
	"github.com/wazerocore/stackvm/internal/wasm"
)

// DefaultStackSize is the size in bytes of a freshly allocated StackObject's
// guarded mapping, sized generously enough for a few thousand interpreter
// frames on typical workloads (a StackMapping never grows once created).
const DefaultStackSize = 256 * 1024

// Config is the process-wide, immutable-once-built configuration governing
// every StackObject an Engine creates: value representation, stack sizing,
// and whether tier-up to the SPC tier is enabled. Mirrors the functional-
// options/clone() pattern used throughout this module's ambient config
// surface.
type Config struct {
	ValueRep        ValueRep
	StackSize       int
	TierUpThreshold uint32
	// Features gates bulk-memory and GC-proposal runtime_* routines; every
	// StackObject this Engine acquires carries it through to the Dispatcher
	// callHost2 builds. See Dispatcher.requireFeature.
	Features api.CoreFeatures
}

// NewConfig returns the default configuration: tagged values, a 256KiB
// guarded stack, tier-up disabled unless the multitier feature is enabled
// via internal/features, and CoreFeaturesV2 (the WebAssembly Core
// Specification 2.0 feature set, which excludes the still-in-proposal GC
// feature) with CoreFeatureGC additionally turned on when the process-wide
// gcproposal flag is set via WAZEROFEATURES. A caller that wants GC on
// without touching the environment should use WithFeatures directly;
// internal/features only supplies this package's own default.
func NewConfig() Config {
	threshold := uint32(0)
	if features.Have("multitier") {
		threshold = 10000
	}
	coreFeatures := api.CoreFeaturesV2
	if features.Have("gcproposal") {
		coreFeatures = coreFeatures.SetEnabled(api.CoreFeatureGC, true)
	}
	return Config{
		ValueRep:        DefaultValueRep,
		StackSize:       DefaultStackSize,
		TierUpThreshold: threshold,
		Features:        coreFeatures,
	}
}

// WithValueRep returns a copy of c using rep instead of the default tagged
// layout; only the SPC tier may legitimately request UntaggedValueRep.
func (c Config) WithValueRep(rep ValueRep) Config {
	c.ValueRep = rep
	return c
}

// WithStackSize returns a copy of c with a different guarded-mapping size.
func (c Config) WithStackSize(size int) Config {
	c.StackSize = size
	return c
}

// WithTierUpThreshold returns a copy of c with a different OSR trigger
// count; zero disables tier-up entirely.
func (c Config) WithTierUpThreshold(n uint32) Config {
	c.TierUpThreshold = n
	return c
}

// WithFeatures returns a copy of c gating runtime_* dispatch to f instead of
// the default CoreFeaturesV2.
func (c Config) WithFeatures(f api.CoreFeatures) Config {
	c.Features = f
	return c
}

// Engine owns the one set of generated stack-switch stubs for its lifetime
// and recycles StackObjects across calls via a free list, matching the
// teacher's callEngine-pooling convention (moduleEngine/callEngine split)
// generalized to a single execution-core abstraction shared by both tiers.
type Engine struct {
	config Config
	stubs  *stackSwitchStubs

	mu   sync.Mutex
	free []*StackObject
}

// NewEngine builds the three stack-switch stubs once and returns an Engine
// ready to run functions against any Instance sharing config's ValueRep.
func NewEngine(config Config) (*Engine, error) {
	if err := config.ValueRep.Validate(); err != nil {
		return nil, err
	}
	stubs, err := buildStackSwitchStubs()
	if err != nil {
		return nil, err
	}
	return &Engine{config: config, stubs: stubs}, nil
}

// acquire pops a reusable EMPTY StackObject off the free list or allocates
// a fresh one.
func (e *Engine) acquire() (*StackObject, error) {
	e.mu.Lock()
	if n := len(e.free); n > 0 {
		s := e.free[n-1]
		e.free = e.free[:n-1]
		e.mu.Unlock()
		return s, nil
	}
	e.mu.Unlock()
	return NewStackObject(e.config.StackSize, e.config.ValueRep, e.stubs)
}

// release returns s to the free list once it's back to EMPTY. A StackObject
// left in any other state is a caller bug; release panics rather than
// silently corrupting a future Reset.
func (e *Engine) release(s *StackObject) {
	if s.State() != StackStateEmpty {
		panic(&InternalError{Reason: InternalReasonStackHeightMismatch, Context: "release: stack object not EMPTY"})
	}
	e.mu.Lock()
	e.free = append(e.free, s)
	e.mu.Unlock()
}

// Run binds args to fn, drives it to completion with a single Resume call
// (Resume itself loops over every host-call exit of the enter-func stub),
// and returns its Result. Host functions that themselves call back into this
// Engine (reentrant calls) acquire their own StackObject from the same
// free list, so nested Run calls never contend over one stack's guarded
// mapping.
func (e *Engine) Run(inst *wasm.Instance, fn *wasm.FuncDecl, args []Value) (Result, error) {
	s, err := e.acquire()
	if err != nil {
		return Result{}, err
	}

	s.SetInstance(inst)
	s.SetFeatures(e.config.Features)
	if err := s.Reset(fn); err != nil {
		return Result{}, fmt.Errorf("stackvm: reset: %w", err)
	}
	if len(args) > 0 {
		if err := s.Bind(args); err != nil {
			return Result{}, fmt.Errorf("stackvm: bind: %w", err)
		}
	}

	res, err := s.Resume()
	if err != nil {
		return Result{}, err
	}
	e.release(s)
	return res, nil
}

// Close releases every pooled StackObject's guarded mapping. It does not
// release stack objects currently lent out to an in-flight Run call;
// callers must ensure all Run calls have returned first.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for _, s := range e.free {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.free = nil
	return firstErr
}
