// Package stackvm is the embedding API for the execution core: a typed
// native value stack, guarded stack-switching machinery, and a runtime
// dispatcher shared by an interpreter tier and a single-pass-compiler tier.
package stackvm

import (
	"github.com/wazerocore/stackvm/api"
	engine "github.com/wazerocore/stackvm/internal/engine/stackvm"
	"github.com/wazerocore/stackvm/internal/features"
)

// RuntimeConfig controls the execution core's behavior, with the default
// implementation as NewRuntimeConfig.
type RuntimeConfig struct {
	stackSize       int
	tierUpThreshold uint32
	untaggedValues  bool
	coreFeatures    api.CoreFeatures
}

// engineLessConfig helps avoid copy/pasting the wrong defaults.
var engineLessConfig = &RuntimeConfig{
	stackSize:    engine.DefaultStackSize,
	coreFeatures: api.CoreFeaturesV2,
}

// clone ensures all fields are copied even if nil.
func (c *RuntimeConfig) clone() *RuntimeConfig {
	ret := *c
	return &ret
}

// NewRuntimeConfig returns a RuntimeConfig pre-populated with this
// platform's best available defaults: tier-up enabled when the multitier
// feature is active (see internal/features), disabled otherwise, and
// CoreFeatureGC additionally turned on when the gcproposal feature is
// active.
func NewRuntimeConfig() *RuntimeConfig {
	ret := engineLessConfig.clone()
	if features.Have("multitier") {
		ret.tierUpThreshold = 10000
	}
	if features.Have("gcproposal") {
		ret.coreFeatures = ret.coreFeatures.SetEnabled(api.CoreFeatureGC, true)
	}
	return ret
}

// WithStackSize overrides the guarded-mapping size allocated for each
// StackObject. Defaults to engine.DefaultStackSize (256KiB). A module
// whose call depth exceeds what this size can hold traps with
// TrapReasonStackOverflow rather than corrupting an adjacent mapping.
func (c *RuntimeConfig) WithStackSize(bytes int) *RuntimeConfig {
	ret := c.clone()
	ret.stackSize = bytes
	return ret
}

// WithTierUpThreshold overrides how many times a loop back-edge or
// call-site probe must fire before TierUpGate installs the SPC-compiled
// replacement for that function. Zero disables tier-up, pinning every
// function to the interpreter tier for the module's lifetime.
func (c *RuntimeConfig) WithTierUpThreshold(n uint32) *RuntimeConfig {
	ret := c.clone()
	ret.tierUpThreshold = n
	return ret
}

// WithUntaggedValues switches every StackObject this config creates to the
// SPC-only untagged value representation. Using this with a module that
// still runs any code in the interpreter tier is a configuration error:
// the interpreter always requires tagged slots.
func (c *RuntimeConfig) WithUntaggedValues(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.untaggedValues = enabled
	return ret
}

// WithCoreFeatures overrides which WebAssembly core spec proposals the
// Dispatcher's bulk-memory and GC runtime_* routines accept; defaults to
// api.CoreFeaturesV2, with CoreFeatureGC added when NewRuntimeConfig found
// the gcproposal feature flag set. A module that
// exercises an instruction gated on a disabled feature gets an
// InternalError rather than a silent no-op.
func (c *RuntimeConfig) WithCoreFeatures(f api.CoreFeatures) *RuntimeConfig {
	ret := c.clone()
	ret.coreFeatures = f
	return ret
}

func (c *RuntimeConfig) toEngineConfig() engine.Config {
	cfg := engine.NewConfig().
		WithStackSize(c.stackSize).
		WithTierUpThreshold(c.tierUpThreshold).
		WithFeatures(c.coreFeatures)
	if c.untaggedValues {
		cfg = cfg.WithValueRep(engine.UntaggedValueRep)
	}
	return cfg
}
