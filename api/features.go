package api

import (
	"fmt"
	"sort"
	"strings"
)

// CoreFeatures is a bit flag of WebAssembly 1.0 (20191205) and subsequent
// core spec proposals. Unlike modules, core features are not versioned, so
// a TierUpGate or Dispatcher routine that assumes a feature is enabled
// should check it explicitly via RequireEnabled before trusting the byte
// layout it implies (e.g. the GC proposal's tagged reference types).
//
// Zero is invalid: feature flags start at bit 1 << 0 so that a nonexistent
// (uninitialized) flag set does not silently claim a feature.
type CoreFeatures uint64

const (
	// CoreFeatureMutableGlobal allows globals to be imported and exported as mutable.
	CoreFeatureMutableGlobal CoreFeatures = 1 << iota
	// CoreFeatureSignExtensionOps adds the sign-extension instructions.
	CoreFeatureSignExtensionOps
	// CoreFeatureMultiValue allows function types to return more than one value.
	CoreFeatureMultiValue
	// CoreFeatureNonTrappingFloatToIntConversion adds the saturating truncation instructions.
	CoreFeatureNonTrappingFloatToIntConversion
	// CoreFeatureBulkMemoryOperations adds bulk memory.*/table.* instructions.
	CoreFeatureBulkMemoryOperations
	// CoreFeatureReferenceTypes adds funcref/externref value types.
	CoreFeatureReferenceTypes
	// CoreFeatureSIMD adds the v128 value type and vector instructions.
	CoreFeatureSIMD
	// CoreFeatureGC adds struct/array heap types and their runtime_* dispatcher routines.
	CoreFeatureGC
)

// CoreFeaturesV1 are features included in the WebAssembly Core Specification 1.0.
const CoreFeaturesV1 = CoreFeatureMutableGlobal

// CoreFeaturesV2 are features included in the WebAssembly Core Specification 2.0.
const CoreFeaturesV2 = CoreFeaturesV1 |
	CoreFeatureSignExtensionOps |
	CoreFeatureMultiValue |
	CoreFeatureNonTrappingFloatToIntConversion |
	CoreFeatureBulkMemoryOperations |
	CoreFeatureReferenceTypes |
	CoreFeatureSIMD

// coreFeaturesNames holds the display name of each flag, ordered by bit index.
var coreFeaturesNames = [...]string{
	"mutable-global",
	"sign-extension-ops",
	"multi-value",
	"nontrapping-float-to-int-conversion",
	"bulk-memory-operations",
	"reference-types",
	"simd",
	"gc",
}

// IsEnabled returns true if the feature (or set of features) is enabled.
func (f CoreFeatures) IsEnabled(feature CoreFeatures) bool {
	return f&feature == feature && feature != 0
}

// SetEnabled returns a copy of f with the feature (or set of features) enabled or disabled.
func (f CoreFeatures) SetEnabled(feature CoreFeatures, val bool) CoreFeatures {
	if val {
		return f | feature
	}
	return f &^ feature
}

// RequireEnabled returns an error the given feature (or set of features) is not enabled.
func (f CoreFeatures) RequireEnabled(feature CoreFeatures) error {
	if f&feature != feature {
		missing := feature &^ f
		return fmt.Errorf("feature %q is disabled", missing.String())
	}
	return nil
}

// String implements fmt.Stringer by returning each enabled feature, dash-cased, joined by '|'.
func (f CoreFeatures) String() string {
	var names []string
	for i, name := range coreFeaturesNames {
		bit := CoreFeatures(1) << uint(i)
		if f.IsEnabled(bit) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}
