package stackvm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wazerocore/stackvm/api"
)

func TestNewRuntimeConfigDefaultsToCoreFeaturesV2(t *testing.T) {
	c := NewRuntimeConfig()
	require.Equal(t, api.CoreFeaturesV2, c.toEngineConfig().Features)
}

func TestWithCoreFeaturesOverridesDefaultAndLeavesBaseUntouched(t *testing.T) {
	base := NewRuntimeConfig()
	withGC := base.WithCoreFeatures(api.CoreFeaturesV2.SetEnabled(api.CoreFeatureGC, true))

	require.Equal(t, api.CoreFeaturesV2, base.toEngineConfig().Features, "base left untouched")
	require.True(t, withGC.toEngineConfig().Features.IsEnabled(api.CoreFeatureGC))
}
