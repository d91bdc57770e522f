package stackvm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wazerocore/stackvm/api"
	stackvm "github.com/wazerocore/stackvm/internal/engine/stackvm"
)

func TestNewConfigDefaults(t *testing.T) {
	c := stackvm.NewConfig()
	require.Equal(t, stackvm.DefaultValueRep, c.ValueRep)
	require.Equal(t, stackvm.DefaultStackSize, c.StackSize)
	require.Equal(t, api.CoreFeaturesV2, c.Features)
}

func TestConfigWithFeaturesReturnsIndependentCopy(t *testing.T) {
	base := stackvm.NewConfig()
	gcOn := base.WithFeatures(api.CoreFeaturesV2.SetEnabled(api.CoreFeatureGC, true))

	require.Equal(t, api.CoreFeaturesV2, base.Features, "base left untouched")
	require.True(t, gcOn.Features.IsEnabled(api.CoreFeatureGC))
}

func TestConfigWithMethodsReturnIndependentCopies(t *testing.T) {
	base := stackvm.NewConfig()
	untagged := base.WithValueRep(stackvm.UntaggedValueRep)
	sized := base.WithStackSize(1 << 20)
	tiered := base.WithTierUpThreshold(42)

	require.Equal(t, stackvm.DefaultValueRep, base.ValueRep, "base left untouched")
	require.Equal(t, stackvm.UntaggedValueRep, untagged.ValueRep)
	require.Equal(t, 1<<20, sized.StackSize)
	require.Equal(t, stackvm.DefaultStackSize, base.StackSize)
	require.Equal(t, uint32(42), tiered.TierUpThreshold)
}

func TestNewEngineRejectsInvalidValueRep(t *testing.T) {
	bad := stackvm.ValueRep{Tagged: true, TagSize: 8, SlotSize: 4}
	_, err := stackvm.NewEngine(stackvm.NewConfig().WithValueRep(bad))
	require.ErrorIs(t, err, stackvm.ErrInvalidValueRep)
}
