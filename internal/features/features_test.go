package features_test

import (
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wazerocore/stackvm/internal/features"
)

func init() {
	os.Setenv(features.EnvVarName, "hugepages,multitier,nope")
	features.EnableFromEnvironment()
}

func TestList(t *testing.T) {
	require.Equal(t, []string{"hugepages", "multitier"}, features.List())
}

func TestHave(t *testing.T) {
	require.True(t, features.Have("hugepages"))
	require.True(t, features.Have("multitier"))
	require.False(t, features.Have("nope"))
	require.False(t, features.Have("gcproposal"))
}

func TestAllocsHave(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("accessing features allocates memory on windows")
	}
	require.Equal(t, 0.0, testing.AllocsPerRun(100, func() {
		features.Have("multitier")
	}))
}
