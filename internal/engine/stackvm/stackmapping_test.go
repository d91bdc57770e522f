package stackvm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	stackvm "github.com/wazerocore/stackvm/internal/engine/stackvm"
)

func TestNewStackMappingRoundsUpAndGuards(t *testing.T) {
	m, err := stackvm.NewStackMapping(1)
	require.NoError(t, err)
	defer m.Close()

	require.True(t, m.End > m.Start)
	usable := m.Bytes()
	require.Equal(t, int(m.End-m.Start), len(usable))
}

func TestStackMappingCloseIsIdempotent(t *testing.T) {
	m, err := stackvm.NewStackMapping(stackvm.MinStackMappingSize)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestStackMappingWriteWithinUsableRegion(t *testing.T) {
	m, err := stackvm.NewStackMapping(stackvm.MinStackMappingSize)
	require.NoError(t, err)
	defer m.Close()

	b := m.Bytes()
	b[0] = 0xff
	b[len(b)-1] = 0xff
	require.Equal(t, byte(0xff), m.Bytes()[0])
}
