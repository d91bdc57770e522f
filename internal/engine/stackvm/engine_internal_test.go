package stackvm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wazerocore/stackvm/internal/wasm"
)

func TestEngineAcquireReleaseReusesStackObject(t *testing.T) {
	e, err := NewEngine(NewConfig().WithStackSize(MinStackMappingSize))
	require.NoError(t, err)
	defer e.Close()

	s1, err := e.acquire()
	require.NoError(t, err)
	require.Equal(t, StackStateEmpty, s1.State())

	e.release(s1)
	require.Len(t, e.free, 1)

	s2, err := e.acquire()
	require.NoError(t, err)
	require.Same(t, s1, s2, "acquire should reuse the freed StackObject rather than allocate a new one")
	require.Empty(t, e.free)
}

func TestEngineReleaseNonEmptyPanics(t *testing.T) {
	e, err := NewEngine(NewConfig().WithStackSize(MinStackMappingSize))
	require.NoError(t, err)
	defer e.Close()

	s, err := e.acquire()
	require.NoError(t, err)
	require.NoError(t, s.Reset(&wasm.FuncDecl{Type: wasm.FunctionType{}}))

	require.Panics(t, func() { e.release(s) })
}

func TestEngineCloseReleasesFreeListMappings(t *testing.T) {
	e, err := NewEngine(NewConfig().WithStackSize(MinStackMappingSize))
	require.NoError(t, err)

	s, err := e.acquire()
	require.NoError(t, err)
	e.release(s)

	require.NoError(t, e.Close())
	require.Nil(t, e.free)
}
