package platform

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMmapCodeSegment(t *testing.T) {
	if !CompilerSupported() {
		t.Skip()
	}

	code, err := MmapCodeSegment(4096)
	require.NoError(t, err)
	require.Len(t, code, 4096)

	t.Run("panic on zero length", func(t *testing.T) {
		require.Panics(t, func() { _, _ = MmapCodeSegment(0) })
	})

	require.NoError(t, MunmapCodeSegment(code))
}

func TestMunmapCodeSegment(t *testing.T) {
	if !CompilerSupported() {
		t.Skip()
	}

	code, err := MmapCodeSegment(4096)
	require.NoError(t, err)

	require.NoError(t, MunmapCodeSegment(code))
	t.Run("panic on zero length", func(t *testing.T) {
		require.Panics(t, func() { _ = MunmapCodeSegment(nil) })
	})
}

func TestRemapCodeSegment(t *testing.T) {
	if !CompilerSupported() {
		t.Skip()
	}

	code, err := MmapCodeSegment(4096)
	require.NoError(t, err)
	copy(code, []byte("hello"))

	grown, err := RemapCodeSegment(code, 8192)
	require.NoError(t, err)
	require.Len(t, grown, 8192)
	require.Equal(t, []byte("hello"), grown[:5])

	require.NoError(t, MunmapCodeSegment(grown))
}
