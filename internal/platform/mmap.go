// Package platform isolates the handful of OS-level primitives this module
// needs for executable memory: mapping a read-write-execute code segment for
// generated amd64 instructions, growing one by copying it into a larger
// mapping, and releasing it.
// Grounded on the same golang.org/x/sys/unix mmap/mprotect/munmap idiom
// internal/engine/stackvm/stackmapping.go uses for the guarded value-stack
// mapping, generalized here to an executable (not guarded) region.
package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// CompilerSupported reports whether this platform can mmap executable
// memory for the SPC tier's generated code and stack-switch stubs. Only
// amd64 targets are in scope for this module (spec.md §1); anything else
// falls back to the interpreter-only path.
func CompilerSupported() bool {
	return compilerSupported
}

// MmapCodeSegment allocates a fresh anonymous mapping of size bytes with
// read/write/exec permissions, suitable for holding assembled amd64
// instructions before any of them have executed.
//
// size must be positive; a zero-length request is a caller bug, not a
// runtime condition, so it panics rather than returning an error.
func MmapCodeSegment(size int) ([]byte, error) {
	if size == 0 {
		panic("BUG: MmapCodeSegment with zero length")
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap code segment of %d bytes: %w", size, err)
	}
	return b, nil
}

// MunmapCodeSegment releases a mapping previously returned by
// MmapCodeSegment or RemapCodeSegment.
func MunmapCodeSegment(code []byte) error {
	if len(code) == 0 {
		panic("BUG: MunmapCodeSegment with zero length")
	}
	return unix.Munmap(code)
}

// RemapCodeSegment grows (or shrinks) an existing code-segment mapping to
// newSize bytes, copying the old contents to the front of the new mapping.
// The old mapping is released; callers must not use code after this call.
func RemapCodeSegment(code []byte, newSize int) ([]byte, error) {
	if newSize == 0 {
		panic("BUG: RemapCodeSegment with zero length")
	}
	newCode, err := MmapCodeSegment(newSize)
	if err != nil {
		return nil, err
	}
	copy(newCode, code)
	if len(code) > 0 {
		if err := MunmapCodeSegment(code); err != nil {
			return nil, fmt.Errorf("platform: unmapping previous code segment during remap: %w", err)
		}
	}
	return newCode, nil
}
