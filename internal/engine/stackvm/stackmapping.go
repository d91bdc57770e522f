package stackvm

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize is the guard-page granularity used to lay out a StackMapping.
// mmap-backed regions are always a multiple of the host page size.
var PageSize = unix.Getpagesize()

// MinStackMappingSize is the recommended floor from the data model: a
// mapping smaller than this leaves little room for both the value stack
// and the native return-address stack once guard pages are carved out.
const MinStackMappingSize = 256 * 1024

// StackMapping is an anonymous, read-write memory reservation of fixed
// size with two PROT_NONE pages: one at the very bottom, and a red-zone
// page at size-2*PageSize that separates the two stacks. The value stack
// grows upward from just above the bottom guard page toward the red zone;
// the native return-address stack grows downward from the top of the
// mapping, within its last page. An access that lands on either PROT_NONE
// page is turned into a SIGSEGV by the OS.
type StackMapping struct {
	// mem is the full mmap'd region, size bytes long.
	mem []byte
	// Start is just above the bottom guard page and End is the top of the
	// mapping; the value stack's range.start and the return-address stack's
	// range.end from the data model. The red-zone page lies between them.
	Start, End uintptr
	size       int
}

// NewStackMapping reserves a guarded mapping of at least size bytes,
// rounded up to a whole number of pages, with PageSize no-access regions at
// the very bottom and at size-2*PageSize. A finalizer unmaps it if the
// owning StackObject is garbage collected without an explicit Close,
// grounded on the teacher's code-segment finalizer convention
// (engine.setFinalizer in the compiler tier).
func NewStackMapping(size int) (*StackMapping, error) {
	if size < MinStackMappingSize {
		size = MinStackMappingSize
	}
	size = roundUpToPage(size)

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStackMappingFailed, err)
	}

	m := &StackMapping{
		mem:   mem,
		size:  size,
		Start: addrOf(mem),
		End:   addrOf(mem) + uintptr(size),
	}
	if err := m.protectGuardPages(); err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}
	m.Start += uintptr(PageSize)

	runtime.SetFinalizer(m, (*StackMapping).Close)
	return m, nil
}

// protectGuardPages marks the bottom page and the page at size-2*PageSize
// as PROT_NONE, forming the red zone described in the data model.
func (m *StackMapping) protectGuardPages() error {
	if err := unix.Mprotect(m.mem[:PageSize], unix.PROT_NONE); err != nil {
		return fmt.Errorf("%w: %v", ErrGuardPageFailed, err)
	}
	top := m.size - 2*PageSize
	if err := unix.Mprotect(m.mem[top:top+PageSize], unix.PROT_NONE); err != nil {
		return fmt.Errorf("%w: %v", ErrGuardPageFailed, err)
	}
	return nil
}

// Close releases the mapping. Safe to call more than once.
func (m *StackMapping) Close() error {
	if m.mem == nil {
		return nil
	}
	runtime.SetFinalizer(m, nil)
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}

// Bytes exposes the region from Start to End for direct slot access by
// ValueStack and the native return-address stack. It includes the red-zone
// page, which faults on any access.
func (m *StackMapping) Bytes() []byte {
	return m.mem[PageSize:m.size]
}

// addrOf returns the address of a mmap'd slice's backing array. The slice
// is kept alive for the mapping's lifetime by StackMapping.mem, so this
// does not need a runtime.KeepAlive at the call site.
func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func roundUpToPage(n int) int {
	if r := n % PageSize; r != 0 {
		n += PageSize - r
	}
	return n
}
