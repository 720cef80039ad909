// Package scratch implements a monotonic bump allocator: allocations
// advance a head pointer through a fixed arena and are never freed
// individually; Reset reclaims everything at once.
package scratch

import (
	"errors"
	"unsafe"

	"github.com/cloudwego/memarena/heap"
)

var (
	// ErrSize reports a non-positive arena size.
	ErrSize = errors.New("scratch: size must be positive")
	// ErrAlignment reports an alignment that is zero or not a power of two.
	ErrAlignment = errors.New("scratch: alignment must be a nonzero power of two")
	// ErrNoMemory reports a failed backing allocation during New.
	ErrNoMemory = errors.New("scratch: backing allocation failed")
)

// Arena is a bump allocator over one backing-heap region. It is not safe
// for concurrent use.
type Arena struct {
	backing *heap.Heap
	base    unsafe.Pointer
	head    uintptr // offset of the next free byte
	size    uintptr
}

// New allocates a size-byte arena aligned to align from the backing heap.
func New(backing *heap.Heap, size int, align uintptr) (*Arena, error) {
	if size <= 0 {
		return nil, ErrSize
	}
	if align == 0 || align&(align-1) != 0 {
		return nil, ErrAlignment
	}
	base := backing.AllocAligned(size, align)
	if base == nil {
		return nil, ErrNoMemory
	}
	return &Arena{backing: backing, base: base, size: uintptr(size)}, nil
}

// Close returns the arena to the backing heap.
func (a *Arena) Close() error {
	err := a.backing.FreeAligned(a.base)
	a.base = nil
	a.head = a.size
	return err
}

// Alloc returns n bytes aligned to align, or nil when the aligned advance
// would pass the end of the arena or align is not a power of two. There is
// no per-allocation free; see Reset.
func (a *Arena) Alloc(n int, align uintptr) unsafe.Pointer {
	if n <= 0 || align == 0 || align&(align-1) != 0 {
		return nil
	}
	addr := uintptr(a.base) + a.head
	off := (addr+align-1)&^(align-1) - uintptr(a.base)
	if off+uintptr(n) > a.size || off+uintptr(n) < off {
		return nil
	}
	a.head = off + uintptr(n)
	return unsafe.Add(a.base, off)
}

// Reset discards every allocation, rewinding the arena to empty. Pointers
// handed out earlier are invalid afterwards.
func (a *Arena) Reset() { a.head = 0 }

// Avail returns the number of bytes left before the end of the arena.
func (a *Arena) Avail() int { return int(a.size - a.head) }
