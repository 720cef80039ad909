// Package blockpool implements a fixed-size block allocator: up to 255
// equal cells carved out of one backing-heap slab, with the freelist
// threaded through the cells themselves. Each free cell stores the index of
// the next free cell in its first byte, so alloc and free are O(1) with no
// side metadata.
package blockpool

import (
	"errors"
	"unsafe"

	"github.com/cloudwego/memarena/heap"
)

const (
	// MaxBlocks is the largest cell count a pool can hold; the in-cell
	// freelist indexes cells with a single byte.
	MaxBlocks = 255

	slabAlign = 16
)

var (
	// ErrBlockCount reports a cell count outside [1, MaxBlocks].
	ErrBlockCount = errors.New("blockpool: block count out of range")
	// ErrBlockSize reports a non-positive cell size.
	ErrBlockSize = errors.New("blockpool: block size must be positive")
	// ErrNoMemory reports a failed backing allocation during New.
	ErrNoMemory = errors.New("blockpool: backing allocation failed")
)

// Pool is a fixed-capacity allocator of equally sized cells. It is not safe
// for concurrent use.
type Pool struct {
	backing *heap.Heap
	base    unsafe.Pointer
	size    int // cell size in bytes
	cap     int // configured cell count
	head    int // index of the first free cell; == cap when full
	free    int // cells currently free; invariant: free == cap - live
}

// New carves n cells of size bytes each out of the backing heap.
// n must be in [1, MaxBlocks] and size must be at least one byte.
func New(backing *heap.Heap, n, size int) (*Pool, error) {
	if n < 1 || n > MaxBlocks {
		return nil, ErrBlockCount
	}
	if size < 1 {
		return nil, ErrBlockSize
	}
	base := backing.AllocAligned(n*size, slabAlign)
	if base == nil {
		return nil, ErrNoMemory
	}
	p := &Pool{backing: backing, base: base, size: size, cap: n, head: 0, free: n}
	for i := 0; i < n; i++ {
		*(*byte)(unsafe.Add(base, i*size)) = byte(i + 1)
	}
	return p, nil
}

// Close returns the cell slab to the backing heap.
func (p *Pool) Close() error {
	err := p.backing.FreeAligned(p.base)
	p.base = nil
	p.free = 0
	return err
}

// Alloc pops the head cell, or returns nil when the pool is exhausted.
func (p *Pool) Alloc() unsafe.Pointer {
	if p.free == 0 {
		return nil
	}
	c := unsafe.Add(p.base, p.head*p.size)
	p.head = int(*(*byte)(c))
	p.free--
	return c
}

// Free pushes a cell back onto the pool. Panics when ptr does not point at
// a cell boundary inside the pool's slab. Freeing nil is a no-op.
func (p *Pool) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	off := uintptr(ptr) - uintptr(p.base)
	if off >= uintptr(p.cap*p.size) {
		panic("blockpool: pointer outside pool")
	}
	if off%uintptr(p.size) != 0 {
		panic("blockpool: pointer not on a cell boundary")
	}
	*(*byte)(ptr) = byte(p.head)
	p.head = int(off) / p.size
	p.free++
}

// Cap returns the configured cell count.
func (p *Pool) Cap() int { return p.cap }

// Avail returns the number of free cells.
func (p *Pool) Avail() int { return p.free }
