// Package buddy implements a binary-buddy allocator over a single
// power-of-two arena obtained from a backing heap.
//
// The arena of 2^k bytes is split recursively into halves. Order index 0 is
// the whole arena; each higher order index names blocks of half the
// previous size, down to 2^MinOrder bytes. Free blocks are chained through
// per-order freelists threaded through the blocks themselves, and a shared
// bitset holds one bit per buddy pair: the bit is toggled on every
// allocation or liberation touching the pair, so a set bit means exactly
// one of the two buddies is unavailable for merging. Every pointer handed
// out carries a small header just below it recording the order and the
// unaligned block base, which makes Free pointer-only.
package buddy

import (
	"errors"
	"math/bits"
	"unsafe"

	"go.uber.org/multierr"

	"github.com/cloudwego/memarena/buddy/internal/freelist"
	"github.com/cloudwego/memarena/heap"
)

const (
	// MinOrder is log2 of the smallest block the heap hands out.
	MinOrder = 6
	// MaxOrder is the largest legal log2 arena size (256MB).
	MaxOrder = 28

	headerSize  = unsafe.Sizeof(header{})
	bitsetAlign = 32
)

var (
	// ErrOrderRange reports a log2 arena size outside (MinOrder, MaxOrder].
	ErrOrderRange = errors.New("buddy: order out of range")
	// ErrAlignment reports a user alignment that is zero or not a power of two.
	ErrAlignment = errors.New("buddy: alignment must be a nonzero power of two")
	// ErrNoMemory reports a failed backing allocation during New.
	ErrNoMemory = errors.New("buddy: backing allocation failed")
)

// header sits immediately below every pointer returned by Alloc, inside the
// alignment slack of its block.
type header struct {
	order uintptr // order index the block was reserved at
	base  uintptr // unaligned address of the containing block
}

// Heap is a buddy allocator instance. It exclusively owns its arena, bitset
// and freelists, and is not safe for concurrent use.
type Heap struct {
	backing *heap.Heap
	k       uint    // log2 arena size
	align   uintptr // user alignment, a power of two
	reserve uintptr // bytes between a block base and the worst-case user pointer

	arena    unsafe.Pointer
	bits     []byte // pair-status bitset, one bit per buddy pair
	bitsPtr  unsafe.Pointer
	lists    []freelist.List // one head per order index; lists[0] is the arena order
	listsPtr unsafe.Pointer
}

// New builds a buddy heap managing a fresh 2^k byte arena aligned to align.
// k must satisfy MinOrder < k <= MaxOrder and align must be a nonzero power
// of two. The backing heap must outlive the returned Heap.
func New(backing *heap.Heap, k uint, align uintptr) (*Heap, error) {
	if k <= MinOrder || k > MaxOrder {
		return nil, ErrOrderRange
	}
	if align == 0 || align&(align-1) != 0 {
		return nil, ErrAlignment
	}
	if align < unsafe.Alignof(header{}) {
		// the header below the user pointer must stay word aligned
		align = unsafe.Alignof(header{})
	}

	nbits := 1 << (k - MinOrder)
	bitsPtr := backing.AllocAligned((nbits+7)/8, bitsetAlign)
	if bitsPtr == nil {
		return nil, ErrNoMemory
	}
	norders := int(k-MinOrder) + 1
	listsPtr := backing.AllocAligned(norders*int(unsafe.Sizeof(freelist.List{})), bitsetAlign)
	if listsPtr == nil {
		return nil, multierr.Append(ErrNoMemory, backing.FreeAligned(bitsPtr))
	}
	arena := backing.AllocAligned(1<<k, align)
	if arena == nil {
		return nil, multierr.Combine(ErrNoMemory,
			backing.FreeAligned(bitsPtr), backing.FreeAligned(listsPtr))
	}

	h := &Heap{
		backing:  backing,
		k:        k,
		align:    align,
		reserve:  align - 1 + headerSize,
		arena:    arena,
		bits:     unsafe.Slice((*byte)(bitsPtr), (nbits+7)/8),
		bitsPtr:  bitsPtr,
		lists:    unsafe.Slice((*freelist.List)(listsPtr), norders),
		listsPtr: listsPtr,
	}
	memclr(h.bits)
	for i := range h.lists {
		h.lists[i] = freelist.List{}
	}
	h.lists[0].Push(arena)
	return h, nil
}

// Close releases the arena, bitset and freelist heads back to the backing
// heap. Pointers still held by the caller are invalid afterwards.
func (h *Heap) Close() error {
	err := multierr.Combine(
		h.backing.FreeAligned(h.arena),
		h.backing.FreeAligned(h.bitsPtr),
		h.backing.FreeAligned(h.listsPtr),
	)
	h.arena, h.bitsPtr, h.listsPtr = nil, nil, nil
	h.bits, h.lists = nil, nil
	return err
}

// Alloc reserves a block large enough for n bytes plus the alignment slack
// and returns a pointer aligned to the heap's user alignment. It returns
// nil when n is zero, when the request exceeds the arena, or when no block
// can serve it.
func (h *Heap) Alloc(n int) unsafe.Pointer {
	if n <= 0 || uintptr(n) > uintptr(1)<<h.k {
		return nil
	}
	idx, ok := h.sizeToIndex(uintptr(n) + h.reserve)
	if !ok {
		return nil
	}

	base := h.lists[idx].Pop()
	if base == nil {
		// No block at the wanted order: split the nearest larger free
		// block down. Each step frees both halves one order lower and
		// flips the parity bit of the pair being created.
		split := -1
		for j := int(idx) - 1; j >= 0; j-- {
			if !h.lists[j].Empty() {
				split = j
				break
			}
		}
		if split < 0 {
			return nil
		}
		for i := split; i < int(idx); i++ {
			b := h.lists[i].Pop()
			h.lists[i+1].Push(b)
			h.lists[i+1].Push(unsafe.Add(b, uintptr(1)<<(h.k-uint(i)-1)))
			h.toggle(h.pairBit(uint(i), h.offset(b)))
		}
		base = h.lists[idx].Pop()
	}
	h.toggle(h.pairBit(idx, h.offset(base)))

	user := unsafe.Add(base, h.userOffset(base))
	hd := (*header)(unsafe.Add(user, -int(headerSize)))
	hd.order = uintptr(idx)
	hd.base = uintptr(base)
	return user
}

// Free returns the block holding p to the heap. As long as the pair-status
// bit shows the sibling in the opposite state, the sibling is unlinked and
// the pair merges one order up. Freeing nil is a no-op.
func (h *Heap) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	hd := (*header)(unsafe.Add(p, -int(headerSize)))
	idx := uint(hd.order)
	off := hd.base - uintptr(h.arena)
	for {
		bit := h.pairBit(idx, off)
		if bit != 0 && h.test(bit) {
			buddyOff := off ^ uintptr(1)<<(h.k-idx)
			if !h.lists[idx].Remove(unsafe.Add(h.arena, buddyOff)) {
				panic("buddy: freelist corrupted")
			}
			h.toggle(bit)
			if buddyOff < off {
				off = buddyOff
			}
			idx--
			continue
		}
		h.lists[idx].Push(unsafe.Add(h.arena, off))
		h.toggle(bit)
		return
	}
}

// FreeBytes returns the number of arena bytes currently reachable from the
// freelists.
func (h *Heap) FreeBytes() int {
	total := 0
	for i := range h.lists {
		total += h.freeCount(uint(i)) << (h.k - uint(i))
	}
	return total
}

// freeCount returns the number of free blocks on the freelist at the given
// order index.
func (h *Heap) freeCount(order uint) int { return h.lists[order].Len() }

// sizeToIndex maps a byte size to the order index whose blocks fit it,
// saturating at the minimum block size.
func (h *Heap) sizeToIndex(n uintptr) (uint, bool) {
	if n > uintptr(1)<<h.k {
		return 0, false
	}
	if n <= 1<<MinOrder {
		return h.k - MinOrder, true
	}
	return h.k - uint(bits.Len64(uint64(n-1))), true
}

// pairBit maps a block at byte offset off and order index idx to the bitset
// slot shared with its buddy: the block's node index in the implicit binary
// tree, halved. Only the whole-arena block maps to bit 0.
func (h *Heap) pairBit(idx uint, off uintptr) uintptr {
	node := off>>(h.k-idx) + uintptr(1)<<idx - 1
	return (node + 1) / 2
}

// userOffset returns the distance from a block base to the aligned user
// pointer, leaving room for the header below it.
func (h *Heap) userOffset(base unsafe.Pointer) uintptr {
	return (uintptr(base)+h.reserve)&^(h.align-1) - uintptr(base)
}

func (h *Heap) offset(p unsafe.Pointer) uintptr { return uintptr(p) - uintptr(h.arena) }

func (h *Heap) test(bit uintptr) bool { return h.bits[bit>>3]&(1<<(bit&7)) != 0 }

func (h *Heap) toggle(bit uintptr) { h.bits[bit>>3] ^= 1 << (bit & 7) }

func memclr(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
