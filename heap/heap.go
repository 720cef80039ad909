// Copyright 2025 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package heap provides the backing store for the allocators in this module.
//
// A Heap hands out raw and aligned memory regions and keeps a registry of
// every region it handed out, so teardown can release them even when the
// client leaks. Small regions are served from the mcache slab cache, large
// ones from dedicated slabs (anonymous mappings on linux).
package heap

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/bytedance/gopkg/lang/mcache"
	"go.uber.org/multierr"
)

// Flag configures optional behaviours of a Heap. Flags are OR-combined.
type Flag int

const (
	// Count keeps a running count of live raw allocations.
	Count Flag = 1 << iota
	// Clear zero-fills every allocation before handing it out.
	Clear
	// Debug writes one trace line per operation to the debug writer.
	Debug
)

const (
	ptrSize = unsafe.Sizeof(uintptr(0))

	// cacheThreshold is the largest allocation served by mcache; bigger
	// requests get a dedicated slab.
	cacheThreshold = 64 << 10
)

type slabKind int

const (
	slabCached slabKind = iota
	slabDedicated
)

type slab struct {
	buf  []byte
	kind slabKind
}

// Heap hands out raw and aligned memory and remembers how to give it back.
//
// A Heap is not safe for concurrent use, and neither are the allocators
// built on top of it. The Heap must outlive every allocator it backs;
// tear allocators down first, then Close the Heap.
type Heap struct {
	flags Flag
	w     io.Writer

	live  int
	slabs map[uintptr]slab
}

// New creates a Heap with the given flag set.
func New(flags Flag) *Heap {
	return &Heap{
		flags: flags,
		w:     os.Stdout,
		slabs: make(map[uintptr]slab),
	}
}

// SetDebugWriter redirects Debug traces, which go to os.Stdout by default.
func (h *Heap) SetDebugWriter(w io.Writer) { h.w = w }

// Live returns the number of live raw allocations. Always zero unless the
// Heap was created with Count.
func (h *Heap) Live() int { return h.live }

// Alloc returns size bytes of raw memory, or nil when size is not positive
// or the underlying slab source fails. The memory is dirty unless the Heap
// was created with Clear.
func (h *Heap) Alloc(size int) unsafe.Pointer {
	if size <= 0 {
		return nil
	}
	var (
		s      slab
		zeroed bool
	)
	if size <= cacheThreshold {
		s = slab{buf: mcache.Malloc(size), kind: slabCached}
	} else {
		buf, z, err := allocSlab(size)
		if err != nil {
			if h.flags&Debug != 0 {
				fmt.Fprintf(h.w, "heap: alloc size=%d failed: %v\n", size, err)
			}
			return nil
		}
		s, zeroed = slab{buf: buf, kind: slabDedicated}, z
	}
	if h.flags&Clear != 0 && !zeroed {
		memclr(s.buf)
	}
	p := unsafe.Pointer(&s.buf[0])
	h.slabs[uintptr(p)] = s
	if h.flags&Count != 0 {
		h.live++
	}
	if h.flags&Debug != 0 {
		fmt.Fprintf(h.w, "heap: alloc size=%d ptr=%p live=%d\n", size, p, h.live)
	}
	return p
}

// Free releases memory previously returned by Alloc. Freeing nil is a no-op.
// Panics when p was not returned by this Heap.
func (h *Heap) Free(p unsafe.Pointer) error {
	if p == nil {
		return nil
	}
	s, ok := h.slabs[uintptr(p)]
	if !ok {
		panic("heap: free of unknown pointer")
	}
	delete(h.slabs, uintptr(p))
	if h.flags&Count != 0 {
		h.live--
	}
	if h.flags&Debug != 0 {
		fmt.Fprintf(h.w, "heap: free ptr=%p live=%d\n", p, h.live)
	}
	return h.release(s)
}

// AllocAligned returns size bytes aligned to align, which must be a nonzero
// power of two. The raw base pointer is stored in the word immediately
// before the returned pointer so FreeAligned can recover it.
func (h *Heap) AllocAligned(size int, align uintptr) unsafe.Pointer {
	if size <= 0 || align == 0 || align&(align-1) != 0 {
		return nil
	}
	if align < ptrSize {
		// the shim word below the returned pointer must stay word aligned
		align = ptrSize
	}
	raw := h.Alloc(size + int(align) + int(ptrSize))
	if raw == nil {
		return nil
	}
	addr := uintptr(raw) + ptrSize
	off := (addr+align-1)&^(align-1) - uintptr(raw)
	user := unsafe.Add(raw, off)
	*(*uintptr)(unsafe.Add(user, -int(ptrSize))) = uintptr(raw)
	return user
}

// FreeAligned releases memory previously returned by AllocAligned. Freeing
// nil is a no-op.
func (h *Heap) FreeAligned(p unsafe.Pointer) error {
	if p == nil {
		return nil
	}
	raw := *(*uintptr)(unsafe.Add(p, -int(ptrSize)))
	s, ok := h.slabs[raw]
	if !ok {
		panic("heap: aligned free of unknown pointer")
	}
	return h.Free(unsafe.Pointer(&s.buf[0]))
}

// Close releases every slab still owned by the Heap. With Count the leak is
// reported in the returned error; with Count|Debug it panics instead.
func (h *Heap) Close() error {
	var err error
	if h.flags&Count != 0 && h.live != 0 {
		if h.flags&Debug != 0 {
			panic(fmt.Sprintf("heap: %d allocations leaked", h.live))
		}
		err = fmt.Errorf("heap: %d allocations leaked", h.live)
	}
	for addr, s := range h.slabs {
		delete(h.slabs, addr)
		err = multierr.Append(err, h.release(s))
	}
	h.live = 0
	return err
}

func (h *Heap) release(s slab) error {
	if s.kind == slabCached {
		mcache.Free(s.buf)
		return nil
	}
	return freeSlab(s.buf)
}

func memclr(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
