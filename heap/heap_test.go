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

package heap

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocFree(t *testing.T) {
	h := New(0)
	defer h.Close()

	p := h.Alloc(128)
	require.NotNil(t, p)

	// the memory is usable
	buf := unsafe.Slice((*byte)(p), 128)
	for i := range buf {
		buf[i] = byte(i)
	}
	for i := range buf {
		require.Equal(t, byte(i), buf[i])
	}
	require.NoError(t, h.Free(p))
}

func TestAllocSizes(t *testing.T) {
	h := New(0)
	defer h.Close()

	// cover both the cached and the dedicated slab path
	for _, size := range []int{1, 64, 4096, cacheThreshold, cacheThreshold + 1, 1 << 20} {
		p := h.Alloc(size)
		require.NotNil(t, p, "size=%d", size)
		buf := unsafe.Slice((*byte)(p), size)
		buf[0], buf[size-1] = 0xAA, 0x55
		require.NoError(t, h.Free(p))
	}
	assert.Nil(t, h.Alloc(0))
	assert.Nil(t, h.Alloc(-5))
}

func TestFreeUnknownPanics(t *testing.T) {
	h := New(0)
	defer h.Close()

	var x byte
	assert.Panics(t, func() { _ = h.Free(unsafe.Pointer(&x)) })
	assert.NoError(t, h.Free(nil))
}

func TestAllocAligned(t *testing.T) {
	h := New(0)
	defer h.Close()

	for _, align := range []uintptr{1, 8, 16, 64, 4096} {
		p := h.AllocAligned(100, align)
		require.NotNil(t, p, "align=%d", align)
		assert.Zero(t, uintptr(p)%align, "align=%d", align)
		buf := unsafe.Slice((*byte)(p), 100)
		buf[0], buf[99] = 1, 2
		require.NoError(t, h.FreeAligned(p))
	}

	assert.Nil(t, h.AllocAligned(100, 0))
	assert.Nil(t, h.AllocAligned(100, 3))
	assert.Nil(t, h.AllocAligned(0, 8))
	assert.NoError(t, h.FreeAligned(nil))
}

func TestClear(t *testing.T) {
	h := New(Clear)
	defer h.Close()

	// dirty a cached slab, release it, and check a fresh one comes back clean
	p := h.Alloc(256)
	require.NotNil(t, p)
	buf := unsafe.Slice((*byte)(p), 256)
	for i := range buf {
		buf[i] = 0xFF
	}
	require.NoError(t, h.Free(p))

	q := h.Alloc(256)
	require.NotNil(t, q)
	buf = unsafe.Slice((*byte)(q), 256)
	for i := range buf {
		require.Zero(t, buf[i], "byte %d not cleared", i)
	}
	require.NoError(t, h.Free(q))
}

func TestCount(t *testing.T) {
	h := New(Count)

	p := h.Alloc(64)
	q := h.AllocAligned(64, 16)
	assert.Equal(t, 2, h.Live())

	require.NoError(t, h.Free(p))
	require.NoError(t, h.FreeAligned(q))
	assert.Equal(t, 0, h.Live())
	require.NoError(t, h.Close())
}

func TestCountReportsLeak(t *testing.T) {
	h := New(Count)
	require.NotNil(t, h.Alloc(64))
	assert.Error(t, h.Close())
}

func TestCountDebugPanicsOnLeak(t *testing.T) {
	h := New(Count | Debug)
	h.SetDebugWriter(&bytes.Buffer{})
	require.NotNil(t, h.Alloc(64))
	assert.Panics(t, func() { _ = h.Close() })
}

func TestDebugTrace(t *testing.T) {
	var out bytes.Buffer
	h := New(Debug)
	h.SetDebugWriter(&out)

	p := h.Alloc(64)
	require.NoError(t, h.Free(p))
	require.NoError(t, h.Close())

	assert.Contains(t, out.String(), "heap: alloc size=64")
	assert.Contains(t, out.String(), "heap: free ptr=")
}

func TestCloseSweepsLiveSlabs(t *testing.T) {
	// without Count, Close silently reclaims whatever the client leaked
	h := New(0)
	require.NotNil(t, h.Alloc(128))
	require.NotNil(t, h.Alloc(1<<20))
	require.NoError(t, h.Close())
}
