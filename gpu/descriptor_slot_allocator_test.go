package gpu

import (
	"strings"
	"testing"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Allocate/Free/IsValid never dereference the backing resources, so a
// placeholder buffer pointer is enough to exercise the slot bookkeeping
// without a live device. Flush is covered by the device-gated tests.
func newBufferAllocator(capacity uint32) *DescriptorSlotAllocator {
	return NewDescriptorSlotAllocator(DescriptorKindStorageBuffer, capacity, &wgpu.Buffer{}, nil)
}

func TestAllocatorAllocatesDistinctSlots(t *testing.T) {
	a := newBufferAllocator(4)

	seen := make(map[uint32]bool)
	for i := 0; i < 4; i++ {
		slot, version, ok := a.Allocate(&wgpu.Buffer{}, nil)
		require.True(t, ok)
		assert.False(t, seen[slot], "slot %d handed out twice", slot)
		assert.Equal(t, uint64(1), version)
		seen[slot] = true
	}
}

func TestAllocatorExhaustion(t *testing.T) {
	a := newBufferAllocator(2)

	_, _, ok := a.Allocate(&wgpu.Buffer{}, nil)
	require.True(t, ok)
	_, _, ok = a.Allocate(&wgpu.Buffer{}, nil)
	require.True(t, ok)

	out := captureLog(t, func() {
		_, _, ok = a.Allocate(&wgpu.Buffer{}, nil)
	})
	assert.False(t, ok)
	assert.Contains(t, out, "allocate a slot")
}

func TestAllocatorVersioning(t *testing.T) {
	a := newBufferAllocator(4)

	slot, version, ok := a.Allocate(&wgpu.Buffer{}, nil)
	require.True(t, ok)
	assert.True(t, a.IsValid(slot, version))

	// Free does not bump the version; the stale pair stays valid until the
	// slot is handed out again.
	a.Free(slot)
	assert.True(t, a.IsValid(slot, version))

	slot2, version2, ok := a.Allocate(&wgpu.Buffer{}, nil)
	require.True(t, ok)
	if slot2 == slot {
		assert.NotEqual(t, version, version2)
		assert.False(t, a.IsValid(slot, version), "stale pair must be detectable after reallocation")
	}
	assert.True(t, a.IsValid(slot2, version2))
}

func TestAllocatorFreeIsIdempotent(t *testing.T) {
	a := newBufferAllocator(2)

	slot, _, ok := a.Allocate(&wgpu.Buffer{}, nil)
	require.True(t, ok)

	a.Free(slot)
	a.Free(slot)
	a.Free(slot)

	// Both slots must still be allocatable exactly once each.
	_, _, ok = a.Allocate(&wgpu.Buffer{}, nil)
	require.True(t, ok)
	_, _, ok = a.Allocate(&wgpu.Buffer{}, nil)
	require.True(t, ok)
	out := captureLog(t, func() {
		_, _, ok = a.Allocate(&wgpu.Buffer{}, nil)
	})
	assert.False(t, ok)
	assert.True(t, strings.Contains(out, "exhausted"))
}

func TestAllocatorIsValidBounds(t *testing.T) {
	a := newBufferAllocator(2)
	assert.False(t, a.IsValid(2, 0), "out-of-range slot must never validate")
	assert.False(t, a.IsValid(0, 1), "never-allocated slot must not validate at version 1")
}

func TestAllocatorConstructorContract(t *testing.T) {
	assert.Panics(t, func() {
		NewDescriptorSlotAllocator(DescriptorKindStorageBuffer, 0, &wgpu.Buffer{}, nil)
	})
	assert.Panics(t, func() {
		NewDescriptorSlotAllocator(DescriptorKindStorageBuffer, 4, nil, nil)
	})
	assert.Panics(t, func() {
		NewDescriptorSlotAllocator(DescriptorKindStorageImage, 4, nil, nil)
	})
}
