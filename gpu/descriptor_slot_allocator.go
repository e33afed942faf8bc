package gpu

import (
	"fmt"
	"log"

	"github.com/cogentcore/webgpu/wgpu"
)

// DescriptorKind selects which of the two bindless arrays a slot belongs to.
// The binding index each kind is addressed at is fixed (see bindingSlotFor).
type DescriptorKind int

const (
	DescriptorKindStorageBuffer DescriptorKind = iota
	DescriptorKindStorageImage
)

func (k DescriptorKind) String() string {
	if k == DescriptorKindStorageImage {
		return "StorageImage"
	}
	return "StorageBuffer"
}

// bindingSlotFor returns the fixed @binding index a descriptor kind's
// binding array is addressed at within the bindless bind group.
func bindingSlotFor(kind DescriptorKind) uint32 {
	if kind == DescriptorKindStorageImage {
		return 1
	}
	return 0
}

// pendingWrite captures one allocation that has not yet been folded into the
// rebuilt bind group. Buffer is non-nil for DescriptorKindStorageBuffer
// writes; View is non-nil for DescriptorKindStorageImage writes.
type pendingWrite struct {
	slot   uint32
	buffer *wgpu.Buffer
	view   *wgpu.TextureView
}

// DescriptorSlotAllocator manages a fixed-capacity pool of bindless
// descriptor-table slots for a single DescriptorKind, and accumulates
// pending writes that Flush folds into a single rebuilt bind group.
//
// WebGPU bind groups are immutable once created, so "patch the destination
// set and issue one update-descriptor-sets call" (the Vulkan-flavored
// phrasing this allocator's contract is specified against) is realized here
// as: collect pending (slot, resource) pairs, then rebuild the entire
// binding-array bind group from the current resource table on Flush. The
// dummy resource passed to NewDescriptorSlotAllocator backfills unallocated
// slots so the binding array — which WebGPU validation requires to be fully
// populated — always contains a valid, if unused, resource at every index.
type DescriptorSlotAllocator struct {
	kind     DescriptorKind
	capacity uint32

	versions []uint64
	freeList []uint32

	pending []pendingWrite

	dummyBuffer *wgpu.Buffer
	dummyView   *wgpu.TextureView

	buffers []*wgpu.Buffer
	views   []*wgpu.TextureView

	layout    *wgpu.BindGroupLayout
	bindGroup *wgpu.BindGroup
}

// NewDescriptorSlotAllocator creates an allocator for capacity slots of the
// given kind. dummyBuffer must be non-nil when kind is
// DescriptorKindStorageBuffer; dummyView must be non-nil when kind is
// DescriptorKindStorageImage. Panics if capacity is zero or the required
// dummy resource is nil, matching this codebase's convention of panicking on
// invalid required constructor dependencies.
func NewDescriptorSlotAllocator(kind DescriptorKind, capacity uint32, dummyBuffer *wgpu.Buffer, dummyView *wgpu.TextureView) *DescriptorSlotAllocator {
	if capacity == 0 {
		panic("gpu: DescriptorSlotAllocator capacity must be > 0")
	}
	if kind == DescriptorKindStorageBuffer && dummyBuffer == nil {
		panic("gpu: DescriptorSlotAllocator requires a dummy buffer for DescriptorKindStorageBuffer")
	}
	if kind == DescriptorKindStorageImage && dummyView == nil {
		panic("gpu: DescriptorSlotAllocator requires a dummy view for DescriptorKindStorageImage")
	}

	a := &DescriptorSlotAllocator{
		kind:        kind,
		capacity:    capacity,
		versions:    make([]uint64, capacity),
		freeList:    make([]uint32, capacity),
		dummyBuffer: dummyBuffer,
		dummyView:   dummyView,
	}
	for i := uint32(0); i < capacity; i++ {
		a.freeList[capacity-1-i] = i
	}

	if kind == DescriptorKindStorageBuffer {
		a.buffers = make([]*wgpu.Buffer, capacity)
		for i := range a.buffers {
			a.buffers[i] = dummyBuffer
		}
	} else {
		a.views = make([]*wgpu.TextureView, capacity)
		for i := range a.views {
			a.views[i] = dummyView
		}
	}

	return a
}

// Allocate pops the next free slot, bumps its version, records a pending
// write, and returns (slot, version, true). Returns (0, 0, false) when the
// pool is exhausted.
//
// Parameters:
//   - buffer: the backing buffer when kind is DescriptorKindStorageBuffer, else nil
//   - view: the backing texture view when kind is DescriptorKindStorageImage, else nil
//
// Returns:
//   - slot: the allocated slot index
//   - version: the slot's version after this allocation
//   - ok: false if the allocator has no free slots
func (a *DescriptorSlotAllocator) Allocate(buffer *wgpu.Buffer, view *wgpu.TextureView) (slot uint32, version uint64, ok bool) {
	if len(a.freeList) == 0 {
		log.Printf("[DescriptorSlotAllocator] failed to allocate a slot for kind %s: capacity %d exhausted", a.kind, a.capacity)
		return 0, 0, false
	}

	n := len(a.freeList)
	slot = a.freeList[n-1]
	a.freeList = a.freeList[:n-1]

	a.versions[slot]++
	version = a.versions[slot]

	switch a.kind {
	case DescriptorKindStorageBuffer:
		a.buffers[slot] = buffer
	case DescriptorKindStorageImage:
		a.views[slot] = view
	}
	a.pending = append(a.pending, pendingWrite{slot: slot, buffer: buffer, view: view})

	return slot, version, true
}

// Free returns slot to the free list. Idempotent: freeing an already-free
// slot is a no-op. Does not bump the slot's version — the version only
// increments on the next Allocate, so a caller holding a stale (slot,
// version) pair from before the free detects it via IsValid rather than via
// the free itself.
func (a *DescriptorSlotAllocator) Free(slot uint32) {
	if slot >= a.capacity {
		return
	}
	for _, s := range a.freeList {
		if s == slot {
			return
		}
	}
	a.freeList = append(a.freeList, slot)

	switch a.kind {
	case DescriptorKindStorageBuffer:
		a.buffers[slot] = a.dummyBuffer
	case DescriptorKindStorageImage:
		a.views[slot] = a.dummyView
	}
}

// IsValid reports whether slot is currently bound at exactly version.
func (a *DescriptorSlotAllocator) IsValid(slot uint32, version uint64) bool {
	return slot < a.capacity && a.versions[slot] == version
}

// Capacity returns the total number of slots this allocator manages.
func (a *DescriptorSlotAllocator) Capacity() uint32 {
	return a.capacity
}

// Flush finalizes all pending writes by rebuilding the allocator's bind
// group from the current per-slot resource table, then clears the pending
// list. A no-op when nothing is pending. The layout is built lazily on the
// first flush.
func (a *DescriptorSlotAllocator) Flush(device *wgpu.Device) error {
	if len(a.pending) == 0 {
		return nil
	}
	defer func() { a.pending = nil }()

	if a.layout == nil {
		if err := a.ensureLayout(device); err != nil {
			return err
		}
	}

	var entry wgpu.BindGroupEntry
	switch a.kind {
	case DescriptorKindStorageBuffer:
		entry = wgpu.BindGroupEntry{
			Binding: bindingSlotFor(a.kind),
			Buffers: a.buffers,
		}
	case DescriptorKindStorageImage:
		entry = wgpu.BindGroupEntry{
			Binding:      bindingSlotFor(a.kind),
			TextureViews: a.views,
		}
	}

	bindGroup, err := device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   fmt.Sprintf("Bindless %s BindGroup", a.kind),
		Layout:  a.layout,
		Entries: []wgpu.BindGroupEntry{entry},
	})
	if err != nil {
		return fmt.Errorf("gpu: flush %s descriptor table: %w", a.kind, err)
	}
	if a.bindGroup != nil {
		a.bindGroup.Release()
	}
	a.bindGroup = bindGroup

	return nil
}

// ensureLayout builds the fixed-capacity binding-array layout entry for this
// allocator's kind. This assumes the backend exposes a Count field on
// wgpu.BindGroupLayoutEntry for sized binding arrays (the binding-array
// extension surface used by wgpu-native/wgpu-rs); see the accompanying
// design document for the grounding of this assumption.
func (a *DescriptorSlotAllocator) ensureLayout(device *wgpu.Device) error {
	entry := wgpu.BindGroupLayoutEntry{
		Binding:    bindingSlotFor(a.kind),
		Visibility: wgpu.ShaderStageCompute | wgpu.ShaderStageFragment | wgpu.ShaderStageVertex,
		Count:      a.capacity,
	}
	switch a.kind {
	case DescriptorKindStorageBuffer:
		entry.Buffer = wgpu.BufferBindingLayout{
			Type: wgpu.BufferBindingTypeStorage,
		}
	case DescriptorKindStorageImage:
		entry.StorageTexture = wgpu.StorageTextureBindingLayout{
			Access: wgpu.StorageTextureAccessReadWrite,
			Format: wgpu.TextureFormatRGBA8Unorm,
		}
	}

	layout, err := device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   fmt.Sprintf("Bindless %s Layout", a.kind),
		Entries: []wgpu.BindGroupLayoutEntry{entry},
	})
	if err != nil {
		return fmt.Errorf("gpu: create %s descriptor layout: %w", a.kind, err)
	}
	a.layout = layout
	return nil
}

// Layout returns the bind group layout backing this allocator's table, or
// nil until the first successful Flush.
func (a *DescriptorSlotAllocator) Layout() *wgpu.BindGroupLayout {
	return a.layout
}

// BindGroup returns the current bindless bind group, or nil until the first
// successful Flush.
func (a *DescriptorSlotAllocator) BindGroup() *wgpu.BindGroup {
	return a.bindGroup
}
