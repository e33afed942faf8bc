package gpu

import (
	"fmt"
	"log"

	"github.com/Carmen-Shannon/gpu-taskgraph/common"
	"github.com/cogentcore/webgpu/wgpu"
)

// BufferDesc describes a buffer to be created by ResourceManager.CreateBuffer.
type BufferDesc struct {
	Size        uint64
	Usage       wgpu.BufferUsage
	HostVisible bool
	DebugName   string
}

// ImageDesc describes an image to be created by ResourceManager.CreateImage.
type ImageDesc struct {
	Width, Height uint32
	Format        wgpu.TextureFormat
	Usage         wgpu.TextureUsage
	MipLevelCount uint32
	DebugName     string
}

// BoundSlot caches a descriptor slot allocation for one ResourceUsage
// against one resource entry. Valid iff the owning allocator's IsValid(Slot,
// Version) still reports true.
type BoundSlot struct {
	View    *wgpu.TextureView // nil for buffer usages
	Slot    uint32
	Version uint64
}

type bufferEntry struct {
	buffer *wgpu.Buffer
	desc   BufferDesc
	bound  map[ResourceUsage]BoundSlot
}

type imageEntry struct {
	texture *wgpu.Texture
	desc    ImageDesc
	views   map[ResourceUsage]*wgpu.TextureView
	bound   map[ResourceUsage]BoundSlot
}

// ResourceManager owns every GPU buffer and image created through it,
// maintains the bindless descriptor table (one DescriptorSlotAllocator per
// DescriptorKind), and performs host<->device data movement via staging
// buffers. Not safe for concurrent mutation — callers drive it from a
// single owner goroutine, consistent with this package's single-threaded
// cooperative task graph.
type ResourceManager struct {
	device *GPUDevice

	buffers map[BufferHandle]*bufferEntry
	images  map[ImageHandle]*imageEntry

	bufferSlots *DescriptorSlotAllocator
	imageSlots  *DescriptorSlotAllocator
}

// NewResourceManager creates a ResourceManager bound to device, with bindless
// tables sized bufferSlotCapacity and imageSlotCapacity. Panics if device is
// nil, matching this codebase's convention for required constructor
// dependencies.
func NewResourceManager(device *GPUDevice, bufferSlotCapacity, imageSlotCapacity uint32) *ResourceManager {
	if device == nil {
		panic("gpu: NewResourceManager requires a non-nil GPUDevice")
	}

	dummyBuffer, err := device.Device().CreateBuffer(&wgpu.BufferDescriptor{
		Label: "Bindless Dummy Buffer",
		Size:  16,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		panic(fmt.Sprintf("gpu: failed to create dummy descriptor buffer: %v", err))
	}

	dummyTexture, err := device.Device().CreateTexture(&wgpu.TextureDescriptor{
		Label: "Bindless Dummy Texture",
		Size: wgpu.Extent3D{
			Width: 1, Height: 1, DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Format:        wgpu.TextureFormatRGBA8Unorm,
		Usage:         wgpu.TextureUsageStorageBinding | wgpu.TextureUsageCopyDst,
	})
	if err != nil {
		panic(fmt.Sprintf("gpu: failed to create dummy descriptor texture: %v", err))
	}
	dummyView, err := dummyTexture.CreateView(nil)
	if err != nil {
		panic(fmt.Sprintf("gpu: failed to create dummy descriptor texture view: %v", err))
	}

	return &ResourceManager{
		device:      device,
		buffers:     make(map[BufferHandle]*bufferEntry),
		images:      make(map[ImageHandle]*imageEntry),
		bufferSlots: NewDescriptorSlotAllocator(DescriptorKindStorageBuffer, bufferSlotCapacity, dummyBuffer, nil),
		imageSlots:  NewDescriptorSlotAllocator(DescriptorKindStorageImage, imageSlotCapacity, nil, dummyView),
	}
}

// CreateBuffer allocates a GPU buffer per desc and returns a fresh nonzero
// handle. Returns a zero handle and logs on allocation failure.
func (r *ResourceManager) CreateBuffer(desc BufferDesc) BufferHandle {
	usage := desc.Usage
	if desc.HostVisible {
		usage |= wgpu.BufferUsageMapRead | wgpu.BufferUsageMapWrite
	}

	buf, err := r.device.Device().CreateBuffer(&wgpu.BufferDescriptor{
		Label: r.debugLabel(desc.DebugName),
		Size:  desc.Size,
		Usage: usage,
	})
	if err != nil {
		log.Printf("[ResourceManager] CreateBuffer %q failed: %v", desc.DebugName, err)
		return 0
	}

	h := BufferHandle(nextHandle())
	r.buffers[h] = &bufferEntry{
		buffer: buf,
		desc:   desc,
		bound:  make(map[ResourceUsage]BoundSlot),
	}
	return h
}

// CreateImage allocates a GPU image per desc and returns a fresh nonzero
// handle. Image views are created lazily, the first time a usage binds
// them. Returns a zero handle and logs on allocation failure.
func (r *ResourceManager) CreateImage(desc ImageDesc) ImageHandle {
	mipLevels := common.Coalesce(desc.MipLevelCount, 1)

	tex, err := r.device.Device().CreateTexture(&wgpu.TextureDescriptor{
		Label: r.debugLabel(desc.DebugName),
		Size: wgpu.Extent3D{
			Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: 1,
		},
		MipLevelCount: mipLevels,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Format:        desc.Format,
		Usage:         desc.Usage,
	})
	if err != nil {
		log.Printf("[ResourceManager] CreateImage %q failed: %v", desc.DebugName, err)
		return 0
	}

	h := ImageHandle(nextHandle())
	r.images[h] = &imageEntry{
		texture: tex,
		desc:    desc,
		views:   make(map[ResourceUsage]*wgpu.TextureView),
		bound:   make(map[ResourceUsage]BoundSlot),
	}
	return h
}

// FreeBuffer frees all descriptor slots bound to h and releases the
// underlying GPU buffer. A no-op on an unknown or already-freed handle.
func (r *ResourceManager) FreeBuffer(h BufferHandle) {
	entry, ok := r.buffers[h]
	if !ok {
		return
	}
	for _, bound := range entry.bound {
		r.bufferSlots.Free(bound.Slot)
	}
	entry.buffer.Release()
	delete(r.buffers, h)
}

// FreeImage destroys every view owned by h, frees its bound descriptor
// slots, and releases the underlying GPU texture. A no-op on an unknown or
// already-freed handle.
func (r *ResourceManager) FreeImage(h ImageHandle) {
	entry, ok := r.images[h]
	if !ok {
		return
	}
	for _, bound := range entry.bound {
		r.imageSlots.Free(bound.Slot)
	}
	for _, view := range entry.views {
		view.Release()
	}
	entry.texture.Release()
	delete(r.images, h)
}

// debugLabel passes name through when the device's validation path is on,
// and discards it otherwise.
func (r *ResourceManager) debugLabel(name string) string {
	if r.device.ValidationEnabled() {
		return name
	}
	return ""
}

// GetBuffer returns the raw GPU buffer for h, or nil if unknown/freed.
func (r *ResourceManager) GetBuffer(h BufferHandle) *wgpu.Buffer {
	if e, ok := r.buffers[h]; ok {
		return e.buffer
	}
	return nil
}

// GetImage returns the raw GPU texture for h, or nil if unknown/freed.
func (r *ResourceManager) GetImage(h ImageHandle) *wgpu.Texture {
	if e, ok := r.images[h]; ok {
		return e.texture
	}
	return nil
}

// UploadToBuffer copies src into the buffer's GPU memory and returns the
// number of bytes written. Only valid when the buffer was created with
// HostVisible; otherwise logs and returns 0.
func (r *ResourceManager) UploadToBuffer(h BufferHandle, src []byte) int {
	entry, ok := r.buffers[h]
	if !ok {
		log.Printf("[ResourceManager] UploadToBuffer: unknown handle %d", h)
		r.device.Stats().CountNotFound()
		return 0
	}
	if !entry.desc.HostVisible {
		log.Printf("[ResourceManager] UploadToBuffer: buffer %d is not host-accessible", h)
		r.device.Stats().CountContractViolation()
		return 0
	}

	n := len(src)
	if uint64(n) > entry.desc.Size {
		n = int(entry.desc.Size)
	}

	done := make(chan error, 1)
	err := entry.buffer.MapAsync(wgpu.MapModeWrite, 0, uint64(n), func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			done <- fmt.Errorf("map status %v", status)
			return
		}
		done <- nil
	})
	if err != nil {
		log.Printf("[ResourceManager] UploadToBuffer: map failed: %v", err)
		return 0
	}
	r.device.Device().Poll(true, nil)
	if err := <-done; err != nil {
		log.Printf("[ResourceManager] UploadToBuffer: map callback failed: %v", err)
		return 0
	}

	mapped := entry.buffer.GetMappedRange(0, uint(n))
	copy(mapped, src[:n])
	entry.buffer.Unmap()

	return n
}

// ReadFromBuffer reads min(bufferSize, len(dst)) bytes from the buffer into
// dst and returns the number of bytes read. Only valid when the buffer was
// created with HostVisible; otherwise logs and returns 0.
func (r *ResourceManager) ReadFromBuffer(h BufferHandle, dst []byte) int {
	entry, ok := r.buffers[h]
	if !ok {
		log.Printf("[ResourceManager] ReadFromBuffer: unknown handle %d", h)
		r.device.Stats().CountNotFound()
		return 0
	}
	if !entry.desc.HostVisible {
		log.Printf("[ResourceManager] ReadFromBuffer: buffer %d is not host-accessible", h)
		r.device.Stats().CountContractViolation()
		return 0
	}

	n := len(dst)
	if uint64(n) > entry.desc.Size {
		n = int(entry.desc.Size)
	}

	done := make(chan error, 1)
	err := entry.buffer.MapAsync(wgpu.MapModeRead, 0, uint64(n), func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			done <- fmt.Errorf("map status %v", status)
			return
		}
		done <- nil
	})
	if err != nil {
		log.Printf("[ResourceManager] ReadFromBuffer: map failed: %v", err)
		return 0
	}
	r.device.Device().Poll(true, nil)
	if err := <-done; err != nil {
		log.Printf("[ResourceManager] ReadFromBuffer: map callback failed: %v", err)
		return 0
	}

	mapped := entry.buffer.GetMappedRange(0, uint(n))
	copy(dst[:n], mapped)
	entry.buffer.Unmap()

	return n
}

// UploadToImage writes src into mip 0 of the image with a single
// Queue.WriteTexture call and returns len(src). No staging buffer is
// created, and the call returns without waiting for the GPU to complete
// the write. bytesPerRow/rowsPerImage are derived from the image's own
// stored width/height at 4 bytes per texel — callers needing a different
// texel size should write through GetImage directly.
func (r *ResourceManager) UploadToImage(h ImageHandle, src []byte) int {
	entry, ok := r.images[h]
	if !ok {
		log.Printf("[ResourceManager] UploadToImage: unknown handle %d", h)
		return 0
	}

	r.device.queue.WriteTexture(
		&wgpu.ImageCopyTexture{
			Texture:  entry.texture,
			MipLevel: 0,
			Origin:   wgpu.Origin3D{},
			Aspect:   wgpu.TextureAspectAll,
		},
		src,
		&wgpu.TextureDataLayout{
			Offset:       0,
			BytesPerRow:  entry.desc.Width * 4,
			RowsPerImage: entry.desc.Height,
		},
		&wgpu.Extent3D{
			Width: entry.desc.Width, Height: entry.desc.Height, DepthOrArrayLayers: 1,
		},
	)

	return len(src)
}

// ReadFromImage copies the image's pixel contents into dst via a one-shot
// staging buffer, assuming the image is already in a copyable layout.
// Returns the number of bytes read.
func (r *ResourceManager) ReadFromImage(h ImageHandle, dst []byte) int {
	entry, ok := r.images[h]
	if !ok {
		log.Printf("[ResourceManager] ReadFromImage: unknown handle %d", h)
		return 0
	}

	rowBytes := entry.desc.Width * 4
	size := uint64(rowBytes) * uint64(entry.desc.Height)

	staging, err := r.device.Device().CreateBuffer(&wgpu.BufferDescriptor{
		Label: "Image Readback Staging",
		Size:  size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		log.Printf("[ResourceManager] ReadFromImage: staging buffer failed: %v", err)
		return 0
	}
	defer staging.Release()

	encoder, err := r.device.Device().CreateCommandEncoder(nil)
	if err != nil {
		log.Printf("[ResourceManager] ReadFromImage: command encoder failed: %v", err)
		return 0
	}
	encoder.CopyTextureToBuffer(
		&wgpu.ImageCopyTexture{Texture: entry.texture, Aspect: wgpu.TextureAspectAll},
		&wgpu.ImageCopyBuffer{
			Buffer: staging,
			Layout: wgpu.TextureDataLayout{BytesPerRow: rowBytes, RowsPerImage: entry.desc.Height},
		},
		&wgpu.Extent3D{Width: entry.desc.Width, Height: entry.desc.Height, DepthOrArrayLayers: 1},
	)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		log.Printf("[ResourceManager] ReadFromImage: encoder finish failed: %v", err)
		return 0
	}
	r.device.queue.Submit(cmd)
	cmd.Release()

	n := len(dst)
	if uint64(n) > size {
		n = int(size)
	}

	done := make(chan error, 1)
	err = staging.MapAsync(wgpu.MapModeRead, 0, uint64(n), func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			done <- fmt.Errorf("map status %v", status)
			return
		}
		done <- nil
	})
	if err != nil {
		log.Printf("[ResourceManager] ReadFromImage: map failed: %v", err)
		return 0
	}
	r.device.Device().Poll(true, nil)
	if err := <-done; err != nil {
		log.Printf("[ResourceManager] ReadFromImage: map callback failed: %v", err)
		return 0
	}

	mapped := staging.GetMappedRange(0, uint(n))
	copy(dst[:n], mapped)
	staging.Unmap()

	return n
}

// slotID is the single fixed bit layout used for every BindResource result,
// buffer or image alike: handle<<32 | slot. Externally this value is opaque;
// tests only assert it is stable per (resource, usage) pair.
func slotID[H ~uint64](handle H, slot uint32) uint64 {
	return uint64(handle)<<32 | uint64(slot)
}

// BindResource is the central bindless entry point. The handle's type
// (BufferHandle or ImageHandle) determines which registry and which
// descriptor allocator are consulted. Returns the cached slot id if this exact usage is
// already bound and still valid, otherwise allocates a fresh slot (creating
// an image view first, for image usages) and caches it. Returns (0, false)
// when the handle is unknown or the allocator is exhausted.
func (r *ResourceManager) BindResource(handle any, usage ResourceUsage) (uint64, bool) {
	switch h := handle.(type) {
	case BufferHandle:
		return r.bindBuffer(h, usage)
	case ImageHandle:
		return r.bindImage(h, usage)
	default:
		log.Printf("[ResourceManager] BindResource: unsupported handle type %T", handle)
		return 0, false
	}
}

func (r *ResourceManager) bindBuffer(h BufferHandle, usage ResourceUsage) (uint64, bool) {
	entry, ok := r.buffers[h]
	if !ok {
		log.Printf("[ResourceManager] BindResource: unknown buffer handle %d", h)
		r.device.Stats().CountNotFound()
		return 0, false
	}

	if bound, ok := entry.bound[usage]; ok && r.bufferSlots.IsValid(bound.Slot, bound.Version) {
		return slotID(h, bound.Slot), true
	}

	slot, version, ok := r.bufferSlots.Allocate(entry.buffer, nil)
	if !ok {
		r.device.Stats().CountBindingError()
		return 0, false
	}
	entry.bound[usage] = BoundSlot{Slot: slot, Version: version}
	return slotID(h, slot), true
}

func (r *ResourceManager) bindImage(h ImageHandle, usage ResourceUsage) (uint64, bool) {
	entry, ok := r.images[h]
	if !ok {
		log.Printf("[ResourceManager] BindResource: unknown image handle %d", h)
		r.device.Stats().CountNotFound()
		return 0, false
	}

	if bound, ok := entry.bound[usage]; ok && r.imageSlots.IsValid(bound.Slot, bound.Version) {
		return slotID(h, bound.Slot), true
	}

	view, ok := r.viewFor(entry, usage)
	if !ok {
		return 0, false
	}

	slot, version, ok := r.imageSlots.Allocate(nil, view)
	if !ok {
		r.device.Stats().CountBindingError()
		return 0, false
	}
	entry.bound[usage] = BoundSlot{View: view, Slot: slot, Version: version}
	return slotID(h, slot), true
}

// viewFor returns the cached image view for usage on entry, creating it on
// first use. View caching is keyed on the full ResourceUsage value, so a
// single image can be viewed simultaneously under different usages.
func (r *ResourceManager) viewFor(entry *imageEntry, usage ResourceUsage) (*wgpu.TextureView, bool) {
	if view, ok := entry.views[usage]; ok {
		return view, true
	}
	view, err := entry.texture.CreateView(&wgpu.TextureViewDescriptor{
		Dimension:       viewDimensionFor(usage.ViewType),
		BaseMipLevel:    usage.BaseMip,
		MipLevelCount:   usage.MipCount,
		BaseArrayLayer:  usage.BaseLayer,
		ArrayLayerCount: usage.LayerCount,
		Aspect:          aspectFor(usage.Aspect),
	})
	if err != nil {
		log.Printf("[ResourceManager] create image view failed: %v", err)
		return nil, false
	}
	entry.views[usage] = view
	return view, true
}

// ImageView resolves (h, usage) to a cached per-usage view without touching
// the descriptor table. Render passes use this to bind attachment views that
// never occupy a bindless slot.
func (r *ResourceManager) ImageView(h ImageHandle, usage ResourceUsage) (*wgpu.TextureView, bool) {
	entry, ok := r.images[h]
	if !ok {
		log.Printf("[ResourceManager] ImageView: unknown image handle %d", h)
		r.device.Stats().CountNotFound()
		return nil, false
	}
	return r.viewFor(entry, usage)
}

// GetBufferDesc returns the descriptor h was created with.
func (r *ResourceManager) GetBufferDesc(h BufferHandle) (BufferDesc, bool) {
	if e, ok := r.buffers[h]; ok {
		return e.desc, true
	}
	return BufferDesc{}, false
}

// GetImageDesc returns the descriptor h was created with.
func (r *ResourceManager) GetImageDesc(h ImageHandle) (ImageDesc, bool) {
	if e, ok := r.images[h]; ok {
		return e.desc, true
	}
	return ImageDesc{}, false
}

func viewDimensionFor(vt ViewType) wgpu.TextureViewDimension {
	switch vt {
	case ViewType2DArray:
		return wgpu.TextureViewDimension2DArray
	case ViewTypeCube:
		return wgpu.TextureViewDimensionCube
	case ViewTypeCubeArray:
		return wgpu.TextureViewDimensionCubeArray
	case ViewType3D:
		return wgpu.TextureViewDimension3D
	default:
		return wgpu.TextureViewDimension2D
	}
}

func aspectFor(a ImageAspect) wgpu.TextureAspect {
	if a == AspectDepth {
		return wgpu.TextureAspectDepthOnly
	}
	return wgpu.TextureAspectAll
}

// ValidateAccess reports whether a BoundSlot is currently cached for usage
// on the resource identified by handle.
func (r *ResourceManager) ValidateAccess(handle any, usage ResourceUsage) bool {
	switch h := handle.(type) {
	case BufferHandle:
		if entry, ok := r.buffers[h]; ok {
			_, bound := entry.bound[usage]
			return bound
		}
	case ImageHandle:
		if entry, ok := r.images[h]; ok {
			_, bound := entry.bound[usage]
			return bound
		}
	}
	return false
}

// FlushDescriptors finalizes both kind-specific descriptor tables, rebuilding
// their bind groups from every slot accumulated since the last flush.
func (r *ResourceManager) FlushDescriptors() error {
	if err := r.bufferSlots.Flush(r.device.Device()); err != nil {
		return err
	}
	if err := r.imageSlots.Flush(r.device.Device()); err != nil {
		return err
	}
	return nil
}

// Release frees every resource still owned by the manager, views first, in
// the same order FreeBuffer/FreeImage would.
func (r *ResourceManager) Release() {
	for h := range r.buffers {
		r.FreeBuffer(h)
	}
	for h := range r.images {
		r.FreeImage(h)
	}
}

// BufferDescriptorTable returns the allocator backing the bindless storage
// buffer array, used by CommandList to bind its bind group during a pass.
func (r *ResourceManager) BufferDescriptorTable() *DescriptorSlotAllocator {
	return r.bufferSlots
}

// ImageDescriptorTable returns the allocator backing the bindless storage
// image array.
func (r *ResourceManager) ImageDescriptorTable() *DescriptorSlotAllocator {
	return r.imageSlots
}
