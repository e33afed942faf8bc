package gpu

import (
	"testing"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferLifecycle(t *testing.T) {
	_, resources, _ := newTestManagers(t, 16, 16)

	h := resources.CreateBuffer(BufferDesc{
		Size:      16,
		Usage:     wgpu.BufferUsageStorage,
		DebugName: "lifecycle",
	})
	require.NotZero(t, h)
	require.NotNil(t, resources.GetBuffer(h))

	resources.FreeBuffer(h)
	assert.Nil(t, resources.GetBuffer(h), "freed handle must resolve to nil")
}

func TestHandleUniqueness(t *testing.T) {
	_, resources, _ := newTestManagers(t, 16, 16)

	seen := make(map[BufferHandle]bool)
	for i := 0; i < 8; i++ {
		h := resources.CreateBuffer(BufferDesc{Size: 4, Usage: wgpu.BufferUsageStorage})
		require.NotZero(t, h)
		assert.False(t, seen[h], "handle %d reused", h)
		seen[h] = true
	}

	img := resources.CreateImage(ImageDesc{
		Width: 4, Height: 4,
		Format: wgpu.TextureFormatRGBA8Unorm,
		Usage:  wgpu.TextureUsageStorageBinding,
	})
	require.NotZero(t, img)
}

func TestBufferRoundTrip(t *testing.T) {
	_, resources, _ := newTestManagers(t, 16, 16)

	h := resources.CreateBuffer(BufferDesc{
		Size:        4,
		Usage:       wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
		HostVisible: true,
		DebugName:   "roundtrip",
	})
	require.NotZero(t, h)

	src := []byte{0x44, 0x33, 0x22, 0x11}
	written := resources.UploadToBuffer(h, src)
	require.Equal(t, 4, written)

	out := make([]byte, 4)
	read := resources.ReadFromBuffer(h, out)
	require.Equal(t, 4, read)
	assert.Equal(t, src, out)
}

func TestHostAccessRequiresHostVisible(t *testing.T) {
	_, resources, _ := newTestManagers(t, 16, 16)

	h := resources.CreateBuffer(BufferDesc{Size: 4, Usage: wgpu.BufferUsageStorage})
	require.NotZero(t, h)

	out := captureLog(t, func() {
		n := resources.UploadToBuffer(h, []byte{1, 2, 3, 4})
		assert.Zero(t, n)
	})
	assert.Contains(t, out, "not host-accessible")
}

func TestBindResourceIdempotent(t *testing.T) {
	_, resources, _ := newTestManagers(t, 16, 16)

	h := resources.CreateBuffer(BufferDesc{Size: 16, Usage: wgpu.BufferUsageStorage})
	require.NotZero(t, h)

	usage := NewBufferUsage(ComputeStorageRead)
	id1, ok := resources.BindResource(h, usage)
	require.True(t, ok)
	id2, ok := resources.BindResource(h, usage)
	require.True(t, ok)
	assert.Equal(t, id1, id2, "rebinding the same usage must return the cached slot id")

	// A different usage on the same buffer takes its own slot.
	id3, ok := resources.BindResource(h, NewBufferUsage(ComputeStorageWrite))
	require.True(t, ok)
	assert.NotEqual(t, id1, id3)

	assert.True(t, resources.ValidateAccess(h, usage))
	assert.False(t, resources.ValidateAccess(h, NewBufferUsage(FragmentStorageRead)))
}

func TestSlotExhaustion(t *testing.T) {
	_, resources, _ := newTestManagers(t, 4, 4)

	usage := NewBufferUsage(ComputeStorageRead)
	for i := 0; i < 4; i++ {
		h := resources.CreateBuffer(BufferDesc{Size: 16, Usage: wgpu.BufferUsageStorage})
		require.NotZero(t, h)
		_, ok := resources.BindResource(h, usage)
		require.True(t, ok)
	}

	h := resources.CreateBuffer(BufferDesc{Size: 16, Usage: wgpu.BufferUsageStorage})
	require.NotZero(t, h)
	out := captureLog(t, func() {
		_, ok := resources.BindResource(h, usage)
		assert.False(t, ok)
	})
	assert.Contains(t, out, "allocate a slot")
}

func TestFreeBufferReleasesSlots(t *testing.T) {
	_, resources, _ := newTestManagers(t, 1, 1)

	usage := NewBufferUsage(ComputeStorageRead)

	h1 := resources.CreateBuffer(BufferDesc{Size: 16, Usage: wgpu.BufferUsageStorage})
	_, ok := resources.BindResource(h1, usage)
	require.True(t, ok)

	// The single slot is taken; a second buffer cannot bind.
	h2 := resources.CreateBuffer(BufferDesc{Size: 16, Usage: wgpu.BufferUsageStorage})
	_, ok = resources.BindResource(h2, usage)
	require.False(t, ok)

	// Freeing the first buffer releases its slot for reuse.
	resources.FreeBuffer(h1)
	_, ok = resources.BindResource(h2, usage)
	assert.True(t, ok)
}

func TestBindUnknownHandle(t *testing.T) {
	_, resources, _ := newTestManagers(t, 4, 4)

	out := captureLog(t, func() {
		_, ok := resources.BindResource(BufferHandle(12345), NewBufferUsage(ComputeStorageRead))
		assert.False(t, ok)
	})
	assert.Contains(t, out, "unknown buffer handle")
}

func TestImageViewCaching(t *testing.T) {
	_, resources, _ := newTestManagers(t, 4, 4)

	h := resources.CreateImage(ImageDesc{
		Width: 8, Height: 8,
		Format: wgpu.TextureFormatRGBA8Unorm,
		Usage:  wgpu.TextureUsageStorageBinding | wgpu.TextureUsageTextureBinding,
	})
	require.NotZero(t, h)

	usage := NewImageUsage(ComputeStorageWrite, ViewRange{})
	v1, ok := resources.ImageView(h, usage)
	require.True(t, ok)
	v2, ok := resources.ImageView(h, usage)
	require.True(t, ok)
	assert.Same(t, v1, v2, "views are cached per exact usage")

	v3, ok := resources.ImageView(h, NewImageUsage(ComputeSampledRead, ViewRange{}))
	require.True(t, ok)
	assert.NotSame(t, v1, v3, "different usages get their own views")
}

func TestDescriptorFlush(t *testing.T) {
	_, resources, _ := newTestManagers(t, 4, 4)

	h := resources.CreateBuffer(BufferDesc{Size: 16, Usage: wgpu.BufferUsageStorage})
	_, ok := resources.BindResource(h, NewBufferUsage(ComputeStorageRead))
	require.True(t, ok)

	require.NoError(t, resources.FlushDescriptors())
	assert.NotNil(t, resources.BufferDescriptorTable().BindGroup())
}
