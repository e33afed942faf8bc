package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUsageConstructionIsPure(t *testing.T) {
	kinds := []ResourceUsageKind{
		ComputeStorageRead, ComputeStorageWrite, ComputeStorageReadWrite,
		ComputeSampledRead, FragmentSampledRead, FragmentStorageRead,
		VertexShaderSampledRead, VertexBufferRead, IndexBufferRead,
		ColorAttachmentWrite, ColorAttachmentReadWrite,
		DepthStencilAttachmentWrite, DepthStencilAttachmentRead,
		TransferSrc, TransferDst, Present, UsageUndefined,
	}

	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			assert.Equal(t, NewBufferUsage(kind), NewBufferUsage(kind))
			rng := ViewRange{BaseMip: 1, MipCount: 2}
			assert.Equal(t, NewImageUsage(kind, rng), NewImageUsage(kind, rng))
		})
	}
}

func TestUsageEqualityIsStructural(t *testing.T) {
	a := NewImageUsage(ComputeStorageWrite, ViewRange{})
	b := NewImageUsage(ComputeStorageWrite, ViewRange{})
	assert.Equal(t, a, b)

	c := NewImageUsage(ComputeStorageWrite, ViewRange{BaseMip: 1})
	assert.NotEqual(t, a, c, "differing sub-ranges must not compare equal")

	d := NewImageUsage(ComputeStorageRead, ViewRange{})
	assert.NotEqual(t, a, d, "differing kinds must not compare equal")
}

func TestUsageTableRows(t *testing.T) {
	tests := []struct {
		kind   ResourceUsageKind
		stages PipelineStage
		access AccessMask
		layout ImageLayout
		aspect ImageAspect
	}{
		{ComputeStorageRead, StageCompute, AccessStorageRead, LayoutGeneral, AspectColor},
		{FragmentSampledRead, StageFragment, AccessSampledRead, LayoutShaderReadOnlyOptimal, AspectColor},
		{DepthStencilAttachmentWrite, StageEarlyLateFragmentTests, AccessDepthAttachmentWrite, LayoutDepthAttachmentOptimal, AspectDepth},
		{DepthStencilAttachmentRead, StageEarlyLateFragmentTests, AccessDepthAttachmentRead, LayoutDepthReadOnlyOptimal, AspectDepth},
		{TransferSrc, StageTransfer, AccessTransferRead, LayoutTransferSrcOptimal, AspectColor},
		{Present, StageBottomOfPipe, AccessNone, LayoutPresentSrc, AspectColor},
		{UsageUndefined, StageTopOfPipe, AccessNone, LayoutUndefined, AspectColor},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			u := NewImageUsage(tt.kind, ViewRange{})
			assert.Equal(t, tt.stages, u.Stages)
			assert.Equal(t, tt.access, u.Access)
			assert.Equal(t, tt.layout, u.Layout)
			assert.Equal(t, tt.aspect, u.Aspect)
		})
	}
}

func TestViewRangeNormalization(t *testing.T) {
	u := NewImageUsage(FragmentSampledRead, ViewRange{})
	assert.Equal(t, uint32(1), u.MipCount)
	assert.Equal(t, uint32(1), u.LayerCount)

	u = NewImageUsage(FragmentSampledRead, ViewRange{MipCount: 3, LayerCount: 6, ViewType: ViewTypeCube})
	assert.Equal(t, uint32(3), u.MipCount)
	assert.Equal(t, uint32(6), u.LayerCount)
	assert.Equal(t, ViewTypeCube, u.ViewType)
}

func TestResourceAccessConstructors(t *testing.T) {
	ba := BufferAccess(BufferHandle(7), ComputeStorageRead)
	assert.Equal(t, BufferHandle(7), ba.Buffer)
	assert.Zero(t, ba.Image)
	assert.Equal(t, ComputeStorageRead, ba.Usage.Kind)

	ia := ImageAccess(ImageHandle(9), ColorAttachmentWrite, ViewRange{})
	assert.Equal(t, ImageHandle(9), ia.Image)
	assert.Zero(t, ia.Buffer)
	assert.Contains(t, ia.String(), "image 9")
}
