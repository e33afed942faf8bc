package gpu

import "strconv"

// ResourceUsageKind enumerates every recognized access intent a task can
// declare against a buffer or image. The mapping from kind to its full
// ResourceUsage is a pure function (see NewBufferUsage/NewImageUsage); the
// table lives in usageTable below.
type ResourceUsageKind int

const (
	UsageUndefined ResourceUsageKind = iota
	ComputeStorageRead
	ComputeStorageWrite
	ComputeStorageReadWrite
	ComputeSampledRead
	FragmentSampledRead
	FragmentStorageRead
	VertexShaderSampledRead
	VertexBufferRead
	IndexBufferRead
	ColorAttachmentWrite
	ColorAttachmentReadWrite
	DepthStencilAttachmentWrite
	DepthStencilAttachmentRead
	TransferSrc
	TransferDst
	Present
)

func (k ResourceUsageKind) String() string {
	switch k {
	case ComputeStorageRead:
		return "ComputeStorageRead"
	case ComputeStorageWrite:
		return "ComputeStorageWrite"
	case ComputeStorageReadWrite:
		return "ComputeStorageReadWrite"
	case ComputeSampledRead:
		return "ComputeSampledRead"
	case FragmentSampledRead:
		return "FragmentSampledRead"
	case FragmentStorageRead:
		return "FragmentStorageRead"
	case VertexShaderSampledRead:
		return "VertexShaderSampledRead"
	case VertexBufferRead:
		return "VertexBufferRead"
	case IndexBufferRead:
		return "IndexBufferRead"
	case ColorAttachmentWrite:
		return "ColorAttachmentWrite"
	case ColorAttachmentReadWrite:
		return "ColorAttachmentReadWrite"
	case DepthStencilAttachmentWrite:
		return "DepthStencilAttachmentWrite"
	case DepthStencilAttachmentRead:
		return "DepthStencilAttachmentRead"
	case TransferSrc:
		return "TransferSrc"
	case TransferDst:
		return "TransferDst"
	case Present:
		return "Present"
	default:
		return "Undefined"
	}
}

// PipelineStage is a portable description of where in the GPU pipeline a
// resource access occurs. It is carried as part of a ResourceUsage value
// (and so of its identity as a cache key) and is not mapped onto an explicit
// barrier stage mask, since WebGPU does not expose pipeline stage barriers
// directly.
type PipelineStage int

const (
	StageNone PipelineStage = iota
	StageCompute
	StageVertex
	StageFragment
	StageVertexInput
	StageIndexInput
	StageColorOutput
	StageEarlyLateFragmentTests
	StageTransfer
	StageBottomOfPipe
	StageTopOfPipe
)

// AccessMask is a portable description of the kind of memory access a usage
// represents.
type AccessMask int

const (
	AccessNone AccessMask = iota
	AccessStorageRead
	AccessStorageWrite
	AccessStorageReadWrite
	AccessSampledRead
	AccessVertexAttributeRead
	AccessIndexRead
	AccessColorAttachmentWrite
	AccessColorAttachmentReadWrite
	AccessDepthAttachmentWrite
	AccessDepthAttachmentRead
	AccessTransferRead
	AccessTransferWrite
)

// ImageLayout is a portable description of an image's expected layout for a
// usage. WebGPU has no manual layout transition API, and ResourceManager does
// not read this value when building a wgpu.TextureViewDescriptor (views
// follow ViewType, the mip/layer range and Aspect); it is carried as part of
// the ResourceUsage identity and kept as Vulkan-flavored vocabulary per the
// external-interface note in the accompanying design document.
type ImageLayout int

const (
	LayoutUndefined ImageLayout = iota
	LayoutGeneral
	LayoutShaderReadOnlyOptimal
	LayoutColorAttachmentOptimal
	LayoutDepthAttachmentOptimal
	LayoutDepthReadOnlyOptimal
	LayoutTransferSrcOptimal
	LayoutTransferDstOptimal
	LayoutPresentSrc
)

// ImageAspect selects which sub-resource plane of an image a usage targets.
type ImageAspect int

const (
	AspectColor ImageAspect = iota
	AspectDepth
)

// ResourceUsage fully describes one access intent against a buffer or an
// image. Two usages are equivalent exactly when every field compares equal,
// which makes ResourceUsage directly usable as a map key for caching bound
// descriptor slots and image views.
type ResourceUsage struct {
	Kind ResourceUsageKind

	Stages     PipelineStage
	Access     AccessMask
	Layout     ImageLayout
	ViewType   ViewType
	BaseMip    uint32
	MipCount   uint32
	BaseLayer  uint32
	LayerCount uint32
	Aspect     ImageAspect
}

// ViewType selects the dimensionality of an image view created for a usage.
type ViewType int

const (
	ViewType2D ViewType = iota
	ViewType2DArray
	ViewTypeCube
	ViewTypeCubeArray
	ViewType3D
)

type usageRow struct {
	stages PipelineStage
	access AccessMask
	layout ImageLayout
	aspect ImageAspect
}

// usageTable is the authoritative pure mapping from ResourceUsageKind to its
// stage/access/layout/aspect tuple. NewBufferUsage and NewImageUsage both
// read from this single table, so the mapping round-trips by construction:
// equal kinds (and equal sub-range arguments) always produce equal usages.
var usageTable = map[ResourceUsageKind]usageRow{
	ComputeStorageRead:          {StageCompute, AccessStorageRead, LayoutGeneral, AspectColor},
	ComputeStorageWrite:         {StageCompute, AccessStorageWrite, LayoutGeneral, AspectColor},
	ComputeStorageReadWrite:     {StageCompute, AccessStorageReadWrite, LayoutGeneral, AspectColor},
	ComputeSampledRead:          {StageCompute, AccessSampledRead, LayoutShaderReadOnlyOptimal, AspectColor},
	FragmentSampledRead:         {StageFragment, AccessSampledRead, LayoutShaderReadOnlyOptimal, AspectColor},
	FragmentStorageRead:         {StageFragment, AccessStorageRead, LayoutGeneral, AspectColor},
	VertexShaderSampledRead:     {StageVertex, AccessSampledRead, LayoutShaderReadOnlyOptimal, AspectColor},
	VertexBufferRead:            {StageVertexInput, AccessVertexAttributeRead, LayoutUndefined, AspectColor},
	IndexBufferRead:             {StageIndexInput, AccessIndexRead, LayoutUndefined, AspectColor},
	ColorAttachmentWrite:        {StageColorOutput, AccessColorAttachmentWrite, LayoutColorAttachmentOptimal, AspectColor},
	ColorAttachmentReadWrite:    {StageColorOutput, AccessColorAttachmentReadWrite, LayoutColorAttachmentOptimal, AspectColor},
	DepthStencilAttachmentWrite: {StageEarlyLateFragmentTests, AccessDepthAttachmentWrite, LayoutDepthAttachmentOptimal, AspectDepth},
	DepthStencilAttachmentRead:  {StageEarlyLateFragmentTests, AccessDepthAttachmentRead, LayoutDepthReadOnlyOptimal, AspectDepth},
	TransferSrc:                 {StageTransfer, AccessTransferRead, LayoutTransferSrcOptimal, AspectColor},
	TransferDst:                 {StageTransfer, AccessTransferWrite, LayoutTransferDstOptimal, AspectColor},
	Present:                     {StageBottomOfPipe, AccessNone, LayoutPresentSrc, AspectColor},
	UsageUndefined:              {StageTopOfPipe, AccessNone, LayoutUndefined, AspectColor},
}

// ViewRange describes the mip/layer sub-range and view dimensionality an
// image usage addresses. The zero value selects mip 0, layer 0, a single
// mip and layer, and a 2D view — the common case for a non-array texture.
type ViewRange struct {
	ViewType   ViewType
	BaseMip    uint32
	MipCount   uint32
	BaseLayer  uint32
	LayerCount uint32
}

func (r ViewRange) normalized() ViewRange {
	if r.MipCount == 0 {
		r.MipCount = 1
	}
	if r.LayerCount == 0 {
		r.LayerCount = 1
	}
	return r
}

// ResourceAccess names one concrete resource together with the usage it is
// accessed under. Exactly one of Buffer or Image is nonzero. It is the unit a
// task declares up front and the unit a pipeline records when a handle is
// routed through the bindless table, so the two sides compare directly.
type ResourceAccess struct {
	Buffer BufferHandle
	Image  ImageHandle
	Usage  ResourceUsage
}

// BufferAccess declares an access to buffer h of the given kind.
func BufferAccess(h BufferHandle, kind ResourceUsageKind) ResourceAccess {
	return ResourceAccess{Buffer: h, Usage: NewBufferUsage(kind)}
}

// ImageAccess declares an access to image h of the given kind over rng.
func ImageAccess(h ImageHandle, kind ResourceUsageKind, rng ViewRange) ResourceAccess {
	return ResourceAccess{Image: h, Usage: NewImageUsage(kind, rng)}
}

// String renders the access for log output.
func (a ResourceAccess) String() string {
	if a.Buffer != 0 {
		return "buffer " + strconv.FormatUint(uint64(a.Buffer), 10) + " as " + a.Usage.Kind.String()
	}
	return "image " + strconv.FormatUint(uint64(a.Image), 10) + " as " + a.Usage.Kind.String()
}

// NewBufferUsage constructs the ResourceUsage for a buffer access of the
// given kind. It is a pure function of kind: identical kinds always produce
// structurally equal usages.
func NewBufferUsage(kind ResourceUsageKind) ResourceUsage {
	row := usageTable[kind]
	return ResourceUsage{
		Kind:   kind,
		Stages: row.stages,
		Access: row.access,
		Layout: LayoutUndefined,
		Aspect: row.aspect,
	}
}

// NewImageUsage constructs the ResourceUsage for an image access of the
// given kind over the given sub-range. Like NewBufferUsage, it is pure:
// identical kind+range inputs always produce structurally equal usages.
func NewImageUsage(kind ResourceUsageKind, rng ViewRange) ResourceUsage {
	row := usageTable[kind]
	rng = rng.normalized()
	return ResourceUsage{
		Kind:       kind,
		Stages:     row.stages,
		Access:     row.access,
		Layout:     row.layout,
		Aspect:     row.aspect,
		ViewType:   rng.ViewType,
		BaseMip:    rng.BaseMip,
		MipCount:   rng.MipCount,
		BaseLayer:  rng.BaseLayer,
		LayerCount: rng.LayerCount,
	}
}
