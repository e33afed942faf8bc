package gpu

import (
	"fmt"
	"log"
	"unsafe"

	"github.com/Carmen-Shannon/gpu-taskgraph/common"
	"github.com/cogentcore/webgpu/wgpu"
)

// PipelineKind identifies whether a pipeline entry is a compute pipeline or a
// graphics (render) pipeline.
type PipelineKind int

const (
	PipelineKindCompute PipelineKind = iota
	PipelineKindGraphics
)

// ComputePipelineInfo describes a compute pipeline to compile. Source, when
// non-empty, is used as the translation unit directly and Path serves only as
// the cache key; otherwise Path is resolved against the virtual-file registry
// and the search paths.
type ComputePipelineInfo struct {
	Path      string
	Source    string
	DebugName string
}

// GraphicsPipelineInfo describes a graphics pipeline to compile from a vertex
// and a fragment shader. The inline-source/path split works per shader the
// same way it does for ComputePipelineInfo.
type GraphicsPipelineInfo struct {
	VertexPath     string
	VertexSource   string
	FragmentPath   string
	FragmentSource string

	// ColorFormat is the render target format; zero selects RGBA8Unorm.
	ColorFormat wgpu.TextureFormat
	// DepthFormat, when nonzero, enables a depth attachment of that format.
	DepthFormat wgpu.TextureFormat

	Topology  wgpu.PrimitiveTopology
	CullMode  wgpu.CullMode
	DebugName string
}

// pipelineEntry is one cached pipeline: a stable handle plus everything that
// is replaced in place on recompile.
type pipelineEntry struct {
	handle  PipelineHandle
	key     string
	kind    PipelineKind
	version uint64

	// source is the fully pre-processed WGSL this entry was last built from.
	// For graphics pipelines it is the vertex unit followed by the fragment
	// unit.
	source []byte

	compute *wgpu.ComputePipeline
	render  *wgpu.RenderPipeline

	entryPoint    string
	workgroupSize [3]uint32

	uniforms         map[string]uniformField
	uniformBuffer    *wgpu.Buffer
	uniformBindGroup *wgpu.BindGroup
	uniformGroupIdx  int

	bound map[ResourceAccess]struct{}
}

// PipelineManager compiles WGSL shader source into GPU pipelines, assigns
// stable handles that survive recompilation, reflects uniform layouts for
// typed addressing, and tracks which resources each pipeline has been
// parameterized with during the current command list. Not safe for concurrent
// mutation; a single owner goroutine drives it.
type PipelineManager struct {
	device    *GPUDevice
	resources *ResourceManager

	pp *shaderPreProcessor

	// processed caches pre-processed source per path; invalidated whenever a
	// define or virtual file changes, which is what "invalidating the
	// compiler session" means for this backend.
	processed map[string]string

	entries  map[string]*pipelineEntry
	byHandle map[PipelineHandle]*pipelineEntry
}

// NewPipelineManager creates a PipelineManager bound to device and resources.
// Panics if either dependency is nil, matching this codebase's convention for
// required constructor dependencies.
func NewPipelineManager(device *GPUDevice, resources *ResourceManager) *PipelineManager {
	if device == nil {
		panic("gpu: NewPipelineManager requires a non-nil GPUDevice")
	}
	if resources == nil {
		panic("gpu: NewPipelineManager requires a non-nil ResourceManager")
	}
	return &PipelineManager{
		device:    device,
		resources: resources,
		pp:        newShaderPreProcessor(),
		processed: make(map[string]string),
		entries:   make(map[string]*pipelineEntry),
		byHandle:  make(map[PipelineHandle]*pipelineEntry),
	}
}

// SetDefine records a preprocessor key/value pair and invalidates the compile
// session so the next compile re-processes its sources with the new value.
func (m *PipelineManager) SetDefine(name, value string) {
	m.pp.defines[name] = value
	m.processed = make(map[string]string)
}

// SetVirtualFile registers a synthetic source file resolved before the
// filesystem search paths, and invalidates the compile session.
func (m *PipelineManager) SetVirtualFile(path, contents string) {
	m.pp.virtualFiles[path] = contents
	m.processed = make(map[string]string)
}

// AddSearchPath appends a directory to the shader source search paths.
func (m *PipelineManager) AddSearchPath(dir string) {
	m.pp.searchPaths = append(m.pp.searchPaths, dir)
}

// prepareUnit resolves and pre-processes one translation unit. Inline source
// bypasses resolution but still goes through the pre-processor, so defines
// apply to it too.
func (m *PipelineManager) prepareUnit(path, inline string) (string, error) {
	if inline == "" {
		if cached, ok := m.processed[path]; ok {
			return cached, nil
		}
	}

	source := inline
	if source == "" {
		resolved, err := m.pp.resolve(path)
		if err != nil {
			return "", err
		}
		source = resolved
	}

	processed, err := m.pp.process(source)
	if err != nil {
		return "", err
	}
	if inline == "" {
		m.processed[path] = processed
	}
	return processed, nil
}

// entryFor returns the pipeline entry for key, creating a fresh one with a
// new stable handle on first use. The handle is preserved across recompiles;
// only version and the compiled state change.
func (m *PipelineManager) entryFor(key string, kind PipelineKind) *pipelineEntry {
	if e, ok := m.entries[key]; ok {
		return e
	}
	e := &pipelineEntry{
		handle: PipelineHandle(nextHandle()),
		key:    key,
		kind:   kind,
		bound:  make(map[ResourceAccess]struct{}),
	}
	m.entries[key] = e
	m.byHandle[e.handle] = e
	return e
}

// CompileComputePipeline compiles the compute shader named by info, reflects
// its uniform layout, and stores or updates the pipeline entry keyed by its
// source path. A second compile for the same path returns the same handle
// with a bumped version and a fresh compiled blob. Diagnostics come back
// prefixed by the shader name.
func (m *PipelineManager) CompileComputePipeline(info ComputePipelineInfo) (PipelineHandle, error) {
	name := common.Coalesce(info.DebugName, info.Path)

	source, err := m.prepareUnit(info.Path, info.Source)
	if err != nil {
		m.device.Stats().CountBindingError()
		return 0, fmt.Errorf("%s: %w", name, err)
	}

	entryPoint := parseEntryPoint(source, stageKindCompute)
	if entryPoint == "" {
		return 0, fmt.Errorf("%s: no @compute entry point found", name)
	}

	module, err := m.device.Device().CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label: name,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{
			Code: source,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}

	layout, err := m.pipelineLayout(name, parseBindGroupLayouts(source, wgpu.ShaderStageCompute))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}

	created, err := m.device.Device().CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  name + " Compute Pipeline",
		Layout: layout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: entryPoint,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}

	e := m.entryFor(info.Path+"#compute", PipelineKindCompute)
	if e.compute != nil {
		e.compute.Release()
	}
	e.compute = created
	e.version++
	e.source = []byte(source)
	e.entryPoint = entryPoint
	e.workgroupSize = parseWorkgroupSize(source)
	e.uniforms = parseUniformFields(source)
	m.ensureUniformBacking(e, source, wgpu.ShaderStageCompute, name)

	return e.handle, nil
}

// CompileGraphicsPipeline compiles the vertex+fragment pair named by info into
// a render pipeline. The entry is keyed by both source paths, so recompiling
// either shader maps back to the same stable handle.
func (m *PipelineManager) CompileGraphicsPipeline(info GraphicsPipelineInfo) (PipelineHandle, error) {
	name := common.Coalesce(info.DebugName, info.VertexPath+"+"+info.FragmentPath)

	vsSource, err := m.prepareUnit(info.VertexPath, info.VertexSource)
	if err != nil {
		m.device.Stats().CountBindingError()
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	fsSource, err := m.prepareUnit(info.FragmentPath, info.FragmentSource)
	if err != nil {
		m.device.Stats().CountBindingError()
		return 0, fmt.Errorf("%s: %w", name, err)
	}

	vsEntry := parseEntryPoint(vsSource, stageKindVertex)
	if vsEntry == "" {
		return 0, fmt.Errorf("%s: no @vertex entry point found", name)
	}
	fsEntry := parseEntryPoint(fsSource, stageKindFragment)
	if fsEntry == "" {
		return 0, fmt.Errorf("%s: no @fragment entry point found", name)
	}

	vs, err := m.device.Device().CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label: name + " VS",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{
			Code: vsSource,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	fs, err := m.device.Device().CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label: name + " FS",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{
			Code: fsSource,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}

	merged := mergeBindGroupLayouts(
		parseBindGroupLayouts(vsSource, wgpu.ShaderStageVertex),
		parseBindGroupLayouts(fsSource, wgpu.ShaderStageFragment),
	)
	layout, err := m.pipelineLayout(name, merged)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}

	colorFormat := info.ColorFormat
	if colorFormat == wgpu.TextureFormatUndefined {
		colorFormat = wgpu.TextureFormatRGBA8Unorm
	}
	topology := info.Topology
	if topology == wgpu.PrimitiveTopology(0) {
		topology = wgpu.PrimitiveTopologyTriangleList
	}

	desc := &wgpu.RenderPipelineDescriptor{
		Label:  name + " Render Pipeline",
		Layout: layout,
		Vertex: wgpu.VertexState{
			Module:     vs,
			EntryPoint: vsEntry,
			Buffers:    parseVertexLayouts(vsSource),
		},
		Fragment: &wgpu.FragmentState{
			Module:     fs,
			EntryPoint: fsEntry,
			Targets: []wgpu.ColorTargetState{{
				Format:    colorFormat,
				WriteMask: wgpu.ColorWriteMaskAll,
			}},
		},
		Primitive: wgpu.PrimitiveState{
			Topology:  topology,
			FrontFace: wgpu.FrontFaceCCW,
			CullMode:  info.CullMode,
		},
		Multisample: wgpu.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	}
	if info.DepthFormat != wgpu.TextureFormatUndefined {
		desc.DepthStencil = &wgpu.DepthStencilState{
			Format:            info.DepthFormat,
			DepthWriteEnabled: true,
			DepthCompare:      wgpu.CompareFunctionLess,
			StencilFront: wgpu.StencilFaceState{
				Compare: wgpu.CompareFunctionAlways,
			},
			StencilBack: wgpu.StencilFaceState{
				Compare: wgpu.CompareFunctionAlways,
			},
		}
	}

	created, err := m.device.Device().CreateRenderPipeline(desc)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}

	combined := vsSource + "\n" + fsSource

	e := m.entryFor(info.VertexPath+"+"+info.FragmentPath+"#graphics", PipelineKindGraphics)
	if e.render != nil {
		e.render.Release()
	}
	e.render = created
	e.version++
	e.source = []byte(combined)
	e.entryPoint = vsEntry
	e.uniforms = parseUniformFields(combined)
	m.ensureUniformBacking(e, combined, wgpu.ShaderStageVertex|wgpu.ShaderStageFragment, name)

	return e.handle, nil
}

// pipelineLayout builds an explicit pipeline layout from reflected bind group
// descriptors, mirroring how reflected layouts drive pipeline creation
// elsewhere in this codebase. Gaps in the group numbering get empty layouts.
func (m *PipelineManager) pipelineLayout(name string, descriptors map[int]wgpu.BindGroupLayoutDescriptor) (*wgpu.PipelineLayout, error) {
	maxGroup := -1
	for g := range descriptors {
		if g > maxGroup {
			maxGroup = g
		}
	}

	layouts := make([]*wgpu.BindGroupLayout, maxGroup+1)
	for g := 0; g <= maxGroup; g++ {
		desc, ok := descriptors[g]
		if !ok {
			desc = wgpu.BindGroupLayoutDescriptor{}
		}
		layout, err := m.device.Device().CreateBindGroupLayout(&desc)
		if err != nil {
			return nil, fmt.Errorf("create bind group layout for group %d: %w", g, err)
		}
		layouts[g] = layout
	}

	return m.device.Device().CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            name,
		BindGroupLayouts: layouts,
	})
}

// mergeBindGroupLayouts unions two reflected layout maps, concatenating the
// entries of groups present in both. Duplicate bindings keep the first
// occurrence; WGSL validation rejects genuinely conflicting redeclarations
// before this point.
func mergeBindGroupLayouts(a, b map[int]wgpu.BindGroupLayoutDescriptor) map[int]wgpu.BindGroupLayoutDescriptor {
	merged := make(map[int]wgpu.BindGroupLayoutDescriptor, len(a)+len(b))
	for g, desc := range a {
		merged[g] = desc
	}
	for g, desc := range b {
		existing, ok := merged[g]
		if !ok {
			merged[g] = desc
			continue
		}
		seen := make(map[uint32]bool, len(existing.Entries))
		for _, e := range existing.Entries {
			seen[e.Binding] = true
		}
		for _, e := range desc.Entries {
			if !seen[e.Binding] {
				existing.Entries = append(existing.Entries, e)
			}
		}
		merged[g] = existing
	}
	return merged
}

// ensureUniformBacking creates (once per entry) the GPU buffer and bind group
// that back the pipeline's reflected var<uniform> block, when the shader
// declares exactly one and it sits alone in its group. Uniform writes
// recorded through a BoundPipelineScope land in this buffer.
func (m *PipelineManager) ensureUniformBacking(e *pipelineEntry, source string, visibility wgpu.ShaderStage, name string) {
	if e.uniformBuffer != nil || len(e.uniforms) == 0 {
		return
	}

	groupIdx, desc := singleUniformGroup(parseBindGroupLayouts(source, visibility))
	if desc == nil {
		return
	}

	size := desc.Entries[0].Buffer.MinBindingSize
	if size == 0 {
		return
	}

	buf, err := m.device.Device().CreateBuffer(&wgpu.BufferDescriptor{
		Label: name + " Uniforms",
		Size:  size,
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		log.Printf("[PipelineManager] create uniform buffer for %s failed: %v", name, err)
		return
	}

	layout, err := m.device.Device().CreateBindGroupLayout(desc)
	if err != nil {
		log.Printf("[PipelineManager] create uniform layout for %s failed: %v", name, err)
		return
	}
	group, err := m.device.Device().CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  name + " Uniform BindGroup",
		Layout: layout,
		Entries: []wgpu.BindGroupEntry{{
			Binding: desc.Entries[0].Binding,
			Buffer:  buf,
			Size:    size,
		}},
	})
	if err != nil {
		log.Printf("[PipelineManager] create uniform bind group for %s failed: %v", name, err)
		return
	}

	e.uniformBuffer = buf
	e.uniformBindGroup = group
	e.uniformGroupIdx = groupIdx
}

// singleUniformGroup finds a reflected group consisting of exactly one
// uniform-buffer entry, or nil when no such group exists.
func singleUniformGroup(descriptors map[int]wgpu.BindGroupLayoutDescriptor) (int, *wgpu.BindGroupLayoutDescriptor) {
	for g, desc := range descriptors {
		if len(desc.Entries) == 1 && desc.Entries[0].Buffer.Type == wgpu.BufferBindingTypeUniform {
			return g, &desc
		}
	}
	return 0, nil
}

// GetUniform resolves name via h's reflected uniform layout to a typed
// addressing triple with no payload. Fails softly: an unknown pipeline,
// unknown name, or a T whose in-memory size disagrees with the reflected
// field logs at error level and yields the zero ShaderUniform.
//
// BufferHandle and ImageHandle payloads address u32 fields: the shader only
// ever sees the bindless slot index, which the scope recorder extracts when
// the handle is routed through the descriptor table.
func GetUniform[T any](m *PipelineManager, h PipelineHandle, name string) ShaderUniform[T] {
	e, ok := m.byHandle[h]
	if !ok {
		log.Printf("[PipelineManager] GetUniform: unknown pipeline %d", h)
		m.device.Stats().CountNotFound()
		return ShaderUniform[T]{}
	}
	field, ok := e.uniforms[name]
	if !ok {
		log.Printf("[PipelineManager] GetUniform: pipeline %q has no uniform %q", e.key, name)
		m.device.Stats().CountBindingError()
		return ShaderUniform[T]{}
	}
	var probe T
	expected := uint64(unsafe.Sizeof(probe))
	switch any(probe).(type) {
	case BufferHandle, ImageHandle:
		expected = 4
	}
	if expected != field.size {
		log.Printf("[PipelineManager] GetUniform: size mismatch for %q: shader declares %d bytes, caller type has %d",
			name, field.size, expected)
		m.device.Stats().CountBindingError()
		return ShaderUniform[T]{}
	}
	return ShaderUniform[T]{Pipeline: h, Offset: field.offset}
}

// GetPipelineVersion returns the entry's compile counter, or 0 for an unknown
// handle. The version strictly increases across successful recompiles of the
// same source.
func (m *PipelineManager) GetPipelineVersion(h PipelineHandle) uint64 {
	if e, ok := m.byHandle[h]; ok {
		return e.version
	}
	return 0
}

// GetPipelineSource returns the pre-processed WGSL the pipeline was last
// compiled from, or nil for an unknown handle. Live-reload integrations and
// tests use this to observe that a recompile produced a different blob.
func (m *PipelineManager) GetPipelineSource(h PipelineHandle) []byte {
	if e, ok := m.byHandle[h]; ok {
		return e.source
	}
	return nil
}

// WorkgroupSize returns the @workgroup_size of a compute pipeline, or
// [1,1,1] for unknown or graphics handles.
func (m *PipelineManager) WorkgroupSize(h PipelineHandle) [3]uint32 {
	if e, ok := m.byHandle[h]; ok && e.kind == PipelineKindCompute {
		return e.workgroupSize
	}
	return [3]uint32{1, 1, 1}
}

// IsGraphicsPipeline reports whether h names a graphics pipeline.
func (m *PipelineManager) IsGraphicsPipeline(h PipelineHandle) bool {
	e, ok := m.byHandle[h]
	return ok && e.kind == PipelineKindGraphics
}

// Has reports whether h names a known pipeline.
func (m *PipelineManager) Has(h PipelineHandle) bool {
	_, ok := m.byHandle[h]
	return ok
}

// BindPipeline binds h's GPU pipeline to the passed pass encoder (a
// *wgpu.ComputePassEncoder or *wgpu.RenderPassEncoder), along with its
// uniform bind group when one is backing the entry. Returns false when the
// handle is unknown or the encoder type does not match the pipeline kind.
func (m *PipelineManager) BindPipeline(h PipelineHandle, encoder any) bool {
	e, ok := m.byHandle[h]
	if !ok {
		log.Printf("[PipelineManager] BindPipeline: unknown pipeline %d", h)
		m.device.Stats().CountNotFound()
		return false
	}

	switch pass := encoder.(type) {
	case *wgpu.ComputePassEncoder:
		if e.compute == nil {
			return false
		}
		pass.SetPipeline(e.compute)
		if e.uniformBindGroup != nil {
			pass.SetBindGroup(uint32(e.uniformGroupIdx), e.uniformBindGroup, nil)
		}
	case *wgpu.RenderPassEncoder:
		if e.render == nil {
			return false
		}
		pass.SetPipeline(e.render)
		if e.uniformBindGroup != nil {
			pass.SetBindGroup(uint32(e.uniformGroupIdx), e.uniformBindGroup, nil)
		}
	default:
		return false
	}
	return true
}

// uniformBufferFor returns the buffer backing h's uniform block, or nil.
func (m *PipelineManager) uniformBufferFor(h PipelineHandle) *wgpu.Buffer {
	if e, ok := m.byHandle[h]; ok {
		return e.uniformBuffer
	}
	return nil
}

// RecordBoundResource adds access to h's bound-resource set. The task graph's
// post-task validator compares this set against the task's declared accesses.
func (m *PipelineManager) RecordBoundResource(h PipelineHandle, access ResourceAccess) {
	if e, ok := m.byHandle[h]; ok {
		e.bound[access] = struct{}{}
	}
}

// GetBoundResources returns a copy of h's bound-resource set.
func (m *PipelineManager) GetBoundResources(h PipelineHandle) map[ResourceAccess]struct{} {
	out := make(map[ResourceAccess]struct{})
	if e, ok := m.byHandle[h]; ok {
		for a := range e.bound {
			out[a] = struct{}{}
		}
	}
	return out
}

// AllBoundResources unions every pipeline's bound-resource set. Because the
// sets are cleared each time a new CommandList is constructed, the union
// reflects exactly what the current task's body bound.
func (m *PipelineManager) AllBoundResources() map[ResourceAccess]struct{} {
	out := make(map[ResourceAccess]struct{})
	for _, e := range m.byHandle {
		for a := range e.bound {
			out[a] = struct{}{}
		}
	}
	return out
}

// ClearBoundResources empties every pipeline's bound-resource set. Called
// when the associated CommandList is replaced, not per bind.
func (m *PipelineManager) ClearBoundResources() {
	for _, e := range m.byHandle {
		clear(e.bound)
	}
}

// FlushDescriptors forwards to the resource manager's descriptor flush; the
// resource manager owns the bindless tables in this codebase.
func (m *PipelineManager) FlushDescriptors() error {
	return m.resources.FlushDescriptors()
}

// Release destroys every compiled pipeline and its uniform backing. Handles
// held by callers become unknown afterwards.
func (m *PipelineManager) Release() {
	for _, e := range m.entries {
		if e.compute != nil {
			e.compute.Release()
		}
		if e.render != nil {
			e.render.Release()
		}
		if e.uniformBindGroup != nil {
			e.uniformBindGroup.Release()
		}
		if e.uniformBuffer != nil {
			e.uniformBuffer.Release()
		}
	}
	m.entries = make(map[string]*pipelineEntry)
	m.byHandle = make(map[PipelineHandle]*pipelineEntry)
}
