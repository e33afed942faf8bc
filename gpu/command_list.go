package gpu

import (
	"fmt"
	"log"

	"github.com/Carmen-Shannon/gpu-taskgraph/common"
	"github.com/cogentcore/webgpu/wgpu"
)

// DynamicState enumerates the pipeline state a BoundPipelineScope can change
// between draws. The enum is closed; SetDynamicState panics on anything else.
type DynamicState int

const (
	DynamicStateViewport DynamicState = iota
	DynamicStateScissor
)

// Viewport is the payload for DynamicStateViewport.
type Viewport struct {
	X, Y, Width, Height float32
	MinDepth, MaxDepth  float32
}

// ScissorRect is the payload for DynamicStateScissor.
type ScissorRect struct {
	X, Y, Width, Height uint32
}

// RenderPassColor describes one color attachment of a render pass: the image,
// the usage to view it under, and its load behavior.
type RenderPassColor struct {
	Image      ImageHandle
	Usage      ResourceUsage
	LoadOp     wgpu.LoadOp
	ClearValue wgpu.Color
}

// RenderPassDepthStencil describes the optional depth attachment.
type RenderPassDepthStencil struct {
	Image      ImageHandle
	Usage      ResourceUsage
	LoadOp     wgpu.LoadOp
	ClearDepth float32
}

// RenderPassInfo describes the attachments BeginRenderPass binds.
type RenderPassInfo struct {
	Name         string
	Colors       []RenderPassColor
	DepthStencil *RenderPassDepthStencil
}

// DependencyInfo is a portable description of an execution/memory dependency
// between two sets of pipeline stages. PipelineBarrier accepts it as an
// explicit pass-through; the backend tracks hazards internally and no barrier
// command is recorded.
type DependencyInfo struct {
	SrcStages PipelineStage
	DstStages PipelineStage
	SrcAccess AccessMask
	DstAccess AccessMask
}

// CommandList is the recorder handed to a task body. It wraps the frame's
// command encoder together with the managers a task needs to bind pipelines
// and resources, carries a copy of the current SimulationState, and enforces
// render-pass and debug-marker scoping.
type CommandList struct {
	name      string
	device    *GPUDevice
	pipelines *PipelineManager
	resources *ResourceManager
	encoder   *wgpu.CommandEncoder
	state     SimulationState

	renderPass     *wgpu.RenderPassEncoder
	renderPassOpen bool
	markerDepth    int
	closed         bool
}

// NewCommandList wraps encoder in a recorder labeled name. Construction
// clears every pipeline's bound-resource set — the sets accumulate per
// command list, so replacing the list starts them fresh — and opens a debug
// group wrapping the whole list. Panics on nil required dependencies.
func NewCommandList(name string, device *GPUDevice, pipelines *PipelineManager, resources *ResourceManager, encoder *wgpu.CommandEncoder, state SimulationState) *CommandList {
	if device == nil || pipelines == nil || resources == nil || encoder == nil {
		panic("gpu: NewCommandList requires non-nil device, managers and encoder")
	}

	pipelines.ClearBoundResources()
	encoder.PushDebugGroup(name)

	return &CommandList{
		name:      name,
		device:    device,
		pipelines: pipelines,
		resources: resources,
		encoder:   encoder,
		state:     state,
	}
}

// State returns the simulation state captured when this list was created.
func (c *CommandList) State() *SimulationState {
	return &c.state
}

// Close ends the list's wrapping debug group. A render pass still open at
// close is ended and logged as an error; unbalanced debug markers are popped
// and logged as an error. Idempotent.
func (c *CommandList) Close() {
	if c.closed {
		return
	}
	c.closed = true

	if c.renderPassOpen {
		log.Printf("[CommandList] %s: render pass still open at end of task; ending it", c.name)
		c.device.Stats().CountContractViolation()
		c.renderPass.End()
		c.renderPass = nil
		c.renderPassOpen = false
	}
	for c.markerDepth > 0 {
		log.Printf("[CommandList] %s: debug marker still open at end of task", c.name)
		c.device.Stats().CountContractViolation()
		c.encoder.PopDebugGroup()
		c.markerDepth--
	}
	c.encoder.PopDebugGroup()
}

// BoundPipelineScope routes uniform writes, dynamic state, dispatches and
// draws to one bound pipeline. The scope captures whether the pipeline is
// graphics and whether a render pass was open at bind time; a scope created
// in an invalid combination carries that diagnostic and drops every
// subsequent operation.
type BoundPipelineScope struct {
	list     *CommandList
	pipeline PipelineHandle
	graphics bool
	err      error
}

// BindPipeline starts a scope for h. Binding a compute pipeline while a
// render pass is open is a contract violation: the scope is returned inert,
// carrying the diagnostic.
func (c *CommandList) BindPipeline(h PipelineHandle) *BoundPipelineScope {
	s := &BoundPipelineScope{list: c, pipeline: h}

	if !c.pipelines.Has(h) {
		s.err = fmt.Errorf("unknown pipeline %d", h)
		log.Printf("[CommandList] %s: %v", c.name, s.err)
		c.device.Stats().CountNotFound()
		return s
	}

	s.graphics = c.pipelines.IsGraphicsPipeline(h)
	if !s.graphics && c.renderPassOpen {
		s.err = fmt.Errorf("cannot bind compute pipeline inside render pass")
		log.Printf("[CommandList] %s: %v", c.name, s.err)
		c.device.Stats().CountContractViolation()
		return s
	}

	if s.graphics && c.renderPassOpen {
		c.pipelines.BindPipeline(h, c.renderPass)
	}
	return s
}

// Err returns the diagnostic the scope was created with, if any.
func (s *BoundPipelineScope) Err() error {
	return s.err
}

// Dispatch records a compute dispatch of the given workgroup counts. Allowed
// iff the pipeline is compute and no render pass is open; otherwise the
// operation is dropped and the diagnostic returned.
func (s *BoundPipelineScope) Dispatch(x, y, z uint32) error {
	if s.err != nil {
		return s.err
	}
	if s.graphics {
		err := fmt.Errorf("cannot dispatch with a graphics pipeline")
		log.Printf("[CommandList] %s: %v", s.list.name, err)
		s.list.device.Stats().CountContractViolation()
		return err
	}
	if s.list.renderPassOpen {
		err := fmt.Errorf("cannot dispatch inside a render pass")
		log.Printf("[CommandList] %s: %v", s.list.name, err)
		s.list.device.Stats().CountContractViolation()
		return err
	}

	pass := s.list.encoder.BeginComputePass(nil)
	if !s.list.pipelines.BindPipeline(s.pipeline, pass) {
		pass.End()
		return fmt.Errorf("failed to bind pipeline %d", s.pipeline)
	}
	s.list.bindDescriptorTables(pass)
	pass.DispatchWorkgroups(x, y, z)
	pass.End()
	return nil
}

// Draw records a non-indexed draw. Allowed iff the pipeline is graphics and a
// render pass is open.
func (s *BoundPipelineScope) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) error {
	if err := s.checkDraw("draw"); err != nil {
		return err
	}
	s.list.pipelines.BindPipeline(s.pipeline, s.list.renderPass)
	s.list.renderPass.Draw(vertexCount, instanceCount, firstVertex, firstInstance)
	return nil
}

// DrawIndexed records an indexed draw under the same rules as Draw.
func (s *BoundPipelineScope) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) error {
	if err := s.checkDraw("draw indexed"); err != nil {
		return err
	}
	s.list.pipelines.BindPipeline(s.pipeline, s.list.renderPass)
	s.list.renderPass.DrawIndexed(indexCount, instanceCount, firstIndex, baseVertex, firstInstance)
	return nil
}

func (s *BoundPipelineScope) checkDraw(op string) error {
	if s.err != nil {
		return s.err
	}
	if !s.graphics {
		err := fmt.Errorf("cannot %s with a compute pipeline", op)
		log.Printf("[CommandList] %s: %v", s.list.name, err)
		s.list.device.Stats().CountContractViolation()
		return err
	}
	if !s.list.renderPassOpen {
		err := fmt.Errorf("Cannot draw outside of a render pass")
		log.Printf("[CommandList] %s: %v", s.list.name, err)
		s.list.device.Stats().CountContractViolation()
		return err
	}
	return nil
}

// SetDynamicState applies viewport or scissor state to the open render pass.
// The state enum is closed: any other value is an internal invariant
// violation and panics. Called without an open render pass, the operation is
// dropped with an error log.
func (s *BoundPipelineScope) SetDynamicState(state DynamicState, data any) {
	if s.err != nil {
		return
	}
	if !s.list.renderPassOpen {
		log.Printf("[CommandList] %s: dynamic state requires an open render pass", s.list.name)
		s.list.device.Stats().CountContractViolation()
		return
	}

	switch state {
	case DynamicStateViewport:
		vp, ok := data.(Viewport)
		if !ok {
			log.Printf("[CommandList] %s: viewport state requires a Viewport payload", s.list.name)
			return
		}
		maxDepth := common.Coalesce(vp.MaxDepth, 1)
		s.list.renderPass.SetViewport(vp.X, vp.Y, vp.Width, vp.Height, vp.MinDepth, maxDepth)
	case DynamicStateScissor:
		sc, ok := data.(ScissorRect)
		if !ok {
			log.Printf("[CommandList] %s: scissor state requires a ScissorRect payload", s.list.name)
			return
		}
		s.list.renderPass.SetScissorRect(sc.X, sc.Y, sc.Width, sc.Height)
	default:
		panic(fmt.Sprintf("gpu: unknown dynamic state %d", state))
	}
}

// SetUniform records u's payload into the bound pipeline's uniform block at
// the uniform's offset. A uniform with no payload, or a pipeline with no
// backing uniform buffer, is dropped with an error log.
func SetUniform[T any](s *BoundPipelineScope, u ShaderUniform[T]) {
	if s.err != nil {
		return
	}
	v, ok := u.Value()
	if !ok {
		log.Printf("[CommandList] %s: uniform write has no value set", s.list.name)
		return
	}
	buf := s.list.pipelines.uniformBufferFor(u.Pipeline)
	if buf == nil {
		log.Printf("[CommandList] %s: pipeline %d has no uniform block", s.list.name, u.Pipeline)
		s.list.device.Stats().CountBindingError()
		return
	}
	s.list.device.Queue().WriteBuffer(buf, uint64(u.Offset), common.StructToBytes(&v))
}

// SetUniformBuffer routes a buffer handle through the bindless table for the
// given usage, writes the resulting slot index into the uniform, and records
// the access into the pipeline's bound-resource set for post-task validation.
func SetUniformBuffer(s *BoundPipelineScope, u ShaderUniform[BufferHandle], usage ResourceUsage) {
	if s.err != nil {
		return
	}
	h, ok := u.Value()
	if !ok {
		log.Printf("[CommandList] %s: buffer uniform has no handle set", s.list.name)
		return
	}
	id, ok := s.list.resources.BindResource(h, usage)
	if !ok {
		return
	}
	SetUniform(s, ShaderUniform[uint32]{Pipeline: u.Pipeline, Offset: u.Offset}.SetValue(uint32(id)))
	s.list.pipelines.RecordBoundResource(s.pipeline, ResourceAccess{Buffer: h, Usage: usage})
}

// SetUniformImage is the image analogue of SetUniformBuffer.
func SetUniformImage(s *BoundPipelineScope, u ShaderUniform[ImageHandle], usage ResourceUsage) {
	if s.err != nil {
		return
	}
	h, ok := u.Value()
	if !ok {
		log.Printf("[CommandList] %s: image uniform has no handle set", s.list.name)
		return
	}
	id, ok := s.list.resources.BindResource(h, usage)
	if !ok {
		return
	}
	SetUniform(s, ShaderUniform[uint32]{Pipeline: u.Pipeline, Offset: u.Offset}.SetValue(uint32(id)))
	s.list.pipelines.RecordBoundResource(s.pipeline, ResourceAccess{Image: h, Usage: usage})
}

// bindDescriptorTables sets the bindless bind groups on a compute pass when
// they have been built by a descriptor flush.
func (c *CommandList) bindDescriptorTables(pass *wgpu.ComputePassEncoder) {
	if bg := c.resources.BufferDescriptorTable().BindGroup(); bg != nil {
		pass.SetBindGroup(bindingSlotFor(DescriptorKindStorageBuffer), bg, nil)
	}
	if bg := c.resources.ImageDescriptorTable().BindGroup(); bg != nil {
		pass.SetBindGroup(bindingSlotFor(DescriptorKindStorageImage), bg, nil)
	}
}

// BeginRenderPass resolves the attachment images to per-usage views and opens
// a render pass. Fails if a pass is already open.
func (c *CommandList) BeginRenderPass(info RenderPassInfo) error {
	if c.renderPassOpen {
		err := fmt.Errorf("render pass already open")
		log.Printf("[CommandList] %s: %v", c.name, err)
		c.device.Stats().CountContractViolation()
		return err
	}

	colors := make([]wgpu.RenderPassColorAttachment, 0, len(info.Colors))
	for _, col := range info.Colors {
		view, ok := c.resources.ImageView(col.Image, col.Usage)
		if !ok {
			err := fmt.Errorf("cannot resolve color attachment image %d", col.Image)
			log.Printf("[CommandList] %s: %v", c.name, err)
			c.device.Stats().CountNotFound()
			return err
		}
		colors = append(colors, wgpu.RenderPassColorAttachment{
			View:       view,
			LoadOp:     col.LoadOp,
			StoreOp:    wgpu.StoreOpStore,
			ClearValue: col.ClearValue,
		})
	}

	desc := &wgpu.RenderPassDescriptor{
		Label:            common.Coalesce(info.Name, c.name),
		ColorAttachments: colors,
	}
	if ds := info.DepthStencil; ds != nil {
		view, ok := c.resources.ImageView(ds.Image, ds.Usage)
		if !ok {
			err := fmt.Errorf("cannot resolve depth attachment image %d", ds.Image)
			log.Printf("[CommandList] %s: %v", c.name, err)
			c.device.Stats().CountNotFound()
			return err
		}
		desc.DepthStencilAttachment = &wgpu.RenderPassDepthStencilAttachment{
			View:            view,
			DepthLoadOp:     ds.LoadOp,
			DepthStoreOp:    wgpu.StoreOpStore,
			DepthClearValue: ds.ClearDepth,
		}
	}

	c.renderPass = c.encoder.BeginRenderPass(desc)
	c.renderPassOpen = true
	return nil
}

// EndRenderPass closes the open render pass. Fails if none is open.
func (c *CommandList) EndRenderPass() error {
	if !c.renderPassOpen {
		err := fmt.Errorf("no render pass open")
		log.Printf("[CommandList] %s: %v", c.name, err)
		c.device.Stats().CountContractViolation()
		return err
	}
	c.renderPass.End()
	c.renderPass = nil
	c.renderPassOpen = false
	return nil
}

// PipelineBarrier is an explicit pass-through. The backend tracks resource
// hazards internally, so no barrier command is recorded; the call is kept on
// the surface so declared dependencies stay visible at call sites and in
// captures.
func (c *CommandList) PipelineBarrier(dep DependencyInfo) {
	c.encoder.InsertDebugMarker(fmt.Sprintf("barrier %s: stages %d->%d", c.name, dep.SrcStages, dep.DstStages))
}

// BeginDebugMarker opens a labeled debug group on the encoder (or the open
// render pass, so the label nests correctly inside it).
func (c *CommandList) BeginDebugMarker(name string) {
	if c.renderPassOpen {
		c.renderPass.PushDebugGroup(name)
	} else {
		c.encoder.PushDebugGroup(name)
	}
	c.markerDepth++
}

// EndDebugMarker closes the innermost debug group opened via
// BeginDebugMarker. Calling it with no marker open is an error.
func (c *CommandList) EndDebugMarker() error {
	if c.markerDepth == 0 {
		err := fmt.Errorf("cannot end more markers than began")
		log.Printf("[CommandList] %s: %v", c.name, err)
		c.device.Stats().CountContractViolation()
		return err
	}
	if c.renderPassOpen {
		c.renderPass.PopDebugGroup()
	} else {
		c.encoder.PopDebugGroup()
	}
	c.markerDepth--
	return nil
}
