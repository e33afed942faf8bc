package gpu

import (
	"testing"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCommandList(t *testing.T, device *GPUDevice, pipelines *PipelineManager, resources *ResourceManager) *CommandList {
	t.Helper()
	encoder, err := device.Device().CreateCommandEncoder(nil)
	require.NoError(t, err)
	list := NewCommandList("test task", device, pipelines, resources, encoder, SimulationState{SimIndex: 1})
	t.Cleanup(list.Close)
	return list
}

func colorTarget(t *testing.T, resources *ResourceManager, size uint32) ImageHandle {
	t.Helper()
	h := resources.CreateImage(ImageDesc{
		Width: size, Height: size,
		Format:    wgpu.TextureFormatRGBA8Unorm,
		Usage:     wgpu.TextureUsageRenderAttachment | wgpu.TextureUsageCopySrc,
		DebugName: "color target",
	})
	require.NotZero(t, h)
	return h
}

func TestRenderPassScoping(t *testing.T) {
	device, resources, pipelines := newTestManagers(t, 16, 16)
	pipelines.SetVirtualFile("scoped.wgsl", "@compute @workgroup_size(1) fn main() {}")

	compute, err := pipelines.CompileComputePipeline(ComputePipelineInfo{Path: "scoped.wgsl"})
	require.NoError(t, err)

	list := newTestCommandList(t, device, pipelines, resources)
	target := colorTarget(t, resources, 64)

	require.NoError(t, list.BeginRenderPass(RenderPassInfo{
		Colors: []RenderPassColor{{
			Image:  target,
			Usage:  NewImageUsage(ColorAttachmentWrite, ViewRange{}),
			LoadOp: wgpu.LoadOpClear,
		}},
	}))

	// Opening a second pass is a contract violation.
	err = list.BeginRenderPass(RenderPassInfo{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already open")

	// Binding a compute pipeline inside a render pass is rejected at bind.
	scope := list.BindPipeline(compute)
	require.Error(t, scope.Err())
	assert.Contains(t, scope.Err().Error(), "cannot bind compute pipeline inside render pass")
	assert.ErrorIs(t, scope.Dispatch(1, 1, 1), scope.Err())

	require.NoError(t, list.EndRenderPass())

	err = list.EndRenderPass()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no render pass open")
}

func TestDrawOutsideRenderPass(t *testing.T) {
	device, resources, pipelines := newTestManagers(t, 16, 16)
	pipelines.SetVirtualFile("tri_vs.wgsl", `
@vertex fn vs_main(@builtin(vertex_index) i: u32) -> @builtin(position) vec4f {
	return vec4f(0.0, 0.0, 0.0, 1.0);
}
`)
	pipelines.SetVirtualFile("tri_fs.wgsl", `
@fragment fn fs_main() -> @location(0) vec4f {
	return vec4f(1.0, 0.0, 0.0, 1.0);
}
`)

	graphics, err := pipelines.CompileGraphicsPipeline(GraphicsPipelineInfo{
		VertexPath:   "tri_vs.wgsl",
		FragmentPath: "tri_fs.wgsl",
	})
	require.NoError(t, err)
	require.True(t, pipelines.IsGraphicsPipeline(graphics))

	list := newTestCommandList(t, device, pipelines, resources)

	scope := list.BindPipeline(graphics)
	require.NoError(t, scope.Err())
	err = scope.Draw(3, 1, 0, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cannot draw outside of a render pass")

	err = scope.Dispatch(1, 1, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "graphics pipeline")
}

func TestComputeDispatch(t *testing.T) {
	device, resources, pipelines := newTestManagers(t, 16, 16)
	pipelines.SetVirtualFile("noop.wgsl", "@compute @workgroup_size(1) fn main() {}")

	compute, err := pipelines.CompileComputePipeline(ComputePipelineInfo{Path: "noop.wgsl"})
	require.NoError(t, err)

	list := newTestCommandList(t, device, pipelines, resources)
	scope := list.BindPipeline(compute)
	require.NoError(t, scope.Err())
	assert.NoError(t, scope.Dispatch(1, 1, 1))
}

func TestDebugMarkerBalance(t *testing.T) {
	device, resources, pipelines := newTestManagers(t, 16, 16)
	list := newTestCommandList(t, device, pipelines, resources)

	list.BeginDebugMarker("A")
	list.BeginDebugMarker("B")
	require.NoError(t, list.EndDebugMarker())
	require.NoError(t, list.EndDebugMarker())

	err := list.EndDebugMarker()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot end more markers than began")
}

func TestCloseEndsOpenRenderPass(t *testing.T) {
	device, resources, pipelines := newTestManagers(t, 16, 16)

	encoder, err := device.Device().CreateCommandEncoder(nil)
	require.NoError(t, err)
	list := NewCommandList("leaky task", device, pipelines, resources, encoder, SimulationState{})

	target := colorTarget(t, resources, 8)
	require.NoError(t, list.BeginRenderPass(RenderPassInfo{
		Colors: []RenderPassColor{{
			Image:  target,
			Usage:  NewImageUsage(ColorAttachmentWrite, ViewRange{}),
			LoadOp: wgpu.LoadOpClear,
		}},
	}))

	out := captureLog(t, list.Close)
	assert.Contains(t, out, "render pass still open")
}

func TestBindUnknownPipeline(t *testing.T) {
	device, resources, pipelines := newTestManagers(t, 16, 16)
	list := newTestCommandList(t, device, pipelines, resources)

	scope := list.BindPipeline(PipelineHandle(424242))
	require.Error(t, scope.Err())
	assert.Contains(t, scope.Err().Error(), "unknown pipeline")
}

func TestStateCopy(t *testing.T) {
	device, resources, pipelines := newTestManagers(t, 16, 16)

	encoder, err := device.Device().CreateCommandEncoder(nil)
	require.NoError(t, err)
	list := NewCommandList("state task", device, pipelines, resources, encoder, SimulationState{SimIndex: 7})
	t.Cleanup(list.Close)

	assert.Equal(t, uint64(7), list.State().SimIndex)
}
