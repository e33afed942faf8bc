package gpu

import (
	"testing"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const defineTestShader = `
@compute @workgroup_size(1)
fn main() {
	let v: u32 = TEST_DEFINE;
	_ = v;
}
`

const uniformTestShader = `
struct Params {
	scale: f32,
	count: u32,
}
@group(0) @binding(0) var<uniform> params: Params;

@compute @workgroup_size(4)
fn main() {
	let s = params.scale;
}
`

func TestCompilePipelineStableHandleAndVersion(t *testing.T) {
	_, _, pipelines := newTestManagers(t, 16, 16)
	pipelines.SetDefine("TEST_DEFINE", "1")
	pipelines.SetVirtualFile("define_test.wgsl", defineTestShader)

	h1, err := pipelines.CompileComputePipeline(ComputePipelineInfo{Path: "define_test.wgsl"})
	require.NoError(t, err)
	require.NotZero(t, h1)
	assert.Equal(t, uint64(1), pipelines.GetPipelineVersion(h1))

	h2, err := pipelines.CompileComputePipeline(ComputePipelineInfo{Path: "define_test.wgsl"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "recompiling the same source keeps the stable handle")
	assert.Equal(t, uint64(2), pipelines.GetPipelineVersion(h1))
}

func TestCompilePipelineDefineChangesBlob(t *testing.T) {
	_, _, pipelines := newTestManagers(t, 16, 16)
	pipelines.SetDefine("TEST_DEFINE", "1")
	pipelines.SetVirtualFile("define_test.wgsl", defineTestShader)

	h, err := pipelines.CompileComputePipeline(ComputePipelineInfo{Path: "define_test.wgsl"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pipelines.GetPipelineVersion(h))
	first := append([]byte(nil), pipelines.GetPipelineSource(h)...)

	pipelines.SetDefine("TEST_DEFINE", "2")
	h2, err := pipelines.CompileComputePipeline(ComputePipelineInfo{Path: "define_test.wgsl"})
	require.NoError(t, err)
	assert.Equal(t, h, h2)
	assert.Equal(t, uint64(2), pipelines.GetPipelineVersion(h))
	assert.NotEqual(t, first, pipelines.GetPipelineSource(h), "changed define must change the compiled blob")
}

func TestCompilePipelineDiagnostics(t *testing.T) {
	_, _, pipelines := newTestManagers(t, 16, 16)
	pipelines.SetVirtualFile("broken.wgsl", "fn not_an_entry_point() {}")

	_, err := pipelines.CompileComputePipeline(ComputePipelineInfo{Path: "broken.wgsl", DebugName: "broken"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Contains(t, err.Error(), "no @compute entry point")

	_, err = pipelines.CompileComputePipeline(ComputePipelineInfo{Path: "nowhere.wgsl"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nowhere.wgsl")
}

func TestGetUniform(t *testing.T) {
	_, _, pipelines := newTestManagers(t, 16, 16)
	pipelines.SetVirtualFile("uniform_test.wgsl", uniformTestShader)

	h, err := pipelines.CompileComputePipeline(ComputePipelineInfo{Path: "uniform_test.wgsl"})
	require.NoError(t, err)

	scale := GetUniform[float32](pipelines, h, "scale")
	assert.Equal(t, h, scale.Pipeline)
	assert.Equal(t, uint32(0), scale.Offset)

	count := GetUniform[uint32](pipelines, h, "count")
	assert.Equal(t, uint32(4), count.Offset)

	// Unknown names and mismatched payload sizes fail softly.
	out := captureLog(t, func() {
		missing := GetUniform[float32](pipelines, h, "nope")
		assert.Zero(t, missing.Pipeline)
	})
	assert.Contains(t, out, "no uniform")

	out = captureLog(t, func() {
		wrong := GetUniform[float64](pipelines, h, "scale")
		assert.Zero(t, wrong.Pipeline)
	})
	assert.Contains(t, out, "size mismatch")
}

func TestIsGraphicsPipeline(t *testing.T) {
	_, _, pipelines := newTestManagers(t, 16, 16)
	pipelines.SetVirtualFile("compute.wgsl", "@compute @workgroup_size(1) fn main() {}")

	h, err := pipelines.CompileComputePipeline(ComputePipelineInfo{Path: "compute.wgsl"})
	require.NoError(t, err)
	assert.False(t, pipelines.IsGraphicsPipeline(h))
	assert.False(t, pipelines.IsGraphicsPipeline(PipelineHandle(999)))
	assert.Equal(t, [3]uint32{1, 1, 1}, pipelines.WorkgroupSize(h))
}

func TestBoundResourceTracking(t *testing.T) {
	_, resources, pipelines := newTestManagers(t, 16, 16)
	pipelines.SetVirtualFile("compute.wgsl", "@compute @workgroup_size(1) fn main() {}")

	h, err := pipelines.CompileComputePipeline(ComputePipelineInfo{Path: "compute.wgsl"})
	require.NoError(t, err)

	buf := resources.CreateBuffer(BufferDesc{Size: 16, Usage: wgpu.BufferUsageStorage})
	access := BufferAccess(buf, ComputeStorageRead)
	pipelines.RecordBoundResource(h, access)

	bound := pipelines.GetBoundResources(h)
	_, ok := bound[access]
	assert.True(t, ok)

	pipelines.ClearBoundResources()
	assert.Empty(t, pipelines.GetBoundResources(h))
}
