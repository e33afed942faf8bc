package gpu

import (
	"testing"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reflectTestShader = `
struct Params {
	scale: f32,
	pad: f32,
	extent: vec2u,
	transform: mat4x4<f32>,
}

@group(0) @binding(0) var<uniform> params: Params;
@group(1) @binding(0) var<storage, read_write> data: array<u32>;

@compute @workgroup_size(8, 4)
fn tick(@builtin(global_invocation_id) id: vec3u) {
	data[id.x] = u32(params.scale);
}
`

func TestParseEntryPoint(t *testing.T) {
	assert.Equal(t, "tick", parseEntryPoint(reflectTestShader, stageKindCompute))
	assert.Empty(t, parseEntryPoint(reflectTestShader, stageKindVertex))

	vs := `@vertex fn vs_main(@location(0) pos: vec3f) -> @builtin(position) vec4f { return vec4f(pos, 1.0); }`
	assert.Equal(t, "vs_main", parseEntryPoint(vs, stageKindVertex))
}

func TestParseWorkgroupSize(t *testing.T) {
	assert.Equal(t, [3]uint32{8, 4, 1}, parseWorkgroupSize(reflectTestShader))
	assert.Equal(t, [3]uint32{1, 1, 1}, parseWorkgroupSize("fn f() {}"))
	assert.Equal(t, [3]uint32{64, 1, 1}, parseWorkgroupSize("@compute @workgroup_size(64) fn f() {}"))
}

func TestParseUniformFields(t *testing.T) {
	fields := parseUniformFields(reflectTestShader)

	scale, ok := fields["scale"]
	require.True(t, ok)
	assert.Equal(t, uint32(0), scale.offset)
	assert.Equal(t, uint64(4), scale.size)

	// extent sits after two f32s, aligned to vec2u's 8-byte alignment.
	extent, ok := fields["extent"]
	require.True(t, ok)
	assert.Equal(t, uint32(8), extent.offset)
	assert.Equal(t, uint64(8), extent.size)

	// mat4x4<f32> aligns to 16 bytes.
	transform, ok := fields["transform"]
	require.True(t, ok)
	assert.Equal(t, uint32(16), transform.offset)
	assert.Equal(t, uint64(64), transform.size)

	// Storage fields never appear in the uniform map.
	_, ok = fields["data"]
	assert.False(t, ok)
}

func TestParseBindGroupLayouts(t *testing.T) {
	layouts := parseBindGroupLayouts(reflectTestShader, wgpu.ShaderStageCompute)
	require.Len(t, layouts, 2)

	uniformGroup := layouts[0]
	require.Len(t, uniformGroup.Entries, 1)
	assert.Equal(t, wgpu.BufferBindingTypeUniform, uniformGroup.Entries[0].Buffer.Type)
	// Params: f32 + f32 + vec2u + mat4x4<f32> rounded to 16-byte alignment.
	assert.Equal(t, uint64(80), uniformGroup.Entries[0].Buffer.MinBindingSize)

	storageGroup := layouts[1]
	require.Len(t, storageGroup.Entries, 1)
	assert.Equal(t, wgpu.BufferBindingTypeStorage, storageGroup.Entries[0].Buffer.Type)
}

func TestParseBindingArrayLayout(t *testing.T) {
	source := `
@group(0) @binding(0) var<storage, read_write> buffers: binding_array<array<u32>, 256>;
@compute @workgroup_size(1) fn main() {}
`
	layouts := parseBindGroupLayouts(source, wgpu.ShaderStageCompute)
	require.Len(t, layouts, 1)
	entry := layouts[0].Entries[0]
	assert.Equal(t, uint32(256), entry.Count)
	assert.Equal(t, wgpu.BufferBindingTypeStorage, entry.Buffer.Type)
}

func TestParseVertexLayouts(t *testing.T) {
	vs := `
struct VertexInput {
	@location(0) position: vec3f,
	@location(1) uv: vec2f,
}
@vertex fn vs_main(in: VertexInput) -> @builtin(position) vec4f { return vec4f(in.position, 1.0); }
`
	layouts := parseVertexLayouts(vs)
	require.Len(t, layouts, 1)
	assert.Equal(t, uint64(20), layouts[0].ArrayStride)
	require.Len(t, layouts[0].Attributes, 2)
	assert.Equal(t, wgpu.VertexFormatFloat32x3, layouts[0].Attributes[0].Format)
	assert.Equal(t, uint64(12), layouts[0].Attributes[1].Offset)
}

func TestStripComments(t *testing.T) {
	source := "a // line\n/* block\nspanning */ b /* nested /* inner */ outer */ c"
	cleaned := stripComments(source)
	assert.Contains(t, cleaned, "a")
	assert.Contains(t, cleaned, "b")
	assert.Contains(t, cleaned, "c")
	assert.NotContains(t, cleaned, "line")
	assert.NotContains(t, cleaned, "spanning")
	assert.NotContains(t, cleaned, "inner")
}

func TestPreProcessorDefines(t *testing.T) {
	pp := newShaderPreProcessor()
	pp.defines["TEST_DEFINE"] = "7"
	pp.defines["WIDTH"] = "640"

	out, err := pp.process("let x = TEST_DEFINE; let w = WIDTH; let y = WIDTH_EXTRA;")
	require.NoError(t, err)
	assert.Contains(t, out, "let x = 7;")
	assert.Contains(t, out, "let w = 640;")
	// Substitution is word-bounded; longer identifiers survive.
	assert.Contains(t, out, "WIDTH_EXTRA")
}

func TestPreProcessorIncludes(t *testing.T) {
	pp := newShaderPreProcessor()
	pp.virtualFiles["lib/common.wgsl"] = "fn helper() -> f32 { return 1.0; }"

	out, err := pp.process("#include \"lib/common.wgsl\"\nfn main() {}")
	require.NoError(t, err)
	assert.Contains(t, out, "fn helper()")
	assert.Contains(t, out, "fn main()")

	_, err = pp.process("#include \"missing.wgsl\"")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.wgsl")
}

func TestPreProcessorIncludeCycle(t *testing.T) {
	pp := newShaderPreProcessor()
	pp.virtualFiles["a.wgsl"] = "#include \"b.wgsl\""
	pp.virtualFiles["b.wgsl"] = "#include \"a.wgsl\""

	_, err := pp.process("#include \"a.wgsl\"")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}
