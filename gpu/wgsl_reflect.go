package gpu

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cogentcore/webgpu/wgpu"
)

// wgslPrimitiveLayoutMap maps WGSL primitive, vector, matrix, and atomic type names
// to their byte size and alignment per the WGSL specification.
//
// Reference: https://www.w3.org/TR/WGSL/#alignment-and-size
var wgslPrimitiveLayoutMap = map[string]wgslTypeLayout{
	// Scalars
	"f32":  {4, 4},
	"i32":  {4, 4},
	"u32":  {4, 4},
	"f16":  {2, 2},
	"bool": {4, 4},

	// Vectors – f32
	"vec2<f32>": {8, 8},
	"vec2f":     {8, 8},
	"vec3<f32>": {12, 16},
	"vec3f":     {12, 16},
	"vec4<f32>": {16, 16},
	"vec4f":     {16, 16},

	// Vectors – i32
	"vec2<i32>": {8, 8},
	"vec2i":     {8, 8},
	"vec3<i32>": {12, 16},
	"vec3i":     {12, 16},
	"vec4<i32>": {16, 16},
	"vec4i":     {16, 16},

	// Vectors – u32
	"vec2<u32>": {8, 8},
	"vec2u":     {8, 8},
	"vec3<u32>": {12, 16},
	"vec3u":     {12, 16},
	"vec4<u32>": {16, 16},
	"vec4u":     {16, 16},

	// Matrices – matCxR<f32>: C columns of vecR<f32>, stride = roundUp(align(vecR), size(vecR))
	"mat2x2<f32>": {16, 8},
	"mat3x3<f32>": {48, 16},
	"mat4x4<f32>": {64, 16},

	// Atomic types
	"atomic<u32>": {4, 4},
	"atomic<i32>": {4, 4},
}

// wgslVertexFormatMap maps WGSL type names to their corresponding wgpu vertex format and byte size
var wgslVertexFormatMap = map[string]vertexFormatInfo{
	"f32":       {wgpu.VertexFormatFloat32, 4},
	"vec2f":     {wgpu.VertexFormatFloat32x2, 8},
	"vec2<f32>": {wgpu.VertexFormatFloat32x2, 8},
	"vec3f":     {wgpu.VertexFormatFloat32x3, 12},
	"vec3<f32>": {wgpu.VertexFormatFloat32x3, 12},
	"vec4f":     {wgpu.VertexFormatFloat32x4, 16},
	"vec4<f32>": {wgpu.VertexFormatFloat32x4, 16},
	"i32":       {wgpu.VertexFormatSint32, 4},
	"u32":       {wgpu.VertexFormatUint32, 4},
	"vec2u":     {wgpu.VertexFormatUint32x2, 8},
	"vec2<u32>": {wgpu.VertexFormatUint32x2, 8},
	"vec4u":     {wgpu.VertexFormatUint32x4, 16},
	"vec4<u32>": {wgpu.VertexFormatUint32x4, 16},
}

type vertexFormatInfo struct {
	format wgpu.VertexFormat
	size   uint64
}

type wgslTypeLayout struct {
	size  uint64
	align uint64
}

type parsedField struct {
	name      string
	typeName  string
	location  int
	isBuiltin bool
}

type parsedStruct struct {
	name   string
	fields []parsedField
}

// uniformField is one reflected field of a var<uniform> block: its byte
// offset within the block and its byte size.
type uniformField struct {
	offset uint32
	size   uint64
}

var (
	// structBlockRegex matches struct declarations and captures the name and body
	structBlockRegex = regexp.MustCompile(`struct\s+(\w+)\s*\{([^}]*)\}`)

	// locationRegex matches @location(N) attributes
	locationRegex = regexp.MustCompile(`@location\((\d+)\)`)

	// builtinRegex matches @builtin(...) attributes
	builtinRegex = regexp.MustCompile(`@builtin\(\w+\)`)

	// fieldRegex matches a struct field line: optional attributes, name, colon, type.
	// The type capture (.+) is greedy to handle parameterized types like array<T, N>.
	fieldRegex = regexp.MustCompile(`(?:(?:@\w+\([^)]*\)\s*)*)*\s*(\w+)\s*:\s*(.+)`)

	// vertexEntryRegex matches @vertex functions and captures the entry point name
	vertexEntryRegex = regexp.MustCompile(`(?s)@vertex\b.*?\bfn\s+(\w+)`)

	// fragmentEntryRegex matches @fragment functions and captures the entry point name
	fragmentEntryRegex = regexp.MustCompile(`(?s)@fragment\b.*?\bfn\s+(\w+)`)

	// computeEntryRegex matches @compute functions and captures the entry point name
	computeEntryRegex = regexp.MustCompile(`(?s)@compute\b.*?\bfn\s+(\w+)`)

	// workgroupSizeRegex captures 1-3 integer dimensions from @workgroup_size(x[, y[, z]])
	workgroupSizeRegex = regexp.MustCompile(`@workgroup_size\(\s*(\d+)\s*(?:,\s*(\d+)\s*(?:,\s*(\d+)\s*)?)?\)`)

	// bindGroupDeclRegex captures group, binding, optional address space, variable name, and type
	// from declarations like: @group(0) @binding(0) var<uniform> params: Params;
	bindGroupDeclRegex = regexp.MustCompile(`@group\((\d+)\)\s*@binding\((\d+)\)\s*var(?:<([^>]*)>)?\s+(\w+)\s*:\s*([^;]+?)\s*;`)
)

// shaderStageKind selects which entry-point annotation parseEntryPoint looks for.
type shaderStageKind int

const (
	stageKindCompute shaderStageKind = iota
	stageKindVertex
	stageKindFragment
)

// parseEntryPoint extracts the entry point function name for the given stage
// from WGSL source. Returns an empty string if no matching entry point
// annotation is found.
func parseEntryPoint(source string, stage shaderStageKind) string {
	cleaned := stripComments(source)

	var re *regexp.Regexp
	switch stage {
	case stageKindVertex:
		re = vertexEntryRegex
	case stageKindFragment:
		re = fragmentEntryRegex
	case stageKindCompute:
		re = computeEntryRegex
	default:
		return ""
	}

	if match := re.FindStringSubmatch(cleaned); match != nil {
		return match[1]
	}
	return ""
}

// parseWorkgroupSize extracts the @workgroup_size(x, y, z) dimensions from WGSL
// source. Omitted dimensions default to 1 per the WGSL specification. Returns
// [1, 1, 1] if no @workgroup_size annotation is found.
func parseWorkgroupSize(source string) [3]uint32 {
	cleaned := stripComments(source)
	result := [3]uint32{1, 1, 1}

	match := workgroupSizeRegex.FindStringSubmatch(cleaned)
	if match == nil {
		return result
	}

	for i := 0; i < 3; i++ {
		if match[i+1] != "" {
			if v, err := strconv.ParseUint(match[i+1], 10, 32); err == nil {
				result[i] = uint32(v)
			}
		}
	}

	return result
}

// parseUniformFields reflects every var<uniform> block declared in the WGSL
// source into a flat name -> {offset, size} map using WGSL struct layout
// rules. Fields of later uniform blocks never shadow earlier ones.
func parseUniformFields(source string) map[string]uniformField {
	cleaned := stripComments(source)
	structs := parseStructBlocks(cleaned)
	structsByName := make(map[string]parsedStruct, len(structs))
	for _, ps := range structs {
		structsByName[ps.name] = ps
	}
	knownTypes := computeStructSizes(structs)

	result := make(map[string]uniformField)
	for _, match := range bindGroupDeclRegex.FindAllStringSubmatch(cleaned, -1) {
		addressSpace := strings.TrimSpace(match[3])
		typeName := strings.TrimSpace(match[5])
		if addressSpace != "uniform" {
			continue
		}

		ps, ok := structsByName[typeName]
		if !ok {
			continue
		}

		offset := uint64(0)
		for _, field := range ps.fields {
			if field.isBuiltin {
				continue
			}
			layout, ok := resolveTypeLayout(field.typeName, knownTypes)
			if !ok {
				break
			}
			offset = roundUpAlign(layout.align, offset)
			if _, taken := result[field.name]; !taken {
				result[field.name] = uniformField{offset: uint32(offset), size: layout.size}
			}
			offset += layout.size
		}
	}

	return result
}

// parseBindGroupLayouts extracts all @group(N) @binding(M) resource
// declarations from WGSL source and returns them as
// wgpu.BindGroupLayoutDescriptor values grouped by group index. Each
// descriptor's entries are sorted by binding index. The provided visibility
// flag is applied to all entries.
func parseBindGroupLayouts(source string, visibility wgpu.ShaderStage) map[int]wgpu.BindGroupLayoutDescriptor {
	groups := make(map[int][]wgpu.BindGroupLayoutEntry)
	cleaned := stripComments(source)

	structs := parseStructBlocks(cleaned)
	structSizes := computeStructSizes(structs)

	for _, match := range bindGroupDeclRegex.FindAllStringSubmatch(cleaned, -1) {
		group, _ := strconv.Atoi(match[1])
		binding, _ := strconv.Atoi(match[2])
		addressSpace := strings.TrimSpace(match[3])
		typeName := strings.TrimSpace(match[5])

		entry := classifyResource(uint32(binding), visibility, addressSpace, typeName)

		if entry.Buffer.Type != wgpu.BufferBindingTypeUndefined {
			if layout, ok := resolveTypeLayout(typeName, structSizes); ok && layout.size > 0 {
				entry.Buffer.MinBindingSize = layout.size
			}
		}

		groups[group] = append(groups[group], entry)
	}

	result := make(map[int]wgpu.BindGroupLayoutDescriptor, len(groups))
	for g, entries := range groups {
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].Binding < entries[j].Binding
		})
		result[g] = wgpu.BindGroupLayoutDescriptor{
			Entries: entries,
		}
	}

	return result
}

// parseVertexLayouts extracts vertex buffer layouts from WGSL source code. It
// finds all structs that are pure vertex inputs (have @location attributes but
// no @builtin fields) and converts them into wgpu.VertexBufferLayout entries.
// Structs containing unrecognized WGSL types are skipped.
func parseVertexLayouts(source string) []wgpu.VertexBufferLayout {
	var result []wgpu.VertexBufferLayout
	cleaned := stripComments(source)

	for _, ps := range parseStructBlocks(cleaned) {
		if !isVertexInputStruct(ps) {
			continue
		}
		layout, ok := buildVertexBufferLayout(ps)
		if !ok {
			continue
		}
		result = append(result, layout)
	}

	return result
}

// classifyResource creates a wgpu.BindGroupLayoutEntry from a parsed WGSL
// resource declaration, determining the resource category (buffer, texture,
// sampler, storage texture) from the address space qualifier and type name.
func classifyResource(binding uint32, visibility wgpu.ShaderStage, addressSpace, typeName string) wgpu.BindGroupLayoutEntry {
	entry := wgpu.BindGroupLayoutEntry{
		Binding:    binding,
		Visibility: visibility,
	}

	// binding_array<T, N> declarations address the bindless tables; the
	// element count carries into the layout entry so reflected pipeline
	// layouts are compatible with the descriptor allocators' bind groups.
	if strings.HasPrefix(typeName, "binding_array<") {
		inner := strings.TrimSuffix(strings.TrimPrefix(typeName, "binding_array<"), ">")
		parts := splitAtTopLevelCommas(inner)
		if len(parts) == 2 {
			if count, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 32); err == nil {
				entry.Count = uint32(count)
			}
		}
		typeName = strings.TrimSpace(parts[0])
	}

	if addressSpace != "" {
		switch {
		case addressSpace == "uniform":
			entry.Buffer.Type = wgpu.BufferBindingTypeUniform
		case strings.HasPrefix(addressSpace, "storage"):
			if strings.Contains(addressSpace, "read_write") {
				entry.Buffer.Type = wgpu.BufferBindingTypeStorage
			} else {
				entry.Buffer.Type = wgpu.BufferBindingTypeReadOnlyStorage
			}
		}
		return entry
	}

	switch {
	case typeName == "sampler":
		entry.Sampler.Type = wgpu.SamplerBindingTypeFiltering
	case typeName == "sampler_comparison":
		entry.Sampler.Type = wgpu.SamplerBindingTypeComparison
	case strings.HasPrefix(typeName, "texture_storage_"):
		base, params := splitTypeParams(typeName)
		if base == "texture_storage_2d_array" {
			entry.StorageTexture.ViewDimension = wgpu.TextureViewDimension2DArray
		} else {
			entry.StorageTexture.ViewDimension = wgpu.TextureViewDimension2D
		}
		parts := strings.SplitN(params, ",", 2)
		if len(parts) == 2 {
			switch strings.TrimSpace(parts[1]) {
			case "read":
				entry.StorageTexture.Access = wgpu.StorageTextureAccessReadOnly
			case "read_write":
				entry.StorageTexture.Access = wgpu.StorageTextureAccessReadWrite
			default:
				entry.StorageTexture.Access = wgpu.StorageTextureAccessWriteOnly
			}
		}
		entry.StorageTexture.Format = wgpu.TextureFormatRGBA8Unorm
	case strings.HasPrefix(typeName, "texture_"):
		entry.Texture.ViewDimension = wgpu.TextureViewDimension2D
		entry.Texture.SampleType = wgpu.TextureSampleTypeFloat
	}

	return entry
}

// parseStructBlocks finds all struct { ... } blocks in the cleaned WGSL source
// and parses their fields including @location and @builtin attributes.
func parseStructBlocks(source string) []parsedStruct {
	matches := structBlockRegex.FindAllStringSubmatch(source, -1)
	structs := make([]parsedStruct, 0, len(matches))

	for _, match := range matches {
		structs = append(structs, parsedStruct{
			name:   match[1],
			fields: parseStructFields(match[2]),
		})
	}

	return structs
}

// parseStructFields parses the body of a struct block into individual fields,
// extracting @location and @builtin attributes along with the field name and type.
func parseStructFields(body string) []parsedField {
	lines := splitAtTopLevelCommas(body)
	fields := make([]parsedField, 0, len(lines))

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var field parsedField

		if builtinRegex.MatchString(line) {
			field.isBuiltin = true
		}

		if locMatch := locationRegex.FindStringSubmatch(line); locMatch != nil {
			loc, err := strconv.Atoi(locMatch[1])
			if err == nil {
				field.location = loc
			}
		} else {
			field.location = -1
		}

		if fm := fieldRegex.FindStringSubmatch(line); fm != nil {
			field.name = fm[1]
			field.typeName = strings.TrimSpace(fm[2])
		} else {
			continue
		}

		fields = append(fields, field)
	}

	return fields
}

// roundUpAlign rounds value up to the next multiple of alignment. Alignment
// must be a power of two.
func roundUpAlign(alignment, value uint64) uint64 {
	if alignment == 0 {
		return value
	}
	return (value + alignment - 1) &^ (alignment - 1)
}

// resolveTypeLayout resolves a WGSL type name to its size and alignment using
// primitives and previously-computed struct layouts. Handles fixed-size arrays
// (array<T, N>); runtime-sized arrays resolve to a single element's stride.
func resolveTypeLayout(typeName string, knownTypes map[string]wgslTypeLayout) (wgslTypeLayout, bool) {
	if layout, ok := wgslPrimitiveLayoutMap[typeName]; ok {
		return layout, true
	}
	if layout, ok := knownTypes[typeName]; ok {
		return layout, true
	}

	if strings.HasPrefix(typeName, "array<") && strings.HasSuffix(typeName, ">") {
		inner := typeName[6 : len(typeName)-1]
		parts := strings.SplitN(inner, ",", 2)
		elemType := strings.TrimSpace(parts[0])

		elemLayout, ok := resolveTypeLayout(elemType, knownTypes)
		if !ok {
			return wgslTypeLayout{}, false
		}

		stride := roundUpAlign(elemLayout.align, elemLayout.size)
		if len(parts) == 2 {
			count, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
			if err != nil {
				return wgslTypeLayout{}, false
			}
			return wgslTypeLayout{count * stride, elemLayout.align}, true
		}

		return wgslTypeLayout{stride, elemLayout.align}, true
	}

	return wgslTypeLayout{}, false
}

// computeStructLayout computes the byte size and alignment of a single WGSL
// struct: each field is placed at the next aligned offset, and the total size
// is rounded up to the struct's alignment. Fields with @builtin attributes are
// skipped as they are not part of the buffer layout.
func computeStructLayout(ps parsedStruct, knownTypes map[string]wgslTypeLayout) (wgslTypeLayout, bool) {
	offset := uint64(0)
	maxAlign := uint64(1)

	for _, field := range ps.fields {
		if field.isBuiltin {
			continue
		}

		fieldLayout, ok := resolveTypeLayout(field.typeName, knownTypes)
		if !ok {
			return wgslTypeLayout{}, false
		}

		offset = roundUpAlign(fieldLayout.align, offset)
		offset += fieldLayout.size

		if fieldLayout.align > maxAlign {
			maxAlign = fieldLayout.align
		}
	}

	return wgslTypeLayout{roundUpAlign(maxAlign, offset), maxAlign}, true
}

// computeStructSizes computes the byte size and alignment of all parsed WGSL
// structs, resolving dependencies between structs iteratively.
func computeStructSizes(structs []parsedStruct) map[string]wgslTypeLayout {
	resolved := make(map[string]wgslTypeLayout, len(structs))
	remaining := make([]parsedStruct, len(structs))
	copy(remaining, structs)

	for {
		progress := false
		next := remaining[:0]

		for _, ps := range remaining {
			if layout, ok := computeStructLayout(ps, resolved); ok {
				resolved[ps.name] = layout
				progress = true
			} else {
				next = append(next, ps)
			}
		}

		remaining = next
		if !progress || len(remaining) == 0 {
			break
		}
	}

	return resolved
}

// isVertexInputStruct returns true if the struct is a pure vertex input,
// meaning it has at least one @location field and zero @builtin fields.
func isVertexInputStruct(ps parsedStruct) bool {
	hasLocation := false
	for _, f := range ps.fields {
		if f.isBuiltin {
			return false
		}
		if f.location >= 0 {
			hasLocation = true
		}
	}
	return hasLocation
}

// buildVertexBufferLayout converts a parsed vertex input struct into a
// wgpu.VertexBufferLayout, mapping each field's WGSL type to a vertex format
// and calculating sequential byte offsets. Returns false if any field has an
// unrecognized type.
func buildVertexBufferLayout(ps parsedStruct) (wgpu.VertexBufferLayout, bool) {
	attrs := make([]wgpu.VertexAttribute, 0, len(ps.fields))
	var offset uint64

	for _, f := range ps.fields {
		info, ok := wgslVertexFormatMap[f.typeName]
		if !ok {
			return wgpu.VertexBufferLayout{}, false
		}

		attrs = append(attrs, wgpu.VertexAttribute{
			Format:         info.format,
			Offset:         offset,
			ShaderLocation: uint32(f.location),
		})
		offset += info.size
	}

	return wgpu.VertexBufferLayout{
		ArrayStride: offset,
		StepMode:    wgpu.VertexStepModeVertex,
		Attributes:  attrs,
	}, true
}

// splitAtTopLevelCommas splits a string at commas that are not nested inside
// angle brackets, so WGSL types like array<FrustumPlane, 6> survive intact.
func splitAtTopLevelCommas(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<':
			depth++
		case '>':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// splitTypeParams splits a parameterized WGSL type name such as
// texture_storage_2d<rgba8unorm, write> into its base name and the text
// between the outer angle brackets. A name without parameters returns an
// empty params string.
func splitTypeParams(typeName string) (base, params string) {
	open := strings.Index(typeName, "<")
	if open < 0 || !strings.HasSuffix(typeName, ">") {
		return strings.TrimSpace(typeName), ""
	}
	return strings.TrimSpace(typeName[:open]), typeName[open+1 : len(typeName)-1]
}

// stripComments removes both single-line (//) and block (/* */) comments from
// WGSL source. Block comments may be nested per the WGSL specification.
func stripComments(source string) string {
	return stripLineComments(stripBlockComments(source))
}

// stripLineComments removes single-line // comments from WGSL source so they
// do not interfere with struct and field parsing.
func stripLineComments(source string) string {
	var sb strings.Builder
	for _, line := range strings.Split(source, "\n") {
		if idx := strings.Index(line, "//"); idx >= 0 {
			line = line[:idx]
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// stripBlockComments removes block comments (/* ... */) from WGSL source,
// handling nested block comments per the WGSL specification.
func stripBlockComments(source string) string {
	var sb strings.Builder
	sb.Grow(len(source))
	depth := 0
	i := 0
	for i < len(source) {
		if i+1 < len(source) {
			if source[i] == '/' && source[i+1] == '*' {
				depth++
				i += 2
				continue
			}
			if source[i] == '*' && source[i+1] == '/' {
				if depth > 0 {
					depth--
				}
				i += 2
				continue
			}
		}
		if depth == 0 {
			sb.WriteByte(source[i])
		}
		i++
	}
	return sb.String()
}
