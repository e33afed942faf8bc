package gpu

// ShaderUniform is a typed addressing triple for writing a value of type T
// at a byte offset within a pipeline's uniform block. It carries the intent
// of a write, not the write itself — the write happens when a
// BoundPipelineScope records it via SetUniform. T must be a plain-old-data
// layout matching the reflected WGSL field it addresses.
type ShaderUniform[T any] struct {
	Pipeline PipelineHandle
	Offset   uint32
	value    *T
}

// SetValue returns a copy of u with its payload populated, leaving the
// original untouched — ShaderUniform values are meant to be passed by value.
func (u ShaderUniform[T]) SetValue(v T) ShaderUniform[T] {
	u.value = &v
	return u
}

// Value returns the carried payload and whether one has been set.
func (u ShaderUniform[T]) Value() (T, bool) {
	if u.value == nil {
		var zero T
		return zero, false
	}
	return *u.value, true
}
