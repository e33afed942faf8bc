package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShaderUniformSetValue(t *testing.T) {
	u := ShaderUniform[float32]{Pipeline: PipelineHandle(3), Offset: 16}

	_, ok := u.Value()
	assert.False(t, ok, "fresh uniform carries no payload")

	set := u.SetValue(2.5)
	v, ok := set.Value()
	assert.True(t, ok)
	assert.Equal(t, float32(2.5), v)
	assert.Equal(t, u.Pipeline, set.Pipeline)
	assert.Equal(t, u.Offset, set.Offset)

	// The original must be untouched; uniforms are value carriers.
	_, ok = u.Value()
	assert.False(t, ok)
}

func TestShaderUniformHandlePayload(t *testing.T) {
	u := ShaderUniform[BufferHandle]{Pipeline: PipelineHandle(1)}.SetValue(BufferHandle(42))
	h, ok := u.Value()
	assert.True(t, ok)
	assert.Equal(t, BufferHandle(42), h)
}
