// Package gpu implements a declarative task-graph runtime on top of WebGPU.
// Callers describe a frame as a graph of tasks, each listing the buffers and
// images it touches; the graph compiles that description into a validated,
// bindlessly-bound, linearly executed command stream.
package gpu

import "sync/atomic"

// BufferHandle is an opaque, process-wide unique identifier for a GPU buffer
// owned by a ResourceManager. The zero value denotes "no buffer".
type BufferHandle uint64

// ImageHandle is an opaque, process-wide unique identifier for a GPU image
// owned by a ResourceManager. The zero value denotes "no image".
type ImageHandle uint64

// PipelineHandle is an opaque, stable identifier for a compiled pipeline
// entry owned by a PipelineManager. It is preserved across recompiles of the
// same source; only the entry's version changes. The zero value denotes "no
// pipeline".
type PipelineHandle uint64

// handleCounter is the process-wide source of fresh handle values. Handles
// are never reused while their referent is alive, so a single monotonic
// counter shared by buffers, images, and pipelines is sufficient — collisions
// across handle types are harmless since each is a distinct Go type.
var handleCounter uint64

// nextHandle returns a fresh, nonzero handle value. It is safe for concurrent
// use, though this package's managers are documented as single-owner and do
// not rely on that safety internally.
func nextHandle() uint64 {
	return atomic.AddUint64(&handleCounter, 1)
}
