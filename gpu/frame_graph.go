package gpu

import (
	"fmt"
	"log"

	"github.com/cogentcore/webgpu/wgpu"
)

// FrameGraph is a TaskGraph that presents. It additionally knows an output
// image: each Execute acquires a presentable texture from the device's
// surface, runs the underlying graph, blits the output image onto the
// acquired texture, and presents. All graph semantics are unchanged.
type FrameGraph struct {
	*TaskGraph

	output ImageHandle
}

// NewFrameGraph creates a presenting graph whose output image is blitted to
// the surface after every Execute. Panics on nil dependencies; a headless
// device is rejected at execute time, not construction, so graphs can be
// assembled before surface configuration.
func NewFrameGraph(device *GPUDevice, resources *ResourceManager, pipelines *PipelineManager, output ImageHandle) *FrameGraph {
	if output == 0 {
		panic("gpu: NewFrameGraph requires a nonzero output image handle")
	}
	return &FrameGraph{
		TaskGraph: NewTaskGraph(device, resources, pipelines),
		output:    output,
	}
}

// OutputImage returns the image handle presented every frame.
func (f *FrameGraph) OutputImage() ImageHandle {
	return f.output
}

// Execute acquires a surface texture, runs the underlying TaskGraph, then
// copies the output image onto the acquired texture and presents it.
func (f *FrameGraph) Execute() error {
	if !f.compiled {
		return nil
	}

	surface := f.device.Surface()
	if surface == nil {
		err := fmt.Errorf("cannot present on a headless device")
		log.Printf("[FrameGraph] Execute: %v", err)
		return err
	}

	desc, ok := f.resources.GetImageDesc(f.output)
	if !ok {
		err := fmt.Errorf("unknown output image %d", f.output)
		log.Printf("[FrameGraph] Execute: %v", err)
		f.device.Stats().CountNotFound()
		return err
	}

	surfaceTexture, err := surface.GetCurrentTexture()
	if err != nil {
		log.Printf("[FrameGraph] Execute: acquire surface texture failed: %v", err)
		return err
	}

	if err := f.TaskGraph.Execute(); err != nil {
		surfaceTexture.Release()
		return err
	}

	encoder, err := f.device.Device().CreateCommandEncoder(nil)
	if err != nil {
		surfaceTexture.Release()
		log.Printf("[FrameGraph] Execute: create blit encoder failed: %v", err)
		return err
	}
	encoder.CopyTextureToTexture(
		&wgpu.ImageCopyTexture{
			Texture: f.resources.GetImage(f.output),
			Aspect:  wgpu.TextureAspectAll,
		},
		&wgpu.ImageCopyTexture{
			Texture: surfaceTexture,
			Aspect:  wgpu.TextureAspectAll,
		},
		&wgpu.Extent3D{
			Width:              desc.Width,
			Height:             desc.Height,
			DepthOrArrayLayers: 1,
		},
	)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		encoder.Release()
		surfaceTexture.Release()
		log.Printf("[FrameGraph] Execute: finish blit encoder failed: %v", err)
		return err
	}
	f.device.Queue().Submit(cmd)
	cmd.Release()
	encoder.Release()

	surface.Present()
	surfaceTexture.Release()

	return nil
}
