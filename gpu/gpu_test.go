package gpu

import (
	"bytes"
	"log"
	"testing"
)

// newTestDevice creates a headless device for tests, skipping the test when
// no WebGPU adapter is available on the host (CI machines without a GPU or
// without the native library).
func newTestDevice(t *testing.T) *GPUDevice {
	t.Helper()
	device, err := NewGPUDevice(nil, WithHeadless(true))
	if err != nil {
		t.Skipf("no WebGPU adapter available: %v", err)
	}
	t.Cleanup(device.Release)
	return device
}

// newTestManagers builds a device plus managers with the given bindless
// capacities.
func newTestManagers(t *testing.T, bufferSlots, imageSlots uint32) (*GPUDevice, *ResourceManager, *PipelineManager) {
	t.Helper()
	device := newTestDevice(t)
	resources := NewResourceManager(device, bufferSlots, imageSlots)
	pipelines := NewPipelineManager(device, resources)
	return device, resources, pipelines
}

// captureLog redirects the standard logger to a buffer for the duration of
// fn and returns everything logged.
func captureLog(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)
	fn()
	return buf.String()
}
