package gpu

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
)

// DeviceSettings configures GPUDevice construction. Built with functional
// options (DeviceOption), mirroring window.WindowBuilderOption elsewhere in
// this codebase.
type DeviceSettings struct {
	name                 string
	forceFallbackAdapter bool
	validationEnabled    bool
	headless             bool
	maxBindGroups        uint32
	requiredFeatures     []wgpu.FeatureName
}

// DeviceOption is a functional option applied during NewGPUDevice.
type DeviceOption func(*DeviceSettings)

// WithDeviceName sets the debug label reported to the backend for the
// logical device.
func WithDeviceName(name string) DeviceOption {
	return func(s *DeviceSettings) {
		s.name = name
	}
}

// WithForceFallbackAdapter forces adapter selection onto a software/fallback
// adapter, useful for headless CI environments without a real GPU.
func WithForceFallbackAdapter(force bool) DeviceOption {
	return func(s *DeviceSettings) {
		s.forceFallbackAdapter = force
	}
}

// WithValidation toggles the validation/debug-label bookkeeping path. When
// disabled, debug names passed to CreateBuffer/CreateImage are discarded.
func WithValidation(enabled bool) DeviceOption {
	return func(s *DeviceSettings) {
		s.validationEnabled = enabled
	}
}

// WithHeadless marks the device as surface-less: ConfigureSurface becomes a
// no-op and FrameGraph must not be used against it.
func WithHeadless(headless bool) DeviceOption {
	return func(s *DeviceSettings) {
		s.headless = headless
	}
}

// WithMaxBindGroups raises the adapter's requested bind-group limit, needed
// because the bindless descriptor table occupies two dedicated groups on
// top of whatever the embedding application's own pipelines use.
func WithMaxBindGroups(max uint32) DeviceOption {
	return func(s *DeviceSettings) {
		s.maxBindGroups = max
	}
}

// WithRequiredFeatures requests optional WebGPU features (e.g. binding
// arrays) be enabled on the logical device. They are passed to the device
// request as required features, so NewGPUDevice returns an error when the
// adapter does not support one of them.
func WithRequiredFeatures(features ...wgpu.FeatureName) DeviceOption {
	return func(s *DeviceSettings) {
		s.requiredFeatures = append(s.requiredFeatures, features...)
	}
}

// ValidationStats accumulates validation-layer counters across a process.
// It mirrors the role of a single profiler-like instance per process: reset
// whenever a new GPUDevice is constructed.
type ValidationStats struct {
	mu                 sync.Mutex
	notFoundErrors     uint64
	declarationErrors  uint64
	bindingErrors      uint64
	contractViolations uint64
	validationWarnings uint64
}

// processStats is the single ValidationStats instance shared by every
// GPUDevice in the process.
var processStats = &ValidationStats{}

// reset zeroes every counter.
func (v *ValidationStats) reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.notFoundErrors = 0
	v.declarationErrors = 0
	v.bindingErrors = 0
	v.contractViolations = 0
	v.validationWarnings = 0
}

func (v *ValidationStats) incr(counter *uint64) {
	v.mu.Lock()
	*counter++
	v.mu.Unlock()
}

// CountNotFound records a zero/unknown/stale handle error.
func (v *ValidationStats) CountNotFound() { v.incr(&v.notFoundErrors) }

// CountDeclarationError records an invalid task declaration.
func (v *ValidationStats) CountDeclarationError() { v.incr(&v.declarationErrors) }

// CountBindingError records a slot-exhaustion or reflection-lookup failure.
func (v *ValidationStats) CountBindingError() { v.incr(&v.bindingErrors) }

// CountContractViolation records a usage-contract violation on a command list.
func (v *ValidationStats) CountContractViolation() { v.incr(&v.contractViolations) }

// CountWarning records a post-execution validation warning.
func (v *ValidationStats) CountWarning() { v.incr(&v.validationWarnings) }

// ValidationStatsSnapshot is a copyable view of the accumulated counters.
type ValidationStatsSnapshot struct {
	NotFoundErrors     uint64
	DeclarationErrors  uint64
	BindingErrors      uint64
	ContractViolations uint64
	ValidationWarnings uint64
}

// Snapshot returns a consistent copy of the counters.
func (v *ValidationStats) Snapshot() ValidationStatsSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return ValidationStatsSnapshot{
		NotFoundErrors:     v.notFoundErrors,
		DeclarationErrors:  v.declarationErrors,
		BindingErrors:      v.bindingErrors,
		ContractViolations: v.contractViolations,
		ValidationWarnings: v.validationWarnings,
	}
}

// GPUDevice wraps the WebGPU instance/adapter/device/queue bring-up shared
// by every other component in this package (ResourceManager, PipelineManager,
// CommandList, TaskGraph). It is the collaborator named "the GPU API" in the
// accompanying design document — out of scope for the task-graph core
// proper, but required scaffolding every other component is built on.
type GPUDevice struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	surface  *wgpu.Surface

	settings DeviceSettings
	stats    *ValidationStats

	surfaceFormat *wgpu.TextureFormat
}

// NewGPUDevice creates the WebGPU instance, requests an adapter and a
// logical device, and resolves the default queue. surfaceDescriptor may be
// nil for a headless device; a nil descriptor combined with
// WithHeadless(false) still produces a usable device, just one that can
// never ConfigureSurface.
//
// Parameters:
//   - surfaceDescriptor: platform surface descriptor from a window, or nil for headless use
//   - options: functional options for device configuration
//
// Returns:
//   - *GPUDevice: the constructed device
//   - error: an error if adapter/device request fails
func NewGPUDevice(surfaceDescriptor *wgpu.SurfaceDescriptor, options ...DeviceOption) (*GPUDevice, error) {
	settings := DeviceSettings{
		name:              "gpu-taskgraph Device",
		validationEnabled: true,
		maxBindGroups:     4,
	}
	for _, opt := range options {
		opt(&settings)
	}

	runtime.LockOSThread()

	processStats.reset()
	d := &GPUDevice{
		instance: wgpu.CreateInstance(nil),
		settings: settings,
		stats:    processStats,
	}

	var compatibleSurface *wgpu.Surface
	if surfaceDescriptor != nil {
		compatibleSurface = d.instance.CreateSurface(surfaceDescriptor)
		d.surface = compatibleSurface
	}

	adapter, err := d.instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		ForceFallbackAdapter: settings.forceFallbackAdapter,
		CompatibleSurface:    compatibleSurface,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: request adapter: %w", err)
	}
	d.adapter = adapter

	limits := wgpu.DefaultLimits()
	if settings.maxBindGroups > limits.MaxBindGroups {
		limits.MaxBindGroups = settings.maxBindGroups
	}

	device, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label: settings.name,
		RequiredLimits: &wgpu.RequiredLimits{
			Limits: limits,
		},
		RequiredFeatures: settings.requiredFeatures,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: request device: %w", err)
	}
	d.device = device
	d.queue = device.GetQueue()

	return d, nil
}

// Device returns the underlying wgpu.Device.
func (d *GPUDevice) Device() *wgpu.Device {
	return d.device
}

// Queue returns the underlying wgpu.Queue.
func (d *GPUDevice) Queue() *wgpu.Queue {
	return d.queue
}

// Adapter returns the underlying wgpu.Adapter.
func (d *GPUDevice) Adapter() *wgpu.Adapter {
	return d.adapter
}

// Surface returns the underlying wgpu.Surface, or nil for a headless device.
func (d *GPUDevice) Surface() *wgpu.Surface {
	return d.surface
}

// SurfaceFormat returns the texture format chosen by the most recent
// ConfigureSurface call, or nil if the surface has not been configured yet.
func (d *GPUDevice) SurfaceFormat() *wgpu.TextureFormat {
	return d.surfaceFormat
}

// Stats returns the process-wide validation counters for this device.
func (d *GPUDevice) Stats() *ValidationStats {
	return d.stats
}

// ValidationEnabled reports whether the debug-name/validation bookkeeping
// path is on for this device.
func (d *GPUDevice) ValidationEnabled() bool {
	return d.settings.validationEnabled
}

// ConfigureSurface (re)configures the swapchain surface for the given pixel
// dimensions. A no-op on a headless device. Must be called once after
// construction and again on every window resize.
//
// Parameters:
//   - width: surface width in pixels
//   - height: surface height in pixels
func (d *GPUDevice) ConfigureSurface(width, height int) {
	if d.settings.headless || d.surface == nil {
		return
	}

	capabilities := d.surface.GetCapabilities(d.adapter)
	if len(capabilities.Formats) == 0 {
		return
	}
	d.surfaceFormat = &capabilities.Formats[0]

	alphaMode := wgpu.CompositeAlphaModeAuto
	if len(capabilities.AlphaModes) > 0 {
		alphaMode = capabilities.AlphaModes[0]
	}

	d.surface.Configure(d.adapter, d.device, &wgpu.SurfaceConfiguration{
		Usage:       wgpu.TextureUsageRenderAttachment,
		Format:      *d.surfaceFormat,
		Width:       uint32(width),
		Height:      uint32(height),
		PresentMode: wgpu.PresentModeImmediate,
		AlphaMode:   alphaMode,
	})
}

// Release tears down the device in reverse order of acquisition.
func (d *GPUDevice) Release() {
	if d.queue != nil {
		d.queue.Release()
	}
	if d.device != nil {
		d.device.Release()
	}
	if d.adapter != nil {
		d.adapter.Release()
	}
	if d.surface != nil {
		d.surface.Release()
	}
	if d.instance != nil {
		d.instance.Release()
	}
}
