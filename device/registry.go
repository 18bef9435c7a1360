// Package device models the execution-side device abstraction: the
// process-wide Device a kernel is bound to, and the per-task facade
// (PerTaskDevice) the engine actually calls compute through, which
// layers resource-context bookkeeping and accessed-tensor recording on
// top of a shared Device. Grounded on the teacher's ml.Backend
// (process-wide device handle) versus ml.Context (per-call scratch
// state layered on top of it) split.
package device

import (
	"fmt"

	"github.com/nnserve/exectask/kernel"
	"github.com/nnserve/exectask/resource"
)

// Device is a physical or logical compute device, shared across every
// task that runs on it.
type Device interface {
	Name() string
	Spec() resource.DeviceSpec
}

// PerTaskDevice is the per-ExecTask facade the engine drives: it binds
// a Device to one task's resource.Context for the task's lifetime.
type PerTaskDevice interface {
	Name() string
	DeviceType() resource.DeviceKind
	RequiresRecordingAccessedTensors() bool
	Compute(k *kernel.OpKernel, octx *kernel.OpContext) error
	ComputeAsync(k *kernel.OpKernel, octx *kernel.OpContext, done func(error))
	ConsumeListOfAccessedTensors(octx *kernel.OpContext, accessed []resource.Tag)
	SetResourceContext(ctx *resource.Context)
}

// Registry resolves device names to Devices and mints the per-task
// facade the engine installs on an ExecTask during prepare.
type Registry interface {
	Lookup(name string) (Device, bool)
	CreatePerTaskDevice(d Device) PerTaskDevice
}

// simpleDevice is a Device identified by its name and spec. It has no
// compute entry points of its own; the per-task facades call the bound
// kernel's Fn/AsyncFn.
type simpleDevice struct {
	name string
	spec resource.DeviceSpec
}

// NewDevice returns a Device named name bound to spec.
func NewDevice(name string, spec resource.DeviceSpec) Device {
	return &simpleDevice{name: name, spec: spec}
}

func (d *simpleDevice) Name() string            { return d.name }
func (d *simpleDevice) Spec() resource.DeviceSpec { return d.spec }

// perTaskDevice layers a resource.Context and accessed-tensor recording
// flag on top of a shared Device.
type perTaskDevice struct {
	dev             Device
	recordAccessed  bool
	rctx            *resource.Context
}

// NewPerTaskDevice returns a PerTaskDevice wrapping dev. recordAccessed
// mirrors whether the underlying device type needs the engine to track
// which tensors a kernel touched (true for GPU devices, so the
// per-graph stream cache in StreamPool can be kept coherent; false for
// CPU, which has no stream affinity to maintain).
func NewPerTaskDevice(dev Device, recordAccessed bool) PerTaskDevice {
	return &perTaskDevice{dev: dev, recordAccessed: recordAccessed}
}

func (p *perTaskDevice) Name() string                       { return p.dev.Name() }
func (p *perTaskDevice) DeviceType() resource.DeviceKind     { return p.dev.Spec().Kind }
func (p *perTaskDevice) RequiresRecordingAccessedTensors() bool { return p.recordAccessed }

func (p *perTaskDevice) SetResourceContext(ctx *resource.Context) {
	p.rctx = ctx
}

func (p *perTaskDevice) Compute(k *kernel.OpKernel, octx *kernel.OpContext) error {
	if k == nil || k.Fn == nil {
		return fmt.Errorf("device %s: kernel has no synchronous implementation", p.Name())
	}
	if octx.ResourceCtx == nil {
		octx.ResourceCtx = p.rctx
	}
	return k.Fn(octx)
}

func (p *perTaskDevice) ComputeAsync(k *kernel.OpKernel, octx *kernel.OpContext, done func(error)) {
	if k == nil || k.AsyncFn == nil {
		done(fmt.Errorf("device %s: kernel has no asynchronous implementation", p.Name()))
		return
	}
	if octx.ResourceCtx == nil {
		octx.ResourceCtx = p.rctx
	}
	k.AsyncFn(octx, done)
}

// ConsumeListOfAccessedTensors is a no-op, whatever recordAccessed says;
// GPU devices get a StreamPool-aware facade instead, which records the
// tags (see streampool.go).
func (p *perTaskDevice) ConsumeListOfAccessedTensors(octx *kernel.OpContext, accessed []resource.Tag) {
}

// MapRegistry is an in-memory Registry keyed by device name. GPU
// devices are handed a per-task facade backed by a shared StreamPool
// so stream allocation and affinity caching (see streampool.go) are
// actually exercised by the engine rather than only by its own tests;
// non-GPU devices get the plain perTaskDevice with no stream concerns.
type MapRegistry struct {
	devices map[string]Device
	pool    *StreamPool
	graphID string
}

// NewMapRegistry returns a Registry populated with devs, drawing GPU
// stream allocations from pool and caching stream affinity under
// graphID. A nil pool is replaced by a new 128-stream pool, the size of
// config.Defaults.StreamPoolSize.
func NewMapRegistry(graphID string, pool *StreamPool, devs ...Device) *MapRegistry {
	if pool == nil {
		pool = NewStreamPool(0)
	}
	r := &MapRegistry{devices: make(map[string]Device, len(devs)), pool: pool, graphID: graphID}
	for _, d := range devs {
		r.devices[d.Name()] = d
	}
	return r
}

func (r *MapRegistry) Lookup(name string) (Device, bool) {
	d, ok := r.devices[name]
	return d, ok
}

func (r *MapRegistry) CreatePerTaskDevice(d Device) PerTaskDevice {
	if d.Spec().Kind == resource.GPU {
		return NewGPUPerTaskDevice(d, r.pool, r.graphID)
	}
	return NewPerTaskDevice(d, false)
}
