package exectask

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nnserve/exectask/dataflow"
	"github.com/nnserve/exectask/device"
	"github.com/nnserve/exectask/kernel"
	"github.com/nnserve/exectask/resource"
	"github.com/nnserve/exectask/sessiontrack"
	"github.com/nnserve/exectask/syncutil"
)

// ErrUnsupportedDevice describes a node that has no kernel available for
// the device class it was asked to prepare on. Prepare reports that case
// by returning false; no function in this package returns this error.
var ErrUnsupportedDevice = errors.New("exectask: node has no kernel for this device type")

// DeviceItem is the device-side state an ExecTask builds during
// prepare and discards when the task is destroyed: the per-task device
// facade, the function library used to create/delete the kernel, and
// whether the device wants accessed-tensor bookkeeping.
type DeviceItem struct {
	PerTaskDevice    device.PerTaskDevice
	FunctionLibrary  kernel.FunctionLibrary
	RecordsAccessed  bool
}

// ExecTask drives one graph node through estimate -> prepare -> run ->
// finish, tracking the resources it consumes so the caller can retry on
// RESOURCE_EXHAUSTED without losing track of the node's state.
type ExecTask struct {
	node *dataflow.Node

	deviceRegistry device.Registry
	kernelRegistry kernel.Registry
	memTypes       kernel.MemoryTypes
	tracker        sessiontrack.Tracker
	shapeFn        func(*dataflow.Node) (dataflow.ShapeContext, bool)
	executor       dataflow.ExecutorState
	numFinishedOps *syncutil.Semaphore

	maxFailures uint32
	failures    atomic.Uint32

	mu          sync.Mutex
	state       State
	cachedUsage map[resource.DeviceSpec]resource.Map
	lastUsage   map[resource.DeviceSpec]resource.Map

	rctx       *resource.Context
	deviceItem *DeviceItem
	opKernel   *kernel.OpKernel
}

// Config bundles the collaborators an ExecTask needs, mirroring the
// teacher's pattern of a single options struct handed to its
// constructors rather than a long positional parameter list.
type Config struct {
	Node           *dataflow.Node
	DeviceRegistry device.Registry
	KernelRegistry kernel.Registry
	MemoryTypes    kernel.MemoryTypes
	Tracker        sessiontrack.Tracker
	ShapeFn        func(*dataflow.Node) (dataflow.ShapeContext, bool)
	Executor       dataflow.ExecutorState
	NumFinishedOps *syncutil.Semaphore
	MaxFailures    uint32
}

// NewExecTask constructs an ExecTask from cfg. All fields aside from
// Node are optional collaborators; a nil ShapeFn or Tracker degrades
// estimation to "no estimate available" rather than panicking.
func NewExecTask(cfg Config) *ExecTask {
	return &ExecTask{
		node:           cfg.Node,
		deviceRegistry: cfg.DeviceRegistry,
		kernelRegistry: cfg.KernelRegistry,
		memTypes:       cfg.MemoryTypes,
		tracker:        cfg.Tracker,
		shapeFn:        cfg.ShapeFn,
		executor:       cfg.Executor,
		numFinishedOps: cfg.NumFinishedOps,
		maxFailures:    cfg.MaxFailures,
		cachedUsage:    make(map[resource.DeviceSpec]resource.Map),
		lastUsage:      make(map[resource.DeviceSpec]resource.Map),
		state:          Created,
	}
}

// SupportedDeviceTypes reports the device kinds a kernel could in
// principle exist for, derived from the node's declared op semantics.
// In the absence of a richer op registry every node is assumed capable
// of running on CPU or GPU; a kernel lookup failure during Prepare is
// how an actually-unsupported combination is discovered.
func (e *ExecTask) SupportedDeviceTypes() []resource.DeviceKind {
	return []resource.DeviceKind{resource.GPU, resource.CPU}
}

func (e *ExecTask) FailedTimes() uint32 {
	return e.failures.Load()
}

func (e *ExecTask) LastUsage(dev resource.DeviceSpec) (resource.Map, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.lastUsage[dev]
	return u, ok
}

// State returns the task's current lifecycle state.
func (e *ExecTask) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Prepare binds ctx to the task. It returns false — leaving ctx
// untouched by the caller's reservation bookkeeping — when the node has
// no kernel for ctx.Spec's device type, or when a previously-created
// stateful kernel is bound to a different device than ctx.Spec.
func (e *ExecTask) Prepare(ctx *resource.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	deviceName, found, err := e.resolveKernel(ctx.Spec)
	if err != nil {
		slog.Error("exectask: kernel resolution failed", "node", e.node.Name, "device", ctx.Spec, "err", err)
		e.state = Errored
		return false
	}
	if !found {
		return false
	}

	dev, ok := e.deviceRegistry.Lookup(deviceName)
	if !ok {
		return false
	}
	perTask := e.deviceRegistry.CreatePerTaskDevice(dev)
	perTask.SetResourceContext(ctx)

	e.rctx = ctx
	e.deviceItem = &DeviceItem{
		PerTaskDevice:   perTask,
		RecordsAccessed: perTask.RequiresRecordingAccessedTensors(),
	}
	e.state = Prepared
	return true
}

// resolveKernel implements the three-outcome kernel cache probe: an
// exact hit for this device, a stateful hit bound to a different
// device (reject, caller must not use ctx), or no cached kernel at all
// (create one for ctx.Spec).
func (e *ExecTask) resolveKernel(spec resource.DeviceSpec) (deviceName string, found bool, err error) {
	if e.kernelRegistry == nil {
		return spec.String(), true, nil
	}

	deviceName, k, ok := e.kernelRegistry.FindKernel(e.node)
	if ok {
		if k.Stateful && k.Device != spec {
			return "", false, nil
		}
		e.opKernel = k
		return deviceName, true, nil
	}

	k, cerr := e.kernelRegistry.CreateKernel(e.node, spec, nil)
	if cerr != nil {
		return "", false, fmt.Errorf("create kernel for %s on %s: %w", e.node.Name, spec, cerr)
	}
	e.opKernel = k
	return spec.String(), true, nil
}

// Run executes the node's kernel, dispatching to the sync or async
// path per the kernel's classification, and fires cb's callbacks in
// the order documented on Callbacks.
func (e *ExecTask) Run(cb Callbacks) {
	e.mu.Lock()
	if e.state != Prepared {
		e.mu.Unlock()
		cb.done(fmt.Errorf("exectask: Run called in state %s, want %s", e.state, Prepared))
		return
	}
	e.state = Running
	k := e.opKernel
	di := e.deviceItem
	node := e.node
	rctx := e.rctx
	e.mu.Unlock()

	hasRefInput := node.HasRefInput()

	if node.IsDead && !node.IsTransferNode {
		// A dead non-transfer node's kernel is skipped entirely, but its
		// (dead) outputs still need to be propagated so downstream
		// consumers learn they too are dead.
		e.finish(nil, cb, make([]dataflow.Value, node.NumOutputs))
		return
	}

	octx := &kernel.OpContext{
		Node:        node,
		Outputs:     make([]dataflow.Value, node.NumOutputs),
		ResourceCtx: rctx,
	}
	if e.executor != nil {
		inputs, err := e.executor.PrepareInputs(node)
		if err != nil {
			e.finish(err, cb, nil)
			return
		}
		octx.Inputs = inputs
	}

	if k.IsAsync {
		cb.launched()
		di.PerTaskDevice.ComputeAsync(k, octx, func(err error) {
			e.handleAttemptResult(err, hasRefInput, cb, octx)
		})
		return
	}

	cb.launched()
	err := di.PerTaskDevice.Compute(k, octx)
	e.handleAttemptResult(err, hasRefInput, cb, octx)
}

// handleAttemptResult classifies err as success, OOM-retry, or a
// terminal error, and drives the corresponding finish/retry path.
func (e *ExecTask) handleAttemptResult(err error, hasRefInput bool, cb Callbacks, octx *kernel.OpContext) {
	if err != nil && errors.Is(err, resource.ErrExhausted) {
		if hasRefInput {
			panic("exectask: OOM retry attempted on a task with a reference-typed input; ref inputs cannot be safely rolled back")
		}
		e.mu.Lock()
		e.failures.Add(1)
		// Drop memoized estimates so the next EstimatedUsage call is
		// computed with the new failure count.
		e.cachedUsage = make(map[resource.DeviceSpec]resource.Map)
		e.state = MemFailed
		e.mu.Unlock()
		cb.memFailure()
		return
	}

	e.finish(err, cb, octx.Outputs)
}

// finish implements the completion sequence: propagate outputs (for a
// successful attempt), let the executor fold in newly ready downstream
// nodes and check for run completion, release the task's reservation,
// notify num_finished_ops, then fire Done — in that order, so a caller
// reacting to Done always sees a consistent executor, ledger, and
// semaphore state. This is the one path reached by both the sync and
// async attempts on success or terminal error; an OOM retry returns
// from handleAttemptResult before reaching finish, so num_finished_ops
// is never notified for an attempt that will be retried.
func (e *ExecTask) finish(runErr error, cb Callbacks, rawOutputs []dataflow.Value) {
	var ready []dataflow.TaggedNode
	if e.executor != nil && runErr == nil {
		processed, perr := e.executor.ProcessOutputs(e.node, rawOutputs)
		if perr != nil {
			runErr = perr
		} else {
			ready = e.executor.PropagateOutputs(e.node, processed)
		}
	}

	if e.executor != nil {
		e.executor.MaybeMarkCompleted(e.node)
		e.executor.NodeDone(e.node, ready, nil)
	}

	if e.rctx != nil {
		e.rctx.Release()
	}

	if e.numFinishedOps != nil {
		e.numFinishedOps.Notify(1)
	}

	e.mu.Lock()
	spec := resource.DeviceSpec{}
	if e.rctx != nil {
		spec = e.rctx.Spec
	}
	if runErr != nil {
		e.state = Errored
	} else {
		e.state = Succeeded
		if usage, ok := e.cachedUsage[spec]; ok {
			e.lastUsage[spec] = usage
		}
	}
	e.mu.Unlock()

	cb.done(runErr)
}
