// Package exectask implements the core operator-execution engine: the
// estimate/reserve/prepare/run/finish pipeline that runs one graph
// node's kernel on a shared inference/training server while accounting
// for the memory it consumes. Grounded throughout on the teacher's
// server.Scheduler (admission, retry-on-exhaustion) and ml.Context
// (per-call device state) pairing.
package exectask

import "github.com/nnserve/exectask/resource"

// OperationTask is the interface the scheduler drives an operator
// through. ExecTask is this package's implementation; the interface
// exists so tests and a future scheduler can substitute a fake.
type OperationTask interface {
	// SupportedDeviceTypes lists the device kinds this task's node
	// could run on, in preference order.
	SupportedDeviceTypes() []resource.DeviceKind
	// EstimatedUsage returns the task's best estimate of the resources
	// it will consume if run on dev, memoized per device.
	EstimatedUsage(dev resource.DeviceSpec) resource.Map
	// Prepare binds ctx (the device/ticket the scheduler granted) to
	// the task and does the device-compatibility and kernel-lookup
	// work needed before Run can proceed. It returns false if the task
	// cannot run on ctx.Spec (e.g. a stateful kernel bound to a
	// different device) — the scheduler must pick elsewhere.
	Prepare(ctx *resource.Context) bool
	// Run executes the task's kernel, invoking cb's callbacks at the
	// points spec.md §4.7/§4.8 fix.
	Run(cb Callbacks)
	// LastUsage returns the estimate that was cached for dev when this
	// task's most recent successful run finished, if one was recorded.
	LastUsage(dev resource.DeviceSpec) (resource.Map, bool)
	// FailedTimes returns the number of prior MemFailed outcomes for
	// this task.
	FailedTimes() uint32
}

// State is an ExecTask's position in its lifecycle.
type State int

const (
	Created State = iota
	Prepared
	Running
	Succeeded
	MemFailed
	Errored
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Prepared:
		return "prepared"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case MemFailed:
		return "mem_failed"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}
