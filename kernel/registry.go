// Package kernel models operator-kernel lookup and creation: the
// device-specific compiled implementation of a graph node's op, plus
// the per-node, per-device-type memory placement rules the estimator
// consults to decide whether an output is charged to host or device
// memory. Grounded on the teacher's ml.Backend/ml.Context split
// between "what graph a node belongs to" and "what device runs it".
package kernel

import (
	"fmt"

	"github.com/nnserve/exectask/dataflow"
	"github.com/nnserve/exectask/resource"
)

// MemoryType classifies where an input or output tensor of a kernel
// physically lives, independent of the device the kernel itself runs
// on — a device-op can still read/write host memory for things like
// shape tensors.
type MemoryType int

const (
	DeviceMemory MemoryType = iota
	HostMemory
)

func (m MemoryType) String() string {
	if m == HostMemory {
		return "host"
	}
	return "device"
}

// MemoryTypes answers memory-placement queries for a node's inputs and
// outputs on a given device type, consulted by the estimator to decide
// which resource.Tag an output's bytes are charged against (spec.md
// §9's cpuTag correction: HostMemory outputs are charged to
// (Memory, cpu) regardless of which device the kernel executes on).
type MemoryTypes interface {
	MemoryTypesForNode(node *dataflow.Node, deviceType resource.DeviceKind) (inputTypes, outputTypes []MemoryType, err error)
}

// OpContext is passed to a kernel's Fn/AsyncFn: the inputs it reads,
// the outputs it must populate, and the resource.Context it charges
// memory against as it allocates.
type OpContext struct {
	Node        *dataflow.Node
	Inputs      []dataflow.Value
	Outputs     []dataflow.Value
	ResourceCtx *resource.Context
}

// OpKernel is the device-bound, compiled form of a node ready to run.
// Stateful kernels (e.g. a persistent RNN cell) can only execute on the
// device they were created for — prepare() checks this by comparing
// Device against the task's assigned DeviceSpec.
type OpKernel struct {
	ID       string
	NodeID   string
	Device   resource.DeviceSpec
	Stateful bool
	IsAsync  bool

	Fn      func(*OpContext) error
	AsyncFn func(*OpContext, func(error))
}

// FunctionLibrary is the opaque handle a kernel's creation/deletion
// routines use to resolve function-call ops; the engine only threads
// it through, it never inspects it.
type FunctionLibrary interface {
	Name() string
}

// Registry looks up and creates OpKernels for graph nodes, mirroring
// the device-kernel cache a real runtime keeps so repeated runs of the
// same node on the same device skip recompilation.
type Registry interface {
	FindKernel(node *dataflow.Node) (deviceName string, k *OpKernel, found bool)
	CreateKernel(node *dataflow.Node, dev resource.DeviceSpec, lib FunctionLibrary) (*OpKernel, error)
	DeleteKernel(k *OpKernel, lib FunctionLibrary)
}

// MapRegistry is an in-memory Registry keyed by node ID, sufficient for
// a single-process engine and for tests; a networked deployment would
// back this with a shared cache instead.
type MapRegistry struct {
	mu      map[string]entry
	factory func(node *dataflow.Node, dev resource.DeviceSpec) (*OpKernel, error)
}

type entry struct {
	deviceName string
	kernel     *OpKernel
}

// NewMapRegistry returns a Registry whose CreateKernel delegates to
// factory and whose FindKernel serves prior CreateKernel results keyed
// by node ID — a node's kernel is considered cached regardless of
// which device it was created for, matching the "3 outcomes" probe
// described in spec.md §4.6 (FindKernel can return a kernel bound to a
// different device than the one being prepared for).
func NewMapRegistry(factory func(node *dataflow.Node, dev resource.DeviceSpec) (*OpKernel, error)) *MapRegistry {
	return &MapRegistry{mu: make(map[string]entry), factory: factory}
}

func (r *MapRegistry) FindKernel(node *dataflow.Node) (string, *OpKernel, bool) {
	e, ok := r.mu[node.ID]
	if !ok {
		return "", nil, false
	}
	return e.deviceName, e.kernel, true
}

func (r *MapRegistry) CreateKernel(node *dataflow.Node, dev resource.DeviceSpec, lib FunctionLibrary) (*OpKernel, error) {
	if r.factory == nil {
		return nil, fmt.Errorf("kernel: no factory configured for node %q", node.ID)
	}
	k, err := r.factory(node, dev)
	if err != nil {
		return nil, err
	}
	r.mu[node.ID] = entry{deviceName: dev.String(), kernel: k}
	return k, nil
}

func (r *MapRegistry) DeleteKernel(k *OpKernel, lib FunctionLibrary) {
	delete(r.mu, k.NodeID)
}
