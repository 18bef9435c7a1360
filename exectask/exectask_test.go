package exectask

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nnserve/exectask/dataflow"
	"github.com/nnserve/exectask/device"
	"github.com/nnserve/exectask/kernel"
	"github.com/nnserve/exectask/resource"
	"github.com/nnserve/exectask/sessiontrack"
	"github.com/nnserve/exectask/syncutil"
)

// recordingExecutor is a dataflow.ExecutorState fake that records the
// order in which the engine calls into it, so tests can assert the
// ordering guarantees documented on Callbacks.
type recordingExecutor struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingExecutor) record(name string) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
}

func (r *recordingExecutor) PrepareInputs(node *dataflow.Node) ([]dataflow.Value, error) {
	r.record("PrepareInputs")
	return nil, nil
}

func (r *recordingExecutor) ProcessOutputs(node *dataflow.Node, raw []dataflow.Value) ([]dataflow.Value, error) {
	r.record("ProcessOutputs")
	return raw, nil
}

func (r *recordingExecutor) PropagateOutputs(node *dataflow.Node, outputs []dataflow.Value) []dataflow.TaggedNode {
	r.record("PropagateOutputs")
	return nil
}

func (r *recordingExecutor) MaybeMarkCompleted(node *dataflow.Node) {
	r.record("MaybeMarkCompleted")
}

func (r *recordingExecutor) NodeDone(node *dataflow.Node, ready, inlineReady []dataflow.TaggedNode) bool {
	r.record("NodeDone")
	return false
}

func (r *recordingExecutor) Finish() {
	r.record("Finish")
}

func (r *recordingExecutor) Rendezvous() dataflow.Rendezvous { return nil }

func gpuSpec() resource.DeviceSpec { return resource.DeviceSpec{Kind: resource.GPU, Ordinal: 0} }

func newMonitorCtx(t *testing.T, capacity resource.Map) *resource.Context {
	mon := resource.NewMonitor(capacity)
	ticket, err := mon.Reserve(capacity)
	require.NoError(t, err)
	return &resource.Context{Spec: gpuSpec(), Ticket: ticket, Monitor: mon}
}

func syncKernelFactory(fn func(*kernel.OpContext) error) func(*dataflow.Node, resource.DeviceSpec) (*kernel.OpKernel, error) {
	return func(node *dataflow.Node, dev resource.DeviceSpec) (*kernel.OpKernel, error) {
		return &kernel.OpKernel{ID: node.ID, NodeID: node.ID, Device: dev, Fn: fn}, nil
	}
}

// S1: happy sync path — kernel succeeds, Launched fires before Done,
// outputs propagate before Done, and the reservation is released.
func TestRunHappySyncPath(t *testing.T) {
	node := &dataflow.Node{ID: "n1", Name: "add", NumOutputs: 1}
	devReg := device.NewMapRegistry("g1", nil, device.NewDevice("gpu0", gpuSpec()))
	kReg := kernel.NewMapRegistry(syncKernelFactory(func(octx *kernel.OpContext) error {
		octx.Outputs[0] = dataflow.Value{Name: "out0"}
		return nil
	}))
	exec := &recordingExecutor{}
	numFinished := syncutil.NewSemaphore(0)

	task := NewExecTask(Config{
		Node:           node,
		DeviceRegistry: devReg,
		KernelRegistry: kReg,
		Executor:       exec,
		NumFinishedOps: numFinished,
		MaxFailures:    4,
	})

	ctx := newMonitorCtx(t, resource.Map{})
	require.True(t, task.Prepare(ctx))

	var order []string
	var mu sync.Mutex
	var doneErr error
	var wg sync.WaitGroup
	wg.Add(1)
	task.Run(Callbacks{
		Launched: func() { mu.Lock(); order = append(order, "launched"); mu.Unlock() },
		Done: func(err error) {
			mu.Lock()
			order = append(order, "done")
			doneErr = err
			mu.Unlock()
			wg.Done()
		},
	})
	wg.Wait()

	require.NoError(t, doneErr)
	require.Equal(t, []string{"launched", "done"}, order)
	require.Equal(t, Succeeded, task.State())
	require.Equal(t, []string{"PrepareInputs", "ProcessOutputs", "PropagateOutputs", "MaybeMarkCompleted", "NodeDone"}, exec.calls)
	require.Equal(t, 0, ctx.Monitor.Snapshot().OutstandingN, "ticket must be released by finish")
	require.True(t, numFinished.TryWait(1), "num_finished_ops must be incremented by finish on the sync happy path")
}

// S2: RESOURCE_EXHAUSTED triggers MemFailure instead of Done, bumps
// FailedTimes, and the estimator then scales the session's prior usage
// down using the exact numbers spec.md calls out: 1200 at failures=1,
// maxFailures=4 scales to 75.
func TestOOMTriggersMemFailureAndScalesEstimate(t *testing.T) {
	node := &dataflow.Node{ID: "n2", Name: "matmul", NumOutputs: 1, SessionHandle: "sess-1"}
	devReg := device.NewMapRegistry("g1", nil, device.NewDevice("gpu0", gpuSpec()))
	kReg := kernel.NewMapRegistry(syncKernelFactory(func(octx *kernel.OpContext) error {
		return resource.ErrExhausted
	}))
	tracker := sessiontrack.NewMapTracker()
	tag := resource.Tag{Kind: resource.Memory, Device: gpuSpec()}
	tracker.Record("sess-1", sessiontrack.SessionUsage{Temporary: resource.Map{tag: 1200}})

	task := NewExecTask(Config{
		Node:           node,
		DeviceRegistry: devReg,
		KernelRegistry: kReg,
		Tracker:        tracker,
		MaxFailures:    4,
	})

	ctx := newMonitorCtx(t, resource.Map{})
	require.True(t, task.Prepare(ctx))

	var memFailed, done bool
	var wg sync.WaitGroup
	wg.Add(1)
	task.Run(Callbacks{
		MemFailure: func() { memFailed = true; wg.Done() },
		Done:       func(err error) { done = true; wg.Done() },
	})
	wg.Wait()

	require.True(t, memFailed)
	require.False(t, done, "Done must not fire on a MemFailed attempt")
	require.Equal(t, uint32(1), task.FailedTimes())
	require.Equal(t, MemFailed, task.State())

	usage := task.EstimatedUsage(gpuSpec())
	require.Equal(t, float64(75), usage[tag])
}

// S3: a stateful kernel bound to a different device than the one
// offered must reject Prepare without touching the caller's
// reservation — the caller built ctx outside of Prepare, so "untouched"
// falls out of Prepare never calling into ctx.Monitor on this path.
func TestPrepareRejectsStatefulKernelOnWrongDevice(t *testing.T) {
	node := &dataflow.Node{ID: "n3", Name: "rnn_cell", NumOutputs: 1}
	boundSpec := resource.DeviceSpec{Kind: resource.GPU, Ordinal: 1}
	devReg := device.NewMapRegistry("g1", nil, device.NewDevice("gpu0", gpuSpec()))

	// pre-seed the registry with a stateful kernel already bound to
	// boundSpec, as if an earlier Prepare created it for that device.
	statefulReg := kernel.NewMapRegistry(func(n *dataflow.Node, dev resource.DeviceSpec) (*kernel.OpKernel, error) {
		return &kernel.OpKernel{ID: n.ID, NodeID: n.ID, Device: boundSpec, Stateful: true}, nil
	})
	_, err := statefulReg.CreateKernel(node, boundSpec, nil)
	require.NoError(t, err)

	task := NewExecTask(Config{
		Node:           node,
		DeviceRegistry: devReg,
		KernelRegistry: statefulReg,
		MaxFailures:    4,
	})

	capacity := resource.Map{{Kind: resource.Memory, Device: gpuSpec()}: 100}
	mon := resource.NewMonitor(capacity)
	snapBefore := mon.Snapshot()

	ctx := &resource.Context{Spec: gpuSpec(), Monitor: mon}
	require.False(t, task.Prepare(ctx))
	require.Equal(t, Created, task.State())

	snapAfter := mon.Snapshot()
	require.Equal(t, snapBefore, snapAfter, "a rejected Prepare must not touch the ledger")
}

// S4: a dead transfer node still has its kernel invoked.
func TestDeadTransferNodeStillInvokesKernel(t *testing.T) {
	node := &dataflow.Node{ID: "n4", Name: "xfer", NumOutputs: 1, IsDead: true, IsTransferNode: true}
	devReg := device.NewMapRegistry("g1", nil, device.NewDevice("gpu0", gpuSpec()))
	invoked := false
	kReg := kernel.NewMapRegistry(syncKernelFactory(func(octx *kernel.OpContext) error {
		invoked = true
		return nil
	}))
	exec := &recordingExecutor{}

	task := NewExecTask(Config{Node: node, DeviceRegistry: devReg, KernelRegistry: kReg, Executor: exec, MaxFailures: 4})
	ctx := newMonitorCtx(t, resource.Map{})
	require.True(t, task.Prepare(ctx))

	var wg sync.WaitGroup
	wg.Add(1)
	task.Run(Callbacks{Done: func(error) { wg.Done() }})
	wg.Wait()

	require.True(t, invoked, "a dead transfer node's kernel must still run")
}

// S5: a dead non-transfer node skips its kernel but still propagates
// (dead) outputs downstream.
func TestDeadNonTransferNodeSkipsKernelButPropagates(t *testing.T) {
	node := &dataflow.Node{ID: "n5", Name: "relu", NumOutputs: 1, IsDead: true, IsTransferNode: false}
	devReg := device.NewMapRegistry("g1", nil, device.NewDevice("gpu0", gpuSpec()))
	invoked := false
	kReg := kernel.NewMapRegistry(syncKernelFactory(func(octx *kernel.OpContext) error {
		invoked = true
		return nil
	}))
	exec := &recordingExecutor{}

	task := NewExecTask(Config{Node: node, DeviceRegistry: devReg, KernelRegistry: kReg, Executor: exec, MaxFailures: 4})
	ctx := newMonitorCtx(t, resource.Map{})
	require.True(t, task.Prepare(ctx))

	var wg sync.WaitGroup
	wg.Add(1)
	var doneErr error
	task.Run(Callbacks{Done: func(err error) { doneErr = err; wg.Done() }})
	wg.Wait()

	require.False(t, invoked, "a dead non-transfer node's kernel must be skipped")
	require.NoError(t, doneErr)
	require.Contains(t, exec.calls, "ProcessOutputs")
	require.Contains(t, exec.calls, "PropagateOutputs")
}

// fakeShapeContext implements dataflow.ShapeContext with a single
// output whose shape is unknown, exercising the "shape unknown" edge
// case: the estimate must come back empty rather than erroring, and a
// zero-sized reservation against it must succeed.
type fakeShapeContext struct{}

func (fakeShapeContext) NumOutputs() int                  { return 1 }
func (fakeShapeContext) RankKnown(output int) bool        { return false }
func (fakeShapeContext) Rank(output int) int               { return 0 }
func (fakeShapeContext) ValueKnown(output, dim int) bool   { return false }
func (fakeShapeContext) Value(output, dim int) int64       { return 0 }
func (fakeShapeContext) OutputDType(output int) dataflow.DType { return dataflow.Float32 }

// S6: unknown shape yields an empty estimate, and a zero-sized
// reservation against an empty-capacity monitor still succeeds.
func TestUnknownShapeYieldsEmptyEstimate(t *testing.T) {
	node := &dataflow.Node{ID: "n6", Name: "dynamic_op", NumOutputs: 1}
	task := NewExecTask(Config{
		Node: node,
		ShapeFn: func(n *dataflow.Node) (dataflow.ShapeContext, bool) {
			return fakeShapeContext{}, true
		},
		MaxFailures: 4,
	})

	usage := task.EstimatedUsage(gpuSpec())
	require.Empty(t, usage)

	mon := resource.NewMonitor(resource.Map{})
	ticket, err := mon.Reserve(usage)
	require.NoError(t, err)
	require.False(t, ticket.Zero())
}

// TestMemoryTypeCorrectionChargesHostOutputsToCPU exercises the
// cpuTag fix: an output the memory-type registry reports as host
// memory must be charged to (Memory, cpu) even though the kernel itself
// runs on a GPU device.
func TestMemoryTypeCorrectionChargesHostOutputsToCPU(t *testing.T) {
	node := &dataflow.Node{ID: "n7", Name: "shape_op", NumOutputs: 1}
	shapes := knownShape{dtype: dataflow.Int32, dims: []int64{4}}
	task := NewExecTask(Config{
		Node: node,
		ShapeFn: func(n *dataflow.Node) (dataflow.ShapeContext, bool) {
			return shapes, true
		},
		MemoryTypes: staticMemoryTypes{output: kernel.HostMemory},
		MaxFailures: 4,
	})

	usage := task.EstimatedUsage(gpuSpec())
	cpuTag := resource.Tag{Kind: resource.Memory, Device: resource.DeviceSpec{Kind: resource.CPU}}
	gpuTag := resource.Tag{Kind: resource.Memory, Device: gpuSpec()}

	require.Equal(t, float64(16), usage[cpuTag])
	require.Zero(t, usage[gpuTag])
}

type knownShape struct {
	dtype dataflow.DType
	dims  []int64
}

func (k knownShape) NumOutputs() int                { return 1 }
func (k knownShape) RankKnown(output int) bool       { return true }
func (k knownShape) Rank(output int) int             { return len(k.dims) }
func (k knownShape) ValueKnown(output, dim int) bool { return true }
func (k knownShape) Value(output, dim int) int64     { return k.dims[dim] }
func (k knownShape) OutputDType(output int) dataflow.DType { return k.dtype }

type staticMemoryTypes struct {
	output kernel.MemoryType
}

func (s staticMemoryTypes) MemoryTypesForNode(node *dataflow.Node, deviceType resource.DeviceKind) ([]kernel.MemoryType, []kernel.MemoryType, error) {
	return nil, []kernel.MemoryType{s.output}, nil
}

// TestRunInWrongStateReturnsError guards against Run being called
// before Prepare.
func TestRunInWrongStateReturnsError(t *testing.T) {
	node := &dataflow.Node{ID: "n8", Name: "noop", NumOutputs: 0}
	task := NewExecTask(Config{Node: node, MaxFailures: 4})

	var gotErr error
	var wg sync.WaitGroup
	wg.Add(1)
	task.Run(Callbacks{Done: func(err error) { gotErr = err; wg.Done() }})
	wg.Wait()

	require.Error(t, gotErr)
}

func TestAsyncKernelNotifiesBeforeDone(t *testing.T) {
	node := &dataflow.Node{ID: "n9", Name: "async_copy", NumOutputs: 1}
	devReg := device.NewMapRegistry("g1", nil, device.NewDevice("gpu0", gpuSpec()))
	kReg := kernel.NewMapRegistry(func(n *dataflow.Node, dev resource.DeviceSpec) (*kernel.OpKernel, error) {
		return &kernel.OpKernel{
			ID: n.ID, NodeID: n.ID, Device: dev, IsAsync: true,
			AsyncFn: func(octx *kernel.OpContext, done func(error)) {
				go done(nil)
			},
		}, nil
	})

	numFinished := syncutil.NewSemaphore(0)
	task := NewExecTask(Config{Node: node, DeviceRegistry: devReg, KernelRegistry: kReg, NumFinishedOps: numFinished, MaxFailures: 4})
	ctx := newMonitorCtx(t, resource.Map{})
	require.True(t, task.Prepare(ctx))

	var order []string
	var notifiedBeforeDone bool
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(1)
	task.Run(Callbacks{
		Launched: func() { mu.Lock(); order = append(order, "launched"); mu.Unlock() },
		Done: func(error) {
			mu.Lock()
			order = append(order, "done")
			notifiedBeforeDone = numFinished.TryWait(1)
			mu.Unlock()
			wg.Done()
		},
	})
	wg.Wait()

	require.Equal(t, []string{"launched", "done"}, order)
	require.True(t, notifiedBeforeDone, "num_finished_ops must be notified before Done on the async path")
}

func TestErrorsIsExhausted(t *testing.T) {
	require.True(t, errors.Is(resource.ErrExhausted, resource.ErrExhausted))
}
