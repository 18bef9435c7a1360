package dataflow

// Rendezvous is the cross-device/cross-step handoff point a transfer
// node's outputs go through, kept opaque here — the engine only needs
// to pass it through to ExecutorState, never to address it directly.
type Rendezvous interface {
	Send(key string, v Value) error
	Recv(key string) (Value, error)
}

// TaggedNode pairs a Node with the frame/iteration coordinates the
// host executor's control-flow machinery uses to distinguish the same
// node running in different loop iterations.
type TaggedNode struct {
	Node        *Node
	FrameID     int
	IterationID int
}

// ExecutorState is the host dataflow executor's state, driven but not
// owned by the engine: the engine calls into it at well-defined points
// in an ExecTask's run/finish sequence (spec.md §4.7, §4.9), and the
// executor owns the ready-set, the frame/iteration bookkeeping, and
// deciding when the whole graph run is complete.
type ExecutorState interface {
	// PrepareInputs gathers node's input Values, blocking on upstream
	// producers or the Rendezvous as needed.
	PrepareInputs(node *Node) ([]Value, error)
	// ProcessOutputs validates/adjusts a kernel's raw outputs (e.g.
	// dead-propagation for a discarded branch) before they are
	// propagated downstream.
	ProcessOutputs(node *Node, raw []Value) ([]Value, error)
	// PropagateOutputs pushes node's outputs to every downstream
	// consumer, returning the consumers that just became ready to run.
	PropagateOutputs(node *Node, outputs []Value) []TaggedNode
	// MaybeMarkCompleted lets the executor note that node's subgraph
	// (e.g. a control-flow frame) might now be finished.
	MaybeMarkCompleted(node *Node)
	// NodeDone folds node's ready and inline-ready successors into the
	// executor's ready-set and reports whether the whole run is now
	// complete.
	NodeDone(node *Node, ready []TaggedNode, inlineReady []TaggedNode) (completed bool)
	// Finish tears down executor-owned state once the run is complete.
	Finish()
	// Rendezvous returns the handoff point this run's transfer nodes
	// use.
	Rendezvous() Rendezvous
}
