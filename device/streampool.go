package device

import (
	"fmt"
	"sort"
	"sync"

	"github.com/emirpasic/gods/sets/hashset"

	"github.com/nnserve/exectask/kernel"
	"github.com/nnserve/exectask/resource"
)

// StreamPool hands out GPU stream indices to tasks and remembers, per
// graph, which stream a given node was last assigned so repeated runs
// of the same graph keep a node's work on the same stream (stream
// affinity reduces cross-stream synchronization). Two locks are used
// deliberately: poolMu guards allocation/free of the finite stream
// set, cacheMu guards the graph->node->stream affinity map, and the
// pool lock is always acquired first when both are needed, to avoid a
// lock-ordering inversion between allocate-and-remember and
// flush-on-eviction paths.
type StreamPool struct {
	poolMu sync.Mutex
	free   []bool // index i true means stream i is free

	cacheMu sync.Mutex
	cache   map[string]map[string]int // graph ID -> node ID -> stream index
}

// NewStreamPool returns a StreamPool with size streams, all initially
// free. A size of 0 or less defaults to 128, matching the engine's
// config.Defaults.StreamPoolSize.
func NewStreamPool(size int) *StreamPool {
	if size <= 0 {
		size = 128
	}
	free := make([]bool, size)
	for i := range free {
		free[i] = true
	}
	return &StreamPool{free: free, cache: make(map[string]map[string]int)}
}

// Allocate returns up to n distinct free stream indices, smallest
// index first, marking them busy. It returns fewer than n only if the
// pool does not have n free streams; callers must check len(result).
func (p *StreamPool) Allocate(n int) []int {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()

	out := make([]int, 0, n)
	for i := 0; i < len(p.free) && len(out) < n; i++ {
		if p.free[i] {
			p.free[i] = false
			out = append(out, i)
		}
	}
	return out
}

// Free returns streams to the pool. Freeing an out-of-range or already
// free index is a no-op.
func (p *StreamPool) Free(streams []int) {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()

	for _, s := range streams {
		if s >= 0 && s < len(p.free) {
			p.free[s] = true
		}
	}
}

// Size returns the pool's capacity and the number of streams currently
// free, for reporting.
func (p *StreamPool) Size() (capacity, availableNow int) {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()

	n := 0
	for _, f := range p.free {
		if f {
			n++
		}
	}
	return len(p.free), n
}

// StreamFor returns the stream cached for node in graph, if any.
func (p *StreamPool) StreamFor(graphID, nodeID string) (int, bool) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()

	nodes, ok := p.cache[graphID]
	if !ok {
		return 0, false
	}
	s, ok := nodes[nodeID]
	return s, ok
}

// RememberStream records that node in graph ran on stream s, so future
// runs of the same node reuse it.
func (p *StreamPool) RememberStream(graphID, nodeID string, s int) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()

	nodes, ok := p.cache[graphID]
	if !ok {
		nodes = make(map[string]int)
		p.cache[graphID] = nodes
	}
	nodes[nodeID] = s
}

// FlushCacheFor drops all cached stream affinities for graph, used
// when a graph is unloaded and its streams returned to the pool.
func (p *StreamPool) FlushCacheFor(graphID string) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()

	delete(p.cache, graphID)
}

// gpuPerTaskDevice is a PerTaskDevice that draws its compute stream
// from a shared StreamPool and records which tensors a kernel touched,
// as required by RequiresRecordingAccessedTensors for GPU devices.
type gpuPerTaskDevice struct {
	dev     Device
	pool    *StreamPool
	graphID string
	rctx    *resource.Context
	// accessed dedups ConsumeListOfAccessedTensors calls by tag — a
	// kernel reporting the same tensor twice in one invocation must not
	// inflate the stream-affinity bookkeeping downstream.
	accessed *hashset.Set
}

// NewGPUPerTaskDevice returns a PerTaskDevice for dev (which must be a
// GPU device) that allocates its compute stream from pool, caching
// stream affinity under graphID.
func NewGPUPerTaskDevice(dev Device, pool *StreamPool, graphID string) PerTaskDevice {
	return &gpuPerTaskDevice{dev: dev, pool: pool, graphID: graphID, accessed: hashset.New()}
}

func (g *gpuPerTaskDevice) Name() string                       { return g.dev.Name() }
func (g *gpuPerTaskDevice) DeviceType() resource.DeviceKind     { return g.dev.Spec().Kind }
func (g *gpuPerTaskDevice) RequiresRecordingAccessedTensors() bool { return true }

func (g *gpuPerTaskDevice) SetResourceContext(ctx *resource.Context) {
	g.rctx = ctx
}

func (g *gpuPerTaskDevice) streamForNode(nodeID string) int {
	if s, ok := g.pool.StreamFor(g.graphID, nodeID); ok {
		return s
	}
	s := g.pool.Allocate(1)
	if len(s) == 0 {
		return 0
	}
	g.pool.RememberStream(g.graphID, nodeID, s[0])
	return s[0]
}

func (g *gpuPerTaskDevice) Compute(k *kernel.OpKernel, octx *kernel.OpContext) error {
	if k == nil || k.Fn == nil {
		return fmt.Errorf("device %s: kernel has no synchronous implementation", g.Name())
	}
	_ = g.streamForNode(octx.Node.ID)
	if octx.ResourceCtx == nil {
		octx.ResourceCtx = g.rctx
	}
	return k.Fn(octx)
}

func (g *gpuPerTaskDevice) ComputeAsync(k *kernel.OpKernel, octx *kernel.OpContext, done func(error)) {
	if k == nil || k.AsyncFn == nil {
		done(fmt.Errorf("device %s: kernel has no asynchronous implementation", g.Name()))
		return
	}
	_ = g.streamForNode(octx.Node.ID)
	if octx.ResourceCtx == nil {
		octx.ResourceCtx = g.rctx
	}
	k.AsyncFn(octx, done)
}

func (g *gpuPerTaskDevice) ConsumeListOfAccessedTensors(octx *kernel.OpContext, accessed []resource.Tag) {
	for _, tag := range accessed {
		g.accessed.Add(tag)
	}
}

// AccessedTags returns the deduplicated resource tags seen across every
// ConsumeListOfAccessedTensors call so far, sorted for deterministic
// comparison in tests.
func (g *gpuPerTaskDevice) AccessedTags() []resource.Tag {
	values := g.accessed.Values()
	out := make([]resource.Tag, 0, len(values))
	for _, v := range values {
		out = append(out, v.(resource.Tag))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
