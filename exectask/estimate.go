package exectask

import (
	"log/slog"
	"math"

	"github.com/nnserve/exectask/dataflow"
	"github.com/nnserve/exectask/kernel"
	"github.com/nnserve/exectask/resource"
)

// EstimatedUsage returns the task's best-effort resource estimate for
// running on dev, preferring the empirical path (what the session
// actually used last time, scaled down by how many times this task has
// already failed with RESOURCE_EXHAUSTED) and falling back to the
// shape-inference path when no empirical data exists. The result is
// memoized per device so repeated calls during a single admission
// attempt don't redo the work.
func (e *ExecTask) EstimatedUsage(dev resource.DeviceSpec) resource.Map {
	e.mu.Lock()
	if cached, ok := e.cachedUsage[dev]; ok {
		e.mu.Unlock()
		return cached.Clone()
	}
	e.mu.Unlock()

	usage, ok := e.empiricalEstimate(dev)
	if !ok {
		usage = e.shapeInferenceEstimate(dev)
	}

	e.mu.Lock()
	e.cachedUsage[dev] = usage
	e.mu.Unlock()

	return usage.Clone()
}

// empiricalEstimate is only taken on retry (failures > 0); a task's
// first attempt always goes through shape inference, since there is no
// prior RESOURCE_EXHAUSTED to react to yet. It scales the session's
// last observed usage by 1/2^(maxFailures+1-min(failures,maxFailures)).
// The exponent is largest right after the first failure (most
// conservative — a small fraction of what was last observed, in case
// the workload has shrunk) and shrinks toward 1 as failures accumulate,
// so repeated RESOURCE_EXHAUSTED outcomes for the same task pull the
// estimate back up toward half of last-observed usage rather than
// staying pinned at the most conservative guess forever.
func (e *ExecTask) empiricalEstimate(dev resource.DeviceSpec) (resource.Map, bool) {
	if e.failures.Load() == 0 {
		return nil, false
	}
	if e.tracker == nil || e.node.SessionHandle == "" {
		return nil, false
	}
	usage, ok := e.tracker.Usage(e.node.SessionHandle)
	if !ok {
		return nil, false
	}

	failures := e.failures.Load()
	capped := failures
	if capped > e.maxFailures {
		capped = e.maxFailures
	}
	exponent := e.maxFailures + 1 - capped
	scale := 1.0 / math.Pow(2, float64(exponent))

	combined := usage.Temporary.Merge(usage.Persistent)
	return combined.Scale(scale), true
}

// shapeInferenceEstimate computes each output's byte size as the
// product of its known dimensions times its dtype's element size,
// charging the result to (Memory, dev) unless the memory-type registry
// says the output lives in host memory, in which case it is charged to
// (Memory, cpu) regardless of which device the kernel itself runs on.
// An output whose rank or any dimension is unknown contributes nothing
// and is logged at WARN, matching the "shape unknown" edge case: the
// resulting empty estimate lets a reservation of size zero succeed
// rather than block admission on missing shape information.
func (e *ExecTask) shapeInferenceEstimate(dev resource.DeviceSpec) resource.Map {
	out := resource.Map{}
	if e.shapeFn == nil {
		return out
	}
	shapes, ok := e.shapeFn(e.node)
	if !ok {
		slog.Warn("exectask: no shape context available, estimating zero", "node", e.node.Name)
		return out
	}

	_, outputTypes := e.memoryTypesOrDefault(dev)

	n := shapes.NumOutputs()
	for i := 0; i < n; i++ {
		bytes, ok := outputBytes(shapes, i)
		if !ok {
			slog.Warn("exectask: output shape unknown, contributing zero to estimate",
				"node", e.node.Name, "output", i)
			continue
		}

		tag := resource.Tag{Kind: resource.Memory, Device: dev}
		if i < len(outputTypes) && outputTypes[i] == kernel.HostMemory {
			tag = resource.Tag{Kind: resource.Memory, Device: resource.DeviceSpec{Kind: resource.CPU}}
		}
		out = out.Add(tag, bytes)
	}
	return out
}

// memoryTypesOrDefault consults e.memTypes if configured, defaulting to
// "every input and output is device memory" (so the tag correction
// above is a no-op) when no registry is wired.
func (e *ExecTask) memoryTypesOrDefault(dev resource.DeviceSpec) ([]kernel.MemoryType, []kernel.MemoryType) {
	if e.memTypes == nil {
		return nil, nil
	}
	in, out, err := e.memTypes.MemoryTypesForNode(e.node, dev.Kind)
	if err != nil {
		slog.Warn("exectask: memory-type lookup failed, assuming device memory", "node", e.node.Name, "err", err)
		return nil, nil
	}
	return in, out
}

func outputBytes(shapes dataflow.ShapeContext, output int) (float64, bool) {
	if !shapes.RankKnown(output) {
		return 0, false
	}
	rank := shapes.Rank(output)
	elems := int64(1)
	for d := 0; d < rank; d++ {
		if !shapes.ValueKnown(output, d) {
			return 0, false
		}
		elems *= shapes.Value(output, d)
	}
	size := shapes.OutputDType(output).SizeOf()
	if size == 0 {
		return 0, false
	}
	return float64(elems * int64(size)), true
}
