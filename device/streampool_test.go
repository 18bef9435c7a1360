package device

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nnserve/exectask/resource"
)

func TestStreamPoolAllocateBoundedBySize(t *testing.T) {
	p := NewStreamPool(4)
	got := p.Allocate(10)
	require.Len(t, got, 4, "allocate must not return more streams than the pool holds")
}

func TestStreamPoolNoDuplicateAllocationAcrossGoroutines(t *testing.T) {
	p := NewStreamPool(64)
	const callers = 16
	results := make([][]int, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Allocate(4)
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, got := range results {
		for _, s := range got {
			require.False(t, seen[s], "stream %d allocated twice", s)
			seen[s] = true
		}
	}
}

func TestStreamPoolFreeIsInverseOfAllocate(t *testing.T) {
	p := NewStreamPool(8)
	cap0, avail0 := p.Size()
	require.Equal(t, 8, cap0)
	require.Equal(t, 8, avail0)

	got := p.Allocate(5)
	require.Len(t, got, 5)
	_, avail1 := p.Size()
	require.Equal(t, 3, avail1)

	p.Free(got)
	_, avail2 := p.Size()
	require.Equal(t, 8, avail2)
}

func TestStreamPoolSmallestFreeIndexChosen(t *testing.T) {
	p := NewStreamPool(4)
	first := p.Allocate(2)
	require.Equal(t, []int{0, 1}, first)

	p.Free([]int{0})
	second := p.Allocate(1)
	require.Equal(t, []int{0}, second, "freed low index must be reused before higher free indices")
}

func TestStreamPoolCacheAffinityAndFlush(t *testing.T) {
	p := NewStreamPool(8)

	_, ok := p.StreamFor("graph-a", "node-1")
	require.False(t, ok)

	p.RememberStream("graph-a", "node-1", 3)
	s, ok := p.StreamFor("graph-a", "node-1")
	require.True(t, ok)
	require.Equal(t, 3, s)

	// a different graph gets its own namespace
	_, ok = p.StreamFor("graph-b", "node-1")
	require.False(t, ok)

	p.FlushCacheFor("graph-a")
	_, ok = p.StreamFor("graph-a", "node-1")
	require.False(t, ok, "flush must drop cached affinity for the graph")
}

func TestGPUPerTaskDeviceDedupsAccessedTensors(t *testing.T) {
	pool := NewStreamPool(4)
	spec := resource.DeviceSpec{Kind: resource.GPU, Ordinal: 0}
	dev := NewDevice("gpu0", spec)
	pt := NewGPUPerTaskDevice(dev, pool, "graph-a").(*gpuPerTaskDevice)

	tag := resource.Tag{Kind: resource.Memory, Device: spec}
	pt.ConsumeListOfAccessedTensors(nil, []resource.Tag{tag, tag})

	require.Equal(t, []resource.Tag{tag}, pt.AccessedTags())
	require.True(t, pt.RequiresRecordingAccessedTensors())
}
