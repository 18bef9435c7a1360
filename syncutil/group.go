package syncutil

import (
	"sync"
	"sync/atomic"
)

// Group is a sync.WaitGroup with a Go method and a live count of
// running goroutines, adapted unchanged in shape from the teacher's
// syncs.Group. No other package in this module uses it.
type Group struct {
	wg sync.WaitGroup
	n  atomic.Int64
}

func (g *Group) Go(f func()) {
	g.wg.Add(1)
	go func() {
		g.n.Add(1)
		defer func() {
			g.wg.Done()
			g.n.Add(-1)
		}()
		f()
	}()
}

// Running returns the number of goroutines started by Go that have not
// yet returned.
func (g *Group) Running() int64 {
	return g.n.Load()
}

func (g *Group) Wait() {
	g.wg.Wait()
}
