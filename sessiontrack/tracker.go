// Package sessiontrack exposes the empirical resource usage a running
// session has actually observed for its operators, the input to the
// estimator's empirical path (spec.md §4.5). Grounded on the teacher's
// server.Scheduler tracking of a runnerRef's estVRAM/estimatedVRAM
// across successive loads of the same model.
package sessiontrack

import "github.com/nnserve/exectask/resource"

// SessionUsage is the last observed resource usage for a session's
// operators, split into the working-set bytes that exist only for the
// duration of a single op (Temporary) and the bytes that persist for
// the life of the session (Persistent, e.g. weights, KV cache).
type SessionUsage struct {
	Temporary  resource.Map
	Persistent resource.Map
}

// Tracker answers "what did this session actually use last time" for a
// given session handle.
type Tracker interface {
	Usage(sessionHandle string) (SessionUsage, bool)
}

// MapTracker is an in-memory Tracker suitable for a single-process
// engine and for tests; a multi-node deployment would back this with a
// shared store instead.
type MapTracker struct {
	usage map[string]SessionUsage
}

// NewMapTracker returns an empty MapTracker.
func NewMapTracker() *MapTracker {
	return &MapTracker{usage: make(map[string]SessionUsage)}
}

func (t *MapTracker) Usage(sessionHandle string) (SessionUsage, bool) {
	u, ok := t.usage[sessionHandle]
	return u, ok
}

// Record stores u as session's latest observed usage, overwriting any
// prior record.
func (t *MapTracker) Record(sessionHandle string, u SessionUsage) {
	t.usage[sessionHandle] = u
}
