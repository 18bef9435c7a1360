package syncutil

import "sync"

// PrioritySemaphore is a counting semaphore with strict priority
// admission: a waiter at priority p blocks while any waiter at a
// strictly higher priority (lower numeric value; 0 is highest) has
// pending demand, even if the count would otherwise suffice for p.
//
// The teacher's runnerRef type carries a commented-out, never-wired
// field — "refCond sync.Cond // Signaled on transition from 1 -> 0
// refCount" — hinting at exactly this shape of condition-variable-based
// admission control without ever implementing it. This finishes that
// design for the priority case spec.md requires.
type PrioritySemaphore struct {
	mu      sync.Mutex
	cond    *sync.Cond
	count   uint64
	waiting map[int]int // priority -> number of waiters currently blocked at that priority
}

// NewPrioritySemaphore returns a PrioritySemaphore starting at count
// initial.
func NewPrioritySemaphore(initial uint64) *PrioritySemaphore {
	p := &PrioritySemaphore{
		count:   initial,
		waiting: make(map[int]int),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Notify increases the count by n and wakes every blocked waiter so
// they can re-check admission.
func (p *PrioritySemaphore) Notify(n uint64) {
	p.mu.Lock()
	p.count += n
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Wait blocks until priority p is admitted: the count is at least n
// and no strictly higher priority has pending demand. It then
// decrements the count by n.
func (p *PrioritySemaphore) Wait(priority int, n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.waiting[priority]++
	defer func() {
		p.waiting[priority]--
		if p.waiting[priority] == 0 {
			delete(p.waiting, priority)
		}
	}()

	for !p.admitted(priority, n) {
		p.cond.Wait()
	}
	p.count -= n
	// Waking others here (rather than only on Notify) lets a waiter
	// that just got admitted hand priority back to the next blocked
	// waiter in one pass instead of needing another Notify to arrive.
	p.cond.Broadcast()
}

// admitted must be called with mu held.
func (p *PrioritySemaphore) admitted(priority int, n uint64) bool {
	if p.count < n {
		return false
	}
	for other := range p.waiting {
		if other < priority {
			return false
		}
	}
	return true
}
