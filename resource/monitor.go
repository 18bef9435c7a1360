package resource

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrDenied is returned by Reserve when the ledger cannot satisfy the
// request. The ledger is left unchanged.
var ErrDenied = errors.New("resource: reservation denied")

// ErrUnknownTicket is returned by operations given a ticket the monitor
// never issued, or one already freed.
var ErrUnknownTicket = errors.New("resource: unknown or already-freed ticket")

// ErrExhausted is returned by Charge when an allocation would overdraw
// a ticket's reservation. The monitor does not panic or abort on this;
// the caller (a PerTaskDevice) surfaces it as an OOM to the task.
var ErrExhausted = errors.New("resource: RESOURCE_EXHAUSTED")

// Ticket is an opaque identity for a live reservation against the
// process-wide ledger. Its identity is a v4 UUID, following the
// teacher's use of google/uuid for opaque identity elsewhere in the
// stack — this keeps Ticket loggable (slog prints its String form)
// without exposing the monitor's internal bookkeeping.
type Ticket struct {
	id uuid.UUID
}

func (t Ticket) String() string {
	return t.id.String()
}

// Zero reports whether t is the zero Ticket (never issued by Reserve).
func (t Ticket) Zero() bool {
	return t.id == uuid.Nil
}

type reservation struct {
	request  Map // the original reservation, returned to the pool on Free
	consumed Map // cumulative Charge() calls against this ticket
}

// Monitor is the process-wide reservation ledger. Reservations are
// atomic and all-or-nothing: either every tag in a request has enough
// headroom and all are deducted, or nothing changes. A single mutex
// guards the ledger, mirroring the teacher's loadedMu-guarded
// map[string]*runnerRef in server.Scheduler — one lock, simple
// reasoning, no lock-ordering hazards.
type Monitor struct {
	mu           sync.Mutex
	available    Map
	reservations map[Ticket]*reservation
}

// NewMonitor builds a Monitor whose ledger starts with the given
// per-tag capacity.
func NewMonitor(capacity Map) *Monitor {
	return &Monitor{
		available:    capacity.Clone(),
		reservations: make(map[Ticket]*reservation),
	}
}

// Reserve attempts to deduct request from the ledger atomically.
// Concurrent reservers block on the same mutex, so ties are broken by
// arrival order at the lock.
func (m *Monitor) Reserve(request Map) (Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !request.Leq(m.available) {
		slog.Debug("reservation denied", "request", request, "available", m.available)
		return Ticket{}, ErrDenied
	}

	for tag, qty := range request {
		m.available[tag] -= qty
	}

	t := Ticket{id: uuid.New()}
	m.reservations[t] = &reservation{request: request.Clone(), consumed: Map{}}
	return t, nil
}

// Free returns a reservation's remaining balance to the pool and
// invalidates the ticket. It is idempotent: freeing an unknown or
// already-freed ticket is a no-op, satisfying spec.md invariant 3
// ("releasePreAllocation is idempotent and safe after finish").
func (m *Monitor) Free(t Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[t]
	if !ok {
		return
	}
	for tag, qty := range r.request {
		m.available[tag] += qty
	}
	delete(m.reservations, t)
}

// Charge records an allocation of amount against tag under ticket t.
// The headroom for the reservation was already deducted at Reserve
// time; Charge exists so a PerTaskDevice can track empirical usage and
// detect an allocation that exceeds what was reserved. An over-draw
// returns ErrExhausted — the monitor does not panic, matching spec.md
// §4.1 ("the monitor does not abort").
func (m *Monitor) Charge(t Ticket, tag Tag, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[t]
	if !ok {
		return ErrUnknownTicket
	}
	if r.consumed[tag]+amount > r.request[tag] {
		return ErrExhausted
	}
	r.consumed.Add(tag, amount)
	return nil
}

// Refund reverses a prior Charge, used when an allocation is freed
// mid-task without the whole ticket being released.
func (m *Monitor) Refund(t Ticket, tag Tag, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[t]
	if !ok {
		return ErrUnknownTicket
	}
	r.consumed.Add(tag, -amount)
	return nil
}

// Snapshot is a read-only, point-in-time copy of the ledger for
// reporting (httpstatus, tests). It never aliases the live ledger.
type Snapshot struct {
	Available     Map
	OutstandingN  int
}

// Snapshot copies the current ledger state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Snapshot{
		Available:    m.available.Clone(),
		OutstandingN: len(m.reservations),
	}
}

// Context is the move-only handle a task owns between prepare and
// finish: the device it was granted, the ticket backing its
// allocations, and the monitor to charge against.
type Context struct {
	Spec    DeviceSpec
	Ticket  Ticket
	Monitor *Monitor
}

// Charge is a convenience wrapper around Monitor.Charge using ctx's
// ticket.
func (c *Context) Charge(tag Tag, amount float64) error {
	return c.Monitor.Charge(c.Ticket, tag, amount)
}

// Release frees ctx's ticket. Safe to call multiple times.
func (c *Context) Release() {
	if c.Monitor == nil || c.Ticket.Zero() {
		return
	}
	c.Monitor.Free(c.Ticket)
}
