package syncutil

import "sync"

// Notification is a sticky, one-shot signal: once Notify is called,
// every current and future call to Wait returns immediately. Grounded
// on the teacher's syncs.Line ticket-ahead channel, which uses the same
// close-once-to-broadcast idiom to let an unbounded number of
// goroutines observe a single event.
type Notification struct {
	once sync.Once
	ch   chan struct{}
	init sync.Once
}

func (n *Notification) lazyInit() {
	n.init.Do(func() {
		n.ch = make(chan struct{})
	})
}

// Notify fires the notification. Safe to call more than once; only the
// first call has any effect.
func (n *Notification) Notify() {
	n.lazyInit()
	n.once.Do(func() {
		close(n.ch)
	})
}

// Wait blocks until Notify has been called, returning immediately if it
// already has.
func (n *Notification) Wait() {
	n.lazyInit()
	<-n.ch
}

// Done returns a channel that is closed once Notify has been called,
// for use in select statements alongside other channels (context
// cancellation, timeouts).
func (n *Notification) Done() <-chan struct{} {
	n.lazyInit()
	return n.ch
}
