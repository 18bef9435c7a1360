package exectask

// Callbacks are the scheduler's hooks into an ExecTask's run. Ordering
// guarantees (spec.md §4.7, §4.9):
//
//   - Launched fires before Done, for both the sync and async kernel
//     paths — it marks "the kernel has been handed the device", used by
//     a scheduler that wants to release a queueing slot as soon as work
//     is in flight rather than waiting for completion.
//   - For async kernels, numFinishedOps is notified before Done fires,
//     so a waiter blocked on the semaphore observes the slot freed no
//     later than the task's completion callback.
//   - Outputs are propagated to the executor's ready-set before Done
//     fires, so a caller that reacts to Done by inspecting the executor
//     sees a consistent ready-set.
//   - MemFailure fires instead of Done when the kernel reports
//     RESOURCE_EXHAUSTED; Done is never called for that attempt.
type Callbacks struct {
	// Done is called exactly once per successful or errored attempt,
	// carrying the kernel's error (nil on success).
	Done func(err error)
	// MemFailure is called instead of Done when the attempt failed with
	// RESOURCE_EXHAUSTED and is eligible for retry.
	MemFailure func()
	// Launched is called once the kernel has been handed the device,
	// before Done.
	Launched func()
}

func (c Callbacks) launched() {
	if c.Launched != nil {
		c.Launched()
	}
}

func (c Callbacks) done(err error) {
	if c.Done != nil {
		c.Done(err)
	}
}

func (c Callbacks) memFailure() {
	if c.MemFailure != nil {
		c.MemFailure()
	}
}
