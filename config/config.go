// Package config holds process-lifetime tunables for the execution task
// engine, read once from the environment at startup.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is an immutable snapshot of the engine's environment-derived
// tunables. Callers obtain one via Load and are expected to treat it as
// read-only for the lifetime of the process.
type Config struct {
	// MaxFailures is the default ceiling on OOM retries a task will
	// accumulate before its estimate stops shrinking (spec invariant:
	// failures <= maxFailures at retry time).
	MaxFailures uint32

	// RescheduleDelay is how long the scheduler should wait between
	// re-submitting a task after a memFailure before trying again.
	RescheduleDelay time.Duration

	// StreamPoolSize is the number of logical GPU compute streams
	// available for allocation across all tasks.
	StreamPoolSize int

	// MaxQueuedTasks bounds the depth of any channel-based queue the
	// host scheduler builds on top of this engine (mirrored here so a
	// single env var controls both, as the teacher's OLLAMA_MAX_QUEUE does).
	MaxQueuedTasks int
}

// Defaults mirror the teacher's own defaults (max queue, reschedule
// delay) scaled to this engine's narrower per-task scope.
var Defaults = Config{
	MaxFailures:     4,
	RescheduleDelay: 250 * time.Millisecond,
	StreamPoolSize:  128,
	MaxQueuedTasks:  512,
}

// Load reads EXECTASK_* environment variables, falling back to Defaults
// for anything unset or unparseable.
func Load() Config {
	cfg := Defaults

	if v := os.Getenv("EXECTASK_MAX_FAILURES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.MaxFailures = uint32(n)
		}
	}

	if v := os.Getenv("EXECTASK_RESCHED_DELAY_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.RescheduleDelay = time.Duration(n) * time.Millisecond
		}
	}

	if v := os.Getenv("EXECTASK_STREAM_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.StreamPoolSize = n
		}
	}

	if v := os.Getenv("EXECTASK_MAX_QUEUE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxQueuedTasks = n
		}
	}

	return cfg
}
