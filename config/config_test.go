package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("EXECTASK_MAX_FAILURES", "")
	t.Setenv("EXECTASK_RESCHED_DELAY_MS", "")
	t.Setenv("EXECTASK_STREAM_POOL_SIZE", "")
	t.Setenv("EXECTASK_MAX_QUEUE", "")

	cfg := Load()
	require.Equal(t, Defaults, cfg)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("EXECTASK_MAX_FAILURES", "8")
	t.Setenv("EXECTASK_RESCHED_DELAY_MS", "10")
	t.Setenv("EXECTASK_STREAM_POOL_SIZE", "16")
	t.Setenv("EXECTASK_MAX_QUEUE", "4")

	cfg := Load()
	require.Equal(t, uint32(8), cfg.MaxFailures)
	require.Equal(t, 10*time.Millisecond, cfg.RescheduleDelay)
	require.Equal(t, 16, cfg.StreamPoolSize)
	require.Equal(t, 4, cfg.MaxQueuedTasks)
}

func TestLoadIgnoresGarbage(t *testing.T) {
	t.Setenv("EXECTASK_MAX_FAILURES", "not-a-number")
	t.Setenv("EXECTASK_STREAM_POOL_SIZE", "-5")

	cfg := Load()
	require.Equal(t, Defaults.MaxFailures, cfg.MaxFailures)
	require.Equal(t, Defaults.StreamPoolSize, cfg.StreamPoolSize)
}
