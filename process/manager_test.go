package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slopmasterai/maestro/core"
)

func newTestManager(t *testing.T, config Config) (*Manager, core.Store) {
	t.Helper()
	if config.DispatchInterval <= 0 {
		config.DispatchInterval = 20 * time.Millisecond
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = 200 * time.Millisecond
	}
	store := core.NewMemoryStore()
	m := NewManager(context.Background(), store, core.NewEventBus(nil), nil, config)
	t.Cleanup(m.Stop)
	return m, store
}

func TestSpawnCompletesAndCapturesOutput(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	proc, err := m.Spawn(ctx, SpawnConfig{
		Command:       "sh",
		Args:          []string{"-c", "echo out; echo err 1>&2"},
		CaptureOutput: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, proc.Status)

	done, err := m.Wait(ctx, proc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)
	assert.Equal(t, "out\n", done.Stdout)
	assert.Equal(t, "err\n", done.Stderr)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
}

func TestSpawnFailureRecordsExitCode(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	proc, err := m.Spawn(ctx, SpawnConfig{Command: "sh", Args: []string{"-c", "exit 3"}})
	require.NoError(t, err)

	done, err := m.Wait(ctx, proc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 3, *done.ExitCode)
	assert.NotEmpty(t, done.Error)
}

func TestSpawnRejectsEmptyCommand(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	_, err := m.Spawn(context.Background(), SpawnConfig{Command: "   "})
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestSpawnTimeout(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	proc, err := m.Spawn(ctx, SpawnConfig{
		Command: "sleep",
		Args:    []string{"10"},
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	done, err := m.Wait(ctx, proc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, done.Status)
	assert.Contains(t, done.Error, "timed out")
}

func TestCancelRunningProcess(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	proc, err := m.Spawn(ctx, SpawnConfig{Command: "sleep", Args: []string{"10"}})
	require.NoError(t, err)

	cancelled, err := m.Cancel(ctx, proc.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	done, err := m.Wait(ctx, proc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, done.Status)

	// Cancelling a terminal process is a no-op
	cancelled, err = m.Cancel(ctx, proc.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestCancelUnknownProcess(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	_, err := m.Cancel(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, core.ErrProcessNotFound)
}

func TestQueueAdmissionAndDispatch(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxConcurrent: 1})
	ctx := context.Background()

	blocker, err := m.Spawn(ctx, SpawnConfig{Command: "sleep", Args: []string{"0.3"}})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, blocker.Status)

	queued, err := m.Spawn(ctx, SpawnConfig{Command: "sh", Args: []string{"-c", "echo queued"}, CaptureOutput: true})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, queued.Status)
	assert.Equal(t, 1, queued.QueuePosition)

	// The dispatcher starts the queued process once the blocker exits
	done, err := m.Wait(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "queued\n", done.Stdout)
}

func TestQueueEstimates(t *testing.T) {
	m, store := newTestManager(t, Config{MaxConcurrent: 1, DispatchInterval: time.Hour})
	ctx := context.Background()

	// Seed the rolling duration window with a 10s average
	require.NoError(t, store.LPush(ctx, "process:metrics:durations", "10000"))

	_, err := m.Spawn(ctx, SpawnConfig{Command: "sleep", Args: []string{"5"}})
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		proc, err := m.Spawn(ctx, SpawnConfig{Command: "sleep", Args: []string{"1"}})
		require.NoError(t, err)
		ids = append(ids, proc.ID)
	}

	for i, id := range ids {
		proc, err := m.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, proc.Status)
		assert.Equal(t, i+1, proc.QueuePosition)
		assert.InDelta(t, float64((i+1)*10), proc.EstimatedWaitSeconds, 0.01)
	}
}

func TestQueueDefaultEstimate(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxConcurrent: 1, DispatchInterval: time.Hour})
	ctx := context.Background()

	_, err := m.Spawn(ctx, SpawnConfig{Command: "sleep", Args: []string{"5"}})
	require.NoError(t, err)

	queued, err := m.Spawn(ctx, SpawnConfig{Command: "sleep", Args: []string{"1"}})
	require.NoError(t, err)
	assert.InDelta(t, DefaultAverageDuration.Seconds(), queued.EstimatedWaitSeconds, 0.01)
}

func TestQueueOverflowFailsFast(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxConcurrent: 1, MaxQueueSize: 1, DispatchInterval: time.Hour})
	ctx := context.Background()

	_, err := m.Spawn(ctx, SpawnConfig{Command: "sleep", Args: []string{"5"}})
	require.NoError(t, err)
	_, err = m.Spawn(ctx, SpawnConfig{Command: "sleep", Args: []string{"5"}})
	require.NoError(t, err)

	proc, err := m.Spawn(ctx, SpawnConfig{Command: "sleep", Args: []string{"5"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrQueueFull)
	assert.Equal(t, StatusFailed, proc.Status)
}

func TestQueuePriorityOrdering(t *testing.T) {
	now := time.Now()
	high := queueScore(10, now)
	low := queueScore(0, now)
	assert.Less(t, high, low, "higher priority pops first")

	// FIFO within a priority band
	earlier := queueScore(5, now)
	later := queueScore(5, now.Add(time.Second))
	assert.Less(t, earlier, later)
}

func TestCancelQueuedProcess(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxConcurrent: 1, DispatchInterval: time.Hour})
	ctx := context.Background()

	_, err := m.Spawn(ctx, SpawnConfig{Command: "sleep", Args: []string{"5"}})
	require.NoError(t, err)
	queued, err := m.Spawn(ctx, SpawnConfig{Command: "sleep", Args: []string{"5"}})
	require.NoError(t, err)

	cancelled, err := m.Cancel(ctx, queued.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	proc, err := m.Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, proc.Status)
}

func TestRateLimitDenial(t *testing.T) {
	m, _ := newTestManager(t, Config{RateLimitPerUser: 2, RateLimitWindow: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		proc, err := m.Spawn(ctx, SpawnConfig{UserID: "u1", Command: "sh", Args: []string{"-c", "true"}})
		require.NoError(t, err)
		_, err = m.Wait(ctx, proc.ID)
		require.NoError(t, err)
	}

	proc, err := m.Spawn(ctx, SpawnConfig{UserID: "u1", Command: "sh", Args: []string{"-c", "true"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRateLimitExceeded)
	assert.Equal(t, core.KindPermission, core.KindOf(err))
	// The denial leaves a queryable terminal record
	assert.Equal(t, StatusFailed, proc.Status)

	// Other users are unaffected
	_, err = m.Spawn(ctx, SpawnConfig{UserID: "u2", Command: "sh", Args: []string{"-c", "true"}})
	require.NoError(t, err)
}

func TestRunRetriesTransientExitCode(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	m.retry.InitialDelay = time.Millisecond
	m.retry.MaxDelay = 5 * time.Millisecond
	m.retry.JitterEnabled = false
	ctx := context.Background()

	// Exit code 75 (EX_TEMPFAIL) is classified transient
	proc, err := m.Run(ctx, SpawnConfig{ID: "retry-me", Command: "sh", Args: []string{"-c", "exit 75"}})
	require.Error(t, err)
	require.NotNil(t, proc)
	assert.Equal(t, "retry-me", proc.ID, "ID stays stable across attempts")
	assert.Equal(t, StatusFailed, proc.Status)
	assert.Equal(t, m.retry.MaxAttempts-1, proc.RetryCount)
}

func TestRunDoesNotRetryPermanentFailure(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	m.retry.InitialDelay = time.Millisecond
	ctx := context.Background()

	proc, err := m.Run(ctx, SpawnConfig{Command: "sh", Args: []string{"-c", "exit 3"}})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, proc.Status)
	assert.Equal(t, 0, proc.RetryCount)
}

func TestRunSucceeds(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	proc, err := m.Run(ctx, SpawnConfig{Command: "sh", Args: []string{"-c", "echo done"}, CaptureOutput: true})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, proc.Status)
	assert.Equal(t, "done\n", proc.Stdout)
}

func TestSpawnRejectsActiveDuplicateID(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	proc, err := m.Spawn(ctx, SpawnConfig{ID: "dup", Command: "sleep", Args: []string{"2"}})
	require.NoError(t, err)

	_, err = m.Spawn(ctx, SpawnConfig{ID: "dup", Command: "sleep", Args: []string{"2"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already active")

	_, _ = m.Cancel(ctx, proc.ID)
}

func TestProcessEvents(t *testing.T) {
	store := core.NewMemoryStore()
	bus := core.NewEventBus(nil)
	m := NewManager(context.Background(), store, bus, nil, Config{DispatchInterval: 20 * time.Millisecond, GracePeriod: 200 * time.Millisecond})
	defer m.Stop()
	ctx := context.Background()

	ch, cancel := bus.Subscribe("evt-proc")
	defer cancel()

	_, err := m.Spawn(ctx, SpawnConfig{ID: "evt-proc", Command: "sh", Args: []string{"-c", "echo hi"}})
	require.NoError(t, err)
	_, err = m.Wait(ctx, "evt-proc")
	require.NoError(t, err)

	var types []string
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			types = append(types, evt.Type)
			if evt.Type == EventExit {
				assert.Contains(t, types, EventStart)
				assert.Contains(t, types, EventStdout)
				return
			}
		case <-deadline:
			t.Fatalf("no exit event observed, saw %v", types)
		}
	}
}

func TestMergeConfigPreservesPriorFields(t *testing.T) {
	prior := SpawnConfig{UserID: "u1", Dir: "/tmp", StdinContent: "stdin", Priority: 5}
	next := SpawnConfig{Command: "echo"}

	merged := mergeConfig(next, prior)
	assert.Equal(t, "u1", merged.UserID)
	assert.Equal(t, "/tmp", merged.Dir)
	assert.Equal(t, "stdin", merged.StdinContent)
	assert.Equal(t, 5, merged.Priority)
	assert.Equal(t, "echo", merged.Command)
}
