package workflow

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slopmasterai/maestro/core"
	"github.com/slopmasterai/maestro/prompt"
	"github.com/slopmasterai/maestro/registry"
	"github.com/slopmasterai/maestro/wfcontext"
)

type engineFixture struct {
	engine   *Engine
	registry *registry.Registry
	contexts *wfcontext.Store
	events   <-chan core.Event
}

func newTestEngine(t *testing.T, config EngineConfig) *engineFixture {
	t.Helper()
	backing := core.NewMemoryStore()
	reg := registry.New(backing, nil, registry.DefaultConfig())
	templates, err := prompt.NewStore(context.Background(), backing, nil, prompt.StoreConfig{})
	require.NoError(t, err)
	contexts := wfcontext.NewStore(backing, nil, wfcontext.Config{})
	bus := core.NewEventBus(nil)

	events, cancel := bus.Subscribe("")
	t.Cleanup(cancel)

	if config.DispatchInterval <= 0 {
		config.DispatchInterval = 20 * time.Millisecond
	}
	e := NewEngine(context.Background(), reg, templates, contexts, backing, bus, nil, config)
	t.Cleanup(e.Stop)

	return &engineFixture{engine: e, registry: reg, contexts: contexts, events: events}
}

func waitForStatus(t *testing.T, e *Engine, executionID string, want Status) *State {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, err := e.GetState(context.Background(), executionID)
		require.NoError(t, err)
		if state.Status == want {
			return state
		}
		if state.Status.IsTerminal() {
			require.Equal(t, want, state.Status, "execution reached the wrong terminal status: %s", state.Error)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached status %s", executionID, want)
	return nil
}

// eventCounts drains the wildcard subscription and tallies event types for one
// execution. Delivery is asynchronous, so the drain waits out a short quiet
// period before returning.
func eventCounts(events <-chan core.Event, executionID string) map[string]int {
	counts := make(map[string]int)
	for {
		select {
		case evt := <-events:
			if evt.ID == executionID {
				counts[evt.Type]++
			}
		case <-time.After(100 * time.Millisecond):
			return counts
		}
	}
}

func TestEngineRunsDiamond(t *testing.T) {
	f := newTestEngine(t, EngineConfig{})

	def := &Definition{
		Name: "diamond",
		Steps: []Step{
			{ID: "a", AgentType: "llm", Prompt: "step a", Outputs: []Output{{Path: "results.a"}}},
			{ID: "b", AgentType: "llm", Prompt: "step b", Dependencies: []string{"a"}},
			{ID: "c", AgentType: "llm", Prompt: "step c", Dependencies: []string{"a"}},
			{ID: "d", AgentType: "llm", Dependencies: []string{"b", "c"},
				Prompt: "combine {{left}}",
				Inputs: []Input{{Name: "left", From: "steps.b.result"}},
			},
		},
	}

	state, err := f.engine.Submit(context.Background(), def, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, state.Status)

	final := waitForStatus(t, f.engine, state.ExecutionID, StatusCompleted)
	assert.Equal(t, 100, final.Progress)
	for id, step := range final.Steps {
		assert.Equal(t, StepCompleted, step.Status, "step %s", id)
		assert.Equal(t, 1, step.Attempts, "step %s", id)
	}
	// Builtin agents echo their prompt, so downstream inputs are observable
	assert.Equal(t, "combine step b", final.Steps["d"].Result)

	// Step a's output landed in the workflow context
	v, ok, err := f.contexts.GetValue(context.Background(), state.ExecutionID, "results.a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "step a", v)

	execs, err := f.engine.states.UserExecutions(context.Background(), "alice")
	require.NoError(t, err)
	assert.Contains(t, execs, state.ExecutionID)

	counts := eventCounts(f.events, state.ExecutionID)
	assert.Equal(t, 1, counts[EventStarted])
	assert.Equal(t, 4, counts[EventStepStarted])
	assert.Equal(t, 4, counts[EventStepCompleted])
	assert.Equal(t, 1, counts[EventCompleted])
}

func TestEngineFailedStepSkipsDependents(t *testing.T) {
	f := newTestEngine(t, EngineConfig{})
	_, err := f.registry.Register(context.Background(), registry.AgentTypeCustom, "broken",
		nil, registry.ExecutorFunc(func(ctx context.Context, input *registry.ExecutionInput) (*registry.ExecutionOutput, error) {
			return &registry.ExecutionOutput{Success: false, Error: "model refused"}, nil
		}), "broken-agent")
	require.NoError(t, err)

	def := &Definition{
		Name: "doomed",
		Steps: []Step{
			{ID: "a", AgentType: "custom", AgentID: "broken-agent", Prompt: "will fail"},
			{ID: "b", AgentType: "llm", Prompt: "never runs", Dependencies: []string{"a"}},
			{ID: "c", AgentType: "llm", Prompt: "never runs either", Dependencies: []string{"b"}},
		},
	}

	state, err := f.engine.Submit(context.Background(), def, "", nil)
	require.NoError(t, err)

	final := waitForStatus(t, f.engine, state.ExecutionID, StatusFailed)
	assert.Equal(t, StepFailed, final.Steps["a"].Status)
	assert.Contains(t, final.Steps["a"].Error, "model refused")
	assert.Equal(t, StepSkipped, final.Steps["b"].Status)
	assert.Equal(t, "dependency", final.Steps["b"].SkipReason)
	assert.Equal(t, StepSkipped, final.Steps["c"].Status)

	counts := eventCounts(f.events, state.ExecutionID)
	assert.Equal(t, 1, counts[EventStepFailed])
	assert.Equal(t, 1, counts[EventFailed])
	assert.Zero(t, counts[EventCompleted])
}

func TestEngineConditionSkipSatisfiesDependents(t *testing.T) {
	f := newTestEngine(t, EngineConfig{})

	def := &Definition{
		Name: "gated",
		Steps: []Step{
			{ID: "gate", AgentType: "llm", Prompt: "premium path",
				Condition: "context.tier == 'premium'"},
			{ID: "after", AgentType: "llm", Prompt: "always runs", Dependencies: []string{"gate"}},
		},
	}

	state, err := f.engine.Submit(context.Background(), def, "", map[string]interface{}{"tier": "basic"})
	require.NoError(t, err)

	final := waitForStatus(t, f.engine, state.ExecutionID, StatusCompleted)
	gate := final.Steps["gate"]
	assert.Equal(t, StepSkipped, gate.Status)
	assert.Equal(t, "condition", gate.SkipReason)
	assert.Equal(t, map[string]interface{}{"skipped": true, "reason": "condition"}, gate.Result)
	assert.Equal(t, StepCompleted, final.Steps["after"].Status)
}

func TestEngineConditionTrueRuns(t *testing.T) {
	f := newTestEngine(t, EngineConfig{})

	def := &Definition{
		Name: "gated",
		Steps: []Step{
			{ID: "gate", AgentType: "llm", Prompt: "premium path",
				Condition: "context.tier == 'premium'"},
		},
	}

	state, err := f.engine.Submit(context.Background(), def, "", map[string]interface{}{"tier": "premium"})
	require.NoError(t, err)

	final := waitForStatus(t, f.engine, state.ExecutionID, StatusCompleted)
	assert.Equal(t, StepCompleted, final.Steps["gate"].Status)
	assert.Equal(t, "premium path", final.Steps["gate"].Result)
}

func TestEngineInputBindings(t *testing.T) {
	f := newTestEngine(t, EngineConfig{})

	def := &Definition{
		Name: "bindings",
		Steps: []Step{
			{ID: "greet", AgentType: "llm",
				Prompt: "Hello {{name}}, score {{score}}, city {{city}}",
				Inputs: []Input{
					{Name: "name", From: "context.user.name"},
					{Name: "score", Value: 42},
					// Unbound placeholders render empty
				},
			},
		},
	}

	state, err := f.engine.Submit(context.Background(), def, "", map[string]interface{}{
		"user": map[string]interface{}{"name": "Ada"},
	})
	require.NoError(t, err)

	final := waitForStatus(t, f.engine, state.ExecutionID, StatusCompleted)
	assert.Equal(t, "Hello Ada, score 42, city ", final.Steps["greet"].Result)
}

func TestEngineStepRetries(t *testing.T) {
	f := newTestEngine(t, EngineConfig{})

	var calls atomic.Int32
	_, err := f.registry.Register(context.Background(), registry.AgentTypeCustom, "flaky",
		nil, registry.ExecutorFunc(func(ctx context.Context, input *registry.ExecutionInput) (*registry.ExecutionOutput, error) {
			if calls.Add(1) < 3 {
				return &registry.ExecutionOutput{Success: false, Error: "transient blip"}, nil
			}
			return &registry.ExecutionOutput{Success: true, Result: "finally"}, nil
		}), "flaky-agent")
	require.NoError(t, err)

	def := &Definition{
		Name: "retrying",
		Steps: []Step{
			{ID: "only", AgentType: "custom", AgentID: "flaky-agent", Prompt: "try hard",
				RetryPolicy: &RetryPolicy{MaxRetries: 3, InitialDelayMs: 1, MaxDelayMs: 5}},
		},
	}

	state, err := f.engine.Submit(context.Background(), def, "", nil)
	require.NoError(t, err)

	final := waitForStatus(t, f.engine, state.ExecutionID, StatusCompleted)
	assert.Equal(t, 3, final.Steps["only"].Attempts)
	assert.Equal(t, "finally", final.Steps["only"].Result)
}

func TestEngineStepRetriesExhausted(t *testing.T) {
	f := newTestEngine(t, EngineConfig{})

	_, err := f.registry.Register(context.Background(), registry.AgentTypeCustom, "hopeless",
		nil, registry.ExecutorFunc(func(ctx context.Context, input *registry.ExecutionInput) (*registry.ExecutionOutput, error) {
			return &registry.ExecutionOutput{Success: false, Error: "always down"}, nil
		}), "hopeless-agent")
	require.NoError(t, err)

	def := &Definition{
		Name:               "exhausted",
		DefaultRetryPolicy: &RetryPolicy{MaxRetries: 2, InitialDelayMs: 1, MaxDelayMs: 5},
		Steps: []Step{
			{ID: "only", AgentType: "custom", AgentID: "hopeless-agent", Prompt: "try"},
		},
	}

	state, err := f.engine.Submit(context.Background(), def, "", nil)
	require.NoError(t, err)

	final := waitForStatus(t, f.engine, state.ExecutionID, StatusFailed)
	assert.Equal(t, StepFailed, final.Steps["only"].Status)
	assert.Equal(t, 3, final.Steps["only"].Attempts)
	assert.Contains(t, final.Steps["only"].Error, "always down")
}

// blockingAgent registers an executor that holds until release is closed
func blockingAgent(t *testing.T, f *engineFixture, id string) chan struct{} {
	t.Helper()
	release := make(chan struct{})
	_, err := f.registry.Register(context.Background(), registry.AgentTypeCustom, id,
		nil, registry.ExecutorFunc(func(ctx context.Context, input *registry.ExecutionInput) (*registry.ExecutionOutput, error) {
			select {
			case <-release:
				return &registry.ExecutionOutput{Success: true, Result: "released"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}), id)
	require.NoError(t, err)
	return release
}

func blockingDefinition(agentID string) *Definition {
	return &Definition{
		Name: "blocker",
		Steps: []Step{
			{ID: "hold", AgentType: "custom", AgentID: agentID, Prompt: "wait"},
		},
	}
}

func TestEngineQueuesAtCapacity(t *testing.T) {
	f := newTestEngine(t, EngineConfig{
		MaxConcurrentWorkflows: 1,
		QueueEnabled:           true,
		DispatchInterval:       20 * time.Millisecond,
	})
	release := blockingAgent(t, f, "holder")

	first, err := f.engine.Submit(context.Background(), blockingDefinition("holder"), "", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, first.Status)

	second, err := f.engine.Submit(context.Background(), &Definition{
		Name:  "waiter",
		Steps: []Step{{ID: "only", AgentType: "llm", Prompt: "quick"}},
	}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, second.Status)
	assert.Equal(t, 1, second.QueuePosition)

	// Queued state is pollable while waiting for admission
	polled, err := f.engine.GetState(context.Background(), second.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, polled.Status)
	assert.Equal(t, 1, polled.QueuePosition)

	close(release)
	waitForStatus(t, f.engine, first.ExecutionID, StatusCompleted)
	waitForStatus(t, f.engine, second.ExecutionID, StatusCompleted)
}

func TestEngineRejectsWhenQueueDisabled(t *testing.T) {
	f := newTestEngine(t, EngineConfig{MaxConcurrentWorkflows: 1})
	release := blockingAgent(t, f, "holder")
	defer close(release)

	first, err := f.engine.Submit(context.Background(), blockingDefinition("holder"), "", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, first.Status)

	_, err = f.engine.Submit(context.Background(), &Definition{
		Name:  "rejected",
		Steps: []Step{{ID: "only", AgentType: "llm", Prompt: "no room"}},
	}, "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrQueueFull)
	assert.Equal(t, core.KindCapacity, core.KindOf(err))
}

func TestEngineSubmitRejectsInvalidDefinition(t *testing.T) {
	f := newTestEngine(t, EngineConfig{})

	_, err := f.engine.Submit(context.Background(), &Definition{Name: "empty"}, "", nil)
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestEngineCancelRunning(t *testing.T) {
	f := newTestEngine(t, EngineConfig{})
	release := blockingAgent(t, f, "holder")
	defer close(release)

	state, err := f.engine.Submit(context.Background(), blockingDefinition("holder"), "", nil)
	require.NoError(t, err)

	cancelled, err := f.engine.Cancel(context.Background(), state.ExecutionID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	final := waitForStatus(t, f.engine, state.ExecutionID, StatusCancelled)
	assert.NotNil(t, final.CompletedAt)

	// Cancelling a terminal execution is a no-op
	cancelled, err = f.engine.Cancel(context.Background(), state.ExecutionID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	_, err = f.engine.Cancel(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, core.ErrExecutionNotFound)
}

func TestEngineCancelQueued(t *testing.T) {
	f := newTestEngine(t, EngineConfig{
		MaxConcurrentWorkflows: 1,
		QueueEnabled:           true,
		DispatchInterval:       time.Hour, // freeze admission
	})
	release := blockingAgent(t, f, "holder")
	defer close(release)

	_, err := f.engine.Submit(context.Background(), blockingDefinition("holder"), "", nil)
	require.NoError(t, err)

	queued, err := f.engine.Submit(context.Background(), &Definition{
		Name:  "queued",
		Steps: []Step{{ID: "only", AgentType: "llm", Prompt: "waiting"}},
	}, "", nil)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, queued.Status)

	cancelled, err := f.engine.Cancel(context.Background(), queued.ExecutionID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	state, err := f.engine.GetState(context.Background(), queued.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, state.Status)
	assert.Equal(t, StepCancelled, state.Steps["only"].Status)

	counts := eventCounts(f.events, queued.ExecutionID)
	assert.Equal(t, 1, counts[EventCancelled])
}

func TestEngineDispatchFailsOrphanedQueueEntry(t *testing.T) {
	f := newTestEngine(t, EngineConfig{
		MaxConcurrentWorkflows: 1,
		QueueEnabled:           true,
		DispatchInterval:       time.Hour, // drive dispatch by hand
	})
	ctx := context.Background()

	// A persisted queue entry with no in-memory pending record, as left
	// behind by an engine restart
	orphan := &State{
		ExecutionID:  "ghost",
		WorkflowName: "orphaned",
		Status:       StatusQueued,
		Steps:        map[string]*StepState{"only": {ID: "only", Status: StepPending}},
		CreatedAt:    time.Now(),
	}
	require.NoError(t, f.engine.states.Save(ctx, orphan))
	require.NoError(t, f.engine.states.Enqueue(ctx, orphan.ExecutionID))

	f.engine.dispatchOnce()

	state, err := f.engine.GetState(ctx, orphan.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, "pending record lost", state.Error)
	assert.Equal(t, StepCancelled, state.Steps["only"].Status)
	assert.Zero(t, f.engine.states.QueueDepth(ctx))

	counts := eventCounts(f.events, orphan.ExecutionID)
	assert.Equal(t, 1, counts[EventFailed])
}

func TestEnginePauseResume(t *testing.T) {
	f := newTestEngine(t, EngineConfig{})
	release := blockingAgent(t, f, "holder")

	state, err := f.engine.Submit(context.Background(), blockingDefinition("holder"), "", nil)
	require.NoError(t, err)

	paused, err := f.engine.Pause(context.Background(), state.ExecutionID)
	require.NoError(t, err)
	assert.True(t, paused)

	loaded, err := f.engine.GetState(context.Background(), state.ExecutionID)
	require.NoError(t, err)
	assert.True(t, loaded.Paused)

	// Pausing twice is a no-op
	paused, err = f.engine.Pause(context.Background(), state.ExecutionID)
	require.NoError(t, err)
	assert.False(t, paused)

	resumed, err := f.engine.Resume(context.Background(), state.ExecutionID)
	require.NoError(t, err)
	assert.True(t, resumed)

	resumed, err = f.engine.Resume(context.Background(), state.ExecutionID)
	require.NoError(t, err)
	assert.False(t, resumed)

	close(release)
	final := waitForStatus(t, f.engine, state.ExecutionID, StatusCompleted)
	assert.False(t, final.Paused)

	counts := eventCounts(f.events, state.ExecutionID)
	assert.Equal(t, 1, counts[EventPaused])
	assert.Equal(t, 1, counts[EventResumed])

	// Pause of an unknown execution has no effect
	paused, err = f.engine.Pause(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestEngineWorkflowTimeout(t *testing.T) {
	f := newTestEngine(t, EngineConfig{})
	release := blockingAgent(t, f, "holder")
	defer close(release)

	def := blockingDefinition("holder")
	def.TimeoutMs = 100

	state, err := f.engine.Submit(context.Background(), def, "", nil)
	require.NoError(t, err)

	final := waitForStatus(t, f.engine, state.ExecutionID, StatusFailed)
	assert.Contains(t, final.Error, "timed out")
}
