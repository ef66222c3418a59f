package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/slopmasterai/maestro/core"
	"github.com/slopmasterai/maestro/orchestration"
	"github.com/slopmasterai/maestro/prompt"
	"github.com/slopmasterai/maestro/registry"
	"github.com/slopmasterai/maestro/telemetry"
	"github.com/slopmasterai/maestro/wfcontext"
)

// Workflow event types published per execution
const (
	EventStarted       = "started"
	EventStepStarted   = "step:started"
	EventStepCompleted = "step:completed"
	EventStepFailed    = "step:failed"
	EventCompleted     = "completed"
	EventFailed        = "failed"
	EventCancelled     = "cancelled"
	EventPaused        = "paused"
	EventResumed       = "resumed"
)

// EngineConfig bounds the workflow engine
type EngineConfig struct {
	// MaxConcurrentWorkflows caps simultaneously running workflows
	MaxConcurrentWorkflows int
	// QueueEnabled admits excess submissions to a FIFO queue instead of
	// failing fast
	QueueEnabled bool
	// MaxQueueSize caps the admission queue
	MaxQueueSize int
	// DefaultMaxParallelSteps applies when a definition carries none
	DefaultMaxParallelSteps int
	// GlobalMaxParallelSteps caps running steps across all workflows
	GlobalMaxParallelSteps int64
	// DefaultStepTimeout applies when neither step nor workflow sets one
	DefaultStepTimeout time.Duration
	// DefaultWorkflowTimeout applies when the definition carries none
	DefaultWorkflowTimeout time.Duration
	// StateTTL is how long terminal state remains queryable
	StateTTL time.Duration
	// DispatchInterval is the admission queue polling cadence
	DispatchInterval time.Duration
}

// DefaultEngineConfig returns the workflow engine defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConcurrentWorkflows:  10,
		QueueEnabled:            true,
		MaxQueueSize:            50,
		DefaultMaxParallelSteps: 5,
		GlobalMaxParallelSteps:  20,
		DefaultStepTimeout:      60 * time.Second,
		DefaultWorkflowTimeout:  10 * time.Minute,
		StateTTL:                24 * time.Hour,
		DispatchInterval:        250 * time.Millisecond,
	}
}

// pendingRun holds a queued submission until admission
type pendingRun struct {
	def     *Definition
	initial map[string]interface{}
}

// runner tracks one executing workflow
type runner struct {
	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled bool
	paused    bool
}

func (r *runner) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

func (r *runner) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Engine executes workflow definitions: validation, admission, dependency
// scheduling with bounded parallelism, per-step retries, and cancel/pause/
// resume control.
type Engine struct {
	registry  *registry.Registry
	templates *prompt.Store
	contexts  *wfcontext.Store
	states    *StateStore
	bus       *core.EventBus
	logger    core.Logger
	config    EngineConfig
	stepSem   *semaphore.Weighted

	mu      sync.Mutex
	runners map[string]*runner
	pending map[string]*pendingRun

	baseCtx  context.Context
	stop     context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates a workflow engine and starts its admission dispatcher
func NewEngine(ctx context.Context, reg *registry.Registry, templates *prompt.Store, contexts *wfcontext.Store, store core.Store, bus *core.EventBus, logger core.Logger, config EngineConfig) *Engine {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	defaults := DefaultEngineConfig()
	if config.MaxConcurrentWorkflows <= 0 {
		config.MaxConcurrentWorkflows = defaults.MaxConcurrentWorkflows
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = defaults.MaxQueueSize
	}
	if config.DefaultMaxParallelSteps <= 0 {
		config.DefaultMaxParallelSteps = defaults.DefaultMaxParallelSteps
	}
	if config.GlobalMaxParallelSteps <= 0 {
		config.GlobalMaxParallelSteps = defaults.GlobalMaxParallelSteps
	}
	if config.DefaultStepTimeout <= 0 {
		config.DefaultStepTimeout = defaults.DefaultStepTimeout
	}
	if config.DefaultWorkflowTimeout <= 0 {
		config.DefaultWorkflowTimeout = defaults.DefaultWorkflowTimeout
	}
	if config.StateTTL <= 0 {
		config.StateTTL = defaults.StateTTL
	}
	if config.DispatchInterval <= 0 {
		config.DispatchInterval = defaults.DispatchInterval
	}

	baseCtx, cancel := context.WithCancel(ctx)
	e := &Engine{
		registry:  reg,
		templates: templates,
		contexts:  contexts,
		states:    NewStateStore(store, logger, config.StateTTL),
		bus:       bus,
		logger:    logger,
		config:    config,
		stepSem:   semaphore.NewWeighted(config.GlobalMaxParallelSteps),
		runners:   make(map[string]*runner),
		pending:   make(map[string]*pendingRun),
		baseCtx:   baseCtx,
		stop:      cancel,
	}

	e.wg.Add(1)
	go e.dispatchLoop()
	return e
}

// Stop halts the dispatcher and cancels every running workflow
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.stop()
		e.mu.Lock()
		for _, r := range e.runners {
			r.mu.Lock()
			r.cancelled = true
			r.mu.Unlock()
			r.cancel()
		}
		e.mu.Unlock()
		e.wg.Wait()
	})
}

// Submit validates a definition and admits it for execution. When the engine
// is at capacity the submission queues (if enabled) or fails fast.
func (e *Engine) Submit(ctx context.Context, def *Definition, userID string, initialContext map[string]interface{}) (*State, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}

	executionID := uuid.New().String()
	state := &State{
		ExecutionID:  executionID,
		WorkflowName: def.Name,
		UserID:       userID,
		Status:       StatusQueued,
		Steps:        make(map[string]*StepState, len(def.Steps)),
		CreatedAt:    time.Now(),
	}
	for i := range def.Steps {
		step := &def.Steps[i]
		state.Steps[step.ID] = &StepState{ID: step.ID, Name: step.Name, Status: StepPending}
	}

	merged := make(map[string]interface{})
	for k, v := range def.InitialContext {
		merged[k] = v
	}
	for k, v := range initialContext {
		merged[k] = v
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if int(e.states.ActiveCount(ctx)) < e.config.MaxConcurrentWorkflows {
		e.startLocked(executionID, def, merged, state)
		_ = e.states.Save(ctx, state)
		e.states.TrackUser(ctx, userID, executionID)
		return cloneState(state), nil
	}

	if !e.config.QueueEnabled || e.states.QueueDepth(ctx) >= int64(e.config.MaxQueueSize) {
		return nil, &core.EngineError{Op: "workflow.Submit", Kind: core.KindCapacity, ID: executionID, Message: "workflow admission queue full", Err: core.ErrQueueFull}
	}

	e.pending[executionID] = &pendingRun{def: def, initial: merged}
	_ = e.states.Enqueue(ctx, executionID)
	state.QueuePosition = e.states.QueuePosition(ctx, executionID)
	_ = e.states.Save(ctx, state)
	e.states.TrackUser(ctx, userID, executionID)

	e.logger.Info("Workflow queued", map[string]interface{}{
		"execution_id": executionID,
		"workflow":     def.Name,
		"position":     state.QueuePosition,
	})
	return cloneState(state), nil
}

// startLocked admits one execution. Caller holds e.mu.
func (e *Engine) startLocked(executionID string, def *Definition, initial map[string]interface{}, state *State) {
	timeout := def.Timeout()
	if timeout <= 0 {
		timeout = e.config.DefaultWorkflowTimeout
	}
	runCtx, cancel := context.WithTimeout(e.baseCtx, timeout)

	r := &runner{cancel: cancel, done: make(chan struct{})}
	e.runners[executionID] = r
	e.states.MarkActive(context.Background(), executionID)

	now := time.Now()
	state.Status = StatusRunning
	state.StartedAt = &now
	state.QueuePosition = 0

	e.wg.Add(1)
	go e.run(runCtx, r, executionID, def, initial, state)
}

// GetState returns the current execution state
func (e *Engine) GetState(ctx context.Context, executionID string) (*State, error) {
	state, err := e.states.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if state.Status == StatusQueued {
		state.QueuePosition = e.states.QueuePosition(ctx, executionID)
	}
	return state, nil
}

// Cancel stops an execution. Queued entries are removed atomically; running
// workflows are signalled and drain cooperatively. Returns whether it had
// effect; cancelling a terminal execution is a no-op returning false.
func (e *Engine) Cancel(ctx context.Context, executionID string) (bool, error) {
	state, err := e.states.Load(ctx, executionID)
	if err != nil {
		return false, err
	}
	if state.Status.IsTerminal() {
		return false, nil
	}

	if e.cancelRunning(executionID) {
		return true, nil
	}

	// Claim the queue slot before dropping the pending record so the
	// dispatcher cannot admit the execution mid-cancel.
	removed, err := e.states.RemoveQueued(ctx, executionID)
	if err != nil {
		return false, err
	}
	if !removed {
		// The dispatcher won the race; by now its runner is registered
		return e.cancelRunning(executionID), nil
	}
	e.mu.Lock()
	delete(e.pending, executionID)
	e.mu.Unlock()
	now := time.Now()
	state.Status = StatusCancelled
	state.CompletedAt = &now
	for _, step := range state.Steps {
		if !step.Status.IsTerminal() {
			step.Status = StepCancelled
		}
	}
	state.UpdateProgress()
	_ = e.states.Save(ctx, state)
	e.publish(executionID, EventCancelled, map[string]interface{}{"queued": true})
	return true, nil
}

// cancelRunning signals the runner for an admitted execution, reporting
// whether one was found
func (e *Engine) cancelRunning(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runners[executionID]
	if !ok {
		return false
	}
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	r.cancel()
	return true
}

// Pause flags a running execution; the runner observes the flag between
// scheduling rounds. A recovery snapshot of the context is written.
func (e *Engine) Pause(ctx context.Context, executionID string) (bool, error) {
	e.mu.Lock()
	r, ok := e.runners[executionID]
	e.mu.Unlock()
	if !ok {
		return false, nil
	}
	r.mu.Lock()
	if r.paused || r.cancelled {
		r.mu.Unlock()
		return false, nil
	}
	r.paused = true
	r.mu.Unlock()

	if _, err := e.contexts.Snapshot(ctx, executionID, "pause"); err != nil {
		e.logger.Warn("Failed to snapshot context on pause", map[string]interface{}{
			"execution_id": executionID,
			"error":        err.Error(),
		})
	}
	if state, err := e.states.Load(ctx, executionID); err == nil {
		state.Paused = true
		_ = e.states.Save(ctx, state)
	}
	e.publish(executionID, EventPaused, nil)
	return true, nil
}

// Resume clears the pause flag
func (e *Engine) Resume(ctx context.Context, executionID string) (bool, error) {
	e.mu.Lock()
	r, ok := e.runners[executionID]
	e.mu.Unlock()
	if !ok {
		return false, nil
	}
	r.mu.Lock()
	if !r.paused {
		r.mu.Unlock()
		return false, nil
	}
	r.paused = false
	r.mu.Unlock()

	if state, err := e.states.Load(ctx, executionID); err == nil {
		state.Paused = false
		_ = e.states.Save(ctx, state)
	}
	e.publish(executionID, EventResumed, nil)
	return true, nil
}

// run drives one workflow to a terminal state
func (e *Engine) run(ctx context.Context, r *runner, executionID string, def *Definition, initial map[string]interface{}, state *State) {
	defer e.wg.Done()
	defer close(r.done)

	runCtx, span := telemetry.StartSpan(ctx, "workflow.run")
	defer span.End()
	telemetry.SetSpanAttributes(runCtx, "workflow.execution_id", executionID, "workflow.name", def.Name)

	start := time.Now()
	e.logger.Info("Starting workflow execution", map[string]interface{}{
		"execution_id": executionID,
		"workflow":     def.Name,
		"step_count":   len(def.Steps),
	})

	if _, err := e.contexts.Create(runCtx, executionID, initial, 0); err != nil {
		e.finish(executionID, r, def, state, StatusFailed, "creating workflow context: "+err.Error(), start)
		return
	}
	e.publish(executionID, EventStarted, map[string]interface{}{
		"workflow":   def.Name,
		"step_count": len(def.Steps),
	})

	dag := NewDAG()
	for i := range def.Steps {
		step := &def.Steps[i]
		dag.AddNode(step.ID, step.Dependencies, step.ContinueOnError)
	}

	maxParallel := def.MaxParallelSteps
	if maxParallel <= 0 {
		maxParallel = e.config.DefaultMaxParallelSteps
	}
	var stepWG sync.WaitGroup
	localRunning := make(chan struct{}, maxParallel)

	for {
		if ctx.Err() != nil || r.isCancelled() {
			break
		}
		if r.isPaused() {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		ready := dag.ReadyNodes()
		e.syncSkipped(executionID, dag, state)

		if len(ready) == 0 {
			if dag.IsComplete() {
				break
			}
			if !dag.HasRunning() {
				// No ready steps and nothing running: scheduling is stuck
				break
			}
			time.Sleep(20 * time.Millisecond)
			continue
		}

		for _, stepID := range ready {
			select {
			case localRunning <- struct{}{}:
			default:
				stepID = ""
			}
			if stepID == "" {
				break
			}
			if !e.stepSem.TryAcquire(1) {
				<-localRunning
				break
			}

			step := def.Step(stepID)
			dag.MarkRunning(stepID)
			e.markStepRunning(executionID, state, r, stepID)

			stepWG.Add(1)
			go func(step *Step) {
				defer stepWG.Done()
				defer e.stepSem.Release(1)
				defer func() { <-localRunning }()
				e.executeStep(ctx, executionID, def, step, state, r, dag)
			}(step)
		}
		time.Sleep(5 * time.Millisecond)
	}

	stepWG.Wait()

	switch {
	case r.isCancelled():
		e.finish(executionID, r, def, state, StatusCancelled, "", start)
	case ctx.Err() == context.DeadlineExceeded:
		e.finish(executionID, r, def, state, StatusFailed, "workflow timed out", start)
	default:
		failed := false
		r.mu.Lock()
		for _, step := range state.Steps {
			if step.Status == StepFailed {
				failed = true
				break
			}
		}
		r.mu.Unlock()
		if failed {
			e.finish(executionID, r, def, state, StatusFailed, "one or more steps failed", start)
		} else {
			e.finish(executionID, r, def, state, StatusCompleted, "", start)
		}
	}
}

// finish writes the terminal state, releases capacity and publishes the
// closing event
func (e *Engine) finish(executionID string, r *runner, def *Definition, state *State, status Status, errText string, start time.Time) {
	ctx := context.Background()
	now := time.Now()

	r.mu.Lock()
	state.Status = status
	state.Error = errText
	state.CompletedAt = &now
	for _, step := range state.Steps {
		if !step.Status.IsTerminal() {
			if status == StatusCancelled {
				step.Status = StepCancelled
			} else {
				step.Status = StepSkipped
				step.SkipReason = "workflow terminated"
			}
		}
	}
	state.UpdateProgress()
	r.mu.Unlock()

	_ = e.states.Save(ctx, state)
	e.states.UnmarkActive(ctx, executionID)

	e.mu.Lock()
	delete(e.runners, executionID)
	e.mu.Unlock()

	if status == StatusFailed {
		// Failed executions release their context immediately; completed and
		// cancelled ones expire with the TTL
		_ = e.contexts.Clear(ctx, executionID)
	}

	duration := time.Since(start)
	telemetry.Duration("workflow.duration", start, "status", string(status))
	telemetry.Counter("workflow.finished", "status", string(status))

	fields := map[string]interface{}{
		"status":      string(status),
		"duration_ms": duration.Milliseconds(),
	}
	if errText != "" {
		fields["error"] = errText
	}
	switch status {
	case StatusCompleted:
		e.publish(executionID, EventCompleted, fields)
	case StatusFailed:
		e.publish(executionID, EventFailed, fields)
	case StatusCancelled:
		e.publish(executionID, EventCancelled, fields)
	}

	e.logger.Info("Workflow execution finished", map[string]interface{}{
		"execution_id": executionID,
		"status":       string(status),
		"duration_ms":  duration.Milliseconds(),
	})
}

// syncSkipped copies DAG skip transitions into the persisted state
func (e *Engine) syncSkipped(executionID string, dag *DAG, state *State) {
	changed := false
	for id, step := range state.Steps {
		if step.Status != StepPending {
			continue
		}
		if status, ok := dag.Status(id); ok && status == NodeSkipped {
			step.Status = StepSkipped
			step.SkipReason = "dependency"
			changed = true
		}
	}
	if changed {
		state.UpdateProgress()
		_ = e.states.Save(context.Background(), state)
	}
}

func (e *Engine) markStepRunning(executionID string, state *State, r *runner, stepID string) {
	r.mu.Lock()
	step := state.Steps[stepID]
	now := time.Now()
	step.Status = StepRunning
	step.StartedAt = &now
	state.UpdateProgress()
	r.mu.Unlock()

	_ = e.states.Save(context.Background(), state)
	e.publish(executionID, EventStepStarted, map[string]interface{}{"step_id": stepID})
}

// executeStep runs one step: condition gate, prompt resolution, agent
// invocation with per-step retries, and output propagation into the context.
func (e *Engine) executeStep(ctx context.Context, executionID string, def *Definition, step *Step, state *State, r *runner, dag *DAG) {
	stepCtx, span := telemetry.StartSpan(ctx, "workflow.step")
	defer span.End()
	telemetry.SetSpanAttributes(stepCtx, "workflow.step_id", step.ID)

	// Condition gate
	if step.Condition != "" {
		wc, err := e.contexts.Get(stepCtx, executionID)
		data := map[string]interface{}{}
		if err == nil {
			data = wc.Data
		}
		if !orchestration.EvalCondition(step.Condition, data, e.logger) {
			// A condition skip satisfies dependents; only dependency failures
			// propagate skips
			dag.MarkCompleted(step.ID)
			r.mu.Lock()
			st := state.Steps[step.ID]
			now := time.Now()
			st.Status = StepSkipped
			st.SkipReason = "condition"
			st.Result = map[string]interface{}{"skipped": true, "reason": "condition"}
			st.CompletedAt = &now
			state.UpdateProgress()
			r.mu.Unlock()
			_ = e.states.Save(context.Background(), state)
			e.publish(executionID, EventStepCompleted, map[string]interface{}{
				"step_id": step.ID,
				"skipped": true,
			})
			return
		}
	}

	result, agentID, attempts, err := e.invokeStep(stepCtx, executionID, def, step, state, r)

	r.mu.Lock()
	st := state.Steps[step.ID]
	now := time.Now()
	st.Attempts = attempts
	st.AgentID = agentID
	st.CompletedAt = &now
	if err != nil {
		st.Status = StepFailed
		st.Error = err.Error()
	} else {
		st.Status = StepCompleted
		st.Result = result
	}
	state.UpdateProgress()
	r.mu.Unlock()
	_ = e.states.Save(context.Background(), state)

	if err != nil {
		dag.MarkFailed(step.ID)
		telemetry.Counter("workflow.step_failed", "step_id", step.ID)
		e.publish(executionID, EventStepFailed, map[string]interface{}{
			"step_id":  step.ID,
			"error":    err.Error(),
			"attempts": attempts,
		})
		return
	}

	e.writeOutputs(stepCtx, executionID, step, result)
	dag.MarkCompleted(step.ID)
	e.publish(executionID, EventStepCompleted, map[string]interface{}{
		"step_id":  step.ID,
		"attempts": attempts,
	})
}

// invokeStep resolves the agent and prompt, then executes with the step's
// retry policy. Returns the result, the agent used, and the attempt count.
func (e *Engine) invokeStep(ctx context.Context, executionID string, def *Definition, step *Step, state *State, r *runner) (interface{}, string, int, error) {
	var agent *registry.AgentRecord
	var err error
	if step.AgentID != "" {
		agent, err = e.registry.Resolve(ctx, step.AgentID)
	} else {
		agent, err = e.registry.ResolveDefault(ctx, registry.AgentType(step.AgentType))
	}
	if err != nil {
		return nil, "", 0, err
	}

	vars, err := e.resolveInputs(ctx, executionID, step, state, r)
	if err != nil {
		return nil, agent.ID, 0, err
	}

	var renderedPrompt string
	if step.PromptTemplateID != "" {
		renderedPrompt, err = e.templates.Render(ctx, step.PromptTemplateID, vars)
	} else {
		renderedPrompt = interpolateInline(step.Prompt, vars)
	}
	if err != nil {
		return nil, agent.ID, 0, err
	}

	timeout := step.Timeout()
	if timeout <= 0 {
		timeout = def.Timeout()
	}
	if timeout <= 0 {
		timeout = e.config.DefaultStepTimeout
	}

	policy := step.RetryPolicy
	if policy == nil {
		policy = def.DefaultRetryPolicy
	}
	maxRetries := 0
	if policy != nil {
		maxRetries = policy.MaxRetries
	}

	input := &registry.ExecutionInput{
		Prompt: renderedPrompt,
		Context: map[string]interface{}{
			"userId":      state.UserID,
			"executionId": executionID,
			"stepId":      step.ID,
		},
		Timeout: timeout,
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, agent.ID, attempt, &core.EngineError{Op: "workflow.Step", Kind: core.KindExecution, ID: step.ID, Err: core.ErrCancelled}
		}
		output, err := e.registry.Execute(ctx, agent.ID, input)
		if err == nil && output.Success {
			return output.Result, agent.ID, attempt + 1, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("agent returned error: %s", output.Error)
		}
		if attempt == maxRetries {
			break
		}
		timer := time.NewTimer(policy.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, agent.ID, attempt + 1, lastErr
		case <-timer.C:
		}
	}
	return nil, agent.ID, maxRetries + 1, lastErr
}

// resolveInputs gathers a step's input bindings into a variable map
func (e *Engine) resolveInputs(ctx context.Context, executionID string, step *Step, state *State, r *runner) (map[string]interface{}, error) {
	vars := make(map[string]interface{}, len(step.Inputs))
	for _, input := range step.Inputs {
		if input.Name == "" {
			return nil, &core.EngineError{Op: "workflow.Inputs", Kind: core.KindValidation, ID: step.ID, Message: "input without a name", Err: core.ErrInvalidConfiguration}
		}
		switch {
		case input.From == "":
			vars[input.Name] = input.Value
		case strings.HasPrefix(input.From, "context."):
			value, _, err := e.contexts.GetValue(ctx, executionID, strings.TrimPrefix(input.From, "context."))
			if err != nil {
				return nil, err
			}
			vars[input.Name] = value
		case strings.HasPrefix(input.From, "steps."):
			value, err := e.resolveStepRef(input.From, state, r)
			if err != nil {
				return nil, err
			}
			vars[input.Name] = value
		default:
			return nil, &core.EngineError{Op: "workflow.Inputs", Kind: core.KindValidation, ID: step.ID, Message: fmt.Sprintf("unsupported input source %q", input.From), Err: core.ErrInvalidConfiguration}
		}
	}
	return vars, nil
}

// resolveStepRef resolves "steps.<id>.result[.field]" against recorded step
// results
func (e *Engine) resolveStepRef(ref string, state *State, r *runner) (interface{}, error) {
	parts := strings.SplitN(strings.TrimPrefix(ref, "steps."), ".", 2)
	if len(parts) < 2 || !strings.HasPrefix(parts[1], "result") {
		return nil, &core.EngineError{Op: "workflow.Inputs", Kind: core.KindValidation, Message: fmt.Sprintf("malformed step reference %q", ref), Err: core.ErrInvalidConfiguration}
	}
	stepID := parts[0]

	r.mu.Lock()
	st, ok := state.Steps[stepID]
	var result interface{}
	if ok {
		result = st.Result
	}
	r.mu.Unlock()
	if !ok {
		return nil, &core.EngineError{Op: "workflow.Inputs", Kind: core.KindValidation, Message: fmt.Sprintf("step reference to unknown step %q", stepID), Err: core.ErrInvalidConfiguration}
	}

	field := strings.TrimPrefix(parts[1], "result")
	field = strings.TrimPrefix(field, ".")
	if field == "" {
		return result, nil
	}
	return extractField(result, field), nil
}

// writeOutputs copies a step result into the context at the configured paths
func (e *Engine) writeOutputs(ctx context.Context, executionID string, step *Step, result interface{}) {
	for _, output := range step.Outputs {
		value := result
		if output.Field != "" {
			value = extractField(result, output.Field)
		}
		if err := e.contexts.SetValue(ctx, executionID, output.Path, value); err != nil {
			e.logger.Warn("Failed to write step output to context", map[string]interface{}{
				"execution_id": executionID,
				"step_id":      step.ID,
				"path":         output.Path,
				"error":        err.Error(),
			})
		}
	}
}

// extractField traverses a dotted field path through nested maps; a path
// that does not resolve yields nil
func extractField(value interface{}, field string) interface{} {
	current := value
	for _, segment := range strings.Split(field, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[segment]
		if !ok {
			return nil
		}
	}
	return current
}

var inlinePlaceholder = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// interpolateInline substitutes {{var}} placeholders in an inline prompt
func interpolateInline(text string, vars map[string]interface{}) string {
	return inlinePlaceholder.ReplaceAllStringFunc(text, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[name]; ok {
			return prompt.Stringify(value)
		}
		return ""
	})
}

// dispatchLoop admits queued workflows as capacity frees up
func (e *Engine) dispatchLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.baseCtx.Done():
			return
		case <-ticker.C:
			e.dispatchOnce()
		}
	}
}

func (e *Engine) dispatchOnce() {
	ctx := e.baseCtx
	e.mu.Lock()
	defer e.mu.Unlock()

	for int(e.states.ActiveCount(ctx)) < e.config.MaxConcurrentWorkflows {
		executionID, err := e.states.DequeueNext(ctx)
		if err != nil || executionID == "" {
			return
		}
		run, ok := e.pending[executionID]
		if !ok {
			// The in-memory pending record is gone, typically after an
			// engine restart while the queue list persisted
			e.failOrphan(ctx, executionID)
			continue
		}
		delete(e.pending, executionID)

		state, err := e.states.Load(ctx, executionID)
		if err != nil || state.Status != StatusQueued {
			continue
		}
		e.startLocked(executionID, run.def, run.initial, state)
		_ = e.states.Save(ctx, state)
	}
}

// failOrphan writes a terminal state for a dequeued execution that has no
// pending record, so it cannot stay queued forever
func (e *Engine) failOrphan(ctx context.Context, executionID string) {
	state, err := e.states.Load(ctx, executionID)
	if err != nil || state.Status.IsTerminal() {
		return
	}
	now := time.Now()
	state.Status = StatusFailed
	state.Error = "pending record lost"
	state.CompletedAt = &now
	for _, step := range state.Steps {
		if !step.Status.IsTerminal() {
			step.Status = StepCancelled
		}
	}
	state.UpdateProgress()
	_ = e.states.Save(ctx, state)
	e.publish(executionID, EventFailed, map[string]interface{}{"error": state.Error})
	e.logger.Warn("Dequeued execution had no pending record", map[string]interface{}{
		"execution_id": executionID,
	})
}

func (e *Engine) publish(executionID, eventType string, fields map[string]interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(core.Event{ID: executionID, Type: eventType, Fields: fields})
}

func cloneState(state *State) *State {
	copy := *state
	copy.Steps = make(map[string]*StepState, len(state.Steps))
	for id, step := range state.Steps {
		s := *step
		copy.Steps[id] = &s
	}
	return &copy
}
