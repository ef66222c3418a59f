package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/slopmasterai/maestro/core"
	"github.com/slopmasterai/maestro/prompt"
	"github.com/slopmasterai/maestro/registry"
	"github.com/slopmasterai/maestro/telemetry"
)

// Config bounds pattern execution
type Config struct {
	// DefaultMaxParallel applies when a request carries no cap
	DefaultMaxParallel int
	// MaxItems bounds map-reduce item counts
	MaxItems int
	// DefaultTaskTimeout applies when a task carries none
	DefaultTaskTimeout time.Duration
}

// DefaultConfig returns the orchestrator defaults
func DefaultConfig() Config {
	return Config{
		DefaultMaxParallel: 5,
		MaxItems:           100,
		DefaultTaskTimeout: 60 * time.Second,
	}
}

// Orchestrator executes single-request patterns against the agent registry
type Orchestrator struct {
	registry  *registry.Registry
	templates *prompt.Store
	logger    core.Logger
	config    Config
}

// New creates an orchestrator
func New(reg *registry.Registry, templates *prompt.Store, logger core.Logger, config Config) *Orchestrator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	defaults := DefaultConfig()
	if config.DefaultMaxParallel <= 0 {
		config.DefaultMaxParallel = defaults.DefaultMaxParallel
	}
	if config.MaxItems <= 0 {
		config.MaxItems = defaults.MaxItems
	}
	if config.DefaultTaskTimeout <= 0 {
		config.DefaultTaskTimeout = defaults.DefaultTaskTimeout
	}
	return &Orchestrator{registry: reg, templates: templates, logger: logger, config: config}
}

// Execute dispatches a request to its pattern
func (o *Orchestrator) Execute(ctx context.Context, req *Request) (*Result, error) {
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	runCtx, span := telemetry.StartSpan(ctx, "orchestration.execute")
	defer span.End()
	telemetry.SetSpanAttributes(runCtx, "orchestration.pattern", string(req.Pattern))

	switch req.Pattern {
	case PatternSequential:
		return o.Sequential(runCtx, req.Tasks, req.Context, req.UserID)
	case PatternParallel:
		return o.Parallel(runCtx, req.Tasks, req.Context, req.UserID, req.MaxParallel)
	case PatternConditional:
		return o.Conditional(runCtx, req.Tasks, req.Context, req.UserID)
	case PatternMapReduce:
		return o.MapReduce(runCtx, req.MapTask, req.ReduceTask, req.Items, req.Context, req.UserID, req.MaxParallel)
	default:
		return nil, &core.EngineError{Op: "orchestration.Execute", Kind: core.KindValidation, Message: fmt.Sprintf("unknown pattern %q", req.Pattern), Err: core.ErrInvalidConfiguration}
	}
}

// Sequential executes tasks in order, short-circuiting on the first failure.
// Each result is threaded into the context under _lastResult and _task_<id>.
func (o *Orchestrator) Sequential(ctx context.Context, tasks []Task, contextData map[string]interface{}, userID string) (*Result, error) {
	result := newResult(PatternSequential)
	data := cloneContext(contextData)

	for i := range tasks {
		task := &tasks[i]
		tr := o.executeTask(ctx, task, data, userID)
		result.TaskResults = append(result.TaskResults, tr)
		if !tr.Success {
			return o.seal(result, ResultFailed), nil
		}
		data["_lastResult"] = tr.Result
		data["_task_"+task.ID] = tr.Result
	}
	result.AggregatedResult = data["_lastResult"]
	return o.seal(result, ResultCompleted), nil
}

// Parallel executes tasks in bounded-parallel batches. All results are
// collected; the run succeeds only when every task succeeds.
func (o *Orchestrator) Parallel(ctx context.Context, tasks []Task, contextData map[string]interface{}, userID string, maxParallel int) (*Result, error) {
	result := newResult(PatternParallel)
	if maxParallel <= 0 {
		maxParallel = o.config.DefaultMaxParallel
	}
	data := cloneContext(contextData)

	results := make([]TaskResult, len(tasks))
	sem := semaphore.NewWeighted(int64(maxParallel))
	var wg sync.WaitGroup
	for i := range tasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = TaskResult{TaskID: tasks[i].ID, Success: false, Error: err.Error()}
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = o.executeTask(ctx, &tasks[i], data, userID)
		}(i)
	}
	wg.Wait()

	status := ResultCompleted
	for _, tr := range results {
		if !tr.Success {
			status = ResultFailed
			break
		}
	}
	result.TaskResults = results
	return o.seal(result, status), nil
}

// Conditional picks the first task whose condition evaluates true, falling
// back to the first unconditional task, and executes only that one.
func (o *Orchestrator) Conditional(ctx context.Context, tasks []Task, contextData map[string]interface{}, userID string) (*Result, error) {
	result := newResult(PatternConditional)
	data := cloneContext(contextData)

	var selected *Task
	for i := range tasks {
		task := &tasks[i]
		if task.Condition == "" {
			continue
		}
		if EvalCondition(task.Condition, data, o.logger) {
			selected = task
			break
		}
	}
	if selected == nil {
		for i := range tasks {
			if tasks[i].Condition == "" {
				selected = &tasks[i]
				break
			}
		}
	}
	if selected == nil {
		return nil, &core.EngineError{Op: "orchestration.Conditional", Kind: core.KindValidation, Message: "no condition matched and no fallback task", Err: core.ErrInvalidConfiguration}
	}

	tr := o.executeTask(ctx, selected, data, userID)
	result.TaskResults = append(result.TaskResults, tr)
	result.AggregatedResult = tr.Result
	status := ResultCompleted
	if !tr.Success {
		status = ResultFailed
	}
	return o.seal(result, status), nil
}

// MapReduce maps over items with bounded parallelism, then runs the optional
// reduce task with _mapResults and _resultCount in its context.
func (o *Orchestrator) MapReduce(ctx context.Context, mapTask, reduceTask *Task, items []interface{}, contextData map[string]interface{}, userID string, maxParallel int) (*Result, error) {
	result := newResult(PatternMapReduce)
	if mapTask == nil {
		return nil, &core.EngineError{Op: "orchestration.MapReduce", Kind: core.KindValidation, Message: "map task is required", Err: core.ErrInvalidConfiguration}
	}
	if len(items) > o.config.MaxItems {
		return nil, &core.EngineError{Op: "orchestration.MapReduce", Kind: core.KindCapacity, Message: fmt.Sprintf("item count %d exceeds %d", len(items), o.config.MaxItems), Err: core.ErrQueueFull}
	}
	if maxParallel <= 0 {
		maxParallel = o.config.DefaultMaxParallel
	}

	mapResults := make([]interface{}, len(items))
	taskResults := make([]TaskResult, len(items))
	sem := semaphore.NewWeighted(int64(maxParallel))
	var wg sync.WaitGroup
	for i := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			taskResults[i] = TaskResult{TaskID: fmt.Sprintf("%s[%d]", mapTask.ID, i), Success: false, Error: err.Error()}
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			data := cloneContext(contextData)
			data["_item"] = items[i]
			data["_index"] = i
			tr := o.executeTask(ctx, mapTask, data, userID)
			tr.TaskID = fmt.Sprintf("%s[%d]", mapTask.ID, i)
			taskResults[i] = tr
			mapResults[i] = tr.Result
		}(i)
	}
	wg.Wait()
	result.TaskResults = taskResults

	for _, tr := range taskResults {
		if !tr.Success {
			return o.seal(result, ResultFailed), nil
		}
	}

	if reduceTask == nil {
		result.AggregatedResult = mapResults
		return o.seal(result, ResultCompleted), nil
	}

	data := cloneContext(contextData)
	data["_mapResults"] = mapResults
	data["_resultCount"] = len(mapResults)
	tr := o.executeTask(ctx, reduceTask, data, userID)
	result.TaskResults = append(result.TaskResults, tr)
	if !tr.Success {
		return o.seal(result, ResultFailed), nil
	}
	result.AggregatedResult = tr.Result
	return o.seal(result, ResultCompleted), nil
}

// executeTask resolves the agent and prompt for one task and invokes it
func (o *Orchestrator) executeTask(ctx context.Context, task *Task, data map[string]interface{}, userID string) TaskResult {
	start := time.Now()
	tr := TaskResult{TaskID: task.ID}

	var agent *registry.AgentRecord
	var err error
	if task.AgentID != "" {
		agent, err = o.registry.Resolve(ctx, task.AgentID)
	} else {
		agent, err = o.registry.ResolveDefault(ctx, registry.AgentType(task.AgentType))
	}
	if err != nil {
		tr.Error = err.Error()
		tr.DurationMs = time.Since(start).Milliseconds()
		return tr
	}

	var renderedPrompt string
	if task.PromptTemplateID != "" {
		renderedPrompt, err = o.templates.Render(ctx, task.PromptTemplateID, data)
		if err != nil {
			tr.Error = err.Error()
			tr.DurationMs = time.Since(start).Milliseconds()
			return tr
		}
	} else {
		renderedPrompt = interpolateTask(task.Prompt, data)
	}

	timeout := task.Timeout()
	if timeout <= 0 {
		timeout = o.config.DefaultTaskTimeout
	}

	output, err := o.registry.Execute(ctx, agent.ID, &registry.ExecutionInput{
		Prompt:  renderedPrompt,
		Context: map[string]interface{}{"userId": userID, "taskId": task.ID},
		Timeout: timeout,
	})
	tr.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		tr.Error = err.Error()
		return tr
	}
	if !output.Success {
		tr.Error = output.Error
		return tr
	}
	tr.Success = true
	tr.Result = output.Result
	return tr
}

func newResult(pattern Pattern) *Result {
	return &Result{
		ID:        uuid.New().String(),
		Pattern:   pattern,
		StartedAt: time.Now(),
	}
}

func (o *Orchestrator) seal(result *Result, status ResultStatus) *Result {
	result.Status = status
	result.CompletedAt = time.Now()
	result.DurationMs = result.CompletedAt.Sub(result.StartedAt).Milliseconds()
	telemetry.Counter("orchestration.completed", "pattern", string(result.Pattern), "status", string(status))
	return result
}

func cloneContext(data map[string]interface{}) map[string]interface{} {
	clone := make(map[string]interface{}, len(data)+4)
	for k, v := range data {
		clone[k] = v
	}
	return clone
}
