package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/slopmasterai/maestro/core"
)

// Status is a workflow execution status
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the workflow status is final
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StepStatus is a single step's execution status
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// IsTerminal reports whether the step status is final
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// StepState is the observable state of one step
type StepState struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	Status      StepStatus  `json:"status"`
	Result      interface{} `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	SkipReason  string      `json:"skipReason,omitempty"`
	Attempts    int         `json:"attempts"`
	AgentID     string      `json:"agentId,omitempty"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// State is the persisted execution state of one workflow
type State struct {
	ExecutionID   string                `json:"executionId"`
	WorkflowName  string                `json:"workflowName"`
	UserID        string                `json:"userId,omitempty"`
	Status        Status                `json:"status"`
	Paused        bool                  `json:"paused,omitempty"`
	Steps         map[string]*StepState `json:"steps"`
	Progress      int                   `json:"progress"`
	QueuePosition int                   `json:"queuePosition,omitempty"`
	Error         string                `json:"error,omitempty"`
	CreatedAt     time.Time             `json:"createdAt"`
	StartedAt     *time.Time            `json:"startedAt,omitempty"`
	CompletedAt   *time.Time            `json:"completedAt,omitempty"`
}

// UpdateProgress recomputes the integer progress percentage:
// completed steps count fully, running steps half. Failed, skipped and
// cancelled steps contribute nothing.
func (s *State) UpdateProgress() {
	total := len(s.Steps)
	if total == 0 {
		return
	}
	completed := 0
	running := 0
	for _, step := range s.Steps {
		switch step.Status {
		case StepCompleted:
			completed++
		case StepRunning:
			running++
		}
	}
	s.Progress = (completed*100 + running*50) / total
}

const (
	wfQueueKey  = "workflow:queue"
	wfActiveKey = "workflow:active"
)

func wfStateKey(id string) string { return "workflow:state:" + id }
func wfUserKey(uid string) string { return "workflow:user:" + uid }

// StateStore persists workflow state and the admission queue in the shared
// store so status polling survives engine restarts.
type StateStore struct {
	store  core.Store
	logger core.Logger
	ttl    time.Duration
}

// NewStateStore creates a workflow state store with the given record TTL
func NewStateStore(backing core.Store, logger core.Logger, ttl time.Duration) *StateStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &StateStore{store: backing, logger: logger, ttl: ttl}
}

// Save writes a state record
func (s *StateStore) Save(ctx context.Context, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, wfStateKey(state.ExecutionID), string(data), s.ttl); err != nil {
		s.logger.Warn("Failed to persist workflow state", map[string]interface{}{
			"execution_id": state.ExecutionID,
			"error":        err.Error(),
		})
		return err
	}
	return nil
}

// Load reads a state record
func (s *StateStore) Load(ctx context.Context, executionID string) (*State, error) {
	raw, err := s.store.Get(ctx, wfStateKey(executionID))
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, &core.EngineError{Op: "workflow.Load", Kind: core.KindNotFound, ID: executionID, Err: core.ErrExecutionNotFound}
	}
	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, &core.EngineError{Op: "workflow.Load", Kind: core.KindInternal, ID: executionID, Message: "corrupt workflow state", Err: err}
	}
	return &state, nil
}

// Enqueue appends an execution to the FIFO admission queue
func (s *StateStore) Enqueue(ctx context.Context, executionID string) error {
	return s.store.RPush(ctx, wfQueueKey, executionID)
}

// DequeueNext pops the oldest queued execution; empty string when none
func (s *StateStore) DequeueNext(ctx context.Context) (string, error) {
	return s.store.LPop(ctx, wfQueueKey)
}

// RemoveQueued removes a queued execution; reports whether it was present
func (s *StateStore) RemoveQueued(ctx context.Context, executionID string) (bool, error) {
	removed, err := s.store.LRem(ctx, wfQueueKey, executionID)
	return removed > 0, err
}

// QueuePosition returns the 1-based queue position, or 0 when not queued
func (s *StateStore) QueuePosition(ctx context.Context, executionID string) int {
	entries, err := s.store.LRange(ctx, wfQueueKey, 0, -1)
	if err != nil {
		return 0
	}
	for i, entry := range entries {
		if entry == executionID {
			return i + 1
		}
	}
	return 0
}

// QueueDepth returns how many executions are waiting for admission
func (s *StateStore) QueueDepth(ctx context.Context) int64 {
	depth, err := s.store.LLen(ctx, wfQueueKey)
	if err != nil {
		return 0
	}
	return depth
}

// MarkActive adds an execution to the active set
func (s *StateStore) MarkActive(ctx context.Context, executionID string) {
	_ = s.store.SAdd(ctx, wfActiveKey, executionID)
}

// UnmarkActive removes an execution from the active set
func (s *StateStore) UnmarkActive(ctx context.Context, executionID string) {
	_ = s.store.SRem(ctx, wfActiveKey, executionID)
}

// ActiveCount returns how many executions are currently running
func (s *StateStore) ActiveCount(ctx context.Context) int64 {
	count, err := s.store.SCard(ctx, wfActiveKey)
	if err != nil {
		return 0
	}
	return count
}

// TrackUser indexes an execution under its submitting user
func (s *StateStore) TrackUser(ctx context.Context, userID, executionID string) {
	if userID == "" {
		return
	}
	_ = s.store.SAdd(ctx, wfUserKey(userID), executionID)
}

// UserExecutions lists the execution IDs submitted by a user
func (s *StateStore) UserExecutions(ctx context.Context, userID string) ([]string, error) {
	return s.store.SMembers(ctx, wfUserKey(userID))
}
