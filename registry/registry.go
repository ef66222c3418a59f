// Package registry tracks the agents the engine can dispatch work to.
// Agents are registered with an executor and an optional health probe;
// records are persisted to the shared store so status queries and other
// engine instances observe a consistent view.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slopmasterai/maestro/core"
)

// AgentType classifies what kind of external callable an agent wraps
type AgentType string

const (
	AgentTypeLLM    AgentType = "llm"
	AgentTypeSynth  AgentType = "synth"
	AgentTypeCustom AgentType = "custom"
)

// AgentStatus is the registry's view of an agent
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentError   AgentStatus = "error"
	AgentOffline AgentStatus = "offline"
)

// Built-in agent IDs. One built-in exists per non-custom type for the
// lifetime of the process and cannot be unregistered. Registering over the
// same ID replaces the executor.
const (
	BuiltinLLMAgentID   = "llm-default"
	BuiltinSynthAgentID = "synth-default"
)

// AgentRecord is the persisted description of a registered agent
type AgentRecord struct {
	ID              string      `json:"id"`
	Type            AgentType   `json:"type"`
	Name            string      `json:"name"`
	Capabilities    []string    `json:"capabilities"`
	Status          AgentStatus `json:"status"`
	ErrorCount      int         `json:"error_count"`
	LastHealthCheck time.Time   `json:"last_health_check"`
	CreatedAt       time.Time   `json:"created_at"`
}

// ExecutionInput is the request handed to an agent executor
type ExecutionInput struct {
	Prompt  string                 `json:"prompt"`
	Context map[string]interface{} `json:"context,omitempty"`
	Config  map[string]interface{} `json:"config,omitempty"`
	Timeout time.Duration          `json:"timeout_ms,omitempty"`
}

// ExecutionOutput is what an agent executor returns
type ExecutionOutput struct {
	Success  bool                   `json:"success"`
	Result   interface{}            `json:"result,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Duration time.Duration          `json:"duration_ms"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Executor is the callable behind an agent
type Executor interface {
	Execute(ctx context.Context, input *ExecutionInput) (*ExecutionOutput, error)
	HealthCheck(ctx context.Context) error
}

// ExecutorFunc adapts a function to the Executor interface with an
// always-healthy probe
type ExecutorFunc func(ctx context.Context, input *ExecutionInput) (*ExecutionOutput, error)

func (f ExecutorFunc) Execute(ctx context.Context, input *ExecutionInput) (*ExecutionOutput, error) {
	return f(ctx, input)
}

func (f ExecutorFunc) HealthCheck(ctx context.Context) error { return nil }

// Config tunes registry behavior
type Config struct {
	// ErrorThreshold is the consecutive-error count after which an agent is
	// marked error and refuses executions until a healthy probe
	ErrorThreshold int
	// HealthCheckInterval between periodic probe sweeps
	HealthCheckInterval time.Duration
	// HealthCheckTimeout is the hard per-probe deadline
	HealthCheckTimeout time.Duration
	// DefaultExecutionTimeout applies when the input carries none
	DefaultExecutionTimeout time.Duration
}

// DefaultConfig returns the registry defaults
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:          3,
		HealthCheckInterval:     30 * time.Second,
		HealthCheckTimeout:      5 * time.Second,
		DefaultExecutionTimeout: 2 * time.Minute,
	}
}

type agentEntry struct {
	record   *AgentRecord
	executor Executor
}

// Registry holds the agent records and executors. Executors are
// process-local; records are mirrored to the shared store.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agentEntry

	store  core.Store
	logger core.Logger
	config Config

	healthStop chan struct{}
	healthOnce sync.Once
}

// New creates a registry and installs the two built-in agents.
// Built-in executors echo their prompt until a real executor is registered
// over the same ID.
func New(store core.Store, logger core.Logger, config Config) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = DefaultConfig().ErrorThreshold
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = DefaultConfig().HealthCheckInterval
	}
	if config.HealthCheckTimeout <= 0 {
		config.HealthCheckTimeout = DefaultConfig().HealthCheckTimeout
	}
	if config.DefaultExecutionTimeout <= 0 {
		config.DefaultExecutionTimeout = DefaultConfig().DefaultExecutionTimeout
	}

	r := &Registry{
		agents:     make(map[string]*agentEntry),
		store:      store,
		logger:     logger,
		config:     config,
		healthStop: make(chan struct{}),
	}

	echo := ExecutorFunc(func(ctx context.Context, input *ExecutionInput) (*ExecutionOutput, error) {
		return &ExecutionOutput{Success: true, Result: input.Prompt}, nil
	})
	ctx := context.Background()
	_, _ = r.Register(ctx, AgentTypeLLM, "Default LLM Agent", []string{"generate", "chat"}, echo, BuiltinLLMAgentID)
	_, _ = r.Register(ctx, AgentTypeSynth, "Default Synthesis Agent", []string{"synthesize"}, echo, BuiltinSynthAgentID)

	return r
}

func agentKey(id string) string       { return "agent:registry:" + id }
func typeKey(t AgentType) string      { return "agent:registry:type:" + string(t) }
func capabilityKey(cap string) string { return "agent:registry:capability:" + cap }
func agentListKey() string            { return "agent:registry:list" }

// Register adds or replaces an agent. When agentID is supplied the call is
// idempotent: an existing record keeps its identity and error history, only
// name, capabilities and executor are updated.
func (r *Registry) Register(ctx context.Context, agentType AgentType, name string, capabilities []string, executor Executor, agentID string) (*AgentRecord, error) {
	if executor == nil {
		return nil, &core.EngineError{Op: "registry.Register", Kind: core.KindValidation, Message: "executor is required", Err: core.ErrInvalidConfiguration}
	}
	switch agentType {
	case AgentTypeLLM, AgentTypeSynth, AgentTypeCustom:
	default:
		return nil, &core.EngineError{Op: "registry.Register", Kind: core.KindValidation, Message: fmt.Sprintf("unknown agent type %q", agentType), Err: core.ErrInvalidConfiguration}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var record *AgentRecord
	if agentID != "" {
		if existing, ok := r.agents[agentID]; ok {
			existing.record.Name = name
			existing.record.Capabilities = capabilities
			existing.record.Type = agentType
			existing.executor = executor
			record = existing.record
		}
	} else {
		agentID = uuid.New().String()
	}

	if record == nil {
		record = &AgentRecord{
			ID:           agentID,
			Type:         agentType,
			Name:         name,
			Capabilities: capabilities,
			Status:       AgentIdle,
			CreatedAt:    time.Now(),
		}
		r.agents[agentID] = &agentEntry{record: record, executor: executor}
	}

	r.persistLocked(ctx, record)

	r.logger.Info("Agent registered", map[string]interface{}{
		"agent_id":     agentID,
		"agent_type":   string(agentType),
		"agent_name":   name,
		"capabilities": capabilities,
	})

	return record, nil
}

// persistLocked mirrors a record and its index memberships to the store.
// Store failures are logged, not surfaced: the in-process map remains the
// source of truth for this instance.
func (r *Registry) persistLocked(ctx context.Context, record *AgentRecord) {
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	if err := r.store.Set(ctx, agentKey(record.ID), string(data), 0); err != nil {
		r.logger.Warn("Failed to persist agent record", map[string]interface{}{
			"agent_id": record.ID,
			"error":    err.Error(),
		})
		return
	}
	_ = r.store.SAdd(ctx, agentListKey(), record.ID)
	_ = r.store.SAdd(ctx, typeKey(record.Type), record.ID)
	for _, cap := range record.Capabilities {
		_ = r.store.SAdd(ctx, capabilityKey(cap), record.ID)
	}
}

// Unregister removes an agent. Built-in agents cannot be removed.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	if id == BuiltinLLMAgentID || id == BuiltinSynthAgentID {
		return &core.EngineError{Op: "registry.Unregister", Kind: core.KindValidation, ID: id, Message: "built-in agents cannot be unregistered", Err: core.ErrInvalidConfiguration}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.agents[id]
	if !ok {
		return &core.EngineError{Op: "registry.Unregister", Kind: core.KindNotFound, ID: id, Err: core.ErrAgentNotFound}
	}
	delete(r.agents, id)

	_ = r.store.Delete(ctx, agentKey(id))
	_ = r.store.SRem(ctx, agentListKey(), id)
	_ = r.store.SRem(ctx, typeKey(entry.record.Type), id)
	for _, cap := range entry.record.Capabilities {
		_ = r.store.SRem(ctx, capabilityKey(cap), id)
	}

	r.logger.Info("Agent unregistered", map[string]interface{}{"agent_id": id})
	return nil
}

// Resolve returns the agent record for an ID
func (r *Registry) Resolve(ctx context.Context, id string) (*AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.agents[id]
	if !ok {
		return nil, &core.EngineError{Op: "registry.Resolve", Kind: core.KindNotFound, ID: id, Err: core.ErrAgentNotFound}
	}
	copy := *entry.record
	return &copy, nil
}

// ResolveDefault returns the default agent for a type: the built-in for llm
// and synth, the oldest healthy registration for custom.
func (r *Registry) ResolveDefault(ctx context.Context, agentType AgentType) (*AgentRecord, error) {
	switch agentType {
	case AgentTypeLLM:
		return r.Resolve(ctx, BuiltinLLMAgentID)
	case AgentTypeSynth:
		return r.Resolve(ctx, BuiltinSynthAgentID)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var oldest *AgentRecord
	for _, entry := range r.agents {
		if entry.record.Type != agentType || entry.record.Status == AgentError || entry.record.Status == AgentOffline {
			continue
		}
		if oldest == nil || entry.record.CreatedAt.Before(oldest.CreatedAt) {
			oldest = entry.record
		}
	}
	if oldest == nil {
		return nil, &core.EngineError{Op: "registry.ResolveDefault", Kind: core.KindNotFound, ID: string(agentType), Err: core.ErrAgentNotFound}
	}
	copy := *oldest
	return &copy, nil
}

// List returns every registered agent record
func (r *Registry) List(ctx context.Context) []*AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]*AgentRecord, 0, len(r.agents))
	for _, entry := range r.agents {
		copy := *entry.record
		records = append(records, &copy)
	}
	return records
}

// FindByCapabilities returns agents carrying every requested capability,
// using the store's set intersection over the capability indices.
func (r *Registry) FindByCapabilities(ctx context.Context, capabilities ...string) ([]*AgentRecord, error) {
	if len(capabilities) == 0 {
		return r.List(ctx), nil
	}
	keys := make([]string, len(capabilities))
	for i, cap := range capabilities {
		keys[i] = capabilityKey(cap)
	}
	ids, err := r.store.SInter(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("capability lookup: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var records []*AgentRecord
	for _, id := range ids {
		if entry, ok := r.agents[id]; ok {
			copy := *entry.record
			records = append(records, &copy)
		}
	}
	return records, nil
}

// Execute invokes an agent's executor. The agent is busy for the duration;
// failures count toward the error threshold, successes clear it.
func (r *Registry) Execute(ctx context.Context, id string, input *ExecutionInput) (*ExecutionOutput, error) {
	r.mu.Lock()
	entry, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return nil, &core.EngineError{Op: "registry.Execute", Kind: core.KindNotFound, ID: id, Err: core.ErrAgentNotFound}
	}
	if entry.record.Status == AgentError || entry.record.Status == AgentOffline {
		r.mu.Unlock()
		return nil, &core.EngineError{Op: "registry.Execute", Kind: core.KindExecution, ID: id, Message: "agent is unhealthy", Err: core.ErrAgentUnavailable}
	}
	entry.record.Status = AgentBusy
	executor := entry.executor
	timeout := input.Timeout
	if timeout <= 0 {
		timeout = r.config.DefaultExecutionTimeout
	}
	r.mu.Unlock()

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	output, err := executor.Execute(execCtx, input)
	elapsed := time.Since(start)

	r.mu.Lock()
	defer r.mu.Unlock()
	// Entry may have been replaced or removed while running
	if current, still := r.agents[id]; still {
		entry = current
	}

	if err != nil || output == nil || !output.Success {
		entry.record.ErrorCount++
		if entry.record.ErrorCount >= r.config.ErrorThreshold {
			entry.record.Status = AgentError
			r.logger.Warn("Agent exceeded error threshold", map[string]interface{}{
				"agent_id":    id,
				"error_count": entry.record.ErrorCount,
				"threshold":   r.config.ErrorThreshold,
			})
		} else {
			entry.record.Status = AgentIdle
		}
	} else {
		entry.record.ErrorCount = 0
		entry.record.Status = AgentIdle
	}
	r.persistLocked(ctx, entry.record)

	if err != nil {
		return nil, &core.EngineError{Op: "registry.Execute", Kind: core.KindExecution, ID: id, Err: err}
	}
	// Executors are embedder-supplied and may return neither output nor error
	if output == nil {
		return nil, &core.EngineError{Op: "registry.Execute", Kind: core.KindExecution, ID: id, Message: "executor returned no output"}
	}
	if output.Duration == 0 {
		output.Duration = elapsed
	}
	return output, nil
}
