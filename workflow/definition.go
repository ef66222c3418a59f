// Package workflow provides the DAG workflow engine: definition validation,
// dependency-ordered scheduling with bounded parallelism, per-step retry and
// timeout handling, and cancel/pause/resume control.
package workflow

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slopmasterai/maestro/core"
	"github.com/slopmasterai/maestro/registry"
)

// MaxSteps bounds the number of steps per workflow definition
const MaxSteps = 100

// RetryPolicy configures per-step retries with exponential-capped backoff
type RetryPolicy struct {
	MaxRetries        int     `yaml:"maxRetries" json:"maxRetries"`
	InitialDelayMs    int64   `yaml:"initialDelayMs" json:"initialDelayMs"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier" json:"backoffMultiplier"`
	MaxDelayMs        int64   `yaml:"maxDelayMs" json:"maxDelayMs"`
}

// Delay returns the backoff before the given retry attempt (0-based)
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	initial := p.InitialDelayMs
	if initial <= 0 {
		initial = 100
	}
	multiplier := p.BackoffMultiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	maxDelay := p.MaxDelayMs
	if maxDelay <= 0 {
		maxDelay = 5000
	}
	delay := float64(initial)
	for i := 0; i < attempt; i++ {
		delay *= multiplier
		if delay >= float64(maxDelay) {
			delay = float64(maxDelay)
			break
		}
	}
	return time.Duration(delay) * time.Millisecond
}

// Input binds one value for a step's prompt. From references either
// "context.<path>" or "steps.<id>.result[.field]"; an empty From uses the
// literal Value.
type Input struct {
	Name  string      `yaml:"name" json:"name"`
	From  string      `yaml:"from,omitempty" json:"from,omitempty"`
	Value interface{} `yaml:"value,omitempty" json:"value,omitempty"`
}

// Output writes a step result into the workflow context. When Field is set,
// only that dotted field of the result is written.
type Output struct {
	Path  string `yaml:"path" json:"path"`
	Field string `yaml:"field,omitempty" json:"field,omitempty"`
}

// Step is one unit of work in a workflow
type Step struct {
	ID               string       `yaml:"id" json:"id"`
	Name             string       `yaml:"name,omitempty" json:"name,omitempty"`
	AgentType        string       `yaml:"agentType" json:"agentType"`
	AgentID          string       `yaml:"agentId,omitempty" json:"agentId,omitempty"`
	PromptTemplateID string       `yaml:"promptTemplateId,omitempty" json:"promptTemplateId,omitempty"`
	Prompt           string       `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Inputs           []Input      `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs          []Output     `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Dependencies     []string     `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Condition        string       `yaml:"condition,omitempty" json:"condition,omitempty"`
	RetryPolicy      *RetryPolicy `yaml:"retryPolicy,omitempty" json:"retryPolicy,omitempty"`
	TimeoutMs        int64        `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
	ContinueOnError  bool         `yaml:"continueOnError,omitempty" json:"continueOnError,omitempty"`
}

// Timeout returns the step timeout, or zero when unset
func (s *Step) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// Definition is a complete workflow
type Definition struct {
	ID                 string                 `yaml:"id,omitempty" json:"id,omitempty"`
	Name               string                 `yaml:"name" json:"name"`
	Steps              []Step                 `yaml:"steps" json:"steps"`
	DefaultRetryPolicy *RetryPolicy           `yaml:"defaultRetryPolicy,omitempty" json:"defaultRetryPolicy,omitempty"`
	TimeoutMs          int64                  `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
	MaxParallelSteps   int                    `yaml:"maxParallelSteps,omitempty" json:"maxParallelSteps,omitempty"`
	InitialContext     map[string]interface{} `yaml:"initialContext,omitempty" json:"initialContext,omitempty"`
}

// Timeout returns the workflow timeout, or zero when unset
func (d *Definition) Timeout() time.Duration {
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// Step returns the step with the given ID, or nil
func (d *Definition) Step(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// ParseYAML parses and validates a workflow definition from YAML
func ParseYAML(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &core.EngineError{Op: "workflow.ParseYAML", Kind: core.KindValidation, Message: "parsing workflow YAML: " + err.Error(), Err: core.ErrInvalidConfiguration}
	}
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks a workflow definition: non-empty, unique step IDs, existent
// dependencies, an acyclic dependency graph, a bounded step count, exactly
// one prompt source per step, and known agent types.
func Validate(def *Definition) error {
	if def.Name == "" {
		return definitionError("workflow name is required")
	}
	if len(def.Steps) == 0 {
		return definitionError("workflow has no steps")
	}
	if len(def.Steps) > MaxSteps {
		return definitionError(fmt.Sprintf("workflow exceeds %d steps", MaxSteps))
	}

	seen := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			return definitionError("step with empty id")
		}
		if seen[step.ID] {
			return definitionError(fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = true

		hasTemplate := step.PromptTemplateID != ""
		hasPrompt := step.Prompt != ""
		if hasTemplate == hasPrompt {
			return definitionError(fmt.Sprintf("step %q must have exactly one of promptTemplateId or prompt", step.ID))
		}

		switch registry.AgentType(step.AgentType) {
		case registry.AgentTypeLLM, registry.AgentTypeSynth, registry.AgentTypeCustom:
		default:
			return definitionError(fmt.Sprintf("step %q has unknown agent type %q", step.ID, step.AgentType))
		}
	}

	dag := NewDAG()
	for i := range def.Steps {
		step := &def.Steps[i]
		for _, dep := range step.Dependencies {
			if !seen[dep] {
				return definitionError(fmt.Sprintf("step %q depends on unknown step %q", step.ID, dep))
			}
		}
		dag.AddNode(step.ID, step.Dependencies, step.ContinueOnError)
	}
	if err := dag.Validate(); err != nil {
		return definitionError(err.Error())
	}
	return nil
}

func definitionError(msg string) error {
	return &core.EngineError{Op: "workflow.Validate", Kind: core.KindValidation, Message: msg, Err: core.ErrInvalidConfiguration}
}
