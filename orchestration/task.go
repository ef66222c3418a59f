package orchestration

import (
	"regexp"
	"strings"
	"time"

	"github.com/slopmasterai/maestro/prompt"
)

// Pattern identifies an orchestration execution pattern
type Pattern string

const (
	PatternSequential  Pattern = "sequential"
	PatternParallel    Pattern = "parallel"
	PatternConditional Pattern = "conditional"
	PatternMapReduce   Pattern = "map-reduce"
)

// Task is one unit of agent work inside a pattern
type Task struct {
	ID               string `json:"id"`
	AgentType        string `json:"agentType"`
	AgentID          string `json:"agentId,omitempty"`
	Prompt           string `json:"prompt,omitempty"`
	PromptTemplateID string `json:"promptTemplateId,omitempty"`
	Condition        string `json:"condition,omitempty"`
	TimeoutMs        int64  `json:"timeoutMs,omitempty"`
}

// Timeout returns the task timeout, or zero when unset
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// TaskResult is the outcome of one task
type TaskResult struct {
	TaskID     string      `json:"taskId"`
	Success    bool        `json:"success"`
	Result     interface{} `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMs int64       `json:"durationMs"`
}

// ResultStatus is the terminal status of a pattern run
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
	ResultCancelled ResultStatus = "cancelled"
)

// Result is the outcome of one orchestration request
type Result struct {
	ID               string       `json:"id"`
	Status           ResultStatus `json:"status"`
	Pattern          Pattern      `json:"pattern"`
	TaskResults      []TaskResult `json:"taskResults"`
	DurationMs       int64        `json:"durationMs"`
	StartedAt        time.Time    `json:"startedAt"`
	CompletedAt      time.Time    `json:"completedAt"`
	AggregatedResult interface{}  `json:"aggregatedResult,omitempty"`
}

// Request is a pattern submission
type Request struct {
	Pattern   Pattern                `json:"pattern"`
	Tasks     []Task                 `json:"tasks"`
	Context   map[string]interface{} `json:"context,omitempty"`
	UserID    string                 `json:"userId,omitempty"`
	TimeoutMs int64                  `json:"timeoutMs,omitempty"`

	// Map-reduce specifics
	MapTask     *Task         `json:"mapTask,omitempty"`
	ReduceTask  *Task         `json:"reduceTask,omitempty"`
	Items       []interface{} `json:"items,omitempty"`
	MaxParallel int           `json:"maxParallel,omitempty"`
}

var taskPlaceholder = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// interpolateTask substitutes {{var}} placeholders from context data,
// traversing dotted paths
func interpolateTask(text string, data map[string]interface{}) string {
	return taskPlaceholder.ReplaceAllStringFunc(text, func(match string) string {
		ref := strings.TrimSpace(match[2 : len(match)-2])
		current := interface{}(data)
		for _, segment := range strings.Split(ref, ".") {
			m, ok := current.(map[string]interface{})
			if !ok {
				return ""
			}
			current, ok = m[segment]
			if !ok {
				return ""
			}
		}
		return prompt.Stringify(current)
	})
}
