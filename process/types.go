// Package process manages external command invocations: spawning with
// bounded output capture, a priority queue with ETA estimates, per-user
// rate limiting, and transparent retries under a stable process ID.
package process

import "time"

// Status is a process lifecycle state
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is final
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Event types published per process
const (
	EventStart   = "start"
	EventStdout  = "stdout"
	EventStderr  = "stderr"
	EventError   = "error"
	EventExit    = "exit"
	EventTimeout = "timeout"
)

// SpawnConfig describes one external invocation
type SpawnConfig struct {
	ID            string            `json:"id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	Command       string            `json:"command"`
	Args          []string          `json:"args,omitempty"`
	Dir           string            `json:"dir,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Timeout       time.Duration     `json:"timeout,omitempty"`
	CaptureOutput bool              `json:"capture_output,omitempty"`
	MaxOutputSize int               `json:"max_output_size,omitempty"`
	StdinContent  string            `json:"stdin_content,omitempty"`
	Priority      int               `json:"priority,omitempty"`
}

// Process is the observable state of one managed invocation
type Process struct {
	ID                   string      `json:"id"`
	Config               SpawnConfig `json:"config"`
	Status               Status      `json:"status"`
	PID                  int         `json:"pid,omitempty"`
	Stdout               string      `json:"stdout,omitempty"`
	Stderr               string      `json:"stderr,omitempty"`
	ExitCode             *int        `json:"exit_code,omitempty"`
	Error                string      `json:"error,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
	StartedAt            *time.Time  `json:"started_at,omitempty"`
	CompletedAt          *time.Time  `json:"completed_at,omitempty"`
	QueuePosition        int         `json:"queue_position,omitempty"`
	EstimatedWaitSeconds float64     `json:"estimated_wait_seconds,omitempty"`
	RetryCount           int         `json:"retry_count"`
}
