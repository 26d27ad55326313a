package domain

import (
	"encoding/json"
	"time"
)

// DefaultMaxRetries applies when an execution is created without an explicit
// retry budget.
const DefaultMaxRetries = 3

// ExecutionStatus represents the states a task execution can be in.
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "pending"
	ExecRunning   ExecutionStatus = "running"
	ExecRetrying  ExecutionStatus = "retrying"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
)

// IsTerminal returns true if no further state transitions are possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecCompleted || s == ExecFailed || s == ExecCancelled
}

// Execution records one run of a task.
type Execution struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"task_id"`
	UserID      string           `json:"user_id"`
	WorkspaceID string           `json:"workspace_id"`
	Status      ExecutionStatus  `json:"status"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	DurationMs  int64            `json:"duration_ms"`
	RetryCount  int              `json:"retry_count"`
	MaxRetries  int              `json:"max_retries"`
	Error       string           `json:"error,omitempty"`
	Output      json.RawMessage  `json:"output,omitempty"`
	Metrics     *ResourceMetrics `json:"metrics,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// ResourceMetrics is an advisory resource-usage snapshot attached by the
// runner. Nothing in the bus depends on its values.
type ResourceMetrics struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	NetworkKB  float64 `json:"network_kb,omitempty"`
}

// Clone returns a deep-enough copy for handing to another goroutine.
func (e *Execution) Clone() *Execution {
	c := *e
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	if e.Output != nil {
		c.Output = append(json.RawMessage(nil), e.Output...)
	}
	if e.Metrics != nil {
		m := *e.Metrics
		c.Metrics = &m
	}
	return &c
}
