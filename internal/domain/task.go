package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the states an automation task can be in.
type TaskStatus string

const (
	TaskDraft    TaskStatus = "draft"
	TaskActive   TaskStatus = "active"
	TaskPaused   TaskStatus = "paused"
	TaskInactive TaskStatus = "inactive"
	TaskError    TaskStatus = "error"
	TaskRunning  TaskStatus = "running"
)

// AcceptsRuns reports whether executions of a task in this status may
// start. Paused and inactive tasks keep their status until the console
// changes it.
func (s TaskStatus) AcceptsRuns() bool {
	return s != TaskPaused && s != TaskInactive
}

// Task is a user-defined unit of automation. Its counters are driven by
// executions; the bus never edits the definition itself.
type Task struct {
	ID             string     `json:"id"`
	WorkspaceID    string     `json:"workspace_id"`
	OwnerID        string     `json:"owner_id"`
	Name           string     `json:"name"`
	Status         TaskStatus `json:"status"`
	ExecutionCount int64      `json:"execution_count"`
	SuccessRate    float64    `json:"success_rate"`
	AvgDuration    float64    `json:"avg_duration"` // milliseconds
	LastRun        *time.Time `json:"last_run,omitempty"`
	NextRun        *time.Time `json:"next_run,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// RecordOutcome folds one finished execution into the rolling aggregates:
// avg' = avg + (value - avg) / count.
func (t *Task) RecordOutcome(succeeded bool, durationMs int64) {
	t.ExecutionCount++
	n := float64(t.ExecutionCount)

	sample := 0.0
	if succeeded {
		sample = 100
	}
	t.SuccessRate += (sample - t.SuccessRate) / n
	t.AvgDuration += (float64(durationMs) - t.AvgDuration) / n
}

// Workspace is the minimal shape broadcast on workspace_update. The bus
// relays it as-is.
type Workspace struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	OwnerID   string          `json:"owner_id,omitempty"`
	Settings  json.RawMessage `json:"settings,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Clone returns a copy that shares no pointers with t.
func (t *Task) Clone() *Task {
	c := *t
	if t.LastRun != nil {
		v := *t.LastRun
		c.LastRun = &v
	}
	if t.NextRun != nil {
		v := *t.NextRun
		c.NextRun = &v
	}
	return &c
}
