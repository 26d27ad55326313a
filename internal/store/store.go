// Package store defines the persistence interfaces the bus reads and writes
// through. Backends: Postgres (internal/postgres) and memory
// (internal/memory).
package store

import (
	"context"
	"time"

	"github.com/ramiqadoumi/flowbus/internal/domain"
)

// TaskStore persists automation tasks. Task CRUD belongs to the console;
// the bus upserts snapshots it receives and updates execution aggregates.
type TaskStore interface {
	UpsertTask(ctx context.Context, t *domain.Task) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	// SetTaskStatus writes status, and last_run when lastRun is non-nil.
	// Aggregates are left alone.
	SetTaskStatus(ctx context.Context, id string, status domain.TaskStatus, lastRun *time.Time, at time.Time) error
	// RecordTaskOutcome folds one finished execution into the aggregates in
	// a single atomic step and returns the updated task.
	RecordTaskOutcome(ctx context.Context, id string, succeeded bool, durationMs int64, at time.Time) (*domain.Task, error)
	ListTasks(ctx context.Context, workspaceID string, limit int) ([]*domain.Task, error)
}

// ExecutionStore persists task executions.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *domain.Execution) error
	GetExecution(ctx context.Context, id string) (*domain.Execution, error)
	UpdateExecution(ctx context.Context, e *domain.Execution) error
	// ListExecutions returns a task's executions, newest first.
	ListExecutions(ctx context.Context, taskID string, limit int) ([]*domain.Execution, error)
	// CountInFlightExecutions counts a task's pending and running
	// executions. Retrying ones wait on an external scheduler and are not
	// counted.
	CountInFlightExecutions(ctx context.Context, taskID string) (int, error)
	// ListStale returns executions in status last updated before the cutoff.
	ListStale(ctx context.Context, status domain.ExecutionStatus, before time.Time, limit int) ([]*domain.Execution, error)
}

// Store is the aggregate persistence interface.
type Store interface {
	TaskStore
	ExecutionStore

	Ping(ctx context.Context) error
	Close() error
}

// DefaultListLimit caps list queries with no explicit limit.
const DefaultListLimit = 100

// ClampLimit normalises a caller-supplied list limit.
func ClampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return DefaultListLimit
	}
	return limit
}
