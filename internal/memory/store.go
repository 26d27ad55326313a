// Package memory is an in-process store.Store for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ramiqadoumi/flowbus/internal/domain"
	"github.com/ramiqadoumi/flowbus/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps tasks and executions in maps. Safe for concurrent access;
// values are cloned on the way in and out.
type Store struct {
	mu         sync.RWMutex
	tasks      map[string]*domain.Task
	executions map[string]*domain.Execution
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		tasks:      make(map[string]*domain.Task),
		executions: make(map[string]*domain.Execution),
	}
}

func (m *Store) Ping(_ context.Context) error { return nil }
func (m *Store) Close() error                 { return nil }

func (m *Store) UpsertTask(_ context.Context, t *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.tasks[t.ID]; ok && t.ExecutionCount < prev.ExecutionCount {
		// Aggregates are owned by the bus; keep the higher count.
		cp := t.Clone()
		cp.ExecutionCount = prev.ExecutionCount
		cp.SuccessRate = prev.SuccessRate
		cp.AvgDuration = prev.AvgDuration
		m.tasks[t.ID] = cp
		return nil
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *Store) GetTask(_ context.Context, id string) (*domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return t.Clone(), nil
}

func (m *Store) SetTaskStatus(_ context.Context, id string, status domain.TaskStatus, lastRun *time.Time, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return &domain.TaskNotFoundError{TaskID: id}
	}
	t.Status = status
	if lastRun != nil {
		v := *lastRun
		t.LastRun = &v
	}
	t.UpdatedAt = at
	return nil
}

func (m *Store) RecordTaskOutcome(_ context.Context, id string, succeeded bool, durationMs int64, at time.Time) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	t.RecordOutcome(succeeded, durationMs)
	t.UpdatedAt = at
	return t.Clone(), nil
}

func (m *Store) ListTasks(_ context.Context, workspaceID string, limit int) ([]*domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Task
	for _, t := range m.tasks {
		if workspaceID == "" || t.WorkspaceID == workspaceID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, store.ClampLimit(limit)), nil
}

func (m *Store) CreateExecution(_ context.Context, e *domain.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[e.TaskID]; !ok {
		return &domain.TaskNotFoundError{TaskID: e.TaskID}
	}
	if _, ok := m.executions[e.ID]; ok {
		return &domain.ExecutionExistsError{ExecutionID: e.ID}
	}
	m.executions[e.ID] = e.Clone()
	return nil
}

func (m *Store) GetExecution(_ context.Context, id string) (*domain.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, &domain.ExecutionNotFoundError{ExecutionID: id}
	}
	return e.Clone(), nil
}

func (m *Store) UpdateExecution(_ context.Context, e *domain.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[e.ID]; !ok {
		return &domain.ExecutionNotFoundError{ExecutionID: e.ID}
	}
	m.executions[e.ID] = e.Clone()
	return nil
}

func (m *Store) ListExecutions(_ context.Context, taskID string, limit int) ([]*domain.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Execution
	for _, e := range m.executions {
		if e.TaskID == taskID {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, store.ClampLimit(limit)), nil
}

func (m *Store) CountInFlightExecutions(_ context.Context, taskID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.executions {
		if e.TaskID == taskID && (e.Status == domain.ExecPending || e.Status == domain.ExecRunning) {
			n++
		}
	}
	return n, nil
}

func (m *Store) ListStale(_ context.Context, status domain.ExecutionStatus, before time.Time, limit int) ([]*domain.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Execution
	for _, e := range m.executions {
		if e.Status == status && e.UpdatedAt.Before(before) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return truncate(out, store.ClampLimit(limit)), nil
}

func truncate[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}
