// Package execution owns the task execution state machine:
//
//	pending  --start-->    running
//	retrying --start-->    running
//	running  --complete--> completed
//	running  --fail-->     retrying (retry budget left) | failed
//	pending, running, retrying --cancel--> cancelled
//
// Every accepted transition is persisted, mirrored into the status cache
// and announced as an execution_update (plus task_update when the parent
// task changes). Rejected transitions change nothing and announce nothing.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/flowbus/internal/domain"
	redisstore "github.com/ramiqadoumi/flowbus/internal/redis"
	"github.com/ramiqadoumi/flowbus/internal/store"
	"github.com/ramiqadoumi/flowbus/pkg/telemetry"
)

const (
	OpCreate   = "create"
	OpStart    = "start"
	OpComplete = "complete"
	OpFail     = "fail"
	OpCancel   = "cancel"
)

// Store is the persistence the machine needs.
type Store interface {
	store.TaskStore
	store.ExecutionStore
}

// Events receives every state change the machine accepts.
type Events interface {
	ExecutionUpdated(e *domain.Execution)
	TaskUpdated(t *domain.Task)
	Alert(a domain.Alert)
}

// StatusCache mirrors execution status for fast lookups. Writes are best
// effort.
type StatusCache interface {
	Put(ctx context.Context, snap redisstore.StatusSnapshot) error
}

// AbandonedReporter hands abandoned retries to the external retry scheduler.
type AbandonedReporter interface {
	ReportAbandoned(ctx context.Context, e *domain.Execution) error
}

// Machine applies transitions. Transitions on the same execution are
// serialised; different executions proceed independently. Writes to a
// parent task are serialised per task.
type Machine struct {
	store     Store
	events    Events
	cache     StatusCache
	reporter  AbandonedReporter
	locks     *keyedMutex
	taskLocks *keyedMutex
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger

	abandoned *reportedSet
}

// Option configures a Machine.
type Option func(*Machine)

func WithStatusCache(c StatusCache) Option             { return func(m *Machine) { m.cache = c } }
func WithAbandonedReporter(r AbandonedReporter) Option { return func(m *Machine) { m.reporter = r } }
func WithClock(now func() time.Time) Option            { return func(m *Machine) { m.now = now } }
func WithIDGenerator(f func() string) Option           { return func(m *Machine) { m.newID = f } }
func WithLogger(l *slog.Logger) Option                 { return func(m *Machine) { m.logger = l } }

// NewMachine constructs a Machine over s, announcing changes to ev.
func NewMachine(s Store, ev Events, opts ...Option) *Machine {
	m := &Machine{
		store:     s,
		events:    ev,
		locks:     newKeyedMutex(),
		taskLocks: newKeyedMutex(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		logger:    slog.Default(),
		abandoned: newReportedSet(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateOptions tunes a new execution.
type CreateOptions struct {
	// ID overrides the generated execution ID. Lets producers pick IDs
	// so that replayed create events are rejected instead of duplicated.
	ID string
	// MaxRetries is the retry budget; nil means domain.DefaultMaxRetries.
	// Zero allows no retries.
	MaxRetries *int
}

// Retries returns a retry budget for CreateOptions.
func Retries(n int) *int { return &n }

// Create records a pending execution of taskID on behalf of userID.
func (m *Machine) Create(ctx context.Context, taskID, userID string, opts CreateOptions) (*domain.Execution, error) {
	ctx, span := otel.Tracer("execution").Start(ctx, "execution.create")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID))

	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	maxRetries := domain.DefaultMaxRetries
	if opts.MaxRetries != nil {
		if *opts.MaxRetries < 0 {
			return nil, fmt.Errorf("max retries must not be negative, got %d", *opts.MaxRetries)
		}
		maxRetries = *opts.MaxRetries
	}
	id := opts.ID
	if id == "" {
		id = m.newID()
	}
	now := m.now()
	e := &domain.Execution{
		ID:          id,
		TaskID:      task.ID,
		UserID:      userID,
		WorkspaceID: task.WorkspaceID,
		Status:      domain.ExecPending,
		MaxRetries:  maxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	span.SetAttributes(attribute.String("execution.id", e.ID))

	m.locks.Lock(e.ID)
	defer m.locks.Unlock(e.ID)

	if err := m.store.CreateExecution(ctx, e); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist execution")
		return nil, err
	}
	m.afterTransition(ctx, OpCreate, e)
	return e.Clone(), nil
}

// Start moves a pending or retrying execution to running. Executions of a
// paused or inactive task are refused with TaskNotRunnableError.
func (m *Machine) Start(ctx context.Context, id string) (*domain.Execution, error) {
	return m.transition(ctx, id, OpStart, func(e *domain.Execution, now time.Time) (bool, error) {
		if e.Status != domain.ExecPending && e.Status != domain.ExecRetrying {
			return false, invalid(e, OpStart)
		}
		task, err := m.store.GetTask(ctx, e.TaskID)
		if err != nil {
			return false, err
		}
		if !task.Status.AcceptsRuns() {
			return false, &domain.TaskNotRunnableError{TaskID: task.ID, Status: task.Status}
		}
		e.Status = domain.ExecRunning
		e.StartedAt = &now
		e.Error = ""
		return true, nil
	})
}

// Complete moves a running execution to completed with output.
func (m *Machine) Complete(ctx context.Context, id string, output json.RawMessage) (*domain.Execution, error) {
	return m.transition(ctx, id, OpComplete, func(e *domain.Execution, now time.Time) (bool, error) {
		if e.Status != domain.ExecRunning {
			return false, invalid(e, OpComplete)
		}
		e.Status = domain.ExecCompleted
		e.Output = output
		e.Error = ""
		finish(e, now)
		return true, nil
	})
}

// Fail records a failed attempt. With retry budget left the execution goes
// to retrying and RetryCount grows by one; otherwise it is failed.
func (m *Machine) Fail(ctx context.Context, id, errMsg string) (*domain.Execution, error) {
	return m.transition(ctx, id, OpFail, func(e *domain.Execution, now time.Time) (bool, error) {
		if e.Status != domain.ExecRunning {
			return false, invalid(e, OpFail)
		}
		e.Error = errMsg
		if e.RetryCount < e.MaxRetries {
			e.Status = domain.ExecRetrying
			e.RetryCount++
			return true, nil
		}
		e.Status = domain.ExecFailed
		finish(e, now)
		return true, nil
	})
}

// Cancel stops a non-terminal execution. Cancelling a terminal execution is
// a no-op that returns the execution unchanged and announces nothing.
func (m *Machine) Cancel(ctx context.Context, id string) (*domain.Execution, error) {
	return m.transition(ctx, id, OpCancel, func(e *domain.Execution, now time.Time) (bool, error) {
		if e.Status.IsTerminal() {
			return false, nil
		}
		e.Status = domain.ExecCancelled
		e.Error = ""
		finish(e, now)
		return true, nil
	})
}

// Get returns the current state of an execution.
func (m *Machine) Get(ctx context.Context, id string) (*domain.Execution, error) {
	return m.store.GetExecution(ctx, id)
}

// applyFunc mutates e in place. It reports whether anything changed; a
// non-nil error means the transition is illegal and e must be discarded.
type applyFunc func(e *domain.Execution, now time.Time) (bool, error)

func (m *Machine) transition(ctx context.Context, id, op string, apply applyFunc) (*domain.Execution, error) {
	ctx, span := otel.Tracer("execution").Start(ctx, "execution."+op)
	defer span.End()
	span.SetAttributes(attribute.String("execution.id", id))

	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	e, err := m.store.GetExecution(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	from := e.Status

	now := m.now()
	changed, err := apply(e, now)
	if err != nil {
		span.RecordError(err)
		if !IsInvalidTransition(err) {
			return nil, err
		}
		telemetry.ExecutionInvalidTransitions.WithLabelValues(op).Inc()
		m.logger.Debug("rejected transition",
			slog.String("execution_id", id),
			slog.String("op", op),
			slog.String("from", string(from)),
			slog.String("reason", err.Error()),
		)
		span.SetStatus(codes.Error, "invalid transition")
		return nil, err
	}
	if !changed {
		return e, nil
	}
	e.UpdatedAt = now

	if err := m.store.UpdateExecution(ctx, e); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist execution")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("execution.from", string(from)),
		attribute.String("execution.to", string(e.Status)),
	)

	m.afterTransition(ctx, op, e)
	m.updateTask(ctx, e, now)
	return e.Clone(), nil
}

func (m *Machine) afterTransition(ctx context.Context, op string, e *domain.Execution) {
	telemetry.ExecutionTransitions.WithLabelValues(op, string(e.Status)).Inc()
	if e.Status.IsTerminal() {
		telemetry.ExecutionDurationSeconds.WithLabelValues(string(e.Status)).
			Observe(float64(e.DurationMs) / 1000)
	}

	if m.cache != nil {
		if err := m.cache.Put(ctx, redisstore.SnapshotOf(e)); err != nil {
			m.logger.Warn("status cache write failed",
				slog.String("execution_id", e.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	m.logger.Info("execution transition",
		slog.String("execution_id", e.ID),
		slog.String("task_id", e.TaskID),
		slog.String("op", op),
		slog.String("status", string(e.Status)),
		slog.Int("retry_count", e.RetryCount),
	)
	m.events.ExecutionUpdated(e.Clone())
}

// updateTask keeps the parent task's status and aggregates in step with the
// execution. Failures here are logged: the execution transition already
// happened and is not rolled back.
func (m *Machine) updateTask(ctx context.Context, e *domain.Execution, now time.Time) {
	m.taskLocks.Lock(e.TaskID)
	defer m.taskLocks.Unlock(e.TaskID)

	var (
		task    *domain.Task
		changed bool
		err     error
	)
	switch e.Status {
	case domain.ExecRunning:
		task, changed, err = m.markRunning(ctx, e.TaskID, now)
	case domain.ExecCompleted, domain.ExecFailed:
		task, err = m.store.RecordTaskOutcome(ctx, e.TaskID, e.Status == domain.ExecCompleted, e.DurationMs, now)
		if err == nil {
			changed = true
			m.settle(ctx, task, now)
		}
	case domain.ExecRetrying, domain.ExecCancelled:
		task, err = m.store.GetTask(ctx, e.TaskID)
		if err == nil {
			changed = m.settle(ctx, task, now)
		}
	default:
		return
	}
	if err != nil {
		m.logger.Error("failed to update parent task",
			slog.String("execution_id", e.ID),
			slog.String("task_id", e.TaskID),
			slog.String("error", err.Error()),
		)
		return
	}
	if changed {
		m.events.TaskUpdated(task)
	}
}

// markRunning records a run start. Only status and last_run are written; a
// task paused after the start was accepted keeps its status.
func (m *Machine) markRunning(ctx context.Context, taskID string, now time.Time) (*domain.Task, bool, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	status := domain.TaskRunning
	if !task.Status.AcceptsRuns() {
		status = task.Status
	}
	if err := m.store.SetTaskStatus(ctx, taskID, status, &now, now); err != nil {
		return nil, false, err
	}
	changed := task.Status != status
	task.Status = status
	task.LastRun = &now
	task.UpdatedAt = now
	return task, changed, nil
}

// settle returns a running task to active once none of its executions is
// pending or running. It updates task in place and reports whether the
// status changed.
func (m *Machine) settle(ctx context.Context, task *domain.Task, now time.Time) bool {
	if task.Status != domain.TaskRunning {
		return false
	}
	n, err := m.store.CountInFlightExecutions(ctx, task.ID)
	if err != nil {
		m.logger.Warn("count in-flight executions",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	if n > 0 {
		return false
	}
	if err := m.store.SetTaskStatus(ctx, task.ID, domain.TaskActive, nil, now); err != nil {
		m.logger.Warn("return task to active",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	task.Status = domain.TaskActive
	task.UpdatedAt = now
	return true
}

// SweepAbandoned reports retrying executions nobody restarted within
// window. It never restarts them; each abandonment is reported once.
func (m *Machine) SweepAbandoned(ctx context.Context, window time.Duration) (int, error) {
	cutoff := m.now().Add(-window)
	stale, err := m.store.ListStale(ctx, domain.ExecRetrying, cutoff, 1000)
	if err != nil {
		return 0, err
	}

	fresh := m.abandoned.retain(stale)
	for _, e := range fresh {
		telemetry.ExecutionsAbandoned.Inc()
		m.logger.Warn("retrying execution abandoned",
			slog.String("execution_id", e.ID),
			slog.String("task_id", e.TaskID),
			slog.Int("retry_count", e.RetryCount),
			slog.Time("last_update", e.UpdatedAt),
		)
		m.events.Alert(domain.Alert{
			ID:          m.newID(),
			Severity:    domain.SeverityWarning,
			Title:       "Execution retry overdue",
			Message:     "execution " + e.ID + " has been waiting for a retry since " + e.UpdatedAt.Format(time.RFC3339),
			WorkspaceID: e.WorkspaceID,
			TaskID:      e.TaskID,
			ExecutionID: e.ID,
			CreatedAt:   m.now(),
		})
		if m.reporter != nil {
			if err := m.reporter.ReportAbandoned(ctx, e); err != nil {
				m.logger.Error("report abandoned execution",
					slog.String("execution_id", e.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return len(fresh), nil
}

// IsInvalidTransition reports whether err is a rejected transition: an
// illegal edge, or a start on a task that does not accept runs.
func IsInvalidTransition(err error) bool {
	var (
		it *domain.InvalidTransitionError
		nr *domain.TaskNotRunnableError
	)
	return errors.As(err, &it) || errors.As(err, &nr)
}

func invalid(e *domain.Execution, op string) error {
	return &domain.InvalidTransitionError{ExecutionID: e.ID, From: e.Status, Op: op}
}

func finish(e *domain.Execution, now time.Time) {
	e.CompletedAt = &now
	if e.StartedAt != nil {
		e.DurationMs = now.Sub(*e.StartedAt).Milliseconds()
	}
}
