package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/flowbus/internal/domain"
	"github.com/ramiqadoumi/flowbus/internal/postgres/migrations"
	"github.com/ramiqadoumi/flowbus/internal/store"
)

var _ store.Store = (*Repository)(nil)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// Repository implements store.Store on a pgx pool.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Migrate applies every embedded migration in file-name order. Migrations
// are written to be re-runnable. It returns the applied file names.
func Migrate(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	files, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		sql, err := migrations.FS.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return nil, fmt.Errorf("execute migration %s: %w", f, err)
		}
	}
	return files, nil
}

func (r *Repository) Ping(ctx context.Context) error { return r.pool.Ping(ctx) }

func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

const taskColumns = `id, workspace_id, owner_id, name, status, execution_count,
	success_rate, avg_duration_ms, last_run, next_run, created_at, updated_at`

// UpsertTask stores a task snapshot. Execution aggregates never move
// backwards: the greater execution_count wins together with its averages.
func (r *Repository) UpsertTask(ctx context.Context, t *domain.Task) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO automation_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			workspace_id    = EXCLUDED.workspace_id,
			owner_id        = EXCLUDED.owner_id,
			name            = EXCLUDED.name,
			status          = EXCLUDED.status,
			next_run        = EXCLUDED.next_run,
			updated_at      = EXCLUDED.updated_at,
			execution_count = GREATEST(automation_tasks.execution_count, EXCLUDED.execution_count),
			success_rate    = CASE WHEN EXCLUDED.execution_count > automation_tasks.execution_count
			                       THEN EXCLUDED.success_rate ELSE automation_tasks.success_rate END,
			avg_duration_ms = CASE WHEN EXCLUDED.execution_count > automation_tasks.execution_count
			                       THEN EXCLUDED.avg_duration_ms ELSE automation_tasks.avg_duration_ms END
	`,
		t.ID, t.WorkspaceID, t.OwnerID, t.Name, string(t.Status), t.ExecutionCount,
		t.SuccessRate, t.AvgDuration, t.LastRun, t.NextRun, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

func (r *Repository) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM automation_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return t, err
}

func (r *Repository) SetTaskStatus(ctx context.Context, id string, status domain.TaskStatus, lastRun *time.Time, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE automation_tasks
		SET status = $1, last_run = COALESCE($2, last_run), updated_at = $3
		WHERE id = $4
	`, string(status), lastRun, at, id)
	if err != nil {
		return fmt.Errorf("set task %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.TaskNotFoundError{TaskID: id}
	}
	return nil
}

// RecordTaskOutcome applies avg' = avg + (value - avg) / count in SQL so
// concurrent writers never lose an outcome. SET expressions see the row as
// it was before the update.
func (r *Repository) RecordTaskOutcome(ctx context.Context, id string, succeeded bool, durationMs int64, at time.Time) (*domain.Task, error) {
	sample := 0.0
	if succeeded {
		sample = 100
	}
	row := r.pool.QueryRow(ctx, `
		UPDATE automation_tasks
		SET execution_count = execution_count + 1,
		    success_rate    = success_rate + ($1::double precision - success_rate) / (execution_count + 1),
		    avg_duration_ms = avg_duration_ms + ($2::double precision - avg_duration_ms) / (execution_count + 1),
		    updated_at      = $3
		WHERE id = $4
		RETURNING `+taskColumns,
		sample, float64(durationMs), at, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("record outcome for task %s: %w", id, err)
	}
	return t, nil
}

func (r *Repository) ListTasks(ctx context.Context, workspaceID string, limit int) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM automation_tasks
		WHERE ($1 = '' OR workspace_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, workspaceID, store.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list tasks for workspace %q: %w", workspaceID, err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

const executionColumns = `id, task_id, user_id, workspace_id, status, started_at,
	completed_at, duration_ms, retry_count, max_retries, error, output, metrics,
	created_at, updated_at`

func (r *Repository) CreateExecution(ctx context.Context, e *domain.Execution) error {
	metrics, err := marshalMetrics(e.Metrics)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO task_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		e.ID, e.TaskID, e.UserID, e.WorkspaceID, string(e.Status), e.StartedAt,
		e.CompletedAt, e.DurationMs, e.RetryCount, e.MaxRetries, e.Error, nullJSON(e.Output), metrics,
		e.CreatedAt, e.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return &domain.ExecutionExistsError{ExecutionID: e.ID}
		case foreignKeyViolation:
			return &domain.TaskNotFoundError{TaskID: e.TaskID}
		}
	}
	if err != nil {
		return fmt.Errorf("create execution %s: %w", e.ID, err)
	}
	return nil
}

func (r *Repository) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM task_executions WHERE id = $1`, id)
	e, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ExecutionNotFoundError{ExecutionID: id}
	}
	return e, err
}

func (r *Repository) UpdateExecution(ctx context.Context, e *domain.Execution) error {
	metrics, err := marshalMetrics(e.Metrics)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE task_executions
		SET status = $1, started_at = $2, completed_at = $3, duration_ms = $4,
		    retry_count = $5, error = $6, output = $7, metrics = $8, updated_at = $9
		WHERE id = $10
	`,
		string(e.Status), e.StartedAt, e.CompletedAt, e.DurationMs,
		e.RetryCount, e.Error, nullJSON(e.Output), metrics, e.UpdatedAt, e.ID,
	)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ExecutionNotFoundError{ExecutionID: e.ID}
	}
	return nil
}

func (r *Repository) ListExecutions(ctx context.Context, taskID string, limit int) ([]*domain.Execution, error) {
	return r.queryExecutions(ctx, `
		SELECT `+executionColumns+`
		FROM task_executions
		WHERE task_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, taskID, store.ClampLimit(limit))
}

func (r *Repository) CountInFlightExecutions(ctx context.Context, taskID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM task_executions
		WHERE task_id = $1 AND status IN ('pending', 'running')
	`, taskID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count in-flight executions for task %s: %w", taskID, err)
	}
	return n, nil
}

func (r *Repository) ListStale(ctx context.Context, status domain.ExecutionStatus, before time.Time, limit int) ([]*domain.Execution, error) {
	return r.queryExecutions(ctx, `
		SELECT `+executionColumns+`
		FROM task_executions
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, string(status), before, store.ClampLimit(limit))
}

func (r *Repository) queryExecutions(ctx context.Context, sql string, args ...any) ([]*domain.Execution, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(...any) error
}

func scanTask(row scanner) (*domain.Task, error) {
	var t domain.Task
	var status string
	err := row.Scan(
		&t.ID, &t.WorkspaceID, &t.OwnerID, &t.Name, &status, &t.ExecutionCount,
		&t.SuccessRate, &t.AvgDuration, &t.LastRun, &t.NextRun, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Status = domain.TaskStatus(status)
	return &t, nil
}

func scanExecution(row scanner) (*domain.Execution, error) {
	var e domain.Execution
	var status string
	var output, metrics []byte
	err := row.Scan(
		&e.ID, &e.TaskID, &e.UserID, &e.WorkspaceID, &status, &e.StartedAt,
		&e.CompletedAt, &e.DurationMs, &e.RetryCount, &e.MaxRetries, &e.Error, &output, &metrics,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	e.Status = domain.ExecutionStatus(status)
	if len(output) > 0 {
		e.Output = output
	}
	if len(metrics) > 0 {
		var m domain.ResourceMetrics
		if err := json.Unmarshal(metrics, &m); err != nil {
			return nil, fmt.Errorf("decode metrics for execution %s: %w", e.ID, err)
		}
		e.Metrics = &m
	}
	return &e, nil
}

func marshalMetrics(m *domain.ResourceMetrics) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metrics: %w", err)
	}
	return b, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
