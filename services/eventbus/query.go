package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ramiqadoumi/flowbus/internal/domain"
	redisstore "github.com/ramiqadoumi/flowbus/internal/redis"
	"github.com/ramiqadoumi/flowbus/internal/transport"
)

// get_data request types.
const (
	QueryTasks           = "tasks"
	QueryTask            = "task"
	QueryExecutions      = "executions"
	QueryExecution       = "execution"
	QueryExecutionStatus = "execution_status"
)

var _ transport.DataProvider = (*Service)(nil)

type queryParams struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	WorkspaceID string `json:"workspace_id"`
	Limit       int    `json:"limit"`
}

// Query answers a get_data request. A connection scoped to a workspace only
// sees that workspace's records; anything else reads as not found.
func (s *Service) Query(ctx context.Context, who transport.Requester, requestType string, raw json.RawMessage) (any, error) {
	var p queryParams
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}

	switch requestType {
	case QueryTasks:
		ws := who.WorkspaceID
		if ws == "" {
			ws = p.WorkspaceID
		}
		return s.store.ListTasks(ctx, ws, p.Limit)

	case QueryTask:
		if p.ID == "" {
			return nil, errors.New("task query needs id")
		}
		return s.visibleTask(ctx, who, p.ID)

	case QueryExecutions:
		if p.TaskID == "" {
			return nil, errors.New("executions query needs task_id")
		}
		if _, err := s.visibleTask(ctx, who, p.TaskID); err != nil {
			return nil, err
		}
		return s.store.ListExecutions(ctx, p.TaskID, p.Limit)

	case QueryExecution:
		if p.ID == "" {
			return nil, errors.New("execution query needs id")
		}
		return s.visibleExecution(ctx, who, p.ID)

	case QueryExecutionStatus:
		if p.ID == "" {
			return nil, errors.New("execution_status query needs id")
		}
		return s.executionStatus(ctx, who, p.ID)

	default:
		return nil, fmt.Errorf("unknown request type %q", requestType)
	}
}

func (s *Service) visibleTask(ctx context.Context, who transport.Requester, id string) (*domain.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if who.WorkspaceID != "" && t.WorkspaceID != who.WorkspaceID {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return t, nil
}

func (s *Service) visibleExecution(ctx context.Context, who transport.Requester, id string) (*domain.Execution, error) {
	e, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if who.WorkspaceID != "" && e.WorkspaceID != who.WorkspaceID {
		return nil, &domain.ExecutionNotFoundError{ExecutionID: id}
	}
	return e, nil
}

// executionStatus serves from the Redis cache when it can and falls back to
// the store on a miss or a cache outage. Cached snapshots carry no
// workspace, so scoped requesters always go to the store.
func (s *Service) executionStatus(ctx context.Context, who transport.Requester, id string) (redisstore.StatusSnapshot, error) {
	if s.cache != nil && who.WorkspaceID == "" {
		snap, err := s.cache.Get(ctx, id)
		if err == nil {
			return snap, nil
		}
		var nf *domain.ExecutionNotFoundError
		if !errors.As(err, &nf) {
			s.logger.Warn("status cache unavailable", slog.String("error", err.Error()))
		}
	}

	e, err := s.visibleExecution(ctx, who, id)
	if err != nil {
		return redisstore.StatusSnapshot{}, err
	}
	return redisstore.SnapshotOf(e), nil
}
