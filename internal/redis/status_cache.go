package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/flowbus/internal/domain"
)

const statusTTL = 24 * time.Hour

func statusKey(executionID string) string { return "flowbus:exec:status:" + executionID }

// StatusSnapshot is the hot subset of an execution kept in Redis for fast
// execution_status lookups.
type StatusSnapshot struct {
	ExecutionID string                 `json:"execution_id"`
	TaskID      string                 `json:"task_id"`
	Status      domain.ExecutionStatus `json:"status"`
	RetryCount  int                    `json:"retry_count"`
	Error       string                 `json:"error,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// SnapshotOf extracts the cached fields from e.
func SnapshotOf(e *domain.Execution) StatusSnapshot {
	return StatusSnapshot{
		ExecutionID: e.ID,
		TaskID:      e.TaskID,
		Status:      e.Status,
		RetryCount:  e.RetryCount,
		Error:       e.Error,
		UpdatedAt:   e.UpdatedAt,
	}
}

// StatusCache stores the latest status of each execution.
type StatusCache interface {
	Put(ctx context.Context, snap StatusSnapshot) error
	Get(ctx context.Context, executionID string) (StatusSnapshot, error)
}

type statusCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStatusCache creates a Redis-backed StatusCache. Entries expire after a
// day without updates; terminal executions simply age out.
func NewStatusCache(client *redis.Client) StatusCache {
	return &statusCache{client: client, ttl: statusTTL}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *statusCache) Put(ctx context.Context, snap StatusSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal status snapshot: %w", err)
	}
	if err := s.client.Set(ctx, statusKey(snap.ExecutionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set status for %s: %w", snap.ExecutionID, err)
	}
	return nil
}

func (s *statusCache) Get(ctx context.Context, executionID string) (StatusSnapshot, error) {
	data, err := s.client.Get(ctx, statusKey(executionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return StatusSnapshot{}, &domain.ExecutionNotFoundError{ExecutionID: executionID}
		}
		return StatusSnapshot{}, fmt.Errorf("redis get status for %s: %w", executionID, err)
	}
	var snap StatusSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return StatusSnapshot{}, fmt.Errorf("unmarshal status snapshot: %w", err)
	}
	return snap, nil
}
