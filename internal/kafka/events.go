package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/flowbus/internal/domain"
	"github.com/ramiqadoumi/flowbus/pkg/retry"
)

const (
	TopicEvents    = "automation.events"
	TopicEventsDLQ = "automation.events.dlq"
	TopicAbandoned = "automation.executions.abandoned"
	GroupIngest    = "flowbus-ingest"
)

// Envelope kinds accepted on the events topic.
const (
	KindTaskUpdate        = "task_update"
	KindWorkspaceUpdate   = "workspace_update"
	KindAlert             = "alert"
	KindNotification      = "notification"
	KindExecutionCreate   = "execution.create"
	KindExecutionStart    = "execution.start"
	KindExecutionComplete = "execution.complete"
	KindExecutionFail     = "execution.fail"
	KindExecutionCancel   = "execution.cancel"
)

// Envelope is the wire format of automation.events.
type Envelope struct {
	Kind        string          `json:"kind"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// ExecutionCommand is the payload of execution.* envelopes.
type ExecutionCommand struct {
	ExecutionID string          `json:"execution_id,omitempty"`
	TaskID      string          `json:"task_id,omitempty"`
	MaxRetries  *int            `json:"max_retries,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// NotificationCommand is the payload of notification envelopes.
type NotificationCommand struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// DeadLetter wraps a message that could not be processed.
type DeadLetter struct {
	Reason    string          `json:"reason"`
	Topic     string          `json:"topic"`
	Partition int             `json:"partition"`
	Offset    int64           `json:"offset"`
	Original  json.RawMessage `json:"original,omitempty"`
	Raw       string          `json:"raw,omitempty"`
	FailedAt  time.Time       `json:"failed_at"`
}

// NewDeadLetter builds the DLQ record for msg. Valid JSON is embedded as
// is; anything else is kept as a string.
func NewDeadLetter(msg Message, reason string) DeadLetter {
	dl := DeadLetter{
		Reason:    reason,
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		FailedAt:  time.Now().UTC(),
	}
	if json.Valid(msg.Value) {
		dl.Original = msg.Value
	} else {
		dl.Raw = string(msg.Value)
	}
	return dl
}

// AbandonedRecord is published for every retrying execution nobody picked
// up in time.
type AbandonedRecord struct {
	ExecutionID string    `json:"execution_id"`
	TaskID      string    `json:"task_id"`
	WorkspaceID string    `json:"workspace_id"`
	UserID      string    `json:"user_id"`
	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`
	LastError   string    `json:"last_error,omitempty"`
	WaitingFrom time.Time `json:"waiting_since"`
}

// AbandonedPublisher reports abandoned executions to Kafka for the
// external retry scheduler.
type AbandonedPublisher struct {
	producer Producer
	topic    string
	retry    retry.Config
	logger   *slog.Logger
}

// NewAbandonedPublisher publishes on TopicAbandoned through p.
func NewAbandonedPublisher(p Producer, logger *slog.Logger) *AbandonedPublisher {
	return &AbandonedPublisher{
		producer: p,
		topic:    TopicAbandoned,
		retry:    retry.Config{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
		logger:   logger,
	}
}

func (a *AbandonedPublisher) ReportAbandoned(ctx context.Context, e *domain.Execution) error {
	rec := AbandonedRecord{
		ExecutionID: e.ID,
		TaskID:      e.TaskID,
		WorkspaceID: e.WorkspaceID,
		UserID:      e.UserID,
		RetryCount:  e.RetryCount,
		MaxRetries:  e.MaxRetries,
		LastError:   e.Error,
		WaitingFrom: e.UpdatedAt,
	}
	cfg := a.retry
	cfg.OnRetry = func(attempt int, err error) {
		a.logger.Warn("publish abandoned execution failed, retrying",
			slog.String("execution_id", e.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	return retry.Do(ctx, cfg, func() error {
		return PublishJSON(ctx, a.producer, a.topic, e.ID, rec)
	})
}
