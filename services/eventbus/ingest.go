package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/flowbus/internal/domain"
	"github.com/ramiqadoumi/flowbus/internal/execution"
	"github.com/ramiqadoumi/flowbus/internal/kafka"
	"github.com/ramiqadoumi/flowbus/pkg/telemetry"
)

// errMalformed marks a message no retry can fix; it is parked on the DLQ.
var errMalformed = errors.New("malformed event")

// handleIngest applies one automation.events record. Returning an error
// leaves the offset uncommitted so the message is redelivered; that is
// reserved for failures a retry can fix (store or DLQ unavailable).
func (s *Service) handleIngest(ctx context.Context, msg kafka.Message) error {
	ctx, span := otel.Tracer("eventbus").Start(ctx, "ingest.event")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.kafka.topic", msg.Topic),
		attribute.Int64("messaging.kafka.offset", msg.Offset),
	)

	var env kafka.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return s.deadLetter(ctx, msg, "unknown", fmt.Sprintf("decode envelope: %v", err))
	}
	span.SetAttributes(attribute.String("event.kind", env.Kind))
	kind := kindLabel(env.Kind)

	err := s.apply(ctx, env)
	switch {
	case err == nil:
		telemetry.IngestMessagesTotal.WithLabelValues(kind, "applied").Inc()
		return nil

	case errors.Is(err, errMalformed):
		return s.deadLetter(ctx, msg, kind, err.Error())

	case isRejected(err):
		telemetry.IngestMessagesTotal.WithLabelValues(kind, "rejected").Inc()
		s.logger.Warn("ingest event rejected",
			slog.String("kind", env.Kind),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
		return nil

	default:
		span.RecordError(err)
		telemetry.IngestMessagesTotal.WithLabelValues(kind, "error").Inc()
		return err
	}
}

func (s *Service) apply(ctx context.Context, env kafka.Envelope) error {
	switch env.Kind {
	case kafka.KindTaskUpdate:
		var t domain.Task
		if err := json.Unmarshal(env.Payload, &t); err != nil || t.ID == "" {
			return fmt.Errorf("%w: task_update payload needs a task with an id", errMalformed)
		}
		if t.WorkspaceID == "" {
			t.WorkspaceID = env.WorkspaceID
		}
		if err := s.store.UpsertTask(ctx, &t); err != nil {
			return err
		}
		stored, err := s.store.GetTask(ctx, t.ID)
		if err != nil {
			return err
		}
		s.BroadcastTaskUpdate(stored, stored.WorkspaceID)

	case kafka.KindWorkspaceUpdate:
		if !json.Valid(env.Payload) {
			return fmt.Errorf("%w: workspace_update payload is not JSON", errMalformed)
		}
		s.BroadcastWorkspaceUpdate(env.Payload, env.WorkspaceID)

	case kafka.KindAlert:
		var a domain.Alert
		if err := json.Unmarshal(env.Payload, &a); err != nil {
			return fmt.Errorf("%w: alert payload: %v", errMalformed, err)
		}
		if a.WorkspaceID == "" {
			a.WorkspaceID = env.WorkspaceID
		}
		s.BroadcastAlert(a, a.WorkspaceID)

	case kafka.KindNotification:
		var n kafka.NotificationCommand
		if err := json.Unmarshal(env.Payload, &n); err != nil || env.UserID == "" {
			return fmt.Errorf("%w: notification needs user_id and a message", errMalformed)
		}
		if !s.SendNotification(env.UserID, n.Message, n.Data) {
			s.logger.Debug("notification target offline", slog.String("user_id", env.UserID))
		}

	case kafka.KindExecutionCreate, kafka.KindExecutionStart, kafka.KindExecutionComplete,
		kafka.KindExecutionFail, kafka.KindExecutionCancel:
		var cmd kafka.ExecutionCommand
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			return fmt.Errorf("%w: execution payload: %v", errMalformed, err)
		}
		return s.applyExecution(ctx, env, cmd)

	default:
		return fmt.Errorf("%w: unknown kind %q", errMalformed, env.Kind)
	}
	return nil
}

func (s *Service) applyExecution(ctx context.Context, env kafka.Envelope, cmd kafka.ExecutionCommand) error {
	if env.Kind == kafka.KindExecutionCreate {
		if cmd.TaskID == "" {
			return fmt.Errorf("%w: execution.create needs task_id", errMalformed)
		}
		if cmd.MaxRetries != nil && *cmd.MaxRetries < 0 {
			return fmt.Errorf("%w: max_retries must not be negative", errMalformed)
		}
		_, err := s.machine.Create(ctx, cmd.TaskID, env.UserID, execution.CreateOptions{
			ID:         cmd.ExecutionID,
			MaxRetries: cmd.MaxRetries,
		})
		return err
	}

	if cmd.ExecutionID == "" {
		return fmt.Errorf("%w: %s needs execution_id", errMalformed, env.Kind)
	}
	var err error
	switch env.Kind {
	case kafka.KindExecutionStart:
		_, err = s.machine.Start(ctx, cmd.ExecutionID)
	case kafka.KindExecutionComplete:
		_, err = s.machine.Complete(ctx, cmd.ExecutionID, cmd.Output)
	case kafka.KindExecutionFail:
		_, err = s.machine.Fail(ctx, cmd.ExecutionID, cmd.Error)
	case kafka.KindExecutionCancel:
		_, err = s.machine.Cancel(ctx, cmd.ExecutionID)
	}
	return err
}

func kindLabel(kind string) string {
	switch kind {
	case kafka.KindTaskUpdate, kafka.KindWorkspaceUpdate, kafka.KindAlert, kafka.KindNotification,
		kafka.KindExecutionCreate, kafka.KindExecutionStart, kafka.KindExecutionComplete,
		kafka.KindExecutionFail, kafka.KindExecutionCancel:
		return kind
	default:
		return "unknown"
	}
}

// isRejected reports errors caused by the event itself, not by the
// infrastructure. Redelivering them would fail the same way.
func isRejected(err error) bool {
	var (
		taskNF *domain.TaskNotFoundError
		execNF *domain.ExecutionNotFoundError
		exists *domain.ExecutionExistsError
	)
	return execution.IsInvalidTransition(err) ||
		errors.As(err, &taskNF) ||
		errors.As(err, &execNF) ||
		errors.As(err, &exists)
}

func (s *Service) deadLetter(ctx context.Context, msg kafka.Message, kind, reason string) error {
	telemetry.IngestMessagesTotal.WithLabelValues(kind, "dead_lettered").Inc()
	s.logger.Warn("ingest event dead-lettered",
		slog.String("kind", kind),
		slog.Int64("offset", msg.Offset),
		slog.String("reason", reason),
	)
	if s.dlq == nil {
		return nil
	}
	if err := kafka.PublishJSON(ctx, s.dlq, kafka.TopicEventsDLQ, string(msg.Key), kafka.NewDeadLetter(msg, reason)); err != nil {
		return fmt.Errorf("publish to DLQ: %w", err)
	}
	telemetry.IngestDLQTotal.Inc()
	return nil
}
