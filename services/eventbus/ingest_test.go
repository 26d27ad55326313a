package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/flowbus/internal/domain"
	"github.com/ramiqadoumi/flowbus/internal/execution"
	"github.com/ramiqadoumi/flowbus/internal/kafka"
	"github.com/ramiqadoumi/flowbus/internal/memory"
	"github.com/ramiqadoumi/flowbus/internal/router"
)

type published struct {
	topic, key string
	value      []byte
}

type fakeProducer struct {
	mu   sync.Mutex
	err  error
	sent []published
}

func (f *fakeProducer) Publish(_ context.Context, topic, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{topic: topic, key: key, value: value})
	return nil
}

func (f *fakeProducer) Close() error { return nil }

// brokenStore fails every task write.
type brokenStore struct{ *memory.Store }

func (brokenStore) UpsertTask(context.Context, *domain.Task) error {
	return errors.New("connection refused")
}

func envelope(t *testing.T, kind, ws, user string, payload any) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	v, err := json.Marshal(kafka.Envelope{Kind: kind, WorkspaceID: ws, UserID: user, Payload: raw})
	require.NoError(t, err)
	return kafka.Message{Topic: kafka.TopicEvents, Key: []byte(user), Value: v}
}

func newIngestService(t *testing.T) (*Service, *fakeProducer) {
	t.Helper()
	dlq := &fakeProducer{}
	s, _ := newTestService(t, WithIngest(nil, dlq))
	return s, dlq
}

func TestIngest_TaskUpdateUpsertsAndBroadcasts(t *testing.T) {
	s, dlq := newIngestService(t)
	h := s.connect("user-1", "ws-1", string(router.TypeTaskUpdate))

	msg := envelope(t, kafka.KindTaskUpdate, "ws-1", "", domain.Task{ID: "task-2", Name: "invoice export", Status: domain.TaskActive})
	require.NoError(t, s.handleIngest(context.Background(), msg))

	stored, err := s.Store().GetTask(context.Background(), "task-2")
	require.NoError(t, err)
	assert.Equal(t, "ws-1", stored.WorkspaceID, "workspace falls back to the envelope")
	assert.Len(t, h.ofType(t, router.TypeTaskUpdate), 1)
	assert.Empty(t, dlq.sent)
}

func TestIngest_AlertAndWorkspaceUpdate(t *testing.T) {
	s, _ := newIngestService(t)
	h := s.connect("user-1", "ws-1", string(router.TypeAlert), string(router.TypeWorkspaceUpdate))
	other := s.connect("user-2", "ws-2", string(router.TypeAlert))
	ctx := context.Background()

	require.NoError(t, s.handleIngest(ctx, envelope(t, kafka.KindAlert, "ws-1", "", domain.Alert{Title: "quota", Severity: domain.SeverityWarning})))
	require.NoError(t, s.handleIngest(ctx, envelope(t, kafka.KindWorkspaceUpdate, "ws-1", "", domain.Workspace{ID: "ws-1", Name: "Ops"})))

	assert.Len(t, h.ofType(t, router.TypeAlert), 1)
	assert.Len(t, h.ofType(t, router.TypeWorkspaceUpdate), 1)
	assert.Empty(t, other.ofType(t, router.TypeAlert))
}

func TestIngest_NotificationGoesToOneUser(t *testing.T) {
	s, _ := newIngestService(t)
	target := s.connect("user-1", "")
	bystander := s.connect("user-2", "")

	msg := envelope(t, kafka.KindNotification, "", "user-1", kafka.NotificationCommand{Message: "export finished"})
	require.NoError(t, s.handleIngest(context.Background(), msg))

	assert.Len(t, target.ofType(t, router.TypeNotification), 1)
	assert.Empty(t, bystander.ofType(t, router.TypeNotification))
}

func TestIngest_ExecutionLifecycle(t *testing.T) {
	s, _ := newIngestService(t)
	ctx := context.Background()

	steps := []kafka.Message{
		envelope(t, kafka.KindExecutionCreate, "", "user-1", kafka.ExecutionCommand{ExecutionID: "exec-1", TaskID: "task-1", MaxRetries: execution.Retries(1)}),
		envelope(t, kafka.KindExecutionStart, "", "", kafka.ExecutionCommand{ExecutionID: "exec-1"}),
		envelope(t, kafka.KindExecutionFail, "", "", kafka.ExecutionCommand{ExecutionID: "exec-1", Error: "timeout"}),
		envelope(t, kafka.KindExecutionStart, "", "", kafka.ExecutionCommand{ExecutionID: "exec-1"}),
		envelope(t, kafka.KindExecutionComplete, "", "", kafka.ExecutionCommand{ExecutionID: "exec-1", Output: json.RawMessage(`{"rows":10}`)}),
	}
	for _, m := range steps {
		require.NoError(t, s.handleIngest(ctx, m))
	}

	e, err := s.Machine().Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecCompleted, e.Status)
	assert.Equal(t, 1, e.RetryCount)
	assert.JSONEq(t, `{"rows":10}`, string(e.Output))
}

func TestIngest_ExplicitZeroRetries(t *testing.T) {
	s, _ := newIngestService(t)
	ctx := context.Background()

	steps := []kafka.Message{
		envelope(t, kafka.KindExecutionCreate, "", "user-1", map[string]any{"execution_id": "exec-0", "task_id": "task-1", "max_retries": 0}),
		envelope(t, kafka.KindExecutionStart, "", "", kafka.ExecutionCommand{ExecutionID: "exec-0"}),
		envelope(t, kafka.KindExecutionFail, "", "", kafka.ExecutionCommand{ExecutionID: "exec-0", Error: "boom"}),
	}
	for _, m := range steps {
		require.NoError(t, s.handleIngest(ctx, m))
	}

	e, err := s.Machine().Get(ctx, "exec-0")
	require.NoError(t, err)
	assert.Equal(t, 0, e.MaxRetries)
	assert.Equal(t, domain.ExecFailed, e.Status)
}

func TestIngest_StartOnPausedTaskIsCommitted(t *testing.T) {
	s, dlq := newIngestService(t)
	ctx := context.Background()
	require.NoError(t, s.handleIngest(ctx, envelope(t, kafka.KindExecutionCreate, "", "user-1", kafka.ExecutionCommand{ExecutionID: "exec-p", TaskID: "task-1"})))
	task, err := s.Store().GetTask(ctx, "task-1")
	require.NoError(t, err)
	task.Status = domain.TaskPaused
	require.NoError(t, s.Store().UpsertTask(ctx, task))

	err = s.handleIngest(ctx, envelope(t, kafka.KindExecutionStart, "", "", kafka.ExecutionCommand{ExecutionID: "exec-p"}))

	assert.NoError(t, err, "a refused start is not redelivered")
	assert.Empty(t, dlq.sent)
	e, _ := s.Machine().Get(ctx, "exec-p")
	assert.Equal(t, domain.ExecPending, e.Status)
}

func TestIngest_RejectedEventsAreCommitted(t *testing.T) {
	s, dlq := newIngestService(t)
	ctx := context.Background()

	create := envelope(t, kafka.KindExecutionCreate, "", "user-1", kafka.ExecutionCommand{ExecutionID: "exec-1", TaskID: "task-1"})
	require.NoError(t, s.handleIngest(ctx, create))

	cases := map[string]kafka.Message{
		"invalid transition": envelope(t, kafka.KindExecutionComplete, "", "", kafka.ExecutionCommand{ExecutionID: "exec-1"}),
		"unknown execution":  envelope(t, kafka.KindExecutionStart, "", "", kafka.ExecutionCommand{ExecutionID: "exec-404"}),
		"unknown task":       envelope(t, kafka.KindExecutionCreate, "", "", kafka.ExecutionCommand{TaskID: "task-404"}),
		"replayed create":    create,
	}
	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, s.handleIngest(ctx, m))
		})
	}

	e, err := s.Machine().Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecPending, e.Status, "rejected events leave the execution untouched")
	assert.Empty(t, dlq.sent, "rejections are not dead-lettered")
}

func TestIngest_MalformedGoesToDLQ(t *testing.T) {
	cases := map[string]kafka.Message{
		"not json":        {Topic: kafka.TopicEvents, Value: []byte(`{oops`)},
		"unknown kind":    envelope(t, "task_deleted", "", "", map[string]string{"id": "x"}),
		"task without id": envelope(t, kafka.KindTaskUpdate, "", "", map[string]string{"name": "x"}),
		"missing exec id": envelope(t, kafka.KindExecutionStart, "", "", kafka.ExecutionCommand{}),
		"orphan notice":   envelope(t, kafka.KindNotification, "", "", kafka.NotificationCommand{Message: "hi"}),
		"negative budget": envelope(t, kafka.KindExecutionCreate, "", "", map[string]any{"task_id": "task-1", "max_retries": -1}),
	}
	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			s, dlq := newIngestService(t)

			require.NoError(t, s.handleIngest(context.Background(), m))

			require.Len(t, dlq.sent, 1)
			assert.Equal(t, kafka.TopicEventsDLQ, dlq.sent[0].topic)
			var dl kafka.DeadLetter
			require.NoError(t, json.Unmarshal(dlq.sent[0].value, &dl))
			assert.NotEmpty(t, dl.Reason)
		})
	}
}

func TestIngest_DLQFailureLeavesOffsetUncommitted(t *testing.T) {
	s, dlq := newIngestService(t)
	dlq.err = errors.New("broker unavailable")

	err := s.handleIngest(context.Background(), kafka.Message{Value: []byte(`nope`)})

	assert.Error(t, err)
}

func TestIngest_StoreFailureIsRetried(t *testing.T) {
	st := memory.New()
	s := New(brokenStore{st}, WithLogger(quietLogger()), WithIngest(nil, &fakeProducer{}))

	err := s.handleIngest(context.Background(), envelope(t, kafka.KindTaskUpdate, "ws-1", "", domain.Task{ID: "task-9"}))

	assert.Error(t, err, "infrastructure errors must block the commit")
}
