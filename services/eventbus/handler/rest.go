package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/flowbus/internal/auth"
	"github.com/ramiqadoumi/flowbus/internal/domain"
	"github.com/ramiqadoumi/flowbus/internal/execution"
	"github.com/ramiqadoumi/flowbus/internal/router"
	"github.com/ramiqadoumi/flowbus/pkg/telemetry"
)

// Executions is the execution state machine as seen by REST callers.
type Executions interface {
	Create(ctx context.Context, taskID, userID string, opts execution.CreateOptions) (*domain.Execution, error)
	Start(ctx context.Context, id string) (*domain.Execution, error)
	Complete(ctx context.Context, id string, output json.RawMessage) (*domain.Execution, error)
	Fail(ctx context.Context, id, errMsg string) (*domain.Execution, error)
	Cancel(ctx context.Context, id string) (*domain.Execution, error)
	Get(ctx context.Context, id string) (*domain.Execution, error)
}

// Tasks registers and reads task definitions.
type Tasks interface {
	UpsertTask(ctx context.Context, t *domain.Task) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
}

// Broadcaster is the producer-facing broadcast API.
type Broadcaster interface {
	BroadcastTaskUpdate(task any, workspaceID string) int
	BroadcastExecutionUpdate(exec any, workspaceID string) int
	BroadcastWorkspaceUpdate(workspace any, workspaceID string) int
	BroadcastSystemHealth(health any) int
	BroadcastAlert(alert any, workspaceID string) int
	SendNotification(userID, message string, data any) bool
}

// REST handles HTTP requests for the event bus.
type REST struct {
	execs  Executions
	tasks  Tasks
	bus    Broadcaster
	ready  telemetry.ReadinessFunc
	logger *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(execs Executions, tasks Tasks, bus Broadcaster, ready telemetry.ReadinessFunc, logger *slog.Logger) *REST {
	return &REST{execs: execs, tasks: tasks, bus: bus, ready: ready, logger: logger}
}

// Mount registers the /api/v1 routes on r. Callers add authentication.
func (h *REST) Mount(r chi.Router) {
	r.Post("/tasks", h.UpsertTask)
	r.Get("/tasks/{id}", h.GetTask)
	r.Post("/executions", h.CreateExecution)
	r.Get("/executions/{id}", h.GetExecution)
	r.Post("/executions/{id}/{op}", h.TransitionExecution)
	r.Post("/broadcast/{topic}", h.Broadcast)
	r.Post("/notifications/{userID}", h.Notify)
}

// CreateExecutionRequest is the JSON body for POST /api/v1/executions.
type CreateExecutionRequest struct {
	TaskID      string `json:"task_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	MaxRetries  *int   `json:"max_retries,omitempty"` // absent means the default budget
}

// TransitionRequest is the optional body of POST /executions/{id}/{op}.
type TransitionRequest struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// BroadcastRequest is the JSON body for POST /api/v1/broadcast/{topic}.
type BroadcastRequest struct {
	WorkspaceID string          `json:"workspace_id,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// NotificationRequest is the JSON body for POST /api/v1/notifications/{userID}.
type NotificationRequest struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// UpsertTask handles POST /api/v1/tasks.
func (h *REST) UpsertTask(w http.ResponseWriter, r *http.Request) {
	var t domain.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(t.ID) == "" {
		writeError(w, http.StatusBadRequest, "field 'id' is required")
		return
	}
	id := identity(r)
	if id.WorkspaceID != "" {
		t.WorkspaceID = id.WorkspaceID
	}
	if t.OwnerID == "" {
		t.OwnerID = id.UserID
	}
	if t.Status == "" {
		t.Status = domain.TaskActive
	}

	ctx := r.Context()
	if err := h.tasks.UpsertTask(ctx, &t); err != nil {
		h.fail(w, err, "upsert task")
		return
	}
	stored, err := h.tasks.GetTask(ctx, t.ID)
	if err != nil {
		h.fail(w, err, "read task")
		return
	}
	h.bus.BroadcastTaskUpdate(stored, stored.WorkspaceID)
	writeJSON(w, http.StatusOK, stored)
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err, "get task")
		return
	}
	if !visible(r, t.WorkspaceID) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CreateExecution handles POST /api/v1/executions.
func (h *REST) CreateExecution(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("eventbus").Start(r.Context(), "rest.create_execution")
	defer span.End()

	var req CreateExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.TaskID) == "" {
		writeError(w, http.StatusBadRequest, "field 'task_id' is required")
		return
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		writeError(w, http.StatusBadRequest, "field 'max_retries' must not be negative")
		return
	}
	span.SetAttributes(attribute.String("task.id", req.TaskID))

	task, err := h.tasks.GetTask(ctx, req.TaskID)
	if err != nil {
		h.fail(w, err, "get task")
		return
	}
	if !visible(r, task.WorkspaceID) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	e, err := h.execs.Create(ctx, req.TaskID, identity(r).UserID, execution.CreateOptions{
		ID:         req.ExecutionID,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		span.RecordError(err)
		h.fail(w, err, "create execution")
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// GetExecution handles GET /api/v1/executions/{id}.
func (h *REST) GetExecution(w http.ResponseWriter, r *http.Request) {
	e, ok := h.visibleExecution(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// TransitionExecution handles POST /api/v1/executions/{id}/{start|complete|fail|cancel}.
func (h *REST) TransitionExecution(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")
	switch op {
	case execution.OpStart, execution.OpComplete, execution.OpFail, execution.OpCancel:
	default:
		writeError(w, http.StatusNotFound, "unknown operation "+op)
		return
	}

	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, ok := h.visibleExecution(w, r); !ok {
		return
	}

	ctx, id := r.Context(), chi.URLParam(r, "id")
	var (
		e   *domain.Execution
		err error
	)
	switch op {
	case execution.OpStart:
		e, err = h.execs.Start(ctx, id)
	case execution.OpComplete:
		e, err = h.execs.Complete(ctx, id, req.Output)
	case execution.OpFail:
		e, err = h.execs.Fail(ctx, id, req.Error)
	case execution.OpCancel:
		e, err = h.execs.Cancel(ctx, id)
	}
	if err != nil {
		h.fail(w, err, op+" execution")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Broadcast handles POST /api/v1/broadcast/{topic}. Notifications are
// direct messages and go through /notifications instead.
func (h *REST) Broadcast(w http.ResponseWriter, r *http.Request) {
	topic := router.MessageType(chi.URLParam(r, "topic"))

	var req BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Data) == 0 || string(req.Data) == "null" {
		writeError(w, http.StatusBadRequest, "field 'data' is required")
		return
	}
	if ws := identity(r).WorkspaceID; ws != "" {
		req.WorkspaceID = ws
	}

	var n int
	switch topic {
	case router.TypeTaskUpdate:
		n = h.bus.BroadcastTaskUpdate(req.Data, req.WorkspaceID)
	case router.TypeExecutionUpdate:
		n = h.bus.BroadcastExecutionUpdate(req.Data, req.WorkspaceID)
	case router.TypeWorkspaceUpdate:
		n = h.bus.BroadcastWorkspaceUpdate(req.Data, req.WorkspaceID)
	case router.TypeAlert:
		n = h.bus.BroadcastAlert(req.Data, req.WorkspaceID)
	case router.TypeSystemHealth:
		if identity(r).WorkspaceID != "" {
			writeError(w, http.StatusForbidden, "system_health is global")
			return
		}
		n = h.bus.BroadcastSystemHealth(req.Data)
	default:
		writeError(w, http.StatusNotFound, "unknown topic "+string(topic))
		return
	}

	h.logger.Debug("broadcast accepted",
		slog.String("topic", string(topic)),
		slog.String("workspace_id", req.WorkspaceID),
		slog.Int("recipients", n),
	)
	writeJSON(w, http.StatusAccepted, map[string]int{"recipients": n})
}

// Notify handles POST /api/v1/notifications/{userID}.
func (h *REST) Notify(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "field 'message' is required")
		return
	}

	var data any
	if len(req.Data) > 0 {
		data = req.Data
	}
	delivered := h.bus.SendNotification(chi.URLParam(r, "userID"), req.Message, data)
	writeJSON(w, http.StatusAccepted, map[string]bool{"delivered": delivered})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			h.logger.Warn("not ready", slog.String("error", err.Error()))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *REST) visibleExecution(w http.ResponseWriter, r *http.Request) (*domain.Execution, bool) {
	e, err := h.execs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err, "get execution")
		return nil, false
	}
	if !visible(r, e.WorkspaceID) {
		writeError(w, http.StatusNotFound, "execution not found")
		return nil, false
	}
	return e, true
}

// fail maps domain errors to status codes; anything else is a 500.
func (h *REST) fail(w http.ResponseWriter, err error, action string) {
	var (
		taskNF  *domain.TaskNotFoundError
		execNF  *domain.ExecutionNotFoundError
		exists  *domain.ExecutionExistsError
		invalid *domain.InvalidTransitionError
		paused  *domain.TaskNotRunnableError
	)
	switch {
	case errors.As(err, &taskNF):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.As(err, &execNF):
		writeError(w, http.StatusNotFound, "execution not found")
	case errors.As(err, &invalid), errors.As(err, &exists), errors.As(err, &paused):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error(action+" failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to "+action)
	}
}

func identity(r *http.Request) *auth.Identity {
	if id, ok := auth.FromContext(r.Context()); ok {
		return id
	}
	return &auth.Identity{}
}

func visible(r *http.Request, workspaceID string) bool {
	ws := identity(r).WorkspaceID
	return ws == "" || ws == workspaceID
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
