package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/flowbus/internal/auth"
	"github.com/ramiqadoumi/flowbus/internal/domain"
	"github.com/ramiqadoumi/flowbus/internal/memory"
	"github.com/ramiqadoumi/flowbus/internal/router"
	"github.com/ramiqadoumi/flowbus/services/eventbus"
	"github.com/ramiqadoumi/flowbus/services/eventbus/handler"
	"github.com/ramiqadoumi/flowbus/services/eventbus/middleware"
)

// scopedAuth maps tokens to identities, including workspace-scoped ones.
type scopedAuth map[string]auth.Identity

func (s scopedAuth) Authenticate(_ context.Context, token string) (*auth.Identity, error) {
	id, ok := s[token]
	if !ok {
		return nil, &domain.UnauthorizedError{Reason: "unknown token"}
	}
	return &id, nil
}

type sink struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (s *sink) Send(b []byte) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, b)
	s.mu.Unlock()
	return nil
}

func (s *sink) Ping() error             { return nil }
func (s *sink) Close(int, string) error { return nil }

func (s *sink) types() []router.MessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]router.MessageType, 0, len(s.msgs))
	for _, raw := range s.msgs {
		var m struct {
			Type router.MessageType `json:"type"`
		}
		_ = json.Unmarshal(raw, &m)
		out = append(out, m.Type)
	}
	return out
}

type env struct {
	srv *httptest.Server
	bus *eventbus.Service
}

func newEnv(t *testing.T, ready func(context.Context) error) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()
	require.NoError(t, st.UpsertTask(context.Background(), &domain.Task{ID: "task-1", WorkspaceID: "ws-1", Status: domain.TaskActive}))
	bus := eventbus.New(st, eventbus.WithLogger(logger))

	rest := handler.NewREST(bus.Machine(), st, bus, ready, logger)
	authn := scopedAuth{
		"admin": {UserID: "admin"},
		"ws1":   {UserID: "user-1", WorkspaceID: "ws-1"},
		"ws2":   {UserID: "user-2", WorkspaceID: "ws-2"},
	}

	r := chi.NewRouter()
	r.Get("/healthz", rest.Healthz)
	r.Get("/readyz", rest.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireAuth(authn, logger))
		rest.Mount(r)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &env{srv: srv, bus: bus}
}

func (e *env) do(t *testing.T, token, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestREST_RequiresAuth(t *testing.T) {
	e := newEnv(t, nil)
	resp, _ := e.do(t, "", http.MethodGet, "/api/v1/executions/x", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, "", http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestREST_ExecutionLifecycle(t *testing.T) {
	e := newEnv(t, nil)

	resp, body := e.do(t, "ws1", http.MethodPost, "/api/v1/executions", map[string]any{"task_id": "task-1", "max_retries": 1})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["id"].(string)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "user-1", body["user_id"])

	resp, body = e.do(t, "ws1", http.MethodPost, "/api/v1/executions/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", body["status"])

	resp, body = e.do(t, "ws1", http.MethodPost, "/api/v1/executions/"+id+"/fail", map[string]string{"error": "timeout"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "retrying", body["status"])

	resp, _ = e.do(t, "ws1", http.MethodPost, "/api/v1/executions/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = e.do(t, "ws1", http.MethodPost, "/api/v1/executions/"+id+"/complete", map[string]any{"output": map[string]int{"rows": 4}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])

	resp, body = e.do(t, "ws1", http.MethodGet, "/api/v1/executions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["retry_count"])
}

func TestREST_InvalidTransitionIsConflict(t *testing.T) {
	e := newEnv(t, nil)
	_, body := e.do(t, "admin", http.MethodPost, "/api/v1/executions", map[string]any{"task_id": "task-1"})
	id := body["id"].(string)

	resp, _ := e.do(t, "admin", http.MethodPost, "/api/v1/executions/"+id+"/complete", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = e.do(t, "admin", http.MethodGet, "/api/v1/executions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["status"], "rejected transition must not mutate")
}

func TestREST_ZeroMaxRetriesIsHonoured(t *testing.T) {
	e := newEnv(t, nil)

	resp, body := e.do(t, "admin", http.MethodPost, "/api/v1/executions", map[string]any{"task_id": "task-1", "max_retries": 0})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.EqualValues(t, 0, body["max_retries"])
	id := body["id"].(string)

	resp, _ = e.do(t, "admin", http.MethodPost, "/api/v1/executions/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = e.do(t, "admin", http.MethodPost, "/api/v1/executions/"+id+"/fail", map[string]string{"error": "boom"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "failed", body["status"])

	resp, body = e.do(t, "admin", http.MethodPost, "/api/v1/executions", map[string]any{"task_id": "task-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.EqualValues(t, domain.DefaultMaxRetries, body["max_retries"], "absent means the default")
}

func TestREST_StartOnPausedTaskIsConflict(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	_, body := e.do(t, "admin", http.MethodPost, "/api/v1/executions", map[string]any{"task_id": "task-1"})
	id := body["id"].(string)
	require.NoError(t, e.bus.Store().SetTaskStatus(ctx, "task-1", domain.TaskPaused, nil, time.Now()))

	resp, _ := e.do(t, "admin", http.MethodPost, "/api/v1/executions/"+id+"/start", nil)

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	task, err := e.bus.Store().GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPaused, task.Status)
}

func TestREST_DuplicateExecutionIDIsConflict(t *testing.T) {
	e := newEnv(t, nil)
	req := map[string]any{"task_id": "task-1", "execution_id": "exec-fixed"}

	resp, _ := e.do(t, "admin", http.MethodPost, "/api/v1/executions", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = e.do(t, "admin", http.MethodPost, "/api/v1/executions", req)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestREST_NotFound(t *testing.T) {
	e := newEnv(t, nil)

	cases := []struct {
		name, method, path string
		body               any
	}{
		{"unknown execution", http.MethodGet, "/api/v1/executions/missing", nil},
		{"transition unknown execution", http.MethodPost, "/api/v1/executions/missing/start", nil},
		{"unknown task", http.MethodPost, "/api/v1/executions", map[string]string{"task_id": "nope"}},
		{"unknown op", http.MethodPost, "/api/v1/executions/x/explode", nil},
		{"unknown topic", http.MethodPost, "/api/v1/broadcast/gossip", map[string]any{"data": 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := e.do(t, "admin", tc.method, tc.path, tc.body)
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		})
	}
}

func TestREST_WorkspaceScopeHidesOtherWorkspaces(t *testing.T) {
	e := newEnv(t, nil)
	_, body := e.do(t, "ws1", http.MethodPost, "/api/v1/executions", map[string]any{"task_id": "task-1"})
	id := body["id"].(string)

	resp, _ := e.do(t, "ws2", http.MethodGet, "/api/v1/executions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = e.do(t, "ws2", http.MethodPost, "/api/v1/executions/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = e.do(t, "ws2", http.MethodPost, "/api/v1/executions", map[string]any{"task_id": "task-1"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestREST_BadRequests(t *testing.T) {
	e := newEnv(t, nil)

	resp, _ := e.do(t, "admin", http.MethodPost, "/api/v1/executions", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.do(t, "admin", http.MethodPost, "/api/v1/executions", map[string]any{"task_id": "task-1", "max_retries": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.do(t, "admin", http.MethodPost, "/api/v1/broadcast/alert", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.do(t, "admin", http.MethodPost, "/api/v1/notifications/user-1", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.do(t, "admin", http.MethodPost, "/api/v1/tasks", map[string]any{"name": "no id"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestREST_BroadcastAndNotify(t *testing.T) {
	e := newEnv(t, nil)
	reg := e.bus.Registry()
	inWS := &sink{}
	c1, _ := reg.Register("user-1", "ws-1", inWS)
	reg.Subscribe(c1.ID, string(router.TypeAlert))
	outWS := &sink{}
	c2, _ := reg.Register("user-2", "ws-2", outWS)
	reg.Subscribe(c2.ID, string(router.TypeAlert))

	resp, body := e.do(t, "ws1", http.MethodPost, "/api/v1/broadcast/alert", map[string]any{
		"workspace_id": "ws-2", // ignored: scoped callers broadcast into their own workspace
		"data":         map[string]string{"title": "quota"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.EqualValues(t, 1, body["recipients"])
	assert.Contains(t, inWS.types(), router.TypeAlert)
	assert.NotContains(t, outWS.types(), router.TypeAlert)

	resp, _ = e.do(t, "ws1", http.MethodPost, "/api/v1/broadcast/system_health", map[string]any{"data": map[string]string{"status": "ok"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = e.do(t, "admin", http.MethodPost, "/api/v1/notifications/user-2", map[string]any{"message": "hello"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["delivered"])
	assert.Contains(t, outWS.types(), router.TypeNotification)

	_, body = e.do(t, "admin", http.MethodPost, "/api/v1/notifications/ghost", map[string]any{"message": "hello"})
	assert.Equal(t, false, body["delivered"])
}

func TestREST_UpsertTaskBroadcasts(t *testing.T) {
	e := newEnv(t, nil)
	s := &sink{}
	c, _ := e.bus.Registry().Register("user-1", "ws-1", s)
	e.bus.Registry().Subscribe(c.ID, string(router.TypeTaskUpdate))

	resp, body := e.do(t, "ws1", http.MethodPost, "/api/v1/tasks", map[string]any{"id": "task-2", "name": "weekly digest"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ws-1", body["workspace_id"])
	assert.Equal(t, "user-1", body["owner_id"])
	assert.Equal(t, "active", body["status"])
	assert.Contains(t, s.types(), router.TypeTaskUpdate)

	resp, _ = e.do(t, "ws2", http.MethodGet, "/api/v1/tasks/task-2", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestREST_Readyz(t *testing.T) {
	healthy := newEnv(t, func(context.Context) error { return nil })
	resp, _ := healthy.do(t, "", http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down := newEnv(t, func(context.Context) error { return errors.New("postgres unreachable") })
	resp, _ = down.do(t, "", http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
