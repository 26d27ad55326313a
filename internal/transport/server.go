// Package transport adapts WebSocket connections to the connection
// registry: handshake and authentication, the inbound frame protocol and
// the single outbound write path.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ramiqadoumi/flowbus/internal/auth"
	"github.com/ramiqadoumi/flowbus/internal/domain"
	redisstore "github.com/ramiqadoumi/flowbus/internal/redis"
	"github.com/ramiqadoumi/flowbus/internal/registry"
	"github.com/ramiqadoumi/flowbus/internal/router"
	"github.com/ramiqadoumi/flowbus/pkg/telemetry"
)

// Registry is the part of the connection registry the handler drives.
type Registry interface {
	RegisterWithGreeting(userID, workspaceScope string, h registry.Handle, greet func(registry.Connection)) (registry.Connection, *registry.Connection)
	Subscribe(id string, topics ...string)
	Unsubscribe(id string, topics ...string)
	Touch(id string)
	Deregister(id string) bool
}

// Requester identifies who issued a get_data request.
type Requester struct {
	UserID      string
	WorkspaceID string
}

// DataProvider answers get_data queries.
type DataProvider interface {
	Query(ctx context.Context, who Requester, requestType string, params json.RawMessage) (any, error)
}

// Server is the WebSocket endpoint. It implements http.Handler.
type Server struct {
	reg       Registry
	auth      auth.Authenticator
	data      DataProvider
	limiter   redisstore.RateLimiter
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	sendBuf   int
	readLimit int64
	writeWait time.Duration
	queryWait time.Duration
	rate      rate.Limit
	burst     int
}

// NewServer builds a Server.
func NewServer(reg Registry, authn auth.Authenticator, opts ...Option) *Server {
	s := &Server{
		reg:       reg,
		auth:      authn,
		logger:    slog.Default(),
		sendBuf:   256,
		readLimit: 64 << 10,
		writeWait: 10 * time.Second,
		queryWait: 5 * time.Second,
		rate:      rate.Limit(20),
		burst:     40,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP upgrades the request and runs the connection until it closes.
// Authentication happens after the upgrade so a rejected client gets a
// proper 1008 close frame instead of an HTTP error.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		telemetry.ConnectionsRejected.WithLabelValues("upgrade").Inc()
		s.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r.Header.Get("Authorization"))
	}
	id, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		s.reject(ws, r, "unauthorized", "authentication failed", err)
		return
	}

	// A workspace-bound credential pins the scope; the query may only
	// repeat it.
	scope := r.URL.Query().Get("workspaceId")
	if id.WorkspaceID != "" {
		if scope != "" && scope != id.WorkspaceID {
			s.reject(ws, r, "scope", "workspace not permitted",
				fmt.Errorf("token is bound to workspace %q, requested %q", id.WorkspaceID, scope))
			return
		}
		scope = id.WorkspaceID
	}
	s.serve(r.Context(), ws, id, scope)
}

// reject closes a handshake with 1008.
func (s *Server) reject(ws *websocket.Conn, r *http.Request, label, reason string, err error) {
	telemetry.ConnectionsRejected.WithLabelValues(label).Inc()
	s.logger.Info("websocket handshake rejected",
		slog.String("remote", r.RemoteAddr),
		slog.String("reason", label),
		slog.String("error", err.Error()),
	)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(s.writeWait))
	_ = ws.Close()
}

func (s *Server) serve(ctx context.Context, ws *websocket.Conn, id *auth.Identity, scope string) {
	c := newWSConn(ws, s.sendBuf, s.writeWait)
	c.open()

	// The welcome is queued before the connection is visible to
	// broadcasters so it is always the first frame. The writer starts
	// after registration: a client holding the welcome is registered.
	rec, superseded := s.reg.RegisterWithGreeting(id.UserID, scope, c, func(rec registry.Connection) {
		s.reply(c, router.NewMessage(router.TypeNotification, router.NotificationData{
			Message: "Connected to real-time updates",
			Data: welcomeData{
				ConnectionID:  rec.ID,
				UserID:        id.UserID,
				WorkspaceID:   scope,
				Subscriptions: rec.Topics(),
			},
		}), s.logger)
	})
	go c.writeLoop()
	telemetry.ConnectionsActive.Inc()

	log := s.logger.With(
		slog.String("conn_id", rec.ID),
		slog.String("user_id", id.UserID),
	)
	log.Info("websocket connected", slog.String("workspace_id", scope))

	if superseded != nil && superseded.Handle != nil {
		log.Info("closing superseded connection", slog.String("superseded_id", superseded.ID))
		_ = superseded.Handle.Close(websocket.CloseNormalClosure, "replaced by a newer connection")
	}

	sess := &session{
		Server: s,
		conn:   c,
		connID: rec.ID,
		who:    Requester{UserID: id.UserID, WorkspaceID: scope},
		bucket: rate.NewLimiter(s.rate, s.burst),
		log:    log,
	}
	sess.readLoop(ctx)

	s.reg.Deregister(rec.ID)
	_ = c.Close(websocket.CloseNormalClosure, "")
	telemetry.ConnectionsActive.Dec()
	log.Info("websocket disconnected")
}

// session is the per-connection reader state.
type session struct {
	*Server
	conn   *wsConn
	connID string
	who    Requester
	bucket *rate.Limiter
	log    *slog.Logger
}

func (s *session) readLoop(ctx context.Context) {
	ws := s.conn.ws
	ws.SetReadLimit(s.readLimit)
	ws.SetPongHandler(func(string) error {
		s.reg.Touch(s.connID)
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("websocket read error", slog.String("error", err.Error()))
			}
			return
		}
		s.reg.Touch(s.connID)

		if !s.bucket.Allow() {
			telemetry.InboundDroppedTotal.WithLabelValues("rate_limited").Inc()
			s.log.Warn("inbound frame dropped: rate limited")
			continue
		}
		s.handleFrame(ctx, data)
	}
}

// handleFrame processes one inbound frame. Nothing here may end the
// connection: bad frames are logged and dropped.
func (s *session) handleFrame(ctx context.Context, data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		telemetry.InboundDroppedTotal.WithLabelValues("decode").Inc()
		s.log.Warn("malformed frame dropped", slog.String("error", err.Error()))
		return
	}
	telemetry.InboundFramesTotal.WithLabelValues(frameLabel(f.Type)).Inc()

	switch f.Type {
	case FrameSubscribe, FrameUnsubscribe:
		var d subscriptionData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			telemetry.InboundDroppedTotal.WithLabelValues("decode").Inc()
			s.log.Warn("malformed subscription frame dropped", slog.String("error", err.Error()))
			return
		}
		topics := s.knownTopics(d.Subscriptions)
		if f.Type == FrameSubscribe {
			s.reg.Subscribe(s.connID, topics...)
		} else {
			s.reg.Unsubscribe(s.connID, topics...)
		}
		s.log.Debug(f.Type, slog.Any("topics", topics))

	case FramePing:
		s.reply(s.conn, router.NewMessage(router.TypeNotification, router.NotificationData{Message: "pong"}), s.log)

	case FrameGetData:
		s.handleGetData(ctx, f.Data)

	default:
		telemetry.InboundDroppedTotal.WithLabelValues("unknown_type").Inc()
		s.log.Warn("unknown frame type dropped", slog.String("type", f.Type))
	}
}

func (s *session) knownTopics(requested []string) []string {
	out := make([]string, 0, len(requested))
	for _, t := range requested {
		if router.IsTopic(t) {
			out = append(out, t)
			continue
		}
		s.log.Debug("ignoring unknown topic", slog.String("topic", t))
	}
	return out
}

func (s *session) handleGetData(ctx context.Context, raw json.RawMessage) {
	var req getDataRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Type == "" {
		s.replyError("invalid get_data request", err)
		return
	}
	if s.data == nil {
		s.replyError("data queries are not available", nil)
		return
	}

	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, s.who.UserID)
		if err != nil {
			s.log.Warn("get_data rate limiter unavailable", slog.String("error", err.Error()))
		} else if !ok {
			telemetry.InboundDroppedTotal.WithLabelValues("get_data_throttled").Inc()
			s.replyError("too many data requests",
				&domain.RateLimitExceededError{Key: s.who.UserID, Limit: s.limiter.Limit()})
			return
		}
	}

	qctx, cancel := context.WithTimeout(ctx, s.queryWait)
	defer cancel()
	result, err := s.data.Query(qctx, s.who, req.Type, req.Params)
	if err != nil {
		s.log.Debug("get_data failed",
			slog.String("request_type", req.Type),
			slog.String("error", err.Error()),
		)
		s.replyError("failed to fetch "+req.Type, err)
		return
	}
	s.reply(s.conn, router.NewMessage(router.TypeDataResponse, router.DataResponse{
		RequestType: req.Type,
		Data:        result,
	}), s.log)
}

func (s *session) replyError(msg string, err error) {
	data := router.ErrorData{Message: msg}
	if err != nil {
		data.Error = err.Error()
	}
	s.reply(s.conn, router.NewMessage(router.TypeError, data), s.log)
}

func (s *Server) reply(c *wsConn, msg router.Message, log *slog.Logger) {
	raw, err := json.Marshal(msg)
	if err != nil {
		log.Error("marshal reply", slog.String("error", err.Error()))
		return
	}
	if err := c.Send(raw); err != nil && !errors.Is(err, ErrNotOpen) {
		log.Warn("reply dropped", slog.String("type", string(msg.Type)), slog.String("error", err.Error()))
	}
}

func frameLabel(t string) string {
	switch t {
	case FrameSubscribe, FrameUnsubscribe, FramePing, FrameGetData:
		return t
	default:
		return "unknown"
	}
}
