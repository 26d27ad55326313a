// Package router selects the live connections a message is meant for and
// hands it to each of them independently.
package router

import (
	"encoding/json"
	"log/slog"

	"github.com/ramiqadoumi/flowbus/internal/registry"
	"github.com/ramiqadoumi/flowbus/pkg/telemetry"
)

// Source is the read side of the connection registry the router needs.
type Source interface {
	Snapshot(pred func(registry.Connection) bool) []registry.Connection
	ByUser(userID string) (registry.Connection, bool)
}

// Router fans messages out to matching connections. It holds no state of
// its own; liveness is whatever the registry currently contains, since the
// liveness monitor deregisters dead connections.
type Router struct {
	src    Source
	logger *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// New creates a Router reading connections from src.
func New(src Source, opts ...Option) *Router {
	r := &Router{src: src, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Matches reports whether a connection should receive a broadcast on topic
// scoped to workspace scope. Unscoped broadcasts reach every subscriber;
// unscoped connections receive every broadcast they subscribe to.
func Matches(c registry.Connection, topic MessageType, scope string) bool {
	if !c.Subscribed(string(topic)) {
		return false
	}
	return scope == "" || c.WorkspaceScope == "" || c.WorkspaceScope == scope
}

// Broadcast delivers payload on topic to every matching connection and
// returns the number of successful deliveries. An empty scope means global.
func (r *Router) Broadcast(topic MessageType, payload any, scope string) int {
	msg := NewMessage(topic, payload)
	msg.WorkspaceID = scope
	return r.Publish(msg)
}

// Publish is Broadcast for a prebuilt message; msg.WorkspaceID is the scope.
func (r *Router) Publish(msg Message) int {
	raw, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("marshal broadcast message",
			slog.String("type", string(msg.Type)),
			slog.String("error", err.Error()),
		)
		return 0
	}

	targets := r.src.Snapshot(func(c registry.Connection) bool {
		return Matches(c, msg.Type, msg.WorkspaceID)
	})

	delivered := 0
	for _, c := range targets {
		if r.deliver(c, msg.Type, raw) {
			delivered++
		}
	}
	r.logger.Debug("broadcast",
		slog.String("type", string(msg.Type)),
		slog.String("workspace_id", msg.WorkspaceID),
		slog.Int("targets", len(targets)),
		slog.Int("delivered", delivered),
	)
	return delivered
}

// SendDirect delivers msg to the connection owned by userID, ignoring
// subscriptions. It is fire-and-forget: with no connection for the user the
// message is dropped and false is returned.
func (r *Router) SendDirect(userID string, msg Message) bool {
	c, ok := r.src.ByUser(userID)
	if !ok {
		return false
	}
	if msg.UserID == "" {
		msg.UserID = userID
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("marshal direct message",
			slog.String("type", string(msg.Type)),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return r.deliver(c, msg.Type, raw)
}

// deliver isolates one connection's failure from the rest of the fan-out.
func (r *Router) deliver(c registry.Connection, t MessageType, raw []byte) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("delivery panicked",
				slog.String("conn_id", c.ID),
				slog.Any("panic", p),
			)
			telemetry.RouterDeliveryFailures.WithLabelValues(string(t)).Inc()
			ok = false
		}
	}()

	if c.Handle == nil {
		return false
	}
	if err := c.Handle.Send(raw); err != nil {
		r.logger.Warn("delivery failed",
			slog.String("conn_id", c.ID),
			slog.String("user_id", c.UserID),
			slog.String("type", string(t)),
			slog.String("error", err.Error()),
		)
		telemetry.RouterDeliveryFailures.WithLabelValues(string(t)).Inc()
		return false
	}
	telemetry.RouterMessagesDelivered.WithLabelValues(string(t)).Inc()
	return true
}
