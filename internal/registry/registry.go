// Package registry tracks every live client connection of the event bus:
// identity, optional workspace scope, topic subscriptions and last-seen time.
// It performs no network I/O; transports hand it a Handle they own.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTopic is the subscription every connection starts with.
const DefaultTopic = "system_health"

// Handle is the transport capability the registry keeps for a connection.
// Implementations must be safe for concurrent use.
type Handle interface {
	// Send queues an already-serialized message on the connection's single
	// outbound path.
	Send(msg []byte) error
	// Ping sends a heartbeat probe.
	Ping() error
	// Close releases the transport with the given close code.
	Close(code int, reason string) error
}

// Connection is a snapshot of one registered connection. Values returned by
// the registry are copies; mutating them has no effect on the registry.
type Connection struct {
	ID             string
	UserID         string
	WorkspaceScope string
	Subscriptions  map[string]struct{}
	ConnectedAt    time.Time
	LastSeen       time.Time
	Handle         Handle
}

// Subscribed reports whether the connection listens on topic.
func (c Connection) Subscribed(topic string) bool {
	_, ok := c.Subscriptions[topic]
	return ok
}

// Topics returns the subscriptions in sorted order.
func (c Connection) Topics() []string {
	out := make([]string, 0, len(c.Subscriptions))
	for t := range c.Subscriptions {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Registry is the canonical, concurrency-safe owner of connection records.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	byUser map[string]string // userID → connection ID

	defaults []string
	now      func() time.Time
	newID    func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithDefaultTopics replaces the subscriptions given to new connections.
func WithDefaultTopics(topics ...string) Option {
	return func(r *Registry) { r.defaults = topics }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		conns:    make(map[string]*Connection),
		byUser:   make(map[string]string),
		defaults: []string{DefaultTopic},
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register inserts a connection with the default subscriptions and returns
// its snapshot. A user owns at most one connection: if userID already had
// one, that record is removed and returned as superseded so the caller can
// close its transport.
func (r *Registry) Register(userID, workspaceScope string, h Handle) (Connection, *Connection) {
	return r.RegisterWithGreeting(userID, workspaceScope, h, nil)
}

// RegisterWithGreeting is Register with a greet hook. greet receives the new
// connection's snapshot before any broadcaster can see it, so whatever greet
// queues on h is the first message the connection gets.
func (r *Registry) RegisterWithGreeting(userID, workspaceScope string, h Handle, greet func(Connection)) (Connection, *Connection) {
	now := r.now()
	c := &Connection{
		ID:             r.newID(),
		UserID:         userID,
		WorkspaceScope: workspaceScope,
		Subscriptions:  make(map[string]struct{}, len(r.defaults)),
		ConnectedAt:    now,
		LastSeen:       now,
		Handle:         h,
	}
	for _, t := range r.defaults {
		c.Subscriptions[t] = struct{}{}
	}
	if greet != nil {
		greet(c.copy())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var superseded *Connection
	if prevID, ok := r.byUser[userID]; ok {
		if prev, ok := r.conns[prevID]; ok {
			snap := prev.copy()
			superseded = &snap
			delete(r.conns, prevID)
		}
	}
	r.conns[c.ID] = c
	r.byUser[userID] = c.ID
	return c.copy(), superseded
}

// Subscribe unions topics into the connection's subscriptions. Unknown IDs
// are ignored: the connection may have raced a close.
func (r *Registry) Subscribe(id string, topics ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return
	}
	for _, t := range topics {
		if t != "" {
			c.Subscriptions[t] = struct{}{}
		}
	}
}

// Unsubscribe removes topics from the connection's subscriptions.
func (r *Registry) Unsubscribe(id string, topics ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return
	}
	for _, t := range topics {
		delete(c.Subscriptions, t)
	}
}

// Touch marks the connection as seen now.
func (r *Registry) Touch(id string) {
	now := r.now()
	r.mu.Lock()
	if c, ok := r.conns[id]; ok {
		c.LastSeen = now
	}
	r.mu.Unlock()
}

// Deregister removes the connection. It reports whether a record was
// removed; calling it twice is harmless.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	delete(r.conns, id)
	if r.byUser[c.UserID] == id {
		delete(r.byUser, c.UserID)
	}
	return true
}

// Get returns a snapshot of one connection.
func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return c.copy(), true
}

// ByUser returns the connection owned by userID, if any.
func (r *Registry) ByUser(userID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUser[userID]
	if !ok {
		return Connection{}, false
	}
	c, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return c.copy(), true
}

// Snapshot returns copies of every connection matching pred. A nil pred
// matches all. The returned slice is safe to use after the lock is released.
func (r *Registry) Snapshot(pred func(Connection) bool) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connection, 0, len(r.conns))
	for _, c := range r.conns {
		snap := c.copy()
		if pred == nil || pred(snap) {
			out = append(out, snap)
		}
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (c *Connection) copy() Connection {
	out := *c
	out.Subscriptions = make(map[string]struct{}, len(c.Subscriptions))
	for t := range c.Subscriptions {
		out.Subscriptions[t] = struct{}{}
	}
	return out
}
