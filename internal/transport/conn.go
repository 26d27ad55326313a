package transport

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// State is the lifecycle stage of a connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrNotOpen is returned by Send on a connection that is not open.
	ErrNotOpen = errors.New("transport: connection not open")
	// ErrQueueFull is returned by Send when the outbound queue is saturated.
	ErrQueueFull = errors.New("transport: outbound queue full")
)

// wsConn is the registry.Handle for one WebSocket. All data frames go
// through a single queue drained by one writer goroutine, so messages
// reach the client in the order they were queued.
type wsConn struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	state     atomic.Int32
	writeWait time.Duration
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, buffer int, writeWait time.Duration) *wsConn {
	c := &wsConn{
		ws:        ws,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
		writeWait: writeWait,
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *wsConn) State() State { return State(c.state.Load()) }

func (c *wsConn) open() { c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) }

// Send queues msg without blocking. A slow consumer loses messages rather
// than stalling the broadcaster.
func (c *wsConn) Send(msg []byte) error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	select {
	case <-c.done:
		return ErrNotOpen
	case c.send <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Ping writes a ping control frame. gorilla allows WriteControl
// concurrently with the writer goroutine.
func (c *wsConn) Ping() error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
}

// Close sends a close frame with code and releases the socket. Only the
// first call has any effect.
func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(c.writeWait))
		err = c.ws.Close()
		c.state.Store(int32(StateClosed))
	})
	return err
}

// writeLoop drains the queue until the connection closes. A write error
// closes the socket, which in turn ends the read loop.
func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		}
	}
}
