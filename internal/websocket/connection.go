package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"schoolchat/pkg/chaterrors"
	"schoolchat/pkg/types"
)

// SessionState tracks a connection through its lifecycle. Transitions are
// one-way: CONNECTING -> AUTHENTICATING -> AUTHENTICATED or REJECTED,
// AUTHENTICATED -> ACTIVE, and any state -> DISCONNECTED.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateAuthenticating
	StateAuthenticated
	StateRejected
	StateActive
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateRejected:
		return "REJECTED"
	case StateActive:
		return "ACTIVE"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

var validTransitions = map[SessionState][]SessionState{
	StateConnecting:     {StateAuthenticating, StateDisconnected},
	StateAuthenticating: {StateAuthenticated, StateRejected, StateDisconnected},
	StateAuthenticated:  {StateActive, StateDisconnected},
	StateRejected:       {StateDisconnected},
	StateActive:         {StateDisconnected},
}

// Connection wraps a websocket with a dedicated writer goroutine. All
// outbound traffic goes through writeCh so the underlying websocket only
// ever sees one writer; callers from any goroutine may send concurrently.
type Connection struct {
	ID       string
	Identity *types.Identity

	ws      *websocket.Conn
	writeCh chan []byte

	stateMu sync.RWMutex
	state   SessionState

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	pingInterval time.Duration
	writeTimeout time.Duration
}

// NewConnection wraps an upgraded websocket and starts its writer.
func NewConnection(id string, ws *websocket.Conn, bufferSize int, pingInterval, writeTimeout time.Duration) *Connection {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		ID:           id,
		ws:           ws,
		writeCh:      make(chan []byte, bufferSize),
		state:        StateConnecting,
		ctx:          ctx,
		cancel:       cancel,
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
	}
	go c.writeLoop()
	return c
}

// Transition moves the session to next, returning an error on a transition
// the lifecycle does not allow.
func (c *Connection) Transition(next SessionState) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	for _, allowed := range validTransitions[c.state] {
		if allowed == next {
			c.state = next
			return nil
		}
	}
	return fmt.Errorf("invalid session transition %s -> %s", c.state, next)
}

// RateLimitKey returns the stable identifier used for event rate limiting:
// the authenticated user ID, or the transport connection ID before
// authentication completes.
func (c *Connection) RateLimitKey() string {
	if c.Identity != nil {
		return c.Identity.ID
	}
	return c.ID
}

// State returns the current session state.
func (c *Connection) State() SessionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Send serializes an event and queues it for delivery. Returns an error if
// the connection is closed or its write buffer is full; a full buffer means
// the client has stopped reading and the message is dropped rather than
// blocking the caller.
func (c *Connection) Send(event string, data interface{}) error {
	payload, err := json.Marshal(types.OutboundEvent{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event, err)
	}

	select {
	case c.writeCh <- payload:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("connection %s is closed", c.ID)
	default:
		return fmt.Errorf("write buffer full for connection %s", c.ID)
	}
}

// SendError reports a failure back to this connection as an error event.
func (c *Connection) SendError(err error) {
	chatErr := chaterrors.Convert(err)
	sendErr := c.Send(types.EventError, types.ErrorEvent{
		Code:      string(chatErr.Code),
		Message:   chatErr.Message,
		Timestamp: time.Now().UTC(),
	})
	if sendErr != nil {
		log.Debug().
			Err(sendErr).
			Str("connection_id", c.ID).
			Msg("failed to deliver error event")
	}
}

// ReadMessage blocks for the next text frame from the client.
func (c *Connection) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// SetReadDeadline arms the idle timeout; pong handlers extend it.
func (c *Connection) SetReadDeadline(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(timeout))
	})
}

// Close tears the connection down exactly once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.stateMu.Lock()
		c.state = StateDisconnected
		c.stateMu.Unlock()

		c.cancel()
		_ = c.ws.Close()
	})
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload := <-c.writeCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("write failed, closing connection")
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
