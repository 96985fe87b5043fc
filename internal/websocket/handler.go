package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"schoolchat/internal/auth"
	"schoolchat/internal/ratelimit"
	"schoolchat/pkg/chaterrors"
)

// Dispatcher routes inbound frames once a connection is active. Implemented
// by the event router; declared here so the transport does not depend on
// routing logic.
type Dispatcher interface {
	// HandleConnect runs after authentication, before the read loop.
	HandleConnect(ctx context.Context, conn *Connection) error
	// Dispatch handles one inbound frame.
	Dispatch(ctx context.Context, conn *Connection, raw []byte)
	// HandleDisconnect runs exactly once when the read loop exits.
	HandleDisconnect(conn *Connection)
}

// HandlerConfig carries transport tuning knobs.
type HandlerConfig struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

// Handler upgrades HTTP requests to websocket sessions and drives each
// session's read loop.
type Handler struct {
	resolver   *auth.Resolver
	limiter    *ratelimit.Limiter
	registry   *Registry
	dispatcher Dispatcher
	config     HandlerConfig
	upgrader   websocket.Upgrader
}

func NewHandler(resolver *auth.Resolver, limiter *ratelimit.Limiter, registry *Registry, dispatcher Dispatcher, config HandlerConfig) *Handler {
	return &Handler{
		resolver:   resolver,
		limiter:    limiter,
		registry:   registry,
		dispatcher: dispatcher,
		config:     config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from the school frontend's origin;
			// the credential check is what gates access.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles the full session: upgrade, authenticate, auto-join,
// read loop, cleanup.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(uuid.New().String(), ws, h.config.BufferSize, h.config.PingInterval, h.config.WriteTimeout)
	defer conn.Close()

	if err := conn.Transition(StateAuthenticating); err != nil {
		return
	}

	identity, err := h.resolver.Resolve(r.Context(), credentialFrom(r))
	if err != nil {
		_ = conn.Transition(StateRejected)
		conn.SendError(err)
		log.Info().
			Err(err).
			Str("connection_id", conn.ID).
			Str("remote", r.RemoteAddr).
			Msg("connection rejected")
		// Give the writer a moment to flush the error event.
		time.Sleep(50 * time.Millisecond)
		return
	}

	conn.Identity = identity

	if !h.limiter.Allow(conn.RateLimitKey()) {
		_ = conn.Transition(StateRejected)
		conn.SendError(chaterrors.ErrTooManyRequests)
		log.Info().
			Str("connection_id", conn.ID).
			Str("user_id", identity.ID).
			Msg("handshake rate limited")
		time.Sleep(50 * time.Millisecond)
		return
	}

	if err := conn.Transition(StateAuthenticated); err != nil {
		return
	}

	h.registry.Register(conn)
	defer func() {
		h.dispatcher.HandleDisconnect(conn)
		h.registry.Unregister(conn.ID)
		// The bucket is shared by all of the user's connections; releasing
		// it while another tab is open would reset that tab's window.
		if h.registry.UserConnectionCount(identity.ID) == 0 {
			h.limiter.Remove(conn.RateLimitKey())
		}
	}()

	ctx := context.Background()
	if err := h.dispatcher.HandleConnect(ctx, conn); err != nil {
		// Setup failures are reported but not fatal; the session continues
		// without the auto-joined subscriptions.
		conn.SendError(err)
		log.Warn().
			Err(err).
			Str("connection_id", conn.ID).
			Str("user_id", identity.ID).
			Msg("connect setup failed")
	}

	if err := conn.Transition(StateActive); err != nil {
		return
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", identity.ID).
		Str("role", string(identity.Role)).
		Msg("connection active")

	conn.SetReadDeadline(h.config.ReadTimeout)
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().
					Err(err).
					Str("connection_id", conn.ID).
					Msg("read loop ended")
			}
			return
		}
		conn.SetReadDeadline(h.config.ReadTimeout)
		h.dispatcher.Dispatch(ctx, conn, raw)
	}
}

// credentialFrom extracts the bearer credential from the Authorization
// header, falling back to the token query parameter for browser clients
// that cannot set headers on websocket requests.
func credentialFrom(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return header
	}
	return r.URL.Query().Get("token")
}
