package router

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"schoolchat/internal/messages"
	"schoolchat/internal/ratelimit"
	"schoolchat/internal/rooms"
	socket "schoolchat/internal/websocket"
	"schoolchat/pkg/chaterrors"
	"schoolchat/pkg/types"
)

// Router dispatches inbound events to their handlers. Every handler
// converts its failure to a coded error event sent back to the originating
// connection only; a bad event never disturbs other sessions.
type Router struct {
	registry        *socket.Registry
	directory       *rooms.Directory
	messages        *messages.Service
	limiter         *ratelimit.Limiter
	historyPageSize int
}

func NewRouter(registry *socket.Registry, directory *rooms.Directory, msgService *messages.Service, limiter *ratelimit.Limiter, historyPageSize int) *Router {
	if historyPageSize <= 0 {
		historyPageSize = 50
	}
	return &Router{
		registry:        registry,
		directory:       directory,
		messages:        msgService,
		limiter:         limiter,
		historyPageSize: historyPageSize,
	}
}

// HandleConnect subscribes a freshly authenticated connection to every room
// its user already belongs to.
func (rt *Router) HandleConnect(ctx context.Context, conn *socket.Connection) error {
	memberRooms, err := rt.directory.ListMemberRooms(ctx, conn.Identity.ID)
	if err != nil {
		return err
	}
	for _, room := range memberRooms {
		rt.registry.Subscribe(conn.ID, room.ID)
	}
	log.Debug().
		Str("connection_id", conn.ID).
		Str("user_id", conn.Identity.ID).
		Int("rooms", len(memberRooms)).
		Msg("auto-joined member rooms")
	return nil
}

// HandleDisconnect releases all session state for a closed connection. The
// registry removes its room subscriptions; the rate-limit bucket is removed
// by the transport handler that owns it.
func (rt *Router) HandleDisconnect(conn *socket.Connection) {
	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.Identity.ID).
		Msg("connection closed")
}

// Dispatch handles one inbound frame: rate limit, decode, route.
func (rt *Router) Dispatch(ctx context.Context, conn *socket.Connection, raw []byte) {
	if conn.State() != socket.StateActive {
		return
	}

	if !rt.limiter.Allow(conn.RateLimitKey()) {
		conn.SendError(chaterrors.ErrTooManyRequests)
		return
	}

	var envelope types.Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		conn.SendError(chaterrors.ErrMalformedPayload)
		return
	}

	var err error
	switch envelope.Event {
	case types.EventGroupMessage:
		err = rt.handleGroupMessage(ctx, conn, envelope.Payload)
	case types.EventPrivateMessage:
		err = rt.handlePrivateMessage(ctx, conn, envelope.Payload)
	case types.EventJoinRoom:
		err = rt.handleJoinRoom(ctx, conn, envelope.Payload)
	case types.EventClassChatJoin:
		err = rt.handleClassChatJoin(ctx, conn, envelope.Payload)
	case types.EventClassChatLeave:
		err = rt.handleClassChatLeave(ctx, conn, envelope.Payload)
	case types.EventDisconnect:
		conn.Close()
		return
	default:
		err = chaterrors.ErrMalformedPayload
	}

	if err != nil {
		conn.SendError(err)
	}
}

func (rt *Router) handleGroupMessage(ctx context.Context, conn *socket.Connection, payload json.RawMessage) error {
	var p types.GroupMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.RoomID == "" {
		return chaterrors.ErrMalformedPayload
	}

	room, err := rt.directory.ValidateAccess(ctx, p.RoomID, conn.Identity.ID)
	if err != nil {
		return err
	}

	msg, err := rt.messages.Create(ctx, room.ID, conn.Identity, p.Content, string(p.Kind))
	if err != nil {
		return err
	}
	rt.directory.MarkLastMessage(ctx, room.ID, msg.ID, msg.CreatedAt)

	rt.registry.Broadcast(room.ID, types.EventGroupMessage, messages.Format(msg), conn.ID)
	return nil
}

func (rt *Router) handlePrivateMessage(ctx context.Context, conn *socket.Connection, payload json.RawMessage) error {
	var p types.PrivateMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.RecipientID == "" {
		return chaterrors.ErrMalformedPayload
	}

	room, err := rt.directory.ResolveOrCreateDirectRoom(ctx, conn.Identity, p.RecipientID)
	if err != nil {
		return err
	}

	// Both sides join the room's broadcast group so a first message reaches
	// an already-online recipient without a reconnect.
	rt.registry.SubscribeUser(conn.Identity.ID, room.ID)
	rt.registry.SubscribeUser(p.RecipientID, room.ID)

	msg, err := rt.messages.Create(ctx, room.ID, conn.Identity, p.Content, string(p.Kind))
	if err != nil {
		return err
	}
	rt.directory.MarkLastMessage(ctx, room.ID, msg.ID, msg.CreatedAt)

	rt.registry.Broadcast(room.ID, types.EventPrivateMessage, messages.Format(msg), conn.ID)
	return nil
}

func (rt *Router) handleJoinRoom(ctx context.Context, conn *socket.Connection, payload json.RawMessage) error {
	var p types.JoinRoomPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.RoomID == "" {
		return chaterrors.ErrMalformedPayload
	}

	// Joining grants the room's event stream to an existing member only;
	// membership itself changes through class enrollment or direct pairing.
	room, err := rt.directory.ValidateAccess(ctx, p.RoomID, conn.Identity.ID)
	if err != nil {
		return err
	}
	rt.registry.Subscribe(conn.ID, room.ID)

	history, err := rt.messages.ListByRoom(ctx, room.ID, rt.historyPageSize, nil)
	if err != nil {
		return err
	}

	formatted := make([]*types.FormattedMessage, 0, len(history))
	for _, msg := range history {
		formatted = append(formatted, messages.Format(msg))
	}

	return conn.Send(types.EventRoomHistory, types.RoomHistoryEvent{
		RoomID:   room.ID,
		Messages: formatted,
	})
}

func (rt *Router) handleClassChatJoin(ctx context.Context, conn *socket.Connection, payload json.RawMessage) error {
	var p types.ClassChatPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ClassID == "" || p.StudentID == "" {
		return chaterrors.ErrMalformedPayload
	}

	room, err := rt.directory.ClassRoom(ctx, p.ClassID)
	if err != nil {
		return err
	}

	if err := rt.directory.AddMember(ctx, room.ID, p.StudentID, types.RoleStudent); err != nil {
		return err
	}

	// Only the acting student's own connection subscribes here; a teacher
	// enrolling someone else does not start receiving that room's traffic.
	if conn.Identity.ID == p.StudentID {
		rt.registry.Subscribe(conn.ID, room.ID)
	}

	return conn.Send(types.EventClassChatJoin, types.AckEvent{Success: true, RoomID: room.ID})
}

func (rt *Router) handleClassChatLeave(ctx context.Context, conn *socket.Connection, payload json.RawMessage) error {
	var p types.ClassChatPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ClassID == "" || p.StudentID == "" {
		return chaterrors.ErrMalformedPayload
	}

	room, err := rt.directory.ClassRoom(ctx, p.ClassID)
	if err != nil {
		return err
	}

	if err := rt.directory.Leave(ctx, room.ID, p.StudentID); err != nil {
		return err
	}

	if conn.Identity.ID == p.StudentID {
		rt.registry.Unsubscribe(conn.ID, room.ID)
	}

	return conn.Send(types.EventClassChatLeave, types.AckEvent{Success: true, RoomID: room.ID})
}
