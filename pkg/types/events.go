package types

import (
	"encoding/json"
	"time"
)

// Inbound event names. These match the wire protocol the platform's clients
// already speak; renaming any of them is a breaking change.
const (
	EventGroupMessage   = "group_message"
	EventPrivateMessage = "private_message"
	EventJoinRoom       = "join_room"
	EventClassChatJoin  = "class_chat_join"
	EventClassChatLeave = "class_chat_leave"
	EventDisconnect     = "disconnect"
)

// Outbound event names.
const (
	EventRoomHistory = "room_history"
	EventError       = "error"
)

// Envelope is the frame every inbound event arrives in: an event name plus an
// event-specific payload that handlers decode after the rate-limit check.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// GroupMessagePayload is the input for group_message.
type GroupMessagePayload struct {
	RoomID  string      `json:"roomId"`
	Content string      `json:"content"`
	Kind    MessageKind `json:"kind,omitempty"`
}

// PrivateMessagePayload is the input for private_message. The room is
// resolved (or lazily created) from the sender/recipient pair.
type PrivateMessagePayload struct {
	RecipientID string      `json:"recipientId"`
	Content     string      `json:"content"`
	Kind        MessageKind `json:"kind,omitempty"`
}

// JoinRoomPayload is the input for join_room.
type JoinRoomPayload struct {
	RoomID string `json:"roomId"`
}

// ClassChatPayload is the input for class_chat_join and class_chat_leave.
type ClassChatPayload struct {
	ClassID   string `json:"classId"`
	StudentID string `json:"studentId"`
}

// RoomHistoryEvent is the outbound shape for room_history.
type RoomHistoryEvent struct {
	RoomID   string              `json:"roomId"`
	Messages []*FormattedMessage `json:"messages"`
}

// AckEvent acknowledges class_chat_join and class_chat_leave.
type AckEvent struct {
	Success bool   `json:"success"`
	RoomID  string `json:"roomId,omitempty"`
}

// ErrorEvent is the single outbound error shape. Every handler failure is
// converted to this and emitted to the originating connection only.
type ErrorEvent struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// OutboundEvent pairs an event name with its payload for the write loop.
type OutboundEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}
