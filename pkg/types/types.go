package types

import (
	"time"
)

// Role distinguishes the two identity variants the platform knows about.
// Resolved once at the auth boundary; the core never mutates identities.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
)

// RoomKind separates class-bound multi-party rooms from two-party rooms.
type RoomKind string

const (
	RoomKindGroup  RoomKind = "GROUP"
	RoomKindDirect RoomKind = "DIRECT"
)

// MemberRole is the member's standing inside a room, not their platform role.
type MemberRole string

const (
	MemberRoleAdmin  MemberRole = "ADMIN"
	MemberRoleMember MemberRole = "MEMBER"
)

// MessageKind is the payload type of a message.
type MessageKind string

const (
	MessageKindText  MessageKind = "TEXT"
	MessageKindImage MessageKind = "IMAGE"
	MessageKindFile  MessageKind = "FILE"
)

// Identity is a resolved user record: student or teacher, tagged by Role.
// Read-only to the messaging core; owned by the external user stores.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
	SchoolCode  string `json:"schoolCode"`
}

// RoomMember is one entry in a room's member set. User ids are unique within
// a room; a DIRECT room has exactly two.
type RoomMember struct {
	UserID     string     `json:"userId"`
	UserRole   Role       `json:"userRole"`
	MemberRole MemberRole `json:"memberRole"`
}

// Room is either a GROUP room bound to a class or a DIRECT room between
// exactly two participants. Soft-deleted via IsActive, never hard-deleted
// while messages reference it.
type Room struct {
	ID            string       `json:"id"`
	Kind          RoomKind     `json:"kind"`
	Name          string       `json:"name,omitempty"`
	Members       []RoomMember `json:"members"`
	SchoolCode    string       `json:"schoolCode"`
	ClassID       string       `json:"classId,omitempty"`
	LastMessageID string       `json:"lastMessageId,omitempty"`
	LastMessageAt *time.Time   `json:"lastMessageAt,omitempty"`
	IsActive      bool         `json:"isActive"`
	CreatedBy     string       `json:"createdBy"`
	CreatedAt     time.Time    `json:"createdAt"`
}

// HasMember reports whether userID is a current member of the room.
func (r *Room) HasMember(userID string) bool {
	for _, m := range r.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// Message is immutable once created. Only the owning room's last-message
// pointer changes afterwards, and that is a Room mutation.
type Message struct {
	ID       string `json:"id"`
	RoomID   string `json:"roomId"`
	SenderID string `json:"senderId"`
	// SenderName is denormalized at write time so history replay does not
	// need a user-store lookup per message.
	SenderName string      `json:"senderName"`
	SenderRole Role        `json:"senderRole"`
	Kind       MessageKind `json:"kind"`
	Content    string      `json:"content"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// MessageSender is the trimmed sender shape embedded in formatted messages.
type MessageSender struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// FormattedMessage is the client-facing message shape used by history replay
// and broadcast payloads.
type FormattedMessage struct {
	ID        string        `json:"id"`
	Sender    MessageSender `json:"sender"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"createdAt"`
	RoomID    string        `json:"roomId"`
	Status    string        `json:"status"`
}

// DirectPairKey builds the canonical key for an unordered participant pair.
// Used both as the direct-room cache key and as the store-level uniqueness
// column, so the two layers can never disagree about which pair a room
// belongs to.
func DirectPairKey(userA, userB string) string {
	if userA > userB {
		userA, userB = userB, userA
	}
	return userA + "|" + userB
}

// Class is the external class record the core reads for class-room resolution.
type Class struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	SchoolCode string `json:"schoolCode"`
	TeacherID  string `json:"teacherId"`
}
