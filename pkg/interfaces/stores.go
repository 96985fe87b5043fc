package interfaces

import (
	"context"
	"time"

	"schoolchat/pkg/types"
)

// IdentityStore is the external user lookup the messaging core consumes.
// Students and teachers live in separate tables owned by the rest of the
// platform; the core only ever reads them.
type IdentityStore interface {
	FindStudentByID(ctx context.Context, id string) (*types.Identity, error)
	FindTeacherByID(ctx context.Context, id string) (*types.Identity, error)
}

// ClassStore resolves class records for class-room membership changes.
type ClassStore interface {
	FindClassByID(ctx context.Context, id string) (*types.Class, error)
}

// RoomStore is the persistence contract behind the Room Directory.
type RoomStore interface {
	CreateRoom(ctx context.Context, room *types.Room) error
	GetRoom(ctx context.Context, roomID string) (*types.Room, error)
	// ListMemberRooms returns the active rooms userID currently belongs to.
	ListMemberRooms(ctx context.Context, userID string) ([]*types.Room, error)
	// FindDirectRoom looks up the DIRECT room for an unordered participant
	// pair, or returns ErrRoomNotFound.
	FindDirectRoom(ctx context.Context, userA, userB string) (*types.Room, error)
	// FindClassRoom returns the GROUP room bound to classID.
	FindClassRoom(ctx context.Context, classID string) (*types.Room, error)
	// AddMember and RemoveMember are idempotent: adding an existing member or
	// removing an absent one is a no-op.
	AddMember(ctx context.Context, roomID, userID string, userRole types.Role, memberRole types.MemberRole) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	// UpdateLastMessage moves the room's denormalized last-message pointer.
	UpdateLastMessage(ctx context.Context, roomID, messageID string, at time.Time) error
	// ArchiveRoom soft-deletes a room (isActive=false).
	ArchiveRoom(ctx context.Context, roomID string) error
}

// MessageStore is the persistence contract behind the message layer.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg *types.Message) error
	// ListByRoom returns up to limit messages newest-first, optionally only
	// those created strictly before the given time.
	ListByRoom(ctx context.Context, roomID string, limit int, before *time.Time) ([]*types.Message, error)
	// SearchMessages filters by content substring and optional date range,
	// newest-first.
	SearchMessages(ctx context.Context, roomID, substring string, from, to *time.Time) ([]*types.Message, error)
}
