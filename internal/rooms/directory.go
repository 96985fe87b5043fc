package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"schoolchat/pkg/chaterrors"
	"schoolchat/pkg/interfaces"
	"schoolchat/pkg/types"
)

// Directory is the authority on rooms and memberships. It fronts the room
// store with a process-local cache for DIRECT room resolution so that the
// common case, two users who already talked, costs one map lookup.
type Directory struct {
	store      interfaces.RoomStore
	identities interfaces.IdentityStore
	classes    interfaces.ClassStore

	// directCache maps a pair key to the resolved room ID. Entries are
	// never expired; the cache only grows with distinct conversing pairs
	// and a stale entry is impossible because DIRECT rooms are never
	// re-keyed.
	directMu    sync.Mutex
	directCache map[string]string
}

// NewDirectory creates a directory backed by the given stores.
func NewDirectory(store interfaces.RoomStore, identities interfaces.IdentityStore, classes interfaces.ClassStore) *Directory {
	return &Directory{
		store:       store,
		identities:  identities,
		classes:     classes,
		directCache: make(map[string]string),
	}
}

// ListMemberRooms returns the active rooms a user belongs to.
func (d *Directory) ListMemberRooms(ctx context.Context, userID string) ([]*types.Room, error) {
	rooms, err := d.store.ListMemberRooms(ctx, userID)
	if err != nil {
		return nil, chaterrors.Storage(err)
	}
	return rooms, nil
}

// ValidateAccess checks that the room exists, is active and that userID is a
// member. The two failure modes are distinguishable so the caller can report
// "no such room" versus "not yours".
func (d *Directory) ValidateAccess(ctx context.Context, roomID, userID string) (*types.Room, error) {
	room, err := d.store.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, interfaces.ErrRoomNotFound) {
			return nil, chaterrors.ErrRoomNotFound
		}
		return nil, chaterrors.Storage(err)
	}
	if !room.IsActive {
		return nil, chaterrors.ErrRoomNotFound
	}
	if !room.HasMember(userID) {
		return nil, chaterrors.ErrRoomUnauthorized
	}
	return room, nil
}

// AddMember enrolls a user in a room. Adding an existing member is a no-op.
func (d *Directory) AddMember(ctx context.Context, roomID, userID string, role types.Role) error {
	if err := d.store.AddMember(ctx, roomID, userID, role, types.MemberRoleMember); err != nil {
		if errors.Is(err, interfaces.ErrRoomNotFound) {
			return chaterrors.ErrRoomNotFound
		}
		return chaterrors.Storage(err)
	}
	return nil
}

// Leave removes a user from a room. Leaving a room the user is not in is a
// no-op.
func (d *Directory) Leave(ctx context.Context, roomID, userID string) error {
	if err := d.store.RemoveMember(ctx, roomID, userID); err != nil {
		if errors.Is(err, interfaces.ErrRoomNotFound) {
			return chaterrors.ErrRoomNotFound
		}
		return chaterrors.Storage(err)
	}
	return nil
}

// ResolveOrCreateDirectRoom returns the single DIRECT room for the sender
// and recipient, creating it on first contact. Safe under concurrent calls
// for the same pair from both sides: the store enforces pair uniqueness and
// the loser of a creation race adopts the winner's room.
func (d *Directory) ResolveOrCreateDirectRoom(ctx context.Context, sender *types.Identity, recipientID string) (*types.Room, error) {
	if recipientID == "" || recipientID == sender.ID {
		return nil, chaterrors.ErrInvalidPair
	}

	pairKey := types.DirectPairKey(sender.ID, recipientID)

	d.directMu.Lock()
	roomID, hit := d.directCache[pairKey]
	d.directMu.Unlock()

	if hit {
		room, err := d.store.GetRoom(ctx, roomID)
		if err == nil {
			return room, nil
		}
		// Cache pointed at a room the store no longer has; fall through
		// to a full resolve.
		d.directMu.Lock()
		delete(d.directCache, pairKey)
		d.directMu.Unlock()
	}

	room, err := d.store.FindDirectRoom(ctx, sender.ID, recipientID)
	if err == nil {
		d.cacheDirect(pairKey, room.ID)
		return room, nil
	}
	if !errors.Is(err, interfaces.ErrRoomNotFound) {
		return nil, chaterrors.Storage(err)
	}

	recipient, err := d.lookupIdentity(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	if recipient.SchoolCode != sender.SchoolCode {
		return nil, chaterrors.ErrInvalidPair
	}

	room = &types.Room{
		ID:         uuid.New().String(),
		Kind:       types.RoomKindDirect,
		SchoolCode: sender.SchoolCode,
		Members: []types.RoomMember{
			{UserID: sender.ID, UserRole: sender.Role, MemberRole: types.MemberRoleMember},
			{UserID: recipient.ID, UserRole: recipient.Role, MemberRole: types.MemberRoleMember},
		},
		IsActive:  true,
		CreatedBy: sender.ID,
		CreatedAt: time.Now().UTC(),
	}

	err = d.store.CreateRoom(ctx, room)
	if errors.Is(err, interfaces.ErrDuplicateRoom) {
		// Lost the creation race; the other side's room is canonical.
		room, err = d.store.FindDirectRoom(ctx, sender.ID, recipientID)
		if err != nil {
			return nil, chaterrors.Storage(fmt.Errorf("direct room vanished after duplicate: %w", err))
		}
	} else if err != nil {
		return nil, chaterrors.Storage(err)
	}

	d.cacheDirect(pairKey, room.ID)
	return room, nil
}

// CreateClassRoom creates the GROUP room bound to a class, seeded with the
// teacher as admin. Exactly one room exists per class.
func (d *Directory) CreateClassRoom(ctx context.Context, class *types.Class) (*types.Room, error) {
	existing, err := d.store.FindClassRoom(ctx, class.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, interfaces.ErrRoomNotFound) {
		return nil, chaterrors.Storage(err)
	}

	room := &types.Room{
		ID:         uuid.New().String(),
		Kind:       types.RoomKindGroup,
		Name:       class.Name,
		SchoolCode: class.SchoolCode,
		ClassID:    class.ID,
		Members: []types.RoomMember{
			{UserID: class.TeacherID, UserRole: types.RoleTeacher, MemberRole: types.MemberRoleAdmin},
		},
		IsActive:  true,
		CreatedBy: class.TeacherID,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.store.CreateRoom(ctx, room); err != nil {
		if errors.Is(err, interfaces.ErrDuplicateRoom) {
			return d.CreateClassRoom(ctx, class)
		}
		return nil, chaterrors.Storage(err)
	}
	return room, nil
}

// ClassRoom resolves the chat room for a class, creating it on first use.
func (d *Directory) ClassRoom(ctx context.Context, classID string) (*types.Room, error) {
	room, err := d.store.FindClassRoom(ctx, classID)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, interfaces.ErrRoomNotFound) {
		return nil, chaterrors.Storage(err)
	}

	class, err := d.classes.FindClassByID(ctx, classID)
	if err != nil {
		if errors.Is(err, interfaces.ErrClassNotFound) {
			return nil, chaterrors.ErrRoomNotFound
		}
		return nil, chaterrors.Storage(err)
	}
	return d.CreateClassRoom(ctx, class)
}

// ArchiveRoom soft-deletes a room. Only a room admin may archive.
func (d *Directory) ArchiveRoom(ctx context.Context, roomID, userID string) error {
	room, err := d.ValidateAccess(ctx, roomID, userID)
	if err != nil {
		return err
	}
	admin := false
	for _, member := range room.Members {
		if member.UserID == userID && member.MemberRole == types.MemberRoleAdmin {
			admin = true
			break
		}
	}
	if !admin {
		return chaterrors.ErrRoomUnauthorized
	}
	if err := d.store.ArchiveRoom(ctx, roomID); err != nil {
		return chaterrors.Storage(err)
	}
	return nil
}

// MarkLastMessage updates a room's last-message pointer. Failures are logged
// and swallowed; the pointer is a convenience for room lists and must never
// fail a delivered message.
func (d *Directory) MarkLastMessage(ctx context.Context, roomID, messageID string, at time.Time) {
	if err := d.store.UpdateLastMessage(ctx, roomID, messageID, at); err != nil {
		log.Warn().
			Err(err).
			Str("room_id", roomID).
			Str("message_id", messageID).
			Msg("failed to update last message pointer")
	}
}

func (d *Directory) lookupIdentity(ctx context.Context, userID string) (*types.Identity, error) {
	identity, err := d.identities.FindStudentByID(ctx, userID)
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, interfaces.ErrUserNotFound) {
		return nil, chaterrors.Storage(err)
	}
	identity, err = d.identities.FindTeacherByID(ctx, userID)
	if err == nil {
		return identity, nil
	}
	if errors.Is(err, interfaces.ErrUserNotFound) {
		return nil, chaterrors.ErrInvalidPair
	}
	return nil, chaterrors.Storage(err)
}

func (d *Directory) cacheDirect(pairKey, roomID string) {
	d.directMu.Lock()
	d.directCache[pairKey] = roomID
	d.directMu.Unlock()
}
