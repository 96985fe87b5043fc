package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	dbconfig "schoolchat/pkg/database"
	"schoolchat/pkg/interfaces"
	"schoolchat/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	manager, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func directRoom(id, userA, userB string) *types.Room {
	return &types.Room{
		ID:         id,
		Kind:       types.RoomKindDirect,
		SchoolCode: "SCH1",
		Members: []types.RoomMember{
			{UserID: userA, UserRole: types.RoleStudent, MemberRole: types.MemberRoleMember},
			{UserID: userB, UserRole: types.RoleStudent, MemberRole: types.MemberRoleMember},
		},
		IsActive:  true,
		CreatedBy: userA,
		CreatedAt: time.Now().UTC(),
	}
}

func TestSchemaApplied(t *testing.T) {
	manager := newTestManager(t)
	if err := dbconfig.ValidateSchema(manager.DB()); err != nil {
		t.Fatalf("schema validation failed: %v", err)
	}
}

func TestCreateRoomDuplicateDirectPair(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	if err := manager.CreateRoom(ctx, directRoom("r1", "s1", "s2")); err != nil {
		t.Fatalf("first creation failed: %v", err)
	}

	// Same pair in reverse order still collides on the pair key.
	err := manager.CreateRoom(ctx, directRoom("r2", "s2", "s1"))
	if !errors.Is(err, interfaces.ErrDuplicateRoom) {
		t.Fatalf("expected ErrDuplicateRoom, got %v", err)
	}

	// The failed creation must not leave partial member rows behind.
	var members int
	if err := manager.DB().QueryRow(`SELECT COUNT(*) FROM room_members`).Scan(&members); err != nil {
		t.Fatalf("failed to count members: %v", err)
	}
	if members != 2 {
		t.Fatalf("expected only the first room's 2 members, got %d", members)
	}
}

func TestCreateRoomRejectsMalformedDirect(t *testing.T) {
	manager := newTestManager(t)

	room := directRoom("r1", "s1", "s2")
	room.Members = room.Members[:1]
	if err := manager.CreateRoom(context.Background(), room); err == nil {
		t.Fatal("direct room with one member must be rejected")
	}
}

func TestGetRoomNotFound(t *testing.T) {
	manager := newTestManager(t)

	_, err := manager.GetRoom(context.Background(), "missing")
	if !errors.Is(err, interfaces.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestFindDirectRoomEitherOrder(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	if err := manager.CreateRoom(ctx, directRoom("r1", "s1", "s2")); err != nil {
		t.Fatalf("creation failed: %v", err)
	}

	forward, err := manager.FindDirectRoom(ctx, "s1", "s2")
	if err != nil {
		t.Fatalf("forward lookup failed: %v", err)
	}
	reverse, err := manager.FindDirectRoom(ctx, "s2", "s1")
	if err != nil {
		t.Fatalf("reverse lookup failed: %v", err)
	}
	if forward.ID != reverse.ID || forward.ID != "r1" {
		t.Fatalf("expected r1 from both directions, got %s and %s", forward.ID, reverse.ID)
	}
}

func TestAddMemberUnknownRoom(t *testing.T) {
	manager := newTestManager(t)

	err := manager.AddMember(context.Background(), "missing", "s1", types.RoleStudent, types.MemberRoleMember)
	if !errors.Is(err, interfaces.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestInsertAndListMessages(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, content := range []string{"one", "two", "three"} {
		msg := &types.Message{
			ID:         content,
			RoomID:     "r1",
			SenderID:   "s1",
			SenderRole: types.RoleStudent,
			Kind:       types.MessageKindText,
			Content:    content,
			CreatedAt:  base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := manager.InsertMessage(ctx, msg); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	msgs, err := manager.ListByRoom(ctx, "r1", 2, nil)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "three" || msgs[1].Content != "two" {
		t.Fatalf("expected newest-first, got %q then %q", msgs[0].Content, msgs[1].Content)
	}
}

func TestManagerCloseIsIdempotent(t *testing.T) {
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	manager, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	if err := manager.Close(); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := manager.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}

	if err := manager.InsertMessage(context.Background(), &types.Message{ID: "m1"}); err == nil {
		t.Fatal("writes after close must fail")
	}
}
