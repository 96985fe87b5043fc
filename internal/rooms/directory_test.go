package rooms

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"schoolchat/internal/database"
	"schoolchat/pkg/chaterrors"
	dbconfig "schoolchat/pkg/database"
	"schoolchat/pkg/types"
)

func newTestManager(t *testing.T) *database.Manager {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	manager, err := database.NewManager(cfg)
	if err != nil {
		t.Fatalf("failed to create database manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func seedUsers(t *testing.T, manager *database.Manager) {
	t.Helper()
	db := manager.DB()
	stmts := []string{
		`INSERT INTO students (id, display_name, school_code) VALUES ('s1', 'Ana', 'SCH1')`,
		`INSERT INTO students (id, display_name, school_code) VALUES ('s2', 'Ben', 'SCH1')`,
		`INSERT INTO students (id, display_name, school_code) VALUES ('s3', 'Caro', 'SCH2')`,
		`INSERT INTO teachers (id, display_name, school_code) VALUES ('t1', 'Mr. Lee', 'SCH1')`,
		`INSERT INTO classes (id, name, school_code, teacher_id) VALUES ('c1', 'Math 101', 'SCH1', 't1')`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("failed to seed: %v", err)
		}
	}
}

func newTestDirectory(t *testing.T) (*Directory, *database.Manager) {
	t.Helper()
	manager := newTestManager(t)
	seedUsers(t, manager)
	return NewDirectory(manager, manager, manager), manager
}

func student(id, school string) *types.Identity {
	return &types.Identity{ID: id, Role: types.RoleStudent, SchoolCode: school}
}

func TestResolveOrCreateDirectRoomFirstContact(t *testing.T) {
	directory, _ := newTestDirectory(t)
	ctx := context.Background()

	room, err := directory.ResolveOrCreateDirectRoom(ctx, student("s1", "SCH1"), "s2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if room.Kind != types.RoomKindDirect {
		t.Fatalf("expected DIRECT room, got %s", room.Kind)
	}
	if len(room.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(room.Members))
	}
	if !room.HasMember("s1") || !room.HasMember("s2") {
		t.Fatalf("both participants should be members: %+v", room.Members)
	}
}

func TestResolveOrCreateDirectRoomIsStableAcrossDirections(t *testing.T) {
	directory, _ := newTestDirectory(t)
	ctx := context.Background()

	first, err := directory.ResolveOrCreateDirectRoom(ctx, student("s1", "SCH1"), "s2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := directory.ResolveOrCreateDirectRoom(ctx, student("s2", "SCH1"), "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same room for both directions, got %s and %s", first.ID, second.ID)
	}
}

func TestResolveOrCreateDirectRoomConcurrentCallersYieldOneRoom(t *testing.T) {
	directory, manager := newTestDirectory(t)
	ctx := context.Background()

	const callers = 10
	ids := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sender, recipient := "s1", "s2"
			if n%2 == 1 {
				sender, recipient = "s2", "s1"
			}
			room, err := directory.ResolveOrCreateDirectRoom(ctx, student(sender, "SCH1"), recipient)
			if err != nil {
				t.Errorf("caller %d failed: %v", n, err)
				return
			}
			ids <- room.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	distinct := make(map[string]bool)
	for id := range ids {
		distinct[id] = true
	}
	if len(distinct) != 1 {
		t.Fatalf("expected exactly one room ID, got %d: %v", len(distinct), distinct)
	}

	var count int
	err := manager.DB().QueryRow(`SELECT COUNT(*) FROM rooms WHERE kind = 'DIRECT'`).Scan(&count)
	if err != nil {
		t.Fatalf("failed to count rooms: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one persisted DIRECT room, got %d", count)
	}
}

func TestResolveOrCreateDirectRoomRejectsSelfAndUnknown(t *testing.T) {
	directory, _ := newTestDirectory(t)
	ctx := context.Background()

	if _, err := directory.ResolveOrCreateDirectRoom(ctx, student("s1", "SCH1"), "s1"); !errors.Is(err, chaterrors.ErrInvalidPair) {
		t.Fatalf("self pair should fail with ErrInvalidPair, got %v", err)
	}
	if _, err := directory.ResolveOrCreateDirectRoom(ctx, student("s1", "SCH1"), "ghost"); !errors.Is(err, chaterrors.ErrInvalidPair) {
		t.Fatalf("unknown recipient should fail with ErrInvalidPair, got %v", err)
	}
}

func TestResolveOrCreateDirectRoomRejectsCrossSchool(t *testing.T) {
	directory, _ := newTestDirectory(t)

	_, err := directory.ResolveOrCreateDirectRoom(context.Background(), student("s1", "SCH1"), "s3")
	if !errors.Is(err, chaterrors.ErrInvalidPair) {
		t.Fatalf("cross-school pair should fail with ErrInvalidPair, got %v", err)
	}
}

func TestValidateAccess(t *testing.T) {
	directory, _ := newTestDirectory(t)
	ctx := context.Background()

	room, err := directory.ResolveOrCreateDirectRoom(ctx, student("s1", "SCH1"), "s2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := directory.ValidateAccess(ctx, room.ID, "s1"); err != nil {
		t.Fatalf("member should have access: %v", err)
	}
	if _, err := directory.ValidateAccess(ctx, room.ID, "t1"); !errors.Is(err, chaterrors.ErrRoomUnauthorized) {
		t.Fatalf("non-member should get ErrRoomUnauthorized, got %v", err)
	}
	if _, err := directory.ValidateAccess(ctx, "missing-room", "s1"); !errors.Is(err, chaterrors.ErrRoomNotFound) {
		t.Fatalf("missing room should get ErrRoomNotFound, got %v", err)
	}
}

func TestValidateAccessDoesNotGrantMembership(t *testing.T) {
	directory, manager := newTestDirectory(t)
	ctx := context.Background()

	room, err := directory.ClassRoom(ctx, "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// s2 shares the school but is not enrolled; access must be refused and
	// the check must not enroll them as a side effect.
	if _, err := directory.ValidateAccess(ctx, room.ID, "s2"); !errors.Is(err, chaterrors.ErrRoomUnauthorized) {
		t.Fatalf("same-school non-member should get ErrRoomUnauthorized, got %v", err)
	}

	var count int
	if err := manager.DB().QueryRow(`SELECT COUNT(*) FROM room_members WHERE room_id = ?`, room.ID).Scan(&count); err != nil {
		t.Fatalf("failed to count members: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected only the seeded teacher as member, got %d rows", count)
	}
	if _, err := directory.ValidateAccess(ctx, room.ID, "s2"); !errors.Is(err, chaterrors.ErrRoomUnauthorized) {
		t.Fatalf("repeat check should still refuse, got %v", err)
	}
}

func TestAddMemberIsIdempotent(t *testing.T) {
	directory, _ := newTestDirectory(t)
	ctx := context.Background()

	class := &types.Class{ID: "c1", Name: "Math 101", SchoolCode: "SCH1", TeacherID: "t1"}
	room, err := directory.CreateClassRoom(ctx, class)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := directory.AddMember(ctx, room.ID, "s1", types.RoleStudent); err != nil {
		t.Fatalf("first add failed: %v", err)
	}
	if err := directory.AddMember(ctx, room.ID, "s1", types.RoleStudent); err != nil {
		t.Fatalf("second add should be a no-op, got %v", err)
	}

	refreshed, err := directory.ValidateAccess(ctx, room.ID, "s1")
	if err != nil {
		t.Fatalf("added member should have access immediately: %v", err)
	}
	if got := len(refreshed.Members); got != 2 {
		t.Fatalf("expected teacher + one student, got %d members", got)
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	directory, _ := newTestDirectory(t)
	ctx := context.Background()

	room, err := directory.CreateClassRoom(ctx, &types.Class{ID: "c1", Name: "Math 101", SchoolCode: "SCH1", TeacherID: "t1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := directory.AddMember(ctx, room.ID, "s1", types.RoleStudent); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := directory.Leave(ctx, room.ID, "s1"); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if err := directory.Leave(ctx, room.ID, "s1"); err != nil {
		t.Fatalf("leaving twice should be a no-op, got %v", err)
	}

	if _, err := directory.ValidateAccess(ctx, room.ID, "s1"); !errors.Is(err, chaterrors.ErrRoomUnauthorized) {
		t.Fatalf("removed member should lose access, got %v", err)
	}
}

func TestClassRoomCreatedOnceAndReused(t *testing.T) {
	directory, _ := newTestDirectory(t)
	ctx := context.Background()

	first, err := directory.ClassRoom(ctx, "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Kind != types.RoomKindGroup || first.ClassID != "c1" {
		t.Fatalf("unexpected class room: %+v", first)
	}
	if !first.HasMember("t1") {
		t.Fatal("teacher should be seeded as a member")
	}

	second, err := directory.ClassRoom(ctx, "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("class room should be reused, got %s and %s", first.ID, second.ID)
	}
}

func TestClassRoomUnknownClass(t *testing.T) {
	directory, _ := newTestDirectory(t)

	_, err := directory.ClassRoom(context.Background(), "nope")
	if !errors.Is(err, chaterrors.ErrRoomNotFound) {
		t.Fatalf("unknown class should get ErrRoomNotFound, got %v", err)
	}
}

func TestMarkLastMessageUpdatesPointer(t *testing.T) {
	directory, manager := newTestDirectory(t)
	ctx := context.Background()

	room, err := directory.ResolveOrCreateDirectRoom(ctx, student("s1", "SCH1"), "s2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	at := time.Now().UTC()
	directory.MarkLastMessage(ctx, room.ID, "msg-1", at)

	refreshed, err := manager.GetRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("failed to reload room: %v", err)
	}
	if refreshed.LastMessageID != "msg-1" {
		t.Fatalf("expected last message pointer msg-1, got %q", refreshed.LastMessageID)
	}
	if refreshed.LastMessageAt == nil {
		t.Fatal("expected last message timestamp to be set")
	}
}

func TestArchiveRoomRequiresAdmin(t *testing.T) {
	directory, _ := newTestDirectory(t)
	ctx := context.Background()

	room, err := directory.ClassRoom(ctx, "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := directory.AddMember(ctx, room.ID, "s1", types.RoleStudent); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	if err := directory.ArchiveRoom(ctx, room.ID, "s1"); !errors.Is(err, chaterrors.ErrRoomUnauthorized) {
		t.Fatalf("plain member must not archive, got %v", err)
	}
	if err := directory.ArchiveRoom(ctx, room.ID, "t1"); err != nil {
		t.Fatalf("admin archive failed: %v", err)
	}

	if _, err := directory.ValidateAccess(ctx, room.ID, "t1"); !errors.Is(err, chaterrors.ErrRoomNotFound) {
		t.Fatalf("archived room should act as missing, got %v", err)
	}
}

func TestListMemberRooms(t *testing.T) {
	directory, _ := newTestDirectory(t)
	ctx := context.Background()

	if _, err := directory.ResolveOrCreateDirectRoom(ctx, student("s1", "SCH1"), "s2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	classRoom, err := directory.ClassRoom(ctx, "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := directory.AddMember(ctx, classRoom.ID, "s1", types.RoleStudent); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	rooms, err := directory.ListMemberRooms(ctx, "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("expected 2 rooms for s1, got %d", len(rooms))
	}

	rooms, err = directory.ListMemberRooms(ctx, "s3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rooms) != 0 {
		t.Fatalf("expected no rooms for s3, got %d", len(rooms))
	}
}
