package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	dbconfig "schoolchat/pkg/database"
	"schoolchat/pkg/interfaces"
	"schoolchat/pkg/types"
)

// Manager owns the SQLite connection and implements every store interface the
// messaging core consumes: rooms, messages, identities and classes. All
// writes funnel through a single-writer goroutine; besides keeping SQLite
// happy under concurrency, this makes message insert order the definitive
// room order, so history reads never interleave two racing sends.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies the schema and starts the writer.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	if dir := filepath.Dir(config.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite pragmas: %w", err)
	}

	if err := dbconfig.ApplySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	m := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	m.wg.Add(1)
	go m.writeLoop()

	return m, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			op.result <- op.operation(m.db)
		case <-m.shutdown:
			return
		}
	}
}

func (m *Manager) executeWrite(operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("database manager is closed")
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return fmt.Errorf("write operation timeout")
	case <-m.shutdown:
		return fmt.Errorf("database manager is shutting down")
	}
}

// --- RoomStore ---

// CreateRoom inserts a room with its member set atomically. A DIRECT room
// racing another creation for the same pair fails the unique index on
// (kind, pair_key) and surfaces interfaces.ErrDuplicateRoom for the
// directory to retry its lookup.
func (m *Manager) CreateRoom(ctx context.Context, room *types.Room) error {
	return m.executeWrite(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var pairKey sql.NullString
		if room.Kind == types.RoomKindDirect {
			if len(room.Members) != 2 {
				return fmt.Errorf("direct room requires exactly 2 members, got %d", len(room.Members))
			}
			pairKey = sql.NullString{
				String: types.DirectPairKey(room.Members[0].UserID, room.Members[1].UserID),
				Valid:  true,
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO rooms (id, kind, name, school_code, class_id, pair_key, is_active, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			room.ID,
			string(room.Kind),
			nullString(room.Name),
			room.SchoolCode,
			nullString(room.ClassID),
			pairKey,
			boolToInt(room.IsActive),
			room.CreatedBy,
			room.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return interfaces.ErrDuplicateRoom
			}
			return fmt.Errorf("failed to insert room: %w", err)
		}

		for _, member := range room.Members {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO room_members (room_id, user_id, user_role, member_role)
				VALUES (?, ?, ?, ?)`,
				room.ID, member.UserID, string(member.UserRole), string(member.MemberRole),
			)
			if err != nil {
				return fmt.Errorf("failed to insert room member: %w", err)
			}
		}

		if err = tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit room creation: %w", err)
		}
		return nil
	})
}

// GetRoom returns a room with its full member set.
func (m *Manager) GetRoom(ctx context.Context, roomID string) (*types.Room, error) {
	room, err := m.scanRoom(ctx, `
		SELECT id, kind, name, school_code, class_id, last_message_id, last_message_at, is_active, created_by, created_at
		FROM rooms WHERE id = ?`, roomID)
	if err != nil {
		return nil, err
	}

	if err := m.loadMembers(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

// ListMemberRooms returns the active rooms userID belongs to, most recently
// active first, for connection-time auto-join.
func (m *Manager) ListMemberRooms(ctx context.Context, userID string) ([]*types.Room, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT r.id, r.kind, r.name, r.school_code, r.class_id, r.last_message_id, r.last_message_at, r.is_active, r.created_by, r.created_at
		FROM rooms r
		JOIN room_members rm ON rm.room_id = r.id
		WHERE rm.user_id = ? AND r.is_active = 1
		ORDER BY COALESCE(r.last_message_at, r.created_at) DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query member rooms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rooms []*types.Room
	for rows.Next() {
		room, err := scanRoomRow(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating room rows: %w", err)
	}

	for _, room := range rooms {
		if err := m.loadMembers(ctx, room); err != nil {
			return nil, err
		}
	}
	return rooms, nil
}

// FindDirectRoom looks up the DIRECT room for an unordered pair.
func (m *Manager) FindDirectRoom(ctx context.Context, userA, userB string) (*types.Room, error) {
	room, err := m.scanRoom(ctx, `
		SELECT id, kind, name, school_code, class_id, last_message_id, last_message_at, is_active, created_by, created_at
		FROM rooms WHERE kind = 'DIRECT' AND pair_key = ?`,
		types.DirectPairKey(userA, userB))
	if err != nil {
		return nil, err
	}
	if err := m.loadMembers(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

// FindClassRoom returns the GROUP room bound to a class.
func (m *Manager) FindClassRoom(ctx context.Context, classID string) (*types.Room, error) {
	room, err := m.scanRoom(ctx, `
		SELECT id, kind, name, school_code, class_id, last_message_id, last_message_at, is_active, created_by, created_at
		FROM rooms WHERE kind = 'GROUP' AND class_id = ?`, classID)
	if err != nil {
		return nil, err
	}
	if err := m.loadMembers(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

// AddMember is idempotent: INSERT OR IGNORE leaves an existing membership
// untouched, including its original member role.
func (m *Manager) AddMember(ctx context.Context, roomID, userID string, userRole types.Role, memberRole types.MemberRole) error {
	return m.executeWrite(func(db *sql.DB) error {
		var exists int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms WHERE id = ?", roomID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check room existence: %w", err)
		}
		if exists == 0 {
			return interfaces.ErrRoomNotFound
		}

		_, err := db.ExecContext(ctx, `
			INSERT OR IGNORE INTO room_members (room_id, user_id, user_role, member_role)
			VALUES (?, ?, ?, ?)`,
			roomID, userID, string(userRole), string(memberRole),
		)
		if err != nil {
			return fmt.Errorf("failed to add room member: %w", err)
		}
		return nil
	})
}

// RemoveMember is idempotent: removing an absent member is a no-op.
func (m *Manager) RemoveMember(ctx context.Context, roomID, userID string) error {
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			"DELETE FROM room_members WHERE room_id = ? AND user_id = ?",
			roomID, userID,
		)
		if err != nil {
			return fmt.Errorf("failed to remove room member: %w", err)
		}
		return nil
	})
}

// UpdateLastMessage moves the denormalized last-message pointer.
func (m *Manager) UpdateLastMessage(ctx context.Context, roomID, messageID string, at time.Time) error {
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			"UPDATE rooms SET last_message_id = ?, last_message_at = ? WHERE id = ?",
			messageID, at, roomID,
		)
		if err != nil {
			return fmt.Errorf("failed to update last message pointer: %w", err)
		}
		return nil
	})
}

// ArchiveRoom soft-deletes a room. Messages keep referencing it.
func (m *Manager) ArchiveRoom(ctx context.Context, roomID string) error {
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, "UPDATE rooms SET is_active = 0 WHERE id = ?", roomID)
		if err != nil {
			return fmt.Errorf("failed to archive room: %w", err)
		}
		return nil
	})
}

// --- MessageStore ---

// InsertMessage persists a message. Ordering within a room follows the
// single-writer queue, so two sends racing from different connections land
// in a definite order.
func (m *Manager) InsertMessage(ctx context.Context, msg *types.Message) error {
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO messages (id, room_id, sender_id, sender_name, sender_role, kind, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.RoomID, msg.SenderID, msg.SenderName, string(msg.SenderRole), string(msg.Kind), msg.Content, msg.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
}

// ListByRoom returns up to limit messages newest-first, optionally only
// those strictly before the given time.
func (m *Manager) ListByRoom(ctx context.Context, roomID string, limit int, before *time.Time) ([]*types.Message, error) {
	query := `
		SELECT id, room_id, sender_id, sender_name, sender_role, kind, content, created_at
		FROM messages WHERE room_id = ?`
	args := []interface{}{roomID}

	if before != nil {
		query += " AND created_at < ?"
		args = append(args, *before)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	return m.queryMessages(ctx, query, args...)
}

// SearchMessages filters messages by content substring and optional date
// range, newest-first.
func (m *Manager) SearchMessages(ctx context.Context, roomID, substring string, from, to *time.Time) ([]*types.Message, error) {
	query := `
		SELECT id, room_id, sender_id, sender_name, sender_role, kind, content, created_at
		FROM messages WHERE room_id = ?`
	args := []interface{}{roomID}

	if substring != "" {
		query += ` AND content LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(substring)+"%")
	}
	if from != nil {
		query += " AND created_at >= ?"
		args = append(args, *from)
	}
	if to != nil {
		query += " AND created_at <= ?"
		args = append(args, *to)
	}
	query += " ORDER BY created_at DESC, id DESC"

	return m.queryMessages(ctx, query, args...)
}

// --- IdentityStore ---

func (m *Manager) FindStudentByID(ctx context.Context, id string) (*types.Identity, error) {
	return m.findIdentity(ctx, "students", types.RoleStudent, id)
}

func (m *Manager) FindTeacherByID(ctx context.Context, id string) (*types.Identity, error) {
	return m.findIdentity(ctx, "teachers", types.RoleTeacher, id)
}

func (m *Manager) findIdentity(ctx context.Context, table string, role types.Role, id string) (*types.Identity, error) {
	identity := &types.Identity{Role: role}
	err := m.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, display_name, school_code FROM %s WHERE id = ?", table), id,
	).Scan(&identity.ID, &identity.DisplayName, &identity.SchoolCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	return identity, nil
}

// --- ClassStore ---

func (m *Manager) FindClassByID(ctx context.Context, id string) (*types.Class, error) {
	class := &types.Class{}
	err := m.db.QueryRowContext(ctx,
		"SELECT id, name, school_code, teacher_id FROM classes WHERE id = ?", id,
	).Scan(&class.ID, &class.Name, &class.SchoolCode, &class.TeacherID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrClassNotFound
		}
		return nil, fmt.Errorf("failed to query class: %w", err)
	}
	return class, nil
}

// --- lifecycle ---

// HealthCheck verifies connectivity and a basic read.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms LIMIT 1").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for schema validation and test fixtures.
func (m *Manager) DB() *sql.DB {
	return m.db
}

// Close drains the write loop and closes the connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	log.Debug().Msg("database manager closed")
	return nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (m *Manager) scanRoom(ctx context.Context, query string, args ...interface{}) (*types.Room, error) {
	room, err := scanRoomRow(m.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	return room, nil
}

func scanRoomRow(row rowScanner) (*types.Room, error) {
	var room types.Room
	var kind string
	var name, classID, lastMessageID sql.NullString
	var lastMessageAt sql.NullTime
	var isActive int

	err := row.Scan(
		&room.ID, &kind, &name, &room.SchoolCode, &classID,
		&lastMessageID, &lastMessageAt, &isActive, &room.CreatedBy, &room.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to scan room: %w", err)
	}

	room.Kind = types.RoomKind(kind)
	room.Name = name.String
	room.ClassID = classID.String
	room.LastMessageID = lastMessageID.String
	if lastMessageAt.Valid {
		t := lastMessageAt.Time
		room.LastMessageAt = &t
	}
	room.IsActive = isActive != 0
	return &room, nil
}

func (m *Manager) loadMembers(ctx context.Context, room *types.Room) error {
	rows, err := m.db.QueryContext(ctx, `
		SELECT user_id, user_role, member_role
		FROM room_members WHERE room_id = ? ORDER BY user_id`, room.ID)
	if err != nil {
		return fmt.Errorf("failed to query room members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	room.Members = room.Members[:0]
	for rows.Next() {
		var member types.RoomMember
		var userRole, memberRole string
		if err := rows.Scan(&member.UserID, &userRole, &memberRole); err != nil {
			return fmt.Errorf("failed to scan room member: %w", err)
		}
		member.UserRole = types.Role(userRole)
		member.MemberRole = types.MemberRole(memberRole)
		room.Members = append(room.Members, member)
	}
	return rows.Err()
}

func (m *Manager) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*types.Message, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.Message
	for rows.Next() {
		var msg types.Message
		var senderRole, kind string
		err := rows.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.SenderName, &senderRole, &kind, &msg.Content, &msg.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.SenderRole = types.Role(senderRole)
		msg.Kind = types.MessageKind(kind)
		messages = append(messages, &msg)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -8000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// escapeLike neutralizes LIKE wildcards so a search for "100%" does not
// match everything starting with "100".
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
