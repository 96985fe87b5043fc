package websocket

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry tracks live connections and their room subscriptions. Room
// fan-out touches only the subscribed connections; there is no shared queue
// between unrelated rooms, so a slow room never stalls another.
type Registry struct {
	mu sync.RWMutex

	// connection ID -> connection
	connections map[string]*Connection

	// user ID -> that user's live connections (one per tab or device)
	users map[string]map[string]*Connection

	// room ID -> connection ID -> connection
	rooms map[string]map[string]*Connection

	// connection ID -> room IDs it is subscribed to, for cleanup
	memberships map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		users:       make(map[string]map[string]*Connection),
		rooms:       make(map[string]map[string]*Connection),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Register adds an authenticated connection.
func (r *Registry) Register(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connections[conn.ID] = conn
	userID := conn.Identity.ID
	if r.users[userID] == nil {
		r.users[userID] = make(map[string]*Connection)
	}
	r.users[userID][conn.ID] = conn
	r.memberships[conn.ID] = make(map[string]struct{})
}

// Unregister removes a connection and all of its subscriptions.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[connID]
	if !ok {
		return
	}

	for roomID := range r.memberships[connID] {
		delete(r.rooms[roomID], connID)
		if len(r.rooms[roomID]) == 0 {
			delete(r.rooms, roomID)
		}
	}
	delete(r.memberships, connID)

	userID := conn.Identity.ID
	delete(r.users[userID], connID)
	if len(r.users[userID]) == 0 {
		delete(r.users, userID)
	}
	delete(r.connections, connID)
}

// Subscribe attaches a connection to a room's fan-out set. Subscribing
// twice is a no-op.
func (r *Registry) Subscribe(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[connID]
	if !ok {
		return
	}
	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[string]*Connection)
	}
	r.rooms[roomID][connID] = conn
	r.memberships[connID][roomID] = struct{}{}
}

// Unsubscribe detaches a connection from a room.
func (r *Registry) Unsubscribe(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.rooms[roomID], connID)
	if len(r.rooms[roomID]) == 0 {
		delete(r.rooms, roomID)
	}
	if r.memberships[connID] != nil {
		delete(r.memberships[connID], roomID)
	}
}

// SubscribeUser attaches every live connection of a user to a room. Used
// when a DIRECT room materializes mid-conversation and the recipient is
// already online.
func (r *Registry) SubscribeUser(userID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for connID, conn := range r.users[userID] {
		if r.rooms[roomID] == nil {
			r.rooms[roomID] = make(map[string]*Connection)
		}
		r.rooms[roomID][connID] = conn
		r.memberships[connID][roomID] = struct{}{}
	}
}

// Broadcast sends an event to every connection subscribed to a room, except
// the one identified by exceptConnID (pass "" to include everyone). A
// connection whose buffer is full misses the event; delivery is at most
// once.
func (r *Registry) Broadcast(roomID, event string, data interface{}, exceptConnID string) {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.rooms[roomID]))
	for connID, conn := range r.rooms[roomID] {
		if connID == exceptConnID {
			continue
		}
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.Send(event, data); err != nil {
			log.Debug().
				Err(err).
				Str("connection_id", conn.ID).
				Str("room_id", roomID).
				Msg("broadcast delivery skipped")
		}
	}
}

// UserConnectionCount returns how many live connections a user has.
func (r *Registry) UserConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// ConnectionCount returns the number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// RoomSubscriberCount returns how many connections are attached to a room.
func (r *Registry) RoomSubscriberCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}
