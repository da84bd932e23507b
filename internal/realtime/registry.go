package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/crm-realtime-api/internal/observability"
)

// ErrNotConnected is returned when a room operation targets a user without a live connection.
var ErrNotConnected = errors.New("user not connected")

// PresenceHook is notified after a connection is registered or removed.
type PresenceHook interface {
	ConnectionOpened(ctx context.Context, conn *Connection)
	ConnectionClosed(ctx context.Context, conn *Connection)
}

// Publisher forwards locally emitted events to other nodes.
type Publisher interface {
	Publish(room Room, event Event, except uint)
}

// Registry tracks live connections per user and their room memberships.
// Each user holds at most one connection; a newer session replaces the older one.
type Registry struct {
	mu        sync.RWMutex
	conns     map[uint]*Connection
	rooms     map[Room]map[*Connection]struct{}
	hook      PresenceHook
	publisher Publisher
	logger    zerolog.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		conns:  make(map[uint]*Connection),
		rooms:  make(map[Room]map[*Connection]struct{}),
		logger: logger.With().Str("component", "connection_registry").Logger(),
	}
}

// SetPresenceHook installs the presence callbacks.
func (r *Registry) SetPresenceHook(hook PresenceHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = hook
}

// SetPublisher installs the cross-node publisher.
func (r *Registry) SetPublisher(publisher Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publisher = publisher
}

// Register binds conn to its user, closing any connection it replaces, and joins the user room.
func (r *Registry) Register(ctx context.Context, conn *Connection) error {
	if conn == nil || conn.UserID() == 0 {
		return ErrNotConnected
	}

	r.mu.Lock()
	previous := r.conns[conn.userID]
	if previous == conn {
		r.mu.Unlock()
		return nil
	}
	if previous != nil {
		r.detachLocked(previous)
	}
	r.conns[conn.userID] = conn
	r.joinLocked(conn, UserRoom(conn.userID))
	hook := r.hook
	r.mu.Unlock()

	if previous != nil {
		previous.Close()
		r.logger.Info().
			Uint("user_id", conn.userID).
			Str("connection_id", conn.id).
			Str("replaced_connection_id", previous.id).
			Msg("connection replaced by newer session")
	} else {
		observability.RealtimeConnections().Inc()
		r.logger.Debug().Uint("user_id", conn.userID).Str("connection_id", conn.id).Msg("connection registered")
	}

	if hook != nil {
		hook.ConnectionOpened(ctx, conn)
	}
	return nil
}

// Unregister removes conn if it is still the user's current connection and reports whether it was.
// A connection that was already replaced only has its own resources released.
func (r *Registry) Unregister(ctx context.Context, conn *Connection) bool {
	if conn == nil {
		return false
	}

	r.mu.Lock()
	current, ok := r.conns[conn.userID]
	removed := ok && current == conn
	if removed {
		delete(r.conns, conn.userID)
	}
	r.detachLocked(conn)
	hook := r.hook
	r.mu.Unlock()

	conn.Close()
	if !removed {
		return false
	}

	observability.RealtimeConnections().Dec()
	r.logger.Debug().Uint("user_id", conn.userID).Str("connection_id", conn.id).Msg("connection unregistered")
	if hook != nil {
		hook.ConnectionClosed(ctx, conn)
	}
	return true
}

// IsReachable reports whether the user has a live connection on this node.
func (r *Registry) IsReachable(userID uint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[userID]
	return ok
}

// Connection returns the user's current connection.
func (r *Registry) Connection(userID uint) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[userID]
	return conn, ok
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// JoinRoom subscribes the user's connection to room.
func (r *Registry) JoinRoom(userID uint, room Room) error {
	if err := room.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[userID]
	if !ok {
		return ErrNotConnected
	}
	r.joinLocked(conn, room)
	return nil
}

// LeaveRoom unsubscribes the user's connection from room. The user room cannot be left.
func (r *Registry) LeaveRoom(userID uint, room Room) error {
	if err := room.Validate(); err != nil {
		return err
	}
	if room == UserRoom(userID) {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[userID]
	if !ok {
		return ErrNotConnected
	}
	r.leaveLocked(conn, room)
	return nil
}

// InRoom reports whether the user's connection is currently subscribed to room.
func (r *Registry) InRoom(userID uint, room Room) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[userID]
	if !ok {
		return false
	}
	_, joined := conn.rooms[room]
	return joined
}

// EmitToRoom delivers event to every member of room and forwards it to other nodes.
func (r *Registry) EmitToRoom(room Room, event Event) int {
	return r.emit(room, event, 0)
}

// EmitToRoomExcept delivers event to every member of room other than except.
func (r *Registry) EmitToRoomExcept(room Room, event Event, except uint) int {
	return r.emit(room, event, except)
}

// EmitToUser delivers event to the user's own room.
func (r *Registry) EmitToUser(userID uint, event Event) int {
	return r.emit(UserRoom(userID), event, 0)
}

func (r *Registry) emit(room Room, event Event, except uint) int {
	delivered := r.Deliver(room, event, except)

	r.mu.RLock()
	publisher := r.publisher
	r.mu.RUnlock()
	if publisher != nil {
		publisher.Publish(room, event, except)
	}
	return delivered
}

// Deliver enqueues event on local members of room only. Recipients are snapshotted under the
// read lock and enqueued after it is released; a full queue drops the event and closes that connection.
func (r *Registry) Deliver(room Room, event Event, except uint) int {
	if err := room.Validate(); err != nil {
		r.logger.Warn().Err(err).Str("event", event.Type).Msg("refusing to emit to invalid room")
		return 0
	}

	r.mu.RLock()
	members := r.rooms[room]
	recipients := make([]*Connection, 0, len(members))
	for conn := range members {
		if except != 0 && conn.userID == except {
			continue
		}
		recipients = append(recipients, conn)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range recipients {
		if conn.Enqueue(event) {
			delivered++
			continue
		}
		if conn.Closed() {
			observability.RealtimeEventsDropped().WithLabelValues("connection_closed").Inc()
			continue
		}
		observability.RealtimeEventsDropped().WithLabelValues("slow_consumer").Inc()
		r.logger.Warn().
			Uint("user_id", conn.userID).
			Str("connection_id", conn.id).
			Str("room", room.String()).
			Str("event", event.Type).
			Msg("outbound queue full, disconnecting slow consumer")
		conn.Close()
	}
	return delivered
}

// StaleConnections lists connections whose last heartbeat is older than cutoff.
func (r *Registry) StaleConnections(cutoff time.Time) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stale := make([]*Connection, 0)
	for _, conn := range r.conns {
		if conn.LastHeartbeat().Before(cutoff) {
			stale = append(stale, conn)
		}
	}
	return stale
}

// CloseAll closes every transport; readers unregister their own connections.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
}

func (r *Registry) joinLocked(conn *Connection, room Room) {
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[*Connection]struct{})
		r.rooms[room] = members
	}
	members[conn] = struct{}{}
	conn.rooms[room] = struct{}{}
}

func (r *Registry) leaveLocked(conn *Connection, room Room) {
	if members, ok := r.rooms[room]; ok {
		delete(members, conn)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	delete(conn.rooms, room)
}

func (r *Registry) detachLocked(conn *Connection) {
	for room := range conn.rooms {
		r.leaveLocked(conn, room)
	}
}
