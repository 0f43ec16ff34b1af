// Package connmgr is the process-wide registry of live connections, the
// users they belong to and the rooms they joined.
package connmgr

import (
	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/protocol"
	"go.uber.org/zap"
)

// Sender delivers an encoded frame to one connection without blocking.
// It returns false when the connection can no longer accept frames.
type Sender interface {
	Send(data []byte) bool
}

type entry struct {
	sender Sender
	userID string
}

type idSet = map[string]struct{}

// Manager indexes connections by id, user and room.
//
// A connection id is in the user index only while it is authenticated and in
// a room entry only between JoinRoom and LeaveRoom/Unregister. Secondary
// indexes are cleaned before the primary entry is removed. No method blocks;
// senders are invoked after every shard lock has been released.
type Manager struct {
	conns  *shardedMap[entry]
	users  *shardedMap[idSet]
	rooms  *shardedMap[idSet]
	logger *zap.Logger
}

// New creates an empty manager.
func New(logger *zap.Logger) *Manager {
	return NewWithShards(logger, defaultShardCount)
}

// NewWithShards creates an empty manager with n shards per index.
func NewWithShards(logger *zap.Logger, n int) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		conns:  newShardedMap[entry](n),
		users:  newShardedMap[idSet](n),
		rooms:  newShardedMap[idSet](n),
		logger: logger.With(zap.String("component", "connection_manager")),
	}
}

// Register adds a connection. userID may be empty when the connection is
// still anonymous. Registering an existing id replaces its sender.
func (m *Manager) Register(connID, userID string, sender Sender) {
	if old, ok := m.conns.get(connID); ok && old.userID != "" && old.userID != userID {
		m.removeFromSet(m.users, old.userID, connID)
	}
	m.conns.set(connID, entry{sender: sender, userID: userID})
	if userID != "" {
		m.addToSet(m.users, userID, connID)
	}
	m.logger.Debug("connection registered", zap.String("conn_id", connID), zap.String("user_id", userID))
}

// SetUser records the user a registered connection authenticated as.
// It returns false if the connection is not registered.
func (m *Manager) SetUser(connID, userID string) bool {
	var previous string
	found := false
	m.conns.update(connID, func(e entry, ok bool) (entry, bool) {
		if !ok {
			return e, false
		}
		found = true
		previous = e.userID
		e.userID = userID
		return e, true
	})
	if !found {
		return false
	}
	if previous != "" && previous != userID {
		m.removeFromSet(m.users, previous, connID)
	}
	m.addToSet(m.users, userID, connID)
	m.logger.Debug("connection authenticated", zap.String("conn_id", connID), zap.String("user_id", userID))
	return true
}

// Unregister removes a connection from every index. Every room entry is
// scanned, so stale local room lists on the connection cannot leak
// memberships. userID may be empty; the user recorded at SetUser is used too.
func (m *Manager) Unregister(connID, userID string) {
	rooms := 0
	m.rooms.each(func(items map[string]idSet) {
		for roomID, members := range items {
			if _, ok := members[connID]; !ok {
				continue
			}
			delete(members, connID)
			rooms++
			if len(members) == 0 {
				delete(items, roomID)
			}
		}
	})

	recorded := ""
	if e, ok := m.conns.get(connID); ok {
		recorded = e.userID
	}
	if recorded != "" {
		m.removeFromSet(m.users, recorded, connID)
	}
	if userID != "" && userID != recorded {
		m.removeFromSet(m.users, userID, connID)
	}

	m.conns.remove(connID)
	m.logger.Debug("connection unregistered",
		zap.String("conn_id", connID),
		zap.String("user_id", recorded),
		zap.Int("rooms_left", rooms),
	)
}

// JoinRoom adds a registered connection to a room.
// It returns false if the connection is not registered.
func (m *Manager) JoinRoom(connID, roomID string) bool {
	if _, ok := m.conns.get(connID); !ok {
		return false
	}
	m.addToSet(m.rooms, roomID, connID)
	// An Unregister racing with this call may have scanned the rooms already.
	if _, ok := m.conns.get(connID); !ok {
		m.removeFromSet(m.rooms, roomID, connID)
		return false
	}
	return true
}

// LeaveRoom removes a connection from a room, dropping the room when it becomes empty.
func (m *Manager) LeaveRoom(connID, roomID string) {
	m.removeFromSet(m.rooms, roomID, connID)
}

// SendToConnection delivers msg to one connection and returns 1 on success.
func (m *Manager) SendToConnection(connID string, msg *protocol.ServerMessage) int {
	e, ok := m.conns.get(connID)
	if !ok {
		return 0
	}
	return m.deliver(msg, []Sender{e.sender})
}

// SendToUser delivers msg to every connection of a user.
func (m *Manager) SendToUser(userID string, msg *protocol.ServerMessage) int {
	return m.deliver(msg, m.senders(m.members(m.users, userID), ""))
}

// SendToRoom delivers msg to every connection in a room.
func (m *Manager) SendToRoom(roomID string, msg *protocol.ServerMessage) int {
	return m.deliver(msg, m.senders(m.members(m.rooms, roomID), ""))
}

// SendToRoomExcept delivers msg to every connection in a room except one.
func (m *Manager) SendToRoomExcept(roomID, exceptConnID string, msg *protocol.ServerMessage) int {
	return m.deliver(msg, m.senders(m.members(m.rooms, roomID), exceptConnID))
}

// Broadcast delivers msg to every registered connection.
func (m *Manager) Broadcast(msg *protocol.ServerMessage) int {
	var targets []Sender
	m.conns.rangeRead(func(_ string, e entry) bool {
		targets = append(targets, e.sender)
		return true
	})
	return m.deliver(msg, targets)
}

// IsConnected reports whether a connection id is registered.
func (m *Manager) IsConnected(connID string) bool {
	_, ok := m.conns.get(connID)
	return ok
}

// IsUserConnected reports whether a user has at least one authenticated connection.
func (m *Manager) IsUserConnected(userID string) bool {
	return m.UserConnectionCount(userID) > 0
}

// UserConnectionCount returns the number of connections authenticated as userID.
func (m *Manager) UserConnectionCount(userID string) int {
	return m.setLen(m.users, userID)
}

// RoomConnectionCount returns the number of connections in a room.
func (m *Manager) RoomConnectionCount(roomID string) int {
	return m.setLen(m.rooms, roomID)
}

// RoomMembers returns the connection ids in a room.
func (m *Manager) RoomMembers(roomID string) []string {
	return m.members(m.rooms, roomID)
}

// UserConnections returns the connection ids of a user.
func (m *Manager) UserConnections(userID string) []string {
	return m.members(m.users, userID)
}

// ConnectionCount returns the number of registered connections.
func (m *Manager) ConnectionCount() int {
	return m.conns.len()
}

// Stats returns connection, user and room totals.
func (m *Manager) Stats() kephasgate.Stats {
	return kephasgate.Stats{
		TotalConnections: m.conns.len(),
		UniqueUsers:      m.users.len(),
		ActiveRooms:      m.rooms.len(),
	}
}

func (m *Manager) deliver(msg *protocol.ServerMessage, targets []Sender) int {
	if len(targets) == 0 {
		return 0
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		m.logger.Error("failed to encode outbound message", zap.String("type", msg.Type), zap.Error(err))
		return 0
	}
	sent := 0
	for _, s := range targets {
		if s.Send(data) {
			sent++
		}
	}
	return sent
}

func (m *Manager) senders(ids []string, except string) []Sender {
	out := make([]Sender, 0, len(ids))
	for _, id := range ids {
		if id == except {
			continue
		}
		if e, ok := m.conns.get(id); ok {
			out = append(out, e.sender)
		}
	}
	return out
}

func (m *Manager) members(idx *shardedMap[idSet], key string) []string {
	var ids []string
	idx.view(key, func(set idSet, ok bool) {
		if !ok {
			return
		}
		ids = make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
	})
	return ids
}

func (m *Manager) setLen(idx *shardedMap[idSet], key string) int {
	n := 0
	idx.view(key, func(set idSet, _ bool) { n = len(set) })
	return n
}

func (m *Manager) addToSet(idx *shardedMap[idSet], key, connID string) {
	idx.update(key, func(set idSet, ok bool) (idSet, bool) {
		if !ok {
			set = make(idSet)
		}
		set[connID] = struct{}{}
		return set, true
	})
}

func (m *Manager) removeFromSet(idx *shardedMap[idSet], key, connID string) {
	idx.update(key, func(set idSet, ok bool) (idSet, bool) {
		if !ok {
			return set, false
		}
		delete(set, connID)
		return set, len(set) > 0
	})
}
