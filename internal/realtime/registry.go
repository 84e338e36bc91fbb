package realtime

import (
	"sync"

	"github.com/google/uuid"
)

// Sender is one open realtime connection. Send must not block; an
// implementation drops the event if the peer cannot keep up.
type Sender interface {
	Send(event Event) error
}

// Registry tracks which users hold an open realtime connection and which
// session rooms each has joined. Entries are ephemeral: created on connect,
// destroyed on disconnect, never persisted. The coordinator only ever talks
// to this interface so a multi-instance deployment can swap in a pub/sub
// backed implementation.
type Registry interface {
	Connect(userID uuid.UUID, s Sender)
	Disconnect(userID uuid.UUID)
	JoinRoom(roomID string, userID uuid.UUID)
	LeaveRoom(roomID string, userID uuid.UUID)
	IsOnline(userID uuid.UUID) bool
	// SendToUser reports whether delivery was attempted, meaning the user
	// had a connection. It is not an acknowledgement of receipt.
	SendToUser(userID uuid.UUID, event Event) bool
	BroadcastToRoom(roomID string, event Event)
}

type memoryRegistry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]Sender
	rooms map[string]map[uuid.UUID]struct{}
}

func NewRegistry() Registry {
	return &memoryRegistry{
		conns: make(map[uuid.UUID]Sender),
		rooms: make(map[string]map[uuid.UUID]struct{}),
	}
}

func (r *memoryRegistry) Connect(userID uuid.UUID, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[userID] = s
}

func (r *memoryRegistry) Disconnect(userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, userID)
	for roomID, members := range r.rooms {
		delete(members, userID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
}

func (r *memoryRegistry) JoinRoom(roomID string, userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[uuid.UUID]struct{})
		r.rooms[roomID] = members
	}
	members[userID] = struct{}{}
}

func (r *memoryRegistry) LeaveRoom(roomID string, userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

func (r *memoryRegistry) IsOnline(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[userID]
	return ok
}

func (r *memoryRegistry) SendToUser(userID uuid.UUID, event Event) bool {
	r.mu.RLock()
	s, ok := r.conns[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	_ = s.Send(event)
	return true
}

func (r *memoryRegistry) BroadcastToRoom(roomID string, event Event) {
	r.mu.RLock()
	members, ok := r.rooms[roomID]
	if !ok {
		r.mu.RUnlock()
		return
	}
	senders := make([]Sender, 0, len(members))
	for userID := range members {
		if s, online := r.conns[userID]; online {
			senders = append(senders, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range senders {
		_ = s.Send(event)
	}
}
