package realtime

import (
	"sort"
	"sync"

	v1 "taskhive/shared/contracts/realtime/v1"
)

// Registry tracks connected sessions and their room memberships.
//
// A session may belong to any number of rooms; rooms are created on first join and
// dropped when their last member leaves. Each gateway owns its own Registry.
type Registry struct {
	metrics *Metrics

	mu           sync.RWMutex
	sessions     map[string]*Client            // sessionID -> client
	rooms        map[string]map[string]*Client // conversationID -> sessionID -> client
	sessionRooms map[string]map[string]struct{}
}

// NewRegistry constructs an empty Registry. metrics may be nil.
func NewRegistry(metrics *Metrics) *Registry {
	return &Registry{
		metrics:      metrics,
		sessions:     make(map[string]*Client),
		rooms:        make(map[string]map[string]*Client),
		sessionRooms: make(map[string]map[string]struct{}),
	}
}

// Attach registers a connected session.
func (r *Registry) Attach(c *Client) {
	if c == nil || c.SessionID == "" {
		return
	}
	r.mu.Lock()
	r.sessions[c.SessionID] = c
	r.reportLocked()
	r.mu.Unlock()
}

// Detach removes the session from every room and forgets it.
// It returns the rooms the session was a member of.
func (r *Registry) Detach(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left []string
	for roomID := range r.sessionRooms[sessionID] {
		left = append(left, roomID)
		r.leaveLocked(roomID, sessionID)
	}
	delete(r.sessionRooms, sessionID)
	delete(r.sessions, sessionID)
	r.reportLocked()

	sort.Strings(left)
	return left
}

// Join adds an attached session to a room. Joining twice is a no-op.
// It reports whether the session is a member afterwards.
func (r *Registry) Join(conversationID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.sessions[sessionID]
	if !ok {
		return false
	}

	room := r.rooms[conversationID]
	if room == nil {
		room = make(map[string]*Client)
		r.rooms[conversationID] = room
	}
	room[sessionID] = c

	memberships := r.sessionRooms[sessionID]
	if memberships == nil {
		memberships = make(map[string]struct{})
		r.sessionRooms[sessionID] = memberships
	}
	memberships[conversationID] = struct{}{}
	r.reportLocked()
	return true
}

// Leave removes the session from one room.
func (r *Registry) Leave(conversationID, sessionID string) {
	r.mu.Lock()
	r.leaveLocked(conversationID, sessionID)
	r.reportLocked()
	r.mu.Unlock()
}

// Broadcast enqueues env to every current member of the room without blocking.
// Members whose queue is full miss the event. It returns the number of sessions reached.
func (r *Registry) Broadcast(conversationID string, env v1.Envelope) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for _, c := range r.rooms[conversationID] {
		if c.Deliver(env) {
			delivered++
		}
	}
	return delivered
}

// IsMember reports whether the session is currently in the room.
func (r *Registry) IsMember(conversationID, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[conversationID][sessionID]
	return ok
}

// Members returns the sorted session ids currently in the room.
func (r *Registry) Members(conversationID string) []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.rooms[conversationID]))
	for id := range r.rooms[conversationID] {
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// RoomsOf returns the sorted rooms the session belongs to.
func (r *Registry) RoomsOf(sessionID string) []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.sessionRooms[sessionID]))
	for id := range r.sessionRooms[sessionID] {
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Counts returns the number of attached sessions and non-empty rooms.
func (r *Registry) Counts() (sessions, rooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), len(r.rooms)
}

// CloseAll signals every attached session to shut down. Sessions detach themselves
// as their connections unwind.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.sessions))
	for _, c := range r.sessions {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}

func (r *Registry) leaveLocked(conversationID, sessionID string) {
	room := r.rooms[conversationID]
	if room == nil {
		return
	}
	delete(room, sessionID)
	if len(room) == 0 {
		delete(r.rooms, conversationID)
	}
	if memberships, ok := r.sessionRooms[sessionID]; ok {
		delete(memberships, conversationID)
		if len(memberships) == 0 {
			delete(r.sessionRooms, sessionID)
		}
	}
}

func (r *Registry) reportLocked() {
	r.metrics.setPresence(len(r.sessions), len(r.rooms))
}
