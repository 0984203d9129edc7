package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// registry tracks which clients belong to which user and which match room.
// Players live in byMatch, read-only sessions in bySpectator; a client sits
// in at most one room at a time and rejoining moves it.
type registry struct {
	mu sync.RWMutex

	// address → connections of that user
	byUser map[string]map[*Client]struct{}

	// match id → subscribed player connections
	byMatch map[uuid.UUID]map[*Client]struct{}

	// match id → read-only spectator connections
	bySpectator map[uuid.UUID]map[*Client]struct{}
}

func newRegistry() *registry {
	return &registry{
		byUser:      make(map[string]map[*Client]struct{}),
		byMatch:     make(map[uuid.UUID]map[*Client]struct{}),
		bySpectator: make(map[uuid.UUID]map[*Client]struct{}),
	}
}

// addUser registers a connection under its address. Returns the new
// connection count for the user.
func (r *registry) addUser(c *Client) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byUser[c.address]
	if !ok {
		set = make(map[*Client]struct{})
		r.byUser[c.address] = set
	}
	set[c] = struct{}{}
	return len(set)
}

// userConns returns how many connections the address currently holds.
func (r *registry) userConns(address string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[address])
}

// rooms returns the room map the client belongs in.
func (r *registry) rooms(c *Client) map[uuid.UUID]map[*Client]struct{} {
	if c.spectator {
		return r.bySpectator
	}
	return r.byMatch
}

// leaveRoomLocked drops the connection from its current room. Caller holds mu.
func (r *registry) leaveRoomLocked(c *Client) {
	if c.matchID == nil {
		return
	}
	rooms := r.rooms(c)
	if room, ok := rooms[*c.matchID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(rooms, *c.matchID)
		}
	}
}

// remove drops the connection from its user set and any room.
// Returns true when it was the user's last connection.
func (r *registry) remove(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.byUser[c.address]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.byUser, c.address)
		}
	}
	r.leaveRoomLocked(c)
	return len(r.byUser[c.address]) == 0
}

// joinMatch moves the connection into a match's player room.
func (r *registry) joinMatch(c *Client, matchID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveRoomLocked(c)
	id := matchID
	c.matchID = &id
	room, ok := r.byMatch[matchID]
	if !ok {
		room = make(map[*Client]struct{})
		r.byMatch[matchID] = room
	}
	room[c] = struct{}{}
}

// spectate moves the connection into a match's spectator room.
func (r *registry) spectate(c *Client, matchID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveRoomLocked(c)
	c.spectator = true
	id := matchID
	c.matchID = &id
	room, ok := r.bySpectator[matchID]
	if !ok {
		room = make(map[*Client]struct{})
		r.bySpectator[matchID] = room
	}
	room[c] = struct{}{}
}

// ──────────────────────────────────────────────────────────────────────────────
// Fan-out — implements service.MatchNotifier via the Hub
// ──────────────────────────────────────────────────────────────────────────────

// eventFrame marshals a typed push frame.
func eventFrame(event string, payload interface{}) ([]byte, bool) {
	data, err := json.Marshal(Event{
		Type:      MsgType(event),
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		slog.Error("ws marshal failed", "event", event, "error", err)
		return nil, false
	}
	return data, true
}

// NotifyMatch pushes an event to every player connection in the match room.
func (h *Hub) NotifyMatch(matchID uuid.UUID, event string, payload interface{}) {
	data, ok := eventFrame(event, payload)
	if !ok {
		return
	}
	h.registry.mu.RLock()
	defer h.registry.mu.RUnlock()
	for c := range h.registry.byMatch[matchID] {
		c.trySend(data)
	}
}

// NotifySpectators pushes an event to the match's spectator room only.
func (h *Hub) NotifySpectators(matchID uuid.UUID, event string, payload interface{}) {
	data, ok := eventFrame(event, payload)
	if !ok {
		return
	}
	h.registry.mu.RLock()
	defer h.registry.mu.RUnlock()
	for c := range h.registry.bySpectator[matchID] {
		c.trySend(data)
	}
}

// NotifyMatchAndSpectators pushes one frame to both rooms.
func (h *Hub) NotifyMatchAndSpectators(matchID uuid.UUID, event string, payload interface{}) {
	data, ok := eventFrame(event, payload)
	if !ok {
		return
	}
	h.registry.mu.RLock()
	defer h.registry.mu.RUnlock()
	for c := range h.registry.byMatch[matchID] {
		c.trySend(data)
	}
	for c := range h.registry.bySpectator[matchID] {
		c.trySend(data)
	}
}

// NotifyUser pushes an event to every connection of one user.
func (h *Hub) NotifyUser(address string, event string, payload interface{}) {
	data, ok := eventFrame(event, payload)
	if !ok {
		return
	}
	h.registry.mu.RLock()
	defer h.registry.mu.RUnlock()
	for c := range h.registry.byUser[address] {
		c.trySend(data)
	}
}

// IsConnected reports whether the address holds at least one live connection.
func (h *Hub) IsConnected(address string) bool {
	return h.registry.userConns(address) > 0
}
