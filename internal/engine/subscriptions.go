package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/civicly/chatsync/internal/model"
)

// Handler receives a room's events. Callbacks are optional; nil callbacks
// are skipped. They run on the engine's event goroutine and must not block.
type Handler struct {
	// OnMessage fires for every confirmed message that changes the room
	// list, including reconciled provisional sends.
	OnMessage func(msg model.Message)
	// OnHistory fires once after the room's persisted history is loaded.
	OnHistory func(msgs []model.Message)
	// OnTyping fires when the room's typing set changes.
	OnTyping func(typists []string)
	// OnPresence fires when the room's online set changes.
	OnPresence func(online []string)
	// OnReaction fires when a message's reaction counts change.
	OnReaction func(messageID string, counts map[string]int)
}

// Subscription is one local observer's claim on a room.
type Subscription struct {
	id     string
	roomID string
	e      *Engine
}

// RoomID returns the subscribed room.
func (s *Subscription) RoomID() string { return s.roomID }

// Cancel removes the observer. When the last observer of the room cancels,
// the engine flushes the room's pending batch and leaves it on the server.
func (s *Subscription) Cancel() {
	s.e.unsubscribe(s.roomID, s.id)
}

// registry multiplexes one underlying room subscription across any number
// of local observers. The transport join fires only on the 0 -> 1 observer
// transition, and leave only on 1 -> 0.
type registry struct {
	mu    sync.Mutex
	rooms map[string]map[string]Handler
}

func newRegistry() *registry {
	return &registry{rooms: make(map[string]map[string]Handler)}
}

// add registers a handler and reports whether this was the room's first
// observer.
func (r *registry) add(roomID string, h Handler) (subID string, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.rooms[roomID]
	if !ok {
		subs = make(map[string]Handler)
		r.rooms[roomID] = subs
	}
	subID = uuid.NewString()
	subs[subID] = h
	return subID, len(subs) == 1
}

// remove drops a handler and reports whether the room now has no observers.
func (r *registry) remove(roomID, subID string) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, exists := subs[subID]; !exists {
		return false
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(r.rooms, roomID)
		return true
	}
	return false
}

// handlers snapshots the room's handler set for fan-out outside the lock.
func (r *registry) handlers(roomID string) []Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.rooms[roomID]
	out := make([]Handler, 0, len(subs))
	for _, h := range subs {
		out = append(out, h)
	}
	return out
}

// roomIDs lists every room with at least one observer.
func (r *registry) roomIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		out = append(out, id)
	}
	return out
}
