// Package presence maintains each room's online set from join, leave and
// sync events. The set is eventually consistent: it tolerates staleness
// after a hard disconnect and is repaired by a full resync on reconnect.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/civicly/chatsync/internal/event"
)

// Entry is one user's presence within a room.
type Entry struct {
	UserID   string
	UserName string
	Status   string
	LastSeen time.Time
}

// Tracker holds per-room presence state.
type Tracker struct {
	log *slog.Logger

	mu    sync.Mutex
	rooms map[string]map[string]Entry

	// OnChange fires whenever a room's online set changes.
	OnChange func(roomID string, online []string)
}

func New(log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		log:      log,
		rooms:    make(map[string]map[string]Entry),
		OnChange: func(string, []string) {},
	}
}

// HandleJoin records a user coming online in the room.
func (t *Tracker) HandleJoin(roomID string, p event.Presence) {
	t.mu.Lock()
	room, ok := t.rooms[roomID]
	if !ok {
		room = make(map[string]Entry)
		t.rooms[roomID] = room
	}
	room[p.UserID] = entryFrom(p)
	t.mu.Unlock()
	t.notify(roomID)
}

// HandleLeave records a user going offline in the room.
func (t *Tracker) HandleLeave(roomID string, p event.Presence) {
	t.mu.Lock()
	room, ok := t.rooms[roomID]
	if ok {
		delete(room, p.UserID)
		if len(room) == 0 {
			delete(t.rooms, roomID)
		}
	}
	t.mu.Unlock()
	if ok {
		t.notify(roomID)
	}
}

// HandleSync replaces the room's presence set wholesale with the server's
// authoritative snapshot. This is the reconnect repair path: incremental
// events missed while disconnected are made irrelevant.
func (t *Tracker) HandleSync(roomID string, sync event.PresenceSync) {
	room := make(map[string]Entry, len(sync.Users))
	for _, p := range sync.Users {
		room[p.UserID] = entryFrom(p)
	}

	t.mu.Lock()
	if len(room) == 0 {
		delete(t.rooms, roomID)
	} else {
		t.rooms[roomID] = room
	}
	t.mu.Unlock()

	t.log.Debug("presence resynced", "room", roomID, "online", len(room))
	t.notify(roomID)
}

// Online returns the room's online user ids, sorted.
func (t *Tracker) Online(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[roomID]
	out := make([]string, 0, len(room))
	for id := range room {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Entry returns a user's presence in the room, if known.
func (t *Tracker) Entry(roomID, userID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.rooms[roomID][userID]
	return e, ok
}

// DropRoom forgets the room's presence state.
func (t *Tracker) DropRoom(roomID string) {
	t.mu.Lock()
	delete(t.rooms, roomID)
	t.mu.Unlock()
}

func (t *Tracker) notify(roomID string) {
	t.OnChange(roomID, t.Online(roomID))
}

func entryFrom(p event.Presence) Entry {
	e := Entry{
		UserID:   p.UserID,
		UserName: p.UserName,
		Status:   p.Status,
	}
	if e.Status == "" {
		e.Status = "online"
	}
	if p.LastSeen > 0 {
		e.LastSeen = time.UnixMilli(p.LastSeen)
	} else {
		e.LastSeen = time.Now()
	}
	return e
}
