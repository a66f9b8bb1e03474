// Package typing tracks who is typing in each room, with debounced outbound
// notifications and TTL-based auto-expiry for indicators whose stop event
// never arrives.
package typing

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/civicly/chatsync/internal/event"
	"github.com/civicly/chatsync/internal/timers"
)

// Sender transmits one envelope.
type Sender func(event.Envelope) error

// Options tunes the coordinator.
type Options struct {
	// TTL is how long a typing entry lives without refresh.
	TTL time.Duration
	// Debounce collapses rapid local Start calls into one outbound event.
	Debounce time.Duration
	// UserID is the local user.
	UserID string

	Arena  *timers.Arena
	Logger *slog.Logger
	// OnChange fires whenever a room's typing set changes, including
	// TTL-synthesized stops.
	OnChange func(roomID string, typists []string)
}

func (o *Options) defaults() {
	if o.TTL == 0 {
		o.TTL = 3 * time.Second
	}
	if o.Debounce == 0 {
		o.Debounce = 300 * time.Millisecond
	}
	if o.Arena == nil {
		o.Arena = timers.NewArena()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.OnChange == nil {
		o.OnChange = func(string, []string) {}
	}
}

// Coordinator owns per-room typing sets for local and remote users alike.
type Coordinator struct {
	opts Options
	send Sender
	log  *slog.Logger

	mu    sync.Mutex
	rooms map[string]map[string]struct{}
}

func New(send Sender, opts Options) *Coordinator {
	opts.defaults()
	return &Coordinator{
		opts:  opts,
		send:  send,
		log:   opts.Logger,
		rooms: make(map[string]map[string]struct{}),
	}
}

// Start marks the local user typing in the room. The TTL timer restarts on
// every call; the outbound typing_start is debounced so a burst of
// keystrokes produces one event per debounce window.
func (c *Coordinator) Start(roomID string) {
	changed := c.add(roomID, c.opts.UserID)

	c.opts.Arena.Set(ttlKey(roomID, c.opts.UserID), c.opts.TTL, func() {
		c.expire(roomID, c.opts.UserID)
	})

	debKey := "typing:debounce:" + roomID
	if !c.opts.Arena.Active(debKey) {
		c.opts.Arena.Set(debKey, c.opts.Debounce, func() {})
		c.transmit(event.KindTypingStart, roomID)
	}

	if changed {
		c.notify(roomID)
	}
}

// Stop clears the local user's typing state and transmits the stop
// immediately; debounce applies only to starts.
func (c *Coordinator) Stop(roomID string) {
	c.opts.Arena.Cancel(ttlKey(roomID, c.opts.UserID))
	c.opts.Arena.Cancel("typing:debounce:" + roomID)
	if c.remove(roomID, c.opts.UserID) {
		c.transmit(event.KindTypingStop, roomID)
		c.notify(roomID)
	}
}

// HandleTyping applies a remote typing event. Remote entries get the same
// TTL guard, so a lost typing_stop still clears the indicator.
func (c *Coordinator) HandleTyping(roomID, userID string, start bool) {
	if start {
		c.opts.Arena.Set(ttlKey(roomID, userID), c.opts.TTL, func() {
			c.expire(roomID, userID)
		})
		if c.add(roomID, userID) {
			c.notify(roomID)
		}
		return
	}

	c.opts.Arena.Cancel(ttlKey(roomID, userID))
	if c.remove(roomID, userID) {
		c.notify(roomID)
	}
}

// Typists returns the room's current typing set, sorted for stable display.
func (c *Coordinator) Typists(roomID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.rooms[roomID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DropRoom cancels every typing timer for the room and forgets its state.
func (c *Coordinator) DropRoom(roomID string) {
	c.opts.Arena.CancelPrefix("typing:ttl:" + roomID + ":")
	c.opts.Arena.Cancel("typing:debounce:" + roomID)
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

// expire synthesizes a stop after TTL. For the local user the stop is also
// transmitted, since the server never saw one.
func (c *Coordinator) expire(roomID, userID string) {
	if !c.remove(roomID, userID) {
		return
	}
	if userID == c.opts.UserID {
		c.transmit(event.KindTypingStop, roomID)
	}
	c.notify(roomID)
}

func (c *Coordinator) transmit(kind event.Kind, roomID string) {
	env, err := event.New(kind, roomID, event.Typing{UserID: c.opts.UserID})
	if err != nil {
		return
	}
	if err := c.send(env); err != nil {
		// Typing is best-effort; the TTL guard cleans up either way.
		c.log.Debug("typing send failed", "room", roomID, "error", err)
	}
}

func (c *Coordinator) add(roomID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.rooms[roomID]
	if !ok {
		set = make(map[string]struct{})
		c.rooms[roomID] = set
	}
	if _, exists := set[userID]; exists {
		return false
	}
	set[userID] = struct{}{}
	return true
}

func (c *Coordinator) remove(roomID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.rooms[roomID]
	if !ok {
		return false
	}
	if _, exists := set[userID]; !exists {
		return false
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(c.rooms, roomID)
	}
	return true
}

func (c *Coordinator) notify(roomID string) {
	c.opts.OnChange(roomID, c.Typists(roomID))
}

func ttlKey(roomID, userID string) string {
	return "typing:ttl:" + roomID + ":" + userID
}
