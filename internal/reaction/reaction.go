// Package reaction aggregates per-message reaction counts. Local mutations
// apply optimistically; the server's resulting count, once received,
// overwrites the optimistic value rather than adding to it.
package reaction

import (
	"log/slog"
	"sync"

	"github.com/civicly/chatsync/internal/event"
)

// Sender transmits one envelope.
type Sender func(event.Envelope) error

// Aggregator holds reaction counts keyed by message and symbol.
type Aggregator struct {
	userID string
	send   Sender
	log    *slog.Logger

	mu       sync.Mutex
	messages map[string]map[string]int

	// OnChange fires when a message's reaction set changes.
	OnChange func(messageID string, reactions map[string]int)
}

func New(userID string, send Sender, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		userID:   userID,
		send:     send,
		log:      log,
		messages: make(map[string]map[string]int),
		OnChange: func(string, map[string]int) {},
	}
}

// Add optimistically increments the local count and transmits the mutation.
func (a *Aggregator) Add(roomID, messageID, symbol string) error {
	a.apply(messageID, symbol, +1)
	return a.transmit(event.KindReactionAdd, roomID, messageID, symbol)
}

// Remove optimistically decrements the local count (never below zero) and
// transmits the mutation.
func (a *Aggregator) Remove(roomID, messageID, symbol string) error {
	a.apply(messageID, symbol, -1)
	return a.transmit(event.KindReactionRem, roomID, messageID, symbol)
}

// HandleEvent applies an authoritative server count. The count overwrites
// whatever optimistic value is held locally; a zero count deletes the entry.
func (a *Aggregator) HandleEvent(r event.Reaction) {
	a.mu.Lock()
	a.set(r.MessageID, r.Symbol, r.Count)
	a.mu.Unlock()
	a.OnChange(r.MessageID, a.Reactions(r.MessageID))
}

// Reactions returns a snapshot of a message's reaction counts.
func (a *Aggregator) Reactions(messageID string) map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	counts := a.messages[messageID]
	out := make(map[string]int, len(counts))
	for sym, n := range counts {
		out[sym] = n
	}
	return out
}

// DropMessage forgets a message's reactions, e.g. when it is evicted from
// the bounded history.
func (a *Aggregator) DropMessage(messageID string) {
	a.mu.Lock()
	delete(a.messages, messageID)
	a.mu.Unlock()
}

func (a *Aggregator) apply(messageID, symbol string, delta int) {
	a.mu.Lock()
	counts := a.messages[messageID]
	next := counts[symbol] + delta
	a.set(messageID, symbol, next)
	a.mu.Unlock()
	a.OnChange(messageID, a.Reactions(messageID))
}

// set writes a count, removing zero-or-below entries. Callers hold a.mu.
func (a *Aggregator) set(messageID, symbol string, count int) {
	counts, ok := a.messages[messageID]
	if count <= 0 {
		if ok {
			delete(counts, symbol)
			if len(counts) == 0 {
				delete(a.messages, messageID)
			}
		}
		return
	}
	if !ok {
		counts = make(map[string]int)
		a.messages[messageID] = counts
	}
	counts[symbol] = count
}

func (a *Aggregator) transmit(kind event.Kind, roomID, messageID, symbol string) error {
	env, err := event.New(kind, roomID, event.Reaction{
		MessageID: messageID,
		Symbol:    symbol,
		UserID:    a.userID,
	})
	if err != nil {
		return err
	}
	if err := a.send(env); err != nil {
		a.log.Debug("reaction send failed", "message", messageID, "error", err)
		return err
	}
	return nil
}
