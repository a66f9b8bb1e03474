// Package history fetches persisted message history. The external
// persistence service is the source of truth; the engine reads it once when
// a room is first opened and writes confirmed messages through, never
// re-deriving history from the live event stream.
package history

import (
	"context"
	"sort"
	"sync"

	"github.com/civicly/chatsync/internal/model"
)

// Service is the engine's view of the persistence collaborator.
type Service interface {
	// Recent returns up to limit messages for the room, oldest first.
	Recent(ctx context.Context, roomID string, limit int) ([]model.Message, error)

	// Append writes one confirmed message through to the store.
	Append(ctx context.Context, msg model.Message) error
}

// Memory is an in-process Service for tests and offline use.
type Memory struct {
	mu    sync.Mutex
	rooms map[string][]model.Message
}

func NewMemory() *Memory {
	return &Memory{rooms: make(map[string][]model.Message)}
}

func (m *Memory) Recent(_ context.Context, roomID string, limit int) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.rooms[roomID]
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *Memory) Append(_ context.Context, msg model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[msg.RoomID] = append(m.rooms[msg.RoomID], msg)
	return nil
}
