package dispatch

import (
	"time"

	"github.com/civicly/chatsync/internal/event"
	"github.com/civicly/chatsync/internal/model"
)

// Confirm reconciles one server-confirmed message into the room's list and
// returns the resulting entry. The boolean is false when the delivery was a
// duplicate and the list did not change, so callers can skip re-notifying.
//
// Matching order: echoed client id (exact), then the sender+content
// heuristic within the reconcile window. A match is replaced in place,
// preserving list position; no match appends, deduplicated by final id.
// The whole operation is idempotent under duplicate delivery.
func (d *Dispatcher) Confirm(roomID string, nm event.NewMessage) (model.Message, bool) {
	final := model.Message{
		ID:          nm.ID,
		ClientID:    nm.ClientID,
		RoomID:      roomID,
		SenderID:    nm.SenderID,
		Content:     nm.Content,
		MessageType: nm.MessageType,
		CreatedAt:   time.UnixMilli(nm.CreatedAt),
		Status:      model.StatusSent,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	rs := d.room(roomID)

	// Duplicate delivery of an already-final message.
	for i := range rs.messages {
		if rs.messages[i].ID == nm.ID && nm.ID != "" {
			return rs.messages[i], false
		}
	}

	if i := d.matchProvisional(rs, nm); i >= 0 {
		if final.ClientID == "" {
			final.ClientID = rs.messages[i].ClientID
		}
		rs.messages[i] = final
		if d.opts.Metrics != nil {
			d.opts.Metrics.MessagesConfirmed.Inc()
		}
		return final, true
	}

	rs.messages = append(rs.messages, final)
	d.bound(rs)
	return final, true
}

// ConfirmBatch reconciles a batched delivery in order, returning the entries
// that changed the list.
func (d *Dispatcher) ConfirmBatch(roomID string, batch event.NewBatch) []model.Message {
	var changed []model.Message
	for _, nm := range batch.Messages {
		if msg, ok := d.Confirm(roomID, nm); ok {
			changed = append(changed, msg)
		}
	}
	return changed
}

// matchProvisional finds the provisional entry the confirmation corresponds
// to, or -1. Callers hold d.mu.
func (d *Dispatcher) matchProvisional(rs *roomState, nm event.NewMessage) int {
	// Exact correlation via the echoed client id.
	if nm.ClientID != "" {
		for i := range rs.messages {
			if rs.messages[i].Provisional() && rs.messages[i].ClientID == nm.ClientID {
				return i
			}
		}
		return -1
	}

	// Heuristic fallback for servers that do not echo the client id:
	// same sender, same content, created within the reconcile window.
	// Scan newest first so rapid duplicates resolve to the latest entry.
	serverTime := time.UnixMilli(nm.CreatedAt)
	for i := len(rs.messages) - 1; i >= 0; i-- {
		m := rs.messages[i]
		if !m.Provisional() || m.Status == model.StatusFailed {
			continue
		}
		if m.SenderID != nm.SenderID || m.Content != nm.Content {
			continue
		}
		gap := serverTime.Sub(m.CreatedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap <= d.opts.ReconcileWindow {
			return i
		}
	}
	return -1
}
