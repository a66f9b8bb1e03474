// Package dispatch implements outbound message batching, optimistic local
// state, and reconciliation of provisional messages against their
// server-confirmed counterparts.
package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civicly/chatsync/internal/conn"
	"github.com/civicly/chatsync/internal/errs"
	"github.com/civicly/chatsync/internal/event"
	"github.com/civicly/chatsync/internal/metrics"
	"github.com/civicly/chatsync/internal/model"
	"github.com/civicly/chatsync/internal/timers"
)

// Sender transmits one envelope. In production this is Conn.Send.
type Sender func(event.Envelope) error

// Options tunes the dispatcher.
type Options struct {
	// FlushInterval is how long a batch window stays open.
	FlushInterval time.Duration
	// Retry bounds transport-level send retries.
	Retry conn.Backoff
	// HistoryBound caps per-room in-memory history; oldest evicted first.
	HistoryBound int
	// ReconcileWindow bounds the provisional-match search by creation time.
	ReconcileWindow time.Duration
	// SenderID stamps outbound messages.
	SenderID string

	Arena   *timers.Arena
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// OnError receives retry-exhaustion and validation failures.
	OnError func(error)
	// OnEvict observes the server-assigned ids of messages evicted from the
	// bounded history. Runs with the dispatcher lock held; implementations
	// must not call back into the dispatcher.
	OnEvict func(messageIDs []string)
}

func (o *Options) defaults() {
	if o.FlushInterval == 0 {
		o.FlushInterval = 50 * time.Millisecond
	}
	if o.Retry.Base == 0 {
		o.Retry = conn.Backoff{Base: 500 * time.Millisecond, Max: 5 * time.Second, MaxAttempts: 3}
	}
	if o.HistoryBound == 0 {
		o.HistoryBound = 1000
	}
	if o.ReconcileWindow == 0 {
		o.ReconcileWindow = 5 * time.Second
	}
	if o.Arena == nil {
		o.Arena = timers.NewArena()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.OnError == nil {
		o.OnError = func(error) {}
	}
	if o.OnEvict == nil {
		o.OnEvict = func([]string) {}
	}
}

type roomState struct {
	messages []model.Message
	queue    []event.SendMessage
	attempts int
}

// Dispatcher batches sends per room and keeps each room's bounded message
// list reconciled with the server.
type Dispatcher struct {
	opts Options
	send Sender
	log  *slog.Logger

	mu    sync.Mutex
	rooms map[string]*roomState
}

func New(send Sender, opts Options) *Dispatcher {
	opts.defaults()
	return &Dispatcher{
		opts:  opts,
		send:  send,
		log:   opts.Logger,
		rooms: make(map[string]*roomState),
	}
}

// Send creates a provisional message, appends it to the room's local list
// and queues it for the next batch flush. The returned message carries the
// client-generated id and pending status; confirmation arrives
// asynchronously.
func (d *Dispatcher) Send(roomID, content string) model.Message {
	now := time.Now()
	msg := model.Message{
		ClientID:    "tmp-" + uuid.NewString(),
		RoomID:      roomID,
		SenderID:    d.opts.SenderID,
		Content:     content,
		MessageType: "text",
		CreatedAt:   now,
		Status:      model.StatusPending,
	}

	d.mu.Lock()
	rs := d.room(roomID)
	rs.messages = append(rs.messages, msg)
	d.bound(rs)
	rs.queue = append(rs.queue, event.SendMessage{
		ClientID:    msg.ClientID,
		SenderID:    msg.SenderID,
		Content:     msg.Content,
		MessageType: msg.MessageType,
		ClientTime:  now.UnixMilli(),
	})
	d.mu.Unlock()

	if d.opts.Metrics != nil {
		d.opts.Metrics.MessagesSent.Inc()
	}

	d.scheduleFlush(roomID)
	return msg
}

// scheduleFlush opens the room's batch window unless one is already open or
// a retry is pending. The window never slides: a steady stream of sends
// still flushes every FlushInterval, and a send arriving during a retry
// backoff waits for the retry instead of resetting its delay.
func (d *Dispatcher) scheduleFlush(roomID string) {
	if d.opts.Arena.Active(flushKey(roomID)) || d.opts.Arena.Active(retryKey(roomID)) {
		return
	}
	d.opts.Arena.Set(flushKey(roomID), d.opts.FlushInterval, func() {
		d.flush(roomID)
	})
}

func flushKey(roomID string) string { return "flush:" + roomID }
func retryKey(roomID string) string { return "retry:" + roomID }

// FlushRoom forces an immediate flush of the room's pending batch,
// performing the transport call before returning. Called on room leave and
// engine teardown so no message is silently dropped on navigation.
func (d *Dispatcher) FlushRoom(roomID string) {
	d.opts.Arena.Cancel(flushKey(roomID))
	d.opts.Arena.Cancel(retryKey(roomID))
	d.flush(roomID)
}

// FlushAll flushes every room with a pending batch.
func (d *Dispatcher) FlushAll() {
	d.mu.Lock()
	ids := make([]string, 0, len(d.rooms))
	for id, rs := range d.rooms {
		if len(rs.queue) > 0 {
			ids = append(ids, id)
		}
	}
	d.mu.Unlock()
	for _, id := range ids {
		d.FlushRoom(id)
	}
}

// flush drains the room's queue into one transport call. Single queued
// message goes out in the single form, several in the batched-array form.
func (d *Dispatcher) flush(roomID string) {
	d.mu.Lock()
	rs := d.room(roomID)
	batch := rs.queue
	rs.queue = nil
	attempt := rs.attempts
	d.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	d.transmit(roomID, batch, attempt)
}

func (d *Dispatcher) transmit(roomID string, batch []event.SendMessage, attempt int) {
	var env event.Envelope
	var err error
	if len(batch) == 1 {
		env, err = event.New(event.KindSendMessage, roomID, batch[0])
	} else {
		env, err = event.New(event.KindSendBatch, roomID, event.SendBatch{Messages: batch})
	}
	if err != nil {
		d.opts.OnError(err)
		return
	}

	if sendErr := d.send(env); sendErr != nil {
		d.handleSendFailure(roomID, batch, attempt, sendErr)
		return
	}

	d.mu.Lock()
	d.room(roomID).attempts = 0
	d.mu.Unlock()
	if d.opts.Metrics != nil {
		d.opts.Metrics.BatchesFlushed.Inc()
	}
}

// handleSendFailure requeues the batch and schedules a delayed retry, or
// marks every message failed once attempts are exhausted.
func (d *Dispatcher) handleSendFailure(roomID string, batch []event.SendMessage, attempt int, sendErr error) {
	if !errs.Retryable(sendErr) || d.opts.Retry.Exhausted(attempt+1) {
		d.log.Warn("send exhausted", "room", roomID, "messages", len(batch), "error", sendErr)
		clientIDs := make([]string, len(batch))
		for i, m := range batch {
			clientIDs[i] = m.ClientID
		}
		d.MarkFailed(roomID, clientIDs)
		d.mu.Lock()
		d.room(roomID).attempts = 0
		d.mu.Unlock()
		d.opts.OnError(sendErr)
		return
	}

	d.mu.Lock()
	rs := d.room(roomID)
	rs.queue = append(batch, rs.queue...)
	rs.attempts = attempt + 1
	d.mu.Unlock()

	delay := d.opts.Retry.Delay(attempt)
	d.log.Debug("retrying send", "room", roomID, "attempt", attempt+1, "delay", delay)
	d.opts.Arena.Set(retryKey(roomID), delay, func() {
		d.flush(roomID)
	})
}

// MarkFailed flips the listed provisional messages to failed status. They
// remain in the list for a caller-triggered resend.
func (d *Dispatcher) MarkFailed(roomID string, clientIDs []string) {
	ids := make(map[string]struct{}, len(clientIDs))
	for _, id := range clientIDs {
		ids[id] = struct{}{}
	}

	d.mu.Lock()
	rs := d.room(roomID)
	for i := range rs.messages {
		if _, ok := ids[rs.messages[i].ClientID]; ok && rs.messages[i].Provisional() {
			rs.messages[i].Status = model.StatusFailed
		}
	}
	d.mu.Unlock()

	if d.opts.Metrics != nil {
		d.opts.Metrics.MessagesFailed.Add(float64(len(clientIDs)))
	}
}

// Resend re-queues a failed message. Returns false when no failed message
// with that client id exists in the room.
func (d *Dispatcher) Resend(roomID, clientID string) bool {
	d.mu.Lock()
	rs := d.room(roomID)
	var found *model.Message
	for i := range rs.messages {
		if rs.messages[i].ClientID == clientID && rs.messages[i].Status == model.StatusFailed {
			found = &rs.messages[i]
			break
		}
	}
	if found == nil {
		d.mu.Unlock()
		return false
	}
	found.Status = model.StatusPending
	rs.queue = append(rs.queue, event.SendMessage{
		ClientID:    found.ClientID,
		SenderID:    found.SenderID,
		Content:     found.Content,
		MessageType: found.MessageType,
		ClientTime:  time.Now().UnixMilli(),
	})
	d.mu.Unlock()

	d.scheduleFlush(roomID)
	return true
}

// Messages returns a snapshot of the room's list in order.
func (d *Dispatcher) Messages(roomID string) []model.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	rs, ok := d.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]model.Message, len(rs.messages))
	copy(out, rs.messages)
	return out
}

// SeedHistory loads persisted messages into an empty room. The live event
// stream never rebuilds history; this is the only entry point for it.
func (d *Dispatcher) SeedHistory(roomID string, msgs []model.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rs := d.room(roomID)
	if len(rs.messages) > 0 {
		return
	}
	rs.messages = append(rs.messages, msgs...)
	d.bound(rs)
}

// DropRoom cancels the room's flush and retry timers and forgets its state.
// Callers flush first.
func (d *Dispatcher) DropRoom(roomID string) {
	d.opts.Arena.Cancel(flushKey(roomID))
	d.opts.Arena.Cancel(retryKey(roomID))
	d.mu.Lock()
	delete(d.rooms, roomID)
	d.mu.Unlock()
}

// Pending reports how many messages are queued for the room's next flush.
func (d *Dispatcher) Pending(roomID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	rs, ok := d.rooms[roomID]
	if !ok {
		return 0
	}
	return len(rs.queue)
}

// room returns the state for roomID, creating it on first touch.
// Callers hold d.mu.
func (d *Dispatcher) room(roomID string) *roomState {
	rs, ok := d.rooms[roomID]
	if !ok {
		rs = &roomState{}
		d.rooms[roomID] = rs
	}
	return rs
}

// bound evicts oldest entries past the history cap, reporting confirmed
// evictions through OnEvict so dependent state (reaction counts) is released
// with them. Callers hold d.mu.
func (d *Dispatcher) bound(rs *roomState) {
	over := len(rs.messages) - d.opts.HistoryBound
	if over <= 0 {
		return
	}
	evicted := make([]string, 0, over)
	for _, m := range rs.messages[:over] {
		if m.ID != "" {
			evicted = append(evicted, m.ID)
		}
	}
	rs.messages = rs.messages[over:]
	if len(evicted) > 0 {
		d.opts.OnEvict(evicted)
	}
}
