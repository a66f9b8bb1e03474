// Package engine assembles the sync engine: one shared connection, the
// subscription registry, and the per-room coordinators for messages,
// typing, presence and reactions. An Engine is an explicit, constructed
// instance injected into consumers; there is no ambient global state.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/civicly/chatsync/internal/auth"
	"github.com/civicly/chatsync/internal/config"
	"github.com/civicly/chatsync/internal/conn"
	"github.com/civicly/chatsync/internal/dispatch"
	"github.com/civicly/chatsync/internal/errs"
	"github.com/civicly/chatsync/internal/event"
	"github.com/civicly/chatsync/internal/history"
	"github.com/civicly/chatsync/internal/metrics"
	"github.com/civicly/chatsync/internal/model"
	"github.com/civicly/chatsync/internal/presence"
	"github.com/civicly/chatsync/internal/reaction"
	"github.com/civicly/chatsync/internal/timers"
	"github.com/civicly/chatsync/internal/typing"
)

const historyFetchTimeout = 10 * time.Second

// Params wires an Engine's collaborators. Config and Tokens are required.
type Params struct {
	Config *config.Config
	Tokens auth.TokenSource

	// History is the persistence collaborator; in-memory when nil.
	History history.Service
	// Registry receives the engine's metrics; the default registerer when nil.
	Registry prometheus.Registerer
	Logger   *slog.Logger

	// ConnOptions overrides the connection options wholesale, for tests
	// that inject a fake transport.
	ConnOptions *conn.Options
}

// Engine owns all connection state, registries and caches for one client.
type Engine struct {
	cfg     *config.Config
	log     *slog.Logger
	met     *metrics.Metrics
	ownerID string

	idMu     sync.Mutex
	identity auth.Identity

	mgr   *conn.Manager
	conn  *conn.Conn
	arena *timers.Arena

	dispatcher *dispatch.Dispatcher
	typing     *typing.Coordinator
	presence   *presence.Tracker
	reactions  *reaction.Aggregator
	hist       history.Service

	subs   *registry
	errors chan error
	done   chan struct{}
}

// New resolves the identity, acquires the pooled connection and starts the
// engine's event loop. The connection comes up asynchronously; sends queued
// before it is ready ride the dispatcher's retry path.
func New(ctx context.Context, p Params) (*Engine, error) {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.History == nil {
		p.History = history.NewMemory()
	}

	identity, err := auth.Resolve(ctx, p.Tokens)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      p.Config,
		log:      p.Logger,
		met:      metrics.New(p.Registry),
		identity: identity,
		ownerID:  uuid.NewString(),
		arena:    timers.NewArena(),
		presence: presence.New(p.Logger),
		hist:     p.History,
		subs:     newRegistry(),
		errors:   make(chan error, 32),
		done:     make(chan struct{}),
	}

	connOpts := conn.Options{
		HeartbeatInterval: p.Config.HeartbeatInterval,
		Reconnect: conn.Backoff{
			Base:        p.Config.ReconnectBase,
			Max:         p.Config.ReconnectMax,
			MaxAttempts: p.Config.ReconnectAttempts,
		},
		Logger:  p.Logger,
		Metrics: e.met,
	}
	if p.ConnOptions != nil {
		connOpts = *p.ConnOptions
	}

	e.mgr = conn.NewManager(p.Config.PoolCapacity, connOpts)
	c, err := e.mgr.Acquire(ctx, p.Config.ServerURL, identity, e.ownerID)
	if err != nil {
		return nil, err
	}
	e.conn = c
	e.reactions = reaction.New(identity.UserID, c.Send, p.Logger)

	e.dispatcher = dispatch.New(c.Send, dispatch.Options{
		FlushInterval: p.Config.FlushInterval,
		Retry: conn.Backoff{
			Base:        p.Config.SendBackoff,
			Max:         5 * time.Second,
			MaxAttempts: p.Config.SendAttempts,
		},
		HistoryBound: p.Config.HistoryBound,
		SenderID:     identity.UserID,
		Arena:        e.arena,
		Logger:       p.Logger,
		Metrics:      e.met,
		OnError:      e.reportError,
		OnEvict: func(messageIDs []string) {
			for _, id := range messageIDs {
				e.reactions.DropMessage(id)
			}
		},
	})

	e.typing = typing.New(c.Send, typing.Options{
		TTL:      p.Config.TypingTTL,
		Debounce: p.Config.TypingDebounce,
		UserID:   identity.UserID,
		Arena:    e.arena,
		Logger:   p.Logger,
		OnChange: e.fanoutTyping,
	})

	e.presence.OnChange = e.fanoutPresence

	c.OnUp(e.resync)
	go e.run()
	return e, nil
}

// Subscribe registers an observer on a room. The underlying join transport
// call fires only for the room's first observer; later observers share the
// same stream. History is fetched once, on the room's first open.
func (e *Engine) Subscribe(roomID string, h Handler) *Subscription {
	subID, first := e.subs.add(roomID, h)
	if first {
		e.met.RoomsJoined.Inc()
		e.sendJoin(roomID)
		go e.loadHistory(roomID)
	} else if h.OnHistory != nil {
		// Later observers still get the already-loaded list.
		if msgs := e.dispatcher.Messages(roomID); len(msgs) > 0 {
			h.OnHistory(msgs)
		}
	}
	return &Subscription{id: subID, roomID: roomID, e: e}
}

func (e *Engine) unsubscribe(roomID, subID string) {
	if !e.subs.remove(roomID, subID) {
		return
	}

	// Last observer gone: flush pending sends before the leave so nothing
	// is dropped on navigation, then tear down the room's state.
	e.dispatcher.FlushRoom(roomID)
	e.sendLeave(roomID)
	e.typing.DropRoom(roomID)
	e.presence.DropRoom(roomID)
	e.dropRoomReactions(roomID)
	e.dispatcher.DropRoom(roomID)
	e.met.RoomsJoined.Dec()
}

// dropRoomReactions forgets reaction state for every message the room still
// holds. Runs before the dispatcher drops the room list.
func (e *Engine) dropRoomReactions(roomID string) {
	for _, msg := range e.dispatcher.Messages(roomID) {
		if msg.ID != "" {
			e.reactions.DropMessage(msg.ID)
		}
	}
}

// Send creates a provisional message and queues it for the next batch
// flush. The returned message is immediately usable for optimistic display.
func (e *Engine) Send(roomID, content string) model.Message {
	return e.dispatcher.Send(roomID, content)
}

// Resend re-queues a message that exhausted its retries.
func (e *Engine) Resend(roomID, clientID string) bool {
	return e.dispatcher.Resend(roomID, clientID)
}

// Messages returns the room's current list, oldest first.
func (e *Engine) Messages(roomID string) []model.Message {
	return e.dispatcher.Messages(roomID)
}

// StartTyping marks the local user typing in the room.
func (e *Engine) StartTyping(roomID string) { e.typing.Start(roomID) }

// StopTyping clears the local user's typing state.
func (e *Engine) StopTyping(roomID string) { e.typing.Stop(roomID) }

// Typists returns who is typing in the room.
func (e *Engine) Typists(roomID string) []string { return e.typing.Typists(roomID) }

// Online returns the room's online users.
func (e *Engine) Online(roomID string) []string { return e.presence.Online(roomID) }

// React adds a reaction optimistically and transmits it.
func (e *Engine) React(roomID, messageID, symbol string) error {
	err := e.reactions.Add(roomID, messageID, symbol)
	e.fanoutReaction(roomID, messageID)
	return err
}

// Unreact removes a reaction optimistically and transmits it.
func (e *Engine) Unreact(roomID, messageID, symbol string) error {
	err := e.reactions.Remove(roomID, messageID, symbol)
	e.fanoutReaction(roomID, messageID)
	return err
}

// Reactions returns a message's current reaction counts.
func (e *Engine) Reactions(messageID string) map[string]int {
	return e.reactions.Reactions(messageID)
}

// State returns the connection lifecycle state.
func (e *Engine) State() conn.State { return e.conn.State() }

// Quality returns the connection quality classification.
func (e *Engine) Quality() conn.Quality { return e.conn.Quality() }

// StateEvents streams connection transitions.
func (e *Engine) StateEvents() <-chan conn.StateChange { return e.conn.StateEvents() }

// QualityEvents streams quality reclassifications.
func (e *Engine) QualityEvents() <-chan conn.Quality { return e.conn.QualityEvents() }

// Errors is the engine's dedicated error channel. Every failure, from any
// component, surfaces here; one consumer's error never crashes another's
// processing.
func (e *Engine) Errors() <-chan error { return e.errors }

// Authenticate retries the handshake with a fresh identity after an
// auth_error.
func (e *Engine) Authenticate(ctx context.Context, src auth.TokenSource) error {
	identity, err := auth.Resolve(ctx, src)
	if err != nil {
		return err
	}
	e.idMu.Lock()
	e.identity = identity
	e.idMu.Unlock()
	return e.conn.Authenticate(identity)
}

// currentIdentity snapshots the identity for use off the caller goroutine.
func (e *Engine) currentIdentity() auth.Identity {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	return e.identity
}

// Reconnect restarts connection attempts after they were exhausted.
func (e *Engine) Reconnect(ctx context.Context) error {
	return e.conn.Reconnect(ctx)
}

// Close tears down every room, cancels every timer and force-closes the
// transport unconditionally.
func (e *Engine) Close() {
	select {
	case <-e.done:
		return
	default:
	}

	e.dispatcher.FlushAll()
	for _, roomID := range e.subs.roomIDs() {
		e.sendLeave(roomID)
		e.typing.DropRoom(roomID)
		e.presence.DropRoom(roomID)
		e.dropRoomReactions(roomID)
		e.dispatcher.DropRoom(roomID)
	}

	close(e.done)
	e.arena.Stop()
	e.mgr.Close()
}

// run is the engine's single inbound goroutine. Events are processed in
// delivery order; no locking is needed on this path beyond the component
// maps' own mutexes.
func (e *Engine) run() {
	for {
		select {
		case env, ok := <-e.conn.Events():
			if !ok {
				return
			}
			e.handle(env)

		case err := <-e.conn.Errors():
			e.reportError(err)

		case <-e.done:
			return
		}
	}
}

func (e *Engine) handle(env event.Envelope) {
	payload, err := env.Decode()
	if err != nil {
		e.reportError(err)
		return
	}

	switch p := payload.(type) {
	case event.NewMessage:
		e.confirm(env.RoomID, p)

	case event.NewBatch:
		for _, nm := range p.Messages {
			e.confirm(env.RoomID, nm)
		}

	case event.Typing:
		e.typing.HandleTyping(env.RoomID, p.UserID, env.Kind == event.KindTypingStart)

	case event.Presence:
		switch env.Kind {
		case event.KindPresenceJoin:
			e.presence.HandleJoin(env.RoomID, p)
		case event.KindPresenceLeave:
			e.presence.HandleLeave(env.RoomID, p)
		}

	case event.PresenceSync:
		e.presence.HandleSync(env.RoomID, p)

	case event.Reaction:
		e.reactions.HandleEvent(p)
		e.fanoutReaction(env.RoomID, p.MessageID)

	case event.Ack:
		if !p.OK {
			e.dispatcher.MarkFailed(env.RoomID, p.ClientIDs)
			e.reportError(&errs.ValidationError{Field: "send", Reason: p.Error})
		}

	case event.ErrorEvent:
		if p.Code == "rate_limited" {
			e.reportError(&errs.RateLimitError{Reason: p.Message})
			return
		}
		e.reportError(errs.Transport("server", errs.ErrTransport))

	default:
		// Kinds the connection layer already consumed, or client-to-server
		// kinds a conforming server never emits.
	}
}

// confirm reconciles one server-confirmed message and fans it out. The
// write-through to the history store happens off the event path.
func (e *Engine) confirm(roomID string, nm event.NewMessage) {
	msg, changed := e.dispatcher.Confirm(roomID, nm)
	if !changed {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), historyFetchTimeout)
		defer cancel()
		if err := e.hist.Append(ctx, msg); err != nil {
			e.log.Warn("history write-through failed", "room", roomID, "error", err)
		}
	}()
	for _, h := range e.subs.handlers(roomID) {
		if h.OnMessage != nil {
			h.OnMessage(msg)
		}
	}
}

// resync runs after every successful connect or reconnect: replay the join
// for every observed room, request a full presence resync for each, and
// flush anything queued while disconnected.
func (e *Engine) resync() {
	for _, roomID := range e.subs.roomIDs() {
		e.sendJoin(roomID)
		e.requestPresenceSync(roomID)
	}
	e.dispatcher.FlushAll()
}

func (e *Engine) sendJoin(roomID string) {
	env, err := event.New(event.KindJoinRoom, roomID, event.JoinRoom{UserID: e.currentIdentity().UserID})
	if err == nil {
		err = e.conn.Send(env)
	}
	if err != nil {
		// The connection may still be coming up; resync replays the join.
		e.log.Debug("join deferred", "room", roomID, "error", err)
	}
}

func (e *Engine) sendLeave(roomID string) {
	env, err := event.New(event.KindLeaveRoom, roomID, event.LeaveRoom{UserID: e.currentIdentity().UserID})
	if err == nil {
		err = e.conn.Send(env)
	}
	if err != nil {
		e.log.Debug("leave not sent", "room", roomID, "error", err)
	}
}

func (e *Engine) requestPresenceSync(roomID string) {
	env, err := event.New(event.KindPresenceSync, roomID, nil)
	if err == nil {
		err = e.conn.Send(env)
	}
	if err != nil {
		e.log.Debug("presence sync request not sent", "room", roomID, "error", err)
	}
}

func (e *Engine) loadHistory(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), historyFetchTimeout)
	defer cancel()

	msgs, err := e.hist.Recent(ctx, roomID, e.cfg.HistoryBound)
	if err != nil {
		e.log.Warn("history fetch failed", "room", roomID, "error", err)
		e.reportError(err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	e.dispatcher.SeedHistory(roomID, msgs)
	loaded := e.dispatcher.Messages(roomID)
	for _, h := range e.subs.handlers(roomID) {
		if h.OnHistory != nil {
			h.OnHistory(loaded)
		}
	}
}

func (e *Engine) fanoutTyping(roomID string, typists []string) {
	for _, h := range e.subs.handlers(roomID) {
		if h.OnTyping != nil {
			h.OnTyping(typists)
		}
	}
}

func (e *Engine) fanoutPresence(roomID string, online []string) {
	for _, h := range e.subs.handlers(roomID) {
		if h.OnPresence != nil {
			h.OnPresence(online)
		}
	}
}

func (e *Engine) fanoutReaction(roomID, messageID string) {
	counts := e.reactions.Reactions(messageID)
	for _, h := range e.subs.handlers(roomID) {
		if h.OnReaction != nil {
			h.OnReaction(messageID, counts)
		}
	}
}

func (e *Engine) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case e.errors <- err:
	default:
	}
}
