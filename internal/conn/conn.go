// Package conn owns the transport connection lifecycle: dialing,
// authentication, heartbeat and quality sampling, and reconnection with
// bounded backoff. One Conn is shared by every consumer of the engine; the
// Manager ref-counts logical owners so nobody tears down a connection
// another consumer still needs.
package conn

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/civicly/chatsync/internal/auth"
	"github.com/civicly/chatsync/internal/errs"
	"github.com/civicly/chatsync/internal/event"
	"github.com/civicly/chatsync/internal/metrics"
	"github.com/civicly/chatsync/internal/transport"
)

const pingTimeout = 5 * time.Second

// Options tunes a Conn. NewTransport is the pluggable adapter factory; a
// fresh transport is built for every dial attempt.
type Options struct {
	HeartbeatInterval time.Duration
	Reconnect         Backoff
	NewTransport      func() transport.Transport
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
}

func (o *Options) defaults() {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.Reconnect.Base == 0 {
		o.Reconnect.Base = 500 * time.Millisecond
	}
	if o.Reconnect.Max == 0 {
		o.Reconnect.Max = 30 * time.Second
	}
	if o.Reconnect.MaxAttempts == 0 {
		o.Reconnect.MaxAttempts = 10
	}
	if o.NewTransport == nil {
		o.NewTransport = func() transport.Transport { return transport.NewWebSocket(o.Logger) }
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Conn is one shared, authenticated connection to the chat server.
type Conn struct {
	url      string
	identity auth.Identity
	opts     Options
	log      *slog.Logger

	mu      sync.Mutex
	tr      transport.Transport
	state   State
	quality Quality
	owners  map[string]struct{}
	onUp    []func()

	events    chan event.Envelope
	errors    chan error
	stateCh   chan StateChange
	qualityCh chan Quality

	ring latencyRing

	reconnecting atomic.Bool
	closed       atomic.Bool
	done         chan struct{}
}

func newConn(url string, identity auth.Identity, opts Options) *Conn {
	opts.defaults()
	return &Conn{
		url:       url,
		identity:  identity,
		opts:      opts,
		log:       opts.Logger,
		state:     StateDisconnected,
		quality:   QualityExcellent,
		owners:    make(map[string]struct{}),
		events:    make(chan event.Envelope, 256),
		errors:    make(chan error, 16),
		stateCh:   make(chan StateChange, 16),
		qualityCh: make(chan Quality, 4),
		done:      make(chan struct{}),
	}
}

// Events streams inbound envelopes, excluding the handshake and heartbeat
// frames the Conn consumes itself. Delivery order is preserved.
func (c *Conn) Events() <-chan event.Envelope { return c.events }

// Errors streams transport, auth and terminal connection errors.
func (c *Conn) Errors() <-chan error { return c.errors }

// StateEvents streams lifecycle transitions.
func (c *Conn) StateEvents() <-chan StateChange { return c.stateCh }

// QualityEvents streams quality reclassifications.
func (c *Conn) QualityEvents() <-chan Quality { return c.qualityCh }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Quality() Quality {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

// Identity returns the identity this connection authenticates as.
func (c *Conn) Identity() auth.Identity { return c.identity }

// OnUp registers fn to run after every successful connect or reconnect,
// once the authenticate request is on the wire. The engine uses this to
// replay room joins and request presence resyncs.
func (c *Conn) OnUp(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUp = append(c.onUp, fn)
}

// Send transmits one envelope on the live transport.
func (c *Conn) Send(env event.Envelope) error {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return errs.Transport("send", errs.ErrClosed)
	}
	return tr.Send(env)
}

// Authenticate re-submits the authentication handshake on the open
// transport. Called after an auth_error once the caller has a fresh token.
func (c *Conn) Authenticate(identity auth.Identity) error {
	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()
	return c.sendAuthenticate()
}

// Reconnect restarts connection attempts after they were exhausted.
func (c *Conn) Reconnect(ctx context.Context) error {
	if c.closed.Load() {
		return errs.ErrClosed
	}
	if err := c.dial(ctx); err != nil {
		return err
	}
	c.notifyUp()
	return nil
}

// connectAsync performs the initial dial without blocking the caller.
// Failures feed the same reconnect path as an unexpected close.
func (c *Conn) connectAsync(ctx context.Context) {
	go func() {
		if err := c.dial(ctx); err != nil {
			c.reportError(err)
			c.reconnectLoop()
			return
		}
		c.notifyUp()
	}()
}

// dial opens a fresh transport, starts its pump and heartbeat, and submits
// the authentication handshake. The authenticated state is entered only when
// the server confirms.
func (c *Conn) dial(ctx context.Context) error {
	c.setState(StateConnecting, nil)

	tr := c.opts.NewTransport()
	if err := tr.Dial(ctx, c.url, nil); err != nil {
		c.setState(StateDisconnected, err)
		return err
	}

	c.mu.Lock()
	c.tr = tr
	c.mu.Unlock()
	c.ring.reset()
	c.setState(StateConnected, nil)

	stop := make(chan struct{})
	go c.pump(tr, stop)
	go c.heartbeat(tr, stop)

	if err := c.sendAuthenticate(); err != nil {
		// Abandon the half-open transport so its pumps wind down now rather
		// than when the remote side notices.
		tr.Close()
		c.mu.Lock()
		if c.tr == tr {
			c.tr = nil
		}
		c.mu.Unlock()
		c.setState(StateDisconnected, err)
		return err
	}
	return nil
}

func (c *Conn) sendAuthenticate() error {
	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()
	env, err := event.New(event.KindAuthenticate, "", event.Authenticate{
		Token:  identity.Token,
		UserID: identity.UserID,
	})
	if err != nil {
		return err
	}
	return c.Send(env)
}

// pump forwards inbound envelopes to consumers, intercepting handshake
// frames. When the transport's event stream closes unexpectedly it kicks off
// reconnection.
func (c *Conn) pump(tr transport.Transport, stop chan struct{}) {
	defer close(stop)

	for {
		select {
		case env, ok := <-tr.Events():
			if !ok {
				if c.closed.Load() {
					return
				}
				c.mu.Lock()
				stale := c.tr != tr
				c.mu.Unlock()
				if stale {
					// An abandoned transport; a newer dial owns recovery.
					return
				}
				c.log.Warn("connection lost", "url", c.url)
				c.setState(StateDisconnected, errs.ErrTransport)
				go c.reconnectLoop()
				return
			}
			c.handleInbound(env)

		case err := <-tr.Errors():
			c.reportError(err)

		case <-c.done:
			return
		}
	}
}

func (c *Conn) handleInbound(env event.Envelope) {
	switch env.Kind {
	case event.KindAuthenticated:
		c.setState(StateAuthenticated, nil)
		c.log.Info("authenticated", "user", c.identity.UserID)

	case event.KindAuthError:
		// Transport stays open so the caller can retry with a fresh token.
		payload, err := env.Decode()
		reason := "rejected"
		if err == nil {
			reason = payload.(event.AuthError).Reason
		}
		c.reportError(&errs.AuthError{Reason: reason})

	case event.KindPong:
		// In-band pong; RTT sampling uses the websocket control frames.

	default:
		select {
		case c.events <- env:
		case <-c.done:
		}
	}
}

// heartbeat probes the transport on a fixed period, independent of user
// activity, feeding the latency ring and reclassifying quality.
func (c *Conn) heartbeat(tr transport.Transport, stop chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
			rtt, err := tr.Ping(ctx)
			cancel()
			if err != nil {
				// A dead transport surfaces through the pump; a slow one
				// just degrades quality on the next good sample.
				continue
			}
			c.recordRTT(rtt)

		case <-stop:
			return
		case <-c.done:
			return
		}
	}
}

func (c *Conn) recordRTT(rtt time.Duration) {
	c.ring.record(rtt)
	if c.opts.Metrics != nil {
		c.opts.Metrics.HeartbeatRTT.Set(rtt.Seconds())
	}

	q := classify(c.ring.average())
	c.mu.Lock()
	changed := q != c.quality
	c.quality = q
	c.mu.Unlock()
	if changed {
		select {
		case c.qualityCh <- q:
		default:
		}
		c.log.Debug("connection quality changed", "quality", q.String())
	}
}

// reconnectLoop retries the dial with exponential backoff. The in-flight
// guard serializes attempts: a second unexpected close while a loop is
// already running is absorbed by it.
func (c *Conn) reconnectLoop() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	for attempt := 0; ; attempt++ {
		if c.opts.Reconnect.Exhausted(attempt) {
			c.log.Error("reconnect attempts exhausted", "url", c.url, "attempts", attempt)
			c.reportError(errs.ErrConnectionExhausted)
			return
		}

		delay := c.opts.Reconnect.Delay(attempt)
		c.log.Info("scheduling reconnect", "attempt", attempt+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-c.done:
			return
		}
		if c.closed.Load() {
			return
		}

		if c.opts.Metrics != nil {
			c.opts.Metrics.ReconnectAttempts.Inc()
		}

		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout+writeGrace)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			c.log.Info("reconnected", "url", c.url, "attempt", attempt+1)
			c.notifyUp()
			return
		}
		c.reportError(err)
	}
}

const writeGrace = 10 * time.Second

func (c *Conn) notifyUp() {
	c.mu.Lock()
	fns := make([]func(), len(c.onUp))
	copy(fns, c.onUp)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Conn) setState(next State, err error) {
	c.mu.Lock()
	old := c.state
	c.state = next
	c.mu.Unlock()
	if old == next {
		return
	}
	select {
	case c.stateCh <- StateChange{Old: old, New: next, Err: err}:
	default:
	}
}

func (c *Conn) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case c.errors <- err:
	default:
	}
}

// close tears the connection down unconditionally. Only the Manager calls
// this, once the owner registry is empty.
func (c *Conn) close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.done)

	c.mu.Lock()
	tr := c.tr
	c.tr = nil
	c.mu.Unlock()
	if tr != nil {
		tr.Close()
	}
	c.setState(StateDisconnected, nil)
}

func (c *Conn) addOwner(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owners[id] = struct{}{}
	return len(c.owners)
}

func (c *Conn) removeOwner(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.owners, id)
	return len(c.owners)
}
