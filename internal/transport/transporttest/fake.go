// Package transporttest provides a controllable in-memory Transport for
// exercising connection and engine behavior without a server.
package transporttest

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/civicly/chatsync/internal/errs"
	"github.com/civicly/chatsync/internal/event"
)

// Fake implements transport.Transport entirely in memory.
type Fake struct {
	// FailDial makes every Dial fail when true.
	FailDial bool
	// AutoAuth answers every authenticate frame with an authenticated event.
	AutoAuth bool
	// RTT is returned by Ping.
	RTT time.Duration

	mu       sync.Mutex
	sendErr  error
	sent     []event.Envelope
	dials    int
	events  chan event.Envelope
	errors  chan error
	closed  bool
	dropped bool
}

func New() *Fake {
	return &Fake{
		RTT:    5 * time.Millisecond,
		events: make(chan event.Envelope, 64),
		errors: make(chan error, 8),
	}
}

func (f *Fake) Dial(_ context.Context, _ string, _ http.Header) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.FailDial {
		return errs.Transport("dial", errs.ErrTransport)
	}
	return nil
}

func (f *Fake) Send(env event.Envelope) error {
	f.mu.Lock()
	err := f.sendErr
	closed := f.closed
	if err == nil && !closed {
		f.sent = append(f.sent, env)
	}
	auto := f.AutoAuth && env.Kind == event.KindAuthenticate && err == nil && !closed
	f.mu.Unlock()

	if closed {
		return errs.Transport("send", errs.ErrClosed)
	}
	if err != nil {
		return err
	}
	if auto {
		reply, _ := event.New(event.KindAuthenticated, "", event.Authenticated{})
		f.Inject(reply)
	}
	return nil
}

func (f *Fake) Events() <-chan event.Envelope { return f.events }
func (f *Fake) Errors() <-chan error          { return f.errors }

func (f *Fake) Ping(_ context.Context) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, errs.Transport("ping", errs.ErrClosed)
	}
	return f.RTT, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	if !f.dropped {
		f.dropped = true
		close(f.events)
	}
	return nil
}

// Inject delivers an inbound envelope to the consumer. Envelopes injected
// after the stream has ended are discarded, as on a dead connection.
func (f *Fake) Inject(env event.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dropped {
		return
	}
	f.events <- env
}

// Drop simulates an unexpected remote close: the event stream ends without
// the consumer having called Close.
func (f *Fake) Drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dropped {
		f.dropped = true
		close(f.events)
	}
}

// SetSendErr makes subsequent Sends fail with err (nil restores success).
func (f *Fake) SetSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// Sent snapshots every envelope accepted so far.
func (f *Fake) Sent() []event.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]event.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentOf filters Sent by kind.
func (f *Fake) SentOf(kind event.Kind) []event.Envelope {
	var out []event.Envelope
	for _, env := range f.Sent() {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Dials reports how many times Dial was called.
func (f *Fake) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}
