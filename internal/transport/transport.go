// Package transport abstracts the bidirectional event stream between the
// engine and a chat server. One engine talks to exactly one Transport; the
// concrete adapter is pluggable so every consumer shares a single
// implementation of the socket logic instead of near-identical variants.
package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/civicly/chatsync/internal/event"
)

// Transport carries typed envelopes in both directions.
//
// Events is closed when the transport dies, whether by Close or by a remote
// failure; Errors reports the cause for unexpected deaths before Events
// closes. Callers distinguish caller-initiated shutdown by tracking their own
// Close calls.
type Transport interface {
	// Dial opens the connection. It must be called before Send or Ping.
	Dial(ctx context.Context, url string, header http.Header) error

	// Send enqueues one envelope for transmission. It never blocks on the
	// network; a full outbound buffer or a dead transport returns a
	// transport error immediately.
	Send(env event.Envelope) error

	// Events streams inbound envelopes in delivery order.
	Events() <-chan event.Envelope

	// Errors streams transport-level failures (read/write/decode).
	Errors() <-chan error

	// Ping measures a round trip to the server.
	Ping(ctx context.Context) (time.Duration, error)

	// Close shuts the connection down. Safe to call more than once.
	Close() error
}
