package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/civicly/chatsync/internal/errs"
	"github.com/civicly/chatsync/internal/event"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read the next frame after a pong
	pongWait = 60 * time.Second

	// Max inbound frame size
	maxMessageSize = 512 * 1024 // 512 KB

	// Outbound queue depth before Send starts failing
	sendBuffer = 256
)

type pingRequest struct {
	sent chan error
}

// WebSocket is the gorilla-backed Transport implementation.
type WebSocket struct {
	dialer *websocket.Dialer
	log    *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	sendCh  chan event.Envelope
	pingCh  chan pingRequest
	pongCh  chan time.Time
	events  chan event.Envelope
	errors  chan error
	done    chan struct{}
	closing sync.Once
}

// NewWebSocket returns an undialed websocket transport.
func NewWebSocket(log *slog.Logger) *WebSocket {
	if log == nil {
		log = slog.Default()
	}
	return &WebSocket{
		dialer: websocket.DefaultDialer,
		log:    log,
		sendCh: make(chan event.Envelope, sendBuffer),
		pingCh: make(chan pingRequest),
		pongCh: make(chan time.Time, 1),
		events: make(chan event.Envelope, sendBuffer),
		errors: make(chan error, 8),
		done:   make(chan struct{}),
	}
}

func (t *WebSocket) Dial(ctx context.Context, url string, header http.Header) error {
	conn, resp, err := t.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return errs.Transport("dial", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	go t.readPump(conn)
	go t.writePump(conn)

	t.log.Debug("transport connected", "url", url)
	return nil
}

func (t *WebSocket) Send(env event.Envelope) error {
	select {
	case <-t.done:
		return errs.Transport("send", errs.ErrClosed)
	default:
	}

	select {
	case t.sendCh <- env:
		return nil
	default:
		return errs.Transport("send", errs.ErrTimeout)
	}
}

func (t *WebSocket) Events() <-chan event.Envelope { return t.events }
func (t *WebSocket) Errors() <-chan error          { return t.errors }

// Ping writes a websocket ping control frame and waits for the matching pong.
func (t *WebSocket) Ping(ctx context.Context) (time.Duration, error) {
	req := pingRequest{sent: make(chan error, 1)}

	select {
	case t.pingCh <- req:
	case <-t.done:
		return 0, errs.Transport("ping", errs.ErrClosed)
	case <-ctx.Done():
		return 0, errs.Transport("ping", ctx.Err())
	}

	start := time.Now()
	if err := <-req.sent; err != nil {
		return 0, errs.Transport("ping", err)
	}

	select {
	case <-t.pongCh:
		return time.Since(start), nil
	case <-t.done:
		return 0, errs.Transport("ping", errs.ErrClosed)
	case <-ctx.Done():
		return 0, &errs.TimeoutError{Op: "ping"}
	}
}

func (t *WebSocket) Close() error {
	t.closing.Do(func() {
		close(t.done)
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn != nil {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		}
	})
	return nil
}

// readPump reads frames until the connection dies, decoding each into an
// envelope. It owns the events channel and closes it on exit.
func (t *WebSocket) readPump(conn *websocket.Conn) {
	defer close(t.events)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case t.pongCh <- time.Now():
		default:
		}
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				// caller-initiated close
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					t.log.Warn("transport read failed", "error", err)
				}
				t.reportError(errs.Transport("read", err))
			}
			return
		}

		env, err := event.Unmarshal(data)
		if err != nil {
			t.log.Warn("dropping undecodable frame", "error", err)
			t.reportError(err)
			continue
		}

		select {
		case t.events <- env:
		case <-t.done:
			return
		}
	}
}

// writePump serializes all writes, envelopes and ping control frames alike,
// onto the single writer goroutine gorilla requires.
func (t *WebSocket) writePump(conn *websocket.Conn) {
	for {
		select {
		case env := <-t.sendCh:
			data, err := env.Marshal()
			if err != nil {
				t.reportError(err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.reportError(errs.Transport("write", err))
				return
			}

		case req := <-t.pingCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			req.sent <- err
			if err != nil {
				t.reportError(errs.Transport("ping", err))
				return
			}

		case <-t.done:
			return
		}
	}
}

func (t *WebSocket) reportError(err error) {
	select {
	case t.errors <- err:
	default:
		// error channel full; the newest cause is the one that matters least
	}
}
