package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicly/chatsync/internal/auth"
	"github.com/civicly/chatsync/internal/config"
	"github.com/civicly/chatsync/internal/conn"
	"github.com/civicly/chatsync/internal/errs"
	"github.com/civicly/chatsync/internal/event"
	"github.com/civicly/chatsync/internal/history"
	"github.com/civicly/chatsync/internal/model"
	"github.com/civicly/chatsync/internal/transport"
	"github.com/civicly/chatsync/internal/transport/transporttest"
)

func testToken(t *testing.T) auth.StaticToken {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
		GivenName:        "Test User",
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return auth.StaticToken(tok)
}

func testConfig() *config.Config {
	return &config.Config{
		ServerURL:         "ws://test/ws",
		HeartbeatInterval: time.Hour,
		ReconnectBase:     time.Millisecond,
		ReconnectMax:      5 * time.Millisecond,
		ReconnectAttempts: 3,
		PoolCapacity:      2,
		FlushInterval:     10 * time.Millisecond,
		SendAttempts:      2,
		SendBackoff:       time.Millisecond,
		HistoryBound:      100,
		TypingTTL:         time.Second,
		TypingDebounce:    20 * time.Millisecond,
	}
}

// harness bundles an engine with its fake transports. The factory hands out
// a fresh fake per dial, mirroring production reconnects.
type harness struct {
	e  *Engine
	mu sync.Mutex
	ts []*transporttest.Fake
}

func newHarness(t *testing.T, hist history.Service) *harness {
	t.Helper()
	h := &harness{}

	connOpts := &conn.Options{
		HeartbeatInterval: time.Hour,
		Reconnect:         conn.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 3},
		NewTransport: func() transport.Transport {
			f := transporttest.New()
			f.AutoAuth = true
			h.mu.Lock()
			h.ts = append(h.ts, f)
			h.mu.Unlock()
			return f
		},
	}

	e, err := New(context.Background(), Params{
		Config:      testConfig(),
		Tokens:      testToken(t),
		History:     hist,
		Registry:    prometheus.NewRegistry(),
		ConnOptions: connOpts,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	require.Eventually(t, func() bool { return e.State() == conn.StateAuthenticated },
		2*time.Second, 5*time.Millisecond, "engine never came up")
	h.e = e
	return h
}

func (h *harness) fake(i int) *transporttest.Fake {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ts[i]
}

func (h *harness) fakes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ts)
}

func (h *harness) inject(t *testing.T, kind event.Kind, roomID string, data any) {
	t.Helper()
	env, err := event.New(kind, roomID, data)
	require.NoError(t, err)
	h.fake(h.fakes() - 1).Inject(env)
}

func TestSubscribe_SharesOneRoomStream(t *testing.T) {
	h := newHarness(t, nil)

	var mu sync.Mutex
	var got1, got2 []model.Message
	sub1 := h.e.Subscribe("room1", Handler{OnMessage: func(m model.Message) {
		mu.Lock()
		got1 = append(got1, m)
		mu.Unlock()
	}})
	defer sub1.Cancel()
	sub2 := h.e.Subscribe("room1", Handler{OnMessage: func(m model.Message) {
		mu.Lock()
		got2 = append(got2, m)
		mu.Unlock()
	}})
	defer sub2.Cancel()

	assert.Len(t, h.fake(0).SentOf(event.KindJoinRoom), 1, "one join for any number of observers")

	h.inject(t, event.KindNewMessage, "room1", event.NewMessage{
		ID: "m1", SenderID: "u2", Content: "hi", CreatedAt: time.Now().UnixMilli(),
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got1) == 1 && len(got2) == 1
	}, time.Second, 5*time.Millisecond, "both observers receive the message")

	mu.Lock()
	assert.Equal(t, "m1", got1[0].ID)
	assert.Equal(t, got1, got2)
	mu.Unlock()
}

func TestSend_OptimisticThenConfirmed(t *testing.T) {
	h := newHarness(t, nil)

	sub := h.e.Subscribe("room1", Handler{})
	defer sub.Cancel()

	msg := h.e.Send("room1", "hello")
	assert.Equal(t, model.StatusPending, msg.Status)
	assert.True(t, msg.Provisional())
	require.Len(t, h.e.Messages("room1"), 1, "optimistic entry visible immediately")

	require.Eventually(t, func() bool {
		return len(h.fake(0).SentOf(event.KindSendMessage)) == 1
	}, time.Second, 5*time.Millisecond)

	h.inject(t, event.KindNewMessage, "room1", event.NewMessage{
		ID: "m123", ClientID: msg.ClientID, SenderID: "u1",
		Content: "hello", CreatedAt: time.Now().UnixMilli(),
	})

	require.Eventually(t, func() bool {
		msgs := h.e.Messages("room1")
		return len(msgs) == 1 && msgs[0].Status == model.StatusSent
	}, time.Second, 5*time.Millisecond, "confirmation replaces, not duplicates")
	assert.Equal(t, "m123", h.e.Messages("room1")[0].ID)
}

func TestUnsubscribe_LastObserverLeavesRoom(t *testing.T) {
	h := newHarness(t, nil)

	sub1 := h.e.Subscribe("room1", Handler{})
	sub2 := h.e.Subscribe("room1", Handler{})

	sub1.Cancel()
	assert.Empty(t, h.fake(0).SentOf(event.KindLeaveRoom), "room stays open for the remaining observer")

	h.e.Send("room1", "parting words")
	sub2.Cancel()

	assert.Len(t, h.fake(0).SentOf(event.KindLeaveRoom), 1)
	assert.Len(t, h.fake(0).SentOf(event.KindSendMessage), 1, "pending batch flushed before leaving")
	assert.Empty(t, h.e.Messages("room1"), "room state dropped")
}

func TestHistory_SeededOnFirstSubscribe(t *testing.T) {
	hist := history.NewMemory()
	base := time.Now().Add(-time.Hour)
	for i, content := range []string{"one", "two"} {
		require.NoError(t, hist.Append(context.Background(), model.Message{
			ID: content, RoomID: "room1", SenderID: "u2", Content: content,
			CreatedAt: base.Add(time.Duration(i) * time.Minute), Status: model.StatusSent,
		}))
	}

	h := newHarness(t, hist)

	loaded := make(chan []model.Message, 1)
	sub := h.e.Subscribe("room1", Handler{OnHistory: func(msgs []model.Message) {
		loaded <- msgs
	}})
	defer sub.Cancel()

	select {
	case msgs := <-loaded:
		require.Len(t, msgs, 2)
		assert.Equal(t, "one", msgs[0].ID, "oldest first")
	case <-time.After(2 * time.Second):
		t.Fatal("history never loaded")
	}

	// A later observer gets the already-loaded list replayed.
	replay := make(chan []model.Message, 1)
	sub2 := h.e.Subscribe("room1", Handler{OnHistory: func(msgs []model.Message) {
		replay <- msgs
	}})
	defer sub2.Cancel()

	select {
	case msgs := <-replay:
		assert.Len(t, msgs, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("history not replayed to the second observer")
	}
}

func TestAck_FailureMarksMessageFailed(t *testing.T) {
	h := newHarness(t, nil)

	sub := h.e.Subscribe("room1", Handler{})
	defer sub.Cancel()

	msg := h.e.Send("room1", "rejected")
	require.Eventually(t, func() bool {
		return len(h.fake(0).SentOf(event.KindSendMessage)) == 1
	}, time.Second, 5*time.Millisecond)

	h.inject(t, event.KindAck, "room1", event.Ack{
		ClientIDs: []string{msg.ClientID}, OK: false, Error: "content too long",
	})

	require.Eventually(t, func() bool {
		msgs := h.e.Messages("room1")
		return len(msgs) == 1 && msgs[0].Status == model.StatusFailed
	}, time.Second, 5*time.Millisecond)

	select {
	case err := <-h.e.Errors():
		assert.True(t, errors.Is(err, errs.ErrValidation))
	case <-time.After(time.Second):
		t.Fatal("rejection not surfaced on the error channel")
	}
}

func TestErrorEvent_RateLimitSurfaced(t *testing.T) {
	h := newHarness(t, nil)

	h.inject(t, event.KindError, "", event.ErrorEvent{Code: "rate_limited", Message: "slow down"})

	select {
	case err := <-h.e.Errors():
		assert.True(t, errors.Is(err, errs.ErrRateLimit))
	case <-time.After(time.Second):
		t.Fatal("rate limit not surfaced")
	}
}

func TestTypingAndPresence_FanOut(t *testing.T) {
	h := newHarness(t, nil)

	typingCh := make(chan []string, 4)
	onlineCh := make(chan []string, 4)
	sub := h.e.Subscribe("room1", Handler{
		OnTyping:   func(typists []string) { typingCh <- typists },
		OnPresence: func(online []string) { onlineCh <- online },
	})
	defer sub.Cancel()

	h.inject(t, event.KindTypingStart, "room1", event.Typing{UserID: "u2"})
	select {
	case typists := <-typingCh:
		assert.Equal(t, []string{"u2"}, typists)
	case <-time.After(time.Second):
		t.Fatal("typing change not fanned out")
	}

	h.inject(t, event.KindPresenceSync, "room1", event.PresenceSync{Users: []event.Presence{
		{UserID: "u2"}, {UserID: "u3"},
	}})
	select {
	case online := <-onlineCh:
		assert.Equal(t, []string{"u2", "u3"}, online)
	case <-time.After(time.Second):
		t.Fatal("presence change not fanned out")
	}
	assert.Equal(t, []string{"u2", "u3"}, h.e.Online("room1"))
}

func TestReactions_ServerCountWins(t *testing.T) {
	h := newHarness(t, nil)

	counts := make(chan map[string]int, 4)
	sub := h.e.Subscribe("room1", Handler{
		OnReaction: func(_ string, c map[string]int) { counts <- c },
	})
	defer sub.Cancel()

	require.NoError(t, h.e.React("room1", "m1", "+1"))
	assert.Equal(t, map[string]int{"+1": 1}, <-counts)

	h.inject(t, event.KindReactionAdd, "room1", event.Reaction{
		MessageID: "m1", Symbol: "+1", UserID: "u2", Count: 3,
	})
	require.Eventually(t, func() bool {
		return h.e.Reactions("m1")["+1"] == 3
	}, time.Second, 5*time.Millisecond, "authoritative count overwrites the optimistic one")
}

func TestUnsubscribe_DropsReactionState(t *testing.T) {
	h := newHarness(t, nil)

	sub := h.e.Subscribe("room1", Handler{})

	h.inject(t, event.KindNewMessage, "room1", event.NewMessage{
		ID: "m1", SenderID: "u2", Content: "hi", CreatedAt: time.Now().UnixMilli(),
	})
	require.Eventually(t, func() bool { return len(h.e.Messages("room1")) == 1 },
		time.Second, 5*time.Millisecond)

	h.inject(t, event.KindReactionAdd, "room1", event.Reaction{MessageID: "m1", Symbol: "+1", Count: 2})
	require.Eventually(t, func() bool { return h.e.Reactions("m1")["+1"] == 2 },
		time.Second, 5*time.Millisecond)

	sub.Cancel()
	assert.Empty(t, h.e.Reactions("m1"), "reaction state leaves with the room")
}

func TestAuthenticate_ConcurrentWithResync(t *testing.T) {
	h := newHarness(t, nil)

	sub := h.e.Subscribe("room1", Handler{})
	defer sub.Cancel()

	tokens := testToken(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 25; i++ {
			// May fail while the transport is mid-reconnect; only the data
			// safety of the identity swap is under test.
			_ = h.e.Authenticate(context.Background(), tokens)
		}
	}()

	h.fake(0).Drop()
	<-done

	require.Eventually(t, func() bool { return h.e.State() == conn.StateAuthenticated },
		2*time.Second, 5*time.Millisecond)
}

func TestResync_ReplaysJoinsAfterReconnect(t *testing.T) {
	h := newHarness(t, nil)

	sub := h.e.Subscribe("room1", Handler{})
	defer sub.Cancel()
	h.e.Send("room1", "queued while up")
	require.Eventually(t, func() bool {
		return len(h.fake(0).SentOf(event.KindSendMessage)) == 1
	}, time.Second, 5*time.Millisecond)

	h.fake(0).Drop()

	require.Eventually(t, func() bool { return h.fakes() >= 2 },
		2*time.Second, 5*time.Millisecond, "no reconnect dial")
	require.Eventually(t, func() bool { return h.e.State() == conn.StateAuthenticated },
		2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		f := h.fake(h.fakes() - 1)
		return len(f.SentOf(event.KindJoinRoom)) == 1 && len(f.SentOf(event.KindPresenceSync)) == 1
	}, 2*time.Second, 5*time.Millisecond, "join and presence resync replayed on the fresh transport")
}

func TestRegistry_FirstAndLastTransitions(t *testing.T) {
	r := newRegistry()

	id1, first := r.add("room1", Handler{})
	assert.True(t, first)
	id2, first := r.add("room1", Handler{})
	assert.False(t, first)

	assert.Len(t, r.handlers("room1"), 2)
	assert.Equal(t, []string{"room1"}, r.roomIDs())

	assert.False(t, r.remove("room1", id1))
	assert.False(t, r.remove("room1", id1), "double cancel is a no-op")
	assert.True(t, r.remove("room1", id2))
	assert.Empty(t, r.roomIDs())
}
