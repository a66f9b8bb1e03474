package event

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicly/chatsync/internal/errs"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	env, err := New(KindSendMessage, "room1", SendMessage{
		ClientID:    "tmp-1",
		SenderID:    "u1",
		Content:     "hello",
		MessageType: "text",
		ClientTime:  1234,
	})
	require.NoError(t, err)
	require.Equal(t, "room1", env.RoomID)
	require.NotZero(t, env.Timestamp)

	data, err := env.Marshal()
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, KindSendMessage, decoded.Kind)

	payload, err := decoded.Decode()
	require.NoError(t, err)
	sm, ok := payload.(SendMessage)
	require.True(t, ok)
	assert.Equal(t, "tmp-1", sm.ClientID)
	assert.Equal(t, "hello", sm.Content)
}

func TestEnvelope_DecodeByKind(t *testing.T) {
	tests := []struct {
		kind Kind
		data any
		want any
	}{
		{KindAuthenticated, Authenticated{UserID: "u1"}, Authenticated{UserID: "u1"}},
		{KindAuthError, AuthError{Reason: "expired"}, AuthError{Reason: "expired"}},
		{KindTypingStart, Typing{UserID: "u1"}, Typing{UserID: "u1"}},
		{KindTypingStop, Typing{UserID: "u1"}, Typing{UserID: "u1"}},
		{KindReactionAdd, Reaction{MessageID: "m1", Symbol: "+1", Count: 2}, Reaction{MessageID: "m1", Symbol: "+1", Count: 2}},
		{KindPresenceSync, PresenceSync{Users: []Presence{{UserID: "u1"}}}, PresenceSync{Users: []Presence{{UserID: "u1"}}}},
		{KindAck, Ack{ClientIDs: []string{"tmp-1"}, OK: true}, Ack{ClientIDs: []string{"tmp-1"}, OK: true}},
		{KindError, ErrorEvent{Message: "boom"}, ErrorEvent{Message: "boom"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			env, err := New(tt.kind, "room1", tt.data)
			require.NoError(t, err)
			payload, err := env.Decode()
			require.NoError(t, err)
			assert.Equal(t, tt.want, payload)
		})
	}
}

func TestEnvelope_UnknownKindRejected(t *testing.T) {
	env := Envelope{Kind: Kind("mystery")}
	_, err := env.Decode()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestUnmarshal_RejectsMissingKind(t *testing.T) {
	_, err := Unmarshal([]byte(`{"timestamp":1}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrValidation))

	_, err = Unmarshal([]byte(`not json`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestEnvelope_BatchForms(t *testing.T) {
	env, err := New(KindNewBatch, "room1", NewBatch{Messages: []NewMessage{
		{ID: "m1", SenderID: "u1", Content: "a"},
		{ID: "m2", SenderID: "u2", Content: "b"},
	}})
	require.NoError(t, err)

	payload, err := env.Decode()
	require.NoError(t, err)
	batch := payload.(NewBatch)
	require.Len(t, batch.Messages, 2)
	assert.Equal(t, "m2", batch.Messages[1].ID)
}
