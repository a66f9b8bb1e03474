package reaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicly/chatsync/internal/event"
)

func discard(event.Envelope) error { return nil }

func TestAddRemove_OptimisticCounts(t *testing.T) {
	a := New("me", discard, nil)

	require.NoError(t, a.Add("room1", "m1", "+1"))
	require.NoError(t, a.Add("room1", "m1", "+1"))
	require.NoError(t, a.Add("room1", "m1", "heart"))
	assert.Equal(t, map[string]int{"+1": 2, "heart": 1}, a.Reactions("m1"))

	require.NoError(t, a.Remove("room1", "m1", "+1"))
	assert.Equal(t, map[string]int{"+1": 1, "heart": 1}, a.Reactions("m1"))
}

func TestRemove_NeverGoesNegative(t *testing.T) {
	a := New("me", discard, nil)

	// N adds followed by N removes, plus extras, ends at an empty set.
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Add("room1", "m1", "+1"))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, a.Remove("room1", "m1", "+1"))
	}
	assert.Empty(t, a.Reactions("m1"), "zero entries are removed, not kept at 0")

	require.NoError(t, a.Add("room1", "m1", "+1"))
	assert.Equal(t, map[string]int{"+1": 1}, a.Reactions("m1"), "counts restart from zero, not negative")
}

func TestHandleEvent_AuthoritativeOverwrite(t *testing.T) {
	a := New("me", discard, nil)

	require.NoError(t, a.Add("room1", "m1", "+1"))
	require.NoError(t, a.Add("room1", "m1", "+1"))

	// The server's count wins over the optimistic value.
	a.HandleEvent(event.Reaction{MessageID: "m1", Symbol: "+1", Count: 7})
	assert.Equal(t, map[string]int{"+1": 7}, a.Reactions("m1"))

	a.HandleEvent(event.Reaction{MessageID: "m1", Symbol: "+1", Count: 0})
	assert.Empty(t, a.Reactions("m1"))
}

func TestTransmit_CarriesMutation(t *testing.T) {
	var sent []event.Envelope
	a := New("me", func(env event.Envelope) error {
		sent = append(sent, env)
		return nil
	}, nil)

	require.NoError(t, a.Add("room1", "m1", "heart"))
	require.NoError(t, a.Remove("room1", "m1", "heart"))

	require.Len(t, sent, 2)
	assert.Equal(t, event.KindReactionAdd, sent[0].Kind)
	assert.Equal(t, event.KindReactionRem, sent[1].Kind)
	assert.Equal(t, "room1", sent[0].RoomID)

	payload, err := sent[0].Decode()
	require.NoError(t, err)
	r := payload.(event.Reaction)
	assert.Equal(t, "m1", r.MessageID)
	assert.Equal(t, "heart", r.Symbol)
	assert.Equal(t, "me", r.UserID)
}

func TestOnChange_SnapshotPerMutation(t *testing.T) {
	a := New("me", discard, nil)

	var last map[string]int
	a.OnChange = func(_ string, reactions map[string]int) { last = reactions }

	require.NoError(t, a.Add("room1", "m1", "+1"))
	assert.Equal(t, map[string]int{"+1": 1}, last)

	a.DropMessage("m1")
	assert.Empty(t, a.Reactions("m1"))
}
