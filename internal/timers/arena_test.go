package timers

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena_SetFires(t *testing.T) {
	a := NewArena()
	defer a.Stop()

	fired := make(chan struct{})
	a.Set("k", 10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	assert.False(t, a.Active("k"), "key should be removed after firing")
}

func TestArena_SetReplacesExisting(t *testing.T) {
	a := NewArena()
	defer a.Stop()

	var calls atomic.Int32
	a.Set("k", 20*time.Millisecond, func() { calls.Add(1) })
	a.Set("k", 20*time.Millisecond, func() { calls.Add(1) })

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "replaced timer must not fire")
}

func TestArena_Cancel(t *testing.T) {
	a := NewArena()
	defer a.Stop()

	var calls atomic.Int32
	a.Set("k", 20*time.Millisecond, func() { calls.Add(1) })
	require.True(t, a.Active("k"))
	a.Cancel("k")

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.False(t, a.Active("k"))
}

func TestArena_CancelPrefix(t *testing.T) {
	a := NewArena()
	defer a.Stop()

	var calls atomic.Int32
	a.Set("typing:room1:u1", 20*time.Millisecond, func() { calls.Add(1) })
	a.Set("typing:room1:u2", 20*time.Millisecond, func() { calls.Add(1) })
	a.Set("typing:room2:u1", 20*time.Millisecond, func() { calls.Add(1) })

	a.CancelPrefix("typing:room1:")

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "only the other room's timer fires")
}

func TestArena_StopCancelsEverythingAndRejectsSet(t *testing.T) {
	a := NewArena()

	var calls atomic.Int32
	a.Set("a", 20*time.Millisecond, func() { calls.Add(1) })
	a.Set("b", 20*time.Millisecond, func() { calls.Add(1) })
	a.Stop()

	a.Set("c", time.Millisecond, func() { calls.Add(1) })
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}
