package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DelaysNonDecreasingAndCapped(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, MaxAttempts: 10}

	prevCap := time.Duration(0)
	for attempt := 0; attempt < 10; attempt++ {
		d := b.Delay(attempt)
		assert.LessOrEqual(t, d, b.Max, "attempt %d over cap", attempt)
		// The deterministic floor (before jitter) must not decrease.
		floor := b.Base << attempt
		if floor > b.Max {
			floor = b.Max
		}
		assert.GreaterOrEqual(t, d, min(floor, b.Max))
		assert.GreaterOrEqual(t, floor, prevCap)
		prevCap = floor
	}
}

func TestBackoff_Exhausted(t *testing.T) {
	b := Backoff{Base: time.Millisecond, Max: time.Second, MaxAttempts: 3}
	assert.False(t, b.Exhausted(0))
	assert.False(t, b.Exhausted(2))
	assert.True(t, b.Exhausted(3))
	assert.True(t, b.Exhausted(7))

	unbounded := Backoff{Base: time.Millisecond, Max: time.Second}
	assert.False(t, unbounded.Exhausted(1000))
}

func TestLatencyRing_AverageAndClassify(t *testing.T) {
	var r latencyRing
	assert.Equal(t, time.Duration(0), r.average())

	r.record(10 * time.Millisecond)
	r.record(20 * time.Millisecond)
	assert.Equal(t, 15*time.Millisecond, r.average())
	assert.Equal(t, QualityExcellent, classify(r.average()))

	// Fill the window with slow samples; old fast ones age out.
	for i := 0; i < rttWindow; i++ {
		r.record(200 * time.Millisecond)
	}
	assert.Equal(t, 200*time.Millisecond, r.average())
	assert.Equal(t, QualityPoor, classify(r.average()))

	assert.Equal(t, QualityGood, classify(50*time.Millisecond))
}

func TestStateAndQualityStrings(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "excellent", QualityExcellent.String())
	assert.Equal(t, "good", QualityGood.String())
	assert.Equal(t, "poor", QualityPoor.String())
}
