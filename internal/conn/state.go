package conn

import (
	"sync"
	"time"
)

// State is the connection lifecycle state.
type State int

const (
	// StateDisconnected means no live transport. Initial and recovery state.
	StateDisconnected State = iota

	// StateConnecting means a dial is in flight.
	StateConnecting

	// StateConnected means the transport is open but not yet authenticated.
	StateConnected

	// StateAuthenticated means the server accepted the identity.
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// StateChange is emitted on every transition.
type StateChange struct {
	Old State
	New State
	Err error
}

// Quality classifies the connection from rolling heartbeat latency.
type Quality int

const (
	QualityExcellent Quality = iota
	QualityGood
	QualityPoor
)

func (q Quality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	default:
		return "poor"
	}
}

const (
	rttWindow          = 20
	excellentThreshold = 30 * time.Millisecond
	goodThreshold      = 100 * time.Millisecond
)

// latencyRing is a fixed-size circular buffer of heartbeat round trips.
type latencyRing struct {
	mu      sync.Mutex
	samples [rttWindow]time.Duration
	idx     int
	count   int
}

func (r *latencyRing) record(rtt time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.idx] = rtt
	r.idx = (r.idx + 1) % rttWindow
	if r.count < rttWindow {
		r.count++
	}
}

func (r *latencyRing) average() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < r.count; i++ {
		sum += r.samples[i]
	}
	return sum / time.Duration(r.count)
}

func (r *latencyRing) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idx = 0
	r.count = 0
}

func classify(avg time.Duration) Quality {
	switch {
	case avg < excellentThreshold:
		return QualityExcellent
	case avg < goodThreshold:
		return QualityGood
	default:
		return QualityPoor
	}
}
