package camera

import (
	"sync"
	"time"
)

// State is the lifecycle position of a Service.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// fpsMeter counts delivered frames in one-second buckets.
type fpsMeter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	current     float64
}

func (m *fpsMeter) tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.windowStart.IsZero() {
		m.windowStart = now
	}
	m.count++
	if elapsed := now.Sub(m.windowStart); elapsed >= time.Second {
		m.current = float64(m.count) / elapsed.Seconds()
		m.count = 0
		m.windowStart = now
	}
}

func (m *fpsMeter) value() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *fpsMeter) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count = 0
	m.current = 0
	m.windowStart = time.Time{}
}
