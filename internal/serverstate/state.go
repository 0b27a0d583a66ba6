// Package serverstate tracks the gateway lifecycle status shared by the
// health endpoints and the shutdown sequence.
package serverstate

import (
	"sync/atomic"
	"time"
)

const (
	StatusNotReady = "not_ready"
	StatusReady    = "ready"
	StatusDraining = "draining"
	StatusUnknown  = "unknown"
)

// State holds the gateway status and draining flag. All fields are updated
// together so callers always observe a consistent snapshot.
type State struct {
	Status   string    `json:"status"`
	Draining bool      `json:"draining"`
	Since    time.Time `json:"since"`
}

// Store defines how the state is persisted.
type Store interface {
	Load() State
	Store(State)
}

var active atomic.Pointer[storeBox]

type storeBox struct{ s Store }

func init() {
	UseStore(NewMemoryStore())
}

// UseStore replaces the active Store. Nil is ignored.
func UseStore(s Store) {
	if s != nil {
		active.Store(&storeBox{s: s})
	}
}

func current() Store { return active.Load().s }

type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a process-local Store initialized to not_ready.
func NewMemoryStore() *memoryStore {
	ms := &memoryStore{}
	ms.v.Store(State{Status: StatusNotReady, Since: time.Now()})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: StatusUnknown}
}

func (m *memoryStore) Store(s State) {
	m.v.Store(s)
}

// SetState updates the status. Once draining, the status only changes via
// Reset.
func SetState(status string) {
	s := current()
	st := s.Load()
	if st.Draining || st.Status == status {
		return
	}
	st.Status = status
	st.Since = time.Now()
	s.Store(st)
}

// GetState returns the current status.
func GetState() string {
	return current().Load().Status
}

// Snapshot returns the full current state.
func Snapshot() State {
	return current().Load()
}

// StartDrain marks the gateway as draining.
func StartDrain() {
	s := current()
	st := s.Load()
	st.Draining = true
	st.Status = StatusDraining
	st.Since = time.Now()
	s.Store(st)
}

// IsDraining reports whether the gateway is draining.
func IsDraining() bool {
	return current().Load().Draining
}

// Reset returns the active store to not_ready.
func Reset() {
	current().Store(State{Status: StatusNotReady, Since: time.Now()})
}
