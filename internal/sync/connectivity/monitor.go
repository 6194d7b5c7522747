// Package connectivity tracks whether the server is reachable and triggers
// queue replay when it comes back.
package connectivity

import (
	"sync"

	"github.com/kimhsiao/shiftsync/internal/logging"
)

// Monitor holds the online flag. Subscribers are told about transitions;
// the reconnect trigger runs once per offline→online transition no matter
// how many subscribers exist.
type Monitor struct {
	mu          sync.Mutex
	online      bool
	subs        map[int]func(online bool)
	nextSub     int
	onReconnect func()
	reconnects  int
}

// NewMonitor creates a Monitor with an initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online: online,
		subs:   make(map[int]func(bool)),
	}
}

// OnReconnect sets the replay trigger, replacing any earlier one.
func (m *Monitor) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = fn
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Reconnects returns how many offline→online transitions have been seen.
func (m *Monitor) Reconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnects
}

// SetOnline records a platform or probe signal. Repeating the current state
// is not a transition and notifies nobody.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	var trigger func()
	if online {
		m.reconnects++
		trigger = m.onReconnect
	}
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{
		"online": online,
	})

	for _, fn := range subs {
		fn(online)
	}
	if trigger != nil {
		trigger()
	}
}

// Subscribe registers fn for state transitions.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}
