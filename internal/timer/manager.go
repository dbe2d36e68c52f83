// Package timer implements the Timer Manager of spec §4.4/§5/§6: named
// one-shot timers armed by set_timer actions, plus the scheduling hooks the
// temporal matchers (absence, count, aggregate) need for their deadline and
// window-end callbacks.
package timer

import (
	"sync"
	"time"
)

// FireFunc is invoked when a named timer expires.
type FireFunc func(name, topic string, data any, correlationID string)

// Manager arms and cancels named timers (spec §6: "setTimer(spec),
// cancelTimer(name)").
type Manager struct {
	mu       sync.Mutex
	timers   map[string]*time.Timer
	internal map[string]*time.Timer
	onFire   FireFunc
}

// NewManager constructs a Manager.
func NewManager(onFire FireFunc) *Manager {
	return &Manager{
		timers:   make(map[string]*time.Timer),
		internal: make(map[string]*time.Timer),
		onFire:   onFire,
	}
}

// SetTimer arms a one-shot named timer. Re-arming a name already in flight
// cancels and replaces it, the same re-arm-cancels-old idiom the rule
// index's debounced persistence save uses.
func (m *Manager) SetTimer(name, topic string, data any, delay time.Duration, correlationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.timers[name]; ok {
		existing.Stop()
	}
	m.timers[name] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, name)
		m.mu.Unlock()
		if m.onFire != nil {
			m.onFire(name, topic, data, correlationID)
		}
	})
	return nil
}

// CancelTimer deregisters a named timer (spec §5: "does not purge past
// fires" — it only prevents a future one).
func (m *Manager) CancelTimer(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[name]; ok {
		t.Stop()
		delete(m.timers, name)
	}
	return nil
}

// ActiveCount returns the number of armed named timers.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// ScheduleAt arms a one-shot internal callback at an absolute deadline, the
// hook the engine wires to the absence/count/aggregate matchers'
// OnSchedule/HandleTimeout/HandleWindowEnd contract. Unlike SetTimer it is
// keyed by an opaque instance id and calls fn directly rather than through
// onFire.
func (m *Manager) ScheduleAt(id string, at time.Time, fn func()) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.internal[id] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.internal, id)
		m.mu.Unlock()
		fn()
	})
}

// CancelScheduled cancels a pending ScheduleAt callback, used when a
// temporal instance completes before its deadline (e.g. absence cancelled
// by its expected event).
func (m *Manager) CancelScheduled(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.internal[id]; ok {
		t.Stop()
		delete(m.internal, id)
	}
}

// Stop cancels every armed timer, named and internal (spec §5: "Shutdown
// cancels all registered timers").
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, t := range m.timers {
		t.Stop()
		delete(m.timers, name)
	}
	for id, t := range m.internal {
		t.Stop()
		delete(m.internal, id)
	}
}
