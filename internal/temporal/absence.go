package temporal

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/r3e-network/ruleflow/internal/events"
)

// AbsenceState enumerates an absence instance's lifecycle (spec §4.3.2).
type AbsenceState string

const (
	AbsWaiting   AbsenceState = "waiting"
	AbsCompleted AbsenceState = "completed"
	AbsCancelled AbsenceState = "cancelled"
)

// AbsencePattern fires when After happens but Expected does not, within a
// deadline.
type AbsencePattern struct {
	ID       string
	After    EventMatcher
	Expected EventMatcher
	Within   time.Duration
	GroupBy  string
}

// AbsenceInstance tracks one in-flight occurrence.
type AbsenceInstance struct {
	ID           string
	PatternID    string
	GroupKey     string
	State        AbsenceState
	TriggerEvent events.Event
	StartedAt    time.Time
	ExpiresAt    time.Time
}

// AbsenceMatch is produced when the absence succeeds (Expected never
// arrived within the window).
type AbsenceMatch struct {
	PatternID    string
	GroupKey     string
	TriggerEvent events.Event
}

// AbsenceMatcher implements spec §4.3.2.
type AbsenceMatcher struct {
	mu        sync.Mutex
	now       func() time.Time
	patterns  map[string]AbsencePattern
	instances map[string]*AbsenceInstance
	active    map[string]string // instanceKey -> instance id, while waiting
	onSchedule func(instanceID string, at time.Time)
}

// NewAbsenceMatcher constructs an empty matcher.
func NewAbsenceMatcher() *AbsenceMatcher {
	return &AbsenceMatcher{
		now:       time.Now,
		patterns:  make(map[string]AbsencePattern),
		instances: make(map[string]*AbsenceInstance),
		active:    make(map[string]string),
	}
}

// SetNow injects a deterministic clock for tests.
func (m *AbsenceMatcher) SetNow(f func() time.Time) { m.mu.Lock(); m.now = f; m.mu.Unlock() }

// OnSchedule registers a callback invoked when a waiting instance is
// created, so the caller (the engine's Timer Manager) can arm a timeout
// that later calls HandleTimeout(instanceID).
func (m *AbsenceMatcher) OnSchedule(cb func(instanceID string, at time.Time)) {
	m.mu.Lock()
	m.onSchedule = cb
	m.mu.Unlock()
}

// AddPattern validates and registers an absence pattern.
func (m *AbsenceMatcher) AddPattern(p AbsencePattern) error {
	if p.Within <= 0 {
		return errRequired("within")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns[p.ID] = p
	return nil
}

// RemovePattern removes a pattern and every instance of it.
func (m *AbsenceMatcher) RemovePattern(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.patterns, id)
	for key, instID := range m.active {
		if m.instances[instID].PatternID == id {
			delete(m.active, key)
			delete(m.instances, instID)
		}
	}
}

// Reset discards both instances and patterns.
func (m *AbsenceMatcher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = make(map[string]AbsencePattern)
	m.instances = make(map[string]*AbsenceInstance)
	m.active = make(map[string]string)
}

// Clear keeps patterns, discards instances.
func (m *AbsenceMatcher) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances = make(map[string]*AbsenceInstance)
	m.active = make(map[string]string)
}

// ActiveCount returns the number of currently-waiting instances.
func (m *AbsenceMatcher) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// ProcessEvent feeds one event through every registered pattern. It also
// opportunistically completes any waiting instance whose deadline has
// already passed, defensively covering a scheduler that lagged (spec
// §4.3.2).
func (m *AbsenceMatcher) ProcessEvent(e events.Event) []AbsenceMatch {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []AbsenceMatch
	now := m.now()

	for patternID, pattern := range m.patterns {
		group := groupKey(e, pattern.GroupBy)
		key := instanceKey(patternID, group)

		if instID, ok := m.active[key]; ok {
			inst := m.instances[instID]
			if pattern.Expected.Matches(e) {
				inst.State = AbsCancelled
				delete(m.active, key)
				delete(m.instances, instID)
				continue
			}
			if now.After(inst.ExpiresAt) || now.Equal(inst.ExpiresAt) {
				inst.State = AbsCompleted
				delete(m.active, key)
				delete(m.instances, instID)
				matches = append(matches, AbsenceMatch{PatternID: patternID, GroupKey: group, TriggerEvent: inst.TriggerEvent})
				continue
			}
		}

		if _, stillWaiting := m.active[key]; stillWaiting {
			continue
		}
		if !pattern.After.Matches(e) {
			continue
		}

		inst := &AbsenceInstance{
			ID:           uuid.NewString(),
			PatternID:    patternID,
			GroupKey:     group,
			State:        AbsWaiting,
			TriggerEvent: e,
			StartedAt:    now,
			ExpiresAt:    now.Add(pattern.Within),
		}
		m.instances[inst.ID] = inst
		m.active[key] = inst.ID
		if m.onSchedule != nil {
			m.onSchedule(inst.ID, inst.ExpiresAt)
		}
	}

	return matches
}

// HandleTimeout is called by the scheduler after `within` elapses for
// instanceID. If the instance is still waiting, the absence succeeded.
func (m *AbsenceMatcher) HandleTimeout(instanceID string) (AbsenceMatch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID]
	if !ok || inst.State != AbsWaiting {
		return AbsenceMatch{}, false
	}
	inst.State = AbsCompleted
	delete(m.active, instanceKey(inst.PatternID, inst.GroupKey))
	delete(m.instances, instanceID)
	return AbsenceMatch{PatternID: inst.PatternID, GroupKey: inst.GroupKey, TriggerEvent: inst.TriggerEvent}, true
}
