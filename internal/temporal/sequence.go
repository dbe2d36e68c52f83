package temporal

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/r3e-network/ruleflow/internal/events"
)

// SequenceState enumerates a sequence instance's lifecycle (spec §4.3.1).
type SequenceState string

const (
	SeqPending   SequenceState = "pending"
	SeqMatching  SequenceState = "matching"
	SeqCompleted SequenceState = "completed"
	SeqExpired   SequenceState = "expired"
)

// SequencePattern is an ordered list of event matchers with a deadline.
type SequencePattern struct {
	ID      string
	Steps   []EventMatcher
	Within  time.Duration
	GroupBy string
	Strict  bool
}

// SequenceInstance tracks one in-flight occurrence of a SequencePattern.
type SequenceInstance struct {
	ID        string
	PatternID string
	GroupKey  string
	State     SequenceState
	Matched   []events.Event
	StartedAt time.Time
	ExpiresAt time.Time
}

// SequenceMatch is produced when an instance completes.
type SequenceMatch struct {
	PatternID string
	GroupKey  string
	Events    []events.Event
}

// SequenceMatcher implements spec §4.3.1.
type SequenceMatcher struct {
	mu        sync.Mutex
	now       func() time.Time
	patterns  map[string]SequencePattern
	instances map[string]*SequenceInstance // by instance id
	active    map[string]string            // instanceKey(patternID,group) -> instance id, only while matching
	onExpire  func(SequenceInstance)
}

// NewSequenceMatcher constructs an empty matcher.
func NewSequenceMatcher() *SequenceMatcher {
	return &SequenceMatcher{
		now:       time.Now,
		patterns:  make(map[string]SequencePattern),
		instances: make(map[string]*SequenceInstance),
		active:    make(map[string]string),
	}
}

// SetNow injects a deterministic clock for tests.
func (m *SequenceMatcher) SetNow(f func() time.Time) { m.mu.Lock(); m.now = f; m.mu.Unlock() }

// OnExpire registers a callback fired when a matching instance expires.
func (m *SequenceMatcher) OnExpire(cb func(SequenceInstance)) {
	m.mu.Lock()
	m.onExpire = cb
	m.mu.Unlock()
}

// AddPattern validates and registers a sequence pattern.
func (m *SequenceMatcher) AddPattern(p SequencePattern) error {
	if len(p.Steps) == 0 {
		return errRequired("steps")
	}
	if p.Within <= 0 {
		return errRequired("within")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns[p.ID] = p
	return nil
}

// RemovePattern removes a pattern and every instance of it.
func (m *SequenceMatcher) RemovePattern(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.patterns, id)
	for key, instID := range m.active {
		if m.instances[instID].PatternID == id {
			delete(m.active, key)
			delete(m.instances, instID)
		}
	}
	for instID, inst := range m.instances {
		if inst.PatternID == id {
			delete(m.instances, instID)
		}
	}
}

// Reset discards both instances and patterns.
func (m *SequenceMatcher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = make(map[string]SequencePattern)
	m.instances = make(map[string]*SequenceInstance)
	m.active = make(map[string]string)
}

// Clear keeps patterns, discards instances.
func (m *SequenceMatcher) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances = make(map[string]*SequenceInstance)
	m.active = make(map[string]string)
}

// ActiveCount returns the number of instances currently in SeqMatching,
// exposed for the "active-instance count returns to 0" testable property.
func (m *SequenceMatcher) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// ProcessEvent feeds one event through every registered pattern.
func (m *SequenceMatcher) ProcessEvent(e events.Event) []SequenceMatch {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []SequenceMatch
	now := m.now()

	for patternID, pattern := range m.patterns {
		group := groupKey(e, pattern.GroupBy)
		key := instanceKey(patternID, group)

		if instID, ok := m.active[key]; ok {
			inst := m.instances[instID]
			if now.After(inst.ExpiresAt) {
				inst.State = SeqExpired
				delete(m.active, key)
				delete(m.instances, instID)
				if m.onExpire != nil {
					m.onExpire(*inst)
				}
			} else {
				next := pattern.Steps[len(inst.Matched)]
				if next.Matches(e) {
					inst.Matched = append(inst.Matched, e)
					if len(inst.Matched) == len(pattern.Steps) {
						inst.State = SeqCompleted
						delete(m.active, key)
						delete(m.instances, instID)
						matches = append(matches, SequenceMatch{
							PatternID: patternID,
							GroupKey:  group,
							Events:    inst.Matched,
						})
					}
					continue
				}
				if pattern.Strict {
					delete(m.active, key)
					delete(m.instances, instID)
				}
			}
		}

		if _, stillActive := m.active[key]; stillActive {
			continue
		}
		if len(pattern.Steps) == 0 || !pattern.Steps[0].Matches(e) {
			continue
		}

		inst := &SequenceInstance{
			ID:        uuid.NewString(),
			PatternID: patternID,
			GroupKey:  group,
			State:     SeqMatching,
			Matched:   []events.Event{e},
			StartedAt: now,
			ExpiresAt: now.Add(pattern.Within),
		}
		if len(pattern.Steps) == 1 {
			inst.State = SeqCompleted
			matches = append(matches, SequenceMatch{PatternID: patternID, GroupKey: group, Events: inst.Matched})
			continue
		}
		m.instances[inst.ID] = inst
		m.active[key] = inst.ID
	}

	return matches
}
