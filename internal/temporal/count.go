package temporal

import (
	"time"

	"sync"

	"github.com/google/uuid"
	"github.com/r3e-network/ruleflow/internal/events"
)

// WindowKind distinguishes the two windowing strategies of spec §4.3.3.
type WindowKind string

const (
	WindowSliding  WindowKind = "sliding"
	WindowTumbling WindowKind = "tumbling"
)

// CountPattern fires when the number of matching events within a window
// satisfies a comparison against Threshold.
type CountPattern struct {
	ID        string
	Match     EventMatcher
	Window    time.Duration
	Kind      WindowKind // defaults to WindowSliding when empty
	Comparison string     // gte, lte, eq; defaults to gte
	Threshold int
	GroupBy   string
}

// countInstance tracks one (pattern, groupKey) accumulation.
type countInstance struct {
	id        string
	patternID string
	groupKey  string
	events    []events.Event // event timestamps within the current window
	windowEnd time.Time      // tumbling only: when the current bucket closes
}

// CountMatch is emitted when a count pattern's comparison is satisfied.
type CountMatch struct {
	PatternID string
	GroupKey  string
	Count     int
	Events    []events.Event
}

// CountMatcher implements spec §4.3.3.
type CountMatcher struct {
	mu         sync.Mutex
	now        func() time.Time
	patterns   map[string]CountPattern
	instances  map[string]*countInstance
	active     map[string]string // instanceKey -> instance id, for both window kinds
	onSchedule func(instanceID string, at time.Time)
}

// NewCountMatcher constructs an empty matcher.
func NewCountMatcher() *CountMatcher {
	return &CountMatcher{
		now:       time.Now,
		patterns:  make(map[string]CountPattern),
		instances: make(map[string]*countInstance),
		active:    make(map[string]string),
	}
}

// SetNow injects a deterministic clock for tests.
func (m *CountMatcher) SetNow(f func() time.Time) { m.mu.Lock(); m.now = f; m.mu.Unlock() }

// OnSchedule registers a callback fired when a tumbling window is opened,
// so the caller can arm a timer that later calls HandleWindowEnd.
func (m *CountMatcher) OnSchedule(cb func(instanceID string, at time.Time)) {
	m.mu.Lock()
	m.onSchedule = cb
	m.mu.Unlock()
}

// AddPattern validates and registers a count pattern.
func (m *CountMatcher) AddPattern(p CountPattern) error {
	if p.Window <= 0 {
		return errRequired("window")
	}
	if p.Kind == "" {
		p.Kind = WindowSliding
	}
	if p.Comparison == "" {
		p.Comparison = "gte"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns[p.ID] = p
	return nil
}

// RemovePattern removes a pattern and every instance of it.
func (m *CountMatcher) RemovePattern(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.patterns, id)
	for key, instID := range m.active {
		if m.instances[instID].patternID == id {
			delete(m.active, key)
			delete(m.instances, instID)
		}
	}
}

// Reset discards both instances and patterns.
func (m *CountMatcher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = make(map[string]CountPattern)
	m.instances = make(map[string]*countInstance)
	m.active = make(map[string]string)
}

// Clear keeps patterns, discards instances.
func (m *CountMatcher) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances = make(map[string]*countInstance)
	m.active = make(map[string]string)
}

// ActiveCount returns the number of open windows, tumbling and sliding
// alike.
func (m *CountMatcher) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func compare(count, threshold int, op string) bool {
	switch op {
	case "gte":
		return count >= threshold
	case "lte":
		return count <= threshold
	case "eq":
		return count == threshold
	default:
		return count >= threshold
	}
}

// ProcessEvent feeds one event through every registered pattern.
func (m *CountMatcher) ProcessEvent(e events.Event) []CountMatch {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []CountMatch
	now := m.now()

	for patternID, pattern := range m.patterns {
		if !pattern.Match.Matches(e) {
			continue
		}
		group := groupKey(e, pattern.GroupBy)
		key := instanceKey(patternID, group)

		switch pattern.Kind {
		case WindowTumbling:
			instID, ok := m.active[key]
			var inst *countInstance
			if ok {
				inst = m.instances[instID]
				if now.After(inst.windowEnd) {
					// stale bucket the scheduler hasn't closed yet; reopen.
					delete(m.active, key)
					delete(m.instances, instID)
					ok = false
				}
			}
			if !ok {
				inst = &countInstance{
					id:        uuid.NewString(),
					patternID: patternID,
					groupKey:  group,
					windowEnd: now.Truncate(pattern.Window).Add(pattern.Window),
				}
				m.instances[inst.id] = inst
				m.active[key] = inst.id
				if m.onSchedule != nil {
					m.onSchedule(inst.id, inst.windowEnd)
				}
			}
			inst.events = append(inst.events, e)

		default: // sliding
			instID, ok := m.active[key]
			var inst *countInstance
			if ok {
				inst = m.instances[instID]
			} else {
				inst = &countInstance{id: uuid.NewString(), patternID: patternID, groupKey: group}
				m.instances[inst.id] = inst
				m.active[key] = inst.id
			}
			inst.events = append(inst.events, e)
			cutoff := now.Add(-pattern.Window)
			kept := inst.events[:0]
			for _, ev := range inst.events {
				if time.UnixMilli(ev.Timestamp).After(cutoff) {
					kept = append(kept, ev)
				}
			}
			inst.events = kept
			if compare(len(inst.events), pattern.Threshold, pattern.Comparison) {
				matches = append(matches, CountMatch{PatternID: patternID, GroupKey: group, Count: len(inst.events), Events: append([]events.Event(nil), inst.events...)})
			}
		}
	}

	return matches
}

// HandleWindowEnd is called by the scheduler when a tumbling window closes.
// It evaluates the accumulated count and always clears the bucket.
func (m *CountMatcher) HandleWindowEnd(instanceID string) (CountMatch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID]
	if !ok {
		return CountMatch{}, false
	}
	pattern, ok := m.patterns[inst.patternID]
	delete(m.active, instanceKey(inst.patternID, inst.groupKey))
	delete(m.instances, instanceID)
	if !ok {
		return CountMatch{}, false
	}
	if !compare(len(inst.events), pattern.Threshold, pattern.Comparison) {
		return CountMatch{}, false
	}
	return CountMatch{PatternID: inst.patternID, GroupKey: inst.groupKey, Count: len(inst.events), Events: inst.events}, true
}
