package temporal

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/r3e-network/ruleflow/internal/events"
	"github.com/r3e-network/ruleflow/internal/patternutil"
)

// AggregateFunc names the reduction applied over a window's matching events.
type AggregateFunc string

const (
	AggSum   AggregateFunc = "sum"
	AggAvg   AggregateFunc = "avg"
	AggMin   AggregateFunc = "min"
	AggMax   AggregateFunc = "max"
	AggCount AggregateFunc = "count"
)

// AggregatePattern computes Func over Field across matching events within
// Window, comparing the result against Threshold via Comparison.
type AggregatePattern struct {
	ID         string
	Match      EventMatcher
	Field      string
	Func       AggregateFunc
	Window     time.Duration
	Kind       WindowKind // defaults to WindowSliding
	Comparison string     // gte, lte, eq; defaults to gte
	Threshold  float64
	GroupBy    string
}

type aggregateInstance struct {
	id        string
	patternID string
	groupKey  string
	events    []events.Event
	windowEnd time.Time
}

// AggregateMatch is emitted when an aggregate pattern's comparison is
// satisfied.
type AggregateMatch struct {
	PatternID string
	GroupKey  string
	Value     float64
	Events    []events.Event
}

// AggregateMatcher implements spec §4.3.4.
type AggregateMatcher struct {
	mu         sync.Mutex
	now        func() time.Time
	patterns   map[string]AggregatePattern
	instances  map[string]*aggregateInstance
	active     map[string]string
	onSchedule func(instanceID string, at time.Time)
}

// NewAggregateMatcher constructs an empty matcher.
func NewAggregateMatcher() *AggregateMatcher {
	return &AggregateMatcher{
		now:       time.Now,
		patterns:  make(map[string]AggregatePattern),
		instances: make(map[string]*aggregateInstance),
		active:    make(map[string]string),
	}
}

// SetNow injects a deterministic clock for tests.
func (m *AggregateMatcher) SetNow(f func() time.Time) { m.mu.Lock(); m.now = f; m.mu.Unlock() }

// OnSchedule registers a callback fired when a tumbling window is opened.
func (m *AggregateMatcher) OnSchedule(cb func(instanceID string, at time.Time)) {
	m.mu.Lock()
	m.onSchedule = cb
	m.mu.Unlock()
}

// AddPattern validates and registers an aggregate pattern.
func (m *AggregateMatcher) AddPattern(p AggregatePattern) error {
	if p.Window <= 0 {
		return errRequired("window")
	}
	if p.Func != AggCount && p.Field == "" {
		return errRequired("field")
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
func (m *AggregateMatcher) RemovePattern(id string) {
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
func (m *AggregateMatcher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = make(map[string]AggregatePattern)
	m.instances = make(map[string]*aggregateInstance)
	m.active = make(map[string]string)
}

// Clear keeps patterns, discards instances.
func (m *AggregateMatcher) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances = make(map[string]*aggregateInstance)
	m.active = make(map[string]string)
}

// ActiveCount returns the number of open windows, tumbling and sliding
// alike.
func (m *AggregateMatcher) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// reduce computes fn over field across evs. Empty-input semantics (spec
// §4.3.4): sum/avg -> 0, min -> +Inf, max -> -Inf, count -> 0.
func reduce(evs []events.Event, field string, fn AggregateFunc) float64 {
	if fn == AggCount {
		return float64(len(evs))
	}
	if len(evs) == 0 {
		switch fn {
		case AggMin:
			return math.Inf(1)
		case AggMax:
			return math.Inf(-1)
		default:
			return 0
		}
	}
	var sum, min, max float64
	first := true
	for _, e := range evs {
		v, ok := patternutil.NestedGet(e.Data, field)
		if !ok {
			continue
		}
		f, ok := toFloat(v)
		if !ok {
			continue
		}
		sum += f
		if first {
			min, max, first = f, f, false
		} else {
			if f < min {
				min = f
			}
			if f > max {
				max = f
			}
		}
	}
	switch fn {
	case AggSum:
		return sum
	case AggAvg:
		return sum / float64(len(evs))
	case AggMin:
		return min
	case AggMax:
		return max
	default:
		return sum
	}
}

func compareFloat(value, threshold float64, op string) bool {
	switch op {
	case "gte":
		return value >= threshold
	case "lte":
		return value <= threshold
	case "eq":
		return value == threshold
	default:
		return value >= threshold
	}
}

// ProcessEvent feeds one event through every registered pattern.
func (m *AggregateMatcher) ProcessEvent(e events.Event) []AggregateMatch {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []AggregateMatch
	now := m.now()

	for patternID, pattern := range m.patterns {
		if !pattern.Match.Matches(e) {
			continue
		}
		group := groupKey(e, pattern.GroupBy)
		key := instanceKey(patternID, group)

		if pattern.Kind == WindowTumbling {
			instID, ok := m.active[key]
			var inst *aggregateInstance
			if ok {
				inst = m.instances[instID]
				if now.After(inst.windowEnd) {
					delete(m.active, key)
					delete(m.instances, instID)
					ok = false
				}
			}
			if !ok {
				inst = &aggregateInstance{
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
			continue
		}

		instID, ok := m.active[key]
		var inst *aggregateInstance
		if ok {
			inst = m.instances[instID]
		} else {
			inst = &aggregateInstance{id: uuid.NewString(), patternID: patternID, groupKey: group}
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

		value := reduce(inst.events, pattern.Field, pattern.Func)
		if compareFloat(value, pattern.Threshold, pattern.Comparison) {
			matches = append(matches, AggregateMatch{PatternID: patternID, GroupKey: group, Value: value, Events: append([]events.Event(nil), inst.events...)})
		}
	}

	return matches
}

// HandleWindowEnd is called by the scheduler when a tumbling window closes.
func (m *AggregateMatcher) HandleWindowEnd(instanceID string) (AggregateMatch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID]
	if !ok {
		return AggregateMatch{}, false
	}
	pattern, ok := m.patterns[inst.patternID]
	delete(m.active, instanceKey(inst.patternID, inst.groupKey))
	delete(m.instances, instanceID)
	if !ok {
		return AggregateMatch{}, false
	}
	value := reduce(inst.events, pattern.Field, pattern.Func)
	if !compareFloat(value, pattern.Threshold, pattern.Comparison) {
		return AggregateMatch{}, false
	}
	return AggregateMatch{PatternID: inst.patternID, GroupKey: inst.groupKey, Value: value, Events: inst.events}, true
}
