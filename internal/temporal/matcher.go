// Package temporal implements the four cooperating temporal pattern state
// machines of spec §4.3: sequence, absence, count and aggregate matchers.
// Each indexes instances by pattern and by (pattern, groupKey), guarantees
// at most one live instance per (pattern, groupKey), and injects its own
// clock for deterministic tests.
package temporal

import (
	"strings"

	"github.com/r3e-network/ruleflow/internal/events"
	"github.com/r3e-network/ruleflow/internal/patternutil"
)

// Filter is one AND-combined field check an EventMatcher applies to an
// event's data payload, in addition to its topic glob.
type Filter struct {
	Path  string
	Op    string // eq, neq, gt, gte, lt, lte, contains
	Value any
}

// EventMatcher is the "event matcher" referenced throughout spec §4.3:
// a topic glob plus optional field filters.
type EventMatcher struct {
	Topic   string
	Filters []Filter
}

// Matches reports whether e satisfies the topic glob and every filter.
func (m EventMatcher) Matches(e events.Event) bool {
	if m.Topic != "" && !patternutil.MatchDot(e.Topic, m.Topic) {
		return false
	}
	for _, f := range m.Filters {
		if !evalFilter(e.Data, f) {
			return false
		}
	}
	return true
}

func evalFilter(data any, f Filter) bool {
	v, ok := patternutil.NestedGet(data, f.Path)
	switch f.Op {
	case "", "eq":
		return ok && equalValues(v, f.Value)
	case "neq":
		return !ok || !equalValues(v, f.Value)
	case "exists":
		return ok
	case "contains":
		if !ok {
			return false
		}
		return strings.Contains(patternutil.Stringify(v), patternutil.Stringify(f.Value))
	case "gt", "gte", "lt", "lte":
		if !ok {
			return false
		}
		vf, vok := toFloat(v)
		tf, tok := toFloat(f.Value)
		if !vok || !tok {
			return false
		}
		switch f.Op {
		case "gt":
			return vf > tf
		case "gte":
			return vf >= tf
		case "lt":
			return vf < tf
		default:
			return vf <= tf
		}
	default:
		return false
	}
}

func equalValues(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return patternutil.Stringify(a) == patternutil.Stringify(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// groupKey extracts the dot-path groupBy value from event data, stringified
// per spec §4.3 ("numbers and primitives are stringified"); missing values
// yield the empty string.
func groupKey(e events.Event, groupBy string) string {
	if groupBy == "" {
		return ""
	}
	v, ok := patternutil.NestedGet(e.Data, groupBy)
	if !ok {
		return ""
	}
	return patternutil.Stringify(v)
}

// instanceKey identifies a (pattern, groupKey) slot.
func instanceKey(patternID, group string) string {
	return patternID + "\x00" + group
}
