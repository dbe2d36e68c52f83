package rules

import (
	"sort"
	"strings"

	"github.com/r3e-network/ruleflow/internal/patternutil"
)

// forwardIndex holds the exact/wildcard split of spec §4.2 for one trigger
// kind ("one map per kind" for exact patterns, one for wildcard patterns).
type forwardIndex struct {
	exact    map[string]map[string]struct{} // pattern -> rule ids
	wildcard map[string]map[string]struct{}
}

func newForwardIndex() *forwardIndex {
	return &forwardIndex{
		exact:    make(map[string]map[string]struct{}),
		wildcard: make(map[string]map[string]struct{}),
	}
}

func (fi *forwardIndex) add(pattern, ruleID, sep string) {
	target := fi.exact
	if patternutil.HasWildcard(pattern, sep) {
		target = fi.wildcard
	}
	set, ok := target[pattern]
	if !ok {
		set = make(map[string]struct{})
		target[pattern] = set
	}
	set[ruleID] = struct{}{}
}

func (fi *forwardIndex) remove(pattern, ruleID, sep string) {
	target := fi.exact
	if patternutil.HasWildcard(pattern, sep) {
		target = fi.wildcard
	}
	if set, ok := target[pattern]; ok {
		delete(set, ruleID)
		if len(set) == 0 {
			delete(target, pattern)
		}
	}
}

// lookup returns the rule-id set matching a concrete key/topic/name: the
// exact bucket union every wildcard bucket whose pattern matches.
func (fi *forwardIndex) lookup(value, sep string) map[string]struct{} {
	out := make(map[string]struct{})
	if set, ok := fi.exact[value]; ok {
		for id := range set {
			out[id] = struct{}{}
		}
	}
	for pattern, set := range fi.wildcard {
		if matchSep(value, pattern, sep) {
			for id := range set {
				out[id] = struct{}{}
			}
		}
	}
	return out
}

func matchSep(value, pattern, sep string) bool {
	if sep == ":" {
		return patternutil.MatchColon(value, pattern)
	}
	return patternutil.MatchDot(value, pattern)
}

// reverseIndex maps action-produced keys/topics back to rule ids (spec
// §4.2's backward-chaining index). Interpolation placeholders are
// normalised to "*" before indexing, so templated products land in the
// wildcard bucket exactly like forward patterns do.
type reverseIndex struct {
	*forwardIndex
}

func newReverseIndex() *reverseIndex { return &reverseIndex{newForwardIndex()} }

// normalizeTemplate replaces every ${...} interpolation with "*" so a
// produced key like "customer:${event.id}:tier" indexes the same as the
// forward pattern "customer:*:tier".
func normalizeTemplate(s string) string {
	var b strings.Builder
	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "${")
		if start < 0 {
			b.WriteString(s[i:])
			break
		}
		start += i
		b.WriteString(s[i:start])
		end := strings.Index(s[start:], "}")
		if end < 0 {
			b.WriteString(s[start:])
			break
		}
		end += start
		b.WriteString("*")
		i = end + 1
	}
	return b.String()
}

// collectActionTargets walks an action list recursively (through
// conditional.then/else, for_each.body, try_catch.try/catch.actions/
// finally) and returns the normalised fact keys and event topics it would
// produce.
func collectActionTargets(actions []Action) (factKeys []string, eventTopics []string) {
	var walk func([]Action)
	walk = func(actions []Action) {
		for _, a := range actions {
			switch a.Type {
			case ActionSetFact:
				factKeys = append(factKeys, normalizeTemplate(a.Key))
			case ActionEmitEvent:
				eventTopics = append(eventTopics, normalizeTemplate(a.Topic))
			case ActionConditional:
				walk(a.Then)
				walk(a.Else)
			case ActionForEach:
				walk(a.Body)
			case ActionTryCatch:
				walk(a.Try)
				if a.Catch != nil {
					walk(a.Catch.Actions)
				}
				walk(a.Finally)
			}
		}
	}
	walk(actions)
	return factKeys, eventTopics
}

// sortByPriorityDesc sorts rule ids by the priority of their rule,
// descending. Ties are intentionally left unresolved (spec §9 Open
// Question a): sort.Slice is not stable, and no caller may depend on tie
// order.
func sortByPriorityDesc(rules []*Rule) {
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
}
