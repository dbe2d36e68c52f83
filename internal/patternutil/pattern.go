// Package patternutil implements the colon/dot segmented glob grammar of
// spec §4.1/§6, duration parsing, and nested-field access used throughout
// the engine (fact keys, event topics, timer names, interpolation paths).
package patternutil

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

func marshalForPath(v any) ([]byte, error) {
	return json.Marshal(v)
}

// MatchColon reports whether key matches pattern under the fact/timer glob
// grammar: segments are colon-delimited, "*" matches exactly one segment,
// segment counts must agree.
func MatchColon(key, pattern string) bool {
	return match(key, pattern, ":")
}

// MatchDot reports whether topic matches pattern under the event-topic glob
// grammar: segments are dot-delimited, "*" matches exactly one segment.
func MatchDot(topic, pattern string) bool {
	return match(topic, pattern, ".")
}

func match(value, pattern, sep string) bool {
	vs := strings.Split(value, sep)
	ps := strings.Split(pattern, sep)
	if len(vs) != len(ps) {
		return false
	}
	for i, p := range ps {
		if p == "*" {
			continue
		}
		if p != vs[i] {
			return false
		}
	}
	return true
}

// HasWildcard reports whether pattern contains the "*" wildcard segment.
func HasWildcard(pattern, sep string) bool {
	for _, seg := range strings.Split(pattern, sep) {
		if seg == "*" {
			return true
		}
	}
	return false
}

// FirstSegment returns the first sep-delimited segment of s.
func FirstSegment(s, sep string) string {
	if idx := strings.Index(s, sep); idx >= 0 {
		return s[:idx]
	}
	return s
}

// ParseDuration parses spec §6's duration grammar: a decimal integer
// followed by a unit in {ms,s,m,h,d}, or a bare numeric form interpreted as
// milliseconds.
func ParseDuration(spec string) (time.Duration, error) {
	trimmed := strings.TrimSpace(spec)
	if trimmed == "" {
		return 0, fmt.Errorf("duration is required")
	}

	if ms, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}

	unitLen := 1
	if strings.HasSuffix(trimmed, "ms") {
		unitLen = 2
	}
	if len(trimmed) <= unitLen {
		return 0, fmt.Errorf("invalid duration %q", spec)
	}
	numPart := trimmed[:len(trimmed)-unitLen]
	unit := trimmed[len(trimmed)-unitLen:]

	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", spec, err)
	}

	switch unit {
	case "ms":
		return time.Duration(n) * time.Millisecond, nil
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid duration unit in %q", spec)
	}
}

// NestedGet resolves a dot-separated path against an arbitrary JSON-ish
// value (maps, slices, scalars). map[string]any levels are walked directly,
// keeping their Go values; any other value is marshalled to JSON and the
// rest of the path is resolved through gjson.
func NestedGet(value any, path string) (any, bool) {
	if path == "" {
		return value, true
	}
	if m, ok := value.(map[string]any); ok {
		return nestedGetMap(m, strings.Split(path, "."))
	}
	raw, err := marshalForPath(value)
	if err != nil {
		return nil, false
	}
	result := gjson.GetBytes(raw, path)
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

func nestedGetMap(m map[string]any, parts []string) (any, bool) {
	var cur any = m
	for _, part := range parts {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nestedGetFallback(cur, parts)
		}
		v, found := asMap[part]
		if !found {
			return nil, false
		}
		cur = v
		parts = parts[1:]
	}
	return cur, true
}

func nestedGetFallback(cur any, parts []string) (any, bool) {
	raw, err := marshalForPath(cur)
	if err != nil {
		return nil, false
	}
	result := gjson.GetBytes(raw, strings.Join(parts, "."))
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

// ToFloat coerces common numeric JSON representations to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Stringify renders a primitive value the way interpolation does: strings
// pass through unquoted, everything else uses its JSON representation.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "undefined"
	case string:
		return t
	default:
		raw, err := marshalForPath(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return strings.Trim(string(raw), `"`)
	}
}
