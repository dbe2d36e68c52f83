package actions

import (
	"strings"

	"github.com/r3e-network/ruleflow/internal/patternutil"
	"github.com/r3e-network/ruleflow/internal/rules"
)

// Interpolate replaces every ${path} segment of s with its stringified
// resolution against ctx. An unresolved reference renders as "undefined"
// (spec §4.4).
func Interpolate(s string, ctx *ExecutionContext) string {
	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		end += start
		b.WriteString(rest[:start])
		path := rest[start+2 : end]
		value, ok := ctx.resolvePath(path)
		if !ok {
			b.WriteString("undefined")
		} else {
			b.WriteString(patternutil.Stringify(value))
		}
		rest = rest[end+1:]
	}
	return b.String()
}

// ResolveValue resolves a ValueExpr against ctx: a {ref: path} expression
// returns the native value unconverted; a literal interpolates every
// string it (recursively) contains through Interpolate and leaves other
// types untouched.
func ResolveValue(v rules.ValueExpr, ctx *ExecutionContext) any {
	if v.IsRef() {
		value, ok := ctx.resolvePath(v.Ref)
		if !ok {
			return nil
		}
		return value
	}
	return interpolateDeep(v.Literal, ctx)
}

func interpolateDeep(v any, ctx *ExecutionContext) any {
	switch t := v.(type) {
	case string:
		return Interpolate(t, ctx)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = interpolateDeep(val, ctx)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = interpolateDeep(val, ctx)
		}
		return out
	default:
		return v
	}
}
