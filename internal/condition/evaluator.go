// Package condition evaluates rule and conditional-action guards (spec
// §4.4's "require a condition evaluator to be configured"). Conditions are
// AND-combined; a plain dot path resolves through patternutil the same way
// interpolation does, while a path beginning with "$" is a full JSONPath
// expression evaluated with PaesslerAG/jsonpath, for the array-index and
// filter expressions a dot path cannot express.
package condition

import (
	"fmt"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/r3e-network/ruleflow/internal/patternutil"
	"github.com/r3e-network/ruleflow/internal/rules"
)

// Context is the resolved value graph conditions are evaluated against.
type Context struct {
	Event     any
	Trigger   any
	Facts     map[string]any
	Variables map[string]any
	Lookups   map[string]any
	Extra     map[string]any // context.* prefix

	// Baseline resolves a "baseline.<series>" path to the named series'
	// current z-score (SPEC_FULL §4.7). Nil disables baseline references;
	// a path under the prefix then resolves as not-exists.
	Baseline func(series string) (zScore float64, ok bool)
}

func (c Context) document() map[string]any {
	return map[string]any{
		"event":   c.Event,
		"trigger": c.Trigger,
		"fact":    c.Facts,
		"var":     c.Variables,
		"lookup":  c.Lookups,
		"context": c.Extra,
	}
}

// Evaluate AND-combines every condition in conds; an empty list is
// vacuously true.
func Evaluate(conds []rules.Condition, ctx Context) (bool, error) {
	doc := ctx.document()
	for _, c := range conds {
		ok, err := evalOne(c, doc, ctx.Baseline)
		if err != nil {
			return false, fmt.Errorf("condition %q %s: %w", c.Path, c.Op, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func resolvePath(path string, doc map[string]any, baseline func(string) (float64, bool)) (any, bool) {
	if series, ok := strings.CutPrefix(path, "baseline."); ok {
		if baseline == nil {
			return nil, false
		}
		z, ok := baseline(series)
		if !ok {
			return nil, false
		}
		return z, true
	}
	if strings.HasPrefix(path, "$") {
		v, err := jsonpath.Get(path, doc)
		if err != nil {
			return nil, false
		}
		return v, true
	}
	return patternutil.NestedGet(doc, path)
}

func evalOne(c rules.Condition, doc map[string]any, baseline func(string) (float64, bool)) (bool, error) {
	value, exists := resolvePath(c.Path, doc, baseline)

	if c.Op == rules.OpExists {
		return exists, nil
	}
	if !exists {
		return false, nil
	}

	target := c.Value.Literal
	if c.Value.IsRef() {
		resolved, ok := resolvePath(c.Value.Ref, doc, baseline)
		if !ok {
			return false, nil
		}
		target = resolved
	}

	switch c.Op {
	case rules.OpEq:
		return equalValues(value, target), nil
	case rules.OpNeq:
		return !equalValues(value, target), nil
	case rules.OpGt, rules.OpGte, rules.OpLt, rules.OpLte:
		vf, vok := patternutil.ToFloat(value)
		tf, tok := patternutil.ToFloat(target)
		if !vok || !tok {
			return false, nil
		}
		switch c.Op {
		case rules.OpGt:
			return vf > tf, nil
		case rules.OpGte:
			return vf >= tf, nil
		case rules.OpLt:
			return vf < tf, nil
		default:
			return vf <= tf, nil
		}
	case rules.OpContains:
		return strings.Contains(patternutil.Stringify(value), patternutil.Stringify(target)), nil
	case rules.OpMatches:
		pattern, ok := target.(string)
		if !ok {
			return false, nil
		}
		return patternutil.MatchDot(patternutil.Stringify(value), pattern), nil
	default:
		return false, fmt.Errorf("unsupported operator %q", c.Op)
	}
}

func equalValues(a, b any) bool {
	if af, aok := patternutil.ToFloat(a); aok {
		if bf, bok := patternutil.ToFloat(b); bok {
			return af == bf
		}
	}
	return patternutil.Stringify(a) == patternutil.Stringify(b)
}
