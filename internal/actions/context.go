// Package actions implements the Action Executor of spec §4.4: synchronous,
// ordered interpretation of a rule's action list against an execution
// context, with ${path} interpolation and per-action isolated failure
// semantics.
package actions

import (
	"strings"

	"github.com/r3e-network/ruleflow/internal/facts"
	"github.com/r3e-network/ruleflow/internal/patternutil"
)

// ExecutionContext is spec §4.4's ExecutionContext record: trigger payload,
// the live fact store, a mutable variable scope, resolved lookups from the
// Data Resolver, and an optional correlation id threaded through emitted
// events and timers.
type ExecutionContext struct {
	TriggerType string
	TriggerData any
	Facts       FactStore
	Variables   map[string]any
	Lookups     map[string]any
	Extra       map[string]any // context.* prefix: host-supplied ambient values
	CorrelationID string
}

// FactStore is the subset of internal/facts.Store the executor needs.
type FactStore interface {
	Set(key string, value any, source string) facts.Fact
	Get(key string) (facts.Fact, bool)
	Delete(key string) bool
}

func (c *ExecutionContext) document() map[string]any {
	return map[string]any{
		"event":   c.TriggerData,
		"trigger": c.TriggerData,
		"var":     c.Variables,
		"lookup":  c.Lookups,
		"context": c.Extra,
	}
}

// resolvePath resolves a dot-separated interpolation path against the
// execution context. fact.* and the document prefixes share the same
// nested-access grammar: the first segment selects the named bucket (or,
// for fact.*, the fact key), remaining segments traverse the value.
func (c *ExecutionContext) resolvePath(path string) (any, bool) {
	if strings.HasPrefix(path, "fact.") {
		rest := strings.TrimPrefix(path, "fact.")
		key, nested, _ := strings.Cut(rest, ".")
		if c.Facts == nil {
			return nil, false
		}
		fact, ok := c.Facts.Get(key)
		if !ok {
			return nil, false
		}
		if nested == "" {
			return fact.Value, true
		}
		return patternutil.NestedGet(fact.Value, nested)
	}
	return patternutil.NestedGet(c.document(), path)
}
