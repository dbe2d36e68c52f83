package engine

import (
	"github.com/r3e-network/ruleflow/internal/errs"
	"github.com/r3e-network/ruleflow/internal/facts"
)

// SetFact writes a fact directly through the embedding contract (spec §6
// "setFact(key, value, source?)"). The store's own listener, wired in New,
// feeds the resulting Change back into the stimulus pipeline.
func (e *Engine) SetFact(key string, value any, source string) (facts.Fact, error) {
	if !e.isRunning() {
		return facts.Fact{}, errs.ErrEngineStopped
	}
	return e.facts.Set(key, value, source), nil
}

// GetFact reads a fact directly; available even while stopped.
func (e *Engine) GetFact(key string) (facts.Fact, bool) {
	return e.facts.Get(key)
}

// DeleteFact removes a fact directly through the embedding contract.
func (e *Engine) DeleteFact(key string) (bool, error) {
	if !e.isRunning() {
		return false, errs.ErrEngineStopped
	}
	return e.facts.Delete(key), nil
}

// QueryFacts returns every fact whose key matches pattern under the
// colon-segmented glob grammar ("*" matches exactly one segment).
func (e *Engine) QueryFacts(pattern string) []facts.Fact {
	return e.facts.Query(pattern)
}
