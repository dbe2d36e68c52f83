package engine

import (
	"github.com/r3e-network/ruleflow/internal/errs"
	"github.com/r3e-network/ruleflow/internal/rules"
)

// Rule and group CRUD pass straight through to the Rule Index. Mutating ops
// require the engine to be running, matching the "Engine-not-running: any
// public op after stop fails immediately" policy; read-only lookups stay
// available so a stopped engine can still be inspected.

func (e *Engine) RegisterRule(r rules.Rule) (rules.Rule, error) {
	if !e.isRunning() {
		return rules.Rule{}, errs.ErrEngineStopped
	}
	return e.rules.RegisterRule(r)
}

func (e *Engine) UnregisterRule(id string) error {
	if !e.isRunning() {
		return errs.ErrEngineStopped
	}
	return e.rules.UnregisterRule(id)
}

func (e *Engine) EnableRule(id string) error {
	if !e.isRunning() {
		return errs.ErrEngineStopped
	}
	return e.rules.EnableRule(id)
}

func (e *Engine) DisableRule(id string) error {
	if !e.isRunning() {
		return errs.ErrEngineStopped
	}
	return e.rules.DisableRule(id)
}

func (e *Engine) GetRule(id string) (rules.Rule, bool) { return e.rules.GetRule(id) }
func (e *Engine) GetRules() []rules.Rule               { return e.rules.GetRules() }

func (e *Engine) CreateGroup(g rules.Group) (rules.Group, error) {
	if !e.isRunning() {
		return rules.Group{}, errs.ErrEngineStopped
	}
	return e.rules.CreateGroup(g)
}

func (e *Engine) DeleteGroup(id string) error {
	if !e.isRunning() {
		return errs.ErrEngineStopped
	}
	return e.rules.DeleteGroup(id)
}

func (e *Engine) EnableGroup(id string) error {
	if !e.isRunning() {
		return errs.ErrEngineStopped
	}
	return e.rules.EnableGroup(id)
}

func (e *Engine) DisableGroup(id string) error {
	if !e.isRunning() {
		return errs.ErrEngineStopped
	}
	return e.rules.DisableGroup(id)
}

func (e *Engine) GetGroup(id string) (rules.Group, bool) { return e.rules.GetGroup(id) }
func (e *Engine) GetGroups() []rules.Group               { return e.rules.GetGroups() }
func (e *Engine) GetGroupRules(id string) []rules.Rule   { return e.rules.GetGroupRules(id) }
