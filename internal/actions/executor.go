package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/r3e-network/ruleflow/internal/events"
	"github.com/r3e-network/ruleflow/internal/patternutil"
	"github.com/r3e-network/ruleflow/internal/resolve"
	"github.com/r3e-network/ruleflow/internal/rules"
)

// ActionResult is one top-level or nested action's outcome (spec §4.4). A
// flat struct, matching rules.Action's own tagged-variant-as-struct shape,
// so the composite action types (conditional/for_each/try_catch) don't need
// a separate result hierarchy.
type ActionResult struct {
	Type    rules.ActionType
	Success bool
	Result  any
	Error   string

	// conditional
	ConditionMet   bool
	BranchExecuted string // then|else|none for conditional; try|catch for try_catch

	Results        []ActionResult // conditional's executed branch, or try_catch's try list
	CatchResults   []ActionResult
	FinallyResults []ActionResult
	Iterations     [][]ActionResult // for_each: one body-result list per element
}

// EventEmitter hands a synthesised event off to the host (spec §4.4's
// emit_event: "hand off to the host event emitter").
type EventEmitter interface {
	Emit(e events.Event)
}

// TimerManager is the subset of the Timer Manager the executor needs.
type TimerManager interface {
	SetTimer(name, topic string, data any, delay time.Duration, correlationID string) error
	CancelTimer(name string) error
}

// Logger dispatches a leveled log action.
type Logger interface {
	Log(level, message string)
}

// ConditionEvaluator evaluates a condition list (AND-combined) against the
// current execution context.
type ConditionEvaluator func(conds []rules.Condition, ctx *ExecutionContext) (bool, error)

// Tracer carries the optional per-action tracing callbacks of spec §4.4.
type Tracer struct {
	OnActionStarted   func(actionType rules.ActionType, resolvedInput any)
	OnActionCompleted func(actionType rules.ActionType, output any, duration time.Duration)
	OnActionFailed    func(actionType rules.ActionType, errString string, duration time.Duration)
}

// Executor runs action lists against an ExecutionContext (spec §4.4).
type Executor struct {
	Registry  resolve.Registry
	Emitter   EventEmitter
	Timers    TimerManager
	Logger    Logger
	Evaluator ConditionEvaluator
	Tracer    Tracer

	now   func() time.Time
	newID func() string
}

// New constructs an Executor wired to its collaborators. Registry, Emitter,
// Timers and Logger may be nil if the corresponding action kinds are never
// used by the configured rule set; Evaluator must be set to use conditional
// actions.
func New() *Executor {
	return &Executor{now: time.Now, newID: uuid.NewString}
}

// Execute runs actionList sequentially against ctx, returning one
// ActionResult per top-level action. Every action is isolated: a failure
// does not stop its siblings (spec §4.4).
func (e *Executor) Execute(execCtx context.Context, actionList []rules.Action, ctx *ExecutionContext) []ActionResult {
	results := make([]ActionResult, len(actionList))
	for i, action := range actionList {
		results[i] = e.executeOne(execCtx, action, ctx)
	}
	return results
}

func (e *Executor) trace(action rules.Action, input any, fn func() ActionResult) ActionResult {
	start := e.now()
	if e.Tracer.OnActionStarted != nil {
		e.Tracer.OnActionStarted(action.Type, input)
	}
	result := fn()
	duration := e.now().Sub(start)
	if result.Success {
		if e.Tracer.OnActionCompleted != nil {
			e.Tracer.OnActionCompleted(action.Type, result.Result, duration)
		}
	} else if e.Tracer.OnActionFailed != nil {
		e.Tracer.OnActionFailed(action.Type, result.Error, duration)
	}
	return result
}

func fail(t rules.ActionType, format string, args ...any) ActionResult {
	return ActionResult{Type: t, Success: false, Error: fmt.Sprintf(format, args...)}
}

func ok(t rules.ActionType, result any) ActionResult {
	return ActionResult{Type: t, Success: true, Result: result}
}

func (e *Executor) executeOne(execCtx context.Context, action rules.Action, ctx *ExecutionContext) ActionResult {
	switch action.Type {
	case rules.ActionSetFact:
		return e.trace(action, action.Key, func() ActionResult { return e.setFact(action, ctx) })
	case rules.ActionDeleteFact:
		return e.trace(action, action.Key, func() ActionResult { return e.deleteFact(action, ctx) })
	case rules.ActionEmitEvent:
		return e.trace(action, action.Topic, func() ActionResult { return e.emitEvent(action, ctx) })
	case rules.ActionSetTimer:
		return e.trace(action, action.Name, func() ActionResult { return e.setTimer(action, ctx) })
	case rules.ActionCancelTimer:
		return e.trace(action, action.Name, func() ActionResult { return e.cancelTimer(action, ctx) })
	case rules.ActionCallService:
		return e.trace(action, action.Method, func() ActionResult { return e.callService(execCtx, action, ctx) })
	case rules.ActionLog:
		return e.trace(action, action.Message, func() ActionResult { return e.runLog(action, ctx) })
	case rules.ActionConditional:
		return e.trace(action, action.Conditions, func() ActionResult { return e.conditional(execCtx, action, ctx) })
	case rules.ActionForEach:
		return e.trace(action, action.Collection, func() ActionResult { return e.forEach(execCtx, action, ctx) })
	case rules.ActionTryCatch:
		return e.trace(action, nil, func() ActionResult { return e.tryCatch(execCtx, action, ctx) })
	default:
		return fail(action.Type, "unknown action type %q", action.Type)
	}
}

func (e *Executor) setFact(action rules.Action, ctx *ExecutionContext) ActionResult {
	if ctx.Facts == nil {
		return fail(action.Type, "no fact store configured")
	}
	key := Interpolate(action.Key, ctx)
	value := ResolveValue(action.Value, ctx)
	fact := ctx.Facts.Set(key, value, "rule")
	return ok(action.Type, fact)
}

func (e *Executor) deleteFact(action rules.Action, ctx *ExecutionContext) ActionResult {
	if ctx.Facts == nil {
		return fail(action.Type, "no fact store configured")
	}
	key := Interpolate(action.Key, ctx)
	return ok(action.Type, ctx.Facts.Delete(key))
}

func (e *Executor) emitEvent(action rules.Action, ctx *ExecutionContext) ActionResult {
	if e.Emitter == nil {
		return fail(action.Type, "no event emitter configured")
	}
	topic := Interpolate(action.Topic, ctx)
	data := ResolveValue(action.Data, ctx)
	evt := events.New(e.newID(), topic, data, "rule", ctx.CorrelationID, e.now())
	e.Emitter.Emit(evt)
	return ok(action.Type, evt)
}

func (e *Executor) setTimer(action rules.Action, ctx *ExecutionContext) ActionResult {
	if e.Timers == nil {
		return fail(action.Type, "no timer manager configured")
	}
	name := Interpolate(action.Name, ctx)
	topic := Interpolate(action.Topic, ctx)
	schedule := Interpolate(action.Schedule, ctx)
	delay, err := patternutil.ParseDuration(schedule)
	if err != nil {
		return fail(action.Type, "%s", err)
	}
	data := ResolveValue(action.TimerData, ctx)
	if err := e.Timers.SetTimer(name, topic, data, delay, ctx.CorrelationID); err != nil {
		return fail(action.Type, "%s", err)
	}
	return ok(action.Type, name)
}

func (e *Executor) cancelTimer(action rules.Action, ctx *ExecutionContext) ActionResult {
	if e.Timers == nil {
		return fail(action.Type, "no timer manager configured")
	}
	name := Interpolate(action.Name, ctx)
	if err := e.Timers.CancelTimer(name); err != nil {
		return fail(action.Type, "%s", err)
	}
	return ok(action.Type, name)
}

func (e *Executor) callService(execCtx context.Context, action rules.Action, ctx *ExecutionContext) ActionResult {
	if e.Registry == nil {
		return fail(action.Type, "no service registry configured")
	}
	service := Interpolate(action.Service, ctx)
	method := Interpolate(action.Method, ctx)

	resolvedArgs := make(map[string]any, len(action.Args))
	for k, v := range action.Args {
		resolvedArgs[k] = ResolveValue(v, ctx)
	}

	fn, found := e.Registry.Lookup(service, method)
	if !found {
		if e.Registry.HasService(service) {
			return fail(action.Type, "Method %q not found on service %q", method, service)
		}
		return fail(action.Type, "Service %q is not registered", service)
	}

	result, err := fn(execCtx, resolvedArgs)
	if err != nil {
		return fail(action.Type, "%s", err)
	}
	return ok(action.Type, result)
}

func (e *Executor) runLog(action rules.Action, ctx *ExecutionContext) ActionResult {
	level := action.Level
	if level == "" {
		level = "info"
	}
	message := Interpolate(action.Message, ctx)
	if e.Logger != nil {
		e.Logger.Log(level, message)
	}
	return ok(action.Type, message)
}

func (e *Executor) conditional(execCtx context.Context, action rules.Action, ctx *ExecutionContext) ActionResult {
	if e.Evaluator == nil {
		return fail(action.Type, "ConditionEvaluator is required for conditional actions")
	}
	met, err := e.Evaluator(action.Conditions, ctx)
	if err != nil {
		return fail(action.Type, "%s", err)
	}

	branch := "none"
	var branchActions []rules.Action
	switch {
	case met:
		branch, branchActions = "then", action.Then
	case len(action.Else) > 0:
		branch, branchActions = "else", action.Else
	}

	var results []ActionResult
	if len(branchActions) > 0 {
		results = e.Execute(execCtx, branchActions, ctx)
	}

	return ActionResult{
		Type: action.Type, Success: true,
		ConditionMet: met, BranchExecuted: branch, Results: results,
	}
}

func (e *Executor) forEach(execCtx context.Context, action rules.Action, ctx *ExecutionContext) ActionResult {
	collection := ResolveValue(action.Collection, ctx)
	items, ok2 := collection.([]any)
	if !ok2 {
		return fail(action.Type, "collection must be an array")
	}

	max := len(items)
	if action.MaxIterations > 0 && action.MaxIterations < max {
		max = action.MaxIterations
	}

	indexKey := action.As + "_index"
	iterations := make([][]ActionResult, 0, max)
	for i := 0; i < max; i++ {
		if ctx.Variables == nil {
			ctx.Variables = make(map[string]any)
		}
		ctx.Variables[action.As] = items[i]
		ctx.Variables[indexKey] = i
		iterations = append(iterations, e.Execute(execCtx, action.Body, ctx))
	}
	delete(ctx.Variables, action.As)
	delete(ctx.Variables, indexKey)

	return ActionResult{Type: action.Type, Success: true, Result: max, Iterations: iterations}
}

func (e *Executor) tryCatch(execCtx context.Context, action rules.Action, ctx *ExecutionContext) ActionResult {
	var tryResults []ActionResult
	var firstErr string

	for _, a := range action.Try {
		r := e.executeOne(execCtx, a, ctx)
		tryResults = append(tryResults, r)
		if !r.Success {
			firstErr = r.Error
			break
		}
	}

	branch := "try"
	var catchResults []ActionResult
	if firstErr != "" && action.Catch != nil {
		branch = "catch"
		if ctx.Variables == nil {
			ctx.Variables = make(map[string]any)
		}
		varName := action.Catch.As
		if varName == "" {
			varName = "error"
		}
		ctx.Variables[varName] = map[string]any{"message": firstErr}
		catchResults = e.Execute(execCtx, action.Catch.Actions, ctx)
		delete(ctx.Variables, varName)
	}

	var finallyResults []ActionResult
	if len(action.Finally) > 0 {
		finallyResults = e.Execute(execCtx, action.Finally, ctx)
	}

	return ActionResult{
		Type: action.Type, Success: true,
		BranchExecuted: branch, Error: firstErr,
		Results: tryResults, CatchResults: catchResults, FinallyResults: finallyResults,
	}
}
