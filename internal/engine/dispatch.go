package engine

import (
	"context"
	"time"

	"github.com/r3e-network/ruleflow/internal/actions"
	"github.com/r3e-network/ruleflow/internal/condition"
	"github.com/r3e-network/ruleflow/internal/errs"
	"github.com/r3e-network/ruleflow/internal/events"
	"github.com/r3e-network/ruleflow/internal/facts"
	"github.com/r3e-network/ruleflow/internal/metrics"
	"github.com/r3e-network/ruleflow/internal/patternutil"
	"github.com/r3e-network/ruleflow/internal/resolve"
	"github.com/r3e-network/ruleflow/internal/rules"
	"github.com/r3e-network/ruleflow/internal/temporal"
	"github.com/r3e-network/ruleflow/internal/trace"
)

// timerFireData carries a fired named timer's payload into the stimulus
// pipeline.
type timerFireData struct {
	Topic string
	Data  any
}

// Emit hands an event to the engine (spec §6 "emit(topic, data,
// correlationId?)"). Processing happens asynchronously on the single
// cooperative executor; use Drain in tests to wait for it.
func (e *Engine) Emit(topic string, data any, correlationID string) error {
	if !e.isRunning() {
		return errs.ErrEngineStopped
	}
	if !e.rateLimit.AllowEvent() {
		return errs.ErrRateLimited
	}
	ev := events.New(e.newID(), topic, data, "host", correlationID, e.now())
	metrics.RecordEvent(ev.Topic)
	return e.submit(stimulus{kind: "event", key: ev.Topic, data: ev, corr: ev.CorrelationID}, false)
}

// SetTimer arms a named timer directly through the embedding contract
// (independent of any rule's own set_timer action).
func (e *Engine) SetTimer(name, topic string, data any, delay string, correlationID string) error {
	d, err := patternutil.ParseDuration(delay)
	if err != nil {
		return err
	}
	return e.timers.SetTimer(name, topic, data, d, correlationID)
}

// CancelTimer cancels a named timer.
func (e *Engine) CancelTimer(name string) error {
	return e.timers.CancelTimer(name)
}

// RegisterSequencePattern, RegisterAbsencePattern, RegisterCountPattern and
// RegisterAggregatePattern register a temporal pattern definition. A rule's
// Trigger{Kind: TriggerTemporal, Value: pattern.ID} fires whenever the
// corresponding matcher produces a match for that pattern id.
func (e *Engine) RegisterSequencePattern(p temporal.SequencePattern) error {
	return e.sequence.AddPattern(p)
}
func (e *Engine) RegisterAbsencePattern(p temporal.AbsencePattern) error {
	return e.absence.AddPattern(p)
}
func (e *Engine) RegisterCountPattern(p temporal.CountPattern) error {
	return e.count.AddPattern(p)
}
func (e *Engine) RegisterAggregatePattern(p temporal.AggregatePattern) error {
	return e.aggregate.AddPattern(p)
}

func (e *Engine) process(s stimulus) {
	switch s.kind {
	case "noop":
		return
	case "fact":
		e.processFact(s)
	case "event":
		e.processEvent(s)
	case "timer":
		e.processTimer(s)
	case "temporal":
		e.processTemporalStimulus(s)
	}
}

func (e *Engine) processFact(s stimulus) {
	change := s.data.(facts.Change)
	corr := e.correlationID(s.corr)
	if e.trace != nil {
		e.trace.Record(trace.Entry{Type: "fact", CorrelationID: corr, Data: change})
	}
	for _, r := range e.rules.ForFact(s.key) {
		e.runRule(r, "fact", change.Fact.Value, corr)
	}
}

func (e *Engine) processEvent(s stimulus) {
	ev := s.data.(events.Event)
	corr := e.correlationID(ev.CorrelationID)
	if e.trace != nil {
		e.trace.Record(trace.Entry{Type: "event", CorrelationID: corr, Data: ev})
	}
	for _, r := range e.rules.ForEvent(ev.Topic) {
		e.runRule(r, "event", ev.Data, corr)
	}
	e.processTemporal(ev, corr)
}

func (e *Engine) processTimer(s stimulus) {
	fd := s.data.(timerFireData)
	corr := e.correlationID(s.corr)
	for _, r := range e.rules.ForTimer(s.key) {
		e.runRule(r, "timer", fd.Data, corr)
	}
}

func (e *Engine) processTemporalStimulus(s stimulus) {
	corr := e.correlationID(s.corr)
	for _, r := range e.rules.TemporalRules() {
		if r.Trigger.Value != s.key {
			continue
		}
		e.runRule(r, "temporal", s.data, corr)
	}
}

// processTemporal feeds ev through every temporal matcher inline — a
// temporal match is a direct consequence of the event stimulus currently
// being processed, not a separately-queued one (spec §4.3/§5).
func (e *Engine) processTemporal(ev events.Event, corr string) {
	for _, m := range e.sequence.ProcessEvent(ev) {
		e.dispatchTemporalMatch(m.PatternID, corr, map[string]any{
			"patternId": m.PatternID, "groupKey": m.GroupKey, "events": eventsToData(m.Events),
		})
	}
	for _, m := range e.absence.ProcessEvent(ev) {
		e.dispatchTemporalMatch(m.PatternID, corr, map[string]any{
			"patternId": m.PatternID, "groupKey": m.GroupKey, "triggerEvent": eventToData(m.TriggerEvent),
		})
	}
	for _, m := range e.count.ProcessEvent(ev) {
		e.dispatchTemporalMatch(m.PatternID, corr, map[string]any{
			"patternId": m.PatternID, "groupKey": m.GroupKey, "count": m.Count, "events": eventsToData(m.Events),
		})
	}
	for _, m := range e.aggregate.ProcessEvent(ev) {
		e.dispatchTemporalMatch(m.PatternID, corr, map[string]any{
			"patternId": m.PatternID, "groupKey": m.GroupKey, "value": m.Value, "events": eventsToData(m.Events),
		})
	}
}

func (e *Engine) dispatchTemporalMatch(patternID, corr string, data any) {
	for _, r := range e.rules.TemporalRules() {
		if r.Trigger.Value != patternID {
			continue
		}
		e.runRule(r, "temporal", data, corr)
	}
}

// handleAbsenceTimeout, handleCountWindowEnd and handleAggregateWindowEnd
// run on the Timer Manager's own goroutine when a scheduled deadline
// fires; they only touch matcher-internal (mutex-protected) state directly
// and hand the resulting match to the single executor goroutine via
// submit, preserving "per-stimulus processing is ordered" for rule
// execution itself (spec §5).
func (e *Engine) handleAbsenceTimeout(instanceID string) {
	m, ok := e.absence.HandleTimeout(instanceID)
	if !ok {
		return
	}
	e.submit(stimulus{kind: "temporal", key: m.PatternID, data: map[string]any{
		"patternId": m.PatternID, "groupKey": m.GroupKey, "triggerEvent": eventToData(m.TriggerEvent),
	}}, false)
}

func (e *Engine) handleCountWindowEnd(instanceID string) {
	m, ok := e.count.HandleWindowEnd(instanceID)
	if !ok {
		return
	}
	e.submit(stimulus{kind: "temporal", key: m.PatternID, data: map[string]any{
		"patternId": m.PatternID, "groupKey": m.GroupKey, "count": m.Count, "events": eventsToData(m.Events),
	}}, false)
}

func (e *Engine) handleAggregateWindowEnd(instanceID string) {
	m, ok := e.aggregate.HandleWindowEnd(instanceID)
	if !ok {
		return
	}
	e.submit(stimulus{kind: "temporal", key: m.PatternID, data: map[string]any{
		"patternId": m.PatternID, "groupKey": m.GroupKey, "value": m.Value, "events": eventsToData(m.Events),
	}}, false)
}

func eventToData(ev events.Event) map[string]any {
	return map[string]any{
		"id": ev.ID, "topic": ev.Topic, "data": ev.Data,
		"timestamp": ev.Timestamp, "source": ev.Source, "correlationId": ev.CorrelationID,
	}
}

func eventsToData(evs []events.Event) []map[string]any {
	out := make([]map[string]any, len(evs))
	for i, ev := range evs {
		out[i] = eventToData(ev)
	}
	return out
}

// runRule runs the Data Resolver → Condition Evaluator → Action Executor
// pipeline for one matched, active rule (spec §5).
func (e *Engine) runRule(r rules.Rule, triggerType string, triggerData any, correlationID string) {
	ctx := context.Background()
	start := time.Now()

	if e.trace != nil {
		e.trace.Record(trace.Entry{Type: "rule", RuleID: r.ID, CorrelationID: correlationID, Data: triggerType})
	}

	execCtx := &actions.ExecutionContext{
		TriggerType:   triggerType,
		TriggerData:   triggerData,
		Facts:         e.facts,
		Variables:     make(map[string]any),
		CorrelationID: correlationID,
	}

	if len(r.Requirements) > 0 {
		argResolver := func(args map[string]rules.ValueExpr) map[string]any {
			out := make(map[string]any, len(args))
			for k, v := range args {
				out[k] = actions.ResolveValue(v, execCtx)
			}
			return out
		}
		outcome, err := e.resolver.ResolveAll(ctx, r.Requirements, resolve.ArgResolver(argResolver))
		if err != nil {
			e.auditRecord("rule_failed", r.ID, err.Error())
			metrics.RecordRuleExecution(r.ID, "failed", time.Since(start))
			return
		}
		if outcome.Skipped {
			e.auditRecord("rule_skipped", r.ID, outcome.Errors)
			metrics.RecordRuleExecution(r.ID, "skipped", time.Since(start))
			return
		}
		execCtx.Lookups = outcome.Lookups
	}

	met, err := condition.Evaluate(r.Conditions, e.conditionContext(execCtx))
	if err != nil {
		e.log.WithField("rule", r.ID).WithError(err).Warn("condition evaluation failed")
		metrics.RecordRuleExecution(r.ID, "condition_error", time.Since(start))
		return
	}
	if !met {
		metrics.RecordRuleExecution(r.ID, "not_matched", time.Since(start))
		return
	}

	results := e.executor.Execute(ctx, r.Actions, execCtx)
	e.auditRecord("rule_executed", r.ID, results)
	metrics.RecordRuleExecution(r.ID, "executed", time.Since(start))
}

func (e *Engine) auditRecord(kind, subject string, detail any) {
	if e.audit == nil {
		return
	}
	e.audit.Record(kind, subject, detail)
}
