// Package engine is the orchestrator of spec §6: it wires the Fact Store,
// Rule Index, temporal matchers, Data Resolver, Action Executor, Timer
// Manager and Trace/Debug components into the embedding contract, and runs
// the single cooperative executor of spec §5 — one stimulus's rule
// dispatch completes before the next begins.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/r3e-network/ruleflow/internal/actions"
	"github.com/r3e-network/ruleflow/internal/baseline"
	"github.com/r3e-network/ruleflow/internal/cache"
	"github.com/r3e-network/ruleflow/internal/condition"
	"github.com/r3e-network/ruleflow/internal/errs"
	"github.com/r3e-network/ruleflow/internal/events"
	"github.com/r3e-network/ruleflow/internal/facts"
	"github.com/r3e-network/ruleflow/internal/metrics"
	"github.com/r3e-network/ruleflow/internal/patternutil"
	"github.com/r3e-network/ruleflow/internal/ratelimit"
	"github.com/r3e-network/ruleflow/internal/resolve"
	"github.com/r3e-network/ruleflow/internal/rules"
	"github.com/r3e-network/ruleflow/internal/temporal"
	"github.com/r3e-network/ruleflow/internal/timer"
	"github.com/r3e-network/ruleflow/internal/trace"
	"github.com/r3e-network/ruleflow/pkg/logger"
)

// AuditSink receives one record per rule execution outcome (executed,
// skipped or failed); rule-index mutations are not recorded. Advisory:
// failures must never stop the engine.
type AuditSink interface {
	Record(kind, subject string, detail any)
}

// Config configures a new Engine (spec §6 "Configuration options").
type Config struct {
	Name      string
	Logger    *logger.Logger
	Store     rules.PersistenceStore
	Services  resolve.Registry
	Cache     cache.Cache
	Audit     AuditSink
	RateLimit *ratelimit.Limiters

	FactsOnChange facts.ChangeListener

	TraceEnabled    bool
	TraceMaxEntries int

	DevMode bool

	QueueSize int // stimulus channel buffer; default 256
}

// stimulus is one unit of work processed by the single cooperative
// executor goroutine (spec §5 "per-stimulus processing is ordered").
type stimulus struct {
	kind string // "fact" | "event" | "timer" | "temporal"
	key  string // fact key / event topic / timer name / temporal pattern id
	data any
	corr string
	done chan struct{} // closed once processing completes; nil for fire-and-forget
}

// Engine is the long-lived embeddable handle of spec §6.
type Engine struct {
	name string
	log  *logger.Logger

	rules    *rules.Manager
	facts    *facts.Store
	resolver *resolve.Resolver
	executor *actions.Executor
	timers   *timer.Manager
	trace    *trace.Collector
	debug    *trace.Controller
	audit    AuditSink

	sequence  *temporal.SequenceMatcher
	absence   *temporal.AbsenceMatcher
	count     *temporal.CountMatcher
	aggregate *temporal.AggregateMatcher

	baseline  *baseline.Provider
	rateLimit *ratelimit.Limiters

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	queue   chan stimulus

	// pending overflows queue when it's full, so a stimulus fed back into
	// the pipeline from within the executor goroutine itself (a for_each
	// action's set_fact/emit_event, processed synchronously on the same
	// goroutine that drains queue) never blocks on its own send.
	pendingMu sync.Mutex
	pending   []stimulus

	newID func() string
	now   func() time.Time
}

// New constructs an Engine from cfg. It must be Start-ed before any
// stimulus is processed.
func New(cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("engine")
	}
	name := cfg.Name
	if name == "" {
		name = "ruleflow"
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	e := &Engine{
		name:      name,
		log:       log,
		rules:     rules.NewManager(rules.Config{Logger: log, Store: cfg.Store}),
		facts:     facts.New(facts.Config{Name: name, Logger: log}),
		sequence:  temporal.NewSequenceMatcher(),
		absence:   temporal.NewAbsenceMatcher(),
		count:     temporal.NewCountMatcher(),
		aggregate: temporal.NewAggregateMatcher(),
		baseline:  baseline.New(),
		audit:     cfg.Audit,
		queue:     make(chan stimulus, queueSize),
		newID:     uuid.NewString,
		now:       time.Now,
	}

	// Chain the host's fact-change listener (if any) with the engine's own,
	// which feeds fact mutations back into the stimulus pipeline (spec §5
	// "fed back into the same pipeline").
	hostListener := cfg.FactsOnChange
	e.facts.SetListener(func(change facts.Change) {
		if hostListener != nil {
			hostListener(change)
		}
		e.submit(stimulus{kind: "fact", key: change.Key, data: change}, false)
	})

	e.timers = timer.NewManager(func(name, topic string, data any, correlationID string) {
		e.submit(stimulus{kind: "timer", key: name, data: timerFireData{Topic: topic, Data: data}, corr: correlationID}, false)
	})

	maxEntries := cfg.TraceMaxEntries
	if cfg.TraceEnabled {
		e.trace = trace.New(trace.Config{MaxEntries: maxEntries})
		e.debug = trace.NewController(e.facts.GetAll, e.trace.Recent, func(sessionID string, bp trace.Breakpoint, entry trace.Entry) {
			e.log.WithField("session", sessionID).WithField("type", entry.Type).Info("breakpoint hit")
		})
		e.debug.Attach(e.trace)
	}

	e.rateLimit = cfg.RateLimit
	if e.rateLimit == nil {
		e.rateLimit = ratelimit.New(ratelimit.DefaultConfig())
	}

	registry := cfg.Services
	if registry == nil {
		registry = resolve.MapRegistry{}
	}
	resolverCache := cfg.Cache
	if resolverCache == nil {
		resolverCache = cache.NewMemory(cache.DefaultMemoryConfig())
	}
	e.resolver = resolve.New(registry, resolverCache)
	e.resolver.WaitBeforeInvoke = e.rateLimit.WaitResolverCall

	e.executor = actions.New()
	e.executor.Registry = registry
	e.executor.Emitter = (*eventEmitter)(e)
	e.executor.Timers = e.timers
	e.executor.Logger = (*actionLogger)(e)
	e.executor.Evaluator = func(conds []rules.Condition, ctx *actions.ExecutionContext) (bool, error) {
		return condition.Evaluate(conds, e.conditionContext(ctx))
	}
	e.executor.Tracer = actions.Tracer{
		OnActionCompleted: func(t rules.ActionType, output any, d time.Duration) {
			metrics.RecordAction(string(t), "completed", d)
			if e.trace != nil {
				e.trace.Record(trace.Entry{Type: "action", Data: map[string]any{"action": t, "result": output, "ms": d.Milliseconds()}})
			}
		},
		OnActionFailed: func(t rules.ActionType, errString string, d time.Duration) {
			metrics.RecordAction(string(t), "failed", d)
			if e.trace != nil {
				e.trace.Record(trace.Entry{Type: "action", Data: map[string]any{"action": t, "error": errString, "ms": d.Milliseconds()}})
			}
		},
	}

	e.sequence.OnExpire(func(temporal.SequenceInstance) {})
	e.absence.OnSchedule(func(instanceID string, at time.Time) {
		e.timers.ScheduleAt("absence:"+instanceID, at, func() { e.handleAbsenceTimeout(instanceID) })
	})
	e.count.OnSchedule(func(instanceID string, at time.Time) {
		e.timers.ScheduleAt("count:"+instanceID, at, func() { e.handleCountWindowEnd(instanceID) })
	})
	e.aggregate.OnSchedule(func(instanceID string, at time.Time) {
		e.timers.ScheduleAt("aggregate:"+instanceID, at, func() { e.handleAggregateWindowEnd(instanceID) })
	})

	return e
}

// Start launches the single cooperative executor goroutine (the timer
// manager's onFire bridge is already wired by New). ctx bounds the engine's own background work;
// Stop should still be called for a clean shutdown.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true

	e.wg.Add(1)
	go e.run(runCtx)

	e.log.WithField("engine", e.name).Info("engine started")
	return nil
}

// Stop stops accepting new stimuli, waits for the executor goroutine to
// exit, cancels all registered timers and flushes the pending persistence
// save. Stimuli still queued when Stop is called are not processed.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	cancel := e.cancel
	e.running = false
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.timers.Stop()
	if err := e.rules.Persist(ctx); err != nil {
		e.log.WithError(err).Warn("flush persistence on stop failed")
	}
	e.log.WithField("engine", e.name).Info("engine stopped")
	return nil
}

func (e *Engine) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	for {
		e.flushPending()
		select {
		case <-ctx.Done():
			return
		case s := <-e.queue:
			metrics.SetQueueDepth(len(e.queue))
			e.process(s)
			if s.done != nil {
				close(s.done)
			}
			e.waitForPausedSessions(ctx.Done())
		}
	}
}

// waitForPausedSessions blocks between stimulus-processing iterations for
// every development-mode debug session currently holding a "pause"
// breakpoint (spec §5 Open Question (c)'s real cooperative pause point).
func (e *Engine) waitForPausedSessions(done <-chan struct{}) {
	if e.debug == nil {
		return
	}
	for _, s := range e.debug.Sessions() {
		s.WaitIfPaused(done)
	}
}

// submit enqueues a stimulus. When wait is true it blocks until the
// stimulus has been fully processed (used by Drain).
func (e *Engine) submit(s stimulus, wait bool) error {
	if !e.isRunning() {
		return errs.ErrEngineStopped
	}
	if wait {
		s.done = make(chan struct{})
	}
	select {
	case e.queue <- s:
	default:
		// A blocking send here would deadlock when the caller is the
		// engine's own executor goroutine (the only goroutine that ever
		// drains queue) feeding a stimulus back into the pipeline mid
		// rule-execution; buffer it instead and let run() flush it between
		// stimuli.
		e.pendingMu.Lock()
		e.pending = append(e.pending, s)
		e.pendingMu.Unlock()
	}
	if wait {
		<-s.done
	}
	return nil
}

// flushPending moves as much of pending into queue as currently fits,
// without blocking.
func (e *Engine) flushPending() {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	for len(e.pending) > 0 {
		select {
		case e.queue <- e.pending[0]:
			e.pending = e.pending[1:]
		default:
			return
		}
	}
}

// Drain blocks until every stimulus enqueued so far has been processed.
// Exposed for deterministic tests; not part of the embedding contract.
func (e *Engine) Drain() error {
	return e.submit(stimulus{kind: "noop"}, true)
}

// RegisterService is a convenience for the common case where Services was
// not supplied as a full resolve.Registry in Config.
func (e *Engine) RegisterService(name, method string, fn resolve.ServiceMethod) {
	if mr, ok := e.executor.Registry.(resolve.MapRegistry); ok {
		methods, ok := mr[name]
		if !ok {
			methods = make(map[string]resolve.ServiceMethod)
			mr[name] = methods
		}
		methods[method] = fn
	}
}

func (e *Engine) correlationID(supplied string) string {
	if supplied != "" {
		return supplied
	}
	return e.newID()
}

type eventEmitter Engine

func (em *eventEmitter) Emit(ev events.Event) {
	e := (*Engine)(em)
	e.submit(stimulus{kind: "event", key: ev.Topic, data: ev, corr: ev.CorrelationID}, false)
}

type actionLogger Engine

func (al *actionLogger) Log(level, message string) {
	e := (*Engine)(al)
	entry := e.log.WithField("engine", e.name)
	switch level {
	case "debug":
		entry.Debug(message)
	case "warn", "warning":
		entry.Warn(message)
	case "error":
		entry.Error(message)
	default:
		entry.Info(message)
	}
}

func (e *Engine) factsDoc() map[string]any {
	all := e.facts.GetAll()
	doc := make(map[string]any, len(all))
	for _, f := range all {
		doc[f.Key] = f.Value
	}
	return doc
}

func (e *Engine) conditionContext(ctx *actions.ExecutionContext) condition.Context {
	return condition.Context{
		Event:     ctx.TriggerData,
		Trigger:   ctx.TriggerData,
		Facts:     e.factsDoc(),
		Variables: ctx.Variables,
		Lookups:   ctx.Lookups,
		Extra:     ctx.Extra,
		// Baseline resolves "baseline.<series>" by treating <series> as a
		// field name within the trigger payload (e.g. "baseline.amount"
		// scores the trigger's "amount" field against the running "amount"
		// history), falling back to the whole payload when it is itself a
		// plain number.
		Baseline: func(series string) (float64, bool) {
			if m, ok := ctx.TriggerData.(map[string]any); ok {
				if v, ok := patternutil.NestedGet(m, series); ok {
					if f, ok := patternutil.ToFloat(v); ok {
						return e.baseline.Score(series, f)
					}
				}
			}
			if f, ok := patternutil.ToFloat(ctx.TriggerData); ok {
				return e.baseline.Score(series, f)
			}
			return 0, false
		},
	}
}
