package engine

import (
	"github.com/r3e-network/ruleflow/internal/errs"
	"github.com/r3e-network/ruleflow/internal/trace"
)

// debug and trace are both optional — nil unless Config.TraceEnabled was
// set at construction (spec §4.6's controller sits on top of the
// collector, so one flag turns both on together).

func (e *Engine) CreateDebugSession(devMode bool) (*trace.Session, error) {
	if e.debug == nil {
		return nil, errs.ErrTraceDisabled
	}
	return e.debug.CreateSession(devMode), nil
}

func (e *Engine) EndDebugSession(id string) {
	if e.debug == nil {
		return
	}
	e.debug.EndSession(id)
}

func (e *Engine) DebugSession(id string) (*trace.Session, bool) {
	if e.debug == nil {
		return nil, false
	}
	return e.debug.Session(id)
}

func (e *Engine) AddBreakpoint(sessionID string, bp trace.Breakpoint) (*trace.Breakpoint, error) {
	if e.debug == nil {
		return nil, errs.ErrTraceDisabled
	}
	return e.debug.AddBreakpoint(sessionID, bp)
}

func (e *Engine) RemoveBreakpoint(sessionID, breakpointID string) error {
	if e.debug == nil {
		return errs.ErrTraceDisabled
	}
	return e.debug.RemoveBreakpoint(sessionID, breakpointID)
}

func (e *Engine) SetBreakpointEnabled(sessionID, breakpointID string, enabled bool) error {
	if e.debug == nil {
		return errs.ErrTraceDisabled
	}
	return e.debug.SetBreakpointEnabled(sessionID, breakpointID, enabled)
}

func (e *Engine) TakeSnapshot(sessionID string) (trace.Snapshot, error) {
	if e.debug == nil {
		return trace.Snapshot{}, errs.ErrTraceDisabled
	}
	return e.debug.TakeSnapshot(sessionID)
}

// SubscribeTrace registers fn against every recorded trace entry, returning
// an unsubscribe func. When tracing is disabled nothing is registered and
// the returned unsubscribe func does nothing.
func (e *Engine) SubscribeTrace(fn trace.Subscriber) func() {
	if e.trace == nil {
		return func() {}
	}
	return e.trace.Subscribe(fn)
}

func (e *Engine) TraceByCorrelation(id string) []trace.Entry {
	if e.trace == nil {
		return nil
	}
	return e.trace.ByCorrelation(id)
}

func (e *Engine) TraceByRule(id string) []trace.Entry {
	if e.trace == nil {
		return nil
	}
	return e.trace.ByRule(id)
}

func (e *Engine) TraceRecent(n int) []trace.Entry {
	if e.trace == nil {
		return nil
	}
	return e.trace.Recent(n)
}
