package trace

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/r3e-network/ruleflow/internal/facts"
)

// BreakpointType matches a trace Entry.Type.
type BreakpointType string

const (
	BreakpointRule   BreakpointType = "rule"
	BreakpointEvent  BreakpointType = "event"
	BreakpointFact   BreakpointType = "fact"
	BreakpointAction BreakpointType = "action"
)

// BreakpointAction names what happens when a breakpoint's condition matches.
type BreakpointAction string

const (
	ActionPause    BreakpointAction = "pause"
	ActionLog      BreakpointAction = "log"
	ActionSnapshot BreakpointAction = "snapshot"
)

// ConditionFunc decides whether a breakpoint fires for a given entry.
// A nil ConditionFunc matches every entry of the breakpoint's Type.
type ConditionFunc func(Entry) bool

// Breakpoint is one condition watched within a debug Session (spec §4.6).
// Condition is excluded from JSON: a predicate function has no wire
// representation, and callers over the admin surface arm breakpoints by
// Type alone (matching every entry of that type) rather than by predicate.
type Breakpoint struct {
	ID        string           `json:"id"`
	Type      BreakpointType   `json:"type"`
	Condition ConditionFunc    `json:"-"`
	Action    BreakpointAction `json:"action"`
	Enabled   bool             `json:"enabled"`
	HitCount  int              `json:"hitCount"`
}

// Snapshot captures the fact set and recent trace history at a point in
// time, taken by a "snapshot" breakpoint or on demand.
type Snapshot struct {
	ID          string
	TakenAt     time.Time
	Facts       []facts.Fact
	RecentTrace []Entry
}

// Session is one debug session: a set of breakpoints plus the snapshots
// they have produced. Only a development-mode session may arm a "pause"
// breakpoint (spec §4.6/§5).
type Session struct {
	ID      string
	DevMode bool

	mu          sync.Mutex
	breakpoints map[string]*Breakpoint
	snapshots   []Snapshot
	paused      bool
	pauseCh     chan struct{}
}

func newSession(id string, devMode bool) *Session {
	return &Session{
		ID:          id,
		DevMode:     devMode,
		breakpoints: make(map[string]*Breakpoint),
	}
}

// Paused reports whether the session is currently holding the cooperative
// pause gate closed.
func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// WaitIfPaused blocks the caller — the engine's dispatch loop, between
// stimulus-processing iterations (spec §5 Open Question (c)) — until
// Resume is called or ctx is done. It returns immediately if not paused.
func (s *Session) WaitIfPaused(done <-chan struct{}) {
	s.mu.Lock()
	ch := s.pauseCh
	paused := s.paused
	s.mu.Unlock()
	if !paused {
		return
	}
	select {
	case <-ch:
	case <-done:
	}
}

// Resume releases a pause requested by a "pause" breakpoint.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		s.paused = false
		close(s.pauseCh)
	}
}

func (s *Session) requestPause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		s.paused = true
		s.pauseCh = make(chan struct{})
	}
}

// Snapshots returns every snapshot taken in this session, oldest first.
func (s *Session) Snapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, len(s.snapshots))
	copy(out, s.snapshots)
	return out
}

// Controller is the Debug Controller of spec §4.6: it owns debug sessions
// and tests every Collector-recorded entry against every enabled
// breakpoint of every session.
type Controller struct {
	mu            sync.Mutex
	sessions      map[string]*Session
	newID         func() string
	factsSnapshot func() []facts.Fact
	traceRecent   func(n int) []Entry
	onLog         func(sessionID string, bp Breakpoint, e Entry)
}

// NewController wires a Controller to the host's fact snapshot and recent
// trace providers. onLog is optional and is called for "log" breakpoints.
func NewController(factsSnapshot func() []facts.Fact, traceRecent func(n int) []Entry, onLog func(sessionID string, bp Breakpoint, e Entry)) *Controller {
	return &Controller{
		sessions:      make(map[string]*Session),
		newID:         uuid.NewString,
		factsSnapshot: factsSnapshot,
		traceRecent:   traceRecent,
		onLog:         onLog,
	}
}

// Attach subscribes the Controller to a Collector so every recorded entry
// is evaluated against every session's breakpoints. The returned func
// unsubscribes it.
func (c *Controller) Attach(collector *Collector) func() {
	return collector.Subscribe(c.HandleEntry)
}

// CreateSession starts a new debug session. Only a development-mode
// session may later arm a "pause" breakpoint.
func (c *Controller) CreateSession(devMode bool) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := newSession(c.newID(), devMode)
	c.sessions[s.ID] = s
	return s
}

// EndSession discards a session and releases any pause it was holding.
func (c *Controller) EndSession(id string) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()
	if ok {
		s.Resume()
	}
}

// Session returns a session by id.
func (c *Controller) Session(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// Sessions returns every live session, for callers (the engine's dispatch
// loop) that need to check every session's pause state between stimuli.
func (c *Controller) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// AddBreakpoint registers bp on the named session. A "pause" breakpoint is
// rejected on a non-development-mode session (spec §4.6).
func (c *Controller) AddBreakpoint(sessionID string, bp Breakpoint) (*Breakpoint, error) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("debug session %q not found", sessionID)
	}
	if bp.Action == ActionPause && !s.DevMode {
		return nil, fmt.Errorf("pause breakpoints require a development-mode session")
	}
	if bp.ID == "" {
		bp.ID = c.newID()
	}
	bp.Enabled = true
	s.mu.Lock()
	s.breakpoints[bp.ID] = &bp
	s.mu.Unlock()
	return &bp, nil
}

// SetBreakpointEnabled toggles a breakpoint without removing it.
func (c *Controller) SetBreakpointEnabled(sessionID, breakpointID string, enabled bool) error {
	s, ok := c.Session(sessionID)
	if !ok {
		return fmt.Errorf("debug session %q not found", sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bp, ok := s.breakpoints[breakpointID]
	if !ok {
		return fmt.Errorf("breakpoint %q not found", breakpointID)
	}
	bp.Enabled = enabled
	return nil
}

// RemoveBreakpoint removes a breakpoint from a session.
func (c *Controller) RemoveBreakpoint(sessionID, breakpointID string) error {
	s, ok := c.Session(sessionID)
	if !ok {
		return fmt.Errorf("debug session %q not found", sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakpoints, breakpointID)
	return nil
}

// TakeSnapshot captures the current fact set and last 50 trace entries
// into the named session, on demand (not via a breakpoint).
func (c *Controller) TakeSnapshot(sessionID string) (Snapshot, error) {
	s, ok := c.Session(sessionID)
	if !ok {
		return Snapshot{}, fmt.Errorf("debug session %q not found", sessionID)
	}
	return s.takeSnapshot(c), nil
}

func (s *Session) takeSnapshot(c *Controller) Snapshot {
	snap := Snapshot{ID: c.newID(), TakenAt: time.Now()}
	if c.factsSnapshot != nil {
		snap.Facts = c.factsSnapshot()
	}
	if c.traceRecent != nil {
		snap.RecentTrace = c.traceRecent(50)
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
	return snap
}

// HandleEntry tests e against every enabled breakpoint of every session.
// Intended as a Collector Subscriber via Attach.
func (c *Controller) HandleEntry(e Entry) {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.evaluate(e, c)
	}
}

func (s *Session) evaluate(e Entry, c *Controller) {
	s.mu.Lock()
	var hit []*Breakpoint
	for _, bp := range s.breakpoints {
		if !bp.Enabled || bp.Type != BreakpointType(e.Type) {
			continue
		}
		if bp.Condition != nil && !bp.Condition(e) {
			continue
		}
		bp.HitCount++
		hit = append(hit, bp)
	}
	s.mu.Unlock()

	for _, bp := range hit {
		switch bp.Action {
		case ActionPause:
			if s.DevMode {
				s.requestPause()
			}
		case ActionLog:
			if c.onLog != nil {
				c.onLog(s.ID, *bp, e)
			}
		case ActionSnapshot:
			s.takeSnapshot(c)
		}
	}
}
