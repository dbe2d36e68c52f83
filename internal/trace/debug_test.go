package trace

import (
	"testing"
	"time"

	"github.com/r3e-network/ruleflow/internal/facts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T) (*Controller, *Collector) {
	t.Helper()
	store := facts.New(facts.Config{})
	store.Set("k1", "v1", "test")
	collector := New(Config{})
	ctrl := NewController(store.GetAll, collector.Recent, nil)
	ctrl.Attach(collector)
	return ctrl, collector
}

func TestController_PauseBreakpointRejectedOutsideDevMode(t *testing.T) {
	ctrl, _ := newTestController(t)
	s := ctrl.CreateSession(false)

	_, err := ctrl.AddBreakpoint(s.ID, Breakpoint{Type: BreakpointRule, Action: ActionPause})
	require.Error(t, err)
}

func TestController_PauseBreakpointHoldsAndResumes(t *testing.T) {
	ctrl, collector := newTestController(t)
	s := ctrl.CreateSession(true)
	_, err := ctrl.AddBreakpoint(s.ID, Breakpoint{Type: BreakpointRule, Action: ActionPause})
	require.NoError(t, err)

	collector.Record(Entry{Type: "rule", RuleID: "r1"})
	assert.True(t, s.Paused())

	done := make(chan struct{})
	unblocked := make(chan struct{})
	go func() {
		s.WaitIfPaused(done)
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("should still be blocked")
	case <-time.After(20 * time.Millisecond):
	}

	s.Resume()
	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("did not unblock after Resume")
	}
	assert.False(t, s.Paused())
}

func TestController_SnapshotBreakpointCapturesFactsAndTrace(t *testing.T) {
	ctrl, collector := newTestController(t)
	s := ctrl.CreateSession(false)
	_, err := ctrl.AddBreakpoint(s.ID, Breakpoint{Type: BreakpointAction, Action: ActionSnapshot})
	require.NoError(t, err)

	collector.Record(Entry{Type: "action", RuleID: "r1"})

	snaps := s.Snapshots()
	require.Len(t, snaps, 1)
	assert.Len(t, snaps[0].Facts, 1)
	assert.Len(t, snaps[0].RecentTrace, 1)
}

func TestController_ConditionFiltersWhichEntriesHit(t *testing.T) {
	ctrl, collector := newTestController(t)
	s := ctrl.CreateSession(false)
	_, err := ctrl.AddBreakpoint(s.ID, Breakpoint{
		Type:      BreakpointRule,
		Action:    ActionLog,
		Condition: func(e Entry) bool { return e.RuleID == "target" },
	})
	require.NoError(t, err)

	collector.Record(Entry{Type: "rule", RuleID: "other"})
	collector.Record(Entry{Type: "rule", RuleID: "target"})

	s.mu.Lock()
	var bp *Breakpoint
	for _, b := range s.breakpoints {
		bp = b
	}
	hits := bp.HitCount
	s.mu.Unlock()
	assert.Equal(t, 1, hits)
}

func TestController_DisabledBreakpointNeverHits(t *testing.T) {
	ctrl, collector := newTestController(t)
	s := ctrl.CreateSession(false)
	bp, err := ctrl.AddBreakpoint(s.ID, Breakpoint{Type: BreakpointFact, Action: ActionLog})
	require.NoError(t, err)
	require.NoError(t, ctrl.SetBreakpointEnabled(s.ID, bp.ID, false))

	collector.Record(Entry{Type: "fact"})

	s.mu.Lock()
	hits := s.breakpoints[bp.ID].HitCount
	s.mu.Unlock()
	assert.Equal(t, 0, hits)
}

func TestController_EndSessionReleasesPause(t *testing.T) {
	ctrl, collector := newTestController(t)
	s := ctrl.CreateSession(true)
	_, err := ctrl.AddBreakpoint(s.ID, Breakpoint{Type: BreakpointEvent, Action: ActionPause})
	require.NoError(t, err)

	collector.Record(Entry{Type: "event"})
	require.True(t, s.Paused())

	ctrl.EndSession(s.ID)
	assert.False(t, s.Paused())
}
