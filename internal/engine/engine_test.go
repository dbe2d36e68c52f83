package engine

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/r3e-network/ruleflow/internal/rules"
	"github.com/r3e-network/ruleflow/internal/temporal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(Config{Name: "test", QueueSize: 64})
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		e.Stop(ctx)
	})
	return e
}

// eventually polls fn until it returns true or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, fn(), "condition never became true within %s", timeout)
}

func TestEngine_SequenceMatch(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.RegisterSequencePattern(temporal.SequencePattern{
		ID:      "seq1",
		Steps:   []temporal.EventMatcher{{Topic: "order.created"}, {Topic: "payment.received"}},
		Within:  5 * time.Minute,
		GroupBy: "orderId",
	}))
	_, err := e.RegisterRule(rules.Rule{
		ID: "r-seq", Enabled: true,
		Trigger: rules.Trigger{Kind: rules.TriggerTemporal, Value: "seq1"},
		Actions: []rules.Action{{Type: rules.ActionSetFact, Key: "seqMatched", Value: rules.Lit(true)}},
	})
	require.NoError(t, err)

	require.NoError(t, e.Emit("order.created", map[string]any{"orderId": "o1"}, ""))
	require.NoError(t, e.Drain())
	require.NoError(t, e.Emit("payment.received", map[string]any{"orderId": "o1"}, ""))
	require.NoError(t, e.Drain())

	f, ok := e.GetFact("seqMatched")
	require.True(t, ok)
	assert.Equal(t, true, f.Value)
}

func TestEngine_AbsenceTimeout(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.RegisterAbsencePattern(temporal.AbsencePattern{
		ID:       "abs1",
		After:    temporal.EventMatcher{Topic: "order.created"},
		Expected: temporal.EventMatcher{Topic: "payment.received"},
		Within:   30 * time.Millisecond,
		GroupBy:  "orderId",
	}))
	_, err := e.RegisterRule(rules.Rule{
		ID: "r-abs", Enabled: true,
		Trigger: rules.Trigger{Kind: rules.TriggerTemporal, Value: "abs1"},
		Actions: []rules.Action{{Type: rules.ActionSetFact, Key: "absMatched", Value: rules.Lit(true)}},
	})
	require.NoError(t, err)

	require.NoError(t, e.Emit("order.created", map[string]any{"orderId": "o1"}, ""))
	require.NoError(t, e.Drain())

	eventually(t, time.Second, func() bool {
		f, ok := e.GetFact("absMatched")
		return ok && f.Value == true
	})
}

func TestEngine_CountSlidingBruteForce(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.RegisterCountPattern(temporal.CountPattern{
		ID:        "cnt1",
		Match:     temporal.EventMatcher{Topic: "login.failed"},
		Window:    5 * time.Minute,
		Threshold: 3,
		GroupBy:   "userId",
	}))
	_, err := e.RegisterRule(rules.Rule{
		ID: "r-cnt", Enabled: true,
		Trigger: rules.Trigger{Kind: rules.TriggerTemporal, Value: "cnt1"},
		Actions: []rules.Action{{Type: rules.ActionSetFact, Key: "failCount", Value: rules.Reference("trigger.count")}},
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Emit("login.failed", map[string]any{"userId": "u1"}, ""))
		require.NoError(t, e.Drain())
	}

	f, ok := e.GetFact("failCount")
	require.True(t, ok)
	assert.EqualValues(t, 3, f.Value)

	require.NoError(t, e.Emit("login.failed", map[string]any{"userId": "u1"}, ""))
	require.NoError(t, e.Drain())
	f, ok = e.GetFact("failCount")
	require.True(t, ok)
	assert.EqualValues(t, 4, f.Value)
}

func TestEngine_ConditionalRouting(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.RegisterRule(rules.Rule{
		ID: "r-cond", Enabled: true,
		Trigger: rules.Trigger{Kind: rules.TriggerEvent, Value: "order.paid"},
		Actions: []rules.Action{{
			Type: rules.ActionConditional,
			Conditions: []rules.Condition{{Path: "event.amount", Op: rules.OpGte, Value: rules.Lit(100)}},
			Then:       []rules.Action{{Type: rules.ActionSetFact, Key: "tier", Value: rules.Lit("premium")}},
			Else:       []rules.Action{{Type: rules.ActionSetFact, Key: "tier", Value: rules.Lit("basic")}},
		}},
	})
	require.NoError(t, err)

	require.NoError(t, e.Emit("order.paid", map[string]any{"amount": 200}, ""))
	require.NoError(t, e.Drain())
	f, ok := e.GetFact("tier")
	require.True(t, ok)
	assert.Equal(t, "premium", f.Value)

	require.NoError(t, e.Emit("order.paid", map[string]any{"amount": 10}, ""))
	require.NoError(t, e.Drain())
	f, ok = e.GetFact("tier")
	require.True(t, ok)
	assert.Equal(t, "basic", f.Value)
}

func TestEngine_TryCatchFinally(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterService("svc", "fail", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("boom")
	})

	_, err := e.RegisterRule(rules.Rule{
		ID: "r-try", Enabled: true,
		Trigger: rules.Trigger{Kind: rules.TriggerEvent, Value: "do.thing"},
		Actions: []rules.Action{{
			Type: rules.ActionTryCatch,
			Try:  []rules.Action{{Type: rules.ActionCallService, Service: "svc", Method: "fail"}},
			Catch: &rules.CatchSpec{
				As:      "err",
				Actions: []rules.Action{{Type: rules.ActionSetFact, Key: "err_msg", Value: rules.Reference("var.err.message")}},
			},
			Finally: []rules.Action{{Type: rules.ActionSetFact, Key: "cleaned", Value: rules.Lit(true)}},
		}},
	})
	require.NoError(t, err)

	require.NoError(t, e.Emit("do.thing", map[string]any{}, ""))
	require.NoError(t, e.Drain())

	f, ok := e.GetFact("err_msg")
	require.True(t, ok)
	assert.Equal(t, "boom", f.Value)

	f, ok = e.GetFact("cleaned")
	require.True(t, ok)
	assert.Equal(t, true, f.Value)
}

func TestEngine_ReverseIndexWildcardActionKey(t *testing.T) {
	e := newTestEngine(t)
	r, err := e.RegisterRule(rules.Rule{
		ID: "r-wild", Enabled: true,
		Trigger: rules.Trigger{Kind: rules.TriggerEvent, Value: "tier.upgrade"},
		Actions: []rules.Action{{
			Type:  rules.ActionSetFact,
			Key:   "customer:${event.id}:tier",
			Value: rules.Lit("vip"),
		}},
	})
	require.NoError(t, err)

	hits := e.rules.GetByFactAction("customer:123:tier")
	require.Len(t, hits, 1)
	assert.Equal(t, r.ID, hits[0].ID)

	require.NoError(t, e.UnregisterRule(r.ID))
	assert.Empty(t, e.rules.GetByFactAction("customer:123:tier"))
}

func TestEngine_EmitFailsWhenStopped(t *testing.T) {
	e := New(Config{Name: "stopped"})
	err := e.Emit("x", nil, "")
	assert.Error(t, err)
}

func TestEngine_BaselineConditionScoresTriggerField(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.RegisterRule(rules.Rule{
		ID: "r-baseline", Enabled: true,
		Trigger:    rules.Trigger{Kind: rules.TriggerEvent, Value: "sensor.reading"},
		Conditions: []rules.Condition{{Path: "baseline.value", Op: rules.OpGt, Value: rules.Lit(3.0)}},
		Actions:    []rules.Action{{Type: rules.ActionSetFact, Key: "anomalous", Value: rules.Lit(true)}},
	})
	require.NoError(t, err)

	// A gently varying stream of readings around 10 builds up history
	// (with nonzero variance) without tripping the z-score > 3 condition.
	steady := []float64{9, 10, 11, 9, 10, 11, 9, 10, 11, 10}
	for _, v := range steady {
		require.NoError(t, e.Emit("sensor.reading", map[string]any{"value": v}, ""))
		require.NoError(t, e.Drain())
	}
	_, ok := e.GetFact("anomalous")
	assert.False(t, ok, "a gently varying series should never score as anomalous")

	// An outlier well outside the observed range crosses the threshold.
	require.NoError(t, e.Emit("sensor.reading", map[string]any{"value": 10000.0}, ""))
	require.NoError(t, e.Drain())
	f, ok := e.GetFact("anomalous")
	require.True(t, ok)
	assert.Equal(t, true, f.Value)
}

// TestEngine_ForEachFeedbackBeyondQueueCapacityDoesNotDeadlock guards
// against a for_each action whose body sets more facts than the stimulus
// queue can hold: each set_fact feeds back into the pipeline synchronously
// on the executor's own goroutine, and a blocking enqueue there would
// deadlock the engine against itself.
func TestEngine_ForEachFeedbackBeyondQueueCapacityDoesNotDeadlock(t *testing.T) {
	e := New(Config{Name: "overflow", QueueSize: 4})
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		e.Stop(ctx)
	})

	const n = 50
	items := make([]any, n)
	for i := range items {
		items[i] = i
	}

	_, err := e.RegisterRule(rules.Rule{
		ID: "r-foreach", Enabled: true,
		Trigger: rules.Trigger{Kind: rules.TriggerEvent, Value: "batch.process"},
		Actions: []rules.Action{{
			Type:       rules.ActionForEach,
			Collection: rules.Reference("event.items"),
			As:         "item",
			Body: []rules.Action{
				{Type: rules.ActionSetFact, Key: "item:${var.item}", Value: rules.Lit(true)},
			},
		}},
	})
	require.NoError(t, err)

	require.NoError(t, e.Emit("batch.process", map[string]any{"items": items}, ""))
	require.NoError(t, e.Drain())

	for i := 0; i < n; i++ {
		_, ok := e.GetFact("item:" + strconv.Itoa(i))
		require.True(t, ok, "item %d fact missing", i)
	}
}

// TestEngine_DefaultsResolverCacheWhenConfigOmitsOne guards against a nil
// Config.Cache reaching the resolver: any requirement that declares
// per-requirement caching must work even when the host never supplies a
// cache backend.
func TestEngine_DefaultsResolverCacheWhenConfigOmitsOne(t *testing.T) {
	e := New(Config{Name: "nilcache"})
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		e.Stop(ctx)
	})

	calls := 0
	e.RegisterService("svc", "cached", func(ctx context.Context, args map[string]any) (any, error) {
		calls++
		return calls, nil
	})

	_, err := e.RegisterRule(rules.Rule{
		ID: "r-cache", Enabled: true,
		Trigger:      rules.Trigger{Kind: rules.TriggerEvent, Value: "svc.cached.call"},
		Requirements: []rules.Requirement{{Name: "res", Service: "svc", Method: "cached", Cache: &rules.CacheSpec{TTL: time.Minute}}},
		Actions:      []rules.Action{{Type: rules.ActionSetFact, Key: "cachedResult", Value: rules.Reference("lookup.res")}},
	})
	require.NoError(t, err)

	require.NoError(t, e.Emit("svc.cached.call", map[string]any{}, ""))
	require.NoError(t, e.Drain())
	require.NoError(t, e.Emit("svc.cached.call", map[string]any{}, ""))
	require.NoError(t, e.Drain())

	assert.Equal(t, 1, calls)
}

func TestEngine_RegisterService(t *testing.T) {
	e := newTestEngine(t)
	called := false
	e.RegisterService("svc", "ping", func(ctx context.Context, args map[string]any) (any, error) {
		called = true
		return "pong", nil
	})

	_, err := e.RegisterRule(rules.Rule{
		ID: "r-svc", Enabled: true,
		Trigger: rules.Trigger{Kind: rules.TriggerEvent, Value: "svc.call"},
		Requirements: []rules.Requirement{{Name: "res", Service: "svc", Method: "ping"}},
		Actions: []rules.Action{{Type: rules.ActionSetFact, Key: "pingResult", Value: rules.Reference("lookup.res")}},
	})
	require.NoError(t, err)

	require.NoError(t, e.Emit("svc.call", map[string]any{}, ""))
	require.NoError(t, e.Drain())
	assert.True(t, called)

	f, ok := e.GetFact("pingResult")
	require.True(t, ok)
	assert.Equal(t, "pong", f.Value)
}
