package temporal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateMatcher_SlidingSum(t *testing.T) {
	m := NewAggregateMatcher()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := base
	m.SetNow(func() time.Time { return cur })

	require.NoError(t, m.AddPattern(AggregatePattern{
		ID: "p1", Match: EventMatcher{Topic: "tx"}, Field: "amount",
		Func: AggSum, Window: time.Minute, Comparison: "gte", Threshold: 100, GroupBy: "account",
	}))

	mk := func(amount float64) {
		e := evt("tx", map[string]any{"amount": amount, "account": "a1"})
		e.Timestamp = cur.UnixMilli()
		cur = cur.Add(time.Second)
		m.ProcessEvent(e)
	}
	mk(40)
	mk(40)
	e := evt("tx", map[string]any{"amount": 30.0, "account": "a1"})
	e.Timestamp = cur.UnixMilli()
	got := m.ProcessEvent(e)
	require.Len(t, got, 1)
	assert.Equal(t, 110.0, got[0].Value)
}

func TestAggregateMatcher_SlidingAvg(t *testing.T) {
	m := NewAggregateMatcher()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetNow(func() time.Time { return base })

	require.NoError(t, m.AddPattern(AggregatePattern{
		ID: "p1", Match: EventMatcher{Topic: "sensor"}, Field: "v",
		Func: AggAvg, Window: time.Minute, Comparison: "gte", Threshold: 5,
	}))

	m.ProcessEvent(evt("sensor", map[string]any{"v": 2.0}))
	matches := m.ProcessEvent(evt("sensor", map[string]any{"v": 10.0}))
	require.Len(t, matches, 1)
	assert.Equal(t, 6.0, matches[0].Value)
}

func TestAggregateMatcher_CountFuncIgnoresMissingField(t *testing.T) {
	m := NewAggregateMatcher()
	require.NoError(t, m.AddPattern(AggregatePattern{
		ID: "p1", Match: EventMatcher{Topic: "ping"}, Func: AggCount,
		Window: time.Minute, Comparison: "gte", Threshold: 2,
	}))
	m.ProcessEvent(evt("ping", nil))
	matches := m.ProcessEvent(evt("ping", nil))
	require.Len(t, matches, 1)
	assert.Equal(t, 2.0, matches[0].Value)
}

func TestAggregateMatcher_TumblingWindowEnd(t *testing.T) {
	m := NewAggregateMatcher()
	var scheduledID string
	m.OnSchedule(func(id string, at time.Time) { scheduledID = id })

	require.NoError(t, m.AddPattern(AggregatePattern{
		ID: "p1", Match: EventMatcher{Topic: "tx"}, Field: "amount", Func: AggSum,
		Window: time.Minute, Kind: WindowTumbling, Comparison: "gte", Threshold: 50,
	}))
	m.ProcessEvent(evt("tx", map[string]any{"amount": 30.0}))
	m.ProcessEvent(evt("tx", map[string]any{"amount": 30.0}))

	match, ok := m.HandleWindowEnd(scheduledID)
	require.True(t, ok)
	assert.Equal(t, 60.0, match.Value)
}
