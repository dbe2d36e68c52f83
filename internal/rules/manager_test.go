package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simpleRule(id string, priority int) Rule {
	return Rule{
		ID:       id,
		Name:     id,
		Priority: priority,
		Enabled:  true,
		Trigger:  Trigger{Kind: TriggerFact, Value: "customer:*:age"},
		Actions:  []Action{{Type: ActionSetFact, Key: "tier", Value: Lit("x")}},
	}
}

func TestRegisterRuleRejectsUnknownGroup(t *testing.T) {
	m := NewManager(Config{})
	r := simpleRule("r1", 1)
	r.Group = "missing"
	_, err := m.RegisterRule(r)
	assert.Error(t, err)
}

func TestForFactDispatchSoundnessAndOrder(t *testing.T) {
	m := NewManager(Config{})
	_, err := m.RegisterRule(simpleRule("low", 1))
	require.NoError(t, err)
	_, err = m.RegisterRule(simpleRule("high", 10))
	require.NoError(t, err)

	other := simpleRule("other", 5)
	other.Trigger = Trigger{Kind: TriggerFact, Value: "order:*:total"}
	_, err = m.RegisterRule(other)
	require.NoError(t, err)

	matches := m.ForFact("customer:1:age")
	require.Len(t, matches, 2)
	assert.Equal(t, "high", matches[0].ID)
	assert.Equal(t, "low", matches[1].ID)
}

func TestGroupGating(t *testing.T) {
	m := NewManager(Config{})
	_, err := m.CreateGroup(Group{ID: "g1", Enabled: true})
	require.NoError(t, err)
	r := simpleRule("r1", 1)
	r.Group = "g1"
	_, err = m.RegisterRule(r)
	require.NoError(t, err)

	assert.Len(t, m.ForFact("customer:1:age"), 1)

	require.NoError(t, m.DisableGroup("g1"))
	assert.Empty(t, m.ForFact("customer:1:age"), "disabling group deactivates every contained rule")

	require.NoError(t, m.EnableGroup("g1"))
	assert.Len(t, m.ForFact("customer:1:age"), 1, "re-enabling group resurrects rules that weren't individually disabled")

	require.NoError(t, m.DisableRule("r1"))
	require.NoError(t, m.EnableGroup("g1"))
	assert.Empty(t, m.ForFact("customer:1:age"), "re-enabling group does not resurrect an individually-disabled rule")
}

func TestDeleteGroupClearsRuleGroupField(t *testing.T) {
	m := NewManager(Config{})
	_, err := m.CreateGroup(Group{ID: "g1", Enabled: true})
	require.NoError(t, err)
	r := simpleRule("r1", 1)
	r.Group = "g1"
	_, err = m.RegisterRule(r)
	require.NoError(t, err)

	require.NoError(t, m.DeleteGroup("g1"))
	stored, ok := m.GetRule("r1")
	require.True(t, ok)
	assert.Equal(t, "", stored.Group)
	assert.Len(t, m.ForFact("customer:1:age"), 1, "rule stays active once ungrouped")
}

func TestReverseIndexWildcardActionKey(t *testing.T) {
	m := NewManager(Config{})
	r := Rule{
		ID:      "vip",
		Enabled: true,
		Trigger: Trigger{Kind: TriggerEvent, Value: "order.paid"},
		Actions: []Action{{Type: ActionSetFact, Key: "customer:${event.id}:tier", Value: Lit("vip")}},
	}
	_, err := m.RegisterRule(r)
	require.NoError(t, err)

	matches := m.GetByFactAction("customer:123:tier")
	require.Len(t, matches, 1)
	assert.Equal(t, "vip", matches[0].ID)

	require.NoError(t, m.UnregisterRule("vip"))
	assert.Empty(t, m.GetByFactAction("customer:123:tier"))
}

func TestRegisterUnregisterRegisterFreshVersion(t *testing.T) {
	m := NewManager(Config{})
	r1, err := m.RegisterRule(simpleRule("r1", 1))
	require.NoError(t, err)

	require.NoError(t, m.UnregisterRule("r1"))
	assert.Empty(t, m.ForFact("customer:1:age"))

	r2, err := m.RegisterRule(simpleRule("r1", 1))
	require.NoError(t, err)
	assert.Greater(t, r2.Version, r1.Version)
}

type memStore struct {
	rules  []Rule
	groups []Group
}

func (s *memStore) SaveRules(_ context.Context, rules []Rule) error {
	s.rules = append([]Rule(nil), rules...)
	return nil
}
func (s *memStore) SaveGroups(_ context.Context, groups []Group) error {
	s.groups = append([]Group(nil), groups...)
	return nil
}
func (s *memStore) LoadRules(_ context.Context) ([]Rule, error)   { return s.rules, nil }
func (s *memStore) LoadGroups(_ context.Context) ([]Group, error) { return s.groups, nil }

func TestPersistRestoreRoundTrip(t *testing.T) {
	store := &memStore{}
	m := NewManager(Config{Store: store})
	_, err := m.CreateGroup(Group{ID: "g1", Enabled: true})
	require.NoError(t, err)
	r := simpleRule("r1", 1)
	r.Group = "g1"
	_, err = m.RegisterRule(r)
	require.NoError(t, err)

	require.NoError(t, m.Persist(context.Background()))

	m2 := NewManager(Config{Store: store})
	require.NoError(t, m2.Restore(context.Background()))

	assert.ElementsMatch(t, m.GetRules(), m2.GetRules())
	assert.ElementsMatch(t, m.GetGroups(), m2.GetGroups())
	assert.Len(t, m2.ForFact("customer:1:age"), 1)
}
