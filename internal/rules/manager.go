package rules

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/r3e-network/ruleflow/internal/errs"
	"github.com/r3e-network/ruleflow/pkg/logger"
)

// PersistenceStore is the contract the Rule Index drives persistence
// through (spec §6 "Persisted layout"). Implementations live in
// internal/persistence.
type PersistenceStore interface {
	SaveRules(ctx context.Context, rules []Rule) error
	SaveGroups(ctx context.Context, groups []Group) error
	LoadRules(ctx context.Context) ([]Rule, error)
	LoadGroups(ctx context.Context) ([]Group, error)
}

// Manager is the Rule Index / Rule Manager of spec §4.2.
type Manager struct {
	mu     sync.RWMutex
	log    *logger.Logger
	store  PersistenceStore
	debounce time.Duration

	rules  map[string]*Rule
	groups map[string]*Group

	byGroup map[string]map[string]struct{} // group id -> rule ids

	fact     *forwardIndex
	event    *forwardIndex
	timer    *forwardIndex
	temporal map[string]struct{} // rule ids with TriggerTemporal

	reverseFact  *reverseIndex
	reverseEvent *reverseIndex

	nextVersion int

	saveMu    sync.Mutex
	saveTimer *time.Timer
}

// Config configures a Manager.
type Config struct {
	Logger             *logger.Logger
	Store              PersistenceStore
	PersistenceDebounce time.Duration
}

// NewManager constructs an empty Rule Index.
func NewManager(cfg Config) *Manager {
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("rules")
	}
	debounce := cfg.PersistenceDebounce
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Manager{
		log:          log,
		store:        cfg.Store,
		debounce:     debounce,
		rules:        make(map[string]*Rule),
		groups:       make(map[string]*Group),
		byGroup:      make(map[string]map[string]struct{}),
		fact:         newForwardIndex(),
		event:        newForwardIndex(),
		timer:        newForwardIndex(),
		temporal:     make(map[string]struct{}),
		reverseFact:  newReverseIndex(),
		reverseEvent: newReverseIndex(),
		nextVersion:  1,
	}
}

// --- Groups ---------------------------------------------------------------

// CreateGroup registers a new group.
func (m *Manager) CreateGroup(g Group) (Group, error) {
	if strings.TrimSpace(g.ID) == "" {
		return Group{}, errs.RequiredError("id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.groups[g.ID]; exists {
		return Group{}, errs.NewConflictError("group", g.ID, "")
	}
	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now
	stored := g
	m.groups[g.ID] = &stored
	m.armSave()
	return stored, nil
}

// DeleteGroup removes a group and clears the group field (plus updatedAt) on
// every rule that referenced it (spec §3 Group lifecycle).
func (m *Manager) DeleteGroup(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return errs.NewNotFoundError("group", id)
	}
	delete(m.groups, id)
	now := time.Now().UTC()
	for ruleID := range m.byGroup[id] {
		if r, ok := m.rules[ruleID]; ok {
			r.Group = ""
			r.UpdatedAt = now
		}
	}
	delete(m.byGroup, id)
	m.armSave()
	return nil
}

// EnableGroup / DisableGroup toggle a group's enabled flag. Gating happens
// at read time via isActive; member rules are never touched directly.
func (m *Manager) EnableGroup(id string) error  { return m.setGroupEnabled(id, true) }
func (m *Manager) DisableGroup(id string) error { return m.setGroupEnabled(id, false) }

func (m *Manager) setGroupEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return errs.NewNotFoundError("group", id)
	}
	g.Enabled = enabled
	g.UpdatedAt = time.Now().UTC()
	m.armSave()
	return nil
}

// GetGroup returns a group by id.
func (m *Manager) GetGroup(id string) (Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return Group{}, false
	}
	return *g, true
}

// GetGroups returns every group.
func (m *Manager) GetGroups() []Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, *g)
	}
	return out
}

// GetGroupRules returns every rule referencing the given group.
func (m *Manager) GetGroupRules(id string) []Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Rule
	for ruleID := range m.byGroup[id] {
		if r, ok := m.rules[ruleID]; ok {
			out = append(out, *r)
		}
	}
	return out
}

// --- Rules ------------------------------------------------------------------

// RegisterRule validates and indexes a new rule, assigning it a monotonic
// version. A rule referencing a non-existent group is rejected.
func (m *Manager) RegisterRule(r Rule) (Rule, error) {
	if strings.TrimSpace(r.ID) == "" {
		return Rule{}, errs.RequiredError("id")
	}
	if len(r.Actions) == 0 {
		return Rule{}, errs.RequiredError("actions")
	}
	if err := validateTrigger(r.Trigger); err != nil {
		return Rule{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rules[r.ID]; exists {
		return Rule{}, errs.NewConflictError("rule", r.ID, "")
	}
	if r.Group != "" {
		if _, ok := m.groups[r.Group]; !ok {
			return Rule{}, errs.Invalid("group", "references a non-existent group")
		}
	}

	now := time.Now().UTC()
	r.Version = m.nextVersion
	m.nextVersion++
	r.CreatedAt = now
	r.UpdatedAt = now

	stored := r
	m.rules[r.ID] = &stored
	m.indexRule(&stored)
	m.armSave()
	return stored, nil
}

// UnregisterRule removes a rule from every index.
func (m *Manager) UnregisterRule(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return errs.NewNotFoundError("rule", id)
	}
	m.unindexRule(r)
	delete(m.rules, id)
	m.armSave()
	return nil
}

// EnableRule / DisableRule toggle a rule's own enabled flag.
func (m *Manager) EnableRule(id string) error  { return m.setRuleEnabled(id, true) }
func (m *Manager) DisableRule(id string) error { return m.setRuleEnabled(id, false) }

func (m *Manager) setRuleEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return errs.NewNotFoundError("rule", id)
	}
	r.Enabled = enabled
	r.UpdatedAt = time.Now().UTC()
	m.armSave()
	return nil
}

// GetRule returns a rule by id.
func (m *Manager) GetRule(id string) (Rule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return Rule{}, false
	}
	return *r, true
}

// GetRules returns every registered rule, regardless of active state.
func (m *Manager) GetRules() []Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, *r)
	}
	return out
}

// isActive reports whether r is enabled and (has no group, or its group is
// enabled) — spec §3's "active rule" definition. Caller must hold m.mu.
func (m *Manager) isActive(r *Rule) bool {
	if !r.Enabled {
		return false
	}
	if r.Group == "" {
		return true
	}
	g, ok := m.groups[r.Group]
	return ok && g.Enabled
}

func (m *Manager) activeSorted(ids map[string]struct{}) []Rule {
	matched := make([]*Rule, 0, len(ids))
	for id := range ids {
		r, ok := m.rules[id]
		if !ok || !m.isActive(r) {
			continue
		}
		matched = append(matched, r)
	}
	sortByPriorityDesc(matched)
	out := make([]Rule, len(matched))
	for i, r := range matched {
		out[i] = *r
	}
	return out
}

// ForFact returns the active rules whose fact trigger matches key, sorted
// by priority descending.
func (m *Manager) ForFact(key string) []Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeSorted(m.fact.lookup(key, ":"))
}

// ForEvent returns the active rules whose event trigger matches topic.
func (m *Manager) ForEvent(topic string) []Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeSorted(m.event.lookup(topic, "."))
}

// ForTimer returns the active rules whose timer trigger matches name.
func (m *Manager) ForTimer(name string) []Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeSorted(m.timer.lookup(name, ":"))
}

// TemporalRules returns every active rule with a temporal trigger.
func (m *Manager) TemporalRules() []Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeSorted(m.temporal)
}

// GetByFactAction returns the active rules whose action list would write
// fact key (the reverse/backward-chaining index).
func (m *Manager) GetByFactAction(key string) []Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeSorted(m.reverseFact.lookup(key, ":"))
}

// GetByEventAction returns the active rules whose action list would emit
// topic.
func (m *Manager) GetByEventAction(topic string) []Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeSorted(m.reverseEvent.lookup(topic, "."))
}

func (m *Manager) indexRule(r *Rule) {
	switch r.Trigger.Kind {
	case TriggerFact:
		m.fact.add(r.Trigger.Value, r.ID, ":")
	case TriggerEvent:
		m.event.add(r.Trigger.Value, r.ID, ".")
	case TriggerTimer:
		m.timer.add(r.Trigger.Value, r.ID, ":")
	case TriggerTemporal:
		m.temporal[r.ID] = struct{}{}
	}

	factKeys, eventTopics := collectActionTargets(r.Actions)
	for _, key := range factKeys {
		m.reverseFact.add(key, r.ID, ":")
	}
	for _, topic := range eventTopics {
		m.reverseEvent.add(topic, r.ID, ".")
	}

	if r.Group != "" {
		set, ok := m.byGroup[r.Group]
		if !ok {
			set = make(map[string]struct{})
			m.byGroup[r.Group] = set
		}
		set[r.ID] = struct{}{}
	}
}

func (m *Manager) unindexRule(r *Rule) {
	switch r.Trigger.Kind {
	case TriggerFact:
		m.fact.remove(r.Trigger.Value, r.ID, ":")
	case TriggerEvent:
		m.event.remove(r.Trigger.Value, r.ID, ".")
	case TriggerTimer:
		m.timer.remove(r.Trigger.Value, r.ID, ":")
	case TriggerTemporal:
		delete(m.temporal, r.ID)
	}

	factKeys, eventTopics := collectActionTargets(r.Actions)
	for _, key := range factKeys {
		m.reverseFact.remove(key, r.ID, ":")
	}
	for _, topic := range eventTopics {
		m.reverseEvent.remove(topic, r.ID, ".")
	}

	if r.Group != "" {
		if set, ok := m.byGroup[r.Group]; ok {
			delete(set, r.ID)
			if len(set) == 0 {
				delete(m.byGroup, r.Group)
			}
		}
	}
}

func validateTrigger(t Trigger) error {
	switch t.Kind {
	case TriggerFact, TriggerEvent, TriggerTimer, TriggerTemporal:
	default:
		return errs.Invalid("trigger.kind", "must be one of fact, event, timer, temporal")
	}
	if strings.TrimSpace(t.Value) == "" {
		return errs.RequiredError("trigger.value")
	}
	return nil
}

// --- Persistence ------------------------------------------------------------

// armSave (re)arms the debounced background save. A currently armed save is
// cancelled and re-armed (spec §4.2). Caller must hold m.mu (write lock).
func (m *Manager) armSave() {
	if m.store == nil {
		return
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if m.saveTimer != nil {
		m.saveTimer.Stop()
	}
	m.saveTimer = time.AfterFunc(m.debounce, func() {
		if err := m.Persist(context.Background()); err != nil {
			m.log.WithError(err).Warn("background rule persistence failed")
		}
	})
}

// Persist saves rules and groups immediately, cancelling any pending
// debounced save.
func (m *Manager) Persist(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	m.saveMu.Lock()
	if m.saveTimer != nil {
		m.saveTimer.Stop()
		m.saveTimer = nil
	}
	m.saveMu.Unlock()

	rulesSnapshot := m.GetRules()
	groupsSnapshot := m.GetGroups()
	if err := m.store.SaveGroups(ctx, groupsSnapshot); err != nil {
		return err
	}
	return m.store.SaveRules(ctx, rulesSnapshot)
}

// Restore loads groups before rules (so rule->group references resolve),
// rebuilds every index, and advances nextVersion past the maximum loaded
// version.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	groups, err := m.store.LoadGroups(ctx)
	if err != nil {
		return err
	}
	loadedRules, err := m.store.LoadRules(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.groups = make(map[string]*Group, len(groups))
	for i := range groups {
		g := groups[i]
		m.groups[g.ID] = &g
	}

	m.rules = make(map[string]*Rule, len(loadedRules))
	m.byGroup = make(map[string]map[string]struct{})
	m.fact = newForwardIndex()
	m.event = newForwardIndex()
	m.timer = newForwardIndex()
	m.temporal = make(map[string]struct{})
	m.reverseFact = newReverseIndex()
	m.reverseEvent = newReverseIndex()

	maxVersion := 0
	for i := range loadedRules {
		r := loadedRules[i]
		m.rules[r.ID] = &r
		m.indexRule(&r)
		if r.Version > maxVersion {
			maxVersion = r.Version
		}
	}
	m.nextVersion = maxVersion + 1
	return nil
}
