// Package trace implements the Trace Collector and Debug Controller of
// spec §4.6: a ring buffer of debug trace entries indexed by correlation
// id, rule id and type, plus development-mode breakpoints and snapshots.
package trace

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one DebugTraceEntry (spec §4.6).
type Entry struct {
	ID            string
	Type          string // "rule" | "event" | "fact" | "action"
	RuleID        string
	CorrelationID string
	Timestamp     int64
	Data          any
}

// Subscriber receives every recorded entry inline; it must not mutate
// engine state or block (spec §5 "Shared resources").
type Subscriber func(Entry)

// Collector is a ring buffer of Entries with secondary indexes by
// correlation id, rule id, and type.
type Collector struct {
	mu         sync.Mutex
	now        func() time.Time
	newID      func() string
	maxEntries int
	order      []string // entry ids, oldest first
	byID       map[string]Entry
	byCorr     map[string]map[string]struct{}
	byRule     map[string]map[string]struct{}
	byType     map[string]map[string]struct{}
	subs       map[int]Subscriber
	nextSubID  int
}

// Config configures a Collector.
type Config struct {
	MaxEntries int // default 10000
}

// New constructs a Collector.
func New(cfg Config) *Collector {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	return &Collector{
		now:        time.Now,
		newID:      uuid.NewString,
		maxEntries: cfg.MaxEntries,
		byID:       make(map[string]Entry),
		byCorr:     make(map[string]map[string]struct{}),
		byRule:     make(map[string]map[string]struct{}),
		byType:     make(map[string]map[string]struct{}),
		subs:       make(map[int]Subscriber),
	}
}

// SetNow injects a deterministic clock for tests.
func (c *Collector) SetNow(f func() time.Time) { c.mu.Lock(); c.now = f; c.mu.Unlock() }

// Subscribe registers fn for every future Record. The returned func
// unsubscribes it.
func (c *Collector) Subscribe(fn Subscriber) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Record stamps id/timestamp (unless already set), indexes, evicts if
// over capacity, and notifies subscribers. Subscriber panics are caught
// and do not affect the recorded entry.
func (c *Collector) Record(e Entry) Entry {
	c.mu.Lock()
	if e.ID == "" {
		e.ID = c.newID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = c.now().UnixMilli()
	}

	c.order = append(c.order, e.ID)
	c.byID[e.ID] = e
	addToIndex(c.byCorr, e.CorrelationID, e.ID)
	addToIndex(c.byRule, e.RuleID, e.ID)
	addToIndex(c.byType, e.Type, e.ID)

	if len(c.order) > c.maxEntries {
		c.evict()
	}

	subs := make([]Subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		c.notify(s, e)
	}
	return e
}

func (c *Collector) notify(s Subscriber, e Entry) {
	defer func() { recover() }()
	s(e)
}

func addToIndex(index map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func removeFromIndex(index map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}

// evict drops the oldest ~10% of entries (at least one) from the ring and
// every index simultaneously. Caller must hold c.mu.
func (c *Collector) evict() {
	count := c.maxEntries / 10
	if count < 1 {
		count = 1
	}
	if count > len(c.order) {
		count = len(c.order)
	}
	for _, id := range c.order[:count] {
		e := c.byID[id]
		delete(c.byID, id)
		removeFromIndex(c.byCorr, e.CorrelationID, id)
		removeFromIndex(c.byRule, e.RuleID, id)
		removeFromIndex(c.byType, e.Type, id)
	}
	c.order = c.order[count:]
}

func (c *Collector) collect(ids map[string]struct{}) []Entry {
	out := make([]Entry, 0, len(ids))
	for _, id := range c.order {
		if _, ok := ids[id]; ok {
			out = append(out, c.byID[id])
		}
	}
	return out
}

// ByCorrelation returns every live entry with the given correlation id, in
// insertion order.
func (c *Collector) ByCorrelation(id string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collect(c.byCorr[id])
}

// ByRule returns every live entry for the given rule id, in insertion
// order.
func (c *Collector) ByRule(id string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collect(c.byRule[id])
}

// ByType returns every live entry of the given type, in insertion order.
func (c *Collector) ByType(t string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collect(c.byType[t])
}

// Recent returns up to the last n recorded entries, oldest first.
func (c *Collector) Recent(n int) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > len(c.order) {
		n = len(c.order)
	}
	ids := c.order[len(c.order)-n:]
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.byID[id])
	}
	return out
}

// Size returns the number of live entries.
func (c *Collector) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
