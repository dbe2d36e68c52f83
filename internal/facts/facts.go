// Package facts implements the Fact Store of spec §4.1: a keyed, versioned
// in-memory store with a prefix index for wildcard queries and synchronous
// change notification.
package facts

import (
	"strings"
	"sync"
	"time"

	"github.com/r3e-network/ruleflow/internal/patternutil"
	"github.com/r3e-network/ruleflow/pkg/logger"
)

// ChangeType enumerates the three mutation kinds of spec §3.
type ChangeType string

const (
	Created ChangeType = "created"
	Updated ChangeType = "updated"
	Deleted ChangeType = "deleted"
)

// Fact is the versioned record of spec §3.
type Fact struct {
	Key       string
	Value     any
	Timestamp int64
	Source    string
	Version   int
}

// Change is delivered to the store's listener on every mutation.
type Change struct {
	Type     ChangeType
	Key      string
	Fact     Fact
	Previous *Fact
}

// ChangeListener receives fact mutations. Implementations must not panic;
// any panic is recovered, logged, and never affects the store's mutation.
type ChangeListener func(Change)

// NowFunc lets tests inject a deterministic clock.
type NowFunc func() time.Time

// Store is the Fact Store.
type Store struct {
	mu       sync.RWMutex
	name     string
	now      NowFunc
	log      *logger.Logger
	facts    map[string]Fact
	prefix   map[string]map[string]struct{} // first segment -> set of keys
	listener ChangeListener
}

// Config configures a Store (§6 "Fact Store" options).
type Config struct {
	Name          string
	OnFactChange  ChangeListener
	Now           NowFunc
	Logger        *logger.Logger
}

// New constructs an empty Fact Store.
func New(cfg Config) *Store {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now() }
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("facts")
	}
	name := cfg.Name
	if name == "" {
		name = "facts"
	}
	return &Store{
		name:     name,
		now:      now,
		log:      log,
		facts:    make(map[string]Fact),
		prefix:   make(map[string]map[string]struct{}),
		listener: cfg.OnFactChange,
	}
}

// SetListener installs or replaces the single change listener.
func (s *Store) SetListener(l ChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// Set writes key=value, returning the resulting Fact. Version starts at 1 on
// first write and increments by one on every subsequent write (invariant a).
func (s *Store) Set(key string, value any, source string) Fact {
	if source == "" {
		source = "system"
	}
	s.mu.Lock()
	prev, existed := s.facts[key]
	version := 1
	if existed {
		version = prev.Version + 1
	}
	f := Fact{
		Key:       key,
		Value:     value,
		Timestamp: s.now().UnixMilli(),
		Source:    source,
		Version:   version,
	}
	s.facts[key] = f
	s.indexKey(key)
	listener := s.listener
	s.mu.Unlock()

	change := Change{Type: Created, Key: key, Fact: f}
	if existed {
		change.Type = Updated
		prevCopy := prev
		change.Previous = &prevCopy
	}
	s.notify(listener, change)
	return f
}

// Get returns the current Fact for key, if any.
func (s *Store) Get(key string) (Fact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.facts[key]
	return f, ok
}

// Delete removes key, returning true only if it existed. Emits "deleted"
// only on a true return (invariant c).
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	prev, existed := s.facts[key]
	if !existed {
		s.mu.Unlock()
		return false
	}
	delete(s.facts, key)
	s.unindexKey(key)
	listener := s.listener
	s.mu.Unlock()

	s.notify(listener, Change{Type: Deleted, Key: key, Previous: &prev})
	return true
}

// Query returns facts whose key matches the colon-segmented glob pattern.
// Order is not guaranteed. Three paths per spec §4.1: exact get, full scan
// for a leading wildcard, or a prefix-bucket scan otherwise.
func (s *Store) Query(pattern string) []Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !patternutil.HasWildcard(pattern, ":") {
		if f, ok := s.facts[pattern]; ok {
			return []Fact{f}
		}
		return nil
	}

	first := patternutil.FirstSegment(pattern, ":")
	if first == "*" {
		var out []Fact
		for k, f := range s.facts {
			if patternutil.MatchColon(k, pattern) {
				out = append(out, f)
			}
		}
		return out
	}

	bucket, ok := s.prefix[first]
	if !ok {
		return nil
	}
	var out []Fact
	for k := range bucket {
		if patternutil.MatchColon(k, pattern) {
			out = append(out, s.facts[k])
		}
	}
	return out
}

// Filter returns every fact for which predicate returns true.
func (s *Store) Filter(predicate func(Fact) bool) []Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Fact
	for _, f := range s.facts {
		if predicate(f) {
			out = append(out, f)
		}
	}
	return out
}

// GetAll returns every fact currently stored.
func (s *Store) GetAll() []Fact {
	return s.Filter(func(Fact) bool { return true })
}

// Size returns the number of facts currently stored.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.facts)
}

// Clear removes every fact without emitting change events (bulk reset).
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts = make(map[string]Fact)
	s.prefix = make(map[string]map[string]struct{})
}

func (s *Store) indexKey(key string) {
	first := patternutil.FirstSegment(key, ":")
	bucket, ok := s.prefix[first]
	if !ok {
		bucket = make(map[string]struct{})
		s.prefix[first] = bucket
	}
	bucket[key] = struct{}{}
}

func (s *Store) unindexKey(key string) {
	first := patternutil.FirstSegment(key, ":")
	bucket, ok := s.prefix[first]
	if !ok {
		return
	}
	delete(bucket, key)
	if len(bucket) == 0 {
		delete(s.prefix, first)
	}
}

func (s *Store) notify(listener ChangeListener, change Change) {
	if listener == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("store", s.name).
				WithField("key", change.Key).
				Errorf("fact change listener panicked: %v", r)
		}
	}()
	listener(change)
}

// KeySegments splits a fact key into its colon-delimited parts, exposed for
// callers (rule index, action executor) that need the same segmentation
// without re-importing patternutil directly.
func KeySegments(key string) []string {
	return strings.Split(key, ":")
}
