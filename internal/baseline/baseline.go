// Package baseline implements the anomaly-detection baseline provider of
// SPEC_FULL.md §4.7: a per-series online mean/variance accumulator
// (Welford's algorithm) that the condition evaluator consults through
// "baseline.<series>" references.
package baseline

import (
	"math"
	"sync"
)

// series holds one Welford accumulator: count, running mean and the sum of
// squared differences from the mean (M2), from which variance/stddev
// derive without ever re-reading past observations.
type series struct {
	count int64
	mean  float64
	m2    float64
}

func (s *series) observe(value float64) {
	s.count++
	delta := value - s.mean
	s.mean += delta / float64(s.count)
	delta2 := value - s.mean
	s.m2 += delta * delta2
}

func (s *series) stddev() float64 {
	if s.count < 2 {
		return 0
	}
	return math.Sqrt(s.m2 / float64(s.count-1))
}

// Provider is a thread-safe collection of named Welford accumulators.
type Provider struct {
	mu     sync.Mutex
	series map[string]*series
}

// New constructs an empty Provider.
func New() *Provider {
	return &Provider{series: make(map[string]*series)}
}

// Observe folds value into the named series' running statistics.
func (p *Provider) Observe(name string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.series[name]
	if !ok {
		s = &series{}
		p.series[name] = s
	}
	s.observe(value)
}

// Score returns how many standard deviations value is from the named
// series' current mean, and observes value into the series as a side
// effect (the accumulator is "online": every scored value also updates the
// baseline it was scored against). ok is false if the series has fewer
// than two prior observations, since a standard deviation is undefined
// before then.
func (p *Provider) Score(name string, value float64) (zScore float64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, exists := p.series[name]
	if !exists {
		s = &series{}
		p.series[name] = s
	}
	sd := s.stddev()
	hadEnough := s.count >= 2 && sd > 0
	mean := s.mean
	s.observe(value)
	if !hadEnough {
		return 0, false
	}
	return (value - mean) / sd, true
}

// Reset discards a series' accumulated statistics, restarting it from
// scratch on the next Observe/Score.
func (p *Provider) Reset(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.series, name)
}
