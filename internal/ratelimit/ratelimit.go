// Package ratelimit bounds two ingress points named in SPEC_FULL.md §4.12:
// the event-ingestion rate accepted by the orchestrator, and the rate of
// Data Resolver service invocations, so a misbehaving producer
// or a slow downstream service cannot starve the single cooperative
// executor's suspension points (spec §5).
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Config configures both limiters. A zero rate falls back to DefaultConfig's
// figure; a zero burst defaults to twice its (possibly defaulted) rate.
type Config struct {
	EventsPerSecond   float64
	EventBurst        int
	ResolverPerSecond float64
	ResolverBurst     int
}

// DefaultConfig is a permissive starting point suitable for development.
func DefaultConfig() Config {
	return Config{
		EventsPerSecond:   500,
		EventBurst:        1000,
		ResolverPerSecond: 200,
		ResolverBurst:     400,
	}
}

// Limiters holds the event-ingestion and Data Resolver rate limiters.
type Limiters struct {
	events   *rate.Limiter
	resolver *rate.Limiter
}

// New constructs Limiters from cfg, defaulting any zero field.
func New(cfg Config) *Limiters {
	if cfg.EventsPerSecond <= 0 {
		cfg.EventsPerSecond = DefaultConfig().EventsPerSecond
	}
	if cfg.EventBurst <= 0 {
		cfg.EventBurst = int(cfg.EventsPerSecond * 2)
	}
	if cfg.ResolverPerSecond <= 0 {
		cfg.ResolverPerSecond = DefaultConfig().ResolverPerSecond
	}
	if cfg.ResolverBurst <= 0 {
		cfg.ResolverBurst = int(cfg.ResolverPerSecond * 2)
	}

	return &Limiters{
		events:   rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), cfg.EventBurst),
		resolver: rate.NewLimiter(rate.Limit(cfg.ResolverPerSecond), cfg.ResolverBurst),
	}
}

// AllowEvent reports whether an incoming Emit should be accepted right now.
// Ingestion is rejected outright rather than queued, since queuing an
// unbounded producer would just move the backpressure into the stimulus
// channel.
func (l *Limiters) AllowEvent() bool {
	return l.events.Allow()
}

// WaitResolverCall blocks until a Data Resolver service invocation may
// proceed, or ctx is done. Unlike event ingestion, a resolver call is
// already in flight on behalf of a rule that matched, so it is throttled
// rather than rejected.
func (l *Limiters) WaitResolverCall(ctx context.Context) error {
	return l.resolver.Wait(ctx)
}

// AllowResolverCall is the non-blocking form, for callers that would
// rather skip a requirement than stall on it.
func (l *Limiters) AllowResolverCall() bool {
	return l.resolver.Allow()
}
