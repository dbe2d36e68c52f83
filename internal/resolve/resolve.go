// Package resolve implements the Data Resolver of spec §4.5: concurrent
// evaluation of a rule's declared requirements against a service registry,
// with per-requirement caching and a skip/fail error policy.
package resolve

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/r3e-network/ruleflow/internal/cache"
	"github.com/r3e-network/ruleflow/internal/errs"
	"github.com/r3e-network/ruleflow/internal/rules"
)

// ServiceMethod is one invocable method on a registered service.
type ServiceMethod func(ctx context.Context, args map[string]any) (any, error)

// Registry looks up services and their methods by name.
type Registry interface {
	Lookup(service, method string) (ServiceMethod, bool)
	HasService(service string) bool
}

// MapRegistry is a Registry backed by nested maps, the shape a host
// embedding the engine typically builds its service table from.
type MapRegistry map[string]map[string]ServiceMethod

// Lookup implements Registry.
func (r MapRegistry) Lookup(service, method string) (ServiceMethod, bool) {
	methods, ok := r[service]
	if !ok {
		return nil, false
	}
	m, ok := methods[method]
	return m, ok
}

// HasService implements Registry.
func (r MapRegistry) HasService(service string) bool {
	_, ok := r[service]
	return ok
}

// ArgResolver resolves a Requirement's ValueExpr args against the calling
// rule's execution context (interpolation/ref resolution lives in
// internal/actions; the resolver only needs the resolved scalars).
type ArgResolver func(args map[string]rules.ValueExpr) map[string]any

// Result is one requirement's outcome.
type Result struct {
	Name  string
	Value any
	Err   error
}

// Outcome is resolveAll's overall return value (spec §4.5).
type Outcome struct {
	Lookups map[string]any
	Errors  map[string]string
	Skipped bool
}

// maxConcurrent bounds simultaneous in-flight service calls, the same
// semaphore-channel shape the teacher's datafeed client uses for its batch
// fetch.
const maxConcurrent = 10

// Resolver runs requirements concurrently against a Registry, caching
// successful lookups.
type Resolver struct {
	registry Registry
	cache    cache.Cache

	// WaitBeforeInvoke, if set, is consulted before every service method
	// invocation (SPEC_FULL §4.12's Data Resolver rate bound). A nil func
	// means unlimited.
	WaitBeforeInvoke func(ctx context.Context) error
}

// New constructs a Resolver over registry, caching through c.
func New(registry Registry, c cache.Cache) *Resolver {
	return &Resolver{registry: registry, cache: c}
}

// ResolveAll evaluates every requirement concurrently and applies the
// skip/fail error policy (spec §4.5).
func (r *Resolver) ResolveAll(ctx context.Context, reqs []rules.Requirement, resolveArgs ArgResolver) (Outcome, error) {
	results := make([]Result, len(reqs))
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrent)

	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req rules.Requirement) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = r.resolveOne(ctx, req, resolveArgs)
		}(i, req)
	}
	wg.Wait()

	out := Outcome{Lookups: make(map[string]any), Errors: make(map[string]string)}

	for i, req := range reqs {
		res := results[i]
		if res.Err == nil {
			out.Lookups[res.Name] = res.Value
			continue
		}
		switch req.OnErrorPolicy() {
		case "fail":
			return Outcome{}, errs.NewResolutionError(req.Name, res.Err)
		default: // skip
			out.Errors[res.Name] = res.Err.Error()
			out.Skipped = true
		}
	}

	return out, nil
}

func (r *Resolver) resolveOne(ctx context.Context, req rules.Requirement, resolveArgs ArgResolver) Result {
	args := resolveArgs(req.Args)

	var cacheKey string
	if req.Cache != nil {
		cacheKey = signature(req.Service, req.Method, args)
		if v, ok := r.cache.Get(cacheKey); ok {
			return Result{Name: req.Name, Value: v}
		}
	}

	method, ok := r.registry.Lookup(req.Service, req.Method)
	if !ok {
		if r.registry.HasService(req.Service) {
			return Result{Name: req.Name, Err: fmt.Errorf("Method %q not found on service %q", req.Method, req.Service)}
		}
		return Result{Name: req.Name, Err: fmt.Errorf("Service %q is not registered", req.Service)}
	}

	if r.WaitBeforeInvoke != nil {
		if err := r.WaitBeforeInvoke(ctx); err != nil {
			return Result{Name: req.Name, Err: err}
		}
	}

	value, err := method(ctx, args)
	if err != nil {
		return Result{Name: req.Name, Err: err}
	}

	if req.Cache != nil {
		r.cache.Set(cacheKey, value, req.Cache.TTL)
	}
	return Result{Name: req.Name, Value: value}
}

// signature builds the cache key over a sorted key order: Go's map
// iteration order is randomized per run, and an unsorted build would
// produce a different string for the same logical args across calls,
// defeating the cache.
func signature(service, method string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sig := service + "/" + method
	for _, k := range keys {
		sig += fmt.Sprintf("|%s=%v", k, args[k])
	}
	return sig
}
