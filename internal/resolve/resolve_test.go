package resolve

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/r3e-network/ruleflow/internal/cache"
	"github.com/r3e-network/ruleflow/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identityArgs(args map[string]rules.ValueExpr) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v.Literal
	}
	return out
}

func TestResolveAll_SuccessPopulatesLookups(t *testing.T) {
	registry := MapRegistry{
		"accounts": {
			"balance": func(ctx context.Context, args map[string]any) (any, error) {
				return 42.0, nil
			},
		},
	}
	r := New(registry, cache.NewMemory(cache.DefaultMemoryConfig()))

	out, err := r.ResolveAll(context.Background(), []rules.Requirement{
		{Name: "bal", Service: "accounts", Method: "balance"},
	}, identityArgs)
	require.NoError(t, err)
	assert.Equal(t, 42.0, out.Lookups["bal"])
	assert.Empty(t, out.Errors)
	assert.False(t, out.Skipped)
}

func TestResolveAll_UnregisteredServiceSkip(t *testing.T) {
	r := New(MapRegistry{}, cache.NewMemory(cache.DefaultMemoryConfig()))

	out, err := r.ResolveAll(context.Background(), []rules.Requirement{
		{Name: "x", Service: "ghost", Method: "m", OnError: "skip"},
	}, identityArgs)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Contains(t, out.Errors["x"], `Service "ghost" is not registered`)
}

func TestResolveAll_MissingMethodDistinctError(t *testing.T) {
	registry := MapRegistry{"svc": {}}
	r := New(registry, cache.NewMemory(cache.DefaultMemoryConfig()))

	out, _ := r.ResolveAll(context.Background(), []rules.Requirement{
		{Name: "x", Service: "svc", Method: "missing", OnError: "skip"},
	}, identityArgs)
	assert.Contains(t, out.Errors["x"], `Method "missing" not found on service "svc"`)
}

func TestResolveAll_FailPolicyAbortsWhole(t *testing.T) {
	registry := MapRegistry{
		"svc": {
			"boom": func(ctx context.Context, args map[string]any) (any, error) {
				return nil, errors.New("explosion")
			},
		},
	}
	r := New(registry, cache.NewMemory(cache.DefaultMemoryConfig()))

	_, err := r.ResolveAll(context.Background(), []rules.Requirement{
		{Name: "x", Service: "svc", Method: "boom", OnError: "fail"},
	}, identityArgs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "explosion")
}

func TestResolveAll_CachesSuccessfulLookup(t *testing.T) {
	calls := 0
	registry := MapRegistry{
		"svc": {
			"m": func(ctx context.Context, args map[string]any) (any, error) {
				calls++
				return calls, nil
			},
		},
	}
	r := New(registry, cache.NewMemory(cache.DefaultMemoryConfig()))
	req := rules.Requirement{Name: "x", Service: "svc", Method: "m", Cache: &rules.CacheSpec{TTL: time.Minute}}

	out1, err := r.ResolveAll(context.Background(), []rules.Requirement{req}, identityArgs)
	require.NoError(t, err)
	out2, err := r.ResolveAll(context.Background(), []rules.Requirement{req}, identityArgs)
	require.NoError(t, err)

	assert.Equal(t, out1.Lookups["x"], out2.Lookups["x"])
	assert.Equal(t, 1, calls)
}

// TestResolveAll_CacheKeyStableAcrossMultiArgOrdering guards against the
// cache key being built by ranging over the args map directly: map
// iteration order is randomized per run, so a multi-key Args requirement
// resolved repeatedly must still hit the cache every time.
func TestResolveAll_CacheKeyStableAcrossMultiArgOrdering(t *testing.T) {
	calls := 0
	registry := MapRegistry{
		"svc": {
			"m": func(ctx context.Context, args map[string]any) (any, error) {
				calls++
				return calls, nil
			},
		},
	}
	r := New(registry, cache.NewMemory(cache.DefaultMemoryConfig()))
	req := rules.Requirement{
		Name: "x", Service: "svc", Method: "m",
		Cache: &rules.CacheSpec{TTL: time.Minute},
		Args: map[string]rules.ValueExpr{
			"alpha":   rules.Lit("a"),
			"bravo":   rules.Lit("b"),
			"charlie": rules.Lit("c"),
			"delta":   rules.Lit("d"),
		},
	}

	var last any
	for i := 0; i < 10; i++ {
		out, err := r.ResolveAll(context.Background(), []rules.Requirement{req}, identityArgs)
		require.NoError(t, err)
		if i > 0 {
			assert.Equal(t, last, out.Lookups["x"])
		}
		last = out.Lookups["x"]
	}
	assert.Equal(t, 1, calls)
}

func TestResolveAll_ConcurrentRequirementsAllRun(t *testing.T) {
	registry := MapRegistry{
		"svc": {
			"a": func(ctx context.Context, args map[string]any) (any, error) { return "a", nil },
			"b": func(ctx context.Context, args map[string]any) (any, error) { return "b", nil },
			"c": func(ctx context.Context, args map[string]any) (any, error) { return "c", nil },
		},
	}
	r := New(registry, cache.NewMemory(cache.DefaultMemoryConfig()))

	out, err := r.ResolveAll(context.Background(), []rules.Requirement{
		{Name: "ra", Service: "svc", Method: "a"},
		{Name: "rb", Service: "svc", Method: "b"},
		{Name: "rc", Service: "svc", Method: "c"},
	}, identityArgs)
	require.NoError(t, err)
	assert.Equal(t, "a", out.Lookups["ra"])
	assert.Equal(t, "b", out.Lookups["rb"])
	assert.Equal(t, "c", out.Lookups["rc"])
}

func TestResolveAll_WaitBeforeInvokeErrorSkipsRequirement(t *testing.T) {
	registry := MapRegistry{
		"svc": {"m": func(ctx context.Context, args map[string]any) (any, error) { return "value", nil }},
	}
	r := New(registry, cache.NewMemory(cache.DefaultMemoryConfig()))
	r.WaitBeforeInvoke = func(ctx context.Context) error { return errors.New("rate limited") }

	out, err := r.ResolveAll(context.Background(), []rules.Requirement{
		{Name: "res", Service: "svc", Method: "m"},
	}, identityArgs)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Contains(t, out.Errors["res"], "rate limited")
}
