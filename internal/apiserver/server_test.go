package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/ruleflow/internal/engine"
	"github.com/r3e-network/ruleflow/internal/rules"
)

func newTestServer(t *testing.T) (*Server, *TokenService) {
	t.Helper()
	e := engine.New(engine.Config{Name: "apiserver-test", QueueSize: 64})
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		e.Stop(ctx)
	})

	tokens := NewTokenService("test-secret", time.Minute)
	s := New(Config{Engine: e, Tokens: tokens, ReleaseMode: true})
	return s, tokens
}

func authedRequest(t *testing.T, tokens *TokenService, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	token, err := tokens.Issue("tester")
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestServer_RejectsMissingBearerToken(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/rules", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_RejectsInvalidBearerToken(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/rules", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_CreateAndGetRule(t *testing.T) {
	s, tokens := newTestServer(t)

	rule := rules.Rule{
		ID:      "r-api",
		Name:    "api rule",
		Enabled: true,
		Trigger: rules.Trigger{Kind: rules.TriggerEvent, Value: "order.created"},
		Actions: []rules.Action{{Type: rules.ActionSetFact, Key: "seen", Value: rules.Lit(true)}},
	}

	createReq := authedRequest(t, tokens, http.MethodPost, "/v1/rules", rule)
	createRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	getReq := authedRequest(t, tokens, http.MethodGet, "/v1/rules/r-api", nil)
	getRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	var got rules.Rule
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &got))
	assert.Equal(t, "r-api", got.ID)
	assert.Equal(t, "api rule", got.Name)
}

func TestServer_CreateRuleConflictReturns409(t *testing.T) {
	s, tokens := newTestServer(t)
	rule := rules.Rule{
		ID:      "r-dup",
		Enabled: true,
		Trigger: rules.Trigger{Kind: rules.TriggerEvent, Value: "x"},
		Actions: []rules.Action{{Type: rules.ActionSetFact, Key: "k", Value: rules.Lit(1)}},
	}

	for i, wantStatus := range []int{http.StatusCreated, http.StatusConflict} {
		req := authedRequest(t, tokens, http.MethodPost, "/v1/rules", rule)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, wantStatus, rec.Code, "attempt %d", i)
	}
}

func TestServer_GetMissingRuleReturns404(t *testing.T) {
	s, tokens := newTestServer(t)
	req := authedRequest(t, tokens, http.MethodGet, "/v1/rules/ghost", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_SetAndGetFact(t *testing.T) {
	s, tokens := newTestServer(t)

	setReq := authedRequest(t, tokens, http.MethodPut, "/v1/facts/mykey", setFactRequest{Value: 42.0})
	setRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(setRec, setReq)
	require.Equal(t, http.StatusOK, setRec.Code)

	getReq := authedRequest(t, tokens, http.MethodGet, "/v1/facts/mykey", nil)
	getRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
}

func TestServer_EmitEventAccepted(t *testing.T) {
	s, tokens := newTestServer(t)
	req := authedRequest(t, tokens, http.MethodPost, "/v1/events", emitEventRequest{Topic: "order.created", Data: map[string]any{"id": "1"}})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestServer_EmitEventMissingTopicIsBadRequest(t *testing.T) {
	s, tokens := newTestServer(t)
	req := authedRequest(t, tokens, http.MethodPost, "/v1/events", map[string]any{"data": 1})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
