package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_ExposesRegisteredCollectorNames(t *testing.T) {
	RecordEvent("metrics-test-topic")
	RecordRuleExecution("metrics-test-rule", "executed", 5*time.Millisecond)
	RecordAction("set_fact", "completed", time.Millisecond)
	SetQueueDepth(3)
	InstrumentHandler(http.NotFoundHandler()).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/rules", nil))

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "ruleflow_http_requests_total")
	assert.Contains(t, body, "ruleflow_rules_executions_total")
	assert.Contains(t, body, "ruleflow_events_processed_total")
	assert.Contains(t, body, "ruleflow_actions_executions_total")
	assert.Contains(t, body, "ruleflow_engine_stimulus_queue_depth 3")
}

func TestInstrumentHandler_RecordsRequestMetrics(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := InstrumentHandler(inner)

	req := httptest.NewRequest("GET", "/v1/rules", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)

	metricsReq := httptest.NewRequest("GET", "/metrics", nil)
	metricsRec := httptest.NewRecorder()
	Handler().ServeHTTP(metricsRec, metricsReq)
	assert.Contains(t, metricsRec.Body.String(), `path="/v1/rules"`)
}

func TestCanonicalPath_CollapsesResourceIDs(t *testing.T) {
	assert.Equal(t, "/", canonicalPath("/"))
	assert.Equal(t, "/v1/rules", canonicalPath("/v1/rules"))
	assert.Equal(t, "/v1/rules/:id", canonicalPath("/v1/rules/r-1"))
	assert.Equal(t, "/v1/rules/:id/enable", canonicalPath("/v1/rules/r-1/enable"))
	assert.Equal(t, "/v1/groups/:id/rules", canonicalPath("/v1/groups/g-1/rules"))
}
