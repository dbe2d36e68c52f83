package debugserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/ruleflow/internal/engine"
	"github.com/r3e-network/ruleflow/internal/rules"
	"github.com/r3e-network/ruleflow/internal/trace"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	e := engine.New(engine.Config{Name: "debugserver-test", QueueSize: 64, TraceEnabled: true})
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		e.Stop(ctx)
	})
	return New(Config{Engine: e})
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_CreateAndGetSession(t *testing.T) {
	s := newTestServer(t)

	createRec := doJSON(t, s, http.MethodPost, "/debug/sessions", createSessionRequest{DevMode: true})
	require.Equal(t, http.StatusCreated, createRec.Code)

	var session trace.Session
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &session))
	require.NotEmpty(t, session.ID)

	getRec := doJSON(t, s, http.MethodGet, "/debug/sessions/"+session.ID, nil)
	assert.Equal(t, http.StatusOK, getRec.Code)
}

func TestServer_GetMissingSessionReturns404(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/debug/sessions/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_AddBreakpointAndSnapshot(t *testing.T) {
	s := newTestServer(t)
	createRec := doJSON(t, s, http.MethodPost, "/debug/sessions", createSessionRequest{DevMode: true})
	var session trace.Session
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &session))

	bpRec := doJSON(t, s, http.MethodPost, "/debug/sessions/"+session.ID+"/breakpoints", trace.Breakpoint{
		Type:    trace.BreakpointRule,
		Action:  trace.ActionLog,
		Enabled: true,
	})
	require.Equal(t, http.StatusCreated, bpRec.Code)

	snapRec := doJSON(t, s, http.MethodPost, "/debug/sessions/"+session.ID+"/snapshot", nil)
	assert.Equal(t, http.StatusOK, snapRec.Code)
}

func TestServer_TraceRecentReturnsEmittedEntries(t *testing.T) {
	s := newTestServer(t)
	_, err := s.engine.RegisterRule(rules.Rule{
		ID: "r-trace", Enabled: true,
		Trigger: rules.Trigger{Kind: rules.TriggerEvent, Value: "ping"},
		Actions: []rules.Action{{Type: rules.ActionSetFact, Key: "pong", Value: rules.Lit(true)}},
	})
	require.NoError(t, err)
	require.NoError(t, s.engine.Emit("ping", map[string]any{}, ""))
	require.NoError(t, s.engine.Drain())

	rec := doJSON(t, s, http.MethodGet, "/debug/trace/recent?n=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []trace.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.NotEmpty(t, entries)
}

func TestServer_StreamTraceDeliversEntryOverSSE(t *testing.T) {
	s := newTestServer(t)
	_, err := s.engine.RegisterRule(rules.Rule{
		ID: "r-stream", Enabled: true,
		Trigger: rules.Trigger{Kind: rules.TriggerEvent, Value: "ping"},
		Actions: []rules.Action{{Type: rules.ActionSetFact, Key: "pong", Value: rules.Lit(true)}},
	})
	require.NoError(t, err)

	httpServer := httptest.NewServer(s.Handler())
	defer httpServer.Close()

	client := httpServer.Client()
	client.Timeout = 2 * time.Second
	resp, err := client.Get(httpServer.URL + "/debug/trace/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.NoError(t, s.engine.Emit("ping", map[string]any{}, ""))
	require.NoError(t, s.engine.Drain())

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "data: "))

	var entry trace.Entry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &entry))
	assert.NotEmpty(t, entry.Type)
}

func TestServer_InteractiveSessionAddsBreakpointAndTakesSnapshot(t *testing.T) {
	s := newTestServer(t)
	createRec := doJSON(t, s, http.MethodPost, "/debug/sessions", createSessionRequest{DevMode: true})
	var session trace.Session
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &session))

	httpServer := httptest.NewServer(s.Handler())
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/debug/sessions/" + session.ID + "/interact"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(debugCommand{
		Op:         "addBreakpoint",
		Breakpoint: &trace.Breakpoint{Type: trace.BreakpointRule, Action: trace.ActionLog, Enabled: true},
	}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var addReply debugReply
	require.NoError(t, conn.ReadJSON(&addReply))
	require.Empty(t, addReply.Error)

	require.NoError(t, conn.WriteJSON(debugCommand{Op: "takeSnapshot"}))
	var snapReply debugReply
	require.NoError(t, conn.ReadJSON(&snapReply))
	assert.Empty(t, snapReply.Error)
}
