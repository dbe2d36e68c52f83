// Package debugserver exposes the engine's Trace Collector and Debug
// Controller (spec §4.6) over HTTP, routed with go-chi/chi/v5: trace
// subscription streams as Server-Sent Events, while the interactive debug
// session (arming/disarming breakpoints, taking snapshots) runs over a
// gorilla/websocket connection, per SPEC_FULL §4.11.
package debugserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/r3e-network/ruleflow/internal/engine"
	"github.com/r3e-network/ruleflow/internal/errs"
	"github.com/r3e-network/ruleflow/internal/trace"
	"github.com/r3e-network/ruleflow/pkg/logger"
)

// Server wraps a chi.Router bound to an engine.Engine's debug ops.
type Server struct {
	engine   *engine.Engine
	log      *logger.Logger
	router   chi.Router
	upgrader websocket.Upgrader
}

// Config controls Server construction.
type Config struct {
	Engine *engine.Engine
	Logger *logger.Logger
}

// New builds a Server with routes registered.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("debugserver")
	}
	s := &Server{
		engine: cfg.Engine,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Debug streaming is an operator tool served alongside the admin
			// API, not a public browser surface; same-origin checks don't
			// apply the way they would to a user-facing page.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	r := chi.NewRouter()
	r.Use(middleware.Logger, middleware.Recoverer)
	s.registerRoutes(r)
	s.router = r
	return s
}

// Handler returns the http.Handler to mount on an http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes(r chi.Router) {
	r.Route("/debug/sessions", func(r chi.Router) {
		r.Post("/", s.createSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Delete("/", s.endSession)
			r.Get("/", s.getSession)
			r.Post("/snapshot", s.takeSnapshot)
			r.Post("/breakpoints", s.addBreakpoint)
			r.Delete("/breakpoints/{breakpointID}", s.removeBreakpoint)
			r.Put("/breakpoints/{breakpointID}/enabled", s.setBreakpointEnabled)
			r.Get("/interact", s.interact)
		})
	})

	r.Get("/debug/trace/recent", s.traceRecent)
	r.Get("/debug/trace/correlation/{correlationID}", s.traceByCorrelation)
	r.Get("/debug/trace/rule/{ruleID}", s.traceByRule)
	r.Get("/debug/trace/stream", s.streamTrace)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case err == errs.ErrTraceDisabled:
		status = http.StatusNotFound
	case err == errs.ErrNotFound:
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type createSessionRequest struct {
	DevMode bool `json:"devMode"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	_ = json.NewDecoder(r.Body).Decode(&body)
	session, err := s.engine.CreateDebugSession(body.DevMode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	s.engine.EndDebugSession(chi.URLParam(r, "sessionID"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.engine.DebugSession(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, errs.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) takeSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.TakeSnapshot(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) addBreakpoint(w http.ResponseWriter, r *http.Request) {
	var bp trace.Breakpoint
	if err := json.NewDecoder(r.Body).Decode(&bp); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	added, err := s.engine.AddBreakpoint(chi.URLParam(r, "sessionID"), bp)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) removeBreakpoint(w http.ResponseWriter, r *http.Request) {
	err := s.engine.RemoveBreakpoint(chi.URLParam(r, "sessionID"), chi.URLParam(r, "breakpointID"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setBreakpointEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) setBreakpointEnabled(w http.ResponseWriter, r *http.Request) {
	var body setBreakpointEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	err := s.engine.SetBreakpointEnabled(chi.URLParam(r, "sessionID"), chi.URLParam(r, "breakpointID"), body.Enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) traceRecent(w http.ResponseWriter, r *http.Request) {
	n := 100
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := parsePositiveInt(raw); err == nil {
			n = parsed
		}
	}
	writeJSON(w, http.StatusOK, s.engine.TraceRecent(n))
}

func (s *Server) traceByCorrelation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.TraceByCorrelation(chi.URLParam(r, "correlationID")))
}

func (s *Server) traceByRule(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.TraceByRule(chi.URLParam(r, "ruleID")))
}

// streamTrace subscribes the request to every trace entry recorded from this
// point on and streams them as Server-Sent Events until the client
// disconnects or the connection can't be flushed.
func (s *Server) streamTrace(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	entries := make(chan trace.Entry, 64)
	unsubscribe := s.engine.SubscribeTrace(func(e trace.Entry) {
		select {
		case entries <- e:
		default:
			// A slow reader must not block rule execution; drop rather than
			// apply backpressure to the engine's own dispatch loop.
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-entries:
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// debugCommand is one client-issued operation over an interactive debug
// session's websocket connection.
type debugCommand struct {
	Op           string            `json:"op"`
	Breakpoint   *trace.Breakpoint `json:"breakpoint,omitempty"`
	BreakpointID string            `json:"breakpointId,omitempty"`
	Enabled      bool              `json:"enabled,omitempty"`
}

type debugReply struct {
	Op     string `json:"op"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// interact upgrades to a websocket connection and lets the client drive a
// debug session interactively: arm/disarm breakpoints and take snapshots,
// one JSON command per message, one JSON reply per command.
func (s *Server) interact(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("debug session upgrade failed")
		return
	}
	defer conn.Close()

	for {
		var cmd debugCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		reply := s.runCommand(sessionID, cmd)
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
	}
}

func (s *Server) runCommand(sessionID string, cmd debugCommand) debugReply {
	switch cmd.Op {
	case "addBreakpoint":
		if cmd.Breakpoint == nil {
			return debugReply{Op: cmd.Op, Error: "breakpoint is required"}
		}
		bp, err := s.engine.AddBreakpoint(sessionID, *cmd.Breakpoint)
		if err != nil {
			return debugReply{Op: cmd.Op, Error: err.Error()}
		}
		return debugReply{Op: cmd.Op, Result: bp}
	case "removeBreakpoint":
		if err := s.engine.RemoveBreakpoint(sessionID, cmd.BreakpointID); err != nil {
			return debugReply{Op: cmd.Op, Error: err.Error()}
		}
		return debugReply{Op: cmd.Op}
	case "setBreakpointEnabled":
		if err := s.engine.SetBreakpointEnabled(sessionID, cmd.BreakpointID, cmd.Enabled); err != nil {
			return debugReply{Op: cmd.Op, Error: err.Error()}
		}
		return debugReply{Op: cmd.Op}
	case "takeSnapshot":
		snap, err := s.engine.TakeSnapshot(sessionID)
		if err != nil {
			return debugReply{Op: cmd.Op, Error: err.Error()}
		}
		return debugReply{Op: cmd.Op, Result: snap}
	default:
		return debugReply{Op: cmd.Op, Error: "unknown op"}
	}
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errs.Invalid("n", "must be a positive integer")
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
