// Package apiserver exposes engine.Engine over a gin-gonic REST surface
// (SPEC_FULL §4.11): rule and group CRUD, fact inspection, and event
// ingestion, behind bearer-token authentication.
package apiserver

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/r3e-network/ruleflow/internal/engine"
	"github.com/r3e-network/ruleflow/internal/metrics"
	"github.com/r3e-network/ruleflow/internal/rules"
	"github.com/r3e-network/ruleflow/pkg/logger"
)

// Server wraps a gin.Engine bound to an engine.Engine instance.
type Server struct {
	engine *engine.Engine
	tokens *TokenService
	log    *logger.Logger
	router *gin.Engine
}

// Config controls Server construction.
type Config struct {
	Engine      *engine.Engine
	Tokens      *TokenService
	Logger      *logger.Logger
	ReleaseMode bool
}

// New builds a Server with routes registered, ready to Run or be handed
// to an http.Server as a Handler.
func New(cfg Config) *Server {
	if cfg.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("apiserver")
	}

	s := &Server{engine: cfg.Engine, tokens: cfg.Tokens, log: log}
	s.router = gin.New()
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler to mount on an http.Server, instrumented
// with request-count/duration/in-flight Prometheus collection.
func (s *Server) Handler() http.Handler { return metrics.InstrumentHandler(s.router) }

// requestLogger logs each request at info level, matching the pack's
// structured-field logging convention rather than gin's default access log.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.log.WithField("method", c.Request.Method).
			WithField("path", c.Request.URL.Path).
			WithField("status", c.Writer.Status()).
			Info("http request")
	}
}

func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	root := s.router.Group("/v1")
	if s.tokens != nil {
		root.Use(RequireBearerToken(s.tokens))
	}

	root.GET("/rules", s.listRules)
	root.POST("/rules", s.createRule)
	root.GET("/rules/:id", s.getRule)
	root.DELETE("/rules/:id", s.deleteRule)
	root.POST("/rules/:id/enable", s.enableRule)
	root.POST("/rules/:id/disable", s.disableRule)

	root.GET("/groups", s.listGroups)
	root.POST("/groups", s.createGroup)
	root.GET("/groups/:id", s.getGroup)
	root.DELETE("/groups/:id", s.deleteGroup)
	root.POST("/groups/:id/enable", s.enableGroup)
	root.POST("/groups/:id/disable", s.disableGroup)
	root.GET("/groups/:id/rules", s.getGroupRules)

	root.GET("/facts", s.queryFacts)
	root.GET("/facts/:key", s.getFact)
	root.PUT("/facts/:key", s.setFact)
	root.DELETE("/facts/:key", s.deleteFact)

	root.POST("/events", s.emitEvent)
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), errorBody{Error: err.Error()})
}

func (s *Server) listRules(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.GetRules())
}

func (s *Server) createRule(c *gin.Context) {
	var r rules.Rule
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	saved, err := s.engine.RegisterRule(r)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (s *Server) getRule(c *gin.Context) {
	r, ok := s.engine.GetRule(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, errorBody{Error: "rule not found"})
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) deleteRule(c *gin.Context) {
	if err := s.engine.UnregisterRule(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) enableRule(c *gin.Context) {
	if err := s.engine.EnableRule(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) disableRule(c *gin.Context) {
	if err := s.engine.DisableRule(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listGroups(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.GetGroups())
}

func (s *Server) createGroup(c *gin.Context) {
	var g rules.Group
	if err := c.ShouldBindJSON(&g); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	saved, err := s.engine.CreateGroup(g)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (s *Server) getGroup(c *gin.Context) {
	g, ok := s.engine.GetGroup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, errorBody{Error: "group not found"})
		return
	}
	c.JSON(http.StatusOK, g)
}

func (s *Server) deleteGroup(c *gin.Context) {
	if err := s.engine.DeleteGroup(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) enableGroup(c *gin.Context) {
	if err := s.engine.EnableGroup(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) disableGroup(c *gin.Context) {
	if err := s.engine.DisableGroup(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getGroupRules(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.GetGroupRules(c.Param("id")))
}

func (s *Server) queryFacts(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.QueryFacts(c.Query("pattern")))
}

func (s *Server) getFact(c *gin.Context) {
	f, ok := s.engine.GetFact(c.Param("key"))
	if !ok {
		c.JSON(http.StatusNotFound, errorBody{Error: "fact not found"})
		return
	}
	c.JSON(http.StatusOK, f)
}

type setFactRequest struct {
	Value  any    `json:"value"`
	Source string `json:"source"`
}

func (s *Server) setFact(c *gin.Context) {
	var body setFactRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	source := body.Source
	if source == "" {
		source = Subject(c)
	}
	f, err := s.engine.SetFact(c.Param("key"), body.Value, source)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (s *Server) deleteFact(c *gin.Context) {
	existed, err := s.engine.DeleteFact(c.Param("key"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !existed {
		c.Status(http.StatusNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}

type emitEventRequest struct {
	Topic         string `json:"topic" binding:"required"`
	Data          any    `json:"data"`
	CorrelationID string `json:"correlationId"`
}

func (s *Server) emitEvent(c *gin.Context) {
	var body emitEventRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := s.engine.Emit(body.Topic, body.Data, body.CorrelationID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}
