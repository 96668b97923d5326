package control

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/provisr/internal/ratelimit"
	"github.com/loykin/provisr/internal/supervisor"
)

// HTTPRouter exposes the same orchestrator operations as the UNIX socket
// dispatcher over HTTP, gated by a single shared-secret basic challenge and
// a per-remote-address rate limiter. It is meant to be bound to
// 127.0.0.1 only; the caller decides the listen address.
type HTTPRouter struct {
	orch       *supervisor.Orchestrator
	authSecret string
	limiter    *ratelimit.Limiter
	groups     map[string][]string
	log        *slog.Logger
}

func NewHTTPRouter(orch *supervisor.Orchestrator, authSecret string, log *slog.Logger) *HTTPRouter {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPRouter{
		orch:       orch,
		authSecret: authSecret,
		limiter:    ratelimit.New(ratelimit.HTTPPolicy),
		log:        log,
	}
}

func (h *HTTPRouter) SetGroups(groups map[string][]string) { h.groups = groups }

// Handler builds the gin engine. gin.Recovery turns a handler panic into a
// 500 instead of taking the whole HTTP server down.
func (h *HTTPRouter) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery(), h.rateLimit, h.authenticate)

	g.GET("/status", h.handleList)
	g.GET("/status/:name", h.handleStatus)
	g.POST("/start", h.handleStart)
	g.POST("/stop/:id", h.handleStop)
	g.POST("/restart/:id", h.handleRestart)
	g.DELETE("/process/:id", h.handleDelete)
	g.GET("/group/:name", h.handleGroupStatus)
	g.POST("/group/:name/stop", h.handleGroupStop)
	g.GET("/match", h.handleStatusMatch)
	g.POST("/match/stop", h.handleStopMatch)
	g.GET("/health", h.handleHealth)
	g.GET("/ws", h.handleStream)
	return g
}

func (h *HTTPRouter) authenticate(c *gin.Context) {
	if h.authSecret == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "http control surface disabled: no auth secret configured"})
		return
	}
	_, pass, ok := c.Request.BasicAuth()
	if !ok || pass != h.authSecret {
		c.Header("WWW-Authenticate", `Basic realm="daemon"`)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (h *HTTPRouter) rateLimit(c *gin.Context) {
	key := c.ClientIP()
	if !h.limiter.Check(key) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}
	c.Next()
}

func (h *HTTPRouter) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.List())
}

func (h *HTTPRouter) handleStatus(c *gin.Context) {
	mp, err := h.orch.GetByName(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, mp)
}

func (h *HTTPRouter) handleStart(c *gin.Context) {
	var cfg supervisor.Config
	if err := json.NewDecoder(c.Request.Body).Decode(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mp, err := h.orch.Start(cfg)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, mp)
}

func (h *HTTPRouter) handleStop(c *gin.Context) {
	force := c.Query("force") == "true"
	if err := h.orch.Stop(c.Param("id"), force); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPRouter) handleRestart(c *gin.Context) {
	if err := h.orch.Restart(c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPRouter) handleDelete(c *gin.Context) {
	if err := h.orch.Delete(c.Param("id")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPRouter) handleGroupStatus(c *gin.Context) {
	members, ok := h.groups[c.Param("name")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown group"})
		return
	}
	found, missing := h.orch.StatusGroup(members)
	c.JSON(http.StatusOK, gin.H{"found": found, "missing": missing})
}

func (h *HTTPRouter) handleGroupStop(c *gin.Context) {
	members, ok := h.groups[c.Param("name")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown group"})
		return
	}
	force := c.Query("force") == "true"
	if err := h.orch.StopGroup(members, force); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPRouter) handleStatusMatch(c *gin.Context) {
	matched, err := h.orch.StatusMatch(c.Query("pattern"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, matched)
}

func (h *HTTPRouter) handleStopMatch(c *gin.Context) {
	force := c.Query("force") == "true"
	if err := h.orch.StopMatch(c.Query("pattern"), force); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPRouter) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.HealthCheck())
}
