package control

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"agproxy/internal/config"
	"agproxy/internal/middleware"
	"agproxy/internal/router"
	"agproxy/internal/scheduler"
	"agproxy/internal/service"
	"agproxy/internal/supervisor"
)

// Handler exposes the control surface the shell layer invokes: lifecycle,
// hot updates, logs, stats, and key generation. It lives on its own loopback
// listener, guarded by the admin key.
type Handler struct {
	sup *supervisor.Supervisor
	cfg *config.Config
}

// New creates the control handler
func New(sup *supervisor.Supervisor, cfg *config.Config) *Handler {
	return &Handler{sup: sup, cfg: cfg}
}

// Register mounts the control routes on the given engine
func (h *Handler) Register(engine *gin.Engine) {
	ctl := engine.Group("/control")
	ctl.Use(middleware.AdminAuth(h.cfg.Auth.AdminKey))
	{
		ctl.POST("/start", h.start)
		ctl.POST("/stop", h.stop)
		ctl.GET("/status", h.status)
		ctl.POST("/accounts/reload", h.reloadAccounts)
		ctl.POST("/mapping", h.updateMapping)
		ctl.POST("/scheduling", h.updateScheduling)
		ctl.POST("/preferred-account", h.setPreferredAccount)
		ctl.GET("/logs", h.logs)
		ctl.GET("/logs/:id", h.logDetail)
		ctl.POST("/logs/clear", h.clearLogs)
		ctl.GET("/stats", h.stats)
		ctl.POST("/monitor/enabled", h.setMonitorEnabled)
		ctl.POST("/sessions/clear", h.clearSessions)
		ctl.POST("/zai/models", h.fetchZaiModels)
		ctl.POST("/apikey/generate", h.generateAPIKey)
	}
}

func (h *Handler) start(c *gin.Context) {
	status, err := h.sup.Start(h.cfg)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) stop(c *gin.Context) {
	if err := h.sup.Stop(); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

func (h *Handler) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.sup.Status())
}

func (h *Handler) reloadAccounts(c *gin.Context) {
	count, err := h.sup.ReloadAccounts()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (h *Handler) updateMapping(c *gin.Context) {
	var rules []router.Rule
	if err := c.ShouldBindJSON(&rules); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.sup.UpdateMapping(rules); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": len(rules)})
}

func (h *Handler) updateScheduling(c *gin.Context) {
	var cfg scheduler.StickyConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.sup.UpdateScheduling(cfg); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (h *Handler) setPreferredAccount(c *gin.Context) {
	var req struct {
		AccountID string `json:"account_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.sup.SetPreferredAccount(req.AccountID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"preferred_account_id": req.AccountID})
}

func (h *Handler) logs(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	logs, err := h.sup.Logs(limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (h *Handler) logDetail(c *gin.Context) {
	l, err := h.sup.LogDetail(c.Param("id"))
	if err != nil {
		if errors.Is(err, supervisor.ErrNotRunning) {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Handler) clearLogs(c *gin.Context) {
	if err := h.sup.ClearLogs(); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func (h *Handler) stats(c *gin.Context) {
	stats, err := h.sup.Stats()
	if err != nil {
		h.fail(c, err)
		return
	}
	schedStats, _ := h.sup.SchedulerStats()
	c.JSON(http.StatusOK, gin.H{"requests": stats, "scheduler": schedStats})
}

func (h *Handler) setMonitorEnabled(c *gin.Context) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.sup.SetMonitorEnabled(req.Enabled); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": req.Enabled})
}

func (h *Handler) clearSessions(c *gin.Context) {
	if err := h.sup.ClearSessions(); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

// fetchZaiModels lists models from an Anthropic-compatible API-key upstream;
// the body may override the configured z.ai settings
func (h *Handler) fetchZaiModels(c *gin.Context) {
	req := struct {
		BaseURL string `json:"base_url"`
		APIKey  string `json:"api_key"`
	}{
		BaseURL: h.cfg.Scheduler.Zai.BaseURL,
		APIKey:  h.cfg.Scheduler.Zai.APIKey,
	}
	_ = c.ShouldBindJSON(&req)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	models, err := service.FetchZaiModels(ctx, nil, req.BaseURL, req.APIKey)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

func (h *Handler) generateAPIKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"api_key": service.GenerateAPIKey()})
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, supervisor.ErrNotRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, supervisor.ErrPortInUse):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, supervisor.ErrNoAccounts):
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
