// Package api provides HTTP handlers for the assistant service.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/assist/agent"
	"github.com/xiaot623/assist/config"
	"github.com/xiaot623/assist/store"
)

// Handler handles HTTP requests.
type Handler struct {
	store  store.Store
	agent  *agent.Agent
	config *config.Config
}

// NewHandler creates a new handler.
func NewHandler(store store.Store, agent *agent.Agent, config *config.Config) *Handler {
	return &Handler{
		store:  store,
		agent:  agent,
		config: config,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	v1 := e.Group("/v1", h.requireUser)
	v1.POST("/assist", h.CreateRun)
	v1.GET("/assist/runs", h.ListRuns)
	v1.GET("/assist/runs/:run_id/stream", h.StreamRun)
	v1.POST("/assist/runs/:run_id/confirm", h.ConfirmRun)
	v1.GET("/assist/runs/:run_id/status", h.RunStatus)
	v1.GET("/assist/tools", h.ListTools)

	e.GET("/health", h.Health)
}

// requireUser resolves the calling user from the X-User-ID header.
func (h *Handler) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := c.Request().Header.Get("X-User-ID")
		if userID == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "X-User-ID header is required"})
		}
		c.Set("user_id", userID)
		return next(c)
	}
}

func userID(c echo.Context) string {
	id, _ := c.Get("user_id").(string)
	return id
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}
