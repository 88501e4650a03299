package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/assist/domain"
)

// ToolSummary is the catalog view exposed to clients.
type ToolSummary struct {
	Key                string                    `json:"key"`
	Name               string                    `json:"name"`
	Description        string                    `json:"description"`
	Category           string                    `json:"category,omitempty"`
	RiskLevel          domain.RiskLevel          `json:"risk_level"`
	ConfirmationPolicy domain.ConfirmationPolicy `json:"confirmation_policy"`
	ExecutionType      domain.ExecutionType      `json:"execution_type"`
}

// ListTools returns the enabled tools available on the requested route.
func (h *Handler) ListTools(c echo.Context) error {
	tools, err := h.store.ListTools(c.Request().Context(), true)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list tools"})
	}

	route := c.QueryParam("route")
	summaries := make([]ToolSummary, 0, len(tools))
	for _, t := range tools {
		if route != "" && !t.AllowedOnRoute(route) {
			continue
		}
		summaries = append(summaries, ToolSummary{
			Key:                t.Key,
			Name:               t.Name,
			Description:        t.Description,
			Category:           t.Category,
			RiskLevel:          t.RiskLevel,
			ConfirmationPolicy: t.ConfirmationPolicy,
			ExecutionType:      t.ExecutionType,
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"tools": summaries,
		"count": len(summaries),
	})
}
