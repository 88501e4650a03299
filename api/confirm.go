package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/assist/domain"
)

// ConfirmRun resolves a pending tool call confirmation. On approval the
// run moves back to executing and resumes when the stream reattaches.
func (h *Handler) ConfirmRun(c echo.Context) error {
	runID := c.Param("run_id")

	var req domain.ConfirmRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	run, err := h.agent.Confirm(c.Request().Context(), runID, userID(c), req.Approved)
	if err != nil {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}

	resp := map[string]interface{}{
		"run_id": run.RunID,
		"status": run.Status,
	}
	if run.Status == domain.RunStatusExpired {
		resp["error_code"] = domain.ErrCodeConfirmationExpired
	}
	return c.JSON(http.StatusOK, resp)
}
