package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/assist/domain"
)

const previewMaxLen = 120

// RunStatusResponse is the reconstructed view of a run.
type RunStatusResponse struct {
	RunID          string                `json:"run_id"`
	Status         domain.RunStatus      `json:"status"`
	Model          string                `json:"model,omitempty"`
	Iterations     int                   `json:"iterations"`
	StepsCompleted int                   `json:"steps_completed"`
	ToolsInvoked   []ToolInvokedSummary  `json:"tools_invoked"`
	LastAnswer     string                `json:"last_answer,omitempty"`
	Error          string                `json:"error,omitempty"`
	PendingCall    *PendingCallSummary   `json:"pending_call,omitempty"`
	TokensIn       int                   `json:"tokens_in"`
	TokensOut      int                   `json:"tokens_out"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// ToolInvokedSummary is a masked preview of one invocation.
type ToolInvokedSummary struct {
	ToolKey       string    `json:"tool_key"`
	Success       bool      `json:"success"`
	DurationMS    int64     `json:"duration_ms"`
	ResultPreview string    `json:"result_preview,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	At            time.Time `json:"at"`
}

// PendingCallSummary describes a call waiting for confirmation.
type PendingCallSummary struct {
	ToolKey   string     `json:"tool_key"`
	Summary   string     `json:"summary,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// RunStatus reconstructs the state of a run from persisted records.
func (h *Handler) RunStatus(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get run"})
	}
	if run == nil || run.UserID != userID(c) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}

	invocations, err := h.store.GetInvocations(ctx, runID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get invocations"})
	}

	resp := RunStatusResponse{
		RunID:      run.RunID,
		Status:     run.Status,
		Model:      run.Model,
		Iterations: run.Iterations,
		TokensIn:   run.TokensIn,
		TokensOut:  run.TokensOut,
		LastAnswer: domain.MaskPII(run.LastAnswer),
		Error:      run.Error,
		CreatedAt:  run.CreatedAt,
		UpdatedAt:  run.UpdatedAt,
	}

	resp.ToolsInvoked = make([]ToolInvokedSummary, 0, len(invocations))
	for _, inv := range invocations {
		if inv.Success {
			resp.StepsCompleted++
		}
		resp.ToolsInvoked = append(resp.ToolsInvoked, ToolInvokedSummary{
			ToolKey:       inv.ToolKey,
			Success:       inv.Success,
			DurationMS:    inv.DurationMS,
			ResultPreview: domain.MaskPII(domain.Truncate(inv.ResultSummary, previewMaxLen)),
			ErrorCode:     inv.ErrorCode,
			At:            inv.CreatedAt,
		})
	}

	if run.Status == domain.RunStatusWaitingConfirmation && len(run.PendingCall) > 0 {
		var pending domain.PendingCall
		if err := pendingFromJSON(run.PendingCall, &pending); err == nil {
			resp.PendingCall = &PendingCallSummary{
				ToolKey:   pending.ToolKey,
				Summary:   pending.Summary,
				ExpiresAt: run.ConfirmationExpiresAt,
			}
		}
	}

	return c.JSON(http.StatusOK, resp)
}
