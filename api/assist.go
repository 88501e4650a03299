package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/assist/domain"
	"github.com/xiaot623/assist/stream"
)

// CreateRun starts a new run from a user request.
func (h *Handler) CreateRun(c echo.Context) error {
	var req domain.AssistRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	run, err := h.agent.StartRun(c.Request().Context(), userID(c), &req)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"run_id":     run.RunID,
		"status":     run.Status,
		"trace_id":   run.TraceID,
		"stream_url": "/v1/assist/runs/" + run.RunID + "/stream",
	})
}

const defaultRunsLimit = 20

// RunListEntry is one row of the caller's run history.
type RunListEntry struct {
	RunID      string           `json:"run_id"`
	Status     domain.RunStatus `json:"status"`
	Route      string           `json:"route,omitempty"`
	Iterations int              `json:"iterations"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// ListRuns returns the caller's most recent runs.
func (h *Handler) ListRuns(c echo.Context) error {
	limit := defaultRunsLimit
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	runs, err := h.store.ListRunsByUser(c.Request().Context(), userID(c), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list runs"})
	}

	entries := make([]RunListEntry, 0, len(runs))
	for _, r := range runs {
		entries = append(entries, RunListEntry{
			RunID:      r.RunID,
			Status:     r.Status,
			Route:      r.Route,
			Iterations: r.Iterations,
			CreatedAt:  r.CreatedAt,
			UpdatedAt:  r.UpdatedAt,
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"runs":  entries,
		"count": len(entries),
	})
}

// StreamRun attaches a server-sent event stream to a run and drives it
// from its current status.
func (h *Handler) StreamRun(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get run"})
	}
	if run == nil || run.UserID != userID(c) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}

	s, err := stream.New(c.Response(), runID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	defer s.Close()

	// A client disconnect must not abort the run: processing continues
	// on a detached context and only the stream goes away.
	done := make(chan error, 1)
	go func() {
		done <- h.agent.Run(context.WithoutCancel(ctx), runID, s)
	}()

	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return nil
		case err := <-done:
			if err != nil {
				log.Printf("ERROR: run %s stream: %v", runID, err)
			}
			return nil
		case <-ticker.C:
			if err := s.Heartbeat(); err != nil {
				return nil
			}
		}
	}
}
