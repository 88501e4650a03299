// Package agent drives runs through planning, confirmation, and
// execution.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/assist/config"
	"github.com/xiaot623/assist/domain"
	"github.com/xiaot623/assist/engine"
	"github.com/xiaot623/assist/llm"
	"github.com/xiaot623/assist/planner"
	"github.com/xiaot623/assist/policy"
	"github.com/xiaot623/assist/store"
	"github.com/xiaot623/assist/stream"
)

// Agent orchestrates the full run lifecycle.
type Agent struct {
	cfg     *config.Config
	store   store.Store
	client  llm.Client
	planner *planner.Planner
	engine  *engine.Engine
	policy  *policy.Engine
}

// New creates the orchestrating agent.
func New(cfg *config.Config, st store.Store, client llm.Client, eng *engine.Engine, pol *policy.Engine) *Agent {
	return &Agent{
		cfg:     cfg,
		store:   st,
		client:  client,
		planner: planner.New(client, st),
		engine:  eng,
		policy:  pol,
	}
}

// StartRun creates a run in planning state and persists the user
// message. Execution begins when a client attaches the event stream.
func (a *Agent) StartRun(ctx context.Context, userID string, req *domain.AssistRequest) (*domain.Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	run := &domain.Run{
		RunID:     "run_" + uuid.New().String(),
		UserID:    userID,
		Route:     req.Route,
		Status:    domain.RunStatusPlanning,
		TraceID:   uuid.New().String(),
		Model:     a.client.Model(),
		Context:   req.Context,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.DryRun {
		run.Context = mergeDryRun(req.Context)
	}

	if err := a.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	msg := &domain.Message{
		MessageID: "msg_" + uuid.New().String(),
		RunID:     run.RunID,
		UserID:    userID,
		Role:      domain.RoleUser,
		Content:   domain.MaskPII(req.Message),
		CreatedAt: now,
	}
	if err := a.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}

	return run, nil
}

func mergeDryRun(raw json.RawMessage) json.RawMessage {
	doc := map[string]interface{}{}
	if len(raw) > 0 {
		json.Unmarshal(raw, &doc)
	}
	doc["dry_run"] = true
	merged, _ := json.Marshal(doc)
	return merged
}

func (a *Agent) isDryRun(run *domain.Run) bool {
	if len(run.Context) == 0 {
		return false
	}
	var doc struct {
		DryRun bool `json:"dry_run"`
	}
	json.Unmarshal(run.Context, &doc)
	return doc.DryRun
}

// Run drives a run from its current status to the next stopping point,
// emitting events to the sink. It is safe to call again after a
// reconnect; the status decides where execution picks up.
func (a *Agent) Run(ctx context.Context, runID string, sink stream.Sink) error {
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}
	if sink == nil {
		sink = stream.Nop{}
	}

	sink.Send(domain.EventAgentStarted, map[string]interface{}{
		"run_id": run.RunID,
		"status": run.Status,
	})

	switch run.Status {
	case domain.RunStatusPlanning:
		gated, err := a.plan(ctx, run, sink)
		if err != nil {
			return a.failRun(ctx, run, sink, err)
		}
		if gated {
			return nil
		}
		return a.execute(ctx, run, sink)

	case domain.RunStatusPlanned, domain.RunStatusExecuting:
		return a.execute(ctx, run, sink)

	case domain.RunStatusWaitingConfirmation:
		if a.confirmationExpired(run) {
			a.store.UpdateRunCompleted(ctx, run.RunID, domain.RunStatusExpired, "", "confirmation window elapsed")
			sink.Send(domain.EventAgentError, map[string]interface{}{
				"error_code": domain.ErrCodeConfirmationExpired,
				"message":    "confirmation window elapsed",
			})
			sink.Send(domain.EventAgentFinished, map[string]interface{}{"status": domain.RunStatusExpired})
			return nil
		}
		sink.Send(domain.EventUserConfirmationRequested, a.confirmationPayload(ctx, run))
		return nil

	default:
		if !run.Status.IsTerminal() {
			return fmt.Errorf("run %s has unexpected status %s", runID, run.Status)
		}
		// Terminal: replay the outcome for late subscribers.
		if run.Status == domain.RunStatusSucceeded && run.LastAnswer != "" {
			sink.Send(domain.EventAnswerFinal, map[string]interface{}{"answer": run.LastAnswer})
		}
		if run.Error != "" {
			sink.Send(domain.EventAgentError, map[string]interface{}{"message": run.Error})
		}
		sink.Send(domain.EventAgentFinished, map[string]interface{}{"status": run.Status})
		return nil
	}
}

// plan runs the planning phase. It reports gated=true when the plan
// parked behind the confirmation gate, in which case execution must
// not start until the user approves.
func (a *Agent) plan(ctx context.Context, run *domain.Run, sink stream.Sink) (bool, error) {
	messages, err := a.store.GetMessages(ctx, run.RunID, 0)
	if err != nil {
		return false, fmt.Errorf("failed to load messages: %w", err)
	}
	userMessage := ""
	for _, m := range messages {
		if m.Role == domain.RoleUser {
			userMessage = m.Content
		}
	}

	tools, err := a.availableTools(ctx, run.Route)
	if err != nil {
		return false, fmt.Errorf("failed to list tools: %w", err)
	}

	plan, usage, err := a.planner.Plan(ctx, run.RunID, run.UserID, userMessage, tools)
	if err != nil {
		return false, err
	}
	a.store.UpdateRunProgress(ctx, run.RunID, run.Iterations, usage.InputTokens, usage.OutputTokens)

	sink.Send(domain.EventPlanReady, map[string]interface{}{
		"plan_id":         plan.PlanID,
		"summary":         plan.Summary,
		"steps_count":     len(plan.Steps),
		"estimated_calls": plan.EstimatedCalls,
	})

	// The plan is kept as a system message so resumed executions see it.
	planJSON, _ := json.Marshal(plan)
	a.store.CreateMessage(ctx, &domain.Message{
		MessageID: "msg_" + uuid.New().String(),
		RunID:     run.RunID,
		UserID:    run.UserID,
		Role:      domain.RoleSystem,
		Content:   planPrefix + string(planJSON),
		CreatedAt: time.Now(),
	})

	if a.isDryRun(run) || plan.NeedsConfirmation() {
		expiresAt := time.Now().Add(a.cfg.ConfirmationTimeout)
		if err := a.store.UpdateRunPendingCall(ctx, run.RunID, nil, expiresAt); err != nil {
			return false, fmt.Errorf("failed to park run: %w", err)
		}
		run.Status = domain.RunStatusWaitingConfirmation
		run.ConfirmationExpiresAt = &expiresAt

		sink.Send(domain.EventUserConfirmationRequested, planConfirmationPayload(run, plan))
		sink.Send(domain.EventAgentFinished, map[string]interface{}{
			"status": domain.RunStatusWaitingConfirmation,
		})
		return true, nil
	}

	if err := a.store.UpdateRunStatus(ctx, run.RunID, domain.RunStatusPlanned); err != nil {
		return false, fmt.Errorf("failed to update run: %w", err)
	}
	run.Status = domain.RunStatusPlanned
	return false, nil
}

// loadPlan recovers the persisted plan for a run, or nil if planning
// never completed.
func (a *Agent) loadPlan(ctx context.Context, runID string) *domain.Plan {
	messages, err := a.store.GetMessages(ctx, runID, 0)
	if err != nil {
		return nil
	}
	var plan *domain.Plan
	for _, m := range messages {
		if m.Role != domain.RoleSystem || !strings.HasPrefix(m.Content, planPrefix) {
			continue
		}
		var p domain.Plan
		if err := json.Unmarshal([]byte(strings.TrimPrefix(m.Content, planPrefix)), &p); err == nil {
			plan = &p
		}
	}
	return plan
}

func (a *Agent) availableTools(ctx context.Context, route string) ([]domain.Tool, error) {
	all, err := a.store.ListTools(ctx, true)
	if err != nil {
		return nil, err
	}
	var tools []domain.Tool
	for _, t := range all {
		if t.AllowedOnRoute(route) {
			tools = append(tools, t)
		}
	}
	return tools, nil
}

// Confirm resolves a pending confirmation. Approval after the window
// has elapsed expires the run instead of executing.
func (a *Agent) Confirm(ctx context.Context, runID, userID string, approved bool) (*domain.Run, error) {
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	if run == nil || run.UserID != userID {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if run.Status != domain.RunStatusWaitingConfirmation {
		return nil, fmt.Errorf("run %s is not waiting for confirmation (status %s)", runID, run.Status)
	}

	if approved && a.confirmationExpired(run) {
		if err := a.store.UpdateRunCompleted(ctx, runID, domain.RunStatusExpired, "", "confirmation window elapsed"); err != nil {
			return nil, err
		}
		run.Status = domain.RunStatusExpired
		return run, nil
	}

	if !approved {
		if err := a.store.UpdateRunCompleted(ctx, runID, domain.RunStatusCancelled, "", "user denied confirmation"); err != nil {
			return nil, err
		}
		run.Status = domain.RunStatusCancelled
		return run, nil
	}

	if err := a.store.UpdateRunStatus(ctx, runID, domain.RunStatusExecuting); err != nil {
		return nil, err
	}
	run.Status = domain.RunStatusExecuting
	return run, nil
}

func (a *Agent) confirmationExpired(run *domain.Run) bool {
	return run.ConfirmationExpiresAt != nil && time.Now().After(*run.ConfirmationExpiresAt)
}

// pendingCallPayload describes a parked tool call without exposing its
// raw arguments.
func (a *Agent) pendingCallPayload(run *domain.Run) map[string]interface{} {
	payload := map[string]interface{}{
		"run_id":          run.RunID,
		"requires_action": "confirm",
	}
	if run.ConfirmationExpiresAt != nil {
		payload["expires_at"] = run.ConfirmationExpiresAt
	}
	if len(run.PendingCall) > 0 {
		var pending domain.PendingCall
		if err := json.Unmarshal(run.PendingCall, &pending); err == nil {
			payload["pending_call"] = map[string]interface{}{
				"call_id":  pending.CallID,
				"tool_key": pending.ToolKey,
				"summary":  pending.Summary,
			}
		}
	}
	return payload
}

// planConfirmationPayload describes a plan waiting for approval. Step
// arguments never appear here.
func planConfirmationPayload(run *domain.Run, plan *domain.Plan) map[string]interface{} {
	steps := make([]map[string]interface{}, len(plan.Steps))
	for i, s := range plan.Steps {
		steps[i] = map[string]interface{}{
			"step_number":           s.StepNumber,
			"description":           s.Description,
			"tool_key":              s.ToolKey,
			"requires_confirmation": s.RequiresConfirmation,
		}
	}
	payload := map[string]interface{}{
		"run_id":          run.RunID,
		"requires_action": "confirm",
		"plan": map[string]interface{}{
			"plan_id": plan.PlanID,
			"summary": plan.Summary,
			"steps":   steps,
		},
	}
	if run.ConfirmationExpiresAt != nil {
		payload["expires_at"] = run.ConfirmationExpiresAt
	}
	return payload
}

// confirmationPayload rebuilds the confirmation request for a run that
// is waiting, whichever gate parked it.
func (a *Agent) confirmationPayload(ctx context.Context, run *domain.Run) map[string]interface{} {
	if len(run.PendingCall) > 0 {
		return a.pendingCallPayload(run)
	}
	if plan := a.loadPlan(ctx, run.RunID); plan != nil {
		return planConfirmationPayload(run, plan)
	}
	return map[string]interface{}{
		"run_id":          run.RunID,
		"requires_action": "confirm",
	}
}

func (a *Agent) failRun(ctx context.Context, run *domain.Run, sink stream.Sink, cause error) error {
	log.Printf("ERROR: run %s failed: %v", run.RunID, cause)
	if err := a.store.UpdateRunCompleted(ctx, run.RunID, domain.RunStatusFailed, "", cause.Error()); err != nil {
		log.Printf("ERROR: failed to mark run %s failed: %v", run.RunID, err)
	}
	sink.Send(domain.EventAgentError, map[string]interface{}{
		"message": cause.Error(),
	})
	sink.Send(domain.EventAgentFinished, map[string]interface{}{
		"status":      domain.RunStatusFailed,
		"stop_reason": domain.StopExecutionError,
	})
	return nil
}
