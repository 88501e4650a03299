// Package planner turns a user request into a structured plan.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/assist/domain"
	"github.com/xiaot623/assist/llm"
	"github.com/xiaot623/assist/store"
)

// maxRepairAttempts bounds re-prompting after an invalid plan. The
// first attempt plus repairs gives three tries total.
const maxRepairAttempts = 2

// summaryMaxLen caps the plan summary length, ellipsis included.
const summaryMaxLen = 200

// Planner produces plans from user requests.
type Planner struct {
	client llm.Client
	store  store.Store
}

// New creates a planner backed by the given model client. Prompts and
// responses are persisted to the store as masked messages for audit.
func New(client llm.Client, st store.Store) *Planner {
	return &Planner{client: client, store: st}
}

// Plan asks the model for a plan, re-prompting with the validation
// error when the response cannot be used.
func (p *Planner) Plan(ctx context.Context, runID, userID, userMessage string, tools []domain.Tool) (*domain.Plan, llm.Usage, error) {
	system := buildSystemPrompt(tools)
	messages := []llm.Message{
		{Role: domain.RoleUser, Content: userMessage},
	}
	p.record(ctx, runID, userID, domain.RoleSystem, system)

	var usage llm.Usage
	var lastErr error

	for attempt := 0; attempt <= maxRepairAttempts; attempt++ {
		resp, err := p.client.Complete(ctx, &llm.Request{
			System:   system,
			Messages: messages,
			JSONMode: true,
		})
		if err != nil {
			return nil, usage, fmt.Errorf("plan completion: %w", err)
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens
		p.record(ctx, runID, userID, domain.RoleAssistant, resp.Content)

		plan, err := parsePlan(runID, resp.Content)
		if err == nil {
			if err := validatePlan(plan, tools); err == nil {
				annotateConfirmations(plan, tools)
				return plan, usage, nil
			} else {
				lastErr = err
			}
		} else {
			lastErr = err
		}

		repair := fmt.Sprintf(repairPrompt, lastErr)
		messages = append(messages,
			llm.Message{Role: domain.RoleAssistant, Content: resp.Content},
			llm.Message{Role: domain.RoleUser, Content: repair},
		)
		p.record(ctx, runID, userID, domain.RoleSystem, repair)
	}

	return nil, usage, fmt.Errorf("%s: %w", domain.ErrCodePlanParseFailed, lastErr)
}

// record persists one planner prompt or response, masked, so the full
// exchange is auditable. Recording is best-effort.
func (p *Planner) record(ctx context.Context, runID, userID string, role domain.Role, content string) {
	if p.store == nil || content == "" {
		return
	}
	p.store.CreateMessage(ctx, &domain.Message{
		MessageID: "msg_" + uuid.New().String(),
		RunID:     runID,
		UserID:    userID,
		Role:      role,
		Content:   domain.MaskPII(content),
		CreatedAt: time.Now(),
	})
}

type rawPlan struct {
	Summary        string            `json:"summary"`
	Steps          []domain.PlanStep `json:"steps"`
	EstimatedCalls int               `json:"estimated_calls"`
	StopReasons    []string          `json:"stop_reasons"`
}

func parsePlan(runID, content string) (*domain.Plan, error) {
	content = stripCodeFence(content)

	var rp rawPlan
	if err := json.Unmarshal([]byte(content), &rp); err != nil {
		return nil, fmt.Errorf("plan is not valid JSON: %w", err)
	}
	if rp.Summary == "" {
		return nil, fmt.Errorf("plan is missing a summary")
	}

	return &domain.Plan{
		PlanID:         "plan_" + uuid.New().String(),
		RunID:          runID,
		Summary:        domain.Truncate(rp.Summary, summaryMaxLen-3),
		Steps:          rp.Steps,
		EstimatedCalls: rp.EstimatedCalls,
		StopReasons:    rp.StopReasons,
		CreatedAt:      time.Now(),
	}, nil
}

func validatePlan(plan *domain.Plan, tools []domain.Tool) error {
	known := make(map[string]bool, len(tools))
	for _, t := range tools {
		known[t.Key] = true
	}

	for i, step := range plan.Steps {
		if step.StepNumber != i+1 {
			return fmt.Errorf("step %d has step_number %d", i+1, step.StepNumber)
		}
		switch step.Type {
		case domain.StepTypeTool:
			if step.ToolKey == "" {
				return fmt.Errorf("step %d has no tool_key", step.StepNumber)
			}
			if !known[step.ToolKey] {
				return fmt.Errorf("step %d references unknown tool %q", step.StepNumber, step.ToolKey)
			}
		case domain.StepTypeReasoning:
			// no tool required
		default:
			return fmt.Errorf("step %d has unknown type %q", step.StepNumber, step.Type)
		}
		switch step.OnError {
		case "", domain.OnErrorAskUser, domain.OnErrorStop, domain.OnErrorSkip:
		default:
			return fmt.Errorf("step %d has unknown on_error %q", step.StepNumber, step.OnError)
		}
	}
	return nil
}

// annotateConfirmations marks tool steps whose catalog entry will need
// user confirmation, so clients can surface the gate up front. The
// model's own value for the field is ignored. When any step ends up
// flagged, stop_reasons also carries the confirmation marker.
func annotateConfirmations(plan *domain.Plan, tools []domain.Tool) {
	byKey := make(map[string]*domain.Tool, len(tools))
	for i := range tools {
		byKey[tools[i].Key] = &tools[i]
	}
	flagged := false
	for i := range plan.Steps {
		step := &plan.Steps[i]
		step.RequiresConfirmation = false
		if step.Type != domain.StepTypeTool {
			continue
		}
		tool, ok := byKey[step.ToolKey]
		if !ok {
			continue
		}
		switch {
		case tool.ConfirmationPolicy == domain.ConfirmationRequired,
			tool.ConfirmationPolicy == domain.ConfirmationRequiredStrong,
			tool.RiskLevel == domain.RiskHigh,
			tool.RiskLevel == domain.RiskCritical:
			step.RequiresConfirmation = true
			flagged = true
		}
	}
	if !flagged {
		return
	}
	for _, r := range plan.StopReasons {
		if r == domain.PlanStopUserConfirmation {
			return
		}
	}
	plan.StopReasons = append(plan.StopReasons, domain.PlanStopUserConfirmation)
}

// stripCodeFence removes a surrounding markdown code fence, which some
// models add despite JSON mode.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
