package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/assist/domain"
	"github.com/xiaot623/assist/llm"
	"github.com/xiaot623/assist/policy"
	"github.com/xiaot623/assist/stream"
)

const (
	// maxIterations bounds model round-trips per run.
	maxIterations = 5
	// maxIdenticalAttempts bounds retries of a failing call that the
	// model re-issues with unchanged arguments. Retries with corrected
	// arguments reset the count and run until maxIterations.
	maxIdenticalAttempts = 3

	planPrefix = "plan:"
)

const maxIterationsAnswer = "Sorry, I couldn't complete your request within the allowed number " +
	"of steps. Please try again with a simpler or narrower request."

const executorSystemPrompt = `You are an assistant that completes the user's request, calling tools
when needed. Follow the plan provided in the conversation. When the
request is satisfied, reply with the final answer as plain text and do
not call further tools. If a tool fails, adjust the arguments and retry
or explain the failure to the user.`

// execute runs the iteration loop until a final answer, a confirmation
// gate, an error, or the iteration bound.
func (a *Agent) execute(ctx context.Context, run *domain.Run, sink stream.Sink) error {
	if run.Status == domain.RunStatusPlanned {
		if err := a.store.UpdateRunStatus(ctx, run.RunID, domain.RunStatusExecuting); err != nil {
			return a.failRun(ctx, run, sink, fmt.Errorf("failed to update run: %w", err))
		}
		run.Status = domain.RunStatusExecuting
	}

	history, err := a.buildHistory(ctx, run)
	if err != nil {
		return a.failRun(ctx, run, sink, err)
	}

	// A confirmed pending call executes before the loop resumes.
	if len(run.PendingCall) > 0 {
		var pending domain.PendingCall
		if err := json.Unmarshal(run.PendingCall, &pending); err != nil {
			return a.failRun(ctx, run, sink, fmt.Errorf("corrupt pending call: %w", err))
		}
		call := llm.ToolCall{ID: pending.CallID, Name: pending.ToolKey, Arguments: string(pending.Args)}
		_, resMsg := a.runToolCall(ctx, run, sink, call)
		history = append(history,
			llm.Message{Role: domain.RoleAssistant, ToolCalls: []llm.ToolCall{call}},
			resMsg,
		)
		a.store.ClearRunPendingCall(ctx, run.RunID)
		run.PendingCall = nil
	}

	tools, err := a.availableTools(ctx, run.Route)
	if err != nil {
		return a.failRun(ctx, run, sink, fmt.Errorf("failed to list tools: %w", err))
	}
	toolDefs := make([]llm.ToolDef, len(tools))
	for i, t := range tools {
		toolDefs[i] = llm.ToolDef{
			Name:        t.Key,
			Description: t.Description,
			Parameters:  t.ParametersSchema,
		}
	}

	// Identical retries of a failing call are capped; self-repair with
	// corrected arguments runs until the iteration bound.
	lastFailedCall := ""
	identicalFailures := 0

	for iteration := run.Iterations; iteration < maxIterations; iteration++ {
		resp, err := a.client.Complete(ctx, &llm.Request{
			System:   executorSystemPrompt,
			Messages: history,
			Tools:    toolDefs,
		})
		if err != nil {
			return a.failRun(ctx, run, sink, fmt.Errorf("%s: %w", domain.ErrCodeProviderUnavailable, err))
		}

		run.Iterations = iteration + 1
		a.store.UpdateRunProgress(ctx, run.RunID, run.Iterations, resp.Usage.InputTokens, resp.Usage.OutputTokens)

		if len(resp.ToolCalls) == 0 {
			return a.finishRun(ctx, run, sink, resp.Content)
		}

		history = append(history, llm.Message{
			Role:      domain.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			gated, err := a.checkPolicy(ctx, run, call)
			if err != nil {
				return a.failRun(ctx, run, sink, err)
			}
			if gated {
				// Remaining calls are dropped; the model re-plans after
				// the confirmed call's result arrives.
				sink.Send(domain.EventUserConfirmationRequested, a.pendingCallPayload(run))
				sink.Send(domain.EventAgentFinished, map[string]interface{}{
					"status": domain.RunStatusWaitingConfirmation,
				})
				return nil
			}

			result, resMsg := a.runToolCall(ctx, run, sink, call)
			history = append(history, resMsg)

			signature := call.Name + "|" + call.Arguments
			if result.OK {
				lastFailedCall = ""
				identicalFailures = 0
				continue
			}
			if signature == lastFailedCall {
				identicalFailures++
			} else {
				lastFailedCall = signature
				identicalFailures = 1
			}
			if identicalFailures >= maxIdenticalAttempts {
				answer := fmt.Sprintf("I couldn't complete your request: the tool %q kept failing (%s). "+
					"Please adjust your request and try again.", call.Name, result.ErrorMessage)
				return a.abortRun(ctx, run, sink, domain.ErrCodeExecutionFailed,
					fmt.Sprintf("tool %q failed %d times with identical arguments", call.Name, identicalFailures),
					answer, domain.StopExecutionError)
			}
		}
	}

	return a.abortRun(ctx, run, sink, domain.ErrCodeMaxIterations,
		fmt.Sprintf("run stopped after %d iterations without a final answer", maxIterations),
		maxIterationsAnswer, domain.StopMaxIterations)
}

// abortRun ends a run that ran out of iterations or retries: the run is
// marked failed but the user still receives a final answer explaining
// what happened.
func (a *Agent) abortRun(ctx context.Context, run *domain.Run, sink stream.Sink, code, errMsg, answer string, reason domain.StopReason) error {
	log.Printf("ERROR: run %s stopped: %s: %s", run.RunID, code, errMsg)

	a.store.CreateMessage(ctx, &domain.Message{
		MessageID: "msg_" + uuid.New().String(),
		RunID:     run.RunID,
		UserID:    run.UserID,
		Role:      domain.RoleAssistant,
		Content:   domain.MaskPII(answer),
		CreatedAt: time.Now(),
	})
	if err := a.store.UpdateRunCompleted(ctx, run.RunID, domain.RunStatusFailed, answer, errMsg); err != nil {
		log.Printf("ERROR: failed to mark run %s failed: %v", run.RunID, err)
	}

	sink.Send(domain.EventAgentError, map[string]interface{}{
		"error_code": code,
		"message":    errMsg,
	})
	sink.Send(domain.EventAnswerFinal, map[string]interface{}{
		"answer":      answer,
		"stop_reason": reason,
	})
	sink.Send(domain.EventAgentFinished, map[string]interface{}{
		"status":      domain.RunStatusFailed,
		"stop_reason": reason,
	})
	return nil
}

// checkPolicy gates one tool call. Returns true when the run parked
// behind the confirmation gate.
func (a *Agent) checkPolicy(ctx context.Context, run *domain.Run, call llm.ToolCall) (bool, error) {
	tool, err := a.store.GetTool(ctx, call.Name)
	if err != nil {
		return false, fmt.Errorf("tool lookup failed: %w", err)
	}

	input := &policy.Input{
		ToolKey: call.Name,
		DryRun:  a.isDryRun(run),
		UserID:  run.UserID,
		Route:   run.Route,
	}
	if tool != nil {
		input.RiskLevel = string(tool.RiskLevel)
		input.ConfirmationPolicy = string(tool.ConfirmationPolicy)
	}
	var args map[string]interface{}
	json.Unmarshal([]byte(call.Arguments), &args)
	input.Args = args

	decision, reason, err := a.policy.Evaluate(ctx, input)
	if err != nil {
		return false, fmt.Errorf("policy evaluation failed: %w", err)
	}

	switch decision {
	case policy.DecisionAllow:
		return false, nil
	case policy.DecisionBlock:
		return false, fmt.Errorf("tool %q blocked by policy: %s", call.Name, reason)
	case policy.DecisionRequireConfirmation:
		return true, a.parkCall(ctx, run, call, reason)
	default:
		return false, fmt.Errorf("unknown policy decision %q", decision)
	}
}

// parkCall persists the pending call and asks the user to confirm.
func (a *Agent) parkCall(ctx context.Context, run *domain.Run, call llm.ToolCall, reason string) error {
	pending := domain.PendingCall{
		CallID:  call.ID,
		ToolKey: call.Name,
		Args:    json.RawMessage(call.Arguments),
		Summary: reason,
	}
	encoded, err := json.Marshal(pending)
	if err != nil {
		return err
	}

	expiresAt := time.Now().Add(a.cfg.ConfirmationTimeout)
	if err := a.store.UpdateRunPendingCall(ctx, run.RunID, encoded, expiresAt); err != nil {
		return fmt.Errorf("failed to park pending call: %w", err)
	}
	run.Status = domain.RunStatusWaitingConfirmation
	run.PendingCall = encoded
	run.ConfirmationExpiresAt = &expiresAt
	return nil
}

// runToolCall executes one call, emits its events, and returns the
// result plus the tool message for the conversation.
func (a *Agent) runToolCall(ctx context.Context, run *domain.Run, sink stream.Sink, call llm.ToolCall) (*domain.ToolResult, llm.Message) {
	sink.Send(domain.EventToolCallStarted, map[string]interface{}{
		"tool_key": call.Name,
		"call_id":  call.ID,
	})

	result, err := a.engine.Execute(ctx, run, call.Name, json.RawMessage(call.Arguments))
	if err != nil {
		// Recording failed; the result itself is still usable.
		log.Printf("WARN: failed to record invocation for %s: %v", call.Name, err)
	}

	var content string
	if result.OK {
		content = string(result.Data)
		sink.Send(domain.EventToolCallSucceeded, map[string]interface{}{
			"tool_key":    call.Name,
			"call_id":     call.ID,
			"duration_ms": result.DurationMS,
		})
	} else {
		content = fmt.Sprintf(`{"error_code":%q,"error_message":%q}`, result.ErrorCode, result.ErrorMessage)
		sink.Send(domain.EventToolCallFailed, map[string]interface{}{
			"tool_key":      call.Name,
			"call_id":       call.ID,
			"error_code":    result.ErrorCode,
			"error_message": result.ErrorMessage,
			"duration_ms":   result.DurationMS,
		})
	}

	return result, llm.Message{
		Role: domain.RoleTool,
		ToolResults: []llm.ToolResult{{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    content,
			IsError:    !result.OK,
		}},
	}
}

func (a *Agent) finishRun(ctx context.Context, run *domain.Run, sink stream.Sink, answer string) error {
	a.store.CreateMessage(ctx, &domain.Message{
		MessageID: "msg_" + uuid.New().String(),
		RunID:     run.RunID,
		UserID:    run.UserID,
		Role:      domain.RoleAssistant,
		Content:   domain.MaskPII(answer),
		CreatedAt: time.Now(),
	})

	if err := a.store.UpdateRunCompleted(ctx, run.RunID, domain.RunStatusSucceeded, answer, ""); err != nil {
		return a.failRun(ctx, run, sink, fmt.Errorf("failed to complete run: %w", err))
	}

	sink.Send(domain.EventAnswerFinal, map[string]interface{}{"answer": answer})
	sink.Send(domain.EventAgentFinished, map[string]interface{}{
		"status":      domain.RunStatusSucceeded,
		"stop_reason": domain.StopDone,
	})
	return nil
}

// buildHistory reconstructs the provider conversation from persisted
// messages and invocations so resumed runs keep their context. Both
// sources are interleaved by timestamp so tool results land where they
// happened, not bunched at the end.
func (a *Agent) buildHistory(ctx context.Context, run *domain.Run) ([]llm.Message, error) {
	messages, err := a.store.GetMessages(ctx, run.RunID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	invocations, err := a.store.GetInvocations(ctx, run.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to load invocations: %w", err)
	}

	type entry struct {
		at   time.Time
		msgs []llm.Message
	}
	entries := make([]entry, 0, len(messages)+len(invocations))

	for _, m := range messages {
		switch m.Role {
		case domain.RoleSystem:
			if strings.HasPrefix(m.Content, planPrefix) {
				entries = append(entries, entry{m.CreatedAt, []llm.Message{{
					Role:    domain.RoleUser,
					Content: "Execution plan:\n" + strings.TrimPrefix(m.Content, planPrefix),
				}}})
			}
		case domain.RoleUser:
			entries = append(entries, entry{m.CreatedAt, []llm.Message{{Role: domain.RoleUser, Content: m.Content}}})
		case domain.RoleAssistant:
			entries = append(entries, entry{m.CreatedAt, []llm.Message{{Role: domain.RoleAssistant, Content: m.Content}}})
		}
	}

	for _, inv := range invocations {
		call := llm.ToolCall{
			ID:        inv.InvocationID,
			Name:      inv.ToolKey,
			Arguments: inv.Args,
		}
		content := inv.ResultSummary
		if !inv.Success {
			content = fmt.Sprintf(`{"error_code":%q,"error_message":%q}`, inv.ErrorCode, inv.ErrorMessage)
		}
		if content == "" {
			content = `{}`
		}
		entries = append(entries, entry{inv.CreatedAt, []llm.Message{
			{Role: domain.RoleAssistant, ToolCalls: []llm.ToolCall{call}},
			{Role: domain.RoleTool, ToolResults: []llm.ToolResult{{
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    content,
				IsError:    !inv.Success,
			}}},
		}})
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })

	var history []llm.Message
	for _, e := range entries {
		history = append(history, e.msgs...)
	}
	return history, nil
}
