// Package engine executes tool calls: catalog lookup, argument
// validation, rate limiting, idempotency, dispatch, and recording.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/assist/domain"
	"github.com/xiaot623/assist/store"
)

const (
	minToolTimeout     = 1 * time.Second
	defaultToolTimeout = 10 * time.Second
	rateLimitWindow    = 60 * time.Second
	summaryMaxLen      = 300
)

// Engine runs tool calls through the execution pipeline.
type Engine struct {
	store    store.Store
	registry *Registry
	storage  *Storage
}

// New creates a tool execution engine.
func New(st store.Store, registry *Registry, storage *Storage) *Engine {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Engine{store: st, registry: registry, storage: storage}
}

// Registry returns the executor registry for server-side tools.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Execute runs one tool call for a run and records the invocation.
// Failures are reported in the result, not as an error; the returned
// error covers only persistence problems.
func (e *Engine) Execute(ctx context.Context, run *domain.Run, toolKey string, args json.RawMessage) (*domain.ToolResult, error) {
	start := time.Now()

	result := e.execute(ctx, run, toolKey, args)
	result.DurationMS = time.Since(start).Milliseconds()

	inv := &domain.Invocation{
		InvocationID: "inv_" + uuid.New().String(),
		RunID:        run.RunID,
		UserID:       run.UserID,
		ToolKey:      toolKey,
		Args:         string(args),
		DurationMS:   result.DurationMS,
		Success:      result.OK,
		ErrorCode:    result.ErrorCode,
		ErrorMessage: result.ErrorMessage,
		CreatedAt:    time.Now(),
	}
	if result.OK && result.Data != nil {
		inv.ResultSummary = domain.Truncate(domain.MaskPII(string(result.Data)), summaryMaxLen)
	}
	// Recording must survive a cancelled call, or the audit trail loses
	// exactly the invocations that went wrong.
	if err := e.store.CreateInvocation(context.WithoutCancel(ctx), inv); err != nil {
		return result, fmt.Errorf("record invocation: %w", err)
	}

	return result, nil
}

func (e *Engine) execute(ctx context.Context, run *domain.Run, toolKey string, args json.RawMessage) *domain.ToolResult {
	tool, err := e.store.GetTool(ctx, toolKey)
	if err != nil {
		return failure(domain.ErrCodeExecutionFailed, fmt.Sprintf("tool lookup failed: %v", err))
	}
	if tool == nil {
		return failure(domain.ErrCodeToolNotFound, fmt.Sprintf("unknown tool %q", toolKey))
	}
	if !tool.Enabled {
		return failure(domain.ErrCodeToolDisabled, fmt.Sprintf("tool %q is disabled", toolKey))
	}
	if !tool.AllowedOnRoute(run.Route) {
		return failure(domain.ErrCodeToolDisabled, fmt.Sprintf("tool %q is not available on route %q", toolKey, run.Route))
	}

	if len(args) > 0 && !json.Valid(args) {
		return failure(domain.ErrCodeInvalidArgs, fmt.Sprintf("arguments for tool %q are not valid JSON", toolKey))
	}

	if err := validateJSON(tool.Key, tool.ParametersSchema, args); err != nil {
		return failure(domain.ErrCodeValidationFailed, err.Error())
	}

	if tool.RateLimitPerMin > 0 {
		count, err := e.store.CountInvocationsSince(ctx, run.UserID, toolKey, time.Now().Add(-rateLimitWindow))
		if err != nil {
			// Fail open: a broken counter must not take tools down.
			log.Printf("WARN: rate limit check failed for %s: %v", toolKey, err)
		} else if count >= tool.RateLimitPerMin {
			return failure(domain.ErrCodeRateLimited, fmt.Sprintf("rate limit of %d/min exceeded for %q", tool.RateLimitPerMin, toolKey))
		}
	}

	if spec := tool.Idempotency; spec != nil && spec.KeyField != "" && len(spec.DeriveFrom) > 0 {
		injected, err := injectIdempotencyKey(tool, run.UserID, args)
		if err != nil {
			return failure(domain.ErrCodeExecutionFailed, fmt.Sprintf("idempotency key: %v", err))
		}
		args = injected
	}

	timeout := defaultToolTimeout
	if tool.TimeoutMS > 0 {
		timeout = time.Duration(tool.TimeoutMS) * time.Millisecond
	}
	if timeout < minToolTimeout {
		timeout = minToolTimeout
	}

	data, err := e.dispatch(ctx, tool, run.UserID, args, timeout)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return failure(domain.ErrCodeCancelled, fmt.Sprintf("tool %q was cancelled", toolKey))
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return failure(domain.ErrCodeTimeout, fmt.Sprintf("tool %q timed out after %s", toolKey, timeout))
		}
		if notImpl, ok := err.(*notImplementedError); ok {
			return failure(domain.ErrCodeNotImplemented, notImpl.Error())
		}
		return failure(domain.ErrCodeExecutionFailed, err.Error())
	}

	if len(tool.ReturnsSchema) > 0 {
		if verr := validateJSON(tool.Key+".returns", tool.ReturnsSchema, data); verr != nil {
			// Return validation is advisory: surface the mismatch but
			// keep the raw result usable.
			wrapped, _ := json.Marshal(map[string]interface{}{
				"warning":           domain.ErrCodeReturnValidationWarn,
				"validation_errors": verr.Error(),
				"raw":               json.RawMessage(data),
			})
			data = wrapped
		}
	}

	return &domain.ToolResult{OK: true, Data: data}
}

type notImplementedError struct {
	execType domain.ExecutionType
}

func (e *notImplementedError) Error() string {
	return fmt.Sprintf("execution type %q is not implemented", e.execType)
}

func (e *Engine) dispatch(ctx context.Context, tool *domain.Tool, userID string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		data json.RawMessage
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		data, err := e.run(ctx, tool, userID, args)
		done <- outcome{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-done:
		return out.data, out.err
	}
}

func (e *Engine) run(ctx context.Context, tool *domain.Tool, userID string, args json.RawMessage) (json.RawMessage, error) {
	switch tool.ExecutionType {
	case domain.ExecRPC:
		return e.registry.Execute(ctx, tool.Key, userID, args)
	case domain.ExecQuery:
		return runQuery(ctx, e.store.DB(), userID, tool.ExecutionConfig, args)
	case domain.ExecClientAction:
		// Client actions execute in the caller's UI; the engine emits
		// the instruction as the result.
		return json.Marshal(map[string]interface{}{
			"type":   "client_action",
			"action": tool.Key,
			"args":   json.RawMessage(args),
		})
	case domain.ExecStorage:
		if e.storage == nil {
			return nil, fmt.Errorf("storage is not configured")
		}
		return e.storage.Execute(ctx, userID, tool.ExecutionConfig, args)
	case domain.ExecHTTPRequest, domain.ExecComposed:
		return nil, &notImplementedError{execType: tool.ExecutionType}
	default:
		return nil, fmt.Errorf("unknown execution type %q", tool.ExecutionType)
	}
}

// injectIdempotencyKey derives a key from the tool's declared fields
// and writes it into the declared key field. A key the caller already
// supplied is kept as-is.
func injectIdempotencyKey(tool *domain.Tool, userID string, args json.RawMessage) (json.RawMessage, error) {
	var doc map[string]interface{}
	if len(args) == 0 {
		doc = map[string]interface{}{}
	} else if err := json.Unmarshal(args, &doc); err != nil {
		return nil, fmt.Errorf("args must be an object: %w", err)
	}
	if existing, ok := doc[tool.Idempotency.KeyField]; ok && existing != nil && existing != "" {
		return args, nil
	}

	key, err := DeriveIdempotencyKey(tool.Key, userID, args, tool.Idempotency.DeriveFrom)
	if err != nil {
		return nil, err
	}
	doc[tool.Idempotency.KeyField] = key
	return json.Marshal(doc)
}

func failure(code, message string) *domain.ToolResult {
	return &domain.ToolResult{
		OK:           false,
		ErrorCode:    code,
		ErrorMessage: message,
	}
}
