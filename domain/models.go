package domain

import (
	"encoding/json"
	"time"
)

// Run is a single request/response cycle through the assistant.
type Run struct {
	RunID                 string          `json:"run_id"`
	UserID                string          `json:"user_id"`
	Route                 string          `json:"route,omitempty"`
	Status                RunStatus       `json:"status"`
	TraceID               string          `json:"trace_id,omitempty"`
	Model                 string          `json:"model,omitempty"`
	Context               json.RawMessage `json:"context,omitempty"`
	TokensIn              int             `json:"tokens_in"`
	TokensOut             int             `json:"tokens_out"`
	Iterations            int             `json:"iterations"`
	ConfirmationExpiresAt *time.Time      `json:"confirmation_expires_at,omitempty"`
	PendingCall           json.RawMessage `json:"pending_call,omitempty"`
	LastAnswer            string          `json:"last_answer,omitempty"`
	Error                 string          `json:"error,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Message is one turn of the run's conversation history.
type Message struct {
	MessageID string    `json:"message_id"`
	RunID     string    `json:"run_id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Invocation is the persisted record of one tool execution.
type Invocation struct {
	InvocationID  string    `json:"invocation_id"`
	RunID         string    `json:"run_id"`
	UserID        string    `json:"user_id"`
	ToolKey       string    `json:"tool_key"`
	Args          string    `json:"args,omitempty"`
	ResultSummary string    `json:"result_summary,omitempty"`
	DurationMS    int64     `json:"duration_ms"`
	Success       bool      `json:"success"`
	ErrorCode     string    `json:"error_code,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// IdempotencySpec declares how the engine derives an idempotency key
// for a tool: which argument field receives the key and which argument
// fields feed the derivation.
type IdempotencySpec struct {
	KeyField   string   `json:"key_field"`
	DeriveFrom []string `json:"derive_from"`
}

// Tool is a catalog entry describing a callable capability.
type Tool struct {
	Key                string             `json:"key"`
	Name               string             `json:"name"`
	Description        string             `json:"description"`
	Category           string             `json:"category,omitempty"`
	RiskLevel          RiskLevel          `json:"risk_level"`
	ConfirmationPolicy ConfirmationPolicy `json:"confirmation_policy"`
	ParametersSchema   json.RawMessage    `json:"parameters_schema,omitempty"`
	ReturnsSchema      json.RawMessage    `json:"returns_schema,omitempty"`
	ExecutionType      ExecutionType      `json:"execution_type"`
	ExecutionConfig    json.RawMessage    `json:"execution_config,omitempty"`
	TimeoutMS          int                `json:"timeout_ms,omitempty"`
	RateLimitPerMin    int                `json:"rate_limit_per_min,omitempty"`
	Idempotency        *IdempotencySpec   `json:"idempotency,omitempty"`
	Enabled            bool               `json:"enabled"`
	EnabledFromRoutes  []string           `json:"enabled_from_routes,omitempty"`
}

// AllowedOnRoute reports whether the tool may run for the given route.
// An empty route list means the tool is available everywhere.
func (t *Tool) AllowedOnRoute(route string) bool {
	if len(t.EnabledFromRoutes) == 0 {
		return true
	}
	for _, r := range t.EnabledFromRoutes {
		if r == route {
			return true
		}
	}
	return false
}

// PlanStep is a single entry in the planner's output.
type PlanStep struct {
	StepNumber           int             `json:"step_number"`
	Type                 StepType        `json:"type"`
	ToolKey              string          `json:"tool_key,omitempty"`
	Args                 json.RawMessage `json:"args,omitempty"`
	Description          string          `json:"description"`
	OnError              OnError         `json:"on_error,omitempty"`
	RequiresConfirmation bool            `json:"requires_confirmation,omitempty"`
}

// PlanStopUserConfirmation in a plan's stop_reasons marks the whole
// plan as needing user approval before execution.
const PlanStopUserConfirmation = "user_confirmation_required"

// Plan is the structured output of the planning phase.
type Plan struct {
	PlanID         string     `json:"plan_id"`
	RunID          string     `json:"run_id"`
	Summary        string     `json:"summary"`
	Steps          []PlanStep `json:"steps"`
	EstimatedCalls int        `json:"estimated_calls"`
	StopReasons    []string   `json:"stop_reasons,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// NeedsConfirmation reports whether the plan must wait for user
// approval before any execution starts.
func (p *Plan) NeedsConfirmation() bool {
	for _, r := range p.StopReasons {
		if r == PlanStopUserConfirmation {
			return true
		}
	}
	for _, s := range p.Steps {
		if s.RequiresConfirmation {
			return true
		}
	}
	return false
}

// PendingCall captures a tool call parked behind the confirmation gate.
type PendingCall struct {
	CallID  string          `json:"call_id,omitempty"`
	ToolKey string          `json:"tool_key"`
	Args    json.RawMessage `json:"args"`
	Summary string          `json:"summary,omitempty"`
}

// ToolResult is the engine's uniform execution outcome.
type ToolResult struct {
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	DurationMS   int64           `json:"duration_ms"`
}

// Event is one frame on the run's SSE stream.
type Event struct {
	Seq       int64           `json:"seq"`
	Type      EventType       `json:"type"`
	RunID     string          `json:"run_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
