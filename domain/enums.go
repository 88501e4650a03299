package domain

// RunStatus tracks a run through its lifecycle.
type RunStatus string

const (
	RunStatusPlanning            RunStatus = "planning"
	RunStatusPlanned             RunStatus = "planned"
	RunStatusWaitingConfirmation RunStatus = "waiting_confirmation"
	RunStatusExecuting           RunStatus = "executing"
	RunStatusSucceeded           RunStatus = "succeeded"
	RunStatusFailed              RunStatus = "failed"
	RunStatusCancelled           RunStatus = "cancelled"
	RunStatusExpired             RunStatus = "expired"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled, RunStatusExpired:
		return true
	}
	return false
}

// StepType distinguishes plan steps that invoke a tool from pure reasoning.
type StepType string

const (
	StepTypeTool      StepType = "tool"
	StepTypeReasoning StepType = "reasoning"
)

// OnError is the per-step failure directive chosen by the planner.
type OnError string

const (
	OnErrorAskUser OnError = "ask_user"
	OnErrorStop    OnError = "stop"
	OnErrorSkip    OnError = "skip"
)

// RiskLevel classifies the blast radius of a tool.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ConfirmationPolicy controls whether a tool call needs explicit user approval.
type ConfirmationPolicy string

const (
	ConfirmationNone           ConfirmationPolicy = "none"
	ConfirmationRequired       ConfirmationPolicy = "required"
	ConfirmationRequiredStrong ConfirmationPolicy = "required_strong"
)

// ExecutionType selects how the engine dispatches a tool.
type ExecutionType string

const (
	ExecRPC          ExecutionType = "rpc"
	ExecQuery        ExecutionType = "query"
	ExecClientAction ExecutionType = "client_action"
	ExecStorage      ExecutionType = "storage"
	ExecHTTPRequest  ExecutionType = "http_request"
	ExecComposed     ExecutionType = "composed"
)

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// EventType names the server-sent event kinds emitted on the run stream.
type EventType string

const (
	EventAgentStarted              EventType = "agent_started"
	EventPlanReady                 EventType = "plan_ready"
	EventToolCallStarted           EventType = "tool_call_started"
	EventToolCallSucceeded         EventType = "tool_call_succeeded"
	EventToolCallFailed            EventType = "tool_call_failed"
	EventUserConfirmationRequested EventType = "user_confirmation_requested"
	EventAnswerPartial             EventType = "answer_partial"
	EventAnswerFinal               EventType = "answer_final"
	EventAgentError                EventType = "agent_error"
	EventAgentFinished             EventType = "agent_finished"
	EventHeartbeat                 EventType = "heartbeat"
)

// StopReason explains why the execution loop ended.
type StopReason string

const (
	StopDone           StopReason = "done"
	StopMaxIterations  StopReason = "max_iterations"
	StopExecutionError StopReason = "execution_error"
)
