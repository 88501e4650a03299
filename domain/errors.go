package domain

// Stable error codes reported in invocation records and SSE error events.
const (
	ErrCodeToolNotFound         = "TOOL_NOT_FOUND"
	ErrCodeToolDisabled         = "TOOL_DISABLED"
	ErrCodeInvalidArgs          = "INVALID_ARGS"
	ErrCodeValidationFailed     = "VALIDATION_FAILED"
	ErrCodeRateLimited          = "RATE_LIMITED"
	ErrCodeTimeout              = "TIMEOUT"
	ErrCodeCancelled            = "CANCELLED"
	ErrCodeExecutionFailed      = "EXECUTION_FAILED"
	ErrCodeMaxIterations        = "MAX_ITERATIONS"
	ErrCodeNotImplemented       = "NOT_IMPLEMENTED"
	ErrCodeConfirmationExpired  = "CONFIRMATION_EXPIRED"
	ErrCodeProviderUnavailable  = "PROVIDER_UNAVAILABLE"
	ErrCodePlanParseFailed      = "PLAN_PARSE_FAILED"
	ErrCodeReturnValidationWarn = "RETURN_VALIDATION_FAILED"
)
