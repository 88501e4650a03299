// Package policy decides whether a tool call may run, needs user
// confirmation, or is blocked.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decision outcomes.
const (
	DecisionAllow               = "allow"
	DecisionRequireConfirmation = "require_confirmation"
	DecisionBlock               = "block"
)

// Input is the evaluation context for one tool call.
type Input struct {
	ToolKey            string                 `json:"tool_key"`
	RiskLevel          string                 `json:"risk_level"`
	ConfirmationPolicy string                 `json:"confirmation_policy"`
	DryRun             bool                   `json:"dry_run"`
	UserID             string                 `json:"user_id"`
	Route              string                 `json:"route"`
	Args               map[string]interface{} `json:"args"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate checks the tool policy for one call.
// Returns: decision (allow, require_confirmation, block), reason, error.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, "default", nil
	}

	val := results[0].Expressions[0].Value
	switch v := val.(type) {
	case string:
		return v, "", nil
	case map[string]interface{}:
		decision, _ := v["decision"].(string)
		reason, _ := v["reason"].(string)
		if decision == "" {
			decision = DecisionAllow
		}
		return decision, reason, nil
	}

	return DecisionAllow, "unexpected return type", nil
}

// DefaultPolicy is the default policy content. Dry-run calls are always
// gated; otherwise the tool's declared confirmation policy and risk
// level decide.
const DefaultPolicy = `
package tool_policy

default decision = {"decision": "allow", "reason": "default"}

decision = {"decision": "block", "reason": "critical risk requires explicit enablement"} {
	input.risk_level == "critical"
	input.confirmation_policy == "none"
} else = {"decision": "require_confirmation", "reason": "dry run"} {
	input.dry_run == true
} else = {"decision": "require_confirmation", "reason": "tool requires confirmation"} {
	input.confirmation_policy == "required"
} else = {"decision": "require_confirmation", "reason": "tool requires strong confirmation"} {
	input.confirmation_policy == "required_strong"
} else = {"decision": "require_confirmation", "reason": "high risk"} {
	input.risk_level == "high"
}
`
