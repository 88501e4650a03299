package planner

import (
	"fmt"
	"strings"

	"github.com/xiaot623/assist/domain"
)

const planSystemPrompt = `You are a planning assistant. Given a user request and a catalog of
available tools, produce a JSON plan.

Respond with a single JSON object of this shape:
{
  "summary": "<one sentence restating the user's goal, at most 200 characters>",
  "steps": [
    {
      "step_number": 1,
      "type": "tool" | "reasoning",
      "tool_key": "<key from the catalog, only for type tool>",
      "args": { ... },
      "description": "<what this step does>",
      "requires_confirmation": true | false,
      "on_error": "ask_user" | "stop" | "skip"
    }
  ],
  "estimated_calls": <number of tool steps>,
  "stop_reasons": []
}

Rules:
- Use only tools from the catalog. Never invent tool keys or argument values.
- Keep plans short; prefer a single step when one tool suffices.
- Use type "reasoning" for steps that need no tool.
- Answer-only requests get an empty steps array.
- Set requires_confirmation to true for any tool whose risk is high or
  critical or whose confirmation policy is not "none", and include
  "user_confirmation_required" in stop_reasons when you do.

Available tools:
%s`

func buildSystemPrompt(tools []domain.Tool) string {
	var b strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s", t.Key, t.Description)
		if len(t.ParametersSchema) > 0 {
			fmt.Fprintf(&b, " (parameters: %s)", string(t.ParametersSchema))
		}
		if t.RiskLevel != "" {
			fmt.Fprintf(&b, " [risk: %s]", t.RiskLevel)
		}
		if t.ConfirmationPolicy != "" && t.ConfirmationPolicy != domain.ConfirmationNone {
			fmt.Fprintf(&b, " [confirmation: %s]", t.ConfirmationPolicy)
		}
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		b.WriteString("(none)\n")
	}
	return fmt.Sprintf(planSystemPrompt, b.String())
}

const repairPrompt = `Your previous plan was invalid: %s

Respond again with only the corrected JSON object.`
