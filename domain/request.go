package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AssistRequest is the payload of POST /assist.
type AssistRequest struct {
	Message string          `json:"message"`
	Route   string          `json:"route,omitempty"`
	Context json.RawMessage `json:"context,omitempty"`
	DryRun  bool            `json:"dry_run,omitempty"`
}

const maxMessageLength = 4000

// Validate checks the request before a run is created.
func (r *AssistRequest) Validate() error {
	msg := strings.TrimSpace(r.Message)
	if msg == "" {
		return fmt.Errorf("message is required")
	}
	if len(r.Message) > maxMessageLength {
		return fmt.Errorf("message exceeds %d characters", maxMessageLength)
	}
	return nil
}

// ConfirmRequest is the payload of POST /assist/runs/:id/confirm.
type ConfirmRequest struct {
	Approved bool `json:"approved"`
}
