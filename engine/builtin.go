package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiaot623/assist/domain"
	"github.com/xiaot623/assist/store"
)

// RegisterBuiltins installs the server-side executors shipped with the
// service.
func RegisterBuiltins(r *Registry) {
	r.MustRegister("time.now", func(ctx context.Context, userID string, args json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(map[string]string{
			"now": time.Now().UTC().Format(time.RFC3339),
		})
	})
	r.MustRegister("echo.text", func(ctx context.Context, userID string, args json.RawMessage) (json.RawMessage, error) {
		var in struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("invalid args: %w", err)
		}
		return json.Marshal(map[string]string{"text": in.Text})
	})
}

// SeedCatalog upserts the default tool catalog. Existing entries with
// the same key are replaced.
func SeedCatalog(ctx context.Context, st store.Store) error {
	tools := []domain.Tool{
		{
			Key:                "time.now",
			Name:               "Current time",
			Description:        "Returns the current UTC time.",
			Category:           "utility",
			RiskLevel:          domain.RiskLow,
			ConfirmationPolicy: domain.ConfirmationNone,
			ExecutionType:      domain.ExecRPC,
			Enabled:            true,
		},
		{
			Key:                "echo.text",
			Name:               "Echo",
			Description:        "Echoes the provided text back.",
			Category:           "utility",
			RiskLevel:          domain.RiskLow,
			ConfirmationPolicy: domain.ConfirmationNone,
			ParametersSchema:   json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
			ExecutionType:      domain.ExecRPC,
			Enabled:            true,
		},
		{
			Key:                "runs.search",
			Name:               "Search runs",
			Description:        "Searches the caller's past runs by status.",
			Category:           "history",
			RiskLevel:          domain.RiskLow,
			ConfirmationPolicy: domain.ConfirmationNone,
			ParametersSchema:   json.RawMessage(`{"type":"object","properties":{"filters":{"type":"array"},"limit":{"type":"integer"}}}`),
			ExecutionType:      domain.ExecQuery,
			ExecutionConfig:    json.RawMessage(`{"table":"runs","columns":["run_id","status","route","created_at"],"allowed_filters":[{"field":"status","ops":["eq","in"]},{"field":"route","ops":["eq","ilike"]},{"field":"created_at","ops":["gt","gte","lt","lte"]}],"user_column":"user_id","default_limit":20,"max_limit":50,"order_by":"created_at"}`),
			Enabled:            true,
		},
		{
			Key:                "files.upload",
			Name:               "Upload file",
			Description:        "Uploads a file to the user's storage area.",
			Category:           "storage",
			RiskLevel:          domain.RiskMedium,
			ConfirmationPolicy: domain.ConfirmationRequired,
			ParametersSchema:   json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content_base64":{"type":"string"},"content_type":{"type":"string"}},"required":["path","content_base64"]}`),
			ExecutionType:      domain.ExecStorage,
			ExecutionConfig:    json.RawMessage(`{"operation":"upload","prefix":"uploads"}`),
			TimeoutMS:          30000,
			Idempotency:        &domain.IdempotencySpec{KeyField: "idempotency_key", DeriveFrom: []string{"path"}},
			Enabled:            true,
		},
		{
			Key:                "files.get_url",
			Name:               "Get file URL",
			Description:        "Returns a temporary download link for a stored file.",
			Category:           "storage",
			RiskLevel:          domain.RiskLow,
			ConfirmationPolicy: domain.ConfirmationNone,
			ParametersSchema:   json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"expires_in":{"type":"integer"}},"required":["path"]}`),
			ExecutionType:      domain.ExecStorage,
			ExecutionConfig:    json.RawMessage(`{"operation":"get_url","prefix":"uploads"}`),
			Enabled:            true,
		},
		{
			Key:                "ui.open_form",
			Name:               "Open form",
			Description:        "Opens a form in the user's interface.",
			Category:           "ui",
			RiskLevel:          domain.RiskLow,
			ConfirmationPolicy: domain.ConfirmationNone,
			ParametersSchema:   json.RawMessage(`{"type":"object","properties":{"form_id":{"type":"string"}},"required":["form_id"]}`),
			ExecutionType:      domain.ExecClientAction,
			Enabled:            true,
		},
	}

	for i := range tools {
		if err := st.UpsertTool(ctx, &tools[i]); err != nil {
			return fmt.Errorf("seed tool %s: %w", tools[i].Key, err)
		}
	}
	return nil
}
