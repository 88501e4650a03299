package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/assist/domain"
	"github.com/xiaot623/assist/tests/helpers"
)

func TestRunLifecycle(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now()
	run := &domain.Run{
		RunID:     "run_1",
		UserID:    "u1",
		Route:     "/invoices",
		Status:    domain.RunStatusPlanning,
		TraceID:   "trace-1",
		Context:   json.RawMessage(`{"dry_run":false}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, "run_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "/invoices", got.Route)
	assert.Equal(t, domain.RunStatusPlanning, got.Status)
	assert.JSONEq(t, `{"dry_run":false}`, string(got.Context))

	require.NoError(t, s.UpdateRunStatus(ctx, "run_1", domain.RunStatusExecuting))
	require.NoError(t, s.UpdateRunProgress(ctx, "run_1", 2, 120, 45))

	got, _ = s.GetRun(ctx, "run_1")
	assert.Equal(t, domain.RunStatusExecuting, got.Status)
	assert.Equal(t, 2, got.Iterations)
	assert.Equal(t, 120, got.TokensIn)
	assert.Equal(t, 45, got.TokensOut)

	require.NoError(t, s.UpdateRunCompleted(ctx, "run_1", domain.RunStatusSucceeded, "done", ""))
	got, _ = s.GetRun(ctx, "run_1")
	assert.Equal(t, domain.RunStatusSucceeded, got.Status)
	assert.Equal(t, "done", got.LastAnswer)
	assert.Empty(t, got.Error)
}

func TestGetRunMissing(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)

	got, err := s.GetRun(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPendingCallRoundTrip(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, &domain.Run{
		RunID:     "run_2",
		UserID:    "u1",
		Status:    domain.RunStatusExecuting,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}))

	pending, _ := json.Marshal(domain.PendingCall{CallID: "c1", ToolKey: "files.upload", Args: json.RawMessage(`{"path":"a"}`)})
	expires := time.Now().Add(10 * time.Minute)
	require.NoError(t, s.UpdateRunPendingCall(ctx, "run_2", pending, expires))

	got, _ := s.GetRun(ctx, "run_2")
	assert.Equal(t, domain.RunStatusWaitingConfirmation, got.Status)
	require.NotNil(t, got.ConfirmationExpiresAt)
	assert.WithinDuration(t, expires, *got.ConfirmationExpiresAt, time.Second)

	var decoded domain.PendingCall
	require.NoError(t, json.Unmarshal(got.PendingCall, &decoded))
	assert.Equal(t, "files.upload", decoded.ToolKey)

	require.NoError(t, s.UpdateRunStatus(ctx, "run_2", domain.RunStatusExecuting))
	require.NoError(t, s.ClearRunPendingCall(ctx, "run_2"))
	got, _ = s.GetRun(ctx, "run_2")
	assert.Equal(t, domain.RunStatusExecuting, got.Status)
	assert.Empty(t, got.PendingCall)
	assert.Nil(t, got.ConfirmationExpiresAt)
}

func TestListRunsByUser(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	ctx := context.Background()

	for _, id := range []string{"run_a", "run_b"} {
		require.NoError(t, s.CreateRun(ctx, &domain.Run{
			RunID:     id,
			UserID:    "u1",
			Status:    domain.RunStatusPlanning,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}))
	}
	require.NoError(t, s.CreateRun(ctx, &domain.Run{
		RunID:     "run_other",
		UserID:    "u2",
		Status:    domain.RunStatusPlanning,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}))

	runs, err := s.ListRunsByUser(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = s.ListRunsByUser(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestMessagesOrdered(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, &domain.Run{
		RunID: "run_m", UserID: "u1", Status: domain.RunStatusPlanning,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	base := time.Now()
	for i, content := range []string{"first", "second", "third"} {
		require.NoError(t, s.CreateMessage(ctx, &domain.Message{
			MessageID: "msg_" + content,
			RunID:     "run_m",
			UserID:    "u1",
			Role:      domain.RoleUser,
			Content:   content,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	messages, err := s.GetMessages(ctx, "run_m", 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "first", messages[0].Content)
	assert.Equal(t, "third", messages[2].Content)
}

func TestCountInvocationsSince(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, &domain.Run{
		RunID: "run_i", UserID: "u1", Status: domain.RunStatusExecuting,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	for i, ts := range []time.Time{
		time.Now().Add(-2 * time.Minute),
		time.Now().Add(-30 * time.Second),
		time.Now(),
	} {
		require.NoError(t, s.CreateInvocation(ctx, &domain.Invocation{
			InvocationID: "inv_" + string(rune('a'+i)),
			RunID:        "run_i",
			UserID:       "u1",
			ToolKey:      "mail.send",
			Args:         "{}",
			Success:      true,
			CreatedAt:    ts,
		}))
	}

	count, err := s.CountInvocationsSince(ctx, "u1", "mail.send", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = s.CountInvocationsSince(ctx, "other", "mail.send", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestToolCatalogRoundTrip(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	ctx := context.Background()

	tool := &domain.Tool{
		Key:                "crm.lookup",
		Name:               "CRM lookup",
		Description:        "Looks up a customer record.",
		Category:           "crm",
		RiskLevel:          domain.RiskLow,
		ConfirmationPolicy: domain.ConfirmationNone,
		ParametersSchema:   json.RawMessage(`{"type":"object"}`),
		ExecutionType:      domain.ExecRPC,
		RateLimitPerMin:    5,
		Idempotency:        &domain.IdempotencySpec{KeyField: "idempotency_key", DeriveFrom: []string{"nom", "email"}},
		Enabled:            true,
		EnabledFromRoutes:  []string{"/crm", "/dashboard"},
	}
	require.NoError(t, s.UpsertTool(ctx, tool))

	got, err := s.GetTool(ctx, "crm.lookup")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "CRM lookup", got.Name)
	assert.Equal(t, 5, got.RateLimitPerMin)
	require.NotNil(t, got.Idempotency)
	assert.Equal(t, "idempotency_key", got.Idempotency.KeyField)
	assert.Equal(t, []string{"nom", "email"}, got.Idempotency.DeriveFrom)
	assert.Equal(t, []string{"/crm", "/dashboard"}, got.EnabledFromRoutes)

	// Upsert replaces the existing row.
	tool.Enabled = false
	require.NoError(t, s.UpsertTool(ctx, tool))

	enabled, err := s.ListTools(ctx, true)
	require.NoError(t, err)
	for _, t2 := range enabled {
		assert.NotEqual(t, "crm.lookup", t2.Key)
	}

	all, err := s.ListTools(ctx, false)
	require.NoError(t, err)
	found := false
	for _, t2 := range all {
		if t2.Key == "crm.lookup" {
			found = true
		}
	}
	assert.True(t, found)

	missing, err := s.GetTool(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
