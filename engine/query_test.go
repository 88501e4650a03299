package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/assist/domain"
	"github.com/xiaot623/assist/store"
)

func seedQueryTool(t *testing.T, ctx context.Context, s *store.SQLiteStore) {
	t.Helper()
	require.NoError(t, s.UpsertTool(ctx, &domain.Tool{
		Key:             "runs.search",
		Name:            "Search runs",
		Description:     "search",
		ExecutionType:   domain.ExecQuery,
		ExecutionConfig: json.RawMessage(`{"table":"runs","columns":["run_id","status"],"allowed_filters":[{"field":"status","ops":["eq","in"]}],"user_column":"user_id","default_limit":20,"max_limit":50}`),
		Enabled:         true,
	}))
}

func TestQueryScopedToUser(t *testing.T) {
	ctx := context.Background()
	eng, s := newTestEngine(t)
	seedQueryTool(t, ctx, s)

	run := testRun(t, ctx, s, "r1", "u1")
	now := time.Now()
	require.NoError(t, s.CreateRun(ctx, &domain.Run{
		RunID: "r-other", UserID: "u2", Status: domain.RunStatusSucceeded,
		CreatedAt: now, UpdatedAt: now,
	}))

	result, err := eng.Execute(ctx, run, "runs.search", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.True(t, result.OK, result.ErrorMessage)

	var doc struct {
		Rows  []map[string]interface{} `json:"rows"`
		Count int                      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(result.Data, &doc))
	assert.Equal(t, 1, doc.Count)
	assert.Equal(t, "r1", doc.Rows[0]["run_id"])
}

func TestQueryFilterEq(t *testing.T) {
	ctx := context.Background()
	eng, s := newTestEngine(t)
	seedQueryTool(t, ctx, s)

	run := testRun(t, ctx, s, "r1", "u1")
	now := time.Now()
	require.NoError(t, s.CreateRun(ctx, &domain.Run{
		RunID: "r2", UserID: "u1", Status: domain.RunStatusSucceeded,
		CreatedAt: now, UpdatedAt: now,
	}))

	args := json.RawMessage(`{"filters":[{"column":"status","op":"eq","value":"succeeded"}]}`)
	result, err := eng.Execute(ctx, run, "runs.search", args)
	require.NoError(t, err)
	require.True(t, result.OK, result.ErrorMessage)

	var doc struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(result.Data, &doc))
	assert.Equal(t, 1, doc.Count)
}

func TestQueryFilterIn(t *testing.T) {
	ctx := context.Background()
	eng, s := newTestEngine(t)
	seedQueryTool(t, ctx, s)

	run := testRun(t, ctx, s, "r1", "u1")
	now := time.Now()
	require.NoError(t, s.CreateRun(ctx, &domain.Run{
		RunID: "r2", UserID: "u1", Status: domain.RunStatusFailed,
		CreatedAt: now, UpdatedAt: now,
	}))

	args := json.RawMessage(`{"filters":[{"column":"status","op":"in","value":["failed","cancelled"]}]}`)
	result, err := eng.Execute(ctx, run, "runs.search", args)
	require.NoError(t, err)
	require.True(t, result.OK, result.ErrorMessage)

	var doc struct {
		Rows []map[string]interface{} `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(result.Data, &doc))
	require.Len(t, doc.Rows, 1)
	assert.Equal(t, "r2", doc.Rows[0]["run_id"])
}

func TestQueryRejectsUnknownOp(t *testing.T) {
	ctx := context.Background()
	eng, s := newTestEngine(t)
	seedQueryTool(t, ctx, s)
	run := testRun(t, ctx, s, "r1", "u1")

	args := json.RawMessage(`{"filters":[{"column":"status","op":"neq","value":"failed"}]}`)
	result, err := eng.Execute(ctx, run, "runs.search", args)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, domain.ErrCodeExecutionFailed, result.ErrorCode)
	assert.Contains(t, result.ErrorMessage, "not allowed")
}

func TestQueryRejectsUnlistedColumn(t *testing.T) {
	ctx := context.Background()
	eng, s := newTestEngine(t)
	seedQueryTool(t, ctx, s)
	run := testRun(t, ctx, s, "r1", "u1")

	// user_id is selected internally but not filterable by callers.
	args := json.RawMessage(`{"filters":[{"column":"user_id","op":"eq","value":"u2"}]}`)
	result, err := eng.Execute(ctx, run, "runs.search", args)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Contains(t, result.ErrorMessage, "not filterable")
}

func TestQueryRejectsOpNotAllowedOnColumn(t *testing.T) {
	ctx := context.Background()
	eng, s := newTestEngine(t)
	seedQueryTool(t, ctx, s)
	run := testRun(t, ctx, s, "r1", "u1")

	// ilike is a valid operator but not whitelisted for status.
	args := json.RawMessage(`{"filters":[{"column":"status","op":"ilike","value":"succ"}]}`)
	result, err := eng.Execute(ctx, run, "runs.search", args)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Contains(t, result.ErrorMessage, `not allowed on column "status"`)
}

func TestQueryLimits(t *testing.T) {
	ctx := context.Background()
	eng, s := newTestEngine(t)
	require.NoError(t, s.UpsertTool(ctx, &domain.Tool{
		Key:             "runs.search",
		Name:            "Search runs",
		Description:     "search",
		ExecutionType:   domain.ExecQuery,
		ExecutionConfig: json.RawMessage(`{"table":"runs","columns":["run_id"],"allowed_filters":[],"user_column":"user_id","default_limit":2,"max_limit":3}`),
		Enabled:         true,
	}))

	run := testRun(t, ctx, s, "r0", "u1")
	now := time.Now()
	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		require.NoError(t, s.CreateRun(ctx, &domain.Run{
			RunID: id, UserID: "u1", Status: domain.RunStatusSucceeded,
			CreatedAt: now, UpdatedAt: now,
		}))
	}

	var doc struct {
		Count int `json:"count"`
	}

	// No limit in the call falls back to the tool's default.
	result, err := eng.Execute(ctx, run, "runs.search", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.True(t, result.OK, result.ErrorMessage)
	require.NoError(t, json.Unmarshal(result.Data, &doc))
	assert.Equal(t, 2, doc.Count)

	// An oversized caller limit is clamped to max_limit.
	result, err = eng.Execute(ctx, run, "runs.search", json.RawMessage(`{"limit":100}`))
	require.NoError(t, err)
	require.True(t, result.OK, result.ErrorMessage)
	require.NoError(t, json.Unmarshal(result.Data, &doc))
	assert.Equal(t, 3, doc.Count)
}
