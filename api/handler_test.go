package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/assist/agent"
	"github.com/xiaot623/assist/api"
	"github.com/xiaot623/assist/config"
	"github.com/xiaot623/assist/domain"
	"github.com/xiaot623/assist/engine"
	"github.com/xiaot623/assist/llm"
	"github.com/xiaot623/assist/policy"
	"github.com/xiaot623/assist/store"
	"github.com/xiaot623/assist/tests/helpers"
)

func newTestServer(t *testing.T, fake *llm.FakeClient) (*echo.Echo, *store.SQLiteStore) {
	t.Helper()
	ctx := context.Background()

	s := helpers.NewTestSQLiteStore(t)
	require.NoError(t, engine.SeedCatalog(ctx, s))

	registry := engine.NewRegistry()
	engine.RegisterBuiltins(registry)
	eng := engine.New(s, registry, nil)

	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	require.NoError(t, err)

	cfg := &config.Config{
		ConfirmationTimeout: 10 * time.Minute,
		HeartbeatInterval:   time.Second,
	}
	a := agent.New(cfg, s, fake, eng, policyEngine)

	e := echo.New()
	api.NewHandler(s, a, cfg).RegisterRoutes(e)
	return e, s
}

func doRequest(e *echo.Echo, method, target, user, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func seedRun(t *testing.T, s *store.SQLiteStore, runID, userID string, status domain.RunStatus) {
	t.Helper()
	now := time.Now()
	require.NoError(t, s.CreateRun(context.Background(), &domain.Run{
		RunID:     runID,
		UserID:    userID,
		Status:    status,
		TraceID:   "trace-" + runID,
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func TestHealth(t *testing.T) {
	e, _ := newTestServer(t, llm.NewFakeClient())

	rec := doRequest(e, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestCreateRunRequiresUser(t *testing.T) {
	e, _ := newTestServer(t, llm.NewFakeClient())

	rec := doRequest(e, http.MethodPost, "/v1/assist", "", `{"message":"hello"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateRunAccepted(t *testing.T) {
	e, s := newTestServer(t, llm.NewFakeClient())

	rec := doRequest(e, http.MethodPost, "/v1/assist", "u1", `{"message":"hello","route":"/invoices"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	runID, _ := resp["run_id"].(string)
	assert.NotEmpty(t, runID)
	assert.Equal(t, string(domain.RunStatusPlanning), resp["status"])
	assert.NotEmpty(t, resp["trace_id"])
	assert.Equal(t, "/v1/assist/runs/"+runID+"/stream", resp["stream_url"])

	run, err := s.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "u1", run.UserID)
	assert.Equal(t, "/invoices", run.Route)

	messages, err := s.GetMessages(context.Background(), runID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Content)
}

func TestCreateRunRejectsEmptyMessage(t *testing.T) {
	e, _ := newTestServer(t, llm.NewFakeClient())

	rec := doRequest(e, http.MethodPost, "/v1/assist", "u1", `{"message":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunStatusNotFoundForOtherUser(t *testing.T) {
	e, s := newTestServer(t, llm.NewFakeClient())
	seedRun(t, s, "run_x", "owner", domain.RunStatusExecuting)

	rec := doRequest(e, http.MethodGet, "/v1/assist/runs/run_x/status", "intruder", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunStatusReconstruction(t *testing.T) {
	e, s := newTestServer(t, llm.NewFakeClient())
	ctx := context.Background()
	seedRun(t, s, "run_s", "u1", domain.RunStatusExecuting)

	require.NoError(t, s.CreateInvocation(ctx, &domain.Invocation{
		InvocationID:  "inv_1",
		RunID:         "run_s",
		UserID:        "u1",
		ToolKey:       "crm.lookup",
		Args:          `{"q":"dupont"}`,
		ResultSummary: `{"email":"jean.dupont@example.com","phone":"06 12 34 56 78"}`,
		Success:       true,
		DurationMS:    42,
		CreatedAt:     time.Now(),
	}))
	require.NoError(t, s.CreateInvocation(ctx, &domain.Invocation{
		InvocationID: "inv_2",
		RunID:        "run_s",
		UserID:       "u1",
		ToolKey:      "mail.send",
		Args:         `{}`,
		Success:      false,
		ErrorCode:    domain.ErrCodeExecutionFailed,
		ErrorMessage: "smtp unavailable",
		CreatedAt:    time.Now(),
	}))

	rec := doRequest(e, http.MethodGet, "/v1/assist/runs/run_s/status", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.RunStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run_s", resp.RunID)
	assert.Equal(t, domain.RunStatusExecuting, resp.Status)
	assert.Equal(t, 1, resp.StepsCompleted)
	require.Len(t, resp.ToolsInvoked, 2)

	preview := resp.ToolsInvoked[0].ResultPreview
	assert.NotContains(t, preview, "jean.dupont@example.com")
	assert.Contains(t, preview, "***@***")
	assert.NotContains(t, preview, "06 12 34 56 78")

	assert.False(t, resp.ToolsInvoked[1].Success)
	assert.Equal(t, domain.ErrCodeExecutionFailed, resp.ToolsInvoked[1].ErrorCode)
}

func TestRunStatusExposesPendingCall(t *testing.T) {
	e, s := newTestServer(t, llm.NewFakeClient())
	ctx := context.Background()
	seedRun(t, s, "run_p", "u1", domain.RunStatusExecuting)

	pending, _ := json.Marshal(domain.PendingCall{
		CallID:  "c1",
		ToolKey: "files.upload",
		Args:    json.RawMessage(`{"path":"a.txt"}`),
		Summary: "confirmation required",
	})
	require.NoError(t, s.UpdateRunPendingCall(ctx, "run_p", pending, time.Now().Add(5*time.Minute)))

	rec := doRequest(e, http.MethodGet, "/v1/assist/runs/run_p/status", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.RunStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.RunStatusWaitingConfirmation, resp.Status)
	require.NotNil(t, resp.PendingCall)
	assert.Equal(t, "files.upload", resp.PendingCall.ToolKey)
	assert.NotNil(t, resp.PendingCall.ExpiresAt)
}

func TestConfirmRunApproved(t *testing.T) {
	e, s := newTestServer(t, llm.NewFakeClient())
	ctx := context.Background()
	seedRun(t, s, "run_c", "u1", domain.RunStatusExecuting)

	pending, _ := json.Marshal(domain.PendingCall{CallID: "c1", ToolKey: "files.upload", Args: json.RawMessage(`{}`)})
	require.NoError(t, s.UpdateRunPendingCall(ctx, "run_c", pending, time.Now().Add(5*time.Minute)))

	rec := doRequest(e, http.MethodPost, "/v1/assist/runs/run_c/confirm", "u1", `{"approved":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(domain.RunStatusExecuting))
}

func TestConfirmRunDenied(t *testing.T) {
	e, s := newTestServer(t, llm.NewFakeClient())
	ctx := context.Background()
	seedRun(t, s, "run_d", "u1", domain.RunStatusExecuting)

	pending, _ := json.Marshal(domain.PendingCall{CallID: "c1", ToolKey: "files.upload", Args: json.RawMessage(`{}`)})
	require.NoError(t, s.UpdateRunPendingCall(ctx, "run_d", pending, time.Now().Add(5*time.Minute)))

	rec := doRequest(e, http.MethodPost, "/v1/assist/runs/run_d/confirm", "u1", `{"approved":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(domain.RunStatusCancelled))

	run, _ := s.GetRun(ctx, "run_d")
	assert.Equal(t, domain.RunStatusCancelled, run.Status)
}

func TestConfirmRunExpired(t *testing.T) {
	e, s := newTestServer(t, llm.NewFakeClient())
	ctx := context.Background()
	seedRun(t, s, "run_e", "u1", domain.RunStatusExecuting)

	pending, _ := json.Marshal(domain.PendingCall{CallID: "c1", ToolKey: "files.upload", Args: json.RawMessage(`{}`)})
	require.NoError(t, s.UpdateRunPendingCall(ctx, "run_e", pending, time.Now().Add(-time.Minute)))

	rec := doRequest(e, http.MethodPost, "/v1/assist/runs/run_e/confirm", "u1", `{"approved":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(domain.RunStatusExpired))
	assert.Contains(t, rec.Body.String(), domain.ErrCodeConfirmationExpired)
}

func TestConfirmRunNotWaitingConflicts(t *testing.T) {
	e, s := newTestServer(t, llm.NewFakeClient())
	seedRun(t, s, "run_f", "u1", domain.RunStatusSucceeded)

	rec := doRequest(e, http.MethodPost, "/v1/assist/runs/run_f/confirm", "u1", `{"approved":true}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStreamRunNotFound(t *testing.T) {
	e, _ := newTestServer(t, llm.NewFakeClient())

	rec := doRequest(e, http.MethodGet, "/v1/assist/runs/missing/stream", "u1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamRunReplaysFinishedRun(t *testing.T) {
	e, s := newTestServer(t, llm.NewFakeClient())
	ctx := context.Background()
	seedRun(t, s, "run_t", "u1", domain.RunStatusExecuting)
	require.NoError(t, s.UpdateRunCompleted(ctx, "run_t", domain.RunStatusSucceeded, "all done", ""))

	rec := doRequest(e, http.MethodGet, "/v1/assist/runs/run_t/stream", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "retry: 10000")
	assert.Contains(t, body, "event: "+string(domain.EventAgentStarted))
	assert.Contains(t, body, "event: "+string(domain.EventAnswerFinal))
	assert.Contains(t, body, "event: "+string(domain.EventAgentFinished))
	assert.Contains(t, body, "all done")
}

func TestStreamRunSurvivesClientDisconnect(t *testing.T) {
	ctx := context.Background()
	s := helpers.NewTestSQLiteStore(t)
	require.NoError(t, engine.SeedCatalog(ctx, s))

	registry := engine.NewRegistry()
	engine.RegisterBuiltins(registry)
	registry.MustRegister("slow.tool", func(ctx context.Context, userID string, args json.RawMessage) (json.RawMessage, error) {
		time.Sleep(300 * time.Millisecond)
		return json.RawMessage(`{}`), nil
	})
	require.NoError(t, s.UpsertTool(ctx, &domain.Tool{
		Key:           "slow.tool",
		Name:          "Slow",
		Description:   "sleeps",
		ExecutionType: domain.ExecRPC,
		TimeoutMS:     5000,
		Enabled:       true,
	}))
	eng := engine.New(s, registry, nil)

	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	require.NoError(t, err)

	fake := llm.NewFakeClient(
		&llm.Response{Content: `{"summary":"wait then answer","steps":[{"step_number":1,"type":"tool","tool_key":"slow.tool","description":"wait"}]}`},
		&llm.Response{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "slow.tool", Arguments: `{}`}}},
		&llm.Response{Content: "finished late"},
	)
	cfg := &config.Config{ConfirmationTimeout: 10 * time.Minute, HeartbeatInterval: 50 * time.Millisecond}
	a := agent.New(cfg, s, fake, eng, policyEngine)

	e := echo.New()
	api.NewHandler(s, a, cfg).RegisterRoutes(e)

	run, err := a.StartRun(ctx, "u1", &domain.AssistRequest{Message: "take your time"})
	require.NoError(t, err)

	// The client goes away while the slow tool is still running.
	reqCtx, cancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	req := httptest.NewRequest(http.MethodGet, "/v1/assist/runs/"+run.RunID+"/stream", nil).WithContext(reqCtx)
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	// Processing is detached from the request: the run still finishes.
	require.Eventually(t, func() bool {
		r, err := s.GetRun(context.Background(), run.RunID)
		return err == nil && r != nil && r.Status == domain.RunStatusSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	r, err := s.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, "finished late", r.LastAnswer)
}

func TestListRuns(t *testing.T) {
	e, s := newTestServer(t, llm.NewFakeClient())
	seedRun(t, s, "run_1", "u1", domain.RunStatusSucceeded)
	seedRun(t, s, "run_2", "u1", domain.RunStatusExecuting)
	seedRun(t, s, "run_3", "u2", domain.RunStatusExecuting)

	rec := doRequest(e, http.MethodGet, "/v1/assist/runs", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Runs  []api.RunListEntry `json:"runs"`
		Count int                `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	for _, r := range resp.Runs {
		assert.NotEqual(t, "run_3", r.RunID)
	}

	rec = doRequest(e, http.MethodGet, "/v1/assist/runs?limit=1", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
}

func TestListTools(t *testing.T) {
	e, _ := newTestServer(t, llm.NewFakeClient())

	rec := doRequest(e, http.MethodGet, "/v1/assist/tools", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Tools []api.ToolSummary `json:"tools"`
		Count int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, len(resp.Tools), resp.Count)

	keys := make([]string, 0, len(resp.Tools))
	for _, tool := range resp.Tools {
		keys = append(keys, tool.Key)
	}
	assert.Contains(t, keys, "time.now")
	assert.Contains(t, keys, "files.upload")
}

func TestListToolsRouteFilter(t *testing.T) {
	e, s := newTestServer(t, llm.NewFakeClient())
	require.NoError(t, s.UpsertTool(context.Background(), &domain.Tool{
		Key:               "invoices.create",
		Name:              "Create invoice",
		Description:       "Creates a draft invoice.",
		ExecutionType:     domain.ExecRPC,
		EnabledFromRoutes: []string{"/invoices"},
		Enabled:           true,
	}))

	rec := doRequest(e, http.MethodGet, "/v1/assist/tools?route=/dashboard", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "invoices.create")

	rec = doRequest(e, http.MethodGet, "/v1/assist/tools?route=/invoices", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "invoices.create")
}
