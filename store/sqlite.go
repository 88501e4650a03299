package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/assist/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			route TEXT,
			status TEXT NOT NULL,
			trace_id TEXT,
			model TEXT,
			context TEXT,
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			iterations INTEGER NOT NULL DEFAULT 0,
			confirmation_expires_at DATETIME,
			pending_call TEXT,
			last_answer TEXT,
			error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_user ON runs(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_run ON messages(run_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS invocations (
			invocation_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			tool_key TEXT NOT NULL,
			args TEXT,
			result_summary TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 0,
			error_code TEXT,
			error_message TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_run ON invocations(run_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_rate ON invocations(user_id, tool_key, created_at)`,
		`CREATE TABLE IF NOT EXISTS tools (
			key TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL,
			category TEXT,
			risk_level TEXT NOT NULL DEFAULT 'low',
			confirmation_policy TEXT NOT NULL DEFAULT 'none',
			parameters_schema TEXT,
			returns_schema TEXT,
			execution_type TEXT NOT NULL,
			execution_config TEXT,
			timeout_ms INTEGER NOT NULL DEFAULT 0,
			rate_limit_per_min INTEGER NOT NULL DEFAULT 0,
			idempotency TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			enabled_from_routes TEXT
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// DB exposes the underlying handle for constrained read-only queries.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun creates a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	var runCtx sql.NullString
	if run.Context != nil {
		runCtx = sql.NullString{String: string(run.Context), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, user_id, route, status, trace_id, model, context, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.UserID, run.Route, run.Status, run.TraceID, run.Model, runCtx, run.CreatedAt, run.UpdatedAt)
	return err
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	var run domain.Run
	var route, traceID, model, runCtx, pending, answer, errMsg sql.NullString
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, user_id, route, status, trace_id, model, context, tokens_in, tokens_out, iterations,
		        confirmation_expires_at, pending_call, last_answer, error, created_at, updated_at
		 FROM runs WHERE run_id = ?`,
		runID).Scan(&run.RunID, &run.UserID, &route, &run.Status, &traceID, &model, &runCtx,
		&run.TokensIn, &run.TokensOut, &run.Iterations,
		&expiresAt, &pending, &answer, &errMsg, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if route.Valid {
		run.Route = route.String
	}
	if traceID.Valid {
		run.TraceID = traceID.String
	}
	if model.Valid {
		run.Model = model.String
	}
	if runCtx.Valid {
		run.Context = json.RawMessage(runCtx.String)
	}
	if expiresAt.Valid {
		run.ConfirmationExpiresAt = &expiresAt.Time
	}
	if pending.Valid {
		run.PendingCall = json.RawMessage(pending.String)
	}
	if answer.Valid {
		run.LastAnswer = answer.String
	}
	if errMsg.Valid {
		run.Error = errMsg.String
	}
	return &run, nil
}

// UpdateRunStatus updates the status of a run.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE run_id = ?`,
		status, time.Now(), runID)
	return err
}

// UpdateRunPendingCall parks a run behind the confirmation gate. A nil
// pending call parks the whole plan rather than a single tool call.
func (s *SQLiteStore) UpdateRunPendingCall(ctx context.Context, runID string, pending []byte, expiresAt time.Time) error {
	var p sql.NullString
	if len(pending) > 0 {
		p = sql.NullString{String: string(pending), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, pending_call = ?, confirmation_expires_at = ?, updated_at = ? WHERE run_id = ?`,
		domain.RunStatusWaitingConfirmation, p, expiresAt, time.Now(), runID)
	return err
}

// ClearRunPendingCall removes a consumed pending call without touching
// the run status.
func (s *SQLiteStore) ClearRunPendingCall(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET pending_call = NULL, confirmation_expires_at = NULL, updated_at = ? WHERE run_id = ?`,
		time.Now(), runID)
	return err
}

// UpdateRunProgress records loop counters after each iteration.
func (s *SQLiteStore) UpdateRunProgress(ctx context.Context, runID string, iterations, tokensIn, tokensOut int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET iterations = ?, tokens_in = tokens_in + ?, tokens_out = tokens_out + ?, updated_at = ? WHERE run_id = ?`,
		iterations, tokensIn, tokensOut, time.Now(), runID)
	return err
}

// UpdateRunCompleted moves a run to a terminal state.
func (s *SQLiteStore) UpdateRunCompleted(ctx context.Context, runID string, status domain.RunStatus, answer, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, last_answer = ?, error = ?, pending_call = NULL, updated_at = ? WHERE run_id = ?`,
		status, answer, errMsg, time.Now(), runID)
	return err
}

// ListRunsByUser lists a user's most recent runs.
func (s *SQLiteStore) ListRunsByUser(ctx context.Context, userID string, limit int) ([]domain.Run, error) {
	query := `SELECT run_id, user_id, route, status, trace_id, iterations, created_at, updated_at
	          FROM runs WHERE user_id = ? ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		var run domain.Run
		var route, traceID sql.NullString
		if err := rows.Scan(&run.RunID, &run.UserID, &route, &run.Status, &traceID,
			&run.Iterations, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		if route.Valid {
			run.Route = route.String
		}
		if traceID.Valid {
			run.TraceID = traceID.String
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CreateMessage creates a new message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, message *domain.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, run_id, user_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		message.MessageID, message.RunID, message.UserID, message.Role, message.Content, message.CreatedAt)
	return err
}

// GetMessages retrieves messages for a run in chronological order.
func (s *SQLiteStore) GetMessages(ctx context.Context, runID string, limit int) ([]domain.Message, error) {
	query := `SELECT message_id, run_id, user_id, role, content, created_at FROM messages WHERE run_id = ? ORDER BY created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(&msg.MessageID, &msg.RunID, &msg.UserID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// CreateInvocation records a tool execution.
func (s *SQLiteStore) CreateInvocation(ctx context.Context, inv *domain.Invocation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations (invocation_id, run_id, user_id, tool_key, args, result_summary,
		                          duration_ms, success, error_code, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.InvocationID, inv.RunID, inv.UserID, inv.ToolKey, inv.Args, inv.ResultSummary,
		inv.DurationMS, inv.Success, inv.ErrorCode, inv.ErrorMessage, inv.CreatedAt)
	return err
}

// GetInvocations retrieves tool executions for a run in chronological order.
func (s *SQLiteStore) GetInvocations(ctx context.Context, runID string) ([]domain.Invocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT invocation_id, run_id, user_id, tool_key, args, result_summary,
		        duration_ms, success, error_code, error_message, created_at
		 FROM invocations WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invocations []domain.Invocation
	for rows.Next() {
		var inv domain.Invocation
		var args, summary, errCode, errMsg sql.NullString
		if err := rows.Scan(&inv.InvocationID, &inv.RunID, &inv.UserID, &inv.ToolKey, &args, &summary,
			&inv.DurationMS, &inv.Success, &errCode, &errMsg, &inv.CreatedAt); err != nil {
			return nil, err
		}
		if args.Valid {
			inv.Args = args.String
		}
		if summary.Valid {
			inv.ResultSummary = summary.String
		}
		if errCode.Valid {
			inv.ErrorCode = errCode.String
		}
		if errMsg.Valid {
			inv.ErrorMessage = errMsg.String
		}
		invocations = append(invocations, inv)
	}
	return invocations, rows.Err()
}

// CountInvocationsSince counts a user's invocations of a tool in a trailing window.
func (s *SQLiteStore) CountInvocationsSince(ctx context.Context, userID, toolKey string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM invocations WHERE user_id = ? AND tool_key = ? AND created_at >= ?`,
		userID, toolKey, since).Scan(&count)
	return count, err
}

// UpsertTool creates or replaces a tool catalog entry.
func (s *SQLiteStore) UpsertTool(ctx context.Context, tool *domain.Tool) error {
	var paramsSchema, returnsSchema, execConfig, idempotency sql.NullString
	if tool.ParametersSchema != nil {
		paramsSchema = sql.NullString{String: string(tool.ParametersSchema), Valid: true}
	}
	if tool.ReturnsSchema != nil {
		returnsSchema = sql.NullString{String: string(tool.ReturnsSchema), Valid: true}
	}
	if tool.ExecutionConfig != nil {
		execConfig = sql.NullString{String: string(tool.ExecutionConfig), Valid: true}
	}
	if tool.Idempotency != nil {
		encoded, err := json.Marshal(tool.Idempotency)
		if err != nil {
			return fmt.Errorf("encode idempotency spec: %w", err)
		}
		idempotency = sql.NullString{String: string(encoded), Valid: true}
	}
	routes := strings.Join(tool.EnabledFromRoutes, ",")
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tools (key, name, description, category, risk_level, confirmation_policy,
		                               parameters_schema, returns_schema, execution_type, execution_config,
		                               timeout_ms, rate_limit_per_min, idempotency, enabled, enabled_from_routes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tool.Key, tool.Name, tool.Description, tool.Category, tool.RiskLevel, tool.ConfirmationPolicy,
		paramsSchema, returnsSchema, tool.ExecutionType, execConfig,
		tool.TimeoutMS, tool.RateLimitPerMin, idempotency, tool.Enabled, routes)
	return err
}

// GetTool retrieves a tool by key.
func (s *SQLiteStore) GetTool(ctx context.Context, key string) (*domain.Tool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, name, description, category, risk_level, confirmation_policy,
		        parameters_schema, returns_schema, execution_type, execution_config,
		        timeout_ms, rate_limit_per_min, idempotency, enabled, enabled_from_routes
		 FROM tools WHERE key = ?`, key)
	tool, err := scanTool(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tool, nil
}

// ListTools lists the tool catalog.
func (s *SQLiteStore) ListTools(ctx context.Context, enabledOnly bool) ([]domain.Tool, error) {
	query := `SELECT key, name, description, category, risk_level, confirmation_policy,
	                 parameters_schema, returns_schema, execution_type, execution_config,
	                 timeout_ms, rate_limit_per_min, idempotency, enabled, enabled_from_routes
	          FROM tools`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tools []domain.Tool
	for rows.Next() {
		tool, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		tools = append(tools, *tool)
	}
	return tools, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTool(row rowScanner) (*domain.Tool, error) {
	var tool domain.Tool
	var category, paramsSchema, returnsSchema, execConfig, idempotency, routes sql.NullString
	if err := row.Scan(&tool.Key, &tool.Name, &tool.Description, &category, &tool.RiskLevel, &tool.ConfirmationPolicy,
		&paramsSchema, &returnsSchema, &tool.ExecutionType, &execConfig,
		&tool.TimeoutMS, &tool.RateLimitPerMin, &idempotency, &tool.Enabled, &routes); err != nil {
		return nil, err
	}
	if idempotency.Valid && idempotency.String != "" {
		var spec domain.IdempotencySpec
		if err := json.Unmarshal([]byte(idempotency.String), &spec); err != nil {
			return nil, fmt.Errorf("decode idempotency spec: %w", err)
		}
		tool.Idempotency = &spec
	}
	if category.Valid {
		tool.Category = category.String
	}
	if paramsSchema.Valid && paramsSchema.String != "" {
		tool.ParametersSchema = json.RawMessage(paramsSchema.String)
	}
	if returnsSchema.Valid && returnsSchema.String != "" {
		tool.ReturnsSchema = json.RawMessage(returnsSchema.String)
	}
	if execConfig.Valid && execConfig.String != "" {
		tool.ExecutionConfig = json.RawMessage(execConfig.String)
	}
	if routes.Valid && routes.String != "" {
		tool.EnabledFromRoutes = strings.Split(routes.String, ",")
	}
	return &tool, nil
}
