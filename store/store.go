// Package store defines the storage interface and implementations.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/xiaot623/assist/domain"
)

// Store defines the interface for data persistence.
type Store interface {
	// Run operations
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error
	UpdateRunPendingCall(ctx context.Context, runID string, pending []byte, expiresAt time.Time) error
	ClearRunPendingCall(ctx context.Context, runID string) error
	UpdateRunProgress(ctx context.Context, runID string, iterations, tokensIn, tokensOut int) error
	UpdateRunCompleted(ctx context.Context, runID string, status domain.RunStatus, answer, errMsg string) error
	ListRunsByUser(ctx context.Context, userID string, limit int) ([]domain.Run, error)

	// Message operations
	CreateMessage(ctx context.Context, message *domain.Message) error
	GetMessages(ctx context.Context, runID string, limit int) ([]domain.Message, error)

	// Invocation operations
	CreateInvocation(ctx context.Context, inv *domain.Invocation) error
	GetInvocations(ctx context.Context, runID string) ([]domain.Invocation, error)
	CountInvocationsSince(ctx context.Context, userID, toolKey string, since time.Time) (int, error)

	// Tool catalog operations
	UpsertTool(ctx context.Context, tool *domain.Tool) error
	GetTool(ctx context.Context, key string) (*domain.Tool, error)
	ListTools(ctx context.Context, enabledOnly bool) ([]domain.Tool, error)

	// DB exposes the underlying handle for constrained read-only queries.
	DB() *sql.DB

	// Lifecycle
	Close() error
}
