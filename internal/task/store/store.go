// Package store provides SQL-backed persistence for tasks, follow-up
// messages, and connectors.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kiln-dev/kiln/internal/task/models"
)

// Common errors
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrConnectorNotFound = errors.New("connector not found")
	ErrBranchTaken       = errors.New("branch name already in use for this user")
)

// Store is the persistence interface consumed by admission, the executor,
// the rate limiter, and the log sink.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, userID string) ([]*models.Task, error)
	SoftDeleteTask(ctx context.Context, id string) error

	// Status and progress. All writers except MarkStopped belong to the
	// executor owning the task's event.
	//
	// BeginProcessing flips pending -> processing and returns false if the
	// task was not pending (already claimed, terminal, or cancelled).
	BeginProcessing(ctx context.Context, id string) (bool, error)
	// SetTerminal writes a terminal status. It refuses to overwrite an
	// existing terminal status and reports whether the write happened.
	SetTerminal(ctx context.Context, id string, status models.Status, progress int) (bool, error)
	// MarkStopped is the cancellation path's only status write.
	MarkStopped(ctx context.Context, id string) (bool, error)
	// UpdateProgress raises progress while processing; it never lowers it.
	UpdateProgress(ctx context.Context, id string, progress int) error
	// SetBranchNameIfNull is the synthesizer/executor rendezvous: a
	// compare-and-set that only fills an empty branch name. Reports whether
	// the write happened.
	SetBranchNameIfNull(ctx context.Context, id, branchName string) (bool, error)
	ResetForFollowUp(ctx context.Context, id string) error

	SetSandboxURL(ctx context.Context, id, url string) error
	SetPR(ctx context.Context, id string, prNumber int, prURL string) error
	SetSubAgentTelemetry(ctx context.Context, id, subAgent, activity string) error

	// Logs
	AppendLogs(ctx context.Context, id string, entries []models.LogEntry) error
	GetLogs(ctx context.Context, id string) ([]models.LogEntry, error)

	// Rate limit window
	CountActiveSince(ctx context.Context, userID string, since time.Time) (int, error)
	OldestActiveSince(ctx context.Context, userID string, since time.Time) (*time.Time, error)

	// Follow-up messages
	AppendMessage(ctx context.Context, msg *models.TaskMessage) error
	ListMessages(ctx context.Context, taskID string) ([]*models.TaskMessage, error)

	// Connectors
	CreateConnector(ctx context.Context, c *models.Connector) error
	GetConnector(ctx context.Context, id string) (*models.Connector, error)
	ListConnectors(ctx context.Context, userID string, ids []string) ([]*models.Connector, error)

	Close() error
}
