package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-dev/kiln/internal/db"
	"github.com/kiln-dev/kiln/internal/task/models"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "kiln_test.db")
	writer, err := db.OpenSQLite(path)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(path)
	require.NoError(t, err)

	pool := db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	t.Cleanup(func() { _ = pool.Close() })

	s, err := New(pool)
	require.NoError(t, err)
	return s
}

func newTestTask(userID string) *models.Task {
	return &models.Task{
		UserID:              userID,
		Prompt:              "add retry logic to the fetch helper",
		RepoURL:             "https://github.com/acme/widgets",
		SelectedAgent:       models.AgentClaude,
		SandboxProvider:     models.ProviderDocker,
		Status:              models.StatusPending,
		MaxDuration:         "30m",
		InstallDependencies: true,
	}
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("user-1")
	task.MCPServerIDs = []string{"conn-a", "conn-b"}
	require.NoError(t, s.CreateTask(ctx, task))
	require.NotEmpty(t, task.ID)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.UserID, got.UserID)
	assert.Equal(t, task.Prompt, got.Prompt)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.Empty(t, got.BranchName)
	assert.Equal(t, []string{"conn-a", "conn-b"}, got.MCPServerIDs)
	assert.True(t, got.InstallDependencies)
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTask(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestBeginProcessingClaimsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("user-1")
	require.NoError(t, s.CreateTask(ctx, task))

	claimed, err := s.BeginProcessing(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	// Second claim on the same task must lose.
	claimed, err = s.BeginProcessing(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Equal(t, 5, got.Progress)
}

func TestSetTerminalRefusesOverwrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("user-1")
	require.NoError(t, s.CreateTask(ctx, task))
	_, err := s.BeginProcessing(ctx, task.ID)
	require.NoError(t, err)

	wrote, err := s.SetTerminal(ctx, task.ID, models.StatusCompleted, 100)
	require.NoError(t, err)
	assert.True(t, wrote)

	// A late error result must not clobber the completed status.
	wrote, err = s.SetTerminal(ctx, task.ID, models.StatusError, -1)
	require.NoError(t, err)
	assert.False(t, wrote)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
}

func TestMarkStoppedOnlyBeforeTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("user-1")
	require.NoError(t, s.CreateTask(ctx, task))

	stopped, err := s.MarkStopped(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, stopped)

	stopped, err = s.MarkStopped(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestUpdateProgressMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("user-1")
	require.NoError(t, s.CreateTask(ctx, task))
	_, err := s.BeginProcessing(ctx, task.ID)
	require.NoError(t, err)

	require.NoError(t, s.UpdateProgress(ctx, task.ID, 40))
	require.NoError(t, s.UpdateProgress(ctx, task.ID, 30))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)

	// After a terminal write, progress updates are ignored.
	_, err = s.SetTerminal(ctx, task.ID, models.StatusCompleted, 100)
	require.NoError(t, err)
	require.NoError(t, s.UpdateProgress(ctx, task.ID, 50))
	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
}

func TestSetBranchNameIfNull(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("user-1")
	require.NoError(t, s.CreateTask(ctx, task))

	set, err := s.SetBranchNameIfNull(ctx, task.ID, "feature/retry-logic-a1b2c3")
	require.NoError(t, err)
	assert.True(t, set)

	// The loser of the rendezvous leaves the stored name alone.
	set, err = s.SetBranchNameIfNull(ctx, task.ID, "agent/2026-08-24T10-00-00-zzzzzz")
	require.NoError(t, err)
	assert.False(t, set)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "feature/retry-logic-a1b2c3", got.BranchName)
}

func TestBranchNameUniquePerUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := newTestTask("user-1")
	require.NoError(t, s.CreateTask(ctx, first))
	_, err := s.SetBranchNameIfNull(ctx, first.ID, "fix/flaky-test-111111")
	require.NoError(t, err)

	second := newTestTask("user-1")
	require.NoError(t, s.CreateTask(ctx, second))
	_, err = s.SetBranchNameIfNull(ctx, second.ID, "fix/flaky-test-111111")
	assert.ErrorIs(t, err, ErrBranchTaken)

	// A different user may reuse the name.
	other := newTestTask("user-2")
	require.NoError(t, s.CreateTask(ctx, other))
	set, err := s.SetBranchNameIfNull(ctx, other.ID, "fix/flaky-test-111111")
	require.NoError(t, err)
	assert.True(t, set)
}

func TestResetForFollowUp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("user-1")
	require.NoError(t, s.CreateTask(ctx, task))
	_, err := s.BeginProcessing(ctx, task.ID)
	require.NoError(t, err)
	_, err = s.SetBranchNameIfNull(ctx, task.ID, "feature/one-off-abcdef")
	require.NoError(t, err)
	_, err = s.SetTerminal(ctx, task.ID, models.StatusCompleted, 100)
	require.NoError(t, err)

	require.NoError(t, s.ResetForFollowUp(ctx, task.ID))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.Equal(t, "feature/one-off-abcdef", got.BranchName)

	// Only terminal tasks can be reset.
	err = s.ResetForFollowUp(ctx, task.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestAppendAndGetLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("user-1")
	require.NoError(t, s.CreateTask(ctx, task))

	now := time.Now().UTC()
	require.NoError(t, s.AppendLogs(ctx, task.ID, []models.LogEntry{
		{Type: models.LogInfo, Message: "cloning repository", Timestamp: now},
		{Type: models.LogCommand, Message: "npm install", Timestamp: now},
	}))
	require.NoError(t, s.AppendLogs(ctx, task.ID, []models.LogEntry{
		{Type: models.LogSuccess, Message: "agent finished", Timestamp: now},
	}))

	logs, err := s.GetLogs(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "cloning repository", logs[0].Message)
	assert.Equal(t, models.LogCommand, logs[1].Type)
	assert.Equal(t, "agent finished", logs[2].Message)
}

func TestRowLockSuffixPerDriver(t *testing.T) {
	assert.Equal(t, "", rowLockSuffix("sqlite3"))
	assert.Equal(t, " FOR UPDATE", rowLockSuffix("pgx"))
}

func TestConcurrentAppendLogsLosesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("user-1")
	require.NoError(t, s.CreateTask(ctx, task))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_ = s.AppendLogs(ctx, task.ID, []models.LogEntry{
					{Type: models.LogInfo, Message: fmt.Sprintf("w%d-%d", n, j), Timestamp: time.Now().UTC()},
				})
			}
		}(i)
	}
	wg.Wait()

	logs, err := s.GetLogs(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 40)
}

func TestAppendLogsUnknownTask(t *testing.T) {
	s := newTestStore(t)

	err := s.AppendLogs(context.Background(), "nope", []models.LogEntry{
		{Type: models.LogInfo, Message: "hello", Timestamp: time.Now()},
	})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSoftDeleteExcludesFromListAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	kept := newTestTask("user-1")
	require.NoError(t, s.CreateTask(ctx, kept))
	dropped := newTestTask("user-1")
	require.NoError(t, s.CreateTask(ctx, dropped))

	require.NoError(t, s.SoftDeleteTask(ctx, dropped.ID))

	tasks, err := s.ListTasks(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, kept.ID, tasks[0].ID)

	count, err := s.CountActiveSince(ctx, "user-1", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	err = s.SoftDeleteTask(ctx, dropped.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRateWindowQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	since := time.Now().Add(-24 * time.Hour)

	count, err := s.CountActiveSince(ctx, "user-1", since)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	oldest, err := s.OldestActiveSince(ctx, "user-1", since)
	require.NoError(t, err)
	assert.Nil(t, oldest)

	first := newTestTask("user-1")
	require.NoError(t, s.CreateTask(ctx, first))
	time.Sleep(5 * time.Millisecond)
	second := newTestTask("user-1")
	require.NoError(t, s.CreateTask(ctx, second))

	count, err = s.CountActiveSince(ctx, "user-1", since)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	oldest, err = s.OldestActiveSince(ctx, "user-1", since)
	require.NoError(t, err)
	require.NotNil(t, oldest)
	assert.WithinDuration(t, first.CreatedAt, *oldest, time.Second)
}

func TestMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("user-1")
	require.NoError(t, s.CreateTask(ctx, task))

	require.NoError(t, s.AppendMessage(ctx, &models.TaskMessage{
		TaskID: task.ID, Role: models.RoleUser, Content: "also add tests",
	}))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.AppendMessage(ctx, &models.TaskMessage{
		TaskID: task.ID, Role: models.RoleAgent, Content: "done, pushed to the branch",
	}))

	msgs, err := s.ListMessages(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.RoleAgent, msgs[1].Role)
}

func TestConnectors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	local := &models.Connector{
		UserID:       "user-1",
		Name:         "issue tracker",
		Type:         models.ConnectorLocal,
		Command:      "npx -y tracker-mcp",
		EncryptedEnv: "ciphertext",
	}
	require.NoError(t, s.CreateConnector(ctx, local))
	remote := &models.Connector{
		UserID: "user-1",
		Name:   "docs search",
		Type:   models.ConnectorRemote,
		URL:    "https://mcp.example.com/docs",
	}
	require.NoError(t, s.CreateConnector(ctx, remote))

	got, err := s.GetConnector(ctx, local.ID)
	require.NoError(t, err)
	assert.Equal(t, "issue tracker", got.Name)
	assert.Equal(t, "ciphertext", got.EncryptedEnv)

	all, err := s.ListConnectors(ctx, "user-1", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	filtered, err := s.ListConnectors(ctx, "user-1", []string{remote.ID, "missing"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, remote.ID, filtered[0].ID)

	_, err = s.GetConnector(ctx, "missing")
	assert.True(t, errors.Is(err, ErrConnectorNotFound))
}

func TestSetSubAgentTelemetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("user-1")
	require.NoError(t, s.CreateTask(ctx, task))

	require.NoError(t, s.SetSubAgentTelemetry(ctx, task.ID, "planner", "reading repository layout"))
	require.NoError(t, s.SetSubAgentTelemetry(ctx, task.ID, "coder", "editing src/fetch.ts"))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "coder", got.CurrentSubAgent)
	require.Len(t, got.SubAgentActivity, 2)
	assert.Equal(t, "planner", got.SubAgentActivity[0].Name)
	require.NotNil(t, got.LastHeartbeat)
}
