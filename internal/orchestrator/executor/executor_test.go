package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-dev/kiln/internal/common/config"
	"github.com/kiln-dev/kiln/internal/common/logger"
	"github.com/kiln-dev/kiln/internal/db"
	"github.com/kiln-dev/kiln/internal/events"
	"github.com/kiln-dev/kiln/internal/githost"
	"github.com/kiln-dev/kiln/internal/logsink"
	"github.com/kiln-dev/kiln/internal/sandbox"
	"github.com/kiln-dev/kiln/internal/task/models"
	"github.com/kiln-dev/kiln/internal/task/store"
)

const testHostToken = "ghp_AAAA1111"

// scriptedProvider fakes a sandbox back-end. Commands succeed unless a rule
// says otherwise; file probes fail by default (empty repository).
type scriptedProvider struct {
	mu        sync.Mutex
	calls     [][]string
	destroyed int
	rules     []execRule
}

type execRule struct {
	match func(cmd []string) bool
	run   func(ctx context.Context, spec sandbox.ExecSpec) (*sandbox.ExecResult, error)
}

func (f *scriptedProvider) Type() models.ProviderType { return models.ProviderDocker }

func (f *scriptedProvider) Create(_ context.Context, spec sandbox.CreateSpec) (*sandbox.Handle, error) {
	return &sandbox.Handle{
		TaskID:   spec.TaskID,
		Provider: models.ProviderDocker,
		Ref:      "box-" + spec.TaskID,
	}, nil
}

func (f *scriptedProvider) Exec(ctx context.Context, _ *sandbox.Handle, spec sandbox.ExecSpec) (*sandbox.ExecResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, spec.Command)
	rules := f.rules
	f.mu.Unlock()

	for _, rule := range rules {
		if rule.match(spec.Command) {
			return rule.run(ctx, spec)
		}
	}
	if len(spec.Command) > 0 && spec.Command[0] == "test" {
		return &sandbox.ExecResult{ExitCode: 1}, nil
	}
	// A dirty index by default, so commit and push run.
	if isGit(spec.Command, "diff") {
		return &sandbox.ExecResult{ExitCode: 1}, nil
	}
	return &sandbox.ExecResult{ExitCode: 0}, nil
}

func (f *scriptedProvider) List(context.Context) ([]*sandbox.Handle, error) { return nil, nil }

func (f *scriptedProvider) Destroy(context.Context, *sandbox.Handle) error {
	f.mu.Lock()
	f.destroyed++
	f.mu.Unlock()
	return nil
}

func (f *scriptedProvider) destroyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

func (f *scriptedProvider) commandLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

func isGit(cmd []string, sub string) bool {
	return len(cmd) >= 2 && cmd[0] == "git" && cmd[1] == sub
}

type fakeCreds struct{}

func (fakeCreds) ResolveAgentKey(context.Context, string, models.Agent) (string, string, error) {
	return "ANTHROPIC_API_KEY", "sk-ant-test-key-123", nil
}

func (fakeCreds) ResolveHostToken(context.Context, string) (string, error) {
	return testHostToken, nil
}

func (fakeCreds) OpenEnv(string) (map[string]string, error) {
	return map[string]string{}, nil
}

type fakeHost struct {
	pr  *githost.PR
	err error
}

func (f *fakeHost) EnsurePR(context.Context, githost.Repo, string, string, string) (*githost.PR, error) {
	return f.pr, f.err
}

type harness struct {
	store    *store.SQLStore
	provider *scriptedProvider
	exec     *Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	path := filepath.Join(t.TempDir(), "exec_test.db")
	writer, err := db.OpenSQLite(path)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(path)
	require.NoError(t, err)
	pool := db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	t.Cleanup(func() { _ = pool.Close() })

	st, err := store.New(pool)
	require.NoError(t, err)

	provider := &scriptedProvider{}
	registry := sandbox.NewRegistry(provider)
	sink := logsink.New(st, nil, logger.Default())

	exec := New(st, fakeCreds{}, registry, sink, nil,
		config.SandboxConfig{MaxDurationMinutes: 30, Runtime: "node22", VCPUs: 4},
		config.GitConfig{CommitterName: "Kiln Agent", CommitterEmail: "agent@kiln.dev"},
		config.MCPConfig{},
		logger.Default())
	exec.newHostClient = func(string) HostAPI {
		return &fakeHost{err: githost.ErrNotSupported}
	}

	return &harness{store: st, provider: provider, exec: exec}
}

func (h *harness) createTask(t *testing.T, mutate func(*models.Task)) *models.Task {
	t.Helper()
	task := &models.Task{
		UserID:              "u1",
		Prompt:              "Add a README section titled 'Installation'",
		RepoURL:             "https://github.com/acme/widgets",
		SelectedAgent:       models.AgentClaude,
		SandboxProvider:     models.ProviderDocker,
		Status:              models.StatusPending,
		MaxDuration:         "30m",
		InstallDependencies: true,
	}
	if mutate != nil {
		mutate(task)
	}
	require.NoError(t, h.store.CreateTask(context.Background(), task))
	return task
}

func payloadFor(task *models.Task) events.TaskExecutePayload {
	return events.TaskExecutePayload{
		TaskID:              task.ID,
		UserID:              task.UserID,
		Prompt:              task.Prompt,
		RepoURL:             task.RepoURL,
		SelectedAgent:       string(task.SelectedAgent),
		SandboxProvider:     string(task.SandboxProvider),
		InstallDependencies: task.InstallDependencies,
		MaxDuration:         task.MaxDuration,
		KeepAlive:           task.KeepAlive,
		ExistingBranchName:  task.ExistingBranchName,
	}
}

func TestHappyPathNewBranch(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, nil)

	h.exec.Execute(context.Background(), payloadFor(task))

	got, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Regexp(t, `^agent/\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}-[a-z0-9]{6}$`, got.BranchName)
	assert.Equal(t, 1, h.provider.destroyCount())

	logs, err := h.store.GetLogs(context.Background(), task.ID)
	require.NoError(t, err)
	var sawPush, sawSuccess bool
	for _, l := range logs {
		if l.Type == models.LogCommand && strings.Contains(l.Message, "git push") {
			sawPush = true
		}
		if l.Type == models.LogSuccess {
			sawSuccess = true
		}
	}
	assert.True(t, sawPush, "transcript must show the push command")
	assert.True(t, sawSuccess, "transcript must contain a success entry")

	cmds := strings.Join(h.provider.commandLog(), "\n")
	assert.Contains(t, cmds, "git push -u origin "+got.BranchName)
	assert.Contains(t, cmds, "@anthropic-ai/claude-code")
}

func TestSynthesizedBranchWinsWhenPresent(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, nil)
	_, err := h.store.SetBranchNameIfNull(context.Background(), task.ID, "feature/readme-install-abc123")
	require.NoError(t, err)

	h.exec.Execute(context.Background(), payloadFor(task))

	got, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "feature/readme-install-abc123", got.BranchName)
	assert.Contains(t, strings.Join(h.provider.commandLog(), "\n"),
		"git push -u origin feature/readme-install-abc123")
}

func TestCancellationDuringAgentRun(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, func(tk *models.Task) { tk.InstallDependencies = false })

	// The agent command hangs until its context is cancelled, like a real
	// long-running agent would.
	h.provider.rules = []execRule{{
		match: func(cmd []string) bool { return len(cmd) > 0 && cmd[0] == "npx" },
		run: func(ctx context.Context, spec sandbox.ExecSpec) (*sandbox.ExecResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}

	go func() {
		time.Sleep(200 * time.Millisecond)
		_, _ = h.store.MarkStopped(context.Background(), task.ID)
	}()

	h.exec.Execute(context.Background(), payloadFor(task))

	got, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, got.Status)
	assert.Less(t, got.Progress, 100)
	assert.Equal(t, 1, h.provider.destroyCount())
	assert.NotContains(t, strings.Join(h.provider.commandLog(), "\n"), "git push")

	logs, err := h.store.GetLogs(context.Background(), task.ID)
	require.NoError(t, err)
	var sawCancelled bool
	for _, l := range logs {
		if l.Type == models.LogInfo && strings.Contains(strings.ToLower(l.Message), "cancelled") {
			sawCancelled = true
		}
	}
	assert.True(t, sawCancelled)
}

func TestAgentNonZeroExit(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, func(tk *models.Task) { tk.InstallDependencies = false })

	h.provider.rules = []execRule{{
		match: func(cmd []string) bool { return len(cmd) > 0 && cmd[0] == "npx" },
		run: func(_ context.Context, spec sandbox.ExecSpec) (*sandbox.ExecResult, error) {
			spec.OnLine("hello")
			spec.OnLine("world")
			return &sandbox.ExecResult{ExitCode: 2}, nil
		},
	}}

	h.exec.Execute(context.Background(), payloadFor(task))

	got, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Status)
	assert.Equal(t, 1, h.provider.destroyCount())
	assert.NotContains(t, strings.Join(h.provider.commandLog(), "\n"), "git push")

	logs, err := h.store.GetLogs(context.Background(), task.ID)
	require.NoError(t, err)
	var agentLines []string
	var sawError bool
	for _, l := range logs {
		if l.Message == "hello" || l.Message == "world" {
			agentLines = append(agentLines, l.Message)
		}
		if l.Type == models.LogError {
			sawError = true
			assert.Contains(t, l.Message, "exited with code 2")
		}
	}
	assert.Equal(t, []string{"hello", "world"}, agentLines)
	assert.True(t, sawError)
}

func TestCredentialLeakPrevention(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, func(tk *models.Task) { tk.InstallDependencies = false })

	h.provider.rules = []execRule{{
		match: func(cmd []string) bool { return len(cmd) > 0 && cmd[0] == "npx" },
		run: func(_ context.Context, spec sandbox.ExecSpec) (*sandbox.ExecResult, error) {
			spec.OnLine("token is " + testHostToken)
			return &sandbox.ExecResult{ExitCode: 0}, nil
		},
	}}

	h.exec.Execute(context.Background(), payloadFor(task))

	logs, err := h.store.GetLogs(context.Background(), task.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	var sawMarker bool
	for _, l := range logs {
		assert.NotContains(t, l.Message, testHostToken)
		assert.NotContains(t, l.Message, "sk-ant-test-key-123")
		if strings.Contains(l.Message, "[REDACTED]") {
			sawMarker = true
		}
	}
	assert.True(t, sawMarker, "echoed token must be replaced with the marker")
}

func TestNoChangesCompletesWithoutPush(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, func(tk *models.Task) {
		tk.Prompt = "please review the code but make no edits"
		tk.InstallDependencies = false
	})

	h.provider.rules = []execRule{{
		match: func(cmd []string) bool { return isGit(cmd, "diff") },
		run: func(context.Context, sandbox.ExecSpec) (*sandbox.ExecResult, error) {
			return &sandbox.ExecResult{ExitCode: 0}, nil // clean index
		},
	}}

	h.exec.Execute(context.Background(), payloadFor(task))

	got, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Nil(t, got.PRNumber)
	assert.Empty(t, got.PRURL)
	assert.NotContains(t, strings.Join(h.provider.commandLog(), "\n"), "git push")

	logs, err := h.store.GetLogs(context.Background(), task.ID)
	require.NoError(t, err)
	var sawNote bool
	for _, l := range logs {
		if l.Type == models.LogSuccess && strings.Contains(l.Message, "no changes") {
			sawNote = true
		}
	}
	assert.True(t, sawNote)
}

func TestExistingBranchContinuation(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, func(tk *models.Task) {
		tk.ExistingBranchName = "feature/login-A1B2C3"
		tk.InstallDependencies = false
	})

	h.exec.Execute(context.Background(), payloadFor(task))

	got, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "feature/login-A1B2C3", got.BranchName,
		"continued branch must be recorded on the task row")

	cmds := h.provider.commandLog()
	joined := strings.Join(cmds, "\n")
	assert.Contains(t, joined, "git checkout feature/login-A1B2C3")
	assert.Contains(t, joined, "git pull origin feature/login-A1B2C3")
	assert.Contains(t, joined, "git push -u origin feature/login-A1B2C3")

	// The checkout happens before the agent command.
	var checkoutIdx, agentIdx int
	for i, c := range cmds {
		if strings.HasPrefix(c, "git checkout feature/login") {
			checkoutIdx = i
		}
		if strings.HasPrefix(c, "npx") {
			agentIdx = i
		}
	}
	assert.Less(t, checkoutIdx, agentIdx)
}

func TestCheckoutFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, func(tk *models.Task) {
		tk.ExistingBranchName = "feature/gone"
		tk.InstallDependencies = false
	})

	h.provider.rules = []execRule{{
		match: func(cmd []string) bool { return isGit(cmd, "checkout") },
		run: func(context.Context, sandbox.ExecSpec) (*sandbox.ExecResult, error) {
			return &sandbox.ExecResult{ExitCode: 1, Stderr: "pathspec 'feature/gone' did not match"}, nil
		},
	}}

	h.exec.Execute(context.Background(), payloadFor(task))

	got, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Status)
	assert.Equal(t, 1, h.provider.destroyCount())
}

func TestKeepAliveSkipsDestroy(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, func(tk *models.Task) {
		tk.KeepAlive = true
		tk.InstallDependencies = false
	})

	h.exec.Execute(context.Background(), payloadFor(task))

	got, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 0, h.provider.destroyCount())
}

func TestDuplicateEventRunsOnce(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, func(tk *models.Task) { tk.InstallDependencies = false })

	h.exec.Execute(context.Background(), payloadFor(task))
	pushesAfterFirst := countPushes(h.provider.commandLog())

	// Re-emission of the same event must not run the pipeline again.
	h.exec.Execute(context.Background(), payloadFor(task))
	assert.Equal(t, pushesAfterFirst, countPushes(h.provider.commandLog()))
}

func TestPRLinkageStored(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, func(tk *models.Task) { tk.InstallDependencies = false })
	h.exec.newHostClient = func(string) HostAPI {
		return &fakeHost{pr: &githost.PR{Number: 42, URL: "https://github.com/acme/widgets/pull/42"}}
	}

	h.exec.Execute(context.Background(), payloadFor(task))

	got, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PRNumber)
	assert.Equal(t, 42, *got.PRNumber)
	assert.Equal(t, "https://github.com/acme/widgets/pull/42", got.PRURL)
}

func TestSandboxCreateFailure(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, nil)

	failing := &failingCreateProvider{}
	registry := sandbox.NewRegistry(failing)
	h.exec.registry = registry

	h.exec.Execute(context.Background(), payloadFor(task))

	got, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Status)
}

type failingCreateProvider struct{}

func (failingCreateProvider) Type() models.ProviderType { return models.ProviderDocker }
func (failingCreateProvider) Create(context.Context, sandbox.CreateSpec) (*sandbox.Handle, error) {
	return nil, errors.New("quota exceeded")
}
func (failingCreateProvider) Exec(context.Context, *sandbox.Handle, sandbox.ExecSpec) (*sandbox.ExecResult, error) {
	return nil, fmt.Errorf("no sandbox")
}
func (failingCreateProvider) List(context.Context) ([]*sandbox.Handle, error) { return nil, nil }
func (failingCreateProvider) Destroy(context.Context, *sandbox.Handle) error  { return nil }

func countPushes(cmds []string) int {
	n := 0
	for _, c := range cmds {
		if strings.HasPrefix(c, "git push") {
			n++
		}
	}
	return n
}
