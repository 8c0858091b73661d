// Package executor drives one task from pending to a terminal status. It
// owns every side effect: sandbox lifecycle, git operations, agent
// invocation, and the terminal status write.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kiln-dev/kiln/internal/branchname"
	"github.com/kiln-dev/kiln/internal/common/config"
	"github.com/kiln-dev/kiln/internal/common/logger"
	"github.com/kiln-dev/kiln/internal/events"
	"github.com/kiln-dev/kiln/internal/events/bus"
	"github.com/kiln-dev/kiln/internal/githost"
	"github.com/kiln-dev/kiln/internal/logsink"
	"github.com/kiln-dev/kiln/internal/redact"
	"github.com/kiln-dev/kiln/internal/sandbox"
	"github.com/kiln-dev/kiln/internal/task/models"
	"github.com/kiln-dev/kiln/internal/task/store"
)

// workDir is where the repository is cloned inside every sandbox.
const workDir = "/workspace/repo"

// cancelProbeInterval bounds how long a cancellation can go unnoticed while
// the agent is running.
const cancelProbeInterval = 500 * time.Millisecond

// Progress milestones. Values only move forward; the store enforces it.
const (
	progressCredentials = 10
	progressSandbox     = 30
	progressCloned      = 35
	progressDeps        = 40
	progressBranch      = 45
	progressAgentStart  = 50
	progressAgentDone   = 90
	progressPushed      = 95
	progressDone        = 100
)

// errCancelled short-circuits the pipeline when a probe observes stopped.
var errCancelled = errors.New("task cancelled")

// Credentials is the slice of the secrets service the executor reads.
// Plaintext values live in pipeline locals and never reach logs.
type Credentials interface {
	ResolveAgentKey(ctx context.Context, userID string, agent models.Agent) (envVar, value string, err error)
	ResolveHostToken(ctx context.Context, userID string) (string, error)
	OpenEnv(encrypted string) (map[string]string, error)
}

// HostAPI creates pull requests after a successful push.
type HostAPI interface {
	EnsurePR(ctx context.Context, repo githost.Repo, branch, title, body string) (*githost.PR, error)
}

// Executor runs the task pipeline.
type Executor struct {
	store      store.Store
	creds      Credentials
	registry   *sandbox.Registry
	sink       *logsink.Sink
	bus        bus.EventBus
	sandboxCfg config.SandboxConfig
	gitCfg     config.GitConfig
	mcpCfg     config.MCPConfig
	// newHostClient builds a host API client for the user's token.
	newHostClient func(token string) HostAPI
	log           *logger.Logger
}

// New creates an Executor. eventBus may be nil; status changes are then
// visible through the store only.
func New(st store.Store, creds Credentials, registry *sandbox.Registry, sink *logsink.Sink,
	eventBus bus.EventBus, sandboxCfg config.SandboxConfig, gitCfg config.GitConfig,
	mcpCfg config.MCPConfig, log *logger.Logger) *Executor {
	return &Executor{
		store:      st,
		creds:      creds,
		registry:   registry,
		sink:       sink,
		bus:        eventBus,
		sandboxCfg: sandboxCfg,
		gitCfg:     gitCfg,
		mcpCfg:     mcpCfg,
		newHostClient: func(token string) HostAPI {
			return githost.NewClient(token)
		},
		log: log,
	}
}

// run carries the per-task pipeline state.
type run struct {
	taskID     string
	payload    events.TaskExecutePayload
	handle     *sandbox.Handle
	provider   sandbox.Provider
	branch     string
	agentEnv   map[string]string
	connectors []connectorEnv
	// mcpConfigJSON is the rendered server map for agents that take it on
	// the command line; file-configured agents leave it empty.
	mcpConfigJSON string
	mcpWired      bool
	repo          githost.Repo
	cloneURL      string
	token         string
	log           *logger.Logger
}

// Execute processes one task.execute event. Re-emission of the same event is
// harmless: the pending->processing claim admits exactly one run.
func (e *Executor) Execute(ctx context.Context, p events.TaskExecutePayload) {
	log := e.log.WithTaskID(p.TaskID)

	task, err := e.store.GetTask(ctx, p.TaskID)
	if err != nil {
		log.WithError(err).Error("Failed to load task")
		return
	}
	if task.Status != models.StatusPending {
		log.Debug("Task not pending, skipping", zap.String("status", string(task.Status)))
		return
	}
	claimed, err := e.store.BeginProcessing(ctx, p.TaskID)
	if err != nil {
		log.WithError(err).Error("Failed to claim task")
		return
	}
	if !claimed {
		log.Debug("Task claimed by another worker, skipping")
		return
	}
	e.publishStatus(ctx, p.TaskID, models.StatusProcessing, 5)

	r := &run{taskID: p.TaskID, payload: p, log: log}
	defer e.sink.Close(p.TaskID)

	err = e.pipeline(ctx, r)
	switch {
	case err == nil:
		// terminal write already done by the success path
	case errors.Is(err, errCancelled):
		e.finishStopped(r)
	default:
		e.finishError(r, err)
	}
}

func (e *Executor) pipeline(ctx context.Context, r *run) error {
	if err := e.resolveCredentials(ctx, r); err != nil {
		return err
	}
	if err := e.probe(ctx, r); err != nil {
		return err
	}

	e.decideBranch(ctx, r)
	if err := e.probe(ctx, r); err != nil {
		return err
	}

	if err := e.createSandbox(ctx, r); err != nil {
		return err
	}
	if err := e.probe(ctx, r); err != nil {
		return err
	}

	if err := e.cloneRepo(ctx, r); err != nil {
		return err
	}
	if err := e.probe(ctx, r); err != nil {
		return err
	}

	if r.payload.InstallDependencies {
		e.installDependencies(ctx, r)
		if err := e.probe(ctx, r); err != nil {
			return err
		}
	}
	e.progress(ctx, r, progressDeps)

	if err := e.configureGit(ctx, r); err != nil {
		return err
	}
	if err := e.checkoutBranch(ctx, r); err != nil {
		return err
	}
	e.progress(ctx, r, progressBranch)
	if err := e.probe(ctx, r); err != nil {
		return err
	}

	e.setupMCP(ctx, r)

	if err := e.runAgent(ctx, r); err != nil {
		return err
	}
	if err := e.probe(ctx, r); err != nil {
		return err
	}

	pushed, err := e.commitAndPush(ctx, r)
	if err != nil {
		return err
	}
	if pushed {
		e.linkPullRequest(ctx, r)
	}

	e.finishCompleted(ctx, r)
	return nil
}

// probe re-reads the task status at a stage boundary. Cancellation is the
// only out-of-band writer, and stopped is the only value it writes.
func (e *Executor) probe(ctx context.Context, r *run) error {
	task, err := e.store.GetTask(ctx, r.taskID)
	if err != nil {
		return nil // transient read failure is not a cancellation
	}
	if task.Status == models.StatusStopped {
		return errCancelled
	}
	return nil
}

func (e *Executor) progress(ctx context.Context, r *run, pct int) {
	if err := e.store.UpdateProgress(ctx, r.taskID, pct); err != nil {
		r.log.WithError(err).Debug("Failed to update progress")
		return
	}
	e.publishStatus(ctx, r.taskID, models.StatusProcessing, pct)
}

// publishStatus mirrors a status write on the bus for live subscribers.
func (e *Executor) publishStatus(ctx context.Context, taskID string, status models.Status, progress int) {
	if e.bus == nil {
		return
	}
	payload := events.TaskStatusPayload{TaskID: taskID, Status: string(status), Progress: progress}
	event := bus.NewEvent(events.TaskStatusChanged, "executor", events.EncodePayload(payload))
	if err := e.bus.Publish(ctx, events.TaskStatusChanged, event); err != nil {
		e.log.WithTaskID(taskID).WithError(err).Debug("Failed to publish status change")
	}
}

// resolveCredentials fetches the agent key, host token, and connector env,
// and seeds the redactor with every plaintext value before anything is
// logged.
func (e *Executor) resolveCredentials(ctx context.Context, r *run) error {
	agent := models.Agent(r.payload.SelectedAgent)

	envVar, key, err := e.creds.ResolveAgentKey(ctx, r.payload.UserID, agent)
	if err != nil {
		return fmt.Errorf("agent credentials: %w", err)
	}
	token, err := e.creds.ResolveHostToken(ctx, r.payload.UserID)
	if err != nil {
		return fmt.Errorf("host credentials: %w", err)
	}
	r.token = token

	r.agentEnv = map[string]string{envVar: key, "KILN_TASK_ID": r.taskID}
	secretValues := []string{key, token}

	if len(r.payload.MCPServerIDs) > 0 {
		connectors, err := e.store.ListConnectors(ctx, r.payload.UserID, r.payload.MCPServerIDs)
		if err != nil {
			return fmt.Errorf("load connectors: %w", err)
		}
		for _, c := range connectors {
			env, err := e.creds.OpenEnv(c.EncryptedEnv)
			if err != nil {
				r.log.Warn("Skipping connector with unreadable env", zap.String("connector", c.Name))
				continue
			}
			for k, v := range env {
				r.agentEnv[k] = v
				secretValues = append(secretValues, v)
			}
			r.connectors = append(r.connectors, connectorEnv{def: c, env: env})
		}
	}

	e.sink.Attach(r.taskID, redact.New(secretValues...))

	repo, err := githost.ParseRepoURL(r.payload.RepoURL)
	if err != nil {
		return err
	}
	r.repo = repo
	r.cloneURL, err = githost.BuildCloneURL(r.payload.RepoURL, token)
	if err != nil {
		return err
	}

	e.progress(ctx, r, progressCredentials)
	return nil
}

// decideBranch reads the branch name exactly once. If the synthesizer has
// not delivered yet, the timestamp fallback is written through the same
// compare-and-set; whichever value is stored now is the branch that ships.
func (e *Executor) decideBranch(ctx context.Context, r *run) {
	if r.payload.ExistingBranchName != "" {
		r.branch = r.payload.ExistingBranchName
		// Record it on the row too: every task that leaves pending carries
		// its branch, follow-ups included.
		if _, err := e.store.SetBranchNameIfNull(ctx, r.taskID, r.branch); err != nil {
			r.log.WithError(err).Warn("Branch name write failed")
		}
		return
	}

	fallback := branchname.Fallback()
	if _, err := e.store.SetBranchNameIfNull(ctx, r.taskID, fallback); err != nil {
		r.log.WithError(err).Warn("Branch name fallback write failed")
	}
	task, err := e.store.GetTask(ctx, r.taskID)
	if err != nil || task.BranchName == "" {
		r.branch = fallback
		return
	}
	r.branch = task.BranchName
}

func (e *Executor) createSandbox(ctx context.Context, r *run) error {
	providerType := models.ProviderType(r.payload.SandboxProvider)
	provider, err := e.registry.Provider(providerType)
	if err != nil {
		return err
	}
	r.provider = provider

	e.sink.Info(r.taskID, fmt.Sprintf("Creating %s sandbox", providerType))

	handle, err := provider.Create(ctx, sandbox.CreateSpec{
		TaskID:  r.taskID,
		Runtime: e.sandboxCfg.Runtime,
		VCPUs:   e.sandboxCfg.VCPUs,
		Timeout: e.taskTimeout(r),
	})
	if err != nil {
		return fmt.Errorf("sandbox create: %w", err)
	}
	r.handle = handle
	e.registry.Track(handle)

	if handle.Domain != "" {
		if err := e.store.SetSandboxURL(ctx, r.taskID, handle.Domain); err != nil {
			r.log.WithError(err).Debug("Failed to store sandbox URL")
		}
	}
	e.progress(ctx, r, progressSandbox)
	return nil
}

// taskTimeout is min(task.maxDuration, provider ceiling).
func (e *Executor) taskTimeout(r *run) time.Duration {
	ceiling := time.Duration(e.sandboxCfg.MaxDurationMinutes) * time.Minute
	d, err := time.ParseDuration(r.payload.MaxDuration)
	if err != nil || d <= 0 || d > ceiling {
		return ceiling
	}
	return d
}

func (e *Executor) cloneRepo(ctx context.Context, r *run) error {
	e.sink.Command(r.taskID, "git clone "+r.payload.RepoURL)

	cloneArgs := []string{"git", "clone"}
	if r.payload.ExistingBranchName == "" {
		cloneArgs = append(cloneArgs, "--depth", "50")
	}
	cloneArgs = append(cloneArgs, r.cloneURL, workDir)

	result, err := r.provider.Exec(ctx, r.handle, sandbox.ExecSpec{Command: cloneArgs})
	if err != nil {
		return fmt.Errorf("git clone: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("git clone failed: %s", firstLine(result.Stderr))
	}
	e.progress(ctx, r, progressCloned)
	return nil
}

// installDependencies detects the project type and installs. Failures are
// warnings; the agent may still succeed without dependencies.
func (e *Executor) installDependencies(ctx context.Context, r *run) {
	switch {
	case e.fileExists(ctx, r, "package.json"):
		e.installNode(ctx, r)
	case e.fileExists(ctx, r, "requirements.txt"), e.fileExists(ctx, r, "pyproject.toml"):
		e.installPython(ctx, r)
	default:
		e.sink.Info(r.taskID, "No dependency manifest found, skipping install")
	}
}

func (e *Executor) installNode(ctx context.Context, r *run) {
	// Lockfile precedence: pnpm > yarn > npm; npm is the fallback when the
	// preferred manager is missing or fails.
	manager := "npm"
	switch {
	case e.fileExists(ctx, r, "pnpm-lock.yaml"):
		manager = "pnpm"
	case e.fileExists(ctx, r, "yarn.lock"):
		manager = "yarn"
	}

	if e.runLogged(ctx, r, []string{manager, "install"}) {
		return
	}
	if manager != "npm" {
		e.sink.Info(r.taskID, manager+" install failed, retrying with npm")
		if e.runLogged(ctx, r, []string{"npm", "install"}) {
			return
		}
	}
	e.sink.Info(r.taskID, "Dependency install failed, continuing without dependencies")
}

func (e *Executor) installPython(ctx context.Context, r *run) {
	// Bootstrap pip when absent; ensurepip is idempotent.
	if result, err := r.provider.Exec(ctx, r.handle, sandbox.ExecSpec{
		WorkDir: workDir,
		Command: []string{"python3", "-m", "pip", "--version"},
	}); err != nil || result.ExitCode != 0 {
		e.runLogged(ctx, r, []string{"python3", "-m", "ensurepip", "--upgrade"})
	}

	cmd := []string{"python3", "-m", "pip", "install", "-r", "requirements.txt"}
	if !e.fileExists(ctx, r, "requirements.txt") {
		cmd = []string{"python3", "-m", "pip", "install", "."}
	}
	if !e.runLogged(ctx, r, cmd) {
		e.sink.Info(r.taskID, "Dependency install failed, continuing without dependencies")
	}
}

func (e *Executor) fileExists(ctx context.Context, r *run, name string) bool {
	result, err := r.provider.Exec(ctx, r.handle, sandbox.ExecSpec{
		WorkDir: workDir,
		Command: []string{"test", "-f", name},
	})
	return err == nil && result.ExitCode == 0
}

// runLogged echoes the command, streams its output into the transcript, and
// reports whether it exited zero.
func (e *Executor) runLogged(ctx context.Context, r *run, cmd []string) bool {
	e.sink.Command(r.taskID, strings.Join(cmd, " "))
	result, err := r.provider.Exec(ctx, r.handle, sandbox.ExecSpec{
		WorkDir: workDir,
		Command: cmd,
		OnLine:  func(line string) { e.sink.Info(r.taskID, line) },
	})
	if err != nil {
		e.sink.Error(r.taskID, fmt.Sprintf("%s: %v", cmd[0], err))
		return false
	}
	return result.ExitCode == 0
}

func (e *Executor) configureGit(ctx context.Context, r *run) error {
	steps := [][]string{
		{"git", "config", "user.name", e.gitCfg.CommitterName},
		{"git", "config", "user.email", e.gitCfg.CommitterEmail},
	}
	for _, cmd := range steps {
		result, err := r.provider.Exec(ctx, r.handle, sandbox.ExecSpec{WorkDir: workDir, Command: cmd})
		if err != nil {
			return fmt.Errorf("git config: %w", err)
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("git config failed: %s", firstLine(result.Stderr))
		}
	}
	return nil
}

// checkoutBranch applies the branch policy: continue an existing branch,
// adopt a pre-synthesized name wherever it already lives, or create fresh.
func (e *Executor) checkoutBranch(ctx context.Context, r *run) error {
	if r.payload.ExistingBranchName != "" {
		e.sink.Command(r.taskID, "git checkout "+r.branch)
		if !e.gitOK(ctx, r, "checkout", r.branch) {
			return fmt.Errorf("failed to checkout branch %s", r.branch)
		}
		e.sink.Command(r.taskID, "git pull origin "+r.branch)
		if !e.gitOK(ctx, r, "pull", "origin", r.branch) {
			return fmt.Errorf("failed to pull branch %s", r.branch)
		}
		return nil
	}

	// Pre-determined name: local, then remote-tracking, then create.
	if e.gitOK(ctx, r, "checkout", r.branch) {
		e.sink.Command(r.taskID, "git checkout "+r.branch)
		return nil
	}
	if e.gitOK(ctx, r, "checkout", "--track", "origin/"+r.branch) {
		e.sink.Command(r.taskID, "git checkout --track origin/"+r.branch)
		return nil
	}
	e.sink.Command(r.taskID, "git checkout -b "+r.branch)
	if !e.gitOK(ctx, r, "checkout", "-b", r.branch) {
		return fmt.Errorf("failed to create branch %s", r.branch)
	}
	return nil
}

func (e *Executor) gitOK(ctx context.Context, r *run, args ...string) bool {
	cmd := append([]string{"git"}, args...)
	result, err := r.provider.Exec(ctx, r.handle, sandbox.ExecSpec{WorkDir: workDir, Command: cmd})
	return err == nil && result.ExitCode == 0
}

// runAgent blocks until the agent exits, the sandbox deadline fires, or a
// cancellation probe trips. Output streams into the transcript line by line.
func (e *Executor) runAgent(ctx context.Context, r *run) error {
	agent := models.Agent(r.payload.SelectedAgent)
	prompt := buildPrompt(r.payload.Prompt, r.payload.ConversationHistory)
	if r.mcpWired {
		prompt += telemetryHint(r.taskID)
	}

	cmd, err := buildAgentCommand(agent, r.payload.SelectedModel, prompt, r.mcpConfigJSON)
	if err != nil {
		return err
	}

	e.progress(ctx, r, progressAgentStart)
	e.sink.Info(r.taskID, fmt.Sprintf("Running %s agent", agent))

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !r.handle.Deadline.IsZero() {
		var cancelDeadline context.CancelFunc
		execCtx, cancelDeadline = context.WithDeadline(execCtx, r.handle.Deadline)
		defer cancelDeadline()
	}

	// Probe ticker: a cancel request must interrupt a long agent run, not
	// wait for it to finish.
	cancelled := false
	probeDone := make(chan struct{})
	go func() {
		defer close(probeDone)
		ticker := time.NewTicker(cancelProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-execCtx.Done():
				return
			case <-ticker.C:
				if e.probe(ctx, r) != nil {
					cancelled = true
					cancel()
					return
				}
			}
		}
	}()

	result, err := r.provider.Exec(execCtx, r.handle, sandbox.ExecSpec{
		WorkDir: workDir,
		Command: cmd,
		Env:     r.agentEnv,
		OnLine:  func(line string) { e.sink.Info(r.taskID, line) },
	})
	cancel()
	<-probeDone

	if cancelled {
		return errCancelled
	}
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("agent timed out after %s", e.taskTimeout(r))
		}
		return fmt.Errorf("agent execution: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("agent exited with code %d", result.ExitCode)
	}

	e.progress(ctx, r, progressAgentDone)
	return nil
}

// commitAndPush stages, commits, and pushes. Returns false when the agent
// made no changes; that is a success, not an error.
func (e *Executor) commitAndPush(ctx context.Context, r *run) (bool, error) {
	if !e.gitOK(ctx, r, "add", "-A") {
		return false, fmt.Errorf("git add failed")
	}

	// Exit 0 means the index is clean.
	if e.gitOK(ctx, r, "diff", "--cached", "--quiet") {
		e.sink.Success(r.taskID, "Agent made no changes; nothing to push")
		return false, nil
	}

	msg := commitMessage(r.payload.Prompt)
	e.sink.Command(r.taskID, "git commit -m "+fmt.Sprintf("%q", msg))
	if !e.gitOK(ctx, r, "commit", "-m", msg) {
		return false, fmt.Errorf("git commit failed")
	}

	e.sink.Command(r.taskID, "git push -u origin "+r.branch)
	result, err := r.provider.Exec(ctx, r.handle, sandbox.ExecSpec{
		WorkDir: workDir,
		Command: []string{"git", "push", "-u", "origin", r.branch},
	})
	if err != nil {
		return false, fmt.Errorf("git push: %w", err)
	}
	if result.ExitCode != 0 {
		return false, fmt.Errorf("git push failed: %s", firstLine(result.Stderr))
	}

	e.progress(ctx, r, progressPushed)
	e.sink.Success(r.taskID, "Pushed branch "+r.branch)
	return true, nil
}

// linkPullRequest opens or finds the PR for the pushed branch. Host API
// failures never fail the task; the branch is already on the remote.
func (e *Executor) linkPullRequest(ctx context.Context, r *run) {
	client := e.newHostClient(r.token)
	pr, err := client.EnsurePR(ctx, r.repo, r.branch, commitMessage(r.payload.Prompt), "Opened by Kiln.")
	if err != nil {
		if !errors.Is(err, githost.ErrNotSupported) {
			r.log.WithError(err).Warn("Failed to link pull request")
		}
		return
	}
	if err := e.store.SetPR(ctx, r.taskID, pr.Number, pr.URL); err != nil {
		r.log.WithError(err).Warn("Failed to store PR linkage")
	}
	e.sink.Info(r.taskID, fmt.Sprintf("Pull request #%d: %s", pr.Number, pr.URL))
}

func (e *Executor) finishCompleted(ctx context.Context, r *run) {
	if _, err := e.store.SetTerminal(ctx, r.taskID, models.StatusCompleted, progressDone); err != nil {
		r.log.WithError(err).Error("Failed to write completed status")
	}
	e.publishStatus(ctx, r.taskID, models.StatusCompleted, progressDone)
	e.cleanup(r, r.payload.KeepAlive)
	r.log.Info("Task completed")
}

func (e *Executor) finishError(r *run, cause error) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelCtx()

	msg := cause.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	e.sink.Error(r.taskID, msg)
	if _, err := e.store.SetTerminal(ctx, r.taskID, models.StatusError, -1); err != nil {
		r.log.WithError(err).Error("Failed to write error status")
	}
	e.publishStatus(ctx, r.taskID, models.StatusError, -1)
	// Fatal errors always tear the sandbox down, keepAlive or not.
	e.cleanup(r, false)
	r.log.WithError(cause).Warn("Task failed")
}

func (e *Executor) finishStopped(r *run) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e.sink.Info(r.taskID, "Task cancelled, stopping")
	e.publishStatus(ctx, r.taskID, models.StatusStopped, -1)
	e.cleanup(r, false)
	r.log.Info("Task stopped")
}

// cleanup destroys the sandbox unless keepAlive hands it to the user; the
// registry entry goes away either way so the sweeper ignores it.
func (e *Executor) cleanup(r *run, keepAlive bool) {
	if r.handle == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if keepAlive {
		e.registry.Release(r.taskID)
		e.sink.Info(r.taskID, "Sandbox kept alive at "+r.handle.Domain)
		return
	}
	if err := e.registry.Destroy(ctx, r.taskID); err != nil {
		r.log.WithError(err).Warn("Failed to destroy sandbox")
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "no output"
	}
	return s
}
