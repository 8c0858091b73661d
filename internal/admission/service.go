// Package admission turns validated task requests into durable task rows and
// execute events. It owns the request-side status writes: task creation,
// cancellation, and follow-up resubmission.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kiln-dev/kiln/internal/common/logger"
	"github.com/kiln-dev/kiln/internal/events"
	"github.com/kiln-dev/kiln/internal/events/bus"
	"github.com/kiln-dev/kiln/internal/githost"
	"github.com/kiln-dev/kiln/internal/logsink"
	"github.com/kiln-dev/kiln/internal/ratelimit"
	"github.com/kiln-dev/kiln/internal/sandbox"
	"github.com/kiln-dev/kiln/internal/task/models"
	"github.com/kiln-dev/kiln/internal/task/store"
)

// maxPromptLen bounds the instruction size accepted from clients.
const maxPromptLen = 100000

// defaultMaxDuration is applied when the request does not set one.
const defaultMaxDuration = "30m"

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrTaskNotFound   = errors.New("task not found")
	ErrNotCancellable = errors.New("task is not pending or processing")
	ErrNotResumable   = errors.New("task is still running")
)

// ValidationError reports a request schema violation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RateLimitError carries the quota decision for the reset hint.
type RateLimitError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("daily task limit of %d reached", e.Decision.Total)
}

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Email  string
}

// CreateTaskInput is the task-creation request body after binding.
type CreateTaskInput struct {
	Prompt              string   `json:"prompt"`
	RepoURL             string   `json:"repo_url"`
	SelectedAgent       string   `json:"selected_agent"`
	SelectedModel       string   `json:"selected_model"`
	SandboxProvider     string   `json:"sandbox_provider"`
	KeepAlive           bool     `json:"keep_alive"`
	MaxDuration         string   `json:"max_duration"`
	InstallDependencies bool     `json:"install_dependencies"`
	MCPServerIDs        []string `json:"mcp_server_ids"`
	ExistingBranchName  string   `json:"existing_branch_name"`
}

// Synthesizer schedules background branch-name generation. Nil-able: a
// deployment without a text gateway runs on fallback names only.
type Synthesizer interface {
	SynthesizeAsync(taskID, prompt string)
}

// Service implements the admission operations.
type Service struct {
	store    store.Store
	limiter  *ratelimit.Limiter
	bus      bus.EventBus
	synth    Synthesizer
	registry *sandbox.Registry
	sink     *logsink.Sink
	log      *logger.Logger
}

// New creates the admission service. synth may be nil.
func New(st store.Store, limiter *ratelimit.Limiter, eventBus bus.EventBus,
	synth Synthesizer, registry *sandbox.Registry, sink *logsink.Sink, log *logger.Logger) *Service {
	return &Service{
		store:    st,
		limiter:  limiter,
		bus:      eventBus,
		synth:    synth,
		registry: registry,
		sink:     sink,
		log:      log,
	}
}

// CreateTask validates, persists, and enqueues a new task. The returned task
// is the row as inserted; branch synthesis runs after the response is sent.
func (s *Service) CreateTask(ctx context.Context, p Principal, input CreateTaskInput) (*models.Task, ratelimit.Decision, error) {
	if p.UserID == "" {
		return nil, ratelimit.Decision{}, ErrUnauthorized
	}
	if err := validateInput(&input); err != nil {
		return nil, ratelimit.Decision{}, err
	}

	decision := s.limiter.CheckAllowed(ctx, p.UserID, p.Email)
	if !decision.Allowed {
		return nil, decision, &RateLimitError{Decision: decision}
	}

	task := &models.Task{
		UserID:              p.UserID,
		Prompt:              input.Prompt,
		RepoURL:             input.RepoURL,
		SelectedAgent:       models.Agent(input.SelectedAgent),
		SelectedModel:       input.SelectedModel,
		SandboxProvider:     models.ProviderType(input.SandboxProvider),
		Status:              models.StatusPending,
		Progress:            0,
		KeepAlive:           input.KeepAlive,
		MaxDuration:         input.MaxDuration,
		InstallDependencies: input.InstallDependencies,
		MCPServerIDs:        input.MCPServerIDs,
		ExistingBranchName:  input.ExistingBranchName,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, decision, fmt.Errorf("create task: %w", err)
	}

	if s.synth != nil && input.ExistingBranchName == "" {
		s.synth.SynthesizeAsync(task.ID, task.Prompt)
	}

	payload := events.TaskExecutePayload{
		TaskID:              task.ID,
		UserID:              task.UserID,
		Prompt:              task.Prompt,
		RepoURL:             task.RepoURL,
		SelectedAgent:       string(task.SelectedAgent),
		SelectedModel:       task.SelectedModel,
		SandboxProvider:     string(task.SandboxProvider),
		InstallDependencies: task.InstallDependencies,
		MaxDuration:         task.MaxDuration,
		KeepAlive:           task.KeepAlive,
		MCPServerIDs:        task.MCPServerIDs,
		ExistingBranchName:  task.ExistingBranchName,
	}
	if err := s.publishExecute(ctx, payload); err != nil {
		// Back out the row so nothing sits pending with no event behind it.
		if delErr := s.store.SoftDeleteTask(ctx, task.ID); delErr != nil {
			s.log.WithTaskID(task.ID).WithError(delErr).Error("Failed to back out task after publish failure")
		}
		return nil, decision, fmt.Errorf("enqueue task: %w", err)
	}

	s.log.WithTaskID(task.ID).WithUserID(p.UserID).Info("Task created",
		zap.String("agent", input.SelectedAgent),
		zap.String("provider", input.SandboxProvider))
	return task, decision, nil
}

// CancelTask requests out-of-band cancellation. The stopped status is the
// signal the executor's probes watch for; the sandbox teardown here is a
// shortcut so the user is not billed while the executor notices.
func (s *Service) CancelTask(ctx context.Context, p Principal, taskID string) error {
	task, err := s.ownedTask(ctx, p, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return ErrNotCancellable
	}

	stopped, err := s.store.MarkStopped(ctx, taskID)
	if err != nil {
		return fmt.Errorf("mark stopped: %w", err)
	}
	if !stopped {
		return ErrNotCancellable
	}

	if err := s.registry.Destroy(ctx, taskID); err != nil {
		s.log.WithTaskID(taskID).WithError(err).Warn("Failed to destroy sandbox on cancel")
	}

	event := bus.NewEvent(events.TaskCancelled, "admission", map[string]interface{}{"task_id": taskID})
	if err := s.bus.Publish(ctx, events.TaskCancelled, event); err != nil {
		s.log.WithTaskID(taskID).WithError(err).Warn("Failed to publish cancellation")
	}

	s.log.WithTaskID(taskID).Info("Task cancelled")
	return nil
}

// AppendFollowUp records a follow-up message on a finished task and re-enqueues
// it on the same branch, replaying the conversation so the agent has context.
func (s *Service) AppendFollowUp(ctx context.Context, p Principal, taskID, message string) (*models.Task, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, &ValidationError{Field: "message", Reason: "must not be empty"}
	}

	task, err := s.ownedTask(ctx, p, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.Terminal() {
		return nil, ErrNotResumable
	}

	// History first: the prior turns must be in place before the new prompt.
	history := []events.ConversationTurn{{Role: string(models.RoleUser), Content: task.Prompt}}
	prior, err := s.store.ListMessages(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for _, m := range prior {
		history = append(history, events.ConversationTurn{Role: string(m.Role), Content: m.Content})
	}

	if err := s.store.AppendMessage(ctx, &models.TaskMessage{
		TaskID:  taskID,
		Role:    models.RoleUser,
		Content: message,
	}); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	if err := s.store.ResetForFollowUp(ctx, taskID); err != nil {
		return nil, fmt.Errorf("reset task: %w", err)
	}

	payload := events.TaskExecutePayload{
		TaskID:              task.ID,
		UserID:              task.UserID,
		Prompt:              message,
		RepoURL:             task.RepoURL,
		SelectedAgent:       string(task.SelectedAgent),
		SelectedModel:       task.SelectedModel,
		SandboxProvider:     string(task.SandboxProvider),
		InstallDependencies: task.InstallDependencies,
		MaxDuration:         task.MaxDuration,
		KeepAlive:           task.KeepAlive,
		MCPServerIDs:        task.MCPServerIDs,
		ExistingBranchName:  task.BranchName,
		ConversationHistory: history,
	}
	if err := s.publishExecute(ctx, payload); err != nil {
		return nil, fmt.Errorf("enqueue follow-up: %w", err)
	}

	s.log.WithTaskID(taskID).Info("Follow-up enqueued", zap.String("branch", task.BranchName))
	return s.store.GetTask(ctx, taskID)
}

// GetTask returns a task owned by the principal, transcript included.
func (s *Service) GetTask(ctx context.Context, p Principal, taskID string) (*models.Task, error) {
	return s.ownedTask(ctx, p, taskID)
}

// ListTasks returns the principal's non-deleted tasks, newest first.
func (s *Service) ListTasks(ctx context.Context, p Principal) ([]*models.Task, error) {
	if p.UserID == "" {
		return nil, ErrUnauthorized
	}
	return s.store.ListTasks(ctx, p.UserID)
}

// DeleteTask soft-deletes a task. Running tasks are cancelled first.
func (s *Service) DeleteTask(ctx context.Context, p Principal, taskID string) error {
	task, err := s.ownedTask(ctx, p, taskID)
	if err != nil {
		return err
	}
	if !task.Status.Terminal() {
		if err := s.CancelTask(ctx, p, taskID); err != nil && !errors.Is(err, ErrNotCancellable) {
			return err
		}
	}
	return s.store.SoftDeleteTask(ctx, taskID)
}

// AppendClientLog lets the UI attach a marker line to the transcript. The
// entry goes through the sink so the task's redactor masks it like any other
// line; the prefix is applied first so it is part of the redacted message.
func (s *Service) AppendClientLog(ctx context.Context, p Principal, taskID, message string) error {
	if _, err := s.ownedTask(ctx, p, taskID); err != nil {
		return err
	}
	s.sink.Append(taskID, models.LogEntry{
		Type:    models.LogInfo,
		Message: "[CLIENT] " + message,
	})
	s.sink.Flush(taskID)
	return nil
}

// AuthorizeStream reports whether a user may stream a task's transcript.
// The rules are the ownership rules: foreign and missing tasks look alike.
func (s *Service) AuthorizeStream(ctx context.Context, userID, taskID string) error {
	_, err := s.ownedTask(ctx, Principal{UserID: userID}, taskID)
	return err
}

// CreateConnector stores an MCP server definition for later injection.
func (s *Service) CreateConnector(ctx context.Context, p Principal, c *models.Connector) error {
	if p.UserID == "" {
		return ErrUnauthorized
	}
	c.UserID = p.UserID
	if strings.TrimSpace(c.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	switch c.Type {
	case models.ConnectorLocal:
		if c.Command == "" {
			return &ValidationError{Field: "command", Reason: "required for local connectors"}
		}
	case models.ConnectorRemote:
		if c.URL == "" {
			return &ValidationError{Field: "url", Reason: "required for remote connectors"}
		}
	default:
		return &ValidationError{Field: "type", Reason: "must be local or remote"}
	}
	return s.store.CreateConnector(ctx, c)
}

// ListConnectors returns the principal's connectors.
func (s *Service) ListConnectors(ctx context.Context, p Principal) ([]*models.Connector, error) {
	if p.UserID == "" {
		return nil, ErrUnauthorized
	}
	return s.store.ListConnectors(ctx, p.UserID, nil)
}

func (s *Service) publishExecute(ctx context.Context, payload events.TaskExecutePayload) error {
	event := bus.NewEvent(events.TaskExecute, "admission", events.EncodePayload(payload))
	return s.bus.Publish(ctx, events.TaskExecute, event)
}

// ownedTask loads a task and enforces ownership. Missing and foreign tasks
// are indistinguishable to the caller.
func (s *Service) ownedTask(ctx context.Context, p Principal, taskID string) (*models.Task, error) {
	if p.UserID == "" {
		return nil, ErrUnauthorized
	}
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrTaskNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	if task.UserID != p.UserID {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

func validateInput(input *CreateTaskInput) error {
	input.Prompt = strings.TrimSpace(input.Prompt)
	if input.Prompt == "" {
		return &ValidationError{Field: "prompt", Reason: "must not be empty"}
	}
	if len(input.Prompt) > maxPromptLen {
		return &ValidationError{Field: "prompt", Reason: "too long"}
	}
	if _, err := githost.ParseRepoURL(input.RepoURL); err != nil {
		return &ValidationError{Field: "repo_url", Reason: err.Error()}
	}
	if !models.ValidAgents[models.Agent(input.SelectedAgent)] {
		return &ValidationError{Field: "selected_agent", Reason: "unknown agent"}
	}
	if !models.ValidProviders[models.ProviderType(input.SandboxProvider)] {
		return &ValidationError{Field: "sandbox_provider", Reason: "unknown provider"}
	}
	if input.MaxDuration == "" {
		input.MaxDuration = defaultMaxDuration
	} else if d, err := time.ParseDuration(input.MaxDuration); err != nil || d <= 0 {
		return &ValidationError{Field: "max_duration", Reason: "must be a positive duration"}
	}
	return nil
}
