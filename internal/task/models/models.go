// Package models defines the persistent entities of the task orchestration engine.
package models

import "time"

// Status is the lifecycle state of a task. Transitions are monotonic:
// pending -> processing -> {completed | error | stopped}.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusStopped    Status = "stopped"
)

// Terminal reports whether no further status transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusStopped:
		return true
	}
	return false
}

// Agent identifies the coding-agent CLI run inside the sandbox.
type Agent string

const (
	AgentClaude   Agent = "claude"
	AgentCodex    Agent = "codex"
	AgentCursor   Agent = "cursor"
	AgentGemini   Agent = "gemini"
	AgentOpencode Agent = "opencode"
)

// ValidAgents is the set of selectable agents.
var ValidAgents = map[Agent]bool{
	AgentClaude:   true,
	AgentCodex:    true,
	AgentCursor:   true,
	AgentGemini:   true,
	AgentOpencode: true,
}

// ProviderType identifies a sandbox provider back-end.
type ProviderType string

const (
	ProviderVercel  ProviderType = "vercel"
	ProviderDocker  ProviderType = "docker"
	ProviderE2B     ProviderType = "e2b"
	ProviderDaytona ProviderType = "daytona"
)

// ValidProviders is the set of selectable sandbox providers.
var ValidProviders = map[ProviderType]bool{
	ProviderVercel:  true,
	ProviderDocker:  true,
	ProviderE2B:     true,
	ProviderDaytona: true,
}

// LogType classifies a transcript entry.
type LogType string

const (
	LogInfo    LogType = "info"
	LogCommand LogType = "command"
	LogError   LogType = "error"
	LogSuccess LogType = "success"
)

// LogEntry is one line of a task's transcript. Messages are redacted before
// they reach the store; order within a task is arrival order at the log sink.
type LogEntry struct {
	Type      LogType   `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SubAgentActivity records nested sub-agent progress reported by the agent.
type SubAgentActivity struct {
	Name      string    `json:"name"`
	Activity  string    `json:"activity"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is one user request to run one agent against one repository.
type Task struct {
	ID                  string       `json:"id" db:"id"`
	UserID              string       `json:"user_id" db:"user_id"`
	Prompt              string       `json:"prompt" db:"prompt"`
	RepoURL             string       `json:"repo_url" db:"repo_url"`
	SelectedAgent       Agent        `json:"selected_agent" db:"selected_agent"`
	SelectedModel       string       `json:"selected_model,omitempty" db:"selected_model"`
	SandboxProvider     ProviderType `json:"sandbox_provider" db:"sandbox_provider"`
	Status              Status       `json:"status" db:"status"`
	Progress            int          `json:"progress" db:"progress"`
	BranchName          string       `json:"branch_name,omitempty" db:"branch_name"`
	ExistingBranchName  string       `json:"existing_branch_name,omitempty" db:"existing_branch_name"`
	Logs                []LogEntry   `json:"logs"`
	SandboxURL          string       `json:"sandbox_url,omitempty" db:"sandbox_url"`
	PRNumber            *int         `json:"pr_number,omitempty" db:"pr_number"`
	PRURL               string       `json:"pr_url,omitempty" db:"pr_url"`
	KeepAlive           bool         `json:"keep_alive" db:"keep_alive"`
	MaxDuration         string       `json:"max_duration" db:"max_duration"`
	MCPServerIDs        []string     `json:"mcp_server_ids,omitempty"`
	InstallDependencies bool         `json:"install_dependencies" db:"install_dependencies"`

	// Sub-agent telemetry, updated opportunistically during agent execution.
	CurrentSubAgent  string             `json:"current_sub_agent,omitempty" db:"current_sub_agent"`
	SubAgentActivity []SubAgentActivity `json:"sub_agent_activity,omitempty"`
	LastHeartbeat    *time.Time         `json:"last_heartbeat,omitempty" db:"last_heartbeat"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// MessageRole identifies the author of a follow-up conversation message.
type MessageRole string

const (
	RoleUser  MessageRole = "user"
	RoleAgent MessageRole = "agent"
)

// TaskMessage is one follow-up conversation message attached to a task.
type TaskMessage struct {
	ID        string      `json:"id" db:"id"`
	TaskID    string      `json:"task_id" db:"task_id"`
	Role      MessageRole `json:"role" db:"role"`
	Content   string      `json:"content" db:"content"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// ConnectorType distinguishes local (command) and remote (URL) MCP servers.
type ConnectorType string

const (
	ConnectorLocal  ConnectorType = "local"
	ConnectorRemote ConnectorType = "remote"
)

// Connector is a user-configured MCP server whose environment is injected
// into the agent process. Env is stored encrypted; the plaintext exists only
// transiently inside the executor.
type Connector struct {
	ID           string        `json:"id" db:"id"`
	UserID       string        `json:"user_id" db:"user_id"`
	Name         string        `json:"name" db:"name"`
	Type         ConnectorType `json:"type" db:"type"`
	Command      string        `json:"command,omitempty" db:"command"`
	URL          string        `json:"url,omitempty" db:"url"`
	EncryptedEnv string        `json:"-" db:"env"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
}
