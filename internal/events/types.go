// Package events defines the event types flowing over the Kiln event bus.
package events

// Subjects for task orchestration.
const (
	// TaskExecute carries a TaskExecutePayload. Consumed by the executor
	// queue group; delivered to at most one worker per task.
	TaskExecute = "task.execute"

	// TaskCancelled notifies that a task was cancelled out of band.
	TaskCancelled = "task.cancelled"

	// TaskLogAppended mirrors log sink flushes for live streaming.
	TaskLogAppended = "task.log_appended"

	// TaskStatusChanged announces terminal and intermediate status writes.
	TaskStatusChanged = "task.status_changed"
)

// ExecutorQueue is the queue group name for executor workers. Queue
// subscription guarantees a single worker receives each task.execute event.
const ExecutorQueue = "executor"

// ConversationTurn is one prior exchange replayed to the agent on follow-up runs.
type ConversationTurn struct {
	Role    string `json:"role"` // user or agent
	Content string `json:"content"`
}

// TaskExecutePayload is the payload of a task.execute event.
type TaskExecutePayload struct {
	TaskID              string             `json:"task_id"`
	UserID              string             `json:"user_id"`
	Prompt              string             `json:"prompt"`
	RepoURL             string             `json:"repo_url"`
	SelectedAgent       string             `json:"selected_agent"`
	SelectedModel       string             `json:"selected_model,omitempty"`
	SandboxProvider     string             `json:"sandbox_provider"`
	InstallDependencies bool               `json:"install_dependencies"`
	MaxDuration         string             `json:"max_duration"`
	KeepAlive           bool               `json:"keep_alive"`
	MCPServerIDs        []string           `json:"mcp_server_ids,omitempty"`
	ExistingBranchName  string             `json:"existing_branch_name,omitempty"`
	ConversationHistory []ConversationTurn `json:"conversation_history,omitempty"`
}

// TaskStatusPayload is the payload of a task.status_changed event.
type TaskStatusPayload struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}
