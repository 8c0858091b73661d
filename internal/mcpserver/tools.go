package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kiln-dev/kiln/internal/common/logger"
	"github.com/kiln-dev/kiln/internal/logsink"
	"github.com/kiln-dev/kiln/internal/task/store"
)

func registerTools(s *server.MCPServer, st store.Store, sink *logsink.Sink, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("report_progress",
			mcp.WithDescription("Report what a sub-agent is currently working on. Shown live in the task UI."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task this report belongs to"),
			),
			mcp.WithString("sub_agent",
				mcp.Required(),
				mcp.Description("Name of the sub-agent doing the work"),
			),
			mcp.WithString("activity",
				mcp.Required(),
				mcp.Description("One-line description of the current activity"),
			),
		),
		reportProgressHandler(st, log),
	)

	s.AddTool(
		mcp.NewTool("append_log",
			mcp.WithDescription("Append a line to the task transcript."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task whose transcript to append to"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The line to append"),
			),
		),
		appendLogHandler(sink),
	)

	s.AddTool(
		mcp.NewTool("get_task_status",
			mcp.WithDescription("Read the current status and progress of a task."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task to inspect"),
			),
		),
		getTaskStatusHandler(st, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 3))
}

func reportProgressHandler(st store.Store, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		subAgent, err := req.RequireString("sub_agent")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		activity, err := req.RequireString("activity")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if err := st.SetSubAgentTelemetry(ctx, taskID, subAgent, activity); err != nil {
			log.WithTaskID(taskID).Error("failed to record telemetry", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to record progress: %v", err)), nil
		}
		return mcp.NewToolResultText("recorded"), nil
	}
}

func appendLogHandler(sink *logsink.Sink) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		sink.Info(taskID, message)
		return mcp.NewToolResultText("appended"), nil
	}
}

func getTaskStatusHandler(st store.Store, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, err := st.GetTask(ctx, taskID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to load task: %v", err)), nil
		}

		formatted, _ := json.MarshalIndent(map[string]interface{}{
			"status":      task.Status,
			"progress":    task.Progress,
			"branch_name": task.BranchName,
		}, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}
