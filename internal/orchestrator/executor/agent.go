package executor

import (
	"fmt"
	"strings"

	"github.com/kiln-dev/kiln/internal/events"
	"github.com/kiln-dev/kiln/internal/task/models"
)

// buildAgentCommand returns the non-interactive CLI invocation for the
// selected agent. Every agent runs headless with write access to the
// workspace; interactive confirmation is disabled. mcpConfig is the rendered
// server map for agents that accept it inline; the others pick theirs up
// from config files the pipeline wrote beforehand.
func buildAgentCommand(agent models.Agent, model, prompt, mcpConfig string) ([]string, error) {
	switch agent {
	case models.AgentClaude:
		cmd := []string{"npx", "-y", "@anthropic-ai/claude-code", "--print", "--dangerously-skip-permissions"}
		if model != "" {
			cmd = append(cmd, "--model", model)
		}
		if mcpConfig != "" {
			cmd = append(cmd, "--mcp-config", mcpConfig)
		}
		return append(cmd, prompt), nil

	case models.AgentCodex:
		cmd := []string{"npx", "-y", "@openai/codex", "exec", "--full-auto"}
		if model != "" {
			cmd = append(cmd, "--model", model)
		}
		return append(cmd, prompt), nil

	case models.AgentCursor:
		cmd := []string{"cursor-agent", "--force", "-p"}
		if model != "" {
			cmd = append(cmd, "--model", model)
		}
		return append(cmd, prompt), nil

	case models.AgentGemini:
		cmd := []string{"npx", "-y", "@google/gemini-cli", "--yolo"}
		if model != "" {
			cmd = append(cmd, "-m", model)
		}
		return append(cmd, "-p", prompt), nil

	case models.AgentOpencode:
		cmd := []string{"npx", "-y", "opencode-ai", "run"}
		if model != "" {
			cmd = append(cmd, "--model", model)
		}
		return append(cmd, prompt), nil
	}
	return nil, fmt.Errorf("unknown agent: %s", agent)
}

// buildPrompt prefixes the instruction with prior conversation turns so
// follow-up runs carry their context into a fresh sandbox.
func buildPrompt(instruction string, history []events.ConversationTurn) string {
	if len(history) == 0 {
		return instruction
	}

	var b strings.Builder
	b.WriteString("Earlier conversation about this repository:\n\n")
	for _, turn := range history {
		b.WriteString(strings.ToUpper(turn.Role[:1]) + turn.Role[1:])
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("New instruction:\n")
	b.WriteString(instruction)
	return b.String()
}

// commitMessage derives a one-line commit message from the task prompt.
func commitMessage(prompt string) string {
	msg := strings.Join(strings.Fields(prompt), " ")
	if len(msg) > 72 {
		msg = strings.TrimSpace(msg[:69]) + "..."
	}
	if msg == "" {
		msg = "Automated changes"
	}
	return msg
}
