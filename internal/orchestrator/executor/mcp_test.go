package executor

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-dev/kiln/internal/common/config"
	"github.com/kiln-dev/kiln/internal/task/models"
)

func TestClaudeRunCarriesMCPConfig(t *testing.T) {
	h := newHarness(t)
	h.exec.mcpCfg = config.MCPConfig{Enabled: true, PublicURL: "https://kiln.example.dev/"}
	task := h.createTask(t, func(tk *models.Task) { tk.InstallDependencies = false })

	h.exec.Execute(context.Background(), payloadFor(task))

	got, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)

	var agentCmd string
	for _, c := range h.provider.commandLog() {
		if strings.Contains(c, "@anthropic-ai/claude-code") {
			agentCmd = c
		}
	}
	require.NotEmpty(t, agentCmd, "agent invocation must appear in the command log")
	assert.Contains(t, agentCmd, "--mcp-config")
	assert.Contains(t, agentCmd, `"url":"https://kiln.example.dev/sse"`)
	assert.Contains(t, agentCmd, "report_progress", "prompt must hint at the telemetry tools")
	assert.Contains(t, agentCmd, task.ID, "hint must carry the task id")
}

func TestGeminiRunWritesMCPConfigFile(t *testing.T) {
	h := newHarness(t)
	h.exec.mcpCfg = config.MCPConfig{Enabled: true, PublicURL: "https://kiln.example.dev"}
	task := h.createTask(t, func(tk *models.Task) {
		tk.SelectedAgent = models.AgentGemini
		tk.InstallDependencies = false
	})

	h.exec.Execute(context.Background(), payloadFor(task))

	joined := strings.Join(h.provider.commandLog(), "\n")
	assert.Contains(t, joined, ".gemini/settings.json")
	assert.Contains(t, joined, "https://kiln.example.dev/sse")
	assert.NotContains(t, joined, "--mcp-config", "file-configured agents take no inline flag")
}

func TestCodexRunGetsTOMLAndHome(t *testing.T) {
	h := newHarness(t)
	h.exec.mcpCfg = config.MCPConfig{Enabled: true, PublicURL: "https://kiln.example.dev"}
	task := h.createTask(t, func(tk *models.Task) {
		tk.SelectedAgent = models.AgentCodex
		tk.InstallDependencies = false
	})

	h.exec.Execute(context.Background(), payloadFor(task))

	joined := strings.Join(h.provider.commandLog(), "\n")
	assert.Contains(t, joined, "/workspace/.codex/config.toml")
	assert.Contains(t, joined, "[mcp_servers.kiln]")
}

func TestNoMCPWithoutPublicURL(t *testing.T) {
	h := newHarness(t)
	h.exec.mcpCfg = config.MCPConfig{Enabled: true}
	task := h.createTask(t, func(tk *models.Task) { tk.InstallDependencies = false })

	h.exec.Execute(context.Background(), payloadFor(task))

	joined := strings.Join(h.provider.commandLog(), "\n")
	assert.NotContains(t, joined, "--mcp-config")
	assert.NotContains(t, joined, "report_progress")
}

func TestConnectorServerDef(t *testing.T) {
	remote := connectorServerDef(&models.Connector{
		Name: "linear", Type: models.ConnectorRemote, URL: "https://mcp.linear.app/sse",
	}, nil)
	assert.Equal(t, "sse", remote.Type)
	assert.Equal(t, "https://mcp.linear.app/sse", remote.URL)

	local := connectorServerDef(&models.Connector{
		Name: "fs", Type: models.ConnectorLocal, Command: "npx -y @modelcontextprotocol/server-filesystem /workspace",
	}, map[string]string{"FS_TOKEN": "abc"})
	assert.Equal(t, "npx", local.Command)
	assert.Equal(t, []string{"-y", "@modelcontextprotocol/server-filesystem", "/workspace"}, local.Args)
	assert.Equal(t, "abc", local.Env["FS_TOKEN"])
}

func TestCodexTOMLRendersSortedServers(t *testing.T) {
	out := codexTOML(map[string]mcpServerDef{
		"zeta": {Command: "npx", Args: []string{"-y", "zeta-mcp"}, Env: map[string]string{"B": "2", "A": "1"}},
		"kiln": {Type: "sse", URL: "https://kiln.example.dev/sse"},
	})

	kilnIdx := strings.Index(out, "[mcp_servers.kiln]")
	zetaIdx := strings.Index(out, "[mcp_servers.zeta]")
	require.GreaterOrEqual(t, kilnIdx, 0)
	require.Greater(t, zetaIdx, kilnIdx)
	assert.Contains(t, out, `url = "https://kiln.example.dev/sse"`)
	assert.Contains(t, out, `command = "npx"`)
	assert.Contains(t, out, `args = ["-y", "zeta-mcp"]`)
	assert.Contains(t, out, `env = { A = "1", B = "2" }`)
}
