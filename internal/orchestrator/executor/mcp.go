package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/kiln-dev/kiln/internal/sandbox"
	"github.com/kiln-dev/kiln/internal/task/models"
)

// engineServerName is the key agents see for Kiln's own MCP endpoint.
const engineServerName = "kiln"

// codexHome holds the codex CLI's config inside the sandbox.
const codexHome = "/workspace/.codex"

// connectorEnv pairs a connector definition with its decrypted env.
type connectorEnv struct {
	def *models.Connector
	env map[string]string
}

// mcpServerDef is one entry in an agent's MCP configuration.
type mcpServerDef struct {
	Type    string            `json:"type,omitempty"`
	URL     string            `json:"url,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// setupMCP delivers the MCP server map to the selected agent: claude takes
// it inline on the command line, the file-configured agents get it written
// into the workspace, codex reads TOML from its home directory. A failed
// delivery degrades to a run without MCP tools; telemetry is best-effort.
func (e *Executor) setupMCP(ctx context.Context, r *run) {
	servers := e.mcpServers(r)
	if len(servers) == 0 {
		return
	}
	if _, ok := servers[engineServerName]; ok {
		r.mcpWired = true
	}

	raw, err := json.Marshal(map[string]interface{}{"mcpServers": servers})
	if err != nil {
		r.log.WithError(err).Warn("Failed to render MCP config")
		return
	}

	switch models.Agent(r.payload.SelectedAgent) {
	case models.AgentClaude:
		r.mcpConfigJSON = string(raw)
	case models.AgentCursor:
		e.writeSandboxFile(ctx, r, workDir+"/.cursor/mcp.json", string(raw))
	case models.AgentGemini:
		e.writeSandboxFile(ctx, r, workDir+"/.gemini/settings.json", string(raw))
	case models.AgentOpencode:
		ocRaw, err := json.Marshal(map[string]interface{}{"mcp": servers})
		if err != nil {
			r.log.WithError(err).Warn("Failed to render MCP config")
			return
		}
		e.writeSandboxFile(ctx, r, workDir+"/opencode.json", string(ocRaw))
	case models.AgentCodex:
		r.agentEnv["CODEX_HOME"] = codexHome
		e.writeSandboxFile(ctx, r, codexHome+"/config.toml", codexTOML(servers))
	}
}

// mcpServers renders the server map: the engine's own endpoint when a public
// URL is configured, plus the user's connectors.
func (e *Executor) mcpServers(r *run) map[string]mcpServerDef {
	servers := make(map[string]mcpServerDef)
	if e.mcpCfg.Enabled && e.mcpCfg.PublicURL != "" {
		servers[engineServerName] = mcpServerDef{
			Type: "sse",
			URL:  strings.TrimRight(e.mcpCfg.PublicURL, "/") + "/sse",
		}
	}
	for _, c := range r.connectors {
		servers[c.def.Name] = connectorServerDef(c.def, c.env)
	}
	return servers
}

// connectorServerDef maps a stored connector onto an agent-facing server
// entry. Local connectors split their command line; remote ones pass the URL
// through.
func connectorServerDef(c *models.Connector, env map[string]string) mcpServerDef {
	if c.Type == models.ConnectorRemote {
		return mcpServerDef{Type: "sse", URL: c.URL}
	}
	def := mcpServerDef{Env: env}
	if fields := strings.Fields(c.Command); len(fields) > 0 {
		def.Command = fields[0]
		def.Args = fields[1:]
	}
	return def
}

// codexTOML renders the server map in the codex CLI's config format.
func codexTOML(servers map[string]mcpServerDef) string {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		def := servers[name]
		fmt.Fprintf(&b, "[mcp_servers.%s]\n", name)
		if def.URL != "" {
			fmt.Fprintf(&b, "url = %q\n", def.URL)
		}
		if def.Command != "" {
			fmt.Fprintf(&b, "command = %q\n", def.Command)
			if len(def.Args) > 0 {
				quoted := make([]string, len(def.Args))
				for i, a := range def.Args {
					quoted[i] = fmt.Sprintf("%q", a)
				}
				fmt.Fprintf(&b, "args = [%s]\n", strings.Join(quoted, ", "))
			}
		}
		if len(def.Env) > 0 {
			keys := make([]string, 0, len(def.Env))
			for k := range def.Env {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			pairs := make([]string, len(keys))
			for i, k := range keys {
				pairs[i] = fmt.Sprintf("%s = %q", k, def.Env[k])
			}
			fmt.Fprintf(&b, "env = { %s }\n", strings.Join(pairs, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// writeSandboxFile writes content into the sandbox through a quoted heredoc
// so the shell never interprets the payload.
func (e *Executor) writeSandboxFile(ctx context.Context, r *run, filePath, content string) {
	script := fmt.Sprintf("mkdir -p %s && cat > %s << 'KILN_EOF'\n%s\nKILN_EOF",
		path.Dir(filePath), filePath, content)
	result, err := r.provider.Exec(ctx, r.handle, sandbox.ExecSpec{
		Command: []string{"sh", "-c", script},
	})
	if err != nil || result.ExitCode != 0 {
		r.log.Warn("Failed to write MCP config file", zap.String("path", filePath), zap.Error(err))
	}
}

// telemetryHint asks the agent to report back through the engine's tools.
func telemetryHint(taskID string) string {
	return fmt.Sprintf("\n\nAn MCP server named %q is available. Use its report_progress and append_log tools with task_id %q to report what you are doing as you work.",
		engineServerName, taskID)
}
