// Package e2b provisions task sandboxes through the E2B API.
package e2b

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kiln-dev/kiln/internal/common/config"
	"github.com/kiln-dev/kiln/internal/common/logger"
	"github.com/kiln-dev/kiln/internal/sandbox"
	"github.com/kiln-dev/kiln/internal/task/models"
)

const defaultAPIBase = "https://api.e2b.dev"

// templateByRuntime maps Kiln runtimes onto E2B sandbox templates.
var templateByRuntime = map[string]string{
	"node22":     "base-node-22",
	"python3.13": "base-python-3.13",
}

// Provider implements sandbox.Provider over the E2B REST API.
type Provider struct {
	apiBase      string
	apiKey       string
	httpClient   *http.Client
	streamClient *http.Client
	log          *logger.Logger
}

// New creates an E2B sandbox provider.
func New(cfg config.SandboxProviderConfig, log *logger.Logger) *Provider {
	base := cfg.APIURL
	if base == "" {
		base = defaultAPIBase
	}
	return &Provider{
		apiBase:      strings.TrimRight(base, "/"),
		apiKey:       cfg.APIToken,
		httpClient:   &http.Client{Timeout: 2 * time.Minute},
		streamClient: &http.Client{},
		log:          log,
	}
}

func (p *Provider) Type() models.ProviderType { return models.ProviderE2B }

type createRequest struct {
	TemplateID string            `json:"templateID"`
	Timeout    int               `json:"timeout,omitempty"` // seconds
	Metadata   map[string]string `json:"metadata,omitempty"`
	EnvVars    map[string]string `json:"envVars,omitempty"`
}

type createResponse struct {
	SandboxID string `json:"sandboxID"`
	Domain    string `json:"domain"`
}

func (p *Provider) Create(ctx context.Context, spec sandbox.CreateSpec) (*sandbox.Handle, error) {
	template, ok := templateByRuntime[spec.Runtime]
	if !ok {
		template = templateByRuntime["node22"]
	}

	req := createRequest{
		TemplateID: template,
		Metadata:   map[string]string{"task_id": spec.TaskID},
		EnvVars:    spec.Env,
	}
	if spec.Timeout > 0 {
		req.Timeout = int(spec.Timeout.Seconds())
	}

	var resp createResponse
	if err := p.do(ctx, http.MethodPost, "/sandboxes", req, &resp); err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}

	p.log.WithTaskID(spec.TaskID).Info("Sandbox created", zap.String("sandbox_id", resp.SandboxID))

	now := time.Now()
	h := &sandbox.Handle{
		TaskID:    spec.TaskID,
		Provider:  models.ProviderE2B,
		Ref:       resp.SandboxID,
		Domain:    resp.Domain,
		CreatedAt: now,
	}
	if spec.Timeout > 0 {
		h.Deadline = now.Add(spec.Timeout)
	}
	return h, nil
}

type execRequest struct {
	Cmd    string            `json:"cmd"`
	Cwd    string            `json:"cwd,omitempty"`
	EnvVars map[string]string `json:"envVars,omitempty"`
}

type execEvent struct {
	Event    string `json:"event"` // stdout, stderr, end
	Line     string `json:"line,omitempty"`
	ExitCode int    `json:"exitCode,omitempty"`
}

// Exec runs a command in the sandbox. E2B takes a shell string, so the
// command vector is quoted and joined.
func (p *Provider) Exec(ctx context.Context, h *sandbox.Handle, spec sandbox.ExecSpec) (*sandbox.ExecResult, error) {
	endpoint := fmt.Sprintf("/sandboxes/%s/commands", h.Ref)
	req := execRequest{
		Cmd:     shellJoin(spec.Command),
		Cwd:     spec.WorkDir,
		EnvVars: spec.Env,
	}

	body, err := p.doStream(ctx, http.MethodPost, endpoint, req)
	if err != nil {
		return nil, fmt.Errorf("exec command: %w", err)
	}
	defer body.Close()

	result := &sandbox.ExecResult{ExitCode: -1}
	var stdout, stderr strings.Builder
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event execEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		switch event.Event {
		case "stdout":
			p.emit(spec, &stdout, event.Line)
		case "stderr":
			p.emit(spec, &stderr, event.Line)
		case "end":
			result.ExitCode = event.ExitCode
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read command stream: %w", err)
	}
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	return result, nil
}

func (p *Provider) emit(spec sandbox.ExecSpec, buf *strings.Builder, line string) {
	line = strings.TrimRight(line, "\r\n")
	if spec.OnLine != nil {
		if line != "" {
			spec.OnLine(line)
		}
		return
	}
	buf.WriteString(line)
	buf.WriteByte('\n')
}

type listItem struct {
	SandboxID string            `json:"sandboxID"`
	Metadata  map[string]string `json:"metadata"`
	StartedAt time.Time         `json:"startedAt"`
}

// List returns handles for the running sandboxes Kiln created, identified by
// the task_id metadata set at creation.
func (p *Provider) List(ctx context.Context) ([]*sandbox.Handle, error) {
	var items []listItem
	if err := p.do(ctx, http.MethodGet, "/sandboxes", nil, &items); err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}

	handles := make([]*sandbox.Handle, 0, len(items))
	for _, it := range items {
		taskID := it.Metadata["task_id"]
		if taskID == "" {
			continue
		}
		handles = append(handles, &sandbox.Handle{
			TaskID:    taskID,
			Provider:  models.ProviderE2B,
			Ref:       it.SandboxID,
			CreatedAt: it.StartedAt,
		})
	}
	return handles, nil
}

func (p *Provider) Destroy(ctx context.Context, h *sandbox.Handle) error {
	err := p.do(ctx, http.MethodDelete, "/sandboxes/"+h.Ref, nil, nil)
	if err != nil && !strings.Contains(err.Error(), "404") {
		return fmt.Errorf("destroy sandbox: %w", err)
	}
	p.log.WithTaskID(h.TaskID).Info("Sandbox destroyed", zap.String("sandbox_id", h.Ref))
	return nil
}

func (p *Provider) do(ctx context.Context, method, endpoint string, payload, result interface{}) error {
	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.apiBase+endpoint, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("E2B API %s returned %d: %s", endpoint, resp.StatusCode, string(body))
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

func (p *Provider) doStream(ctx context.Context, method, endpoint string, payload interface{}) (io.ReadCloser, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, p.apiBase+endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := p.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", endpoint, err)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("E2B API %s returned %d: %s", endpoint, resp.StatusCode, string(body))
	}
	return resp.Body, nil
}

// shellJoin quotes a command vector for /bin/sh.
func shellJoin(cmd []string) string {
	parts := make([]string, len(cmd))
	for i, c := range cmd {
		if strings.ContainsAny(c, " \t\"'$&|;<>()*?#~") {
			parts[i] = "'" + strings.ReplaceAll(c, "'", `'\''`) + "'"
		} else {
			parts[i] = c
		}
	}
	return strings.Join(parts, " ")
}
