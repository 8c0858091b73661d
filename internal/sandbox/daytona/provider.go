// Package daytona provisions task sandboxes through the Daytona API.
package daytona

import (
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

const defaultAPIBase = "https://app.daytona.io/api"

// taskLabel marks sandboxes owned by Kiln so List can map them to tasks.
const taskLabel = "kiln/task-id"

// Provider implements sandbox.Provider over the Daytona REST API. Daytona's
// process endpoint is synchronous, so streamed execs deliver their output
// once the command finishes rather than line by line.
type Provider struct {
	apiBase    string
	token      string
	httpClient *http.Client
	log        *logger.Logger
}

// New creates a Daytona sandbox provider.
func New(cfg config.SandboxProviderConfig, log *logger.Logger) *Provider {
	base := cfg.APIURL
	if base == "" {
		base = defaultAPIBase
	}
	return &Provider{
		apiBase: strings.TrimRight(base, "/"),
		token:   cfg.APIToken,
		// Synchronous exec calls can run as long as the agent does.
		httpClient: &http.Client{},
		log:        log,
	}
}

func (p *Provider) Type() models.ProviderType { return models.ProviderDaytona }

type createRequest struct {
	Image       string            `json:"image,omitempty"`
	Language    string            `json:"language,omitempty"`
	CPU         int               `json:"cpu,omitempty"`
	AutoStopMin int               `json:"autoStopInterval,omitempty"` // minutes
	Labels      map[string]string `json:"labels,omitempty"`
	EnvVars     map[string]string `json:"env,omitempty"`
}

type createResponse struct {
	ID     string `json:"id"`
	Domain string `json:"runnerDomain"`
}

func (p *Provider) Create(ctx context.Context, spec sandbox.CreateSpec) (*sandbox.Handle, error) {
	req := createRequest{
		Language: languageFor(spec.Runtime),
		CPU:      spec.VCPUs,
		Labels:   map[string]string{taskLabel: spec.TaskID},
		EnvVars:  spec.Env,
	}
	if spec.Timeout > 0 {
		req.AutoStopMin = int(spec.Timeout.Minutes())
	}

	var resp createResponse
	if err := p.do(ctx, http.MethodPost, "/sandbox", req, &resp); err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}

	p.log.WithTaskID(spec.TaskID).Info("Sandbox created", zap.String("sandbox_id", resp.ID))

	now := time.Now()
	h := &sandbox.Handle{
		TaskID:    spec.TaskID,
		Provider:  models.ProviderDaytona,
		Ref:       resp.ID,
		Domain:    resp.Domain,
		CreatedAt: now,
	}
	if spec.Timeout > 0 {
		h.Deadline = now.Add(spec.Timeout)
	}
	return h, nil
}

func languageFor(runtime string) string {
	if strings.HasPrefix(runtime, "python") {
		return "python"
	}
	return "typescript"
}

type execRequest struct {
	Command string            `json:"command"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout int               `json:"timeout,omitempty"` // seconds, 0 = none
}

type execResponse struct {
	ExitCode int    `json:"exitCode"`
	Result   string `json:"result"`
}

// Exec runs a command in the sandbox. The process endpoint takes a shell
// string, so the command vector is quoted and joined; agent prompts and
// commit messages pass through as single arguments.
func (p *Provider) Exec(ctx context.Context, h *sandbox.Handle, spec sandbox.ExecSpec) (*sandbox.ExecResult, error) {
	endpoint := fmt.Sprintf("/toolbox/%s/process/execute", h.Ref)
	req := execRequest{
		Command: shellJoin(spec.Command),
		Cwd:     spec.WorkDir,
		Env:     spec.Env,
	}

	var resp execResponse
	if err := p.do(ctx, http.MethodPost, endpoint, req, &resp); err != nil {
		return nil, fmt.Errorf("exec command: %w", err)
	}

	if spec.OnLine != nil {
		for _, line := range strings.Split(resp.Result, "\n") {
			if line = strings.TrimRight(line, "\r"); line != "" {
				spec.OnLine(line)
			}
		}
		return &sandbox.ExecResult{ExitCode: resp.ExitCode}, nil
	}
	return &sandbox.ExecResult{ExitCode: resp.ExitCode, Stdout: resp.Result}, nil
}

type listItem struct {
	ID     string            `json:"id"`
	Labels map[string]string `json:"labels"`
	Domain string            `json:"runnerDomain"`
}

// List returns handles for the sandboxes Kiln created, identified by the
// task label set at creation.
func (p *Provider) List(ctx context.Context) ([]*sandbox.Handle, error) {
	var items []listItem
	if err := p.do(ctx, http.MethodGet, "/sandbox", nil, &items); err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}

	handles := make([]*sandbox.Handle, 0, len(items))
	for _, it := range items {
		taskID := it.Labels[taskLabel]
		if taskID == "" {
			continue
		}
		handles = append(handles, &sandbox.Handle{
			TaskID:   taskID,
			Provider: models.ProviderDaytona,
			Ref:      it.ID,
			Domain:   it.Domain,
		})
	}
	return handles, nil
}

func (p *Provider) Destroy(ctx context.Context, h *sandbox.Handle) error {
	err := p.do(ctx, http.MethodDelete, "/sandbox/"+h.Ref, nil, nil)
	if err != nil && !strings.Contains(err.Error(), "404") {
		return fmt.Errorf("destroy sandbox: %w", err)
	}
	p.log.WithTaskID(h.TaskID).Info("Sandbox destroyed", zap.String("sandbox_id", h.Ref))
	return nil
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
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("daytona API %s returned %d: %s", endpoint, resp.StatusCode, string(body))
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
