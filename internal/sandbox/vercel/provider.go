// Package vercel provisions task sandboxes through the Vercel Sandbox API.
package vercel

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

const defaultAPIBase = "https://api.vercel.com"

// sandboxNamePrefix marks sandboxes owned by Kiln; List recovers the task ID
// from the name.
const sandboxNamePrefix = "kiln-task-"

// Provider implements sandbox.Provider over the Vercel Sandbox REST API.
type Provider struct {
	apiBase    string
	token      string
	teamID     string
	httpClient *http.Client
	// streamClient carries no client timeout; agent runs are bounded by the
	// request context instead.
	streamClient *http.Client
	log          *logger.Logger
}

// New creates a Vercel sandbox provider.
func New(cfg config.SandboxProviderConfig, log *logger.Logger) *Provider {
	base := cfg.APIURL
	if base == "" {
		base = defaultAPIBase
	}
	return &Provider{
		apiBase: strings.TrimRight(base, "/"),
		token:   cfg.APIToken,
		teamID:  cfg.TeamID,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
		streamClient: &http.Client{},
		log:          log,
	}
}

func (p *Provider) Type() models.ProviderType { return models.ProviderVercel }

type createRequest struct {
	Name      string `json:"name,omitempty"`
	Runtime   string `json:"runtime"`
	VCPUs     int    `json:"vcpus,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
	Ports     []int  `json:"ports,omitempty"`
}

type createResponse struct {
	ID     string `json:"id"`
	Domain string `json:"domain"`
}

// Create provisions a sandbox. The provider enforces Timeout on its side;
// the returned handle carries the matching deadline for the sweeper.
func (p *Provider) Create(ctx context.Context, spec sandbox.CreateSpec) (*sandbox.Handle, error) {
	req := createRequest{
		Name:    sandboxNamePrefix + spec.TaskID,
		Runtime: spec.Runtime,
		VCPUs:   spec.VCPUs,
		Ports:   spec.Ports,
	}
	if spec.Timeout > 0 {
		req.TimeoutMS = spec.Timeout.Milliseconds()
	}

	var resp createResponse
	if err := p.post(ctx, "/v1/sandboxes", req, &resp); err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}

	p.log.WithTaskID(spec.TaskID).Info("Sandbox created",
		zap.String("sandbox_id", resp.ID),
		zap.String("domain", resp.Domain),
	)

	now := time.Now()
	h := &sandbox.Handle{
		TaskID:    spec.TaskID,
		Provider:  models.ProviderVercel,
		Ref:       resp.ID,
		Domain:    resp.Domain,
		CreatedAt: now,
	}
	if spec.Timeout > 0 {
		h.Deadline = now.Add(spec.Timeout)
	}
	return h, nil
}

type execRequest struct {
	Cmd    []string          `json:"cmd"`
	Cwd    string            `json:"cwd,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
	Stream bool              `json:"stream,omitempty"`
}

type execEvent struct {
	Type     string `json:"type"` // stdout, stderr, exit
	Data     string `json:"data,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
}

type execResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Exec runs one command in the sandbox. With OnLine set the command endpoint
// is consumed as an NDJSON event stream.
func (p *Provider) Exec(ctx context.Context, h *sandbox.Handle, spec sandbox.ExecSpec) (*sandbox.ExecResult, error) {
	endpoint := fmt.Sprintf("/v1/sandboxes/%s/commands", h.Ref)
	req := execRequest{
		Cmd:    spec.Command,
		Cwd:    spec.WorkDir,
		Env:    spec.Env,
		Stream: spec.OnLine != nil,
	}

	if spec.OnLine == nil {
		var resp execResponse
		if err := p.post(ctx, endpoint, req, &resp); err != nil {
			return nil, fmt.Errorf("exec command: %w", err)
		}
		return &sandbox.ExecResult{ExitCode: resp.ExitCode, Stdout: resp.Stdout, Stderr: resp.Stderr}, nil
	}

	body, err := p.postStream(ctx, endpoint, req)
	if err != nil {
		return nil, fmt.Errorf("exec command: %w", err)
	}
	defer body.Close()

	result := &sandbox.ExecResult{ExitCode: -1}
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event execEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		switch event.Type {
		case "stdout", "stderr":
			if line := strings.TrimRight(event.Data, "\r\n"); line != "" {
				spec.OnLine(line)
			}
		case "exit":
			result.ExitCode = event.ExitCode
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read command stream: %w", err)
	}
	return result, nil
}

type listResponse struct {
	Sandboxes []struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		Domain    string    `json:"domain"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"sandboxes"`
}

// List returns handles for every live sandbox Kiln created, identified by
// the name prefix. Sandboxes with foreign names are ignored.
func (p *Provider) List(ctx context.Context) ([]*sandbox.Handle, error) {
	var resp listResponse
	if err := p.get(ctx, "/v1/sandboxes", &resp); err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}

	var handles []*sandbox.Handle
	for _, sb := range resp.Sandboxes {
		taskID, ok := strings.CutPrefix(sb.Name, sandboxNamePrefix)
		if !ok || taskID == "" {
			continue
		}
		handles = append(handles, &sandbox.Handle{
			TaskID:    taskID,
			Provider:  models.ProviderVercel,
			Ref:       sb.ID,
			Domain:    sb.Domain,
			CreatedAt: sb.CreatedAt,
		})
	}
	return handles, nil
}

// Destroy tears the sandbox down. A 404 counts as already gone.
func (p *Provider) Destroy(ctx context.Context, h *sandbox.Handle) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.url("/v1/sandboxes/"+h.Ref), nil)
	if err != nil {
		return err
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("destroy sandbox: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sandbox API returned %d: %s", resp.StatusCode, string(body))
	}
	p.log.WithTaskID(h.TaskID).Info("Sandbox destroyed", zap.String("sandbox_id", h.Ref))
	return nil
}

func (p *Provider) url(endpoint string) string {
	u := p.apiBase + endpoint
	if p.teamID != "" {
		u += "?teamId=" + p.teamID
	}
	return u
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")
}

func (p *Provider) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url(endpoint), nil)
	if err != nil {
		return err
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sandbox API %s returned %d: %s", endpoint, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

func (p *Provider) post(ctx context.Context, endpoint string, payload, result interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url(endpoint), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sandbox API %s returned %d: %s", endpoint, resp.StatusCode, string(body))
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// postStream issues a POST and hands the raw body to the caller.
func (p *Provider) postStream(ctx context.Context, endpoint string, payload interface{}) (io.ReadCloser, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url(endpoint), bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	p.setHeaders(req)
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := p.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", endpoint, err)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("sandbox API %s returned %d: %s", endpoint, resp.StatusCode, string(body))
	}
	return resp.Body, nil
}
