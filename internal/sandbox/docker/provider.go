// Package docker runs task sandboxes as local containers. It is the
// development back-end: no public domain, no provider-side timeout beyond
// the orphan sweeper.
package docker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/kiln-dev/kiln/internal/common/config"
	"github.com/kiln-dev/kiln/internal/common/logger"
	"github.com/kiln-dev/kiln/internal/sandbox"
	"github.com/kiln-dev/kiln/internal/task/models"
)

// taskLabel marks containers owned by Kiln so the sweeper can find strays.
const taskLabel = "dev.kiln.task_id"

// Provider implements sandbox.Provider over the local Docker daemon.
type Provider struct {
	cli *client.Client
	cfg config.DockerConfig
	log *logger.Logger
}

// New creates a docker-backed provider.
func New(cfg config.DockerConfig, log *logger.Logger) (*Provider, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker sandbox provider ready",
		zap.String("host", cfg.Host),
		zap.String("image", cfg.Image),
	)
	return &Provider{cli: cli, cfg: cfg, log: log}, nil
}

func (p *Provider) Type() models.ProviderType { return models.ProviderDocker }

// Create starts a long-lived container the task's commands exec into.
func (p *Provider) Create(ctx context.Context, spec sandbox.CreateSpec) (*sandbox.Handle, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	containerCfg := &container.Config{
		Image: p.cfg.Image,
		// The container idles; work happens through exec sessions.
		Cmd:        []string{"sleep", "infinity"},
		Env:        env,
		WorkingDir: "/workspace",
		Labels:     map[string]string{taskLabel: spec.TaskID},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(p.cfg.DefaultNetwork),
	}
	if spec.VCPUs > 0 {
		hostCfg.Resources = container.Resources{
			CPUPeriod: 100000,
			CPUQuota:  int64(spec.VCPUs) * 100000,
		}
	}

	name := "kiln-task-" + spec.TaskID
	resp, err := p.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", name, err)
	}
	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container %s: %w", name, err)
	}

	p.log.WithTaskID(spec.TaskID).Info("Container started", zap.String("container_id", resp.ID))

	now := time.Now()
	h := &sandbox.Handle{
		TaskID:    spec.TaskID,
		Provider:  models.ProviderDocker,
		Ref:       resp.ID,
		CreatedAt: now,
	}
	if spec.Timeout > 0 {
		h.Deadline = now.Add(spec.Timeout)
	}
	return h, nil
}

// Exec runs one command in the container through an exec session.
func (p *Provider) Exec(ctx context.Context, h *sandbox.Handle, spec sandbox.ExecSpec) (*sandbox.ExecResult, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	execCfg := container.ExecOptions{
		Cmd:          spec.Command,
		Env:          env,
		WorkingDir:   spec.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := p.cli.ContainerExecCreate(ctx, h.Ref, execCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := p.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	result := &sandbox.ExecResult{}
	if spec.OnLine != nil {
		p.streamLines(attach.Reader, spec.OnLine)
	} else {
		var stdout, stderr bytes.Buffer
		if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to read exec output: %w", err)
		}
		result.Stdout = stdout.String()
		result.Stderr = stderr.String()
	}

	inspect, err := p.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}
	result.ExitCode = inspect.ExitCode
	return result, nil
}

// streamLines demultiplexes the docker stream and emits stdout and stderr
// line by line, interleaved in arrival order.
func (p *Provider) streamLines(reader io.Reader, onLine func(string)) {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, reader)
		_ = pw.CloseWithError(err)
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line != "" {
			onLine(line)
		}
	}
	if err := scanner.Err(); err != nil {
		p.log.WithError(err).Debug("Exec stream ended")
	}
}

// List returns a handle for every Kiln-labeled container, running or not.
func (p *Provider) List(ctx context.Context) ([]*sandbox.Handle, error) {
	containers, err := p.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", taskLabel)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	handles := make([]*sandbox.Handle, 0, len(containers))
	for _, c := range containers {
		taskID := c.Labels[taskLabel]
		if taskID == "" {
			continue
		}
		handles = append(handles, &sandbox.Handle{
			TaskID:    taskID,
			Provider:  models.ProviderDocker,
			Ref:       c.ID,
			CreatedAt: time.Unix(c.Created, 0),
		})
	}
	return handles, nil
}

// Destroy stops and removes the task's container.
func (p *Provider) Destroy(ctx context.Context, h *sandbox.Handle) error {
	timeout := 10
	if err := p.cli.ContainerStop(ctx, h.Ref, container.StopOptions{Timeout: &timeout}); err != nil {
		p.log.WithTaskID(h.TaskID).WithError(err).Debug("Container stop failed, forcing removal")
	}
	if err := p.cli.ContainerRemove(ctx, h.Ref, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", h.Ref, err)
	}
	p.log.WithTaskID(h.TaskID).Info("Container removed", zap.String("container_id", h.Ref))
	return nil
}

// Close releases the docker client.
func (p *Provider) Close() error {
	return p.cli.Close()
}
