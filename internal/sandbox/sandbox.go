// Package sandbox defines the provider abstraction for ephemeral execution
// environments and tracks which sandboxes are alive.
package sandbox

import (
	"context"
	"time"

	"github.com/kiln-dev/kiln/internal/task/models"
)

// CreateSpec describes the sandbox to provision for a task.
type CreateSpec struct {
	TaskID  string
	Runtime string // node22, python3.13
	VCPUs   int
	Timeout time.Duration // provider-side hard lifetime
	Env     map[string]string
	Ports   []int
}

// Handle identifies a live sandbox. Ref is the provider-native ID; Domain is
// the public URL when the provider exposes one.
type Handle struct {
	TaskID    string
	Provider  models.ProviderType
	Ref       string
	Domain    string
	CreatedAt time.Time
	Deadline  time.Time
}

// ExecSpec describes one command run inside a sandbox. When OnLine is set
// output is streamed line by line and ExecResult carries only the exit code;
// otherwise output is captured whole.
type ExecSpec struct {
	WorkDir string
	Command []string
	Env     map[string]string
	OnLine  func(line string)
}

// ExecResult is the outcome of an ExecSpec run. A non-zero exit code is not
// an error; callers decide which commands are fatal.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Provider provisions and drives sandboxes on one back-end. List returns
// every live sandbox this engine created there, tracked or not; the sweeper
// uses it to find orphans left behind by crashes and restarts.
type Provider interface {
	Type() models.ProviderType
	Create(ctx context.Context, spec CreateSpec) (*Handle, error)
	Exec(ctx context.Context, h *Handle, spec ExecSpec) (*ExecResult, error)
	Destroy(ctx context.Context, h *Handle) error
	List(ctx context.Context) ([]*Handle, error)
}
