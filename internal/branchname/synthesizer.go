// Package branchname synthesizes git branch names from task prompts.
package branchname

import (
	"context"
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/kiln-dev/kiln/internal/common/config"
	"github.com/kiln-dev/kiln/internal/common/logger"
)

// maxSlugLen caps the descriptive part of a synthesized name.
const maxSlugLen = 40

const systemPrompt = `You name git branches. Given a coding task, answer with ONLY a short branch name in the form <type>/<slug> where <type> is one of feature, fix, chore, docs and <slug> is 2-5 lowercase hyphenated words describing the task. No explanation, no backticks.`

// Namer fills a task's branch name if it is still unset. The synthesizer and
// the executor's fallback race through this compare-and-set.
type Namer interface {
	SetBranchNameIfNull(ctx context.Context, id, branchName string) (bool, error)
}

// Synthesizer generates branch names through an OpenAI-compatible gateway.
type Synthesizer struct {
	client  openai.Client
	model   string
	timeout time.Duration
	namer   Namer
	log     *logger.Logger
}

// New creates a Synthesizer from the gateway config. Returns nil when no API
// key is configured; callers fall back to time-based names.
func New(cfg config.BranchNameConfig, namer Namer, log *logger.Logger) *Synthesizer {
	if cfg.APIKey == "" {
		return nil
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Synthesizer{
		client:  openai.NewClient(opts...),
		model:   cfg.Model,
		timeout: cfg.Timeout(),
		namer:   namer,
		log:     log,
	}
}

// SynthesizeAsync generates a name for the task in the background and stores
// it if the branch name is still unset. Failures are logged and swallowed;
// the executor's fallback covers them.
func (s *Synthesizer) SynthesizeAsync(taskID, prompt string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		name, err := s.synthesize(ctx, prompt)
		if err != nil {
			s.log.WithTaskID(taskID).WithError(err).Warn("Branch name synthesis failed")
			return
		}

		set, err := s.namer.SetBranchNameIfNull(ctx, taskID, name)
		if err != nil {
			s.log.WithTaskID(taskID).WithError(err).Warn("Failed to store synthesized branch name")
			return
		}
		if !set {
			s.log.WithTaskID(taskID).Debug("Branch name already set, discarding synthesized name")
		}
	}()
}

func (s *Synthesizer) synthesize(ctx context.Context, prompt string) (string, error) {
	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		MaxTokens:   openai.Int(30),
		Temperature: openai.Float(0.3),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion")
	}
	return Normalize(resp.Choices[0].Message.Content)
}

var (
	slugPattern    = regexp.MustCompile(`[^a-z0-9-]+`)
	hyphenRuns     = regexp.MustCompile(`-{2,}`)
	validTypes     = map[string]bool{"feature": true, "fix": true, "chore": true, "docs": true}
	fallbackFormat = "2006-01-02T15-04-05"
)

// Normalize turns a raw completion into a valid, suffixed branch name.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(strings.Trim(strings.TrimSpace(raw), "`\"'"))
	branchType := "feature"
	slug := raw
	if idx := strings.Index(raw, "/"); idx > 0 {
		if t := strings.ToLower(raw[:idx]); validTypes[t] {
			branchType = t
		}
		slug = raw[idx+1:]
	}

	slug = strings.ToLower(slug)
	slug = slugPattern.ReplaceAllString(slug, "-")
	slug = hyphenRuns.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		return "", fmt.Errorf("completion produced no usable slug: %q", raw)
	}
	return fmt.Sprintf("%s/%s-%s", branchType, slug, randomSuffix()), nil
}

// Fallback returns a time-based branch name for when synthesis lost the race
// or is not configured.
func Fallback() string {
	return fmt.Sprintf("agent/%s-%s", time.Now().UTC().Format(fallbackFormat), randomSuffix())
}

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// randomSuffix makes names collision-resistant under the per-user branch
// uniqueness constraint.
func randomSuffix() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%06d", time.Now().UnixNano()%1000000)
	}
	for i := range b {
		b[i] = suffixAlphabet[int(b[i])%len(suffixAlphabet)]
	}
	return string(b)
}
