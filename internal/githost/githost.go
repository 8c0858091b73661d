// Package githost handles repository host concerns: authenticated clone
// URLs and pull request linkage after a push.
package githost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultAPIBase = "https://api.github.com"

// ErrNotSupported is returned for repository hosts without API support.
var ErrNotSupported = errors.New("repository host not supported")

// Repo identifies a repository on its host.
type Repo struct {
	Host  string
	Owner string
	Name  string
}

// FullName returns owner/name.
func (r Repo) FullName() string { return r.Owner + "/" + r.Name }

// ParseRepoURL extracts the host and owner/name from an HTTPS repository URL.
func ParseRepoURL(repoURL string) (Repo, error) {
	u, err := url.Parse(strings.TrimSpace(repoURL))
	if err != nil {
		return Repo{}, fmt.Errorf("parse repo url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return Repo{}, fmt.Errorf("repo url must be http(s), got %q", repoURL)
	}

	path := strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Repo{}, fmt.Errorf("repo url %q missing owner/name", repoURL)
	}
	return Repo{Host: u.Host, Owner: parts[0], Name: parts[1]}, nil
}

// BuildCloneURL embeds the host token into the repository URL for
// non-interactive clone and push. The result must never reach logs
// unredacted.
func BuildCloneURL(repoURL, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(repoURL))
	if err != nil {
		return "", fmt.Errorf("parse repo url: %w", err)
	}
	u.Scheme = "https"
	u.User = url.UserPassword(token, "x-oauth-basic")
	return u.String(), nil
}

// PR is an open pull request for a pushed branch.
type PR struct {
	Number int
	URL    string
}

// Client talks to the repository host API. Only github.com hosts are
// supported; other hosts degrade to push-only behavior.
type Client struct {
	apiBase    string
	token      string
	httpClient *http.Client
}

// NewClient creates a host API client for the given token.
func NewClient(token string) *Client {
	return &Client{
		apiBase: defaultAPIBase,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type hostPR struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

// EnsurePR returns the open PR for the branch, creating one when none
// exists. base empty means the repository default branch.
func (c *Client) EnsurePR(ctx context.Context, repo Repo, branch, title, body string) (*PR, error) {
	if repo.Host != "github.com" {
		return nil, ErrNotSupported
	}

	existing, err := c.findPR(ctx, repo, branch)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return c.createPR(ctx, repo, branch, title, body)
}

func (c *Client) findPR(ctx context.Context, repo Repo, branch string) (*PR, error) {
	var raw []hostPR
	endpoint := fmt.Sprintf("/repos/%s/pulls?head=%s:%s&state=open&per_page=1",
		repo.FullName(), repo.Owner, url.QueryEscape(branch))
	if err := c.get(ctx, endpoint, &raw); err != nil {
		return nil, fmt.Errorf("find PR by branch: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return &PR{Number: raw[0].Number, URL: raw[0].HTMLURL}, nil
}

func (c *Client) createPR(ctx context.Context, repo Repo, branch, title, body string) (*PR, error) {
	base, err := c.defaultBranch(ctx, repo)
	if err != nil {
		return nil, err
	}

	payload := map[string]string{
		"title": title,
		"head":  branch,
		"base":  base,
		"body":  body,
	}
	var raw hostPR
	if err := c.post(ctx, "/repos/"+repo.FullName()+"/pulls", payload, &raw); err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}
	return &PR{Number: raw.Number, URL: raw.HTMLURL}, nil
}

func (c *Client) defaultBranch(ctx context.Context, repo Repo) (string, error) {
	var info struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := c.get(ctx, "/repos/"+repo.FullName(), &info); err != nil {
		return "", fmt.Errorf("get default branch: %w", err)
	}
	if info.DefaultBranch == "" {
		return "main", nil
	}
	return info.DefaultBranch, nil
}

func (c *Client) get(ctx context.Context, endpoint string, result interface{}) error {
	return c.do(ctx, http.MethodGet, endpoint, nil, result)
}

func (c *Client) post(ctx context.Context, endpoint string, payload, result interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, endpoint, bytes.NewReader(raw), result)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("host API %s returned %d: %s", endpoint, resp.StatusCode, string(raw))
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
