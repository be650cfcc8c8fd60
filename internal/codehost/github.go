// Package codehost creates branches and pull requests through the GitHub
// REST API.
package codehost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"flowgate/internal/config"
	"flowgate/internal/domain"
)

const defaultAPIURL = "https://api.github.com"

// errExists is GitHub's 422 for a ref or pull request that already exists.
var errExists = errors.New("already exists")

type GitHub struct {
	APIURL     string
	Repo       string // owner/name
	BaseBranch string
	Token      string
	HTTPClient *http.Client
}

func New(cfg config.CodeHostConfig) *GitHub {
	g := &GitHub{
		APIURL:     strings.TrimRight(cfg.APIURL, "/"),
		Repo:       cfg.Repo,
		BaseBranch: cfg.BaseBranch,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
	if cfg.TokenEnv != "" {
		g.Token = os.Getenv(cfg.TokenEnv)
	}
	if g.APIURL == "" {
		g.APIURL = defaultAPIURL
	}
	if g.BaseBranch == "" {
		g.BaseBranch = "main"
	}
	return g
}

// CreateBranch branches name off the base branch. An existing branch is
// left as is.
func (g *GitHub) CreateBranch(ctx context.Context, name string) error {
	var base struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := g.do(ctx, http.MethodGet, g.repoPath("/git/ref/heads/"+g.BaseBranch), nil, &base); err != nil {
		return fmt.Errorf("resolve %s: %w", g.BaseBranch, err)
	}
	err := g.do(ctx, http.MethodPost, g.repoPath("/git/refs"), map[string]string{
		"ref": "refs/heads/" + name,
		"sha": base.Object.SHA,
	}, nil)
	if err != nil && !errors.Is(err, errExists) {
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	return nil
}

// CreatePullRequest opens a pull request from branch into the base branch
// and returns its URL. An open pull request for branch is reused.
func (g *GitHub) CreatePullRequest(ctx context.Context, branch, title, body string) (string, error) {
	var pr struct {
		HTMLURL string `json:"html_url"`
	}
	err := g.do(ctx, http.MethodPost, g.repoPath("/pulls"), map[string]string{
		"title": title,
		"head":  branch,
		"base":  g.BaseBranch,
		"body":  body,
	}, &pr)
	if errors.Is(err, errExists) {
		return g.findPullRequest(ctx, branch)
	}
	if err != nil {
		return "", fmt.Errorf("create pull request: %w", err)
	}
	return pr.HTMLURL, nil
}

func (g *GitHub) findPullRequest(ctx context.Context, branch string) (string, error) {
	owner, _, _ := strings.Cut(g.Repo, "/")
	q := url.Values{"head": {owner + ":" + branch}, "state": {"open"}}
	var prs []struct {
		HTMLURL string `json:"html_url"`
	}
	if err := g.do(ctx, http.MethodGet, g.repoPath("/pulls?"+q.Encode()), nil, &prs); err != nil {
		return "", fmt.Errorf("find pull request: %w", err)
	}
	if len(prs) == 0 {
		return "", fmt.Errorf("find pull request for %s: %w", branch, domain.ErrNotFound)
	}
	return prs[0].HTMLURL, nil
}

func (g *GitHub) repoPath(suffix string) string {
	return "/repos/" + g.Repo + suffix
}

func (g *GitHub) do(ctx context.Context, method, path string, in, out any) error {
	if g.Repo == "" {
		return fmt.Errorf("%w: codehost repo not configured", domain.ErrUnavailable)
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.APIURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}
	client := g.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrNotFound
	case resp.StatusCode == http.StatusUnprocessableEntity && bytes.Contains(bytes.ToLower(data), []byte("already exists")):
		return errExists
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: HTTP %d", domain.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data[:min(300, len(data))]))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
