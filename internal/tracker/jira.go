// Package tracker talks to the issue tracker (Jira REST v2).
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
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

type Client struct {
	BaseURL    string
	User       string
	Token      string
	HTTPClient *http.Client
}

// New builds a client from config. The token is read from TokenEnv.
func New(cfg config.TrackerConfig) *Client {
	token := ""
	if cfg.TokenEnv != "" {
		token = os.Getenv(cfg.TokenEnv)
	}
	return &Client{
		BaseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		User:       cfg.User,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type issueResponse struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string   `json:"summary"`
		Description string   `json:"description"`
		Labels      []string `json:"labels"`
	} `json:"fields"`
}

func (c *Client) FetchIssue(ctx context.Context, id string) (domain.Issue, error) {
	path := "/rest/api/2/issue/" + url.PathEscape(id) + "?fields=summary,description,labels"
	var out issueResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return domain.Issue{}, fmt.Errorf("fetch issue %s: %w", id, err)
	}
	return domain.Issue{
		ID:          firstNonEmpty(out.Key, id),
		Summary:     out.Fields.Summary,
		Description: out.Fields.Description,
		Labels:      out.Fields.Labels,
	}, nil
}

func (c *Client) AddComment(ctx context.Context, id, text string) error {
	path := "/rest/api/2/issue/" + url.PathEscape(id) + "/comment"
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"body": text}, nil); err != nil {
		return fmt.Errorf("comment on %s: %w", id, err)
	}
	return nil
}

// do maps transport failures and 5xx to ErrUnavailable and 404 to
// ErrNotFound.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: tracker base_url not configured", domain.ErrUnavailable)
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		if c.User != "" {
			req.SetBasicAuth(c.User, c.Token)
		} else {
			req.Header.Set("Authorization", "Bearer "+c.Token)
		}
	}
	client := c.HTTPClient
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

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
