package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const slackTimeout = 10 * time.Second

// SlackSink posts events to a Slack incoming webhook. Without a Client each
// post is bounded by slackTimeout.
type SlackSink struct {
	WebhookURL string
	Client     *http.Client
}

var defaultSlackClient = &http.Client{Timeout: slackTimeout}

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (SlackSink) Name() string { return "slack" }

func (s SlackSink) Notify(ctx context.Context, ev Event) error {
	if s.WebhookURL == "" {
		return ErrNotConfigured
	}
	title := fmt.Sprintf("%s %s", levelTag(ev.Level), ev.Kind)
	if ev.WorkItemID != "" {
		title += " " + ev.WorkItemID
	}
	msg := slackMessage{Blocks: []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: title}},
		{Type: "section", Text: &slackText{Type: "mrkdwn", Text: ev.Message}},
	}}
	if ev.Actor != "" {
		msg.Blocks = append(msg.Blocks, slackBlock{Type: "context", Text: &slackText{Type: "mrkdwn", Text: fmt.Sprintf("_Actor: %s_", ev.Actor)}})
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = defaultSlackClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("slack API %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func levelTag(level string) string {
	switch level {
	case "success":
		return "[OK]"
	case "error":
		return "[ERROR]"
	case "warning":
		return "[WARN]"
	default:
		return "[INFO]"
	}
}
