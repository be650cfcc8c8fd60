// Package flowgatesdk is a small client for the flowgate HTTP API.
package flowgatesdk

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

	"github.com/coder/websocket"
)

// Client is a minimal flowgate HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

type Transition struct {
	Seq    int    `json:"seq"`
	From   string `json:"from"`
	To     string `json:"to"`
	Actor  string `json:"actor"`
	At     string `json:"at"`
	Reason string `json:"reason,omitempty"`
}

// WorkItem mirrors the API work item.
type WorkItem struct {
	ID              string            `json:"id"`
	Phase           string            `json:"phase"`
	TeamID          string            `json:"team_id,omitempty"`
	BranchRef       string            `json:"branch_ref,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	PendingApproval string            `json:"pending_approval,omitempty"`
	PendingTarget   string            `json:"pending_target,omitempty"`
	Successors      []string          `json:"successors"`
	History         []Transition      `json:"history"`
	CreatedAt       string            `json:"created_at"`
	UpdatedAt       string            `json:"updated_at"`
}

type AdvanceResult struct {
	Item       WorkItem `json:"item"`
	Pending    bool     `json:"pending"`
	ApprovalID string   `json:"approval_id,omitempty"`
}

type Decision struct {
	Approver string `json:"approver"`
	Verdict  string `json:"verdict"`
	Comment  string `json:"comment,omitempty"`
	At       string `json:"at"`
}

type Approval struct {
	ID                string     `json:"id"`
	WorkItemID        string     `json:"work_item_id"`
	TeamID            string     `json:"team_id,omitempty"`
	Action            string     `json:"action"`
	RequiredApprovers []string   `json:"required_approvers"`
	RequestedBy       string     `json:"requested_by"`
	Status            string     `json:"status"`
	Decisions         []Decision `json:"decisions"`
	Reason            string     `json:"reason,omitempty"`
	CreatedAt         string     `json:"created_at"`
	ExpiresAt         string     `json:"expires_at"`
	ResolvedAt        string     `json:"resolved_at,omitempty"`
}

type AuditEntry struct {
	ID         int64          `json:"id"`
	At         string         `json:"at"`
	Kind       string         `json:"kind"`
	WorkItemID string         `json:"work_item_id,omitempty"`
	Actor      string         `json:"actor"`
	Outcome    string         `json:"outcome"`
	Reason     string         `json:"reason,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// Notification is one message from the live event stream.
type Notification struct {
	Kind       string         `json:"kind"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	WorkItemID string         `json:"work_item_id,omitempty"`
	ApprovalID string         `json:"approval_id,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	At         time.Time      `json:"at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

// StartItem begins tracking id.
func (c *Client) StartItem(ctx context.Context, id string, metadata map[string]string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "items", map[string]any{"id": id, "metadata": metadata}, &resp)
	return resp, err
}

func (c *Client) GetItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, "items/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListItems lists work items, optionally in one phase.
func (c *Client) ListItems(ctx context.Context, phase string) ([]WorkItem, error) {
	endpoint := "items"
	if phase != "" {
		endpoint += "?phase=" + url.QueryEscape(phase)
	}
	var resp []WorkItem
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Advance requests a phase change. Pending is set when the target is gated.
func (c *Client) Advance(ctx context.Context, id, to string) (AdvanceResult, error) {
	var resp AdvanceResult
	err := c.do(ctx, http.MethodPost, "items/"+url.PathEscape(id)+"/advance", map[string]any{"to": to}, &resp)
	return resp, err
}

func (c *Client) Cancel(ctx context.Context, id, reason string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "items/"+url.PathEscape(id)+"/cancel", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Step runs a collaborator step: provision, develop or pull-request.
func (c *Client) Step(ctx context.Context, id, step string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "items/"+url.PathEscape(id)+"/"+step, nil, &resp)
	return resp, err
}

// PendingApprovals lists open requests the caller may decide.
func (c *Client) PendingApprovals(ctx context.Context) ([]Approval, error) {
	var resp []Approval
	err := c.do(ctx, http.MethodGet, "approvals?status=pending&mine=true", nil, &resp)
	return resp, err
}

func (c *Client) GetApproval(ctx context.Context, id string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodGet, "approvals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Decide records verdict ("approved" or "rejected") on a request.
func (c *Client) Decide(ctx context.Context, id, verdict, comment string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, "approvals/"+url.PathEscape(id)+"/decide", map[string]any{"verdict": verdict, "comment": comment}, &resp)
	return resp, err
}

// Audit queries the trail. Empty filter values are ignored.
func (c *Client) Audit(ctx context.Context, filter map[string]string) ([]AuditEntry, error) {
	q := url.Values{}
	for k, v := range filter {
		if v != "" {
			q.Set(k, v)
		}
	}
	endpoint := "audit"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []AuditEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Subscribe streams notifications until ctx ends or the connection drops.
// The channel is closed when the stream stops.
func (c *Client) Subscribe(ctx context.Context) (<-chan Notification, error) {
	u, err := url.Parse(c.endpoint("events/ws"))
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	// the dialer rejects clients with a Timeout; ctx bounds the handshake
	opts := &websocket.DialOptions{}
	if c.BearerToken != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + c.BearerToken}}
	}
	conn, _, err := websocket.Dial(ctx, u.String(), opts)
	if err != nil {
		return nil, err
	}
	out := make(chan Notification, 16)
	go func() {
		defer close(out)
		defer conn.CloseNow()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var n Notification
			if json.Unmarshal(data, &n) != nil {
				continue
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) endpoint(p string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/") + "/" + strings.TrimLeft(p, "/")
}
