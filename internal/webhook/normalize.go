package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// ErrMalformed marks a body the source's normaliser could not read.
var ErrMalformed = errors.New("malformed webhook payload")

var issueKeyRe = regexp.MustCompile(`([A-Z]+-\d+)`)

// IssueKey extracts the first tracker key from s, e.g. a branch name or a
// pull request title. Matching is case-insensitive.
func IssueKey(s string) string {
	return issueKeyRe.FindString(strings.ToUpper(s))
}

// normalized is what a source kind extracts from a delivery.
type normalized struct {
	eventType  string
	externalID string
	workItemID string
	sender     string
	summary    string
	url        string
	payload    map[string]any
}

type normalizer func(h http.Header, body []byte) (normalized, error)

var normalizers = map[string]normalizer{
	"jira":   normalizeJira,
	"github": normalizeGitHub,
	"gitlab": normalizeGitLab,
}

// bodyID stands in for a delivery id when the source sent none. Identical
// bodies are the same delivery.
func bodyID(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:16])
}

func decode(body []byte, into any) (map[string]any, error) {
	if err := json.Unmarshal(body, into); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return raw, nil
}

type jiraPayload struct {
	WebhookEvent string `json:"webhookEvent"`
	Timestamp    int64  `json:"timestamp"`
	User         struct {
		Name        string `json:"name"`
		AccountID   string `json:"accountId"`
		DisplayName string `json:"displayName"`
	} `json:"user"`
	Issue struct {
		Key    string `json:"key"`
		Self   string `json:"self"`
		Fields struct {
			Summary string `json:"summary"`
		} `json:"fields"`
	} `json:"issue"`
	Changelog struct {
		Items []struct {
			Field      string `json:"field"`
			FromString string `json:"fromString"`
			ToString   string `json:"toString"`
		} `json:"items"`
	} `json:"changelog"`
}

func normalizeJira(h http.Header, body []byte) (normalized, error) {
	var p jiraPayload
	raw, err := decode(body, &p)
	if err != nil {
		return normalized{}, err
	}
	n := normalized{
		workItemID: p.Issue.Key,
		sender:     firstNonEmpty(p.User.Name, p.User.AccountID, p.User.DisplayName),
		summary:    p.Issue.Fields.Summary,
		url:        p.Issue.Self,
		payload:    raw,
	}
	switch p.WebhookEvent {
	case "jira:issue_created":
		n.eventType = "issue_created"
	case "jira:issue_updated":
		n.eventType = "issue_updated"
		for _, item := range p.Changelog.Items {
			if item.Field == "status" {
				n.eventType = "status_changed"
				raw["status_from"], raw["status_to"] = item.FromString, item.ToString
				break
			}
		}
	case "":
		return normalized{}, fmt.Errorf("%w: missing webhookEvent", ErrMalformed)
	default:
		n.eventType = strings.TrimPrefix(p.WebhookEvent, "jira:")
	}
	n.externalID = h.Get("X-Atlassian-Webhook-Identifier")
	if n.externalID == "" {
		n.externalID = bodyID(body)
	}
	return n, nil
}

type githubPayload struct {
	Action      string `json:"action"`
	PullRequest *struct {
		Title   string `json:"title"`
		HTMLURL string `json:"html_url"`
		Merged  bool   `json:"merged"`
		Head    struct {
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request"`
	Review *struct {
		State string `json:"state"`
		Body  string `json:"body"`
	} `json:"review"`
	Issue *struct {
		Title   string `json:"title"`
		HTMLURL string `json:"html_url"`
	} `json:"issue"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

func normalizeGitHub(h http.Header, body []byte) (normalized, error) {
	var p githubPayload
	raw, err := decode(body, &p)
	if err != nil {
		return normalized{}, err
	}
	event := h.Get("X-GitHub-Event")
	n := normalized{sender: p.Sender.Login, payload: raw}
	switch {
	case p.Review != nil && p.PullRequest != nil:
		if event == "" {
			event = "pull_request_review"
		}
		n.eventType = event + "." + strings.ToLower(p.Review.State)
	case p.PullRequest != nil:
		if event == "" {
			event = "pull_request"
		}
		action := p.Action
		if action == "closed" && p.PullRequest.Merged {
			action = "merged"
		}
		n.eventType = event + "." + action
	case p.Issue != nil:
		if event == "" {
			event = "issues"
		}
		n.eventType = event + "." + p.Action
		n.summary, n.url = p.Issue.Title, p.Issue.HTMLURL
		n.workItemID = IssueKey(p.Issue.Title)
	default:
		if event == "" {
			return normalized{}, fmt.Errorf("%w: unrecognised github event", ErrMalformed)
		}
		n.eventType = event
		if p.Action != "" {
			n.eventType += "." + p.Action
		}
	}
	if pr := p.PullRequest; pr != nil {
		n.summary, n.url = pr.Title, pr.HTMLURL
		n.workItemID = firstNonEmpty(IssueKey(pr.Head.Ref), IssueKey(pr.Title))
	}
	n.externalID = h.Get("X-GitHub-Delivery")
	if n.externalID == "" {
		n.externalID = bodyID(body)
	}
	return n, nil
}

type gitlabPayload struct {
	ObjectKind string `json:"object_kind"`
	User       struct {
		Username string `json:"username"`
		Name     string `json:"name"`
	} `json:"user"`
	ObjectAttributes struct {
		Action       string `json:"action"`
		Title        string `json:"title"`
		URL          string `json:"url"`
		SourceBranch string `json:"source_branch"`
	} `json:"object_attributes"`
}

// gitlab reports verbs in the present tense.
var gitlabActions = map[string]string{
	"open":     "opened",
	"reopen":   "reopened",
	"close":    "closed",
	"merge":    "merged",
	"update":   "updated",
	"approved": "approved",
	"approval": "approved",
}

func normalizeGitLab(h http.Header, body []byte) (normalized, error) {
	var p gitlabPayload
	raw, err := decode(body, &p)
	if err != nil {
		return normalized{}, err
	}
	if p.ObjectKind == "" {
		return normalized{}, fmt.Errorf("%w: missing object_kind", ErrMalformed)
	}
	attrs := p.ObjectAttributes
	n := normalized{
		eventType:  p.ObjectKind,
		sender:     firstNonEmpty(p.User.Username, p.User.Name),
		summary:    attrs.Title,
		url:        attrs.URL,
		workItemID: firstNonEmpty(IssueKey(attrs.SourceBranch), IssueKey(attrs.Title)),
		payload:    raw,
	}
	if attrs.Action != "" {
		action, ok := gitlabActions[attrs.Action]
		if !ok {
			action = attrs.Action
		}
		n.eventType += "." + action
	}
	n.externalID = h.Get("X-Gitlab-Event-UUID")
	if n.externalID == "" {
		n.externalID = bodyID(body)
	}
	return n, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
