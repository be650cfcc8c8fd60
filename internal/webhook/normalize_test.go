package webhook

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowgate/internal/config"
	"flowgate/internal/domain"
)

func TestIssueKey(t *testing.T) {
	assert.Equal(t, "ENG-42", IssueKey("feature/eng-42-add-retry"))
	assert.Equal(t, "OPS-7", IssueKey("OPS-7: rotate keys"))
	assert.Equal(t, "", IssueKey("main"))
}

func TestNormalizeGitHubMergedPullRequest(t *testing.T) {
	h := http.Header{}
	h.Set("X-GitHub-Event", "pull_request")
	n, err := normalizeGitHub(h, []byte(`{"action":"closed","pull_request":{"merged":true,"title":"x","head":{"ref":"feature/ENG-3-x"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "pull_request.merged", n.eventType)
	assert.Equal(t, "ENG-3", n.workItemID)
	assert.Contains(t, n.externalID, "sha256:")
}

func TestNormalizeJiraStatusChange(t *testing.T) {
	h := http.Header{}
	h.Set("X-Atlassian-Webhook-Identifier", "wh-1")
	body := `{"webhookEvent":"jira:issue_updated","issue":{"key":"ENG-5","fields":{"summary":"s"}},"changelog":{"items":[{"field":"status","fromString":"To Do","toString":"In Progress"}]}}`
	n, err := normalizeJira(h, []byte(body))
	require.NoError(t, err)
	assert.Equal(t, "status_changed", n.eventType)
	assert.Equal(t, "wh-1", n.externalID)
	assert.Equal(t, "In Progress", n.payload["status_to"])
}

func TestNormalizeGitLabMergeRequest(t *testing.T) {
	body := `{"object_kind":"merge_request","user":{"username":"dev"},"object_attributes":{"action":"merge","source_branch":"ENG-11-fix","title":"Fix"}}`
	n, err := normalizeGitLab(http.Header{}, []byte(body))
	require.NoError(t, err)
	assert.Equal(t, "merge_request.merged", n.eventType)
	assert.Equal(t, "ENG-11", n.workItemID)
	assert.Equal(t, "dev", n.sender)

	_, err = normalizeGitLab(http.Header{}, []byte(`{}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestTableFromConfig(t *testing.T) {
	table, err := TableFromConfig(config.Default().Webhooks)
	require.NoError(t, err)
	a, ok := table.Lookup("codehost", "pull_request.merged")
	require.True(t, ok)
	assert.Equal(t, AdvanceAction{To: domain.PhaseCompleted}, a)
	_, ok = table.Lookup("issues", "pull_request.merged")
	assert.False(t, ok)
	assert.NotEmpty(t, table.Routes())

	bad := []config.RouteConfig{
		{Action: "advance", To: "nowhere"},
		{Action: "advance", To: "approval_pending"},
		{Action: "decide", Verdict: "maybe"},
		{Action: "comment"},
		{Action: "escalate"},
	}
	for _, rc := range bad {
		_, err := TableFromConfig(config.WebhooksConfig{Sources: map[string]config.SourceConfig{
			"s": {Kind: "github", Routes: map[string]config.RouteConfig{"e": rc}},
		}})
		assert.Error(t, err, "%+v", rc)
	}
}

func TestRenderComment(t *testing.T) {
	text, err := renderComment("{{.Source}}: {{.EventType}} on {{.WorkItemID}}", domain.WebhookEvent{Source: "issues", EventType: "status_changed", WorkItemID: "ENG-1"})
	require.NoError(t, err)
	assert.Equal(t, "issues: status_changed on ENG-1", text)
}
