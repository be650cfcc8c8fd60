package tracker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowgate/internal/domain"
	"flowgate/internal/tracker"
)

func TestFetchIssueAndComment(t *testing.T) {
	var comment map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "bot", user)
		assert.Equal(t, "secret", pass)
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/rest/api/2/issue/ENG-1":
			_, _ = w.Write([]byte(`{"key":"ENG-1","fields":{"summary":"Add retry","description":"503s","labels":["backend"]}}`))
		case r.Method == http.MethodPost && r.URL.Path == "/rest/api/2/issue/ENG-1/comment":
			_ = json.NewDecoder(r.Body).Decode(&comment)
			w.WriteHeader(http.StatusCreated)
		case r.URL.Path == "/rest/api/2/issue/ENG-404":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := &tracker.Client{BaseURL: srv.URL, User: "bot", Token: "secret", HTTPClient: srv.Client()}
	issue, err := c.FetchIssue(context.Background(), "ENG-1")
	require.NoError(t, err)
	assert.Equal(t, domain.Issue{ID: "ENG-1", Summary: "Add retry", Description: "503s", Labels: []string{"backend"}}, issue)

	require.NoError(t, c.AddComment(context.Background(), "ENG-1", "PR opened"))
	assert.Equal(t, "PR opened", comment["body"])

	_, err = c.FetchIssue(context.Background(), "ENG-404")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = c.FetchIssue(context.Background(), "ENG-500")
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestUnreachableTrackerIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()
	_, err := (&tracker.Client{BaseURL: base}).FetchIssue(context.Background(), "ENG-1")
	require.Error(t, err)
	assert.True(t, domain.Retryable(err))
}

type countingSource struct {
	calls atomic.Int32
}

func (s *countingSource) FetchIssue(_ context.Context, id string) (domain.Issue, error) {
	s.calls.Add(1)
	return domain.Issue{ID: id, Summary: "cached"}, nil
}

func (s *countingSource) AddComment(context.Context, string, string) error { return nil }

func TestCachedFetchesOnce(t *testing.T) {
	src := &countingSource{}
	c, err := tracker.NewCached(src, time.Minute, 100)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.FetchIssue(context.Background(), "ENG-1")
	require.NoError(t, err)
	c.Wait()
	issue, err := c.FetchIssue(context.Background(), "ENG-1")
	require.NoError(t, err)
	assert.Equal(t, "cached", issue.Summary)
	assert.Equal(t, int32(1), src.calls.Load())
}
