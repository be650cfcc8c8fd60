package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowgate/internal/audit"
	"flowgate/internal/config"
	"flowgate/internal/db"
	"flowgate/internal/domain"
	"flowgate/internal/migrate"
	"flowgate/internal/notify"
	"flowgate/internal/signature"
)

type failingSink struct{}

func (failingSink) Name() string { return "failing" }
func (failingSink) Notify(context.Context, notify.Event) error {
	return errors.New("channel down")
}

type panickingSink struct{}

func (panickingSink) Name() string                               { return "panicking" }
func (panickingSink) Notify(context.Context, notify.Event) error { panic("boom") }

func TestMultiDeliversToAllAndJoinsErrors(t *testing.T) {
	rec := &notify.Recorder{}
	m := notify.Multi{rec, failingSink{}}
	err := m.Notify(context.Background(), notify.Event{Kind: notify.KindApprovalExpired})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing")
	assert.Equal(t, 1, rec.Count(notify.KindApprovalExpired))
}

func TestDeliverSwallowsFailures(t *testing.T) {
	assert.NotPanics(t, func() {
		notify.Deliver(context.Background(), nil, failingSink{}, notify.Event{Kind: "x"})
		notify.Deliver(context.Background(), nil, panickingSink{}, notify.Event{Kind: "x"})
		notify.Deliver(context.Background(), nil, nil, notify.Event{Kind: "x"})
	})
}

func TestSlackSink(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := notify.SlackSink{WebhookURL: srv.URL}
	require.NoError(t, s.Notify(context.Background(), notify.Event{Kind: notify.KindApprovalPending, WorkItemID: "ENG-1", Message: "needs approval", Actor: "alice"}))
	blocks, ok := got["blocks"].([]any)
	require.True(t, ok)
	assert.Len(t, blocks, 3)

	assert.ErrorIs(t, notify.SlackSink{}.Notify(context.Background(), notify.Event{}), notify.ErrNotConfigured)
}

func TestRelayForwardsNewEntriesWithSignature(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	appendEntry := func(kind string) {
		tx, err := conn.BeginTx(context.Background(), nil)
		require.NoError(t, err)
		require.NoError(t, audit.Writer{}.Append(context.Background(), tx, domain.AuditEntry{Kind: kind, Actor: "alice", WorkItemID: "ENG-1"}))
		require.NoError(t, tx.Commit())
	}
	// entries before the first poll are not replayed
	appendEntry(audit.KindStart)

	var (
		mu    sync.Mutex
		kinds []string
		sigOK = true
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		kinds = append(kinds, r.Header.Get("X-Flowgate-Event"))
		sigOK = sigOK && signature.VerifyHMAC("hook-secret", body, r.Header.Get("X-Flowgate-Signature-256"))
		mu.Unlock()
	}))
	defer srv.Close()

	relay := notify.NewRelay(audit.Log{DB: conn}, config.RelayConfig{Hooks: []config.HookConfig{
		{URL: srv.URL, Secret: "hook-secret", Kinds: []string{audit.KindTransition}},
	}}, nil)
	require.True(t, relay.Enabled())
	relay.DispatchAll(context.Background())

	appendEntry(audit.KindTransition)
	appendEntry(audit.KindCancel)
	relay.DispatchAll(context.Background())
	relay.DispatchAll(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{audit.KindTransition}, kinds)
	assert.True(t, sigOK)
}

func TestHubBroadcastsToClients(t *testing.T) {
	hub := notify.NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer c.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Notify(ctx, notify.Event{Kind: notify.KindTransition, WorkItemID: "ENG-1", Message: "ENG-1 is now created"}))

	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var ev notify.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, "ENG-1", ev.WorkItemID)
}
