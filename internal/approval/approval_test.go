package approval_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowgate/internal/approval"
	"flowgate/internal/audit"
	"flowgate/internal/db"
	"flowgate/internal/domain"
	"flowgate/internal/engine/auth"
	"flowgate/internal/migrate"
	"flowgate/internal/notify"
)

type fixture struct {
	eng      *approval.Engine
	rec      *notify.Recorder
	log      audit.Log
	clock    *time.Time
	resolved *atomic.Int32
}

func newFixture(t *testing.T, policy approval.Policy) fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	model := auth.New(
		[]domain.User{
			{ID: "dana", Roles: []string{"tech_lead"}},
			{ID: "erin", Roles: []string{"tech_lead"}},
			{ID: "sam", Roles: []string{"senior_dev"}},
			{ID: "carol", Roles: []string{"developer"}},
		},
		map[string][]string{"tech_lead": {"deploy_production"}, "senior_dev": {"approve_changes"}},
		[]domain.Team{{ID: "backend", ApprovalRules: map[string][]string{"deploy_production": {"tech_lead"}}}},
	)
	eng := approval.New(conn, model, policy)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return now }
	rec := &notify.Recorder{}
	eng.Notify = rec
	var resolved atomic.Int32
	eng.OnResolved(func(context.Context, domain.ApprovalRequest) { resolved.Add(1) })
	return fixture{eng: eng, rec: rec, log: audit.Log{DB: conn}, clock: &now, resolved: &resolved}
}

func (f fixture) request(t *testing.T, approvers []string, ttl time.Duration) domain.ApprovalRequest {
	t.Helper()
	req, err := f.eng.RequestApproval(context.Background(), approval.NewRequest{
		WorkItemID:        "ENG-1",
		TeamID:            "backend",
		Action:            "deploy_production",
		RequiredApprovers: approvers,
		TTL:               ttl,
		RequestedBy:       "alice",
	})
	require.NoError(t, err)
	return req
}

func TestRequestApprovalRequiresApprovers(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.eng.RequestApproval(context.Background(), approval.NewRequest{WorkItemID: "ENG-1", Action: "deploy_production", RequestedBy: "alice"})
	require.ErrorIs(t, err, domain.ErrInvalidRule)

	entries, err := f.log.Collect(context.Background(), audit.Filter{Kind: audit.KindRequest}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.OutcomeFailed, entries[0].Outcome)
}

func TestRequestApprovalSetsDeadline(t *testing.T) {
	f := newFixture(t, nil)
	req := f.request(t, []string{"tech_lead"}, 48*time.Hour)
	assert.Equal(t, domain.ApprovalPending, req.Status)
	assert.Equal(t, f.clock.Add(48*time.Hour), req.ExpiresAt)
	assert.Equal(t, 1, f.rec.Count(notify.KindApprovalPending))
}

func TestDecideUnauthorizedLeavesPending(t *testing.T) {
	f := newFixture(t, nil)
	req := f.request(t, []string{"tech_lead"}, time.Hour)

	_, err := f.eng.Decide(context.Background(), req.ID, "carol", domain.VerdictApproved, "lgtm")
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	got, err := f.eng.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, got.Status)
	assert.Empty(t, got.Decisions)

	denied, err := f.log.Collect(context.Background(), audit.Filter{Kind: audit.KindDecide, Actor: "carol"}, 0)
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, domain.OutcomeRejected, denied[0].Outcome)
}

func TestDecideUnknownRequest(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.eng.Decide(context.Background(), "missing", "dana", domain.VerdictApproved, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAnyOnePolicyApprovesOnFirstApproval(t *testing.T) {
	f := newFixture(t, approval.AnyOne{})
	req := f.request(t, []string{"tech_lead"}, time.Hour)

	got, err := f.eng.Decide(context.Background(), req.ID, "dana", domain.VerdictApproved, "ship it")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, got.Status)
	assert.Equal(t, int32(1), f.resolved.Load())

	_, err = f.eng.Decide(context.Background(), req.ID, "erin", domain.VerdictRejected, "")
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)
	assert.Equal(t, int32(1), f.resolved.Load())
}

func TestAllPolicyWaitsForEveryEntryAndRejectWins(t *testing.T) {
	f := newFixture(t, approval.All{})
	req := f.request(t, []string{"dana", "erin"}, time.Hour)

	got, err := f.eng.Decide(context.Background(), req.ID, "dana", domain.VerdictApproved, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, got.Status)

	got, err = f.eng.Decide(context.Background(), req.ID, "erin", domain.VerdictApproved, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, got.Status)

	other := f.request(t, []string{"dana", "erin"}, time.Hour)
	_, err = f.eng.Decide(context.Background(), other.ID, "dana", domain.VerdictApproved, "")
	require.NoError(t, err)
	got, err = f.eng.Decide(context.Background(), other.ID, "erin", domain.VerdictRejected, "not yet")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRejected, got.Status)
	assert.Equal(t, approval.ReasonRejected, got.Reason)
}

func TestDecideAfterDeadlineExpires(t *testing.T) {
	f := newFixture(t, nil)
	req := f.request(t, []string{"tech_lead"}, time.Minute)
	*f.clock = f.clock.Add(time.Minute)

	_, err := f.eng.Decide(context.Background(), req.ID, "dana", domain.VerdictApproved, "")
	require.ErrorIs(t, err, domain.ErrAlreadyResolved)
	got, err := f.eng.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalExpired, got.Status)
	assert.Equal(t, 1, f.rec.Count(notify.KindApprovalExpired))
}

func TestSweepExpiredIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	zero := f.request(t, []string{"tech_lead"}, 0)
	later := f.request(t, []string{"tech_lead"}, time.Hour)

	expired, err := f.eng.SweepExpired(context.Background(), *f.clock)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, zero.ID, expired[0].ID)

	again, err := f.eng.SweepExpired(context.Background(), *f.clock)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Equal(t, 1, f.rec.Count(notify.KindApprovalExpired))
	assert.Equal(t, int32(1), f.resolved.Load())

	got, err := f.eng.Get(context.Background(), later.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, got.Status)
}

func TestConcurrentSweepsExpireOnce(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 5; i++ {
		f.request(t, []string{"tech_lead"}, 0)
	}
	var wg sync.WaitGroup
	var total atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			expired, err := f.eng.SweepExpired(context.Background(), *f.clock)
			assert.NoError(t, err)
			total.Add(int32(len(expired)))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), total.Load())
	assert.Equal(t, 5, f.rec.Count(notify.KindApprovalExpired))
}

func TestConcurrentDecisionsResolveOnce(t *testing.T) {
	f := newFixture(t, approval.AnyOne{})
	req := f.request(t, []string{"tech_lead"}, time.Hour)

	approvers := []string{"dana", "erin", "dana", "erin", "dana", "erin"}
	var wg sync.WaitGroup
	var ok, resolvedErr atomic.Int32
	for i, who := range approvers {
		verdict := domain.VerdictApproved
		if i%2 == 1 {
			verdict = domain.VerdictRejected
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.eng.Decide(context.Background(), req.ID, who, verdict, "")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrAlreadyResolved):
				resolvedErr.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(len(approvers)-1), resolvedErr.Load())
	assert.Equal(t, int32(1), f.resolved.Load())

	got, err := f.eng.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())
	assert.Len(t, got.Decisions, 1)
}

func TestListPendingByApprover(t *testing.T) {
	f := newFixture(t, nil)
	f.request(t, []string{"tech_lead"}, time.Hour)
	forDana, err := f.eng.ListPending(context.Background(), "dana")
	require.NoError(t, err)
	assert.Len(t, forDana, 1)
	forCarol, err := f.eng.ListPending(context.Background(), "carol")
	require.NoError(t, err)
	assert.Empty(t, forCarol)
}

func TestSweeperTickRunsHook(t *testing.T) {
	f := newFixture(t, nil)
	f.request(t, []string{"tech_lead"}, 0)
	var hooked atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// the hook stops the loop, so the first tick sweeps on a live context
	s := approval.Sweeper{Engine: f.eng, Interval: time.Hour, After: func(context.Context) error {
		hooked.Store(true)
		cancel()
		return nil
	}}
	require.NoError(t, s.Run(ctx))
	assert.True(t, hooked.Load())
	assert.Equal(t, 1, f.rec.Count(notify.KindApprovalExpired))

	// nothing left to expire on the next tick
	s.After = nil
	s.Tick(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, 1, f.rec.Count(notify.KindApprovalExpired))
}

func TestPolicyFor(t *testing.T) {
	p, err := approval.PolicyFor("all")
	require.NoError(t, err)
	assert.Equal(t, "all", p.Name())
	_, err = approval.PolicyFor("majority")
	assert.Error(t, err)
}
