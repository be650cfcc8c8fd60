package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"flowgate/internal/approval"
	"flowgate/internal/audit"
	"flowgate/internal/config"
	"flowgate/internal/db"
	"flowgate/internal/domain"
	"flowgate/internal/engine"
	"flowgate/internal/engine/auth"
	"flowgate/internal/migrate"
	"flowgate/internal/notify"
	"flowgate/internal/repo"
)

type testEnv struct {
	Engine    *engine.Engine
	Approvals *approval.Engine
	Log       audit.Log
	Notes     *notify.Recorder
	Ctx       context.Context
	clock     *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.RBAC.Users["dev"] = []string{"developer"}
	cfg.RBAC.Users["viv"] = []string{"viewer"}
	model := auth.FromConfig(cfg.RBAC)

	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	rec := &notify.Recorder{}

	approvals := approval.New(conn, model, approval.AnyOne{})
	approvals.Now = clock
	approvals.Notify = rec
	eng, err := engine.New(conn, cfg, model, approvals)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	eng.Now = clock
	eng.Notify = rec
	return testEnv{Engine: eng, Approvals: approvals, Log: audit.Log{DB: conn}, Notes: rec, Ctx: context.Background(), clock: &now}
}

func (env testEnv) advance(t *testing.T, id string, to domain.Phase, actor string) engine.AdvanceResult {
	t.Helper()
	res, err := env.Engine.Advance(env.Ctx, id, to, actor)
	if err != nil {
		t.Fatalf("advance %s to %s: %v", id, to, err)
	}
	return res
}

// toReview walks a new item up to under_review.
func (env testEnv) toReview(t *testing.T, id string) {
	t.Helper()
	if _, err := env.Engine.Start(env.Ctx, id, nil, "dev"); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, p := range []domain.Phase{domain.PhaseBranchProvisioned, domain.PhaseInDevelopment, domain.PhaseUnderReview} {
		env.advance(t, id, p, "dev")
	}
}

func phases(item domain.WorkItem) []domain.Phase {
	out := make([]domain.Phase, 0, len(item.History))
	for _, rec := range item.History {
		out = append(out, rec.To)
	}
	return out
}

func TestGatedAdvanceApprovedResumes(t *testing.T) {
	env := newTestEnv(t)
	env.toReview(t, "ENG-1")

	res := env.advance(t, "ENG-1", domain.PhaseReadyToDeploy, "dev")
	if !res.Pending || res.Item.Phase != domain.PhaseApprovalPending {
		t.Fatalf("expected approval_pending, got %+v", res)
	}
	if res.Item.Pending == nil || res.Item.Pending.TargetPhase != domain.PhaseReadyToDeploy {
		t.Fatalf("pending gate not recorded: %+v", res.Item.Pending)
	}

	*env.clock = env.clock.Add(time.Hour)
	req, err := env.Approvals.Decide(env.Ctx, res.ApprovalID, "tech_lead", domain.VerdictApproved, "ship it")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if req.Status != domain.ApprovalApproved {
		t.Fatalf("expected approved, got %s", req.Status)
	}

	item, err := env.Engine.Get(env.Ctx, "ENG-1")
	if err != nil {
		t.Fatal(err)
	}
	if item.Phase != domain.PhaseReadyToDeploy || item.Pending != nil {
		t.Fatalf("expected ready_to_deploy without gate, got %s %+v", item.Phase, item.Pending)
	}
	last := item.History[len(item.History)-1]
	if last.Actor != engine.SystemActor || last.Reason != "approved by tech_lead" {
		t.Fatalf("unexpected resume record: %+v", last)
	}

	item = env.advance(t, "ENG-1", domain.PhaseCompleted, "dev").Item
	want := []domain.Phase{
		domain.PhaseCreated, domain.PhaseBranchProvisioned, domain.PhaseInDevelopment, domain.PhaseUnderReview,
		domain.PhaseApprovalPending, domain.PhaseReadyToDeploy, domain.PhaseCompleted,
	}
	got := phases(item)
	if len(got) != len(want) {
		t.Fatalf("history %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] || item.History[i].Seq != i+1 {
			t.Fatalf("history[%d] = %+v, want %s", i, item.History[i], want[i])
		}
	}
	if n := env.Notes.Count(notify.KindApprovalPending); n != 1 {
		t.Fatalf("expected one approval notification, got %d", n)
	}
}

func TestGatedAdvanceRejectedFails(t *testing.T) {
	env := newTestEnv(t)
	env.toReview(t, "ENG-2")
	res := env.advance(t, "ENG-2", domain.PhaseReadyToDeploy, "dev")

	if _, err := env.Approvals.Decide(env.Ctx, res.ApprovalID, "tech_lead", domain.VerdictRejected, "not today"); err != nil {
		t.Fatalf("decide: %v", err)
	}
	item, err := env.Engine.Get(env.Ctx, "ENG-2")
	if err != nil {
		t.Fatal(err)
	}
	if item.Phase != domain.PhaseFailed {
		t.Fatalf("expected failed, got %s", item.Phase)
	}
	if last := item.History[len(item.History)-1]; last.Reason != approval.ReasonRejected {
		t.Fatalf("expected rejection reason, got %q", last.Reason)
	}
}

func TestExpiredApprovalFailsItem(t *testing.T) {
	env := newTestEnv(t)
	env.toReview(t, "ENG-3")
	res := env.advance(t, "ENG-3", domain.PhaseReadyToDeploy, "dev")

	*env.clock = env.clock.Add(49 * time.Hour)
	expired, err := env.Approvals.SweepExpired(env.Ctx, *env.clock)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != res.ApprovalID {
		t.Fatalf("expected %s expired, got %+v", res.ApprovalID, expired)
	}
	item, err := env.Engine.Get(env.Ctx, "ENG-3")
	if err != nil {
		t.Fatal(err)
	}
	if item.Phase != domain.PhaseFailed || item.History[len(item.History)-1].Reason != approval.ReasonExpired {
		t.Fatalf("expected failed by expiry, got %s %+v", item.Phase, item.History[len(item.History)-1])
	}

	// a second sweep changes nothing
	again, err := env.Approvals.SweepExpired(env.Ctx, *env.clock)
	if err != nil || len(again) != 0 {
		t.Fatalf("second sweep: %v %+v", err, again)
	}
	after, _ := env.Engine.Get(env.Ctx, "ENG-3")
	if len(after.History) != len(item.History) {
		t.Fatalf("history grew on second sweep")
	}
}

func TestCancelWhilePendingIgnoresLaterDecision(t *testing.T) {
	env := newTestEnv(t)
	env.toReview(t, "ENG-4")
	res := env.advance(t, "ENG-4", domain.PhaseReadyToDeploy, "dev")

	item, err := env.Engine.Cancel(env.Ctx, "ENG-4", "tech_lead", "scope dropped")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if item.Phase != domain.PhaseCancelled || item.Pending != nil {
		t.Fatalf("expected cancelled, got %s", item.Phase)
	}
	if _, err := env.Approvals.Decide(env.Ctx, res.ApprovalID, "tech_lead", domain.VerdictApproved, ""); err != nil {
		t.Fatalf("decide: %v", err)
	}
	item, _ = env.Engine.Get(env.Ctx, "ENG-4")
	if item.Phase != domain.PhaseCancelled {
		t.Fatalf("decision resurrected item: %s", item.Phase)
	}
	ignored, err := env.Log.Collect(env.Ctx, audit.Filter{Kind: audit.KindResume, Outcome: domain.OutcomeIgnored}, 0)
	if err != nil || len(ignored) != 1 {
		t.Fatalf("expected ignored resume audit, got %v %d", err, len(ignored))
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Start(env.Ctx, "ENG-5", nil, "dev"); err != nil {
		t.Fatal(err)
	}
	first, err := env.Engine.Cancel(env.Ctx, "ENG-5", "tech_lead", "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.Cancel(env.Ctx, "ENG-5", "tech_lead", "")
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if len(second.History) != len(first.History) || second.Phase != domain.PhaseCancelled {
		t.Fatalf("second cancel changed the item")
	}
}

func TestInvalidTransitionIsRejectedAndAudited(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Start(env.Ctx, "ENG-6", nil, "dev"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Advance(env.Ctx, "ENG-6", domain.PhaseCompleted, "dev")
	var te domain.TransitionError
	if !errors.As(err, &te) || !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if te.From != domain.PhaseCreated || te.To != domain.PhaseCompleted {
		t.Fatalf("unexpected transition error %+v", te)
	}
	item, _ := env.Engine.Get(env.Ctx, "ENG-6")
	if item.Phase != domain.PhaseCreated || len(item.History) != 1 {
		t.Fatalf("refused advance mutated item: %+v", item)
	}
	rejected, err := env.Log.Collect(env.Ctx, audit.Filter{WorkItemID: "ENG-6", Outcome: domain.OutcomeRejected}, 0)
	if err != nil || len(rejected) != 1 {
		t.Fatalf("expected one rejected audit entry, got %v %d", err, len(rejected))
	}

	// approval_pending is reachable only through a gate
	if _, err := env.Engine.Advance(env.Ctx, "ENG-6", domain.PhaseApprovalPending, "dev"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected direct approval_pending to be refused, got %v", err)
	}
}

func TestAdvanceRequiresPermission(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Start(env.Ctx, "ENG-7", nil, "dev"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Advance(env.Ctx, "ENG-7", domain.PhaseBranchProvisioned, "viv")
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := env.Engine.Cancel(env.Ctx, "ENG-7", "dev", ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("developer cancel should be refused, got %v", err)
	}
	if _, err := env.Engine.Start(env.Ctx, "ENG-8", nil, "viv"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("viewer start should be refused, got %v", err)
	}
	if _, err := env.Engine.Get(env.Ctx, "ENG-8"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("refused start created item: %v", err)
	}
}

func TestStartDuplicateAndRestart(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Start(env.Ctx, "ENG-9", map[string]string{"summary": "one"}, "dev"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Start(env.Ctx, "ENG-9", nil, "dev"); !errors.Is(err, domain.ErrDuplicateWorkItem) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if _, err := env.Engine.Advance(env.Ctx, "ENG-9", domain.PhaseFailed, "dev"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	item, err := env.Engine.Start(env.Ctx, "ENG-9", map[string]string{"summary": "two"}, "dev")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if item.Phase != domain.PhaseCreated || item.Metadata["summary"] != "two" {
		t.Fatalf("unexpected restarted item %+v", item)
	}
	got := phases(item)
	if len(got) != 3 || got[2] != domain.PhaseCreated || item.History[2].From != domain.PhaseFailed || item.History[2].Reason != "restarted" {
		t.Fatalf("restart history %+v", item.History)
	}
}

func TestConcurrentAdvancesSerialize(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Start(env.Ctx, "ENG-10", nil, "dev"); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Advance(env.Ctx, "ENG-10", domain.PhaseBranchProvisioned, "dev")
		}(i)
	}
	wg.Wait()
	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInvalidTransition):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one advance to win, got %d", ok)
	}
	item, _ := env.Engine.Get(env.Ctx, "ENG-10")
	if len(item.History) != 2 {
		t.Fatalf("expected two history records, got %d", len(item.History))
	}
}

func TestReconcileResumesResolvedRequests(t *testing.T) {
	env := newTestEnv(t)
	env.toReview(t, "ENG-11")
	res := env.advance(t, "ENG-11", domain.PhaseReadyToDeploy, "dev")

	// resolve behind the engine's back, as if the process died before resuming
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Repo.ResolveApprovalTx(env.Ctx, tx, res.ApprovalID, domain.ApprovalApproved, "", *env.clock); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	n, err := env.Engine.Reconcile(env.Ctx)
	if err != nil || n != 1 {
		t.Fatalf("reconcile: %d %v", n, err)
	}
	item, _ := env.Engine.Get(env.Ctx, "ENG-11")
	if item.Phase != domain.PhaseReadyToDeploy {
		t.Fatalf("expected ready_to_deploy, got %s", item.Phase)
	}
	if n, err := env.Engine.Reconcile(env.Ctx); err != nil || n != 0 {
		t.Fatalf("second reconcile: %d %v", n, err)
	}
}

func TestHistoryIsAppendOnly(t *testing.T) {
	env := newTestEnv(t)
	const id = "ENG-30"
	if _, err := env.Engine.Start(env.Ctx, id, nil, "dev"); err != nil {
		t.Fatal(err)
	}
	var approvalID string
	steps := []struct {
		name  string
		grows int
		run   func(t *testing.T)
	}{
		{"provision", 1, func(t *testing.T) { env.advance(t, id, domain.PhaseBranchProvisioned, "dev") }},
		{"develop", 1, func(t *testing.T) { env.advance(t, id, domain.PhaseInDevelopment, "dev") }},
		{"review", 1, func(t *testing.T) { env.advance(t, id, domain.PhaseUnderReview, "dev") }},
		{"gate", 1, func(t *testing.T) {
			approvalID = env.advance(t, id, domain.PhaseReadyToDeploy, "dev").ApprovalID
		}},
		{"refused advance", 0, func(t *testing.T) {
			if _, err := env.Engine.Advance(env.Ctx, id, domain.PhaseCompleted, "dev"); !errors.Is(err, domain.ErrInvalidTransition) {
				t.Fatalf("expected invalid transition, got %v", err)
			}
		}},
		{"reject", 1, func(t *testing.T) {
			if _, err := env.Approvals.Decide(env.Ctx, approvalID, "tech_lead", domain.VerdictRejected, "no"); err != nil {
				t.Fatalf("decide: %v", err)
			}
		}},
		{"cancel terminal", 0, func(t *testing.T) {
			if _, err := env.Engine.Cancel(env.Ctx, id, "tech_lead", ""); err != nil {
				t.Fatalf("cancel: %v", err)
			}
		}},
		{"restart", 1, func(t *testing.T) {
			if _, err := env.Engine.Start(env.Ctx, id, nil, "dev"); err != nil {
				t.Fatalf("restart: %v", err)
			}
		}},
		{"cancel", 1, func(t *testing.T) {
			if _, err := env.Engine.Cancel(env.Ctx, id, "tech_lead", "dropped"); err != nil {
				t.Fatalf("cancel: %v", err)
			}
		}},
	}
	for _, step := range steps {
		before, err := env.Engine.Get(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		*env.clock = env.clock.Add(time.Minute)
		step.run(t)
		after, err := env.Engine.Get(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := len(after.History), len(before.History)+step.grows; got != want {
			t.Fatalf("%s: history has %d records, want %d", step.name, got, want)
		}
		for i, old := range before.History {
			cur := after.History[i]
			if cur.Seq != old.Seq || cur.From != old.From || cur.To != old.To ||
				cur.Actor != old.Actor || !cur.At.Equal(old.At) || cur.Reason != old.Reason {
				t.Fatalf("%s: record %d rewritten: %+v -> %+v", step.name, i, old, cur)
			}
		}
		last := before.History[len(before.History)-1]
		for _, rec := range after.History[len(before.History):] {
			if rec.Seq != last.Seq+1 || rec.At.Before(last.At) || rec.From != last.To {
				t.Fatalf("%s: record %+v does not follow %+v", step.name, rec, last)
			}
			last = rec
		}
	}
}

// stallingSink blocks its first delivery until released.
type stallingSink struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (*stallingSink) Name() string { return "stalling" }

func (s *stallingSink) Notify(context.Context, notify.Event) error {
	first := false
	s.once.Do(func() {
		first = true
		close(s.entered)
	})
	if first {
		<-s.release
	}
	return nil
}

func TestSlowNotificationDoesNotHoldItemLock(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Start(env.Ctx, "ENG-31", nil, "dev"); err != nil {
		t.Fatal(err)
	}
	sink := &stallingSink{entered: make(chan struct{}), release: make(chan struct{})}
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(sink.release) }) }
	defer release()
	env.Engine.Notify = sink

	advanced := make(chan error, 1)
	go func() {
		_, err := env.Engine.Advance(env.Ctx, "ENG-31", domain.PhaseBranchProvisioned, "dev")
		advanced <- err
	}()
	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("advance never notified")
	}

	cancelled := make(chan error, 1)
	go func() {
		_, err := env.Engine.Cancel(env.Ctx, "ENG-31", "tech_lead", "")
		cancelled <- err
	}()
	select {
	case err := <-cancelled:
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel waited on a stalled notification")
	}

	release()
	if err := <-advanced; err != nil {
		t.Fatalf("advance: %v", err)
	}
	item, _ := env.Engine.Get(env.Ctx, "ENG-31")
	if item.Phase != domain.PhaseCancelled {
		t.Fatalf("expected cancelled, got %s", item.Phase)
	}
}

func TestListFiltersByPhase(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"ENG-12", "ENG-13"} {
		if _, err := env.Engine.Start(env.Ctx, id, nil, "dev"); err != nil {
			t.Fatal(err)
		}
	}
	env.advance(t, "ENG-13", domain.PhaseBranchProvisioned, "dev")
	items, err := env.Engine.List(env.Ctx, repo.WorkItemFilters{Phase: string(domain.PhaseCreated)})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != "ENG-12" {
		t.Fatalf("unexpected list %+v", items)
	}
}

type fakeIssues struct {
	issue    domain.Issue
	err      error
	comments []string
}

func (f *fakeIssues) FetchIssue(_ context.Context, id string) (domain.Issue, error) {
	if f.err != nil {
		return domain.Issue{}, f.err
	}
	issue := f.issue
	issue.ID = id
	return issue, nil
}

func (f *fakeIssues) AddComment(_ context.Context, _ string, text string) error {
	f.comments = append(f.comments, text)
	return nil
}

type fakeHost struct {
	branches []string
	prs      []string
}

func (h *fakeHost) CreateBranch(_ context.Context, name string) error {
	h.branches = append(h.branches, name)
	return nil
}

func (h *fakeHost) CreatePullRequest(_ context.Context, branch, title, _ string) (string, error) {
	h.prs = append(h.prs, branch+"|"+title)
	return "https://example.test/pull/1", nil
}

type fakeExecutor struct {
	prompt string
	err    error
}

func (x *fakeExecutor) Run(_ context.Context, prompt string) (domain.ExecResult, error) {
	x.prompt = prompt
	if x.err != nil {
		return domain.ExecResult{}, x.err
	}
	return domain.ExecResult{Content: "added retry to the client", Duration: 1500 * time.Millisecond}, nil
}

func TestCollaboratorSteps(t *testing.T) {
	env := newTestEnv(t)
	issues := &fakeIssues{issue: domain.Issue{Summary: "Add Retry to Client!", Description: "Requests fail on 503."}}
	host := &fakeHost{}
	exec := &fakeExecutor{}
	env.Engine.Issues, env.Engine.CodeHost, env.Engine.Executor = issues, host, exec

	if _, err := env.Engine.Start(env.Ctx, "ENG-20", nil, "dev"); err != nil {
		t.Fatal(err)
	}
	item, err := env.Engine.ProvisionBranch(env.Ctx, "ENG-20", "dev")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if item.Phase != domain.PhaseBranchProvisioned || item.BranchRef != "feature/ENG-20-add-retry-to-client" {
		t.Fatalf("unexpected provisioned item %s %q", item.Phase, item.BranchRef)
	}
	if len(host.branches) != 1 {
		t.Fatalf("expected one branch, got %v", host.branches)
	}

	item, err = env.Engine.Develop(env.Ctx, "ENG-20", "dev")
	if err != nil {
		t.Fatalf("develop: %v", err)
	}
	if item.Phase != domain.PhaseUnderReview || item.Metadata["last_run_ms"] != "1500" {
		t.Fatalf("unexpected developed item %s %+v", item.Phase, item.Metadata)
	}
	if !strings.Contains(exec.prompt, "Requests fail on 503.") || !strings.Contains(exec.prompt, item.BranchRef) {
		t.Fatalf("prompt missing issue context: %q", exec.prompt)
	}

	item, err = env.Engine.OpenPullRequest(env.Ctx, "ENG-20", "dev")
	if err != nil {
		t.Fatalf("open pr: %v", err)
	}
	if item.Metadata["pull_request_url"] == "" || len(issues.comments) != 1 {
		t.Fatalf("pull request not recorded: %+v %v", item.Metadata, issues.comments)
	}
}

func TestExecutorTimeoutLeavesItemInDevelopment(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Executor = &fakeExecutor{err: domain.ErrExecutorTimeout}
	if _, err := env.Engine.Start(env.Ctx, "ENG-21", nil, "dev"); err != nil {
		t.Fatal(err)
	}
	env.advance(t, "ENG-21", domain.PhaseBranchProvisioned, "dev")

	_, err := env.Engine.Develop(env.Ctx, "ENG-21", "dev")
	if !errors.Is(err, domain.ErrExecutorTimeout) {
		t.Fatalf("expected executor timeout, got %v", err)
	}
	item, _ := env.Engine.Get(env.Ctx, "ENG-21")
	if item.Phase != domain.PhaseInDevelopment {
		t.Fatalf("expected in_development, got %s", item.Phase)
	}
	failed, err := env.Log.Collect(env.Ctx, audit.Filter{Kind: audit.KindStep, Outcome: domain.OutcomeFailed}, 0)
	if err != nil || len(failed) != 1 {
		t.Fatalf("expected failed step audit, got %v %d", err, len(failed))
	}
}

func TestProvisionFailureKeepsPhase(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Issues = &fakeIssues{err: domain.ErrUnavailable}
	if _, err := env.Engine.Start(env.Ctx, "ENG-22", nil, "dev"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ProvisionBranch(env.Ctx, "ENG-22", "dev"); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	item, _ := env.Engine.Get(env.Ctx, "ENG-22")
	if item.Phase != domain.PhaseCreated {
		t.Fatalf("expected created, got %s", item.Phase)
	}
}

func TestBranchName(t *testing.T) {
	cases := map[string]string{
		"Fix login":         "feature/ENG-1-fix-login",
		"  --  ":            "feature/ENG-1",
		"Ünïcode & symbols": "feature/ENG-1-n-code-symbols",
	}
	for summary, want := range cases {
		if got := engine.BranchName("ENG-1", summary); got != want {
			t.Errorf("BranchName(%q) = %q, want %q", summary, got, want)
		}
	}
}
