package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowgate/internal/audit"
	"flowgate/internal/domain"
	"flowgate/internal/engine/auth"
	"flowgate/internal/keylock"
	"flowgate/internal/notify"
	"flowgate/internal/repo"
	"flowgate/internal/telemetry"
)

// Resolution reasons recorded on terminal requests.
const (
	ReasonRejected = "approval_rejected"
	ReasonExpired  = "approval_expired"
)

// Listener is called once per request, after its resolution has committed,
// by the call that won the resolution.
type Listener func(ctx context.Context, req domain.ApprovalRequest)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Auth   *auth.Model
	Policy Policy
	Notify notify.Sink
	Logger *slog.Logger
	Now    func() time.Time

	locks     keylock.Map
	mu        sync.RWMutex
	listeners []Listener
}

func New(db *sql.DB, model *auth.Model, policy Policy) *Engine {
	if policy == nil {
		policy = AnyOne{}
	}
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Auth:   model,
		Policy: policy,
		Logger: slog.Default(),
		Now:    time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// OnResolved registers l for every future resolution.
func (e *Engine) OnResolved(l Listener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

type NewRequest struct {
	WorkItemID        string
	TeamID            string
	Action            string
	RequiredApprovers []string
	TTL               time.Duration
	RequestedBy       string
}

// RequestApproval creates a pending request in its own transaction.
func (e *Engine) RequestApproval(ctx context.Context, in NewRequest) (domain.ApprovalRequest, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	defer tx.Rollback()
	req, err := e.RequestApprovalTx(ctx, tx, in)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidRule) {
			tx.Rollback()
			err = errors.Join(err, e.recordRefusal(ctx, in, err))
		}
		return domain.ApprovalRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalRequest{}, err
	}
	e.Announce(ctx, req)
	return req, nil
}

// RequestApprovalTx creates a pending request inside the caller's
// transaction. The caller announces it after commit.
func (e *Engine) RequestApprovalTx(ctx context.Context, tx *sql.Tx, in NewRequest) (domain.ApprovalRequest, error) {
	if err := validate(in); err != nil {
		return domain.ApprovalRequest{}, err
	}
	now := e.now()
	req := domain.ApprovalRequest{
		ID:                uuid.NewString(),
		WorkItemID:        in.WorkItemID,
		TeamID:            in.TeamID,
		Action:            in.Action,
		RequiredApprovers: dedupe(in.RequiredApprovers),
		RequestedBy:       in.RequestedBy,
		Status:            domain.ApprovalPending,
		Decisions:         map[string]domain.Decision{},
		CreatedAt:         now,
		ExpiresAt:         now.Add(in.TTL),
	}
	if err := e.Repo.InsertApprovalTx(ctx, tx, req); err != nil {
		return domain.ApprovalRequest{}, fmt.Errorf("insert approval: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, domain.AuditEntry{
		At:         now,
		Kind:       audit.KindRequest,
		WorkItemID: req.WorkItemID,
		Actor:      req.RequestedBy,
		Payload: map[string]any{
			"approval_id": req.ID,
			"action":      req.Action,
			"approvers":   req.RequiredApprovers,
			"expires_at":  domain.FormatTime(req.ExpiresAt),
		},
	}); err != nil {
		return domain.ApprovalRequest{}, err
	}
	return req, nil
}

func validate(in NewRequest) error {
	if len(dedupe(in.RequiredApprovers)) == 0 {
		return fmt.Errorf("%w: no approvers for %s", domain.ErrInvalidRule, in.Action)
	}
	if in.Action == "" {
		return fmt.Errorf("%w: action required", domain.ErrInvalidRule)
	}
	if in.TTL < 0 {
		return fmt.Errorf("%w: negative ttl", domain.ErrInvalidRule)
	}
	return nil
}

// Announce sends the pending-approval notification for a committed request.
func (e *Engine) Announce(ctx context.Context, req domain.ApprovalRequest) {
	notify.Deliver(ctx, e.logger(), e.Notify, notify.Event{
		Kind:       notify.KindApprovalPending,
		WorkItemID: req.WorkItemID,
		ApprovalID: req.ID,
		Actor:      req.RequestedBy,
		Level:      "warning",
		Message:    fmt.Sprintf("%s on %s needs approval from %v before %s", req.Action, req.WorkItemID, req.RequiredApprovers, req.ExpiresAt.Format(time.RFC3339)),
	})
}

// Decide records approver's verdict. A request found past its deadline is
// expired by this call and ErrAlreadyResolved is returned.
func (e *Engine) Decide(ctx context.Context, id, approver string, verdict domain.Verdict, comment string) (_ domain.ApprovalRequest, err error) {
	ctx, span := telemetry.StartSpan(ctx, "approval.decide",
		telemetry.String("approval.id", id), telemetry.String("approval.verdict", string(verdict)))
	defer func() { telemetry.End(span, err) }()

	if !verdict.Valid() {
		return domain.ApprovalRequest{}, fmt.Errorf("invalid verdict %q", verdict)
	}
	unlock := e.locks.Lock(id)
	req, resolved, err := e.decide(ctx, id, approver, verdict, comment)
	unlock()
	if resolved {
		e.resolved(ctx, req)
	}
	return req, err
}

func (e *Engine) decide(ctx context.Context, id, approver string, verdict domain.Verdict, comment string) (domain.ApprovalRequest, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalRequest{}, false, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetApprovalTx(ctx, tx, id)
	if err != nil {
		return req, false, err
	}
	if req.Status != domain.ApprovalPending {
		return req, false, fmt.Errorf("%w: %s is %s", domain.ErrAlreadyResolved, id, req.Status)
	}
	now := e.now()
	if !now.Before(req.ExpiresAt) {
		won, err := e.resolveTx(ctx, tx, &req, domain.ApprovalExpired, "system", now)
		if err != nil {
			return req, false, err
		}
		if err := tx.Commit(); err != nil {
			return req, false, err
		}
		return req, won, fmt.Errorf("%w: %s expired at %s", domain.ErrAlreadyResolved, id, req.ExpiresAt.Format(time.RFC3339))
	}
	if !e.authorized(approver, req) {
		tx.Rollback()
		var err error = domain.ForbiddenError{Actor: approver, Action: req.Action}
		return req, false, errors.Join(err, e.recordDenied(ctx, req, approver, verdict, err))
	}

	d := domain.Decision{Approver: approver, Verdict: verdict, Comment: comment, At: now}
	if err := e.Repo.UpsertDecisionTx(ctx, tx, id, d); err != nil {
		return req, false, err
	}
	if req.Decisions == nil {
		req.Decisions = map[string]domain.Decision{}
	}
	req.Decisions[approver] = d
	if err := e.Audit.Append(ctx, tx, domain.AuditEntry{
		At:         now,
		Kind:       audit.KindDecide,
		WorkItemID: req.WorkItemID,
		Actor:      approver,
		Payload:    map[string]any{"approval_id": id, "verdict": string(verdict), "comment": comment},
	}); err != nil {
		return req, false, err
	}

	won := false
	if status := e.Policy.Resolve(req, e.match); status.Terminal() {
		if won, err = e.resolveTx(ctx, tx, &req, status, approver, now); err != nil {
			return req, false, err
		}
		if !won {
			return req, false, fmt.Errorf("%w: %s", domain.ErrAlreadyResolved, id)
		}
	}
	if err := tx.Commit(); err != nil {
		return req, false, err
	}
	return req, won, nil
}

// authorized allows holders of the action's rule and anyone named in the
// request's approver set, directly or by role.
func (e *Engine) authorized(approver string, req domain.ApprovalRequest) bool {
	if e.Auth == nil {
		return false
	}
	return e.Auth.Can(approver, req.Action, req.TeamID) || e.Auth.Matches(approver, req.RequiredApprovers)
}

func (e *Engine) match(approver, entry string) bool {
	if approver == entry {
		return true
	}
	return e.Auth != nil && e.Auth.Matches(approver, []string{entry})
}

// resolveTx compare-and-sets the request to status. It reports whether this
// transaction performed the change.
func (e *Engine) resolveTx(ctx context.Context, tx *sql.Tx, req *domain.ApprovalRequest, status domain.ApprovalStatus, actor string, at time.Time) (bool, error) {
	reason := ""
	switch status {
	case domain.ApprovalRejected:
		reason = ReasonRejected
	case domain.ApprovalExpired:
		reason = ReasonExpired
	}
	won, err := e.Repo.ResolveApprovalTx(ctx, tx, req.ID, status, reason, at)
	if err != nil || !won {
		return false, err
	}
	req.Status = status
	req.Reason = reason
	req.ResolvedAt = &at
	outcome := domain.OutcomeOK
	if status != domain.ApprovalApproved {
		outcome = domain.OutcomeRejected
	}
	if err := e.Audit.Append(ctx, tx, domain.AuditEntry{
		At:         at,
		Kind:       audit.KindResolve,
		WorkItemID: req.WorkItemID,
		Actor:      actor,
		Outcome:    outcome,
		Reason:     reason,
		Payload:    map[string]any{"approval_id": req.ID, "status": string(status), "action": req.Action},
	}); err != nil {
		return false, err
	}
	return true, nil
}

// resolved runs post-commit side effects for a request this process resolved.
func (e *Engine) resolved(ctx context.Context, req domain.ApprovalRequest) {
	telemetry.RecordApproval(ctx, req.Action, string(req.Status))
	kind := notify.KindApprovalResolved
	level := "success"
	switch req.Status {
	case domain.ApprovalExpired:
		kind, level = notify.KindApprovalExpired, "warning"
	case domain.ApprovalRejected:
		level = "error"
	}
	notify.Deliver(ctx, e.logger(), e.Notify, notify.Event{
		Kind:       kind,
		WorkItemID: req.WorkItemID,
		ApprovalID: req.ID,
		Level:      level,
		Message:    fmt.Sprintf("%s on %s is %s", req.Action, req.WorkItemID, req.Status),
		Fields:     map[string]any{"status": string(req.Status)},
	})
	e.mu.RLock()
	listeners := append([]Listener(nil), e.listeners...)
	e.mu.RUnlock()
	for _, l := range listeners {
		l(ctx, req)
	}
}

// Sweep expires everything overdue at the engine's current time.
func (e *Engine) Sweep(ctx context.Context) ([]domain.ApprovalRequest, error) {
	return e.SweepExpired(ctx, e.now())
}

// SweepExpired expires every pending request whose deadline is at or before
// now and returns the requests this call expired. Requests resolved
// concurrently are skipped.
func (e *Engine) SweepExpired(ctx context.Context, now time.Time) ([]domain.ApprovalRequest, error) {
	ids, err := e.Repo.OverdueApprovalIDs(ctx, now)
	if err != nil {
		return nil, err
	}
	var (
		expired []domain.ApprovalRequest
		errs    []error
	)
	for _, id := range ids {
		unlock := e.locks.Lock(id)
		req, won, err := e.expire(ctx, id, now.UTC())
		unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", id, err))
			continue
		}
		if won {
			e.resolved(ctx, req)
			expired = append(expired, req)
		}
	}
	return expired, errors.Join(errs...)
}

func (e *Engine) expire(ctx context.Context, id string, now time.Time) (domain.ApprovalRequest, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalRequest{}, false, err
	}
	defer tx.Rollback()
	req, err := e.Repo.GetApprovalTx(ctx, tx, id)
	if err != nil {
		return req, false, err
	}
	if req.Status != domain.ApprovalPending || req.ExpiresAt.After(now) {
		return req, false, nil
	}
	won, err := e.resolveTx(ctx, tx, &req, domain.ApprovalExpired, "system", now)
	if err != nil || !won {
		return req, false, err
	}
	return req, true, tx.Commit()
}

func (e *Engine) Get(ctx context.Context, id string) (domain.ApprovalRequest, error) {
	return e.Repo.GetApproval(ctx, id)
}

type ListOptions struct {
	Status     string
	WorkItemID string
	// Approver keeps only requests this user may decide.
	Approver string
	Limit    int
}

func (e *Engine) List(ctx context.Context, opts ListOptions) ([]domain.ApprovalRequest, error) {
	reqs, err := e.Repo.ListApprovals(ctx, repo.ApprovalFilters{Status: opts.Status, WorkItemID: opts.WorkItemID, Limit: opts.Limit})
	if err != nil {
		return nil, err
	}
	if opts.Approver == "" {
		return reqs, nil
	}
	var out []domain.ApprovalRequest
	for _, r := range reqs {
		if e.authorized(opts.Approver, r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListPending lists open requests, including ones already past their
// deadline that the sweeper has not reached yet.
func (e *Engine) ListPending(ctx context.Context, approver string) ([]domain.ApprovalRequest, error) {
	return e.List(ctx, ListOptions{Status: string(domain.ApprovalPending), Approver: approver})
}

func (e *Engine) recordRefusal(ctx context.Context, in NewRequest, cause error) error {
	return e.recordFailure(ctx, domain.AuditEntry{
		Kind:       audit.KindRequest,
		WorkItemID: in.WorkItemID,
		Actor:      in.RequestedBy,
		Outcome:    domain.OutcomeFailed,
		Reason:     cause.Error(),
		Payload:    map[string]any{"action": in.Action},
	})
}

func (e *Engine) recordDenied(ctx context.Context, req domain.ApprovalRequest, approver string, verdict domain.Verdict, cause error) error {
	return e.recordFailure(ctx, domain.AuditEntry{
		Kind:       audit.KindDecide,
		WorkItemID: req.WorkItemID,
		Actor:      approver,
		Outcome:    domain.OutcomeRejected,
		Reason:     cause.Error(),
		Payload:    map[string]any{"approval_id": req.ID, "verdict": string(verdict)},
	})
}

// recordFailure audits a refused operation in its own transaction. The
// caller's transaction must already be closed.
func (e *Engine) recordFailure(ctx context.Context, entry domain.AuditEntry) error {
	entry.At = e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Audit.Append(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	var out []string
	for _, it := range items {
		if it == "" {
			continue
		}
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}
