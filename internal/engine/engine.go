package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"flowgate/internal/approval"
	"flowgate/internal/audit"
	"flowgate/internal/config"
	"flowgate/internal/domain"
	"flowgate/internal/engine/auth"
	"flowgate/internal/keylock"
	"flowgate/internal/notify"
	"flowgate/internal/repo"
	"flowgate/internal/telemetry"
)

// Actions checked against the permission model.
const (
	ActionStart   = "workflow.start"
	ActionAdvance = "workflow.advance"
	ActionCancel  = "workflow.cancel"
)

// SystemActor records transitions the engine makes on its own.
const SystemActor = "system"

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Audit     audit.Writer
	Config    *config.Config
	Auth      *auth.Model
	Approvals *approval.Engine
	Issues    IssueSource
	CodeHost  CodeHost
	Executor  TaskExecutor
	Notify    notify.Sink
	Logger    *slog.Logger
	Now       func() time.Time

	transitions map[domain.Phase][]domain.Phase
	locks       keylock.Map
}

// New builds the state machine and subscribes it to approval resolutions.
func New(db *sql.DB, cfg *config.Config, model *auth.Model, approvals *approval.Engine) (*Engine, error) {
	transitions, err := cfg.PhaseTransitions()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		Config:      cfg,
		Auth:        model,
		Approvals:   approvals,
		Logger:      slog.Default(),
		Now:         time.Now,
		transitions: transitions,
	}
	approvals.OnResolved(func(ctx context.Context, req domain.ApprovalRequest) {
		if err := e.Resume(ctx, req); err != nil {
			e.logger().Error("resume after approval failed", "approval", req.ID, "work_item", req.WorkItemID, "error", err)
		}
	})
	return e, nil
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

// AdvanceResult reports whether an advance took effect or is parked behind
// an approval.
type AdvanceResult struct {
	Item       domain.WorkItem `json:"item"`
	Pending    bool            `json:"pending"`
	ApprovalID string          `json:"approval_id,omitempty"`
}

// Start creates id in the created phase. A terminal item with the same id
// begins a new lifecycle; its history is kept.
func (e *Engine) Start(ctx context.Context, id string, metadata map[string]string, actor string) (domain.WorkItem, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.WorkItem{}, errors.New("work item id is required")
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	team := e.teamFor(metadata)
	existing, err := e.Repo.GetWorkItemTx(ctx, tx, id)
	switch {
	case err == nil && !existing.Phase.Terminal():
		return existing, e.refuse(ctx, tx, domain.AuditEntry{Kind: audit.KindStart, WorkItemID: id, Actor: actor},
			fmt.Errorf("%w: %s is %s", domain.ErrDuplicateWorkItem, id, existing.Phase))
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return domain.WorkItem{}, err
	}
	if err := e.authorize(actor, ActionStart, team); err != nil {
		return domain.WorkItem{}, e.refuse(ctx, tx, domain.AuditEntry{Kind: audit.KindStart, WorkItemID: id, Actor: actor}, err)
	}

	now := e.now()
	item := existing
	restart := err == nil
	if restart {
		item.TeamID = team
		item.Metadata = copyMeta(metadata)
		item.BranchRef = ""
	} else {
		item = domain.WorkItem{ID: id, Phase: domain.PhaseCreated, TeamID: team, Metadata: copyMeta(metadata), CreatedAt: now, UpdatedAt: now}
		if err := e.Repo.InsertWorkItemTx(ctx, tx, item); err != nil {
			return domain.WorkItem{}, fmt.Errorf("insert work item: %w", err)
		}
		item.Phase = ""
	}
	reason := "started"
	if restart {
		reason = "restarted"
	}
	if err := e.applyTx(ctx, tx, &item, domain.PhaseCreated, actor, reason); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Audit.Append(ctx, tx, domain.AuditEntry{
		At:         now,
		Kind:       audit.KindStart,
		WorkItemID: id,
		Actor:      actor,
		Reason:     reason,
		Payload:    map[string]any{"team": team, "metadata": item.Metadata},
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return item, nil
}

// Advance moves id to requested. A gated target parks the item in
// approval_pending behind a new approval request instead.
func (e *Engine) Advance(ctx context.Context, id string, requested domain.Phase, actor string) (res AdvanceResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "workitem.advance",
		telemetry.String("workitem.id", id), telemetry.String("workitem.to", string(requested)))
	defer func() { telemetry.End(span, err) }()

	unlock := e.locks.Lock(id)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AdvanceResult{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetWorkItemTx(ctx, tx, id)
	if err != nil {
		return AdvanceResult{}, err
	}
	attempt := domain.AuditEntry{
		Kind:       audit.KindTransition,
		WorkItemID: id,
		Actor:      actor,
		Payload:    map[string]any{"from": string(item.Phase), "to": string(requested)},
	}
	if err := e.authorize(actor, ActionAdvance, item.TeamID); err != nil {
		return AdvanceResult{Item: item}, e.refuse(ctx, tx, attempt, err)
	}
	if err := e.ensureTransition(item.Phase, requested); err != nil {
		return AdvanceResult{Item: item}, e.refuse(ctx, tx, attempt, err)
	}
	req, err := e.transitionTx(ctx, tx, &item, requested, actor, "")
	if err != nil {
		if errors.Is(err, domain.ErrInvalidRule) {
			return AdvanceResult{Item: item}, e.refuse(ctx, tx, attempt, err)
		}
		return AdvanceResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AdvanceResult{}, err
	}
	unlock()
	e.afterCommit(ctx, item, actor, req)
	res = AdvanceResult{Item: item}
	if req != nil {
		res.Pending = true
		res.ApprovalID = req.ID
	}
	return res, nil
}

// Cancel moves id to cancelled. Cancelling a terminal item returns it
// unchanged. A pending approval is left as is; its resolution will find the
// item terminal and do nothing.
func (e *Engine) Cancel(ctx context.Context, id, actor, reason string) (domain.WorkItem, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetWorkItemTx(ctx, tx, id)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.authorize(actor, ActionCancel, item.TeamID); err != nil {
		return item, e.refuse(ctx, tx, domain.AuditEntry{Kind: audit.KindCancel, WorkItemID: id, Actor: actor, Reason: reason}, err)
	}
	if item.Phase.Terminal() {
		if err := e.Audit.Append(ctx, tx, domain.AuditEntry{
			At: e.now(), Kind: audit.KindCancel, WorkItemID: id, Actor: actor,
			Outcome: domain.OutcomeIgnored, Reason: "already " + string(item.Phase),
		}); err != nil {
			return domain.WorkItem{}, err
		}
		return item, tx.Commit()
	}
	if reason == "" {
		reason = "cancelled"
	}
	if err := e.applyTx(ctx, tx, &item, domain.PhaseCancelled, actor, reason); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	unlock()
	e.afterCommit(ctx, item, actor, nil)
	return item, nil
}

func (e *Engine) Get(ctx context.Context, id string) (domain.WorkItem, error) {
	return e.Repo.GetWorkItem(ctx, id)
}

func (e *Engine) List(ctx context.Context, f repo.WorkItemFilters) ([]domain.WorkItem, error) {
	return e.Repo.ListWorkItems(ctx, f)
}

// Successors lists the phases an advance from p may request.
func (e *Engine) Successors(p domain.Phase) []domain.Phase {
	if p.Terminal() {
		return nil
	}
	out := append([]domain.Phase(nil), e.transitions[p]...)
	return append(out, domain.PhaseFailed, domain.PhaseCancelled)
}

func (e *Engine) ensureTransition(from, to domain.Phase) error {
	if from.Terminal() {
		return domain.TransitionError{From: from, To: to}
	}
	if to == domain.PhaseFailed || to == domain.PhaseCancelled {
		return nil
	}
	for _, next := range e.transitions[from] {
		if next == to {
			return nil
		}
	}
	return domain.TransitionError{From: from, To: to}
}

// transitionTx applies to, or parks the item behind an approval when to is
// gated. The returned request is non-nil only in the second case.
func (e *Engine) transitionTx(ctx context.Context, tx *sql.Tx, item *domain.WorkItem, to domain.Phase, actor, reason string) (*domain.ApprovalRequest, error) {
	gate, gated := e.Config.Gate(to)
	if !gated {
		return nil, e.applyTx(ctx, tx, item, to, actor, reason)
	}
	approvers := gate.Approvers
	if len(approvers) == 0 && e.Auth != nil {
		approvers = e.Auth.RuleFor(gate.Action, item.TeamID)
	}
	if e.Approvals == nil {
		return nil, fmt.Errorf("%w: no approval engine for gated phase %s", domain.ErrInvalidRule, to)
	}
	req, err := e.Approvals.RequestApprovalTx(ctx, tx, approval.NewRequest{
		WorkItemID:        item.ID,
		TeamID:            item.TeamID,
		Action:            gate.Action,
		RequiredApprovers: approvers,
		TTL:               gate.TTL,
		RequestedBy:       actor,
	})
	if err != nil {
		return nil, err
	}
	item.Pending = &domain.PendingGate{ApprovalID: req.ID, TargetPhase: to}
	if reason == "" {
		reason = "awaiting " + gate.Action
	}
	if err := e.applyTx(ctx, tx, item, domain.PhaseApprovalPending, actor, reason); err != nil {
		return nil, err
	}
	return &req, nil
}

// applyTx records the transition and persists item in its new phase.
func (e *Engine) applyTx(ctx context.Context, tx *sql.Tx, item *domain.WorkItem, to domain.Phase, actor, reason string) error {
	now := e.now()
	rec, err := e.Repo.AppendTransitionTx(ctx, tx, item.ID, domain.TransitionRecord{
		From:   item.Phase,
		To:     to,
		Actor:  actor,
		At:     now,
		Reason: reason,
	})
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	from := item.Phase
	item.Phase = to
	if to != domain.PhaseApprovalPending {
		item.Pending = nil
	}
	item.UpdatedAt = now
	item.History = append(item.History, rec)
	if err := e.Repo.UpdateWorkItemTx(ctx, tx, *item); err != nil {
		return err
	}
	return e.Audit.Append(ctx, tx, domain.AuditEntry{
		At:         now,
		Kind:       audit.KindTransition,
		WorkItemID: item.ID,
		Actor:      actor,
		Reason:     reason,
		Payload:    map[string]any{"from": string(from), "to": string(to), "seq": rec.Seq},
	})
}

// refuse rolls tx back and audits the refused attempt on its own, so the
// refusal is recorded even though nothing else is.
func (e *Engine) refuse(ctx context.Context, tx *sql.Tx, entry domain.AuditEntry, cause error) error {
	_ = tx.Rollback()
	entry.At = e.now()
	entry.Outcome = domain.OutcomeRejected
	entry.Reason = cause.Error()
	atx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return errors.Join(cause, err)
	}
	defer atx.Rollback()
	if err := e.Audit.Append(ctx, atx, entry); err != nil {
		return errors.Join(cause, err)
	}
	if err := atx.Commit(); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (e *Engine) authorize(actor, action, team string) error {
	if actor == SystemActor {
		return nil
	}
	if e.Auth == nil {
		return domain.ForbiddenError{Actor: actor, Action: action}
	}
	return e.Auth.Require(actor, action, team)
}

// afterCommit runs side effects of a committed transition. Callers release
// the item lock first so a slow sink never holds up the next operation.
func (e *Engine) afterCommit(ctx context.Context, item domain.WorkItem, actor string, req *domain.ApprovalRequest) {
	if req != nil && e.Approvals != nil {
		e.Approvals.Announce(ctx, *req)
	}
	if n := len(item.History); n > 0 {
		telemetry.RecordTransition(ctx, string(item.History[n-1].From), string(item.Phase))
	}
	level := "info"
	switch item.Phase {
	case domain.PhaseFailed:
		level = "error"
	case domain.PhaseCompleted:
		level = "success"
	}
	notify.Deliver(ctx, e.logger(), e.Notify, notify.Event{
		Kind:       notify.KindTransition,
		WorkItemID: item.ID,
		Actor:      actor,
		Level:      level,
		Message:    fmt.Sprintf("%s is now %s", item.ID, item.Phase),
		Fields:     map[string]any{"phase": string(item.Phase)},
	})
}

func (e *Engine) teamFor(metadata map[string]string) string {
	if t := strings.TrimSpace(metadata["team"]); t != "" {
		return t
	}
	if e.Config != nil {
		return e.Config.Workflow.DefaultTeam
	}
	return ""
}

func copyMeta(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
