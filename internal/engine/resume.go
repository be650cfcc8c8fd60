package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"flowgate/internal/approval"
	"flowgate/internal/audit"
	"flowgate/internal/domain"
	"flowgate/internal/repo"
)

// Resume applies a resolved approval to the item parked behind it: approved
// moves to the originally requested phase, rejected or expired to failed.
// It does nothing when the item is terminal or waits on another request.
func (e *Engine) Resume(ctx context.Context, req domain.ApprovalRequest) error {
	if !req.Status.Terminal() {
		return nil
	}
	unlock := e.locks.Lock(req.WorkItemID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetWorkItemTx(ctx, tx, req.WorkItemID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if item.Phase.Terminal() {
		if err := e.Audit.Append(ctx, tx, domain.AuditEntry{
			At:         e.now(),
			Kind:       audit.KindResume,
			WorkItemID: item.ID,
			Actor:      SystemActor,
			Outcome:    domain.OutcomeIgnored,
			Reason:     "work item already " + string(item.Phase),
			Payload:    map[string]any{"approval_id": req.ID, "status": string(req.Status)},
		}); err != nil {
			return err
		}
		return tx.Commit()
	}
	if item.Phase != domain.PhaseApprovalPending || item.Pending == nil || item.Pending.ApprovalID != req.ID {
		return nil
	}

	to, reason := item.Pending.TargetPhase, "approved by "+approvedBy(req)
	switch req.Status {
	case domain.ApprovalRejected:
		to, reason = domain.PhaseFailed, approval.ReasonRejected
	case domain.ApprovalExpired:
		to, reason = domain.PhaseFailed, approval.ReasonExpired
	}
	if err := e.applyTx(ctx, tx, &item, to, SystemActor, reason); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, domain.AuditEntry{
		At:         e.now(),
		Kind:       audit.KindResume,
		WorkItemID: item.ID,
		Actor:      SystemActor,
		Reason:     reason,
		Payload:    map[string]any{"approval_id": req.ID, "status": string(req.Status), "to": string(to)},
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	unlock()
	e.afterCommit(ctx, item, SystemActor, nil)
	return nil
}

func approvedBy(req domain.ApprovalRequest) string {
	var names []string
	for who, d := range req.Decisions {
		if d.Verdict == domain.VerdictApproved {
			names = append(names, who)
		}
	}
	if len(names) == 0 {
		return "policy"
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// Reconcile resumes items still parked behind requests that are already
// resolved, e.g. after a crash between the approval commit and the resume.
// It returns how many items it resumed.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	items, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilters{Phase: string(domain.PhaseApprovalPending)})
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, item := range items {
		if item.Pending == nil {
			continue
		}
		req, err := e.Repo.GetApproval(ctx, item.Pending.ApprovalID)
		if err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", item.ID, err))
			continue
		}
		if !req.Status.Terminal() {
			continue
		}
		if err := e.Resume(ctx, req); err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", item.ID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
