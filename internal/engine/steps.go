package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"flowgate/internal/audit"
	"flowgate/internal/domain"
)

const defaultPromptTemplate = `Work on {{.ID}}: {{index .Metadata "summary"}}

{{index .Metadata "description"}}

Work on branch {{.BranchRef}}. Keep the change focused on the issue and include tests.`

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// BranchName derives a feature branch for an issue.
func BranchName(id, summary string) string {
	slug := strings.Trim(slugRe.ReplaceAllString(strings.ToLower(summary), "-"), "-")
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	if slug == "" {
		return "feature/" + id
	}
	return "feature/" + id + "-" + slug
}

// ProvisionBranch fetches the issue, creates its branch and moves the item
// from created to branch_provisioned. Collaborator calls happen without the
// item lock; the phase is re-checked before committing.
func (e *Engine) ProvisionBranch(ctx context.Context, id, actor string) (domain.WorkItem, error) {
	item, err := e.precheck(ctx, id, actor, domain.PhaseBranchProvisioned, domain.PhaseCreated)
	if err != nil {
		return item, err
	}
	issue := domain.Issue{ID: id, Summary: item.Metadata["summary"]}
	if e.Issues != nil {
		if issue, err = e.Issues.FetchIssue(ctx, id); err != nil {
			return item, e.stepFailed(ctx, item, actor, "fetch_issue", err)
		}
	}
	branch := BranchName(id, issue.Summary)
	if bc, ok := e.CodeHost.(BranchCreator); ok {
		if err := bc.CreateBranch(ctx, branch); err != nil {
			return item, e.stepFailed(ctx, item, actor, "create_branch", err)
		}
	}
	return e.commitStep(ctx, id, actor, domain.PhaseCreated, domain.PhaseBranchProvisioned, "branch "+branch, func(w *domain.WorkItem) {
		w.BranchRef = branch
		if w.Metadata == nil {
			w.Metadata = map[string]string{}
		}
		w.Metadata["summary"] = issue.Summary
		if issue.Description != "" {
			w.Metadata["description"] = issue.Description
		}
		if len(issue.Labels) > 0 {
			w.Metadata["labels"] = strings.Join(issue.Labels, ",")
		}
	})
}

// Develop runs the task executor for an item in development and moves it to
// under_review. An item still in branch_provisioned is moved into
// development first. A failed or timed-out run leaves the item in
// in_development so the call can be retried.
func (e *Engine) Develop(ctx context.Context, id, actor string) (domain.WorkItem, error) {
	if e.Executor == nil {
		return domain.WorkItem{}, fmt.Errorf("%w: no task executor configured", domain.ErrUnavailable)
	}
	item, err := e.Get(ctx, id)
	if err != nil {
		return item, err
	}
	if item.Phase == domain.PhaseBranchProvisioned {
		res, err := e.Advance(ctx, id, domain.PhaseInDevelopment, actor)
		if err != nil {
			return res.Item, err
		}
		if res.Pending {
			return res.Item, nil
		}
		item = res.Item
	}
	if item, err = e.precheck(ctx, id, actor, domain.PhaseUnderReview, domain.PhaseInDevelopment); err != nil {
		return item, err
	}
	prompt, err := e.renderPrompt(item)
	if err != nil {
		return item, err
	}
	result, err := e.Executor.Run(ctx, prompt)
	if err != nil {
		return item, e.stepFailed(ctx, item, actor, "execute", err)
	}
	return e.commitStep(ctx, id, actor, domain.PhaseInDevelopment, domain.PhaseUnderReview, "task executor finished", func(w *domain.WorkItem) {
		if w.Metadata == nil {
			w.Metadata = map[string]string{}
		}
		w.Metadata["last_run_ms"] = fmt.Sprintf("%d", result.Duration.Milliseconds())
		w.Metadata["last_run_summary"] = truncate(result.Content, 280)
	})
}

// OpenPullRequest opens a pull request for the item's branch and records its
// url. An item still in development moves to under_review.
func (e *Engine) OpenPullRequest(ctx context.Context, id, actor string) (domain.WorkItem, error) {
	if e.CodeHost == nil {
		return domain.WorkItem{}, fmt.Errorf("%w: no code host configured", domain.ErrUnavailable)
	}
	item, err := e.Get(ctx, id)
	if err != nil {
		return item, err
	}
	if err := e.authorize(actor, ActionAdvance, item.TeamID); err != nil {
		return item, e.refuseStep(ctx, item, actor, "open_pull_request", err)
	}
	if item.Phase != domain.PhaseInDevelopment && item.Phase != domain.PhaseUnderReview {
		return item, e.refuseStep(ctx, item, actor, "open_pull_request", domain.TransitionError{From: item.Phase, To: domain.PhaseUnderReview})
	}
	if item.BranchRef == "" {
		return item, fmt.Errorf("work item %s has no branch", id)
	}
	title := fmt.Sprintf("%s: %s", id, item.Metadata["summary"])
	body := fmt.Sprintf("Resolves %s.\n\n%s", id, item.Metadata["last_run_summary"])
	url, err := e.CodeHost.CreatePullRequest(ctx, item.BranchRef, title, body)
	if err != nil {
		return item, e.stepFailed(ctx, item, actor, "open_pull_request", err)
	}
	from := item.Phase
	item, err = e.commitStep(ctx, id, actor, from, domain.PhaseUnderReview, "pull request "+url, func(w *domain.WorkItem) {
		if w.Metadata == nil {
			w.Metadata = map[string]string{}
		}
		w.Metadata["pull_request_url"] = url
	})
	if err != nil {
		return item, err
	}
	if e.Issues != nil {
		if err := e.Issues.AddComment(ctx, id, "Pull request opened: "+url); err != nil {
			e.logger().Warn("issue comment failed", "work_item", id, "error", err)
		}
	}
	return item, nil
}

// precheck verifies permission and phase before any collaborator call.
func (e *Engine) precheck(ctx context.Context, id, actor string, to, want domain.Phase) (domain.WorkItem, error) {
	item, err := e.Get(ctx, id)
	if err != nil {
		return item, err
	}
	if err := e.authorize(actor, ActionAdvance, item.TeamID); err != nil {
		return item, e.refuseStep(ctx, item, actor, string(to), err)
	}
	if item.Phase != want {
		return item, e.refuseStep(ctx, item, actor, string(to), domain.TransitionError{From: item.Phase, To: to})
	}
	return item, nil
}

// commitStep re-acquires the item, checks it is still in from, applies
// mutate and moves it to to. When from equals to only the mutation is
// stored.
func (e *Engine) commitStep(ctx context.Context, id, actor string, from, to domain.Phase, reason string, mutate func(*domain.WorkItem)) (domain.WorkItem, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetWorkItemTx(ctx, tx, id)
	if err != nil {
		return item, err
	}
	if item.Phase != from {
		return item, e.refuse(ctx, tx, domain.AuditEntry{Kind: audit.KindStep, WorkItemID: id, Actor: actor, Payload: map[string]any{"step": reason}},
			fmt.Errorf("%w: phase changed to %s during step", domain.TransitionError{From: item.Phase, To: to}, item.Phase))
	}
	mutate(&item)
	var req *domain.ApprovalRequest
	if from == to {
		item.UpdatedAt = e.now()
		if err := e.Repo.UpdateWorkItemTx(ctx, tx, item); err != nil {
			return item, err
		}
	} else if req, err = e.transitionTx(ctx, tx, &item, to, actor, reason); err != nil {
		if errors.Is(err, domain.ErrInvalidRule) {
			return item, e.refuse(ctx, tx, domain.AuditEntry{Kind: audit.KindStep, WorkItemID: id, Actor: actor}, err)
		}
		return item, err
	}
	if err := e.Audit.Append(ctx, tx, domain.AuditEntry{
		At:         e.now(),
		Kind:       audit.KindStep,
		WorkItemID: id,
		Actor:      actor,
		Reason:     reason,
		Payload:    map[string]any{"phase": string(item.Phase)},
	}); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	unlock()
	if from != to {
		e.afterCommit(ctx, item, actor, req)
	}
	return item, nil
}

// stepFailed audits a collaborator failure. The item keeps its last
// committed phase.
func (e *Engine) stepFailed(ctx context.Context, item domain.WorkItem, actor, step string, cause error) error {
	return e.recordStep(ctx, item, actor, step, domain.OutcomeFailed, cause)
}

func (e *Engine) refuseStep(ctx context.Context, item domain.WorkItem, actor, step string, cause error) error {
	return e.recordStep(ctx, item, actor, step, domain.OutcomeRejected, cause)
}

func (e *Engine) recordStep(ctx context.Context, item domain.WorkItem, actor, step, outcome string, cause error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return errors.Join(cause, err)
	}
	defer tx.Rollback()
	if err := e.Audit.Append(ctx, tx, domain.AuditEntry{
		At:         e.now(),
		Kind:       audit.KindStep,
		WorkItemID: item.ID,
		Actor:      actor,
		Outcome:    outcome,
		Reason:     cause.Error(),
		Payload:    map[string]any{"step": step, "phase": string(item.Phase), "retryable": domain.Retryable(cause)},
	}); err != nil {
		return errors.Join(cause, err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (e *Engine) renderPrompt(item domain.WorkItem) (string, error) {
	text := defaultPromptTemplate
	if e.Config != nil && strings.TrimSpace(e.Config.Executor.PromptTemplate) != "" {
		text = e.Config.Executor.PromptTemplate
	}
	tmpl, err := template.New("prompt").Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse prompt template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, item); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
