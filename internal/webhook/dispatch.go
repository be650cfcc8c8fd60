package webhook

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"flowgate/internal/approval"
	"flowgate/internal/domain"
	"flowgate/internal/engine"
)

// Dispatcher carries out a routed action.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev domain.WebhookEvent, action Action, actor string) error
}

// WorkflowDispatcher applies actions to the state machine and the approval
// engine.
type WorkflowDispatcher struct {
	Engine    *engine.Engine
	Approvals *approval.Engine
}

func (d WorkflowDispatcher) Dispatch(ctx context.Context, ev domain.WebhookEvent, action Action, actor string) error {
	switch a := action.(type) {
	case StartAction:
		meta := map[string]string{"source": ev.Source}
		if ev.Summary != "" {
			meta["summary"] = ev.Summary
		}
		if ev.URL != "" {
			meta["url"] = ev.URL
		}
		_, err := d.Engine.Start(ctx, ev.WorkItemID, meta, actor)
		return err
	case AdvanceAction:
		_, err := d.Engine.Advance(ctx, ev.WorkItemID, a.To, actor)
		return err
	case CancelAction:
		reason := a.Reason
		if reason == "" {
			reason = ev.EventType
		}
		_, err := d.Engine.Cancel(ctx, ev.WorkItemID, actor, reason)
		return err
	case DecideAction:
		item, err := d.Engine.Get(ctx, ev.WorkItemID)
		if err != nil {
			return err
		}
		if item.Pending == nil {
			return fmt.Errorf("%w: %s has no pending approval", domain.ErrNotFound, item.ID)
		}
		_, err = d.Approvals.Decide(ctx, item.Pending.ApprovalID, actor, a.Verdict, "via "+ev.Source+" "+ev.EventType)
		return err
	case CommentAction:
		if d.Engine.Issues == nil {
			return fmt.Errorf("%w: no issue tracker configured", domain.ErrUnavailable)
		}
		text, err := renderComment(a.Template, ev)
		if err != nil {
			return err
		}
		return d.Engine.Issues.AddComment(ctx, ev.WorkItemID, text)
	}
	return fmt.Errorf("unsupported action %T", action)
}

func parseTemplate(text string) (*template.Template, error) {
	return template.New("comment").Option("missingkey=zero").Parse(text)
}

func renderComment(text string, ev domain.WebhookEvent) (string, error) {
	tmpl, err := parseTemplate(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ev); err != nil {
		return "", fmt.Errorf("render comment: %w", err)
	}
	return buf.String(), nil
}
