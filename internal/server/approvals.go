package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"flowgate/internal/app"
	"flowgate/internal/approval"
	"flowgate/internal/audit"
	"flowgate/internal/domain"
	"flowgate/internal/webhook"
)

func registerApprovals(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approval requests",
		Description: "mine=true keeps only requests the caller may decide.",
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" doc:"pending, approved, rejected or expired"`
		WorkItem string `query:"work_item"`
		Mine     bool   `query:"mine"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ApprovalResponse `json:"body"`
	}, error) {
		switch domain.ApprovalStatus(input.Status) {
		case "", domain.ApprovalPending, domain.ApprovalApproved, domain.ApprovalRejected, domain.ApprovalExpired:
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid status", map[string]any{"status": input.Status})
		}
		opts := approval.ListOptions{Status: input.Status, WorkItemID: input.WorkItem, Limit: normalizeLimit(input.Limit)}
		if input.Mine {
			actor, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			opts.Approver = actor
		}
		reqs, err := a.Approvals.List(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ApprovalResponse `json:"body"`
		}{Body: mapApprovals(reqs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{id}",
		Summary:     "Get an approval request with its decisions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		req, err := a.Approvals.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{id}/decide",
		Summary:     "Record a decision",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body DecideRequest `json:"body"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := a.Approvals.Decide(ctx, input.ID, actor, domain.Verdict(input.Body.Verdict), input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-approvals",
		Method:      http.MethodPost,
		Path:        "/approvals/sweep",
		Summary:     "Expire overdue requests now",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		expired, err := a.Approvals.Sweep(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		n, err := a.Engine.Reconcile(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{Expired: mapApprovals(expired), Reconciled: n}}, nil
	})
}

type auditQuery struct {
	WorkItem string `query:"work_item"`
	Actor    string `query:"actor"`
	Kind     string `query:"kind"`
	Outcome  string `query:"outcome"`
	From     string `query:"from" doc:"inclusive, RFC 3339"`
	To       string `query:"to" doc:"exclusive, RFC 3339"`
	Limit    int    `query:"limit" default:"200"`
}

func (q auditQuery) filter() (audit.Filter, error) {
	f := audit.Filter{WorkItemID: q.WorkItem, Actor: q.Actor, Kind: q.Kind, Outcome: q.Outcome}
	var err error
	if q.From != "" {
		if f.From, err = time.Parse(time.RFC3339, q.From); err != nil {
			return f, newAPIError(http.StatusBadRequest, "bad_request", "invalid from", map[string]any{"from": q.From})
		}
	}
	if q.To != "" {
		if f.To, err = time.Parse(time.RFC3339, q.To); err != nil {
			return f, newAPIError(http.StatusBadRequest, "bad_request", "invalid to", map[string]any{"to": q.To})
		}
	}
	return f, nil
}

func registerAudit(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "query-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Query the audit trail in time order",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *auditQuery) (*struct {
		Body []AuditEntryResponse `json:"body"`
	}, error) {
		f, err := input.filter()
		if err != nil {
			return nil, err
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 200
		}
		entries, err := a.Audit.Collect(ctx, f, limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]AuditEntryResponse, 0, len(entries))
		for _, e := range entries {
			out = append(out, auditEntryResponse(e))
		}
		return &struct {
			Body []AuditEntryResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "audit-stats",
		Method:      http.MethodGet,
		Path:        "/audit/stats",
		Summary:     "Counts and approval turnaround",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *auditQuery) (*struct {
		Body audit.Stats `json:"body"`
	}, error) {
		f, err := input.filter()
		if err != nil {
			return nil, err
		}
		st, err := a.Audit.Stats(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body audit.Stats `json:"body"`
		}{Body: st}, nil
	})
}

func registerRoutes(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-webhook-routes",
		Method:      http.MethodGet,
		Path:        "/webhooks/routes",
		Summary:     "Webhook routing table",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []webhook.Route `json:"body"`
	}, error) {
		return &struct {
			Body []webhook.Route `json:"body"`
		}{Body: a.Router.Table.Routes()}, nil
	})
}
