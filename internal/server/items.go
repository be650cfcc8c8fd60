package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"flowgate/internal/app"
	"flowgate/internal/domain"
	"flowgate/internal/repo"
)

type itemBody struct {
	Body WorkItemResponse `json:"body"`
}

type itemPath struct {
	ID string `path:"id"`
}

var itemErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
}

var stepErrors = append(append([]int{}, itemErrors...), http.StatusGatewayTimeout)

func registerItems(api huma.API, a *app.App) {
	e := a.Engine
	respond := func(item domain.WorkItem) *itemBody {
		return &itemBody{Body: workItemResponse(item, e.Successors(item.Phase))}
	}

	huma.Register(api, huma.Operation{
		OperationID:   "start-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Start a work item",
		DefaultStatus: http.StatusCreated,
		Errors:        itemErrors,
	}, func(ctx context.Context, input *struct {
		Body StartItemRequest `json:"body"`
	}) (*itemBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.Start(ctx, input.Body.ID, input.Body.Metadata, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(item), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items",
	}, func(ctx context.Context, input *struct {
		Phase string `query:"phase"`
		Team  string `query:"team"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []WorkItemResponse `json:"body"`
	}, error) {
		f := repo.WorkItemFilters{TeamID: input.Team, Limit: normalizeLimit(input.Limit)}
		if input.Phase != "" {
			p, err := domain.ParsePhase(input.Phase)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			f.Phase = string(p)
		}
		items, err := e.List(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]WorkItemResponse, 0, len(items))
		for _, item := range items {
			out = append(out, workItemResponse(item, e.Successors(item.Phase)))
		}
		return &struct {
			Body []WorkItemResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{id}",
		Summary:     "Get a work item with its history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*itemBody, error) {
		item, err := e.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(item), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/advance",
		Summary:     "Advance a work item",
		Description: "Gated targets park the item in approval_pending and answer 202.",
		Errors:      itemErrors,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body AdvanceItemRequest `json:"body"`
	}) (*struct {
		Status int
		Body   AdvanceResponse `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		to, err := domain.ParsePhase(input.Body.To)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		res, err := e.Advance(ctx, input.ID, to, actor)
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusOK
		if res.Pending {
			status = http.StatusAccepted
		}
		return &struct {
			Status int
			Body   AdvanceResponse `json:"body"`
		}{Status: status, Body: AdvanceResponse{
			Item:       workItemResponse(res.Item, e.Successors(res.Item.Phase)),
			Pending:    res.Pending,
			ApprovalID: res.ApprovalID,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/cancel",
		Summary:     "Cancel a work item",
		Errors:      itemErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body CancelItemRequest `json:"body"`
	}) (*itemBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.Cancel(ctx, input.ID, actor, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(item), nil
	})

	steps := []struct {
		id, path, summary string
		run               func(ctx context.Context, id, actor string) (domain.WorkItem, error)
	}{
		{"provision-item", "/items/{id}/provision", "Create the feature branch", e.ProvisionBranch},
		{"develop-item", "/items/{id}/develop", "Run the task executor", e.Develop},
		{"open-pull-request", "/items/{id}/pull-request", "Open the pull request", e.OpenPullRequest},
	}
	for _, step := range steps {
		huma.Register(api, huma.Operation{
			OperationID: step.id,
			Method:      http.MethodPost,
			Path:        step.path,
			Summary:     step.summary,
			Errors:      stepErrors,
		}, func(ctx context.Context, input *itemPath) (*itemBody, error) {
			actor, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			item, err := step.run(ctx, input.ID, actor)
			if err != nil {
				return nil, handleError(err)
			}
			return respond(item), nil
		})
	}
}
