package engine

import (
	"context"

	"flowgate/internal/domain"
)

// IssueSource fetches and annotates tracker issues. Implementations return
// domain.ErrUnavailable for retryable failures and domain.ErrNotFound for
// unknown issues.
type IssueSource interface {
	FetchIssue(ctx context.Context, id string) (domain.Issue, error)
	AddComment(ctx context.Context, id, text string) error
}

type CodeHost interface {
	CreatePullRequest(ctx context.Context, branchRef, title, body string) (string, error)
}

// BranchCreator is implemented by code hosts that can create branches
// remotely.
type BranchCreator interface {
	CreateBranch(ctx context.Context, name string) error
}

// TaskExecutor runs a prompt. A timeout is reported as
// domain.ErrExecutorTimeout.
type TaskExecutor interface {
	Run(ctx context.Context, prompt string) (domain.ExecResult, error)
}
