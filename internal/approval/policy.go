package approval

import (
	"fmt"

	"flowgate/internal/domain"
)

// Matcher reports whether approver satisfies one required-approver entry,
// which may be a user id or a role.
type Matcher func(approver, entry string) bool

// Policy decides when a request's recorded decisions resolve it. Both
// policies are reject-wins: one rejection finalises the request.
type Policy interface {
	Name() string
	Resolve(req domain.ApprovalRequest, match Matcher) domain.ApprovalStatus
}

// AnyOne approves as soon as a single approval is recorded.
type AnyOne struct{}

func (AnyOne) Name() string { return "any" }

func (AnyOne) Resolve(req domain.ApprovalRequest, _ Matcher) domain.ApprovalStatus {
	if anyRejected(req) {
		return domain.ApprovalRejected
	}
	for _, d := range req.Decisions {
		if d.Verdict == domain.VerdictApproved {
			return domain.ApprovalApproved
		}
	}
	return domain.ApprovalPending
}

// All approves once every required entry is covered by an approval.
type All struct{}

func (All) Name() string { return "all" }

func (All) Resolve(req domain.ApprovalRequest, match Matcher) domain.ApprovalStatus {
	if anyRejected(req) {
		return domain.ApprovalRejected
	}
	for _, entry := range req.RequiredApprovers {
		covered := false
		for approver, d := range req.Decisions {
			if d.Verdict == domain.VerdictApproved && match(approver, entry) {
				covered = true
				break
			}
		}
		if !covered {
			return domain.ApprovalPending
		}
	}
	return domain.ApprovalApproved
}

func anyRejected(req domain.ApprovalRequest) bool {
	for _, d := range req.Decisions {
		if d.Verdict == domain.VerdictRejected {
			return true
		}
	}
	return false
}

func PolicyFor(name string) (Policy, error) {
	switch name {
	case "", "any":
		return AnyOne{}, nil
	case "all":
		return All{}, nil
	default:
		return nil, fmt.Errorf("unknown approval policy %q", name)
	}
}
