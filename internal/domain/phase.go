package domain

import (
	"fmt"
	"strings"
)

type Phase string

const (
	PhaseCreated           Phase = "created"
	PhaseBranchProvisioned Phase = "branch_provisioned"
	PhaseInDevelopment     Phase = "in_development"
	PhaseUnderReview       Phase = "under_review"
	PhaseApprovalPending   Phase = "approval_pending"
	PhaseReadyToDeploy     Phase = "ready_to_deploy"
	PhaseCompleted         Phase = "completed"
	PhaseFailed            Phase = "failed"
	PhaseCancelled         Phase = "cancelled"
)

var knownPhases = []Phase{
	PhaseCreated,
	PhaseBranchProvisioned,
	PhaseInDevelopment,
	PhaseUnderReview,
	PhaseApprovalPending,
	PhaseReadyToDeploy,
	PhaseCompleted,
	PhaseFailed,
	PhaseCancelled,
}

// Terminal reports whether no further transition may leave p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

func (p Phase) String() string { return string(p) }

// ParsePhase accepts "BranchProvisioned", "branch_provisioned" or "branch-provisioned".
func ParsePhase(s string) (Phase, error) {
	key := normalizePhase(s)
	for _, p := range knownPhases {
		if normalizePhase(string(p)) == key {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

func Phases() []Phase {
	out := make([]Phase, len(knownPhases))
	copy(out, knownPhases)
	return out
}

func normalizePhase(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, "-", "")
	return strings.ReplaceAll(s, " ", "")
}
