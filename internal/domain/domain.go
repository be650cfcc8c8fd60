package domain

import "time"

type WorkItem struct {
	ID        string             `json:"id"`
	Phase     Phase              `json:"phase"`
	TeamID    string             `json:"team_id,omitempty"`
	BranchRef string             `json:"branch_ref,omitempty"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
	Pending   *PendingGate       `json:"pending,omitempty"`
	History   []TransitionRecord `json:"history"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// PendingGate remembers the phase a gated advance asked for while the item
// waits in approval_pending.
type PendingGate struct {
	ApprovalID  string `json:"approval_id"`
	TargetPhase Phase  `json:"target_phase"`
}

type TransitionRecord struct {
	Seq    int       `json:"seq"`
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	Actor  string    `json:"actor"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalExpired
}

type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
)

func (v Verdict) Valid() bool {
	return v == VerdictApproved || v == VerdictRejected
}

type ApprovalRequest struct {
	ID                string              `json:"id"`
	WorkItemID        string              `json:"work_item_id"`
	TeamID            string              `json:"team_id,omitempty"`
	Action            string              `json:"action"`
	RequiredApprovers []string            `json:"required_approvers"`
	RequestedBy       string              `json:"requested_by"`
	Status            ApprovalStatus      `json:"status" enum:"pending,approved,rejected,expired"`
	Decisions         map[string]Decision `json:"decisions,omitempty"`
	Reason            string              `json:"reason,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	ExpiresAt         time.Time           `json:"expires_at"`
	ResolvedAt        *time.Time          `json:"resolved_at,omitempty"`
}

type Decision struct {
	Approver string    `json:"approver"`
	Verdict  Verdict   `json:"verdict" enum:"approved,rejected"`
	Comment  string    `json:"comment,omitempty"`
	At       time.Time `json:"at"`
}

type WebhookEvent struct {
	Source     string         `json:"source"`
	EventType  string         `json:"event_type"`
	ExternalID string         `json:"external_id"`
	WorkItemID string         `json:"work_item_id,omitempty"`
	Sender     string         `json:"sender,omitempty"`
	Summary    string         `json:"summary,omitempty"`
	URL        string         `json:"url,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

type User struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

type Team struct {
	ID            string              `json:"id"`
	Members       []string            `json:"members,omitempty"`
	ApprovalRules map[string][]string `json:"approval_rules,omitempty"`
}

// Audit outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomeIgnored   = "ignored"
	OutcomeDuplicate = "duplicate"
)

type AuditEntry struct {
	ID         int64          `json:"id"`
	At         time.Time      `json:"at"`
	Kind       string         `json:"kind"`
	WorkItemID string         `json:"work_item_id,omitempty"`
	Actor      string         `json:"actor"`
	Outcome    string         `json:"outcome"`
	Reason     string         `json:"reason,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// TimeLayout is fixed width so stored timestamps sort lexicographically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

// Issue is the tracker's view of a work item.
type Issue struct {
	ID          string   `json:"id"`
	Summary     string   `json:"summary"`
	Description string   `json:"description,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

// ExecResult is what a task executor run produced.
type ExecResult struct {
	Content  string        `json:"content"`
	Duration time.Duration `json:"duration"`
}
