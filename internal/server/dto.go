package server

import (
	"flowgate/internal/domain"
	"flowgate/internal/engine/auth"
)

// Request payloads

type StartItemRequest struct {
	ID       string            `json:"id" minLength:"1"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type AdvanceItemRequest struct {
	To string `json:"to" enum:"created,branch_provisioned,in_development,under_review,ready_to_deploy,completed,failed,cancelled"`
}

type CancelItemRequest struct {
	Reason string `json:"reason,omitempty"`
}

type DecideRequest struct {
	Verdict string `json:"verdict" enum:"approved,rejected"`
	Comment string `json:"comment,omitempty"`
}

// Response payloads

type TransitionResponse struct {
	Seq    int    `json:"seq"`
	From   string `json:"from"`
	To     string `json:"to"`
	Actor  string `json:"actor"`
	At     string `json:"at" format:"date-time"`
	Reason string `json:"reason,omitempty"`
}

type WorkItemResponse struct {
	ID              string               `json:"id"`
	Phase           string               `json:"phase"`
	TeamID          string               `json:"team_id,omitempty"`
	BranchRef       string               `json:"branch_ref,omitempty"`
	Metadata        map[string]string    `json:"metadata,omitempty"`
	PendingApproval string               `json:"pending_approval,omitempty"`
	PendingTarget   string               `json:"pending_target,omitempty"`
	Successors      []string             `json:"successors"`
	History         []TransitionResponse `json:"history"`
	CreatedAt       string               `json:"created_at" format:"date-time"`
	UpdatedAt       string               `json:"updated_at" format:"date-time"`
}

type AdvanceResponse struct {
	Item       WorkItemResponse `json:"item"`
	Pending    bool             `json:"pending"`
	ApprovalID string           `json:"approval_id,omitempty"`
}

type DecisionResponse struct {
	Approver string `json:"approver"`
	Verdict  string `json:"verdict" enum:"approved,rejected"`
	Comment  string `json:"comment,omitempty"`
	At       string `json:"at" format:"date-time"`
}

type ApprovalResponse struct {
	ID                string             `json:"id"`
	WorkItemID        string             `json:"work_item_id"`
	TeamID            string             `json:"team_id,omitempty"`
	Action            string             `json:"action"`
	RequiredApprovers []string           `json:"required_approvers"`
	RequestedBy       string             `json:"requested_by"`
	Status            string             `json:"status" enum:"pending,approved,rejected,expired"`
	Decisions         []DecisionResponse `json:"decisions"`
	Reason            string             `json:"reason,omitempty"`
	CreatedAt         string             `json:"created_at" format:"date-time"`
	ExpiresAt         string             `json:"expires_at" format:"date-time"`
	ResolvedAt        string             `json:"resolved_at,omitempty" format:"date-time"`
}

type AuditEntryResponse struct {
	ID         int64          `json:"id"`
	At         string         `json:"at" format:"date-time"`
	Kind       string         `json:"kind"`
	WorkItemID string         `json:"work_item_id,omitempty"`
	Actor      string         `json:"actor"`
	Outcome    string         `json:"outcome" enum:"ok,rejected,failed,ignored,duplicate"`
	Reason     string         `json:"reason,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type SweepResponse struct {
	Expired    []ApprovalResponse `json:"expired"`
	Reconciled int                `json:"reconciled"`
}

func workItemResponse(w domain.WorkItem, successors []domain.Phase) WorkItemResponse {
	out := WorkItemResponse{
		ID:         w.ID,
		Phase:      string(w.Phase),
		TeamID:     w.TeamID,
		BranchRef:  w.BranchRef,
		Metadata:   w.Metadata,
		Successors: []string{},
		History:    make([]TransitionResponse, 0, len(w.History)),
		CreatedAt:  domain.FormatTime(w.CreatedAt),
		UpdatedAt:  domain.FormatTime(w.UpdatedAt),
	}
	if w.Pending != nil {
		out.PendingApproval = w.Pending.ApprovalID
		out.PendingTarget = string(w.Pending.TargetPhase)
	}
	for _, p := range successors {
		out.Successors = append(out.Successors, string(p))
	}
	for _, h := range w.History {
		out.History = append(out.History, TransitionResponse{
			Seq:    h.Seq,
			From:   string(h.From),
			To:     string(h.To),
			Actor:  h.Actor,
			At:     domain.FormatTime(h.At),
			Reason: h.Reason,
		})
	}
	return out
}

func approvalResponse(r domain.ApprovalRequest) ApprovalResponse {
	out := ApprovalResponse{
		ID:                r.ID,
		WorkItemID:        r.WorkItemID,
		TeamID:            r.TeamID,
		Action:            r.Action,
		RequiredApprovers: nonNilSlice(r.RequiredApprovers),
		RequestedBy:       r.RequestedBy,
		Status:            string(r.Status),
		Decisions:         []DecisionResponse{},
		Reason:            r.Reason,
		CreatedAt:         domain.FormatTime(r.CreatedAt),
		ExpiresAt:         domain.FormatTime(r.ExpiresAt),
	}
	if r.ResolvedAt != nil {
		out.ResolvedAt = domain.FormatTime(*r.ResolvedAt)
	}
	for _, d := range sortedDecisions(r.Decisions) {
		out.Decisions = append(out.Decisions, DecisionResponse{
			Approver: d.Approver,
			Verdict:  string(d.Verdict),
			Comment:  d.Comment,
			At:       domain.FormatTime(d.At),
		})
	}
	return out
}

func mapApprovals(items []domain.ApprovalRequest) []ApprovalResponse {
	out := make([]ApprovalResponse, 0, len(items))
	for _, r := range items {
		out = append(out, approvalResponse(r))
	}
	return out
}

func auditEntryResponse(e domain.AuditEntry) AuditEntryResponse {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return AuditEntryResponse{
		ID:         e.ID,
		At:         domain.FormatTime(e.At),
		Kind:       e.Kind,
		WorkItemID: e.WorkItemID,
		Actor:      e.Actor,
		Outcome:    e.Outcome,
		Reason:     e.Reason,
		Payload:    payload,
	}
}

func whoAmI(p Principal, model *auth.Model) WhoAmIResponse {
	roles := p.Roles
	if len(roles) == 0 && model != nil {
		roles = model.RolesOf(p.ActorID)
	}
	return WhoAmIResponse{ActorID: p.ActorID, Roles: nonNilSlice(roles), Source: p.Source}
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
