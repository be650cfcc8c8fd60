package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"flowgate/internal/domain"
)

var (
	phaseStyleActive  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	phaseStyleGate    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	phaseStyleDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	phaseStyleFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	phaseStyleMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	phaseStyleDefault = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
)

func phaseStyle(p domain.Phase) lipgloss.Style {
	switch p {
	case domain.PhaseApprovalPending:
		return phaseStyleGate
	case domain.PhaseCompleted, domain.PhaseReadyToDeploy:
		return phaseStyleDone
	case domain.PhaseFailed:
		return phaseStyleFailed
	case domain.PhaseCancelled:
		return phaseStyleMuted
	case domain.PhaseInDevelopment, domain.PhaseUnderReview, domain.PhaseBranchProvisioned:
		return phaseStyleActive
	default:
		return phaseStyleDefault
	}
}

func styledPhase(p domain.Phase) string {
	return phaseStyle(p).Render(string(p))
}

func statusStyle(s domain.ApprovalStatus) lipgloss.Style {
	switch s {
	case domain.ApprovalApproved:
		return phaseStyleDone
	case domain.ApprovalRejected:
		return phaseStyleFailed
	case domain.ApprovalExpired:
		return phaseStyleMuted
	default:
		return phaseStyleGate
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printItems(items []domain.WorkItem) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Phase", "Team", "Branch", "Pending", "Updated"})
	for _, it := range items {
		pending := ""
		if it.Pending != nil {
			pending = fmt.Sprintf("%s -> %s", it.Pending.ApprovalID, it.Pending.TargetPhase)
		}
		tw.AppendRow(table.Row{it.ID, styledPhase(it.Phase), it.TeamID, it.BranchRef, pending, ago(it.UpdatedAt)})
	}
	tw.Render()
	return nil
}

func printItem(item domain.WorkItem) error {
	if viper.GetBool("json") {
		return printJSON(item)
	}
	fmt.Printf("%s  %s\n", item.ID, styledPhase(item.Phase))
	if item.TeamID != "" {
		fmt.Printf("team:    %s\n", item.TeamID)
	}
	if item.BranchRef != "" {
		fmt.Printf("branch:  %s\n", item.BranchRef)
	}
	if item.Pending != nil {
		fmt.Printf("waiting: approval %s for %s\n", item.Pending.ApprovalID, item.Pending.TargetPhase)
	}
	if len(item.Metadata) > 0 {
		keys := make([]string, 0, len(item.Metadata))
		for k := range item.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%-8s %s\n", k+":", item.Metadata[k])
		}
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"#", "From", "To", "Actor", "At", "Reason"})
	for _, h := range item.History {
		from := ""
		if h.From != "" {
			from = string(h.From)
		}
		tw.AppendRow(table.Row{h.Seq, from, styledPhase(h.To), h.Actor, h.At.Format(time.RFC3339), h.Reason})
	}
	tw.Render()
	return nil
}

func printApprovals(reqs []domain.ApprovalRequest) error {
	if viper.GetBool("json") {
		return printJSON(reqs)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Work item", "Action", "Status", "Approvers", "Expires"})
	for _, r := range reqs {
		tw.AppendRow(table.Row{r.ID, r.WorkItemID, r.Action, statusStyle(r.Status).Render(string(r.Status)), strings.Join(r.RequiredApprovers, ","), r.ExpiresAt.Format(time.RFC3339)})
	}
	tw.Render()
	return nil
}

func printApproval(r domain.ApprovalRequest) error {
	if viper.GetBool("json") {
		return printJSON(r)
	}
	fmt.Printf("%s  %s\n", r.ID, statusStyle(r.Status).Render(string(r.Status)))
	fmt.Printf("work item: %s\naction:    %s\nrequested: %s by %s\nexpires:   %s\n",
		r.WorkItemID, r.Action, r.CreatedAt.Format(time.RFC3339), r.RequestedBy, r.ExpiresAt.Format(time.RFC3339))
	fmt.Printf("approvers: %s\n", strings.Join(r.RequiredApprovers, ", "))
	if r.Reason != "" {
		fmt.Printf("reason:    %s\n", r.Reason)
	}
	if len(r.Decisions) == 0 {
		return nil
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Approver", "Verdict", "At", "Comment"})
	approvers := make([]string, 0, len(r.Decisions))
	for a := range r.Decisions {
		approvers = append(approvers, a)
	}
	sort.Strings(approvers)
	for _, a := range approvers {
		d := r.Decisions[a]
		tw.AppendRow(table.Row{a, d.Verdict, d.At.Format(time.RFC3339), d.Comment})
	}
	tw.Render()
	return nil
}

func printAudit(entries []domain.AuditEntry) error {
	if viper.GetBool("json") {
		return printJSON(entries)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "At", "Kind", "Work item", "Actor", "Outcome", "Reason"})
	for _, e := range entries {
		outcome := e.Outcome
		switch e.Outcome {
		case domain.OutcomeRejected, domain.OutcomeFailed:
			outcome = phaseStyleFailed.Render(outcome)
		case domain.OutcomeIgnored, domain.OutcomeDuplicate:
			outcome = phaseStyleMuted.Render(outcome)
		}
		tw.AppendRow(table.Row{e.ID, e.At.Format(time.RFC3339), e.Kind, e.WorkItemID, e.Actor, outcome, e.Reason})
	}
	tw.Render()
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, 1<<20))
}

func ago(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := time.Since(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}
