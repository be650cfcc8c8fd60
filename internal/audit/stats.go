package audit

import (
	"context"
	"strings"
	"time"

	"flowgate/internal/domain"
)

type Stats struct {
	Total     int            `json:"total"`
	ByKind    map[string]int `json:"by_kind"`
	ByOutcome map[string]int `json:"by_outcome"`
	ByActor   map[string]int `json:"by_actor"`
	Approvals ApprovalStats  `json:"approvals"`
}

type ApprovalStats struct {
	Resolved       map[string]int `json:"resolved"`
	Pending        int            `json:"pending"`
	MeanTurnaround time.Duration  `json:"mean_turnaround_ns"`
}

// Stats summarises entries matching f together with approval turnaround for
// requests created in the same window.
func (l Log) Stats(ctx context.Context, f Filter) (Stats, error) {
	st := Stats{
		ByKind:    map[string]int{},
		ByOutcome: map[string]int{},
		ByActor:   map[string]int{},
		Approvals: ApprovalStats{Resolved: map[string]int{}},
	}
	clauses, args := f.where()
	query := `SELECT kind,outcome,actor,COUNT(*) FROM audit_entries`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " GROUP BY kind,outcome,actor"
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind, outcome, actor string
		var n int
		if err := rows.Scan(&kind, &outcome, &actor, &n); err != nil {
			return st, err
		}
		st.Total += n
		st.ByKind[kind] += n
		st.ByOutcome[outcome] += n
		st.ByActor[actor] += n
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	return st, l.approvalStats(ctx, f, &st.Approvals)
}

func (l Log) approvalStats(ctx context.Context, f Filter, out *ApprovalStats) error {
	var clauses []string
	var args []any
	if f.WorkItemID != "" {
		clauses = append(clauses, "work_item_id=?")
		args = append(args, f.WorkItemID)
	}
	if !f.From.IsZero() {
		clauses = append(clauses, "created_at>=?")
		args = append(args, domain.FormatTime(f.From))
	}
	if !f.To.IsZero() {
		clauses = append(clauses, "created_at<?")
		args = append(args, domain.FormatTime(f.To))
	}
	query := `SELECT status,created_at,COALESCE(resolved_at,'') FROM approval_requests`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	var total time.Duration
	var resolved int
	for rows.Next() {
		var status, created, resolvedAt string
		if err := rows.Scan(&status, &created, &resolvedAt); err != nil {
			return err
		}
		if resolvedAt == "" {
			out.Pending++
			continue
		}
		out.Resolved[status]++
		c, err := domain.ParseTime(created)
		if err != nil {
			return err
		}
		r, err := domain.ParseTime(resolvedAt)
		if err != nil {
			return err
		}
		total += r.Sub(c)
		resolved++
	}
	if resolved > 0 {
		out.MeanTurnaround = total / time.Duration(resolved)
	}
	return rows.Err()
}
