package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"flowgate/internal/domain"
)

type ApprovalFilters struct {
	Status     string
	WorkItemID string
	Limit      int
}

func (r Repo) InsertApprovalTx(ctx context.Context, tx *sql.Tx, a domain.ApprovalRequest) error {
	approvers, err := json.Marshal(a.RequiredApprovers)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO approval_requests(id,work_item_id,team_id,action,required_approvers_json,requested_by,status,reason,created_at,expires_at,resolved_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.WorkItemID, nullable(a.TeamID), a.Action, string(approvers), a.RequestedBy, string(a.Status), nullable(a.Reason),
		domain.FormatTime(a.CreatedAt), domain.FormatTime(a.ExpiresAt), nullableTime(a.ResolvedAt))
	return err
}

// UpsertDecisionTx records an approver's verdict, replacing an earlier one
// from the same approver.
func (r Repo) UpsertDecisionTx(ctx context.Context, tx *sql.Tx, requestID string, d domain.Decision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_decisions(request_id,approver,verdict,comment,at) VALUES (?,?,?,?,?)
ON CONFLICT(request_id, approver) DO UPDATE SET verdict=excluded.verdict, comment=excluded.comment, at=excluded.at`,
		requestID, d.Approver, string(d.Verdict), nullable(d.Comment), domain.FormatTime(d.At))
	return err
}

// ResolveApprovalTx moves a pending request to a terminal status. It reports
// false when another writer resolved the request first.
func (r Repo) ResolveApprovalTx(ctx context.Context, tx *sql.Tx, id string, status domain.ApprovalStatus, reason string, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE approval_requests SET status=?, reason=?, resolved_at=? WHERE id=? AND status='pending'`,
		string(status), nullable(reason), domain.FormatTime(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetApproval(ctx context.Context, id string) (domain.ApprovalRequest, error) {
	return r.getApproval(ctx, r.DB, id)
}

func (r Repo) GetApprovalTx(ctx context.Context, tx *sql.Tx, id string) (domain.ApprovalRequest, error) {
	return r.getApproval(ctx, tx, id)
}

const approvalSelect = `SELECT id,work_item_id,COALESCE(team_id,''),action,required_approvers_json,requested_by,status,COALESCE(reason,''),created_at,expires_at,COALESCE(resolved_at,'') FROM approval_requests`

func (r Repo) getApproval(ctx context.Context, q Querier, id string) (domain.ApprovalRequest, error) {
	a, err := scanApproval(q.QueryRowContext(ctx, approvalSelect+` WHERE id=?`, id))
	if err != nil {
		return a, err
	}
	a.Decisions, err = r.decisions(ctx, q, id)
	return a, err
}

func scanApproval(row rowScanner) (domain.ApprovalRequest, error) {
	var (
		a                              domain.ApprovalRequest
		approvers, status              string
		createdAt, expiresAt, resolved string
	)
	err := row.Scan(&a.ID, &a.WorkItemID, &a.TeamID, &a.Action, &approvers, &a.RequestedBy, &status, &a.Reason, &createdAt, &expiresAt, &resolved)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Status = domain.ApprovalStatus(status)
	if err := json.Unmarshal([]byte(approvers), &a.RequiredApprovers); err != nil {
		return a, err
	}
	if a.CreatedAt, err = domain.ParseTime(createdAt); err != nil {
		return a, err
	}
	if a.ExpiresAt, err = domain.ParseTime(expiresAt); err != nil {
		return a, err
	}
	if resolved != "" {
		t, err := domain.ParseTime(resolved)
		if err != nil {
			return a, err
		}
		a.ResolvedAt = &t
	}
	return a, nil
}

func (r Repo) decisions(ctx context.Context, q Querier, requestID string) (map[string]domain.Decision, error) {
	rows, err := q.QueryContext(ctx, `SELECT approver,verdict,COALESCE(comment,''),at FROM approval_decisions WHERE request_id=? ORDER BY at`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]domain.Decision{}
	for rows.Next() {
		var (
			d           domain.Decision
			verdict, at string
		)
		if err := rows.Scan(&d.Approver, &verdict, &d.Comment, &at); err != nil {
			return nil, err
		}
		d.Verdict = domain.Verdict(verdict)
		if d.At, err = domain.ParseTime(at); err != nil {
			return nil, err
		}
		res[d.Approver] = d
	}
	return res, rows.Err()
}

// ListApprovals returns requests without decisions, oldest first.
func (r Repo) ListApprovals(ctx context.Context, f ApprovalFilters) ([]domain.ApprovalRequest, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.WorkItemID != "" {
		clauses = append(clauses, "work_item_id=?")
		args = append(args, f.WorkItemID)
	}
	query := approvalSelect
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// OverdueApprovalIDs lists pending requests whose deadline is at or before now.
func (r Repo) OverdueApprovalIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM approval_requests WHERE status='pending' AND expires_at<=? ORDER BY expires_at, id`, domain.FormatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
