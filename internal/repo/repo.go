package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"flowgate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// ErrNotFound aliases the domain sentinel so callers can match either.
var ErrNotFound = domain.ErrNotFound

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) Querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

type WorkItemFilters struct {
	Phase  string
	TeamID string
	Limit  int
}

func (r Repo) InsertWorkItemTx(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	meta, err := marshalMeta(w.Metadata)
	if err != nil {
		return err
	}
	pendingID, pendingTarget := pendingColumns(w.Pending)
	_, err = tx.ExecContext(ctx, `INSERT INTO work_items(id,phase,team_id,branch_ref,metadata_json,pending_approval_id,pending_target,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		w.ID, string(w.Phase), nullable(w.TeamID), nullable(w.BranchRef), meta, pendingID, pendingTarget,
		domain.FormatTime(w.CreatedAt), domain.FormatTime(w.UpdatedAt))
	return err
}

// UpdateWorkItemTx overwrites the mutable columns. History is written
// separately through AppendTransitionTx.
func (r Repo) UpdateWorkItemTx(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	meta, err := marshalMeta(w.Metadata)
	if err != nil {
		return err
	}
	pendingID, pendingTarget := pendingColumns(w.Pending)
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET phase=?, team_id=?, branch_ref=?, metadata_json=?, pending_approval_id=?, pending_target=?, updated_at=? WHERE id=?`,
		string(w.Phase), nullable(w.TeamID), nullable(w.BranchRef), meta, pendingID, pendingTarget, domain.FormatTime(w.UpdatedAt), w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendTransitionTx stores rec with the next sequence number and returns it.
func (r Repo) AppendTransitionTx(ctx context.Context, tx *sql.Tx, workItemID string, rec domain.TransitionRecord) (domain.TransitionRecord, error) {
	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM transitions WHERE work_item_id=?`, workItemID).Scan(&next); err != nil {
		return rec, err
	}
	rec.Seq = next
	_, err := tx.ExecContext(ctx, `INSERT INTO transitions(work_item_id,seq,from_phase,to_phase,actor,at,reason) VALUES (?,?,?,?,?,?,?)`,
		workItemID, rec.Seq, string(rec.From), string(rec.To), rec.Actor, domain.FormatTime(rec.At), nullable(rec.Reason))
	return rec, err
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return r.getWorkItem(ctx, r.DB, id)
}

func (r Repo) GetWorkItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	return r.getWorkItem(ctx, tx, id)
}

func (r Repo) getWorkItem(ctx context.Context, q Querier, id string) (domain.WorkItem, error) {
	w, err := scanWorkItem(q.QueryRowContext(ctx, workItemSelect+` WHERE id=?`, id))
	if err != nil {
		return w, err
	}
	w.History, err = r.history(ctx, q, id)
	return w, err
}

const workItemSelect = `SELECT id,phase,COALESCE(team_id,''),COALESCE(branch_ref,''),metadata_json,COALESCE(pending_approval_id,''),COALESCE(pending_target,''),created_at,updated_at FROM work_items`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (domain.WorkItem, error) {
	var (
		w                        domain.WorkItem
		phase, meta              string
		pendingID, pendingTarget string
		createdAt, updatedAt     string
	)
	err := row.Scan(&w.ID, &phase, &w.TeamID, &w.BranchRef, &meta, &pendingID, &pendingTarget, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.Phase = domain.Phase(phase)
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &w.Metadata); err != nil {
			return w, fmt.Errorf("decode metadata for %s: %w", w.ID, err)
		}
	}
	if pendingID != "" {
		w.Pending = &domain.PendingGate{ApprovalID: pendingID, TargetPhase: domain.Phase(pendingTarget)}
	}
	if w.CreatedAt, err = domain.ParseTime(createdAt); err != nil {
		return w, err
	}
	w.UpdatedAt, err = domain.ParseTime(updatedAt)
	return w, err
}

func (r Repo) history(ctx context.Context, q Querier, id string) ([]domain.TransitionRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT seq,from_phase,to_phase,actor,at,COALESCE(reason,'') FROM transitions WHERE work_item_id=? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.TransitionRecord{}
	for rows.Next() {
		var (
			rec      domain.TransitionRecord
			from, to string
			at       string
		)
		if err := rows.Scan(&rec.Seq, &from, &to, &rec.Actor, &at, &rec.Reason); err != nil {
			return nil, err
		}
		rec.From, rec.To = domain.Phase(from), domain.Phase(to)
		if rec.At, err = domain.ParseTime(at); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ListWorkItems returns items without history, newest first.
func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.Phase != "" {
		clauses = append(clauses, "phase=?")
		args = append(args, f.Phase)
	}
	if f.TeamID != "" {
		clauses = append(clauses, "team_id=?")
		args = append(args, f.TeamID)
	}
	query := workItemSelect
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY updated_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func marshalMeta(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}

func pendingColumns(p *domain.PendingGate) (any, any) {
	if p == nil {
		return nil, nil
	}
	return p.ApprovalID, string(p.TargetPhase)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return domain.FormatTime(*t)
}
