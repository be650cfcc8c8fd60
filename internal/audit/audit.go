package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	"flowgate/internal/domain"
)

// Entry kinds.
const (
	KindStart      = "workitem.start"
	KindTransition = "workitem.transition"
	KindCancel     = "workitem.cancel"
	KindResume     = "workitem.resume"
	KindStep       = "workitem.step"
	KindRequest    = "approval.request"
	KindDecide     = "approval.decide"
	KindResolve    = "approval.resolve"
	KindWebhook    = "webhook.ingest"
)

const defaultPageSize = 200

type Writer struct {
	Now func() time.Time
}

// Append writes e inside tx. A failed append must abort tx, so callers return
// the error instead of logging it.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e domain.AuditEntry) error {
	if tx == nil {
		return fmt.Errorf("audit append requires a transaction")
	}
	if e.At.IsZero() {
		now := time.Now
		if w.Now != nil {
			now = w.Now
		}
		e.At = now()
	}
	if e.Outcome == "" {
		e.Outcome = domain.OutcomeOK
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_entries(at,kind,work_item_id,actor,outcome,reason,payload_json) VALUES (?,?,?,?,?,?,?)`,
		domain.FormatTime(e.At), e.Kind, nullable(e.WorkItemID), e.Actor, e.Outcome, nullable(e.Reason), string(data))
	if err != nil {
		return fmt.Errorf("append audit entry %s: %w", e.Kind, err)
	}
	return nil
}

// Filter narrows a query. Zero fields match everything; From is inclusive
// and To exclusive.
type Filter struct {
	WorkItemID string
	Actor      string
	Kind       string
	Outcome    string
	From       time.Time
	To         time.Time
}

type Log struct {
	DB       *sql.DB
	PageSize int
}

type cursor struct {
	at string
	id int64
}

// Query returns matching entries ordered by time. Pages are fetched as the
// sequence is consumed; every range over the result starts a fresh scan.
func (l Log) Query(ctx context.Context, f Filter) iter.Seq2[domain.AuditEntry, error] {
	return func(yield func(domain.AuditEntry, error) bool) {
		var after *cursor
		for {
			page, err := l.page(ctx, f, after)
			if err != nil {
				yield(domain.AuditEntry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < l.pageSize() {
				return
			}
			last := page[len(page)-1]
			after = &cursor{at: domain.FormatTime(last.At), id: last.ID}
		}
	}
}

// Collect drains a query into a slice.
func (l Log) Collect(ctx context.Context, f Filter, limit int) ([]domain.AuditEntry, error) {
	var res []domain.AuditEntry
	for e, err := range l.Query(ctx, f) {
		if err != nil {
			return nil, err
		}
		res = append(res, e)
		if limit > 0 && len(res) >= limit {
			break
		}
	}
	return res, nil
}

func (l Log) pageSize() int {
	if l.PageSize > 0 {
		return l.PageSize
	}
	return defaultPageSize
}

func (l Log) page(ctx context.Context, f Filter, after *cursor) ([]domain.AuditEntry, error) {
	clauses, args := f.where()
	if after != nil {
		clauses = append(clauses, "(at > ? OR (at = ? AND id > ?))")
		args = append(args, after.at, after.at, after.id)
	}
	query := `SELECT id,at,kind,COALESCE(work_item_id,''),actor,outcome,COALESCE(reason,''),payload_json FROM audit_entries`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY at, id LIMIT ?"
	args = append(args, l.pageSize())
	return l.scan(ctx, query, args...)
}

func (f Filter) where() ([]string, []any) {
	var clauses []string
	var args []any
	if f.WorkItemID != "" {
		clauses = append(clauses, "work_item_id=?")
		args = append(args, f.WorkItemID)
	}
	if f.Actor != "" {
		clauses = append(clauses, "actor=?")
		args = append(args, f.Actor)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Outcome != "" {
		clauses = append(clauses, "outcome=?")
		args = append(args, f.Outcome)
	}
	if !f.From.IsZero() {
		clauses = append(clauses, "at>=?")
		args = append(args, domain.FormatTime(f.From))
	}
	if !f.To.IsZero() {
		clauses = append(clauses, "at<?")
		args = append(args, domain.FormatTime(f.To))
	}
	return clauses, args
}

// After returns up to limit entries with an id greater than afterID, in
// insertion order. Used by the outbound relay.
func (l Log) After(ctx context.Context, afterID int64, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	return l.scan(ctx, `SELECT id,at,kind,COALESCE(work_item_id,''),actor,outcome,COALESCE(reason,''),payload_json FROM audit_entries WHERE id>? ORDER BY id LIMIT ?`, afterID, limit)
}

func (l Log) LatestID(ctx context.Context) (int64, error) {
	var id int64
	err := l.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_entries`).Scan(&id)
	return id, err
}

func (l Log) scan(ctx context.Context, query string, args ...any) ([]domain.AuditEntry, error) {
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var (
			e           domain.AuditEntry
			at, payload string
		)
		if err := rows.Scan(&e.ID, &at, &e.Kind, &e.WorkItemID, &e.Actor, &e.Outcome, &e.Reason, &payload); err != nil {
			return nil, err
		}
		if e.At, err = domain.ParseTime(at); err != nil {
			return nil, err
		}
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode audit payload %d: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
