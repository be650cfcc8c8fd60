package audit_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"flowgate/internal/audit"
	"flowgate/internal/db"
	"flowgate/internal/domain"
	"flowgate/internal/migrate"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func appendEntries(t *testing.T, conn *sql.DB, entries ...domain.AuditEntry) {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	w := audit.Writer{}
	for _, e := range entries {
		if err := w.Append(ctx, tx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestQueryOrdersByTimeAndPages(t *testing.T) {
	conn := openDB(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// inserted out of time order
	appendEntries(t, conn,
		domain.AuditEntry{At: base.Add(3 * time.Minute), Kind: audit.KindTransition, WorkItemID: "A-1", Actor: "alice"},
		domain.AuditEntry{At: base.Add(1 * time.Minute), Kind: audit.KindStart, WorkItemID: "A-1", Actor: "alice"},
		domain.AuditEntry{At: base.Add(2 * time.Minute), Kind: audit.KindStart, WorkItemID: "B-1", Actor: "bob"},
		domain.AuditEntry{At: base.Add(4 * time.Minute), Kind: audit.KindCancel, WorkItemID: "A-1", Actor: "bob", Outcome: domain.OutcomeRejected},
		domain.AuditEntry{At: base.Add(4 * time.Minute), Kind: audit.KindResume, WorkItemID: "A-1", Actor: "system"},
	)
	log := audit.Log{DB: conn, PageSize: 2}

	var kinds []string
	for e, err := range log.Query(context.Background(), audit.Filter{WorkItemID: "A-1"}) {
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		kinds = append(kinds, e.Kind)
	}
	want := []string{audit.KindStart, audit.KindTransition, audit.KindCancel, audit.KindResume}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, kinds)
		}
	}

	byActor, err := log.Collect(context.Background(), audit.Filter{Actor: "bob"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(byActor) != 2 || byActor[1].Outcome != domain.OutcomeRejected {
		t.Fatalf("unexpected actor query result %+v", byActor)
	}

	window, err := log.Collect(context.Background(), audit.Filter{From: base.Add(2 * time.Minute), To: base.Add(4 * time.Minute)}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(window) != 2 {
		t.Fatalf("expected 2 entries in window, got %d", len(window))
	}
}

func TestQueryIsRestartable(t *testing.T) {
	conn := openDB(t)
	appendEntries(t, conn,
		domain.AuditEntry{Kind: audit.KindStart, WorkItemID: "A-1", Actor: "alice"},
		domain.AuditEntry{Kind: audit.KindTransition, WorkItemID: "A-1", Actor: "alice"},
	)
	seq := audit.Log{DB: conn}.Query(context.Background(), audit.Filter{})
	count := func() int {
		n := 0
		for _, err := range seq {
			if err != nil {
				t.Fatal(err)
			}
			n++
		}
		return n
	}
	if first := count(); first != 2 {
		t.Fatalf("expected 2, got %d", first)
	}
	appendEntries(t, conn, domain.AuditEntry{Kind: audit.KindCancel, WorkItemID: "A-1", Actor: "alice"})
	if second := count(); second != 3 {
		t.Fatalf("expected a fresh scan to see 3 entries, got %d", second)
	}
}

func TestAppendFailureAbortsTransaction(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO work_items(id,phase,created_at,updated_at) VALUES ('X-1','created','a','a')`); err != nil {
		t.Fatal(err)
	}
	// break the audit store inside the same transaction
	_, err = tx.ExecContext(ctx, `DROP TABLE audit_entries`)
	if err != nil {
		t.Fatal(err)
	}
	if err := (audit.Writer{}).Append(ctx, tx, domain.AuditEntry{Kind: audit.KindStart, Actor: "alice"}); err == nil {
		t.Fatalf("expected append error")
	}
	tx.Rollback()
	var n int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM work_items`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected state change rolled back, found %d rows", n)
	}
	if err := (audit.Writer{}).Append(ctx, nil, domain.AuditEntry{}); err == nil || errors.Is(err, sql.ErrTxDone) {
		t.Fatalf("expected missing transaction error, got %v", err)
	}
}

func TestStats(t *testing.T) {
	conn := openDB(t)
	appendEntries(t, conn,
		domain.AuditEntry{Kind: audit.KindStart, WorkItemID: "A-1", Actor: "alice"},
		domain.AuditEntry{Kind: audit.KindTransition, WorkItemID: "A-1", Actor: "alice", Outcome: domain.OutcomeRejected},
		domain.AuditEntry{Kind: audit.KindTransition, WorkItemID: "A-1", Actor: "bob"},
	)
	st, err := audit.Log{DB: conn}.Stats(context.Background(), audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 3 || st.ByKind[audit.KindTransition] != 2 || st.ByOutcome[domain.OutcomeRejected] != 1 || st.ByActor["alice"] != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
}
