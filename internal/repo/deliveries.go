package repo

import (
	"context"
	"database/sql"

	"flowgate/internal/domain"
)

type Delivery struct {
	Source     string `json:"source"`
	ExternalID string `json:"external_id"`
	EventType  string `json:"event_type"`
	WorkItemID string `json:"work_item_id,omitempty"`
	Outcome    string `json:"outcome"`
	ReceivedAt string `json:"received_at"`
}

// MarkDeliveryTx claims the (source, external id) key. It returns false when
// the key was already claimed; the check and the claim are one statement.
func (r Repo) MarkDeliveryTx(ctx context.Context, tx *sql.Tx, ev domain.WebhookEvent, outcome string) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO webhook_deliveries(source,external_id,event_type,work_item_id,outcome,received_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(source, external_id) DO NOTHING`,
		ev.Source, ev.ExternalID, ev.EventType, nullable(ev.WorkItemID), outcome, domain.FormatTime(ev.ReceivedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) SetDeliveryOutcomeTx(ctx context.Context, tx *sql.Tx, source, externalID, outcome string) error {
	_, err := tx.ExecContext(ctx, `UPDATE webhook_deliveries SET outcome=? WHERE source=? AND external_id=?`, outcome, source, externalID)
	return err
}

// ReleaseDeliveryTx drops a claim so the same delivery can be ingested again.
func (r Repo) ReleaseDeliveryTx(ctx context.Context, tx *sql.Tx, source, externalID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE source=? AND external_id=?`, source, externalID)
	return err
}

func (r Repo) GetDelivery(ctx context.Context, source, externalID string) (Delivery, error) {
	var d Delivery
	err := r.DB.QueryRowContext(ctx, `SELECT source,external_id,event_type,COALESCE(work_item_id,''),outcome,received_at FROM webhook_deliveries WHERE source=? AND external_id=?`,
		source, externalID).Scan(&d.Source, &d.ExternalID, &d.EventType, &d.WorkItemID, &d.Outcome, &d.ReceivedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}
