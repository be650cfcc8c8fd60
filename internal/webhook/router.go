package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"flowgate/internal/audit"
	"flowgate/internal/config"
	"flowgate/internal/domain"
	"flowgate/internal/notify"
	"flowgate/internal/repo"
	"flowgate/internal/signature"
	"flowgate/internal/telemetry"
)

// ErrUnknownSource is returned for deliveries to a source not in config.
var ErrUnknownSource = errors.New("unknown webhook source")

// Outcome of an accepted delivery.
type Outcome string

const (
	OutcomeDispatched Outcome = "dispatched"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeUnroutable Outcome = "unroutable"
)

// RawEvent is a delivery as received.
type RawEvent struct {
	Source  string
	Headers http.Header
	Body    []byte
}

type Result struct {
	Outcome Outcome             `json:"outcome"`
	Event   domain.WebhookEvent `json:"event"`
	Action  string              `json:"action,omitempty"`
}

type Router struct {
	DB         *sql.DB
	Repo       repo.Repo
	Audit      audit.Writer
	Sources    map[string]config.SourceConfig
	Table      Table
	Dispatcher Dispatcher
	Notify     notify.Sink
	Logger     *slog.Logger
	Now        func() time.Time
}

func New(db *sql.DB, cfg config.WebhooksConfig, d Dispatcher) (*Router, error) {
	table, err := TableFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &Router{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Sources:    cfg.Sources,
		Table:      table,
		Dispatcher: d,
		Logger:     slog.Default(),
		Now:        time.Now,
	}, nil
}

func (r *Router) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Router) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// SignatureHeader names the header carrying the source's signature or token.
func (r *Router) SignatureHeader(source string) string {
	sc, ok := r.Sources[source]
	if !ok {
		return ""
	}
	if sc.SignatureHeader != "" {
		return sc.SignatureHeader
	}
	switch sc.Kind {
	case "github":
		return "X-Hub-Signature-256"
	case "gitlab":
		return "X-Gitlab-Token"
	}
	if sc.VerifyMode() == "token" {
		return "X-Webhook-Token"
	}
	return "X-Hub-Signature"
}

// Ingest verifies, normalises, de-duplicates, routes and dispatches one
// delivery. Its key is claimed before dispatch so concurrent redeliveries
// never dispatch twice. A failed dispatch is recorded; when the failure is
// retryable the claim is released so the source's redelivery is processed.
func (r *Router) Ingest(ctx context.Context, raw RawEvent, sig string) (res Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "webhook.ingest", telemetry.String("webhook.source", raw.Source))
	defer func() {
		telemetry.End(span, err)
		if err == nil {
			telemetry.RecordWebhook(ctx, raw.Source, string(res.Outcome))
		}
	}()

	sc, ok := r.Sources[raw.Source]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownSource, raw.Source)
	}
	if err := verify(sc, raw.Body, sig); err != nil {
		return Result{}, r.rejectSignature(ctx, raw, err)
	}
	norm, ok := normalizers[sc.Kind]
	if !ok {
		return Result{}, fmt.Errorf("%w: no normaliser for kind %q", ErrUnknownSource, sc.Kind)
	}
	n, err := norm(raw.Headers, raw.Body)
	if err != nil {
		return Result{}, err
	}
	ev := domain.WebhookEvent{
		Source:     raw.Source,
		EventType:  n.eventType,
		ExternalID: n.externalID,
		WorkItemID: n.workItemID,
		Sender:     n.sender,
		Summary:    n.summary,
		URL:        n.url,
		Payload:    n.payload,
		ReceivedAt: r.now(),
	}
	res = Result{Event: ev, Outcome: OutcomeDispatched}
	action, routed := r.Table.Lookup(raw.Source, ev.EventType)
	reason := ""
	switch {
	case !routed:
		res.Outcome, reason = OutcomeUnroutable, "no route for "+ev.EventType
	case ev.WorkItemID == "":
		res.Outcome, reason = OutcomeUnroutable, "event names no work item"
	default:
		res.Action = string(action.Kind())
	}

	claimed, err := r.claim(ctx, ev, res, reason)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		r.logger().Debug("duplicate webhook delivery", "source", ev.Source, "external_id", ev.ExternalID)
		res.Outcome, res.Action = OutcomeDuplicate, ""
		return res, nil
	}
	if res.Outcome == OutcomeUnroutable {
		r.logger().Info("unroutable webhook", "source", ev.Source, "event", ev.EventType, "reason", reason)
		return res, nil
	}

	// a verdict is decided by the reviewer who sent it, not the source
	actor := sc.Actor
	if actor == "" || (action.Kind() == ActionDecide && ev.Sender != "") {
		actor = ev.Sender
	}
	if err := r.Dispatcher.Dispatch(ctx, ev, action, actor); err != nil {
		return res, errors.Join(err, r.recordDispatchFailure(ctx, ev, action, actor, err))
	}
	return res, nil
}

func verify(sc config.SourceConfig, body []byte, sig string) error {
	mode := sc.VerifyMode()
	if mode == "none" {
		return nil
	}
	secret := sc.ResolvedSecret()
	if secret == "" {
		return fmt.Errorf("%w: no secret configured", domain.ErrInvalidSignature)
	}
	var ok bool
	switch mode {
	case "token":
		ok = signature.VerifyToken(secret, sig)
	default:
		ok = signature.VerifyHMAC(secret, body, sig)
	}
	if !ok {
		return domain.ErrInvalidSignature
	}
	return nil
}

// claim records the delivery and its audit entry in one transaction. It
// reports false when the delivery was seen before; nothing is written then.
func (r *Router) claim(ctx context.Context, ev domain.WebhookEvent, res Result, reason string) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	claimed, err := r.Repo.MarkDeliveryTx(ctx, tx, ev, string(res.Outcome))
	if err != nil || !claimed {
		return false, err
	}
	outcome := domain.OutcomeOK
	if res.Outcome == OutcomeUnroutable {
		outcome = domain.OutcomeIgnored
	}
	if err := r.Audit.Append(ctx, tx, domain.AuditEntry{
		At:         ev.ReceivedAt,
		Kind:       audit.KindWebhook,
		WorkItemID: ev.WorkItemID,
		Actor:      firstNonEmpty(ev.Sender, ev.Source),
		Outcome:    outcome,
		Reason:     reason,
		Payload: map[string]any{
			"source":      ev.Source,
			"event_type":  ev.EventType,
			"external_id": ev.ExternalID,
			"action":      res.Action,
		},
	}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (r *Router) rejectSignature(ctx context.Context, raw RawEvent, cause error) error {
	r.logger().Warn("webhook signature rejected", "source", raw.Source, "error", cause)
	notify.Deliver(ctx, r.logger(), r.Notify, notify.Event{
		Kind:    notify.KindInvalidSignature,
		Actor:   raw.Source,
		Level:   "error",
		Message: fmt.Sprintf("rejected %s webhook: %v", raw.Source, cause),
		Fields:  map[string]any{"source": raw.Source},
	})
	return errors.Join(cause, r.record(ctx, domain.AuditEntry{
		Kind:    audit.KindWebhook,
		Actor:   raw.Source,
		Outcome: domain.OutcomeRejected,
		Reason:  cause.Error(),
		Payload: map[string]any{"source": raw.Source, "bytes": len(raw.Body)},
	}))
}

func (r *Router) recordDispatchFailure(ctx context.Context, ev domain.WebhookEvent, action Action, actor string, cause error) error {
	r.logger().Error("webhook dispatch failed", "source", ev.Source, "event", ev.EventType, "work_item", ev.WorkItemID, "error", cause)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	payload := map[string]any{"source": ev.Source, "external_id": ev.ExternalID, "action": string(action.Kind())}
	if domain.Retryable(cause) {
		if err := r.Repo.ReleaseDeliveryTx(ctx, tx, ev.Source, ev.ExternalID); err != nil {
			return err
		}
		payload["released"] = true
	} else if err := r.Repo.SetDeliveryOutcomeTx(ctx, tx, ev.Source, ev.ExternalID, domain.OutcomeFailed); err != nil {
		return err
	}
	if err := r.Audit.Append(ctx, tx, domain.AuditEntry{
		At:         r.now(),
		Kind:       audit.KindWebhook,
		WorkItemID: ev.WorkItemID,
		Actor:      actor,
		Outcome:    domain.OutcomeFailed,
		Reason:     cause.Error(),
		Payload:    payload,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Router) record(ctx context.Context, entry domain.AuditEntry) error {
	entry.At = r.now()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.Audit.Append(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}
