// Package notify delivers best-effort notifications about work items and
// approvals. Delivery failures are logged and never surface to the caller.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrNotConfigured is returned by sinks missing their endpoint.
var ErrNotConfigured = errors.New("notify: not configured")

// Event kinds.
const (
	KindTransition       = "workitem.transition"
	KindApprovalPending  = "approval.requested"
	KindApprovalResolved = "approval.resolved"
	KindApprovalExpired  = "approval.expired"
	KindInvalidSignature = "webhook.invalid_signature"
)

type Event struct {
	Kind       string         `json:"kind"`
	WorkItemID string         `json:"work_item_id,omitempty"`
	ApprovalID string         `json:"approval_id,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Message    string         `json:"message"`
	Level      string         `json:"level"`
	Fields     map[string]any `json:"fields,omitempty"`
	At         time.Time      `json:"at"`
}

type Sink interface {
	Name() string
	Notify(ctx context.Context, ev Event) error
}

// Multi fans an event out to every sink concurrently.
type Multi []Sink

func (m Multi) Name() string { return "multi" }

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, s := range m {
		g.Go(func() error {
			if err := s.Notify(ctx, ev); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Deliver sends ev and swallows any failure after logging it. A nil sink is
// a no-op.
func Deliver(ctx context.Context, logger *slog.Logger, sink Sink, ev Event) {
	if sink == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if ev.Level == "" {
		ev.Level = "info"
	}
	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.Error("notification sink panicked", "sink", sink.Name(), "kind", ev.Kind, "panic", r)
		}
	}()
	if err := sink.Notify(ctx, ev); err != nil && logger != nil {
		logger.Warn("notification failed", "sink", sink.Name(), "kind", ev.Kind, "work_item", ev.WorkItemID, "error", err)
	}
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Notify(ctx context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	switch ev.Level {
	case "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger.Log(ctx, level, ev.Message, "kind", ev.Kind, "work_item", ev.WorkItemID, "approval", ev.ApprovalID, "actor", ev.Actor)
	return nil
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (*Recorder) Name() string { return "recorder" }

func (r *Recorder) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many recorded events have the given kind.
func (r *Recorder) Count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
