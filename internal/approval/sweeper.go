package approval

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically expires overdue requests. A late tick catches up on
// everything overdue at that moment.
type Sweeper struct {
	Engine   *Engine
	Interval time.Duration
	// After runs after each sweep, e.g. to reconcile parked work items.
	After  func(ctx context.Context) error
	Logger *slog.Logger
}

func (s Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.Tick(ctx, logger)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s Sweeper) Tick(ctx context.Context, logger *slog.Logger) {
	expired, err := s.Engine.Sweep(ctx)
	if err != nil {
		logger.Error("approval sweep failed", "error", err)
	}
	if len(expired) > 0 {
		logger.Info("approvals expired", "count", len(expired))
	}
	if s.After != nil {
		if err := s.After(ctx); err != nil {
			logger.Error("post-sweep hook failed", "error", err)
		}
	}
}
