// Package app wires a workspace's config, database and collaborators into
// the services the CLI and HTTP server share.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"flowgate/internal/approval"
	"flowgate/internal/audit"
	"flowgate/internal/codehost"
	"flowgate/internal/config"
	"flowgate/internal/db"
	"flowgate/internal/engine"
	"flowgate/internal/engine/auth"
	"flowgate/internal/executor"
	"flowgate/internal/migrate"
	"flowgate/internal/notify"
	"flowgate/internal/telemetry"
	"flowgate/internal/tracker"
	"flowgate/internal/webhook"
)

const issueCacheSize = 1024

// Options selects the workspace and overrides the database location.
type Options struct {
	Workspace string
	DBPath    string
	Logger    *slog.Logger
	// Telemetry installs OTLP exporters. Short-lived CLI commands leave it off.
	Telemetry bool
}

// App holds the wired services for one workspace.
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Auth      *auth.Model
	Approvals *approval.Engine
	Engine    *engine.Engine
	Router    *webhook.Router
	Audit     audit.Log
	Hub       *notify.Hub
	Relay     *notify.Relay
	Sweeper   approval.Sweeper
	Logger    *slog.Logger

	closers []func(context.Context) error
}

// Open loads the workspace config (defaults when absent), migrates the
// database and builds every service.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	return Build(ctx, cfg, opts)
}

// Build wires services around an already loaded config.
func Build(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &App{Config: cfg, DB: conn, Logger: logger}
	a.closers = append(a.closers, func(context.Context) error { return conn.Close() })
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if opts.Telemetry {
		shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, logger)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		a.closers = append(a.closers, shutdown)
	}

	sink, err := a.buildSinks()
	if err != nil {
		return nil, err
	}

	a.Auth = auth.FromConfig(cfg.RBAC)
	policy, err := approval.PolicyFor(cfg.Approvals.Policy)
	if err != nil {
		return nil, err
	}
	a.Approvals = approval.New(conn, a.Auth, policy)
	a.Approvals.Notify = sink
	a.Approvals.Logger = logger

	eng, err := engine.New(conn, cfg, a.Auth, a.Approvals)
	if err != nil {
		return nil, err
	}
	eng.Notify = sink
	eng.Logger = logger
	if err := a.attachCollaborators(eng); err != nil {
		return nil, err
	}
	a.Engine = eng

	a.Router, err = webhook.New(conn, cfg.Webhooks, webhook.WorkflowDispatcher{Engine: eng, Approvals: a.Approvals})
	if err != nil {
		return nil, fmt.Errorf("webhook routes: %w", err)
	}
	a.Router.Notify = sink
	a.Router.Logger = logger

	a.Audit = audit.Log{DB: conn}
	a.Relay = notify.NewRelay(a.Audit, cfg.Relay, logger)
	a.Sweeper = approval.Sweeper{
		Engine:   a.Approvals,
		Interval: cfg.Approvals.SweepInterval,
		After: func(ctx context.Context) error {
			_, err := eng.Reconcile(ctx)
			return err
		},
		Logger: logger,
	}
	return a, nil
}

func (a *App) buildSinks() (notify.Sink, error) {
	cfg := a.Config.Notify
	a.Hub = notify.NewHub(a.Logger)
	sinks := notify.Multi{a.Hub}
	if cfg.Log {
		sinks = append(sinks, notify.LogSink{Logger: a.Logger})
	}
	if cfg.NATS.URL != "" {
		ns, err := notify.ConnectNATS(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { ns.Close(); return nil })
		sinks = append(sinks, ns)
	}
	slackURL := cfg.Slack.WebhookURL
	if cfg.Slack.WebhookURLEnv != "" {
		if v := os.Getenv(cfg.Slack.WebhookURLEnv); v != "" {
			slackURL = v
		}
	}
	if slackURL != "" {
		sinks = append(sinks, notify.SlackSink{WebhookURL: slackURL})
	}
	return sinks, nil
}

func (a *App) attachCollaborators(eng *engine.Engine) error {
	cfg := a.Config
	if cfg.Tracker.BaseURL != "" {
		cached, err := tracker.NewCached(tracker.New(cfg.Tracker), cfg.Tracker.CacheTTL, issueCacheSize)
		if err != nil {
			return fmt.Errorf("issue cache: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { cached.Close(); return nil })
		eng.Issues = cached
	}
	if cfg.CodeHost.Repo != "" {
		eng.CodeHost = codehost.New(cfg.CodeHost)
	}
	if cfg.Executor.Command != "" {
		eng.Executor = executor.New(cfg.Executor)
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Clock pins Now across every service. Tests and replays use it.
func (a *App) Clock(now func() time.Time) {
	a.Engine.Now = now
	a.Engine.Audit.Now = now
	a.Approvals.Now = now
	a.Approvals.Audit.Now = now
	a.Router.Now = now
	a.Router.Audit.Now = now
}
