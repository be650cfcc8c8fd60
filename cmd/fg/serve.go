package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"flowgate/internal/app"
	"flowgate/internal/config"
	"flowgate/internal/logging"
	"flowgate/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, webhook intake and approval sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{
				JWTSecret:        viper.GetString("jwt-secret"),
				AllowActorHeader: allowActorHeader,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowActorHeader {
				return fmt.Errorf("FLOWGATE_JWT_SECRET is required for bearer auth")
			}
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Logging)
			authCfg.Logger = logger

			ctx := cmd.Context()
			a, err := app.Build(ctx, cfg, app.Options{
				Workspace: workspace,
				DBPath:    viper.GetString("db"),
				Logger:    logger,
				Telemetry: true,
			})
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := a.Close(closeCtx); err != nil {
					logger.Warn("shutdown", "err", err)
				}
			}()

			handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error { return a.Sweeper.Run(gctx) })
			if a.Relay.Enabled() {
				g.Go(func() error { return a.Relay.Run(gctx) })
			}
			// an item parked by a previous process may already be resolved
			if n, err := a.Engine.Reconcile(ctx); err != nil {
				logger.Warn("startup reconcile", "err", err)
			} else if n > 0 {
				logger.Info("startup reconcile", "resumed", n)
			}

			fmt.Printf("Serving flowgate on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, hooks at /hooks/{source})\n", addr, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without a token (local use only)")
	return cmd
}
