package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowgate/internal/app"
	"flowgate/internal/config"
	"flowgate/internal/db"
	"flowgate/internal/logging"
	"flowgate/internal/migrate"
	"flowgate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fg",
	Short: "Flowgate CLI",
	Long: `Flowgate moves work items through a gated delivery workflow.
- Work items: tracked by their issue key; phases go created -> branch_provisioned -> in_development -> under_review -> ready_to_deploy -> completed (failed/cancelled are exits).
- Gates: some phases need an approval first; the item waits in approval_pending until the request resolves.
- Approvals: requests decided by named approvers or roles; one rejection wins, silence expires.
- Webhooks: signed events from the tracker and code host drive the same transitions.
- Audit: every attempt, allowed or refused, lands in the audit trail ('fg audit query').`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FLOWGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("db", "", "database path (default <workspace>/.flowgate/flowgate.db)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "admin", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(webhookCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write flowgate.yml and create the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace, Path: viper.GetString("db")})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			version, err := migrate.Version(cmd.Context(), conn)
			if err != nil {
				return err
			}
			dbPath := viper.GetString("db")
			if dbPath == "" {
				dbPath = db.Path(workspace)
			}
			fmt.Printf("wrote %s\ndatabase %s: applied %d migrations (schema version %d)\n", path, dbPath, applied, version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing flowgate.yml")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect workspace configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate flowgate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := config.FromFile(path); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	})
	return cfgCmd
}

func tokenCmd() *cobra.Command {
	var actor string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		Long:  "Signs with FLOWGATE_JWT_SECRET. Roles are informational; permissions come from the workspace RBAC config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("FLOWGATE_JWT_SECRET is required")
			}
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			tok, err := server.SignToken(secret, actor, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "subject (defaults to --actor-id)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, cfg, app.Options{
		Workspace: workspace,
		DBPath:    viper.GetString("db"),
		Logger:    logging.New(cfg.Logging),
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
	}()
	return fn(ctx, a)
}

func actorID() string {
	return viper.GetString("actor-id")
}

// parsePairs turns k=v arguments into a map.
func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
