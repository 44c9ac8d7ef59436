// Command realtime-core runs the MentourMe websocket service: messaging,
// presence, typing indicators, call signaling and notification fan-out.
//
//	realtime-core serve --config realtime.yaml
//	realtime-core migrate
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/config"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/observability"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/repository"
)

// Populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "realtime-core",
		Short:        "MentourMe realtime websocket service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("REALTIME_CONFIG"),
		"Path to YAML configuration file (environment variables override it)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the websocket server",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				return runServe(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply the database schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				return runMigrate(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "realtime-core %s (%s)\n", version, commit)
			},
		},
	)
	return root
}

func runMigrate(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLogger(cfg.LogLevel)

	db, err := sql.Open("postgres", cfg.DBConnStr)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := repository.Migrate(ctx, db); err != nil {
		return err
	}
	logger.Info("schema applied")
	return nil
}
