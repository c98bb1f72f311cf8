package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"inkwell/internal/db"
	"inkwell/internal/fraud"
	"inkwell/internal/logger"
)

var migrationsPath string

var rootCmd = &cobra.Command{
	Use:           "inkwell",
	Short:         "Revenue ledger and payout reconciliation for the Inkwell fiction platform",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&migrationsPath, "migrations", "migrations", "path to the SQL migrations directory")

	serveCmd.Flags().Bool("no-migrate", false, "skip applying migrations at startup")
	serveCmd.Flags().Bool("no-scheduler", false, "do not run the scheduled fraud scan in this process")

	rootCmd.AddCommand(serveCmd, migrateCmd, fraudScanCmd, reconcileCmd, rebuildCmd)
}

func main() {
	logger.Init()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.Error("command failed", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, webhook receiver, alert worker and fraud scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := bootstrap(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if skip, _ := cmd.Flags().GetBool("no-migrate"); !skip {
			if err := db.RunMigrations(a.db, migrationsPath); err != nil {
				return err
			}
			logger.Info("Migrations completed")
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return a.server().Run(gctx) })
		g.Go(func() error { return a.alerts.Start(gctx) })
		if skip, _ := cmd.Flags().GetBool("no-scheduler"); !skip && cfg.FraudSchedule != "" {
			g.Go(func() error { return fraud.Schedule(gctx, a.scanner, cfg.FraudSchedule) })
		}

		err = g.Wait()
		logger.Info("Server stopped")
		return err
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		conn, err := db.Connect(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := db.RunMigrations(conn, migrationsPath); err != nil {
			return err
		}
		logger.Info("Migrations completed", "path", migrationsPath)
		return nil
	},
}

var fraudScanCmd = &cobra.Command{
	Use:   "fraud-scan",
	Short: "Run the fraud heuristics once and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd, func(ctx context.Context, a *app) (interface{}, error) {
			return a.scanner.Scan(ctx)
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile-payouts",
	Short: "Re-issue or fail payouts stuck in pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd, func(ctx context.Context, a *app) (interface{}, error) {
			return a.payouts.ReconcileStale(ctx)
		})
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild-entitlements",
	Short: "Recompute every cached entitlement from the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd, func(ctx context.Context, a *app) (interface{}, error) {
			return a.projector.RebuildAll(ctx)
		})
	},
}

// runOnce bootstraps the components, runs fn and prints its result as JSON.
// Alerts raised during the run stay queued for the serving process.
func runOnce(cmd *cobra.Command, fn func(context.Context, *app) (interface{}, error)) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := fn(ctx, a)
	if res != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(res); encErr != nil && err == nil {
			err = encErr
		}
	}
	return err
}
