package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/labtat/labtat/internal/domain/tat"
	"github.com/labtat/labtat/internal/platform/db"
	"github.com/labtat/labtat/migrations"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "labtat",
		Short:        "Laboratory turnaround-time ingest pipeline",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(pipelineCmd("run", "Replay pending datasets, transform, ingest and gap-fill", (*tat.Service).Run))
	rootCmd.AddCommand(pipelineCmd("transform", "Transform new raw records into datasets", (*tat.Service).Transform))
	rootCmd.AddCommand(pipelineCmd("ingest", "Store datasets written by transform", (*tat.Service).Ingest))
	rootCmd.AddCommand(gapfillCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(uploadLogsCmd())
	rootCmd.AddCommand(serveCmd())
	return rootCmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

type stageFunc func(*tat.Service, context.Context) (*tat.RunSummary, error)

func pipelineCmd(name, short string, stage stageFunc) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, name)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			svc, err := a.service(ctx)
			if err != nil {
				a.log.Error().Err(err).Msg("startup failed")
				return err
			}
			_, err = stage(svc, ctx)
			return err
		},
	}
}

func gapfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gapfill",
		Short: "Refresh the ledger from the source folder and fill pending completion times",
		RunE: func(cmd *cobra.Command, args []string) error {
			skipScan, _ := cmd.Flags().GetBool("skip-scan")
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, "gapfill")
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if !skipScan && a.cfg.LedgerSourceFolder != "" {
				if _, err := a.scanner().Scan(ctx); err != nil {
					a.log.Error().Err(err).Msg("ledger scan failed, using existing ledger")
				}
			}
			svc, err := a.service(ctx)
			if err != nil {
				a.log.Error().Err(err).Msg("startup failed")
				return err
			}
			_, err = svc.GapFill(ctx)
			return err
		},
	}
	cmd.Flags().Bool("skip-scan", false, "Do not scan LEDGER_SOURCE_FOLDER before gap-filling")
	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Maintain the completion ledger",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "scan",
		Short: "Add result files created since the last scan to the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, "timeout")
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if a.cfg.LedgerSourceFolder == "" {
				return fmt.Errorf("LEDGER_SOURCE_FOLDER is required")
			}
			res, err := a.scanner().Scan(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Ledger %s: %d existing, %d added, %d total.\n", a.cfg.LedgerPath, res.Existing, res.Added, res.Total)
			return nil
		},
	})
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Create the schema if needed and apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, "migrate")
			if err != nil {
				return err
			}
			defer a.close(ctx)

			schema := schemaFlag(cmd, a)
			pool, err := a.connect(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Running migrations on schema: %s\n", schema)

			var count int
			if dir := dirFlag(cmd, a); dir != "" {
				count, err = db.EnsureSchema(ctx, pool, schema, nil)
				if err == nil {
					count, err = db.NewDirMigrator(pool, dir).Up(ctx, schema)
				}
			} else {
				count, err = db.EnsureSchema(ctx, pool, schema, migrations.FS)
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (default DB_SCHEMA)")
	upCmd.Flags().String("dir", "", "Read migrations from this directory (default MIGRATIONS_DIR, else built-in)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, "migrate")
			if err != nil {
				return err
			}
			defer a.close(ctx)

			schema := schemaFlag(cmd, a)
			pool, err := a.connect(ctx)
			if err != nil {
				return err
			}
			migrator := db.NewMigrator(pool, migrations.FS)
			if dir := dirFlag(cmd, a); dir != "" {
				migrator = db.NewDirMigrator(pool, dir)
			}
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (default DB_SCHEMA)")
	statusCmd.Flags().String("dir", "", "Read migrations from this directory (default MIGRATIONS_DIR, else built-in)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func schemaFlag(cmd *cobra.Command, a *app) string {
	if s, _ := cmd.Flags().GetString("schema"); s != "" {
		return s
	}
	return a.cfg.DBSchema
}

func dirFlag(cmd *cobra.Command, a *app) string {
	if d, _ := cmd.Flags().GetString("dir"); d != "" {
		return d
	}
	return a.cfg.MigrationsDir
}

func uploadLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload-logs",
		Short: "Upload debug logs and diagnostic reports to object storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, "upload")
			if err != nil {
				return err
			}
			files, err := logFiles(a.cfg.LogDir)
			if err != nil {
				a.log.Close()
				return err
			}
			a.uploadLogs(ctx, files)
			return a.log.Close()
		},
	}
}
