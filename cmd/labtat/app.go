package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labtat/labtat/internal/config"
	"github.com/labtat/labtat/internal/domain/ledgerscan"
	"github.com/labtat/labtat/internal/domain/metadata"
	"github.com/labtat/labtat/internal/domain/tat"
	"github.com/labtat/labtat/internal/platform/blobstore"
	"github.com/labtat/labtat/internal/platform/db"
	"github.com/labtat/labtat/internal/platform/logging"
	"github.com/labtat/labtat/internal/platform/retry"
	"github.com/labtat/labtat/internal/platform/telemetry"
)

const ledgerStartLayout = "2006-01-02T15:04:05"

// app holds the dependencies shared by every command.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	store   blobstore.BlobStore
	metrics *telemetry.Metrics
	policy  retry.Policy

	pool *pgxpool.Pool
	keys tat.KeyStore
	svc  *tat.Service
}

func newApp(ctx context.Context, name string) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(os.Stdout, cfg.LogDir, name, cfg.IsDev())
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		log:     logger,
		metrics: telemetry.NewMetrics(),
		policy: retry.Policy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    time.Minute,
		},
	}

	if cfg.LogUploadEnabled() || cfg.RemoteInputs() {
		store, err := blobstore.NewS3BlobStore(ctx, blobstore.S3Config{
			Endpoint:        cfg.R2EndpointURL,
			Region:          cfg.R2Region,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
		})
		if err != nil {
			logger.Error().Err(err).Msg("object storage client unavailable")
			if cfg.RemoteInputs() {
				logger.Close()
				return nil, err
			}
		} else {
			a.store = store
		}
	}

	logger.Info().
		Str("client", cfg.ClientIdentifier).
		Str("schema", cfg.DBSchema).
		Str("state_driver", cfg.StateDriver).
		Msg("starting")
	return a, nil
}

func (a *app) connect(ctx context.Context) (*pgxpool.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	if err := a.cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	pool, err := db.Connect(ctx, db.PoolConfig{
		URL:      a.cfg.DatabaseURL,
		MaxConns: a.cfg.DBMaxConns,
		MinConns: a.cfg.DBMinConns,
		Schema:   a.cfg.DBSchema,
	}, a.policy, a.log.Logger)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	return pool, nil
}

// service builds the pipeline on first use.
func (a *app) service(ctx context.Context) (*tat.Service, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	pool, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := tat.OpenKeyStore(a.cfg.StateDriver, a.cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("open key state: %w", err)
	}
	a.keys = keys

	svc := tat.NewService(tat.Config{
		Client:        a.cfg.ClientIdentifier,
		DataDir:       a.cfg.DataDir,
		ReportDir:     a.cfg.LogDir,
		RawExportPath: a.cfg.RawExportPath,
		CatalogPath:   a.cfg.CatalogPath,
		LedgerPath:    a.cfg.LedgerPath,
		BatchSize:     a.cfg.BatchSize,
		Retry:         a.policy,
	}, tat.NewRepoPG(pool), keys, metadata.NewLoader(a.store, a.policy, a.log.Logger), a.log.Logger)
	svc.SetRecorder(a.metrics)
	a.svc = svc
	return svc, nil
}

func (a *app) scanner() *ledgerscan.Scanner {
	start, err := parseLedgerStart(a.cfg.LedgerStart)
	if err != nil {
		a.log.Warn().Err(err).Str("value", a.cfg.LedgerStart).Msg("invalid LEDGER_START, using default")
	}
	return ledgerscan.New(ledgerscan.Config{
		SourceFolder: a.cfg.LedgerSourceFolder,
		LedgerPath:   a.cfg.LedgerPath,
		LastRunPath:  a.cfg.LedgerLastRunPath,
		Start:        start,
	}, a.log.Logger)
}

// parseLedgerStart reads LEDGER_START as a local wall clock time. Blank
// yields the zero time so the scanner falls back to its default.
func parseLedgerStart(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(ledgerStartLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ledger start: %w", err)
	}
	return t, nil
}

// close runs the best-effort tail of every command: metrics textfile, log
// shipping and releasing resources. Nothing here changes the exit status.
func (a *app) close(ctx context.Context) {
	if a.cfg.MetricsTextfile != "" {
		if err := a.metrics.WriteTextfile(a.cfg.MetricsTextfile); err != nil {
			a.log.Warn().Err(err).Str("path", a.cfg.MetricsTextfile).Msg("metrics textfile not written")
		}
	}
	if a.keys != nil {
		if err := a.keys.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close key state")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}

	files := []string{a.log.Path()}
	for _, name := range []string{tat.RejectedReportFile, tat.UnmatchedReportFile} {
		files = append(files, filepath.Join(a.cfg.LogDir, name))
	}
	// Shipping must happen even when the command was interrupted.
	a.uploadLogs(context.WithoutCancel(ctx), files)
	a.log.Close()
}

func (a *app) uploadLogs(ctx context.Context, files []string) {
	if !a.cfg.LogUploadEnabled() || a.store == nil {
		a.log.Info().Msg("log upload not configured, skipping")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	res := blobstore.UploadFiles(ctx, a.store, a.cfg.R2LogBucketName, a.cfg.R2ClientFolder, files, a.log.Logger)
	a.log.Info().Int("uploaded", len(res.Uploaded)).Int("failed", len(res.Failed)).Msg("log upload finished")
}

// logFiles lists the debug logs and reports in dir, sorted by name.
func logFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list log dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, "_debug.log") || name == tat.RejectedReportFile || name == tat.UnmatchedReportFile {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}
