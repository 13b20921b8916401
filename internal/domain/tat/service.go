package tat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labtat/labtat/internal/domain/metadata"
	"github.com/labtat/labtat/internal/platform/db"
	"github.com/labtat/labtat/internal/platform/retry"
)

const DefaultBatchSize = 500

var ErrRunInProgress = errors.New("a pipeline run is already in progress")

// Config locates the pipeline inputs and outputs.
type Config struct {
	Client        string
	DataDir       string
	ReportDir     string
	RawExportPath string
	CatalogPath   string
	// LedgerPath may be empty, in which case no completion times resolve.
	LedgerPath string
	BatchSize  int
	Retry      retry.Policy
}

// Recorder receives pipeline counters. *telemetry.Metrics implements it.
type Recorder interface {
	AddRecords(outcome string, n int)
	AddRowsWritten(table string, n int)
	AddDefaulted(field string, n int)
	AddGapFilled(n int)
	ObserveStage(stage string, d time.Duration)
	RunFinished(success bool, at time.Time)
}

type nopRecorder struct{}

func (nopRecorder) AddRecords(string, int)             {}
func (nopRecorder) AddRowsWritten(string, int)         {}
func (nopRecorder) AddDefaulted(string, int)           {}
func (nopRecorder) AddGapFilled(int)                   {}
func (nopRecorder) ObserveStage(string, time.Duration) {}
func (nopRecorder) RunFinished(bool, time.Time)        {}

// RunSummary reports what one command did.
type RunSummary struct {
	ID               uuid.UUID      `json:"id"`
	Command          string         `json:"command"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       time.Time      `json:"finished_at"`
	Success          bool           `json:"success"`
	Error            string         `json:"error,omitempty"`
	Replayed         bool           `json:"replayed"`
	Read             int            `json:"read"`
	SkippedProcessed int            `json:"skipped_processed"`
	Rejected         int            `json:"rejected"`
	Unmatched        int            `json:"unmatched"`
	TestsProduced    int            `json:"tests_produced"`
	VisitsProduced   int            `json:"visits_produced"`
	TestsWritten     int            `json:"tests_written"`
	VisitsWritten    int            `json:"visits_written"`
	GapFilled        int            `json:"gap_filled"`
	Defaulted        map[string]int `json:"defaulted,omitempty"`
}

func (r *RunSummary) addDefaulted(counts map[string]int) {
	for k, v := range counts {
		r.Defaulted[k] += v
	}
}

// Service runs the transform, ingest and gap-fill stages.
type Service struct {
	cfg    Config
	repo   Repository
	keys   KeyStore
	loader *metadata.Loader
	logger zerolog.Logger
	rec    Recorder

	running atomic.Bool
	mu      sync.RWMutex
	last    *RunSummary
}

func NewService(cfg Config, repo Repository, keys KeyStore, loader *metadata.Loader, logger zerolog.Logger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Service{cfg: cfg, repo: repo, keys: keys, loader: loader, logger: logger, rec: nopRecorder{}}
}

func (s *Service) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	s.rec = r
}

// LastRun returns the summary of the most recent command, or nil.
func (s *Service) LastRun() *RunSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Run replays datasets left by an interrupted run, transforms new input,
// ingests it, fills completion times and refreshes planner statistics.
func (s *Service) Run(ctx context.Context) (*RunSummary, error) {
	return s.execute(ctx, "run", s.runStages)
}

// Start claims the run slot and then performs Run in the background,
// passing the outcome to done when it is not nil. It returns
// ErrRunInProgress without starting anything when the slot is taken.
func (s *Service) Start(ctx context.Context, done func(*RunSummary, error)) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	go func() {
		sum, err := s.executeClaimed(ctx, "run", s.runStages)
		if done != nil {
			done(sum, err)
		}
	}()
	return nil
}

func (s *Service) runStages(ctx context.Context, sum *RunSummary) error {
	if err := s.ingestPending(ctx, sum); err != nil {
		return err
	}
	tests, patients, err := s.transform(ctx, sum)
	if err != nil {
		return err
	}
	if err := s.ingest(ctx, tests, patients, sum); err != nil {
		return err
	}
	if err := RemoveDatasets(s.cfg.DataDir); err != nil {
		return fmt.Errorf("remove ingested datasets: %w", err)
	}
	if err := s.gapFill(ctx, sum); err != nil {
		return err
	}
	s.analyze(ctx)
	return nil
}

// Transform writes datasets and commits the processed keys without
// touching the store.
func (s *Service) Transform(ctx context.Context) (*RunSummary, error) {
	return s.execute(ctx, "transform", func(ctx context.Context, sum *RunSummary) error {
		if HasPendingDatasets(s.cfg.DataDir) {
			return fmt.Errorf("datasets in %s have not been ingested yet", s.cfg.DataDir)
		}
		_, _, err := s.transform(ctx, sum)
		return err
	})
}

// Ingest stores datasets written by an earlier transform.
func (s *Service) Ingest(ctx context.Context) (*RunSummary, error) {
	return s.execute(ctx, "ingest", func(ctx context.Context, sum *RunSummary) error {
		if !HasPendingDatasets(s.cfg.DataDir) {
			s.logger.Info().Str("dir", s.cfg.DataDir).Msg("no datasets to ingest")
			return nil
		}
		if err := s.ingestPending(ctx, sum); err != nil {
			return err
		}
		s.analyze(ctx)
		return nil
	})
}

// GapFill resolves completion times for stored visits that are still
// pending.
func (s *Service) GapFill(ctx context.Context) (*RunSummary, error) {
	return s.execute(ctx, "gapfill", func(ctx context.Context, sum *RunSummary) error {
		return s.gapFill(ctx, sum)
	})
}

func (s *Service) execute(ctx context.Context, command string, fn func(context.Context, *RunSummary) error) (*RunSummary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	return s.executeClaimed(ctx, command, fn)
}

// executeClaimed runs fn for a caller that already holds the run slot and
// releases it when fn returns.
func (s *Service) executeClaimed(ctx context.Context, command string, fn func(context.Context, *RunSummary) error) (*RunSummary, error) {
	defer s.running.Store(false)

	sum := &RunSummary{
		ID:        uuid.New(),
		Command:   command,
		StartedAt: time.Now().UTC(),
		Defaulted: make(map[string]int),
	}
	log := s.logger.With().Str("run_id", sum.ID.String()).Logger()
	ctx = log.WithContext(ctx)

	err := fn(ctx, sum)
	sum.FinishedAt = time.Now().UTC()
	sum.Success = err == nil
	if err != nil {
		sum.Error = err.Error()
	}
	s.rec.RunFinished(sum.Success, sum.FinishedAt)

	s.mu.Lock()
	s.last = sum
	s.mu.Unlock()

	ev := log.Info()
	if err != nil {
		ev = log.Error().Err(err)
	}
	ev.Str("command", command).
		Bool("replayed", sum.Replayed).
		Int("read", sum.Read).
		Int("skipped_processed", sum.SkippedProcessed).
		Int("rejected", sum.Rejected).
		Int("unmatched", sum.Unmatched).
		Int("tests_produced", sum.TestsProduced).
		Int("visits_produced", sum.VisitsProduced).
		Int("tests_written", sum.TestsWritten).
		Int("visits_written", sum.VisitsWritten).
		Int("gap_filled", sum.GapFilled).
		Interface("defaulted", sum.Defaulted).
		Dur("elapsed", sum.FinishedAt.Sub(sum.StartedAt)).
		Msg("run summary")
	return sum, err
}

// ---------------------------------------------------------------------------
// Stages
// ---------------------------------------------------------------------------

func (s *Service) transform(ctx context.Context, sum *RunSummary) ([]TestRecord, []PatientAggregate, error) {
	start := time.Now()
	defer func() { s.rec.ObserveStage("transform", time.Since(start)) }()

	processed, err := s.keys.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load processed keys: %w", err)
	}
	catalog, _, err := s.loader.Catalog(ctx, s.cfg.CatalogPath)
	if err != nil {
		return nil, nil, err
	}
	ledger, err := s.loadLedger(ctx)
	if err != nil {
		return nil, nil, err
	}

	rc, err := s.loader.Open(ctx, s.cfg.RawExportPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open raw export: %w", err)
	}
	ex, err := NewExtractor(processed, s.logger).Extract(rc)
	rc.Close()
	if err != nil {
		return nil, nil, err
	}

	tr := TransformAll(ex.Accepted, catalog)
	agg := NewAggregator(s.cfg.Client, ledger, s.logger).Aggregate(tr.Items)

	tests := make([]TestRecord, len(tr.Items))
	for i, it := range tr.Items {
		tests[i] = it.Test
	}

	sum.Read += ex.Read
	sum.SkippedProcessed += ex.SkippedProcessed
	sum.Rejected += ex.RejectedTotal
	sum.Unmatched += tr.UnmatchedTotal
	sum.TestsProduced += len(tests)
	sum.VisitsProduced += len(agg.Patients)
	sum.addDefaulted(agg.Defaulted)
	s.rec.AddRecords("read", ex.Read)
	s.rec.AddRecords("skipped_processed", ex.SkippedProcessed)
	s.rec.AddRecords("rejected", ex.RejectedTotal)
	s.rec.AddRecords("unmatched", tr.UnmatchedTotal)
	s.rec.AddRecords("transformed", len(tests))
	for field, n := range agg.Defaulted {
		s.rec.AddDefaulted(field, n)
	}

	if err := WriteRejectedReport(filepath.Join(s.cfg.ReportDir, RejectedReportFile), ex.Rejected); err != nil {
		s.logger.Warn().Err(err).Msg("write rejected lab number report")
	}
	if err := WriteUnmatchedReport(filepath.Join(s.cfg.ReportDir, UnmatchedReportFile), tr.Unmatched); err != nil {
		s.logger.Warn().Err(err).Msg("write unmatched test report")
	}

	if len(tests) > 0 {
		if err := WriteDatasets(s.cfg.DataDir, tests, agg.Patients); err != nil {
			return nil, nil, fmt.Errorf("write datasets: %w", err)
		}
	}
	if len(tr.ProducedKeys) > 0 {
		if err := s.keys.Commit(ctx, processed.Union(tr.ProducedKeys...)); err != nil {
			return nil, nil, fmt.Errorf("commit processed keys: %w", err)
		}
	}

	s.logger.Info().
		Int("tests", len(tests)).
		Int("visits", len(agg.Patients)).
		Int("new_keys", len(tr.ProducedKeys)).
		Msg("transform complete")
	return tests, agg.Patients, nil
}

func (s *Service) loadLedger(ctx context.Context) (*metadata.Ledger, error) {
	if s.cfg.LedgerPath == "" {
		return metadata.NewLedger(), nil
	}
	ledger, _, err := s.loader.Ledger(ctx, s.cfg.LedgerPath)
	return ledger, err
}

// ingestPending stores and then removes datasets found in the data
// directory.
func (s *Service) ingestPending(ctx context.Context, sum *RunSummary) error {
	if !HasPendingDatasets(s.cfg.DataDir) {
		return nil
	}
	tests, patients, err := ReadDatasets(s.cfg.DataDir)
	if err != nil {
		return err
	}
	s.logger.Info().Int("tests", len(tests)).Int("visits", len(patients)).Msg("ingesting datasets left by a previous run")
	sum.Replayed = true
	if err := s.ingest(ctx, tests, patients, sum); err != nil {
		return err
	}
	if err := RemoveDatasets(s.cfg.DataDir); err != nil {
		return fmt.Errorf("remove ingested datasets: %w", err)
	}
	return nil
}

// ingest writes rows whose primary key is not stored yet.
func (s *Service) ingest(ctx context.Context, tests []TestRecord, patients []PatientAggregate, sum *RunSummary) error {
	if len(tests) == 0 && len(patients) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { s.rec.ObserveStage("ingest", time.Since(start)) }()

	var existingTests map[uuid.UUID]struct{}
	var existingVisits map[string]struct{}
	err := s.withRetry(ctx, "load existing keys", func(ctx context.Context) error {
		var err error
		if existingTests, err = s.repo.ExistingTestIDs(ctx); err != nil {
			return err
		}
		existingVisits, err = s.repo.ExistingVisitIDs(ctx)
		return err
	})
	if err != nil {
		return err
	}

	newTests := make([]TestRecord, 0, len(tests))
	for _, t := range tests {
		if _, ok := existingTests[t.ID]; !ok {
			newTests = append(newTests, t)
		}
	}
	newPatients := make([]PatientAggregate, 0, len(patients))
	for _, p := range patients {
		if _, ok := existingVisits[p.VisitID]; !ok {
			newPatients = append(newPatients, p)
		}
	}
	s.logger.Info().
		Int("tests", len(newTests)).
		Int("tests_existing", len(tests)-len(newTests)).
		Int("visits", len(newPatients)).
		Int("visits_existing", len(patients)-len(newPatients)).
		Msg("ingesting new rows")

	n, err := s.writeBatches(ctx, "tests", len(newTests), func(ctx context.Context, lo, hi int) (int, error) {
		return s.repo.UpsertTests(ctx, newTests[lo:hi])
	})
	sum.TestsWritten += n
	s.rec.AddRowsWritten("tests", n)
	if err != nil {
		return err
	}
	n, err = s.writeBatches(ctx, "patients", len(newPatients), func(ctx context.Context, lo, hi int) (int, error) {
		return s.repo.UpsertPatients(ctx, newPatients[lo:hi])
	})
	sum.VisitsWritten += n
	s.rec.AddRowsWritten("patients", n)
	return err
}

// gapFill resolves pending visits against a freshly loaded ledger.
func (s *Service) gapFill(ctx context.Context, sum *RunSummary) error {
	start := time.Now()
	defer func() { s.rec.ObserveStage("gapfill", time.Since(start)) }()

	ledger, err := s.loadLedger(ctx)
	if err != nil {
		return err
	}
	var pending []PendingVisit
	err = s.withRetry(ctx, "select pending visits", func(ctx context.Context) error {
		var err error
		pending, err = s.repo.PendingVisits(ctx)
		return err
	})
	if err != nil {
		return err
	}
	grown := s.mergeExportKeys(ctx, pending)

	var updates []CompletionUpdate
	var stillPending []PendingVisit
	for _, v := range pending {
		if u, ok := Complete(v, ledger); ok {
			updates = append(updates, u)
		} else if grown[v.VisitID] {
			stillPending = append(stillPending, v)
		}
	}

	if len(stillPending) > 0 {
		n, err := s.writeBatches(ctx, "patients", len(stillPending), func(ctx context.Context, lo, hi int) (int, error) {
			return s.repo.UpdateVisitKeys(ctx, stillPending[lo:hi])
		})
		if err != nil {
			return err
		}
		s.logger.Info().Int("visits", n).Msg("stored correlation keys added by later exports")
	}
	if len(updates) == 0 {
		s.logger.Info().Int("pending", len(pending)).Msg("gap-fill found no completion times to apply")
		return nil
	}

	n, err := s.writeBatches(ctx, "patients", len(updates), func(ctx context.Context, lo, hi int) (int, error) {
		return s.repo.ApplyCompletion(ctx, updates[lo:hi])
	})
	sum.GapFilled += n
	s.rec.AddGapFilled(n)
	if err != nil {
		return err
	}
	s.logger.Info().Int("pending", len(pending)).Int("updated", n).Msg("gap-fill complete")
	return nil
}

// mergeExportKeys adds every correlation key the raw export lists for a
// pending visit to the keys stored on its row, so keys that arrived after
// the visit was first written take part in the ledger lookup. It returns
// the visits whose key list grew. Failures leave the stored keys as they are.
func (s *Service) mergeExportKeys(ctx context.Context, pending []PendingVisit) map[string]bool {
	if len(pending) == 0 || s.cfg.RawExportPath == "" {
		return nil
	}
	rc, err := s.loader.Open(ctx, s.cfg.RawExportPath)
	if err != nil {
		s.logger.Warn().Err(err).Int("visits", len(pending)).Msg("raw export unavailable, using stored correlation keys")
		return nil
	}
	defer rc.Close()
	byVisit, err := VisitKeys(rc)
	if err != nil {
		s.logger.Warn().Err(err).Msg("read raw export for visit keys")
		return nil
	}

	grown := make(map[string]bool)
	for i := range pending {
		merged := mergeKeys(pending[i].CorrelationKeys, byVisit[pending[i].VisitID])
		if len(merged) > len(pending[i].CorrelationKeys) {
			pending[i].CorrelationKeys = merged
			grown[pending[i].VisitID] = true
		}
	}
	return grown
}

// mergeKeys appends the keys of extra missing from stored, keeping order.
func mergeKeys(stored, extra []string) []string {
	set := orderedSet{}
	for _, k := range stored {
		set.add(k)
	}
	for _, k := range extra {
		set.add(k)
	}
	return set.items
}

func (s *Service) analyze(ctx context.Context) {
	if err := s.repo.Analyze(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("analyze failed")
	}
}

// writeBatches calls write for consecutive batches of n items, retrying
// each batch on transient store errors.
func (s *Service) writeBatches(ctx context.Context, table string, n int, write func(ctx context.Context, lo, hi int) (int, error)) (int, error) {
	total := 0
	for lo := 0; lo < n; lo += s.cfg.BatchSize {
		hi := min(lo+s.cfg.BatchSize, n)
		var written int
		err := s.withRetry(ctx, table+" batch", func(ctx context.Context) error {
			w, err := write(ctx, lo, hi)
			if err != nil {
				return err
			}
			written = w
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("%s rows %d-%d: %w", table, lo, hi, err)
		}
		total += written
	}
	return total, nil
}

func (s *Service) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && !db.IsTransient(err) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, wait time.Duration, err error) {
		s.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("wait", wait).Msg("store operation failed, retrying")
	})
}

// Running reports whether a command is executing.
func (s *Service) Running() bool {
	return s.running.Load()
}
