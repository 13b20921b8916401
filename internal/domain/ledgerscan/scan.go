// Package ledgerscan maintains the completion ledger from a folder of
// result files: every file's base name is a correlation key and its
// modification time is the completion time.
package ledgerscan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/labtat/labtat/internal/domain/metadata"
	"github.com/labtat/labtat/pkg/atomicfile"
)

// DefaultStart bounds the first scan when no last-run marker exists. It is
// a wall clock time in loc, the zone file times are read in.
func DefaultStart(loc *time.Location) time.Time {
	return time.Date(2025, 5, 1, 0, 0, 0, 0, loc)
}

const markerLayout = time.RFC3339

var ErrSourceFolder = errors.New("ledger source folder is not a directory")

type Config struct {
	SourceFolder string
	LedgerPath   string
	LastRunPath  string
	// Start replaces DefaultStart when set.
	Start time.Time
	// Location is the zone file times are read in. Ledger times are wall
	// clock values; nil means time.Local.
	Location *time.Location
}

// Result describes one scan.
type Result struct {
	Existing int `json:"existing"`
	Added    int `json:"added"`
	Total    int `json:"total"`
	Written  bool
}

type Scanner struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

func New(cfg Config, logger zerolog.Logger) *Scanner {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Start.IsZero() {
		cfg.Start = DefaultStart(cfg.Location)
	}
	return &Scanner{cfg: cfg, logger: logger, now: time.Now}
}

// Scan adds every file modified after the last run and not yet in the
// ledger, rewrites the ledger in the canonical layout and records the run
// time. The marker only advances when the ledger was written.
func (s *Scanner) Scan(ctx context.Context) (*Result, error) {
	runAt := s.now().UTC()
	since := s.lastRun()
	s.logger.Info().Str("folder", s.cfg.SourceFolder).Time("since", since).Msg("scanning for result files")

	existing, err := s.readLedger()
	if err != nil {
		return nil, err
	}
	res := &Result{Existing: existing.Len()}

	entries := existing.Entries()
	known := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		known[e.Key] = struct{}{}
	}

	info, err := os.Stat(s.cfg.SourceFolder)
	if err != nil || !info.IsDir() {
		s.logger.Error().Err(err).Str("folder", s.cfg.SourceFolder).Msg("ledger source folder unavailable")
		return nil, fmt.Errorf("%w: %s", ErrSourceFolder, s.cfg.SourceFolder)
	}

	err = filepath.WalkDir(s.cfg.SourceFolder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable path")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		key := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
		if _, ok := known[key]; ok {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("could not stat file")
			return nil
		}
		wall := fi.ModTime().In(s.cfg.Location)
		mod := time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), 0, 0, time.UTC)
		if !fi.ModTime().After(since) {
			return nil
		}
		known[key] = struct{}{}
		entries = append(entries, metadata.LedgerEntry{Key: key, CompletedAt: mod})
		res.Added++
		s.logger.Debug().Str("path", path).Time("modified", mod).Msg("found new result file")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", s.cfg.SourceFolder, err)
	}

	res.Total = len(entries)
	if res.Total == 0 {
		s.logger.Info().Msg("no ledger records to write")
		return res, nil
	}

	merged := metadata.NewLedger(entries...).Entries()
	if err := atomicfile.Write(s.cfg.LedgerPath, func(w io.Writer) error {
		return metadata.WriteLedgerCSV(w, merged)
	}); err != nil {
		return nil, fmt.Errorf("write ledger: %w", err)
	}
	res.Written = true

	if err := atomicfile.WriteBytes(s.cfg.LastRunPath, []byte(runAt.Format(markerLayout))); err != nil {
		s.logger.Error().Err(err).Msg("failed to save last run marker")
	}
	s.logger.Info().Int("existing", res.Existing).Int("added", res.Added).Int("total", res.Total).Msg("ledger updated")
	return res, nil
}

// readLedger loads the current ledger. A missing file is empty; rows with
// unparseable times are dropped.
func (s *Scanner) readLedger() (*metadata.Ledger, error) {
	data, err := os.ReadFile(s.cfg.LedgerPath)
	if errors.Is(err, os.ErrNotExist) {
		return metadata.NewLedger(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", s.cfg.LedgerPath, err)
	}
	l, _, err := metadata.ParseLedgerCSV(bytes.NewReader(data), s.logger)
	if err != nil {
		s.logger.Warn().Err(err).Msg("existing ledger unreadable, starting fresh")
		return metadata.NewLedger(), nil
	}
	return l, nil
}

func (s *Scanner) lastRun() time.Time {
	data, err := os.ReadFile(s.cfg.LastRunPath)
	if err != nil {
		return s.cfg.Start
	}
	t, err := time.Parse(markerLayout, strings.TrimSpace(string(data)))
	if err != nil {
		s.logger.Warn().Err(err).Msg("unreadable last run marker, using start time")
		return s.cfg.Start
	}
	return t
}
