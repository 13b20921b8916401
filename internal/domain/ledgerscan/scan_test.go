package ledgerscan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type scanFixture struct {
	src, ledger, marker string
	scanner             *Scanner
}

func newScanFixture(t *testing.T) *scanFixture {
	t.Helper()
	dir := t.TempDir()
	f := &scanFixture{
		src:    filepath.Join(dir, "results"),
		ledger: filepath.Join(dir, "public", "TimeOut.csv"),
		marker: filepath.Join(dir, "public", "last_run.txt"),
	}
	if err := os.MkdirAll(filepath.Join(f.src, "2024", "03"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f.scanner = New(Config{
		SourceFolder: f.src,
		LedgerPath:   f.ledger,
		LastRunPath:  f.marker,
		Start:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Location:     time.UTC,
	}, zerolog.Nop())
	f.scanner.now = func() time.Time { return time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC) }
	return f
}

func (f *scanFixture) touch(t *testing.T, rel string, mod time.Time) {
	t.Helper()
	path := filepath.Join(f.src, rel)
	if err := os.WriteFile(path, []byte("pdf"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func TestScan_AddsNewFiles(t *testing.T) {
	f := newScanFixture(t)
	f.touch(t, "INV-1.pdf", time.Date(2024, 3, 15, 16, 5, 30, 0, time.UTC))
	f.touch(t, "2024/03/INV-2.PDF", time.Date(2024, 3, 16, 9, 0, 0, 0, time.UTC))
	f.touch(t, "old.pdf", time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC))

	res, err := f.scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Added != 2 || !res.Written {
		t.Fatalf("expected 2 added and written, got %+v", res)
	}

	got, _ := os.ReadFile(f.ledger)
	want := "FileName,CreationTime\nINV-1,03/15/2024 04:05 PM\nINV-2,03/16/2024 09:00 AM\n"
	if string(got) != want {
		t.Errorf("unexpected ledger:\n%s", got)
	}
	marker, _ := os.ReadFile(f.marker)
	if strings.TrimSpace(string(marker)) != "2024-03-20T12:00:00Z" {
		t.Errorf("unexpected marker %q", marker)
	}
}

func TestScan_KeepsAndNormalizesExisting(t *testing.T) {
	f := newScanFixture(t)
	os.MkdirAll(filepath.Dir(f.ledger), 0o755)
	os.WriteFile(f.ledger, []byte("FileName,CreationTime\nINV-1,2024-03-15 16:00:00\nINV-9,garbage\n"), 0o644)
	f.touch(t, "INV-1.pdf", time.Date(2024, 3, 18, 8, 0, 0, 0, time.UTC))

	res, err := f.scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Added != 0 || res.Existing != 1 {
		t.Errorf("expected existing key to be kept, got %+v", res)
	}
	got, _ := os.ReadFile(f.ledger)
	if string(got) != "FileName,CreationTime\nINV-1,03/15/2024 04:00 PM\n" {
		t.Errorf("unexpected ledger:\n%s", got)
	}
}

func TestScan_RespectsLastRunMarker(t *testing.T) {
	f := newScanFixture(t)
	os.MkdirAll(filepath.Dir(f.marker), 0o755)
	os.WriteFile(f.marker, []byte("2024-03-16T00:00:00Z\n"), 0o644)
	f.touch(t, "INV-1.pdf", time.Date(2024, 3, 15, 16, 0, 0, 0, time.UTC))
	f.touch(t, "INV-2.pdf", time.Date(2024, 3, 17, 16, 0, 0, 0, time.UTC))

	res, err := f.scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Added != 1 {
		t.Errorf("expected only files after the marker, got %d", res.Added)
	}
}

func TestScan_NothingToWrite(t *testing.T) {
	f := newScanFixture(t)
	res, err := f.scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Written {
		t.Error("empty scan should not write a ledger")
	}
	if _, err := os.Stat(f.marker); !os.IsNotExist(err) {
		t.Error("marker should not advance without a ledger write")
	}
}

func TestScan_MissingSourceFolder(t *testing.T) {
	f := newScanFixture(t)
	f.scanner.cfg.SourceFolder = filepath.Join(f.src, "missing")
	if _, err := f.scanner.Scan(context.Background()); !errors.Is(err, ErrSourceFolder) {
		t.Fatalf("expected ErrSourceFolder, got %v", err)
	}
}

func TestNew_DefaultStartInScanZone(t *testing.T) {
	eat := time.FixedZone("EAT", 3*60*60)
	s := New(Config{Location: eat}, zerolog.Nop())
	want := time.Date(2025, 5, 1, 0, 0, 0, 0, eat)
	if !s.cfg.Start.Equal(want) {
		t.Errorf("expected %v, got %v", want, s.cfg.Start)
	}

	s = New(Config{}, zerolog.Nop())
	if s.cfg.Location != time.Local {
		t.Errorf("expected time.Local, got %v", s.cfg.Location)
	}
	if want := time.Date(2025, 5, 1, 0, 0, 0, 0, time.Local); !s.cfg.Start.Equal(want) {
		t.Errorf("expected local midnight %v, got %v", want, s.cfg.Start)
	}

	explicit := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if s := New(Config{Start: explicit, Location: eat}, zerolog.Nop()); !s.cfg.Start.Equal(explicit) {
		t.Errorf("explicit start replaced: %v", s.cfg.Start)
	}
}
