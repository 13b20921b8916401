package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_TeesToFile(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer

	l, err := New(&out, dir, "transform", false)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	l.Info().Int("rows", 3).Msg("loaded catalog")
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	if l.Path() != filepath.Join(dir, "transform_debug.log") {
		t.Errorf("unexpected log path: %s", l.Path())
	}
	data, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"message":"loaded catalog"`) {
		t.Errorf("expected message in file, got %s", data)
	}
	if !strings.Contains(out.String(), `"command":"transform"`) {
		t.Errorf("expected command field on stdout, got %s", out.String())
	}
}

func TestNew_NoLogDir(t *testing.T) {
	var out bytes.Buffer
	l, err := New(&out, "", "ingest", false)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if l.Path() != "" {
		t.Errorf("expected empty path, got %s", l.Path())
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

func TestNew_DevConsole(t *testing.T) {
	var out bytes.Buffer
	l, err := New(&out, "", "run", true)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	l.Warn().Msg("catalog miss")
	if strings.HasPrefix(out.String(), "{") {
		t.Errorf("expected console formatting, got %s", out.String())
	}
}
