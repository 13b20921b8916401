package blobstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

func TestInMemory_UploadDownload(t *testing.T) {
	store := NewInMemoryBlobStore()
	ctx := context.Background()

	meta, err := store.Upload(ctx, "lab", "inputs/TimeOut.csv", "text/csv", strings.NewReader("FileName,CreationTime\n"))
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if meta.Size != int64(len("FileName,CreationTime\n")) {
		t.Errorf("unexpected size %d", meta.Size)
	}
	if meta.Hash == "" {
		t.Error("expected hash to be computed")
	}

	rc, err := store.Download(ctx, "lab", "inputs/TimeOut.csv")
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "FileName,CreationTime\n" {
		t.Errorf("unexpected content %q", data)
	}
}

func TestInMemory_NotFound(t *testing.T) {
	store := NewInMemoryBlobStore()
	_, err := store.Download(context.Background(), "lab", "missing")
	if !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestInMemory_MissingKey(t *testing.T) {
	store := NewInMemoryBlobStore()
	_, err := store.Upload(context.Background(), "lab", "", "", strings.NewReader("x"))
	if !errors.Is(err, ErrMissingKey) {
		t.Errorf("expected ErrMissingKey, got %v", err)
	}
}

func TestInMemory_ListByPrefix(t *testing.T) {
	store := NewInMemoryBlobStore()
	ctx := context.Background()
	for _, k := range []string{"clinic_a/run_debug.log", "clinic_a/invalid_lab_numbers.txt", "clinic_b/run_debug.log"} {
		if _, err := store.Upload(ctx, "logs", k, "text/plain", strings.NewReader(k)); err != nil {
			t.Fatalf("Upload(%s) error: %v", k, err)
		}
	}

	got, err := store.List(ctx, "logs", "clinic_a/")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(got))
	}
	if got[0].Key != "clinic_a/invalid_lab_numbers.txt" {
		t.Errorf("expected sorted keys, got %s first", got[0].Key)
	}
}

// ---------------------------------------------------------------------------
// URI helpers
// ---------------------------------------------------------------------------

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri     string
		bucket  string
		key     string
		wantErr bool
	}{
		{"s3://lab/TimeOut.csv", "lab", "TimeOut.csv", false},
		{"s3://lab/clinic/data.json", "lab", "clinic/data.json", false},
		{"s3://lab", "", "", true},
		{"s3:///key", "", "", true},
		{"/tmp/data.json", "", "", true},
	}
	for _, tt := range tests {
		bucket, key, err := ParseURI(tt.uri)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseURI(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			continue
		}
		if bucket != tt.bucket || key != tt.key {
			t.Errorf("ParseURI(%q) = %q, %q; want %q, %q", tt.uri, bucket, key, tt.bucket, tt.key)
		}
	}
}

func TestOpen_LocalAndRemote(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	local := filepath.Join(dir, "meta.csv")
	if err := os.WriteFile(local, []byte("local"), 0o644); err != nil {
		t.Fatal(err)
	}

	rc, err := Open(ctx, nil, local)
	if err != nil {
		t.Fatalf("Open(local) error: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "local" {
		t.Errorf("unexpected local content %q", data)
	}

	if _, err := Open(ctx, nil, "s3://lab/meta.csv"); !errors.Is(err, ErrNoStore) {
		t.Errorf("expected ErrNoStore, got %v", err)
	}

	store := NewInMemoryBlobStore()
	store.Upload(ctx, "lab", "meta.csv", "text/csv", strings.NewReader("remote"))
	rc, err = Open(ctx, store, "s3://lab/meta.csv")
	if err != nil {
		t.Fatalf("Open(remote) error: %v", err)
	}
	data, _ = io.ReadAll(rc)
	rc.Close()
	if string(data) != "remote" {
		t.Errorf("unexpected remote content %q", data)
	}
}

// ---------------------------------------------------------------------------
// UploadFiles
// ---------------------------------------------------------------------------

type failingStore struct{ *InMemoryBlobStore }

func (f failingStore) Upload(_ context.Context, _, _, _ string, _ io.Reader) (*BlobMetadata, error) {
	return nil, errors.New("connection reset")
}

func TestUploadFiles(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "run_debug.log")
	if err := os.WriteFile(logFile, []byte("log"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := NewInMemoryBlobStore()
	res := UploadFiles(context.Background(), store, "logs", "/clinic_a/", []string{logFile, filepath.Join(dir, "absent.txt"), ""}, zerolog.Nop())
	if len(res.Uploaded) != 1 || res.Uploaded[0] != "clinic_a/run_debug.log" {
		t.Errorf("unexpected uploaded keys: %v", res.Uploaded)
	}
	if len(res.Failed) != 0 {
		t.Errorf("expected no failures, got %v", res.Failed)
	}
}

func TestUploadFiles_FailureIsCollected(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "run_debug.log")
	os.WriteFile(logFile, []byte("log"), 0o644)

	res := UploadFiles(context.Background(), failingStore{NewInMemoryBlobStore()}, "logs", "clinic_a", []string{logFile}, zerolog.Nop())
	if len(res.Uploaded) != 0 {
		t.Errorf("expected nothing uploaded, got %v", res.Uploaded)
	}
	if _, ok := res.Failed[logFile]; !ok {
		t.Error("expected failure recorded for log file")
	}
}
