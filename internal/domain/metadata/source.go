package metadata

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/labtat/labtat/internal/platform/blobstore"
	"github.com/labtat/labtat/internal/platform/retry"
)

// Loader fetches pipeline inputs from local disk or object storage. Remote
// reads are retried with backoff; a local file that cannot be read is an
// immediate error.
type Loader struct {
	store  blobstore.BlobStore
	policy retry.Policy
	logger zerolog.Logger
}

// NewLoader returns a Loader. store may be nil when every path is local.
func NewLoader(store blobstore.BlobStore, policy retry.Policy, logger zerolog.Logger) *Loader {
	return &Loader{store: store, policy: policy, logger: logger}
}

// Open returns a stream over path. Remote objects are opened with retries;
// the returned stream itself is not retried.
func (l *Loader) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if !blobstore.IsRemote(path) {
		return blobstore.Open(ctx, nil, path)
	}
	var rc io.ReadCloser
	err := retry.Do(ctx, l.policy, func(ctx context.Context) error {
		r, err := blobstore.Open(ctx, l.store, path)
		if err != nil {
			if errors.Is(err, blobstore.ErrNoStore) || errors.Is(err, blobstore.ErrBlobNotFound) {
				return retry.Permanent(err)
			}
			return err
		}
		rc = r
		return nil
	}, l.onRetry(path))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", path, err)
	}
	return rc, nil
}

// ReadAll fetches path fully. Remote downloads are retried as a whole so a
// connection dropped mid-body is retried too.
func (l *Loader) ReadAll(ctx context.Context, path string) ([]byte, error) {
	if !blobstore.IsRemote(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return data, nil
	}
	var data []byte
	err := retry.Do(ctx, l.policy, func(ctx context.Context) error {
		rc, err := blobstore.Open(ctx, l.store, path)
		if err != nil {
			if errors.Is(err, blobstore.ErrNoStore) || errors.Is(err, blobstore.ErrBlobNotFound) {
				return retry.Permanent(err)
			}
			return err
		}
		defer rc.Close()
		b, err := io.ReadAll(rc)
		if err != nil {
			return err
		}
		data = b
		return nil
	}, l.onRetry(path))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", path, err)
	}
	return data, nil
}

// Catalog loads the test catalog. A missing catalog is fatal.
func (l *Loader) Catalog(ctx context.Context, path string) (*Catalog, *LoadReport, error) {
	data, err := l.ReadAll(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("load catalog: %w", err)
	}
	c, report, err := LoadCatalog(bytes.NewReader(data), FormatFromPath(path), l.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	report.Source = path
	return c, report, nil
}

// Ledger loads the completion ledger. A local ledger that does not exist
// yet yields an empty ledger; every visit then stays pending until a later
// gap-fill. Remote fetch failures are fatal.
func (l *Loader) Ledger(ctx context.Context, path string) (*Ledger, *LoadReport, error) {
	data, err := l.ReadAll(ctx, path)
	if err != nil {
		if !blobstore.IsRemote(path) && errors.Is(err, os.ErrNotExist) {
			l.logger.Warn().Str("path", path).Msg("completion ledger not found, continuing without completion times")
			return NewLedger(), newLoadReport(path), nil
		}
		return nil, nil, fmt.Errorf("load ledger: %w", err)
	}
	ledger, report, err := ParseLedgerCSV(bytes.NewReader(data), l.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("load ledger %s: %w", path, err)
	}
	report.Source = path
	return ledger, report, nil
}

func (l *Loader) onRetry(path string) retry.OnRetry {
	return func(attempt int, wait time.Duration, err error) {
		l.logger.Warn().Err(err).Str("path", path).Int("attempt", attempt).Dur("wait", wait).Msg("input fetch failed, retrying")
	}
}
