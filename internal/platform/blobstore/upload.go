package blobstore

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// UploadResult summarizes a best-effort upload of local files.
type UploadResult struct {
	Uploaded []string
	Failed   map[string]error
}

// UploadFiles copies each local file to <bucket>/<folder>/<basename>.
// Missing files are skipped. Failures are logged and collected, never
// returned as an error: log shipping must not fail a run.
func UploadFiles(ctx context.Context, store BlobStore, bucket, folder string, files []string, logger zerolog.Logger) UploadResult {
	res := UploadResult{Failed: make(map[string]error)}
	for _, f := range files {
		if f == "" {
			continue
		}
		key := path.Join(strings.Trim(folder, "/"), filepath.Base(f))
		if err := uploadOne(ctx, store, bucket, key, f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				logger.Debug().Str("file", f).Msg("skipping upload of missing file")
				continue
			}
			logger.Warn().Err(err).Str("file", f).Str("key", key).Msg("log upload failed")
			res.Failed[f] = err
			continue
		}
		logger.Info().Str("file", f).Str("bucket", bucket).Str("key", key).Msg("uploaded log file")
		res.Uploaded = append(res.Uploaded, key)
	}
	return res
}

func uploadOne(ctx context.Context, store BlobStore, bucket, key, file string) error {
	fh, err := os.Open(file)
	if err != nil {
		return err
	}
	defer fh.Close()
	_, err = store.Upload(ctx, bucket, key, "text/plain", fh)
	return err
}
