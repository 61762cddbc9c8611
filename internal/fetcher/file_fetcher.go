package fetcher

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/genricoloni/nowplayd/internal/domain"
	"go.uber.org/zap"
)

// FileFetcher reads artwork from the local filesystem
type FileFetcher struct {
	logger   *zap.Logger
	maxBytes int64
}

// NewFileFetcher creates a new filesystem-based fetcher instance
func NewFileFetcher(logger *zap.Logger, cfg domain.Config) *FileFetcher {
	return &FileFetcher{
		logger:   logger,
		maxBytes: cfg.GetMaxArtworkBytes(),
	}
}

// Fetch reads the image at path. Files larger than the configured cap are
// rejected rather than truncated.
func (f *FileFetcher) Fetch(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open artwork: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat artwork: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("artwork is not a regular file: %s", path)
	}

	// One extra byte tells an exactly-at-limit file apart from an oversized one
	data, err := io.ReadAll(io.LimitReader(file, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read artwork: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("artwork exceeds %d bytes: %s", f.maxBytes, path)
	}

	f.logger.Debug("Artwork read successfully", zap.Int("bytes", len(data)), zap.String("path", path))
	return data, nil
}
