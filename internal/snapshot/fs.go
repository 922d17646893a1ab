package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// FileSystemProvider writes snapshots under a root directory.
type FileSystemProvider struct {
	root     string
	maxBytes int64
	logger   *zap.Logger
}

// NewFileSystemProvider returns a provider rooted at dir, creating it if
// necessary.
func NewFileSystemProvider(root string, maxBytes int64, logger *zap.Logger) (*FileSystemProvider, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("snapshot directory is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create snapshot dir %s: %w", root, err)
	}
	return &FileSystemProvider{
		root:     root,
		maxBytes: maxBytes,
		logger:   logger,
	}, nil
}

// Save writes one capture to disk and returns its path.
func (p *FileSystemProvider) Save(ctx context.Context, name string, html []byte) (string, error) {
	if len(html) == 0 {
		return "", fmt.Errorf("empty snapshot body")
	}
	if p.maxBytes > 0 && int64(len(html)) > p.maxBytes {
		return "", fmt.Errorf("snapshot size %d exceeds max %d", len(html), p.maxBytes)
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context canceled: %w", err)
	}

	target := filepath.Join(p.root, filepath.Base(name))
	if err := os.WriteFile(target, html, 0o600); err != nil {
		return "", fmt.Errorf("write snapshot %s: %w", target, err)
	}
	p.logger.Debug("snapshot written", zap.String("path", target), zap.Int("bytes", len(html)))
	return target, nil
}
