package snapshot

import (
	"context"
	"fmt"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// GCSProvider uploads snapshots to a Google Cloud Storage bucket.
// Authentication uses Application Default Credentials.
type GCSProvider struct {
	client *storage.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewGCSProvider creates the client and verifies bucket access so
// misconfiguration fails at run start rather than mid-city.
func NewGCSProvider(ctx context.Context, bucket, prefix string, logger *zap.Logger) (*GCSProvider, error) {
	if bucket == "" {
		return nil, fmt.Errorf("snapshot bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		if cerr := client.Close(); cerr != nil {
			logger.Warn("close gcs client after attrs failure", zap.Error(cerr))
		}
		return nil, fmt.Errorf("check gcs bucket %s: %w", bucket, err)
	}
	return &GCSProvider{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}, nil
}

// Save uploads one capture and returns its gs:// URI.
func (p *GCSProvider) Save(ctx context.Context, name string, html []byte) (string, error) {
	object := path.Base(name)
	if p.prefix != "" {
		object = p.prefix + "/" + object
	}

	w := p.client.Bucket(p.bucket).Object(object).NewWriter(ctx)
	w.ContentType = "text/html; charset=utf-8"
	if _, err := w.Write(html); err != nil {
		if cerr := w.Close(); cerr != nil {
			p.logger.Warn("close gcs writer after write failure", zap.Error(cerr))
		}
		return "", fmt.Errorf("write gcs object %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize gcs object %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", p.bucket, object), nil
}

// Close releases the GCS client.
func (p *GCSProvider) Close() error {
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
