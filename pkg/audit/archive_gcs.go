//go:build gcp

package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
)

// GCSArchiver writes expired audit batches to a Cloud Storage bucket.
type GCSArchiver struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSArchiverConfig configures the archiver.
type GCSArchiverConfig struct {
	Bucket string
	Prefix string // Optional key prefix, e.g. "audit/"
}

// NewGCSArchiver builds an archiver using application default credentials.
func NewGCSArchiver(ctx context.Context, cfg GCSArchiverConfig) (*GCSArchiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket is required", contracts.ErrInvalidArgument)
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Archive implements Archiver.
func (a *GCSArchiver) Archive(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode archive batch: %w", err)
	}
	key := archiveKey(a.prefix, events)
	w := a.client.Bucket(a.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload archive batch %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize archive batch %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying client.
func (a *GCSArchiver) Close() error {
	return a.client.Close()
}
