// Package gcs archives result payloads in Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// DigestMetadataKey is the object metadata key holding the payload digest.
const DigestMetadataKey = "sha256"

// Config captures the bucket and optional object prefix.
type Config struct {
	Bucket string
	Prefix string
}

// Hasher digests payloads before upload.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Archive writes payloads to a bucket and returns gs:// URIs.
type Archive struct {
	client *storage.Client
	bucket string
	prefix string
	hasher Hasher
}

// New creates a GCS-backed archive.
func New(client *storage.Client, cfg Config, hasher Hasher) (*Archive, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	return &Archive{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		hasher: hasher,
	}, nil
}

// PutObject uploads the payload with its digest recorded as object metadata.
func (a *Archive) PutObject(ctx context.Context, name string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("path is required")
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read payload: %w", err)
	}
	digest, err := a.hasher.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}

	object := strings.TrimPrefix(path.Join(a.prefix, name), "/")
	writer := a.client.Bucket(a.bucket).Object(object).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	writer.Metadata = map[string]string{DigestMetadataKey: digest}
	if _, err := writer.Write(body); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, object), nil
}
