package evald

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"nixfleet/pkg/s3"
)

// LogArchive persists build logs to object storage, zstd-compressed.
type LogArchive struct {
	client *s3.Client
	bucket string
}

// NewLogArchive wraps an S3 client for build-log storage.
func NewLogArchive(client *s3.Client, bucket string) *LogArchive {
	return &LogArchive{client: client, bucket: bucket}
}

// Store compresses and uploads one evaluation's build log, returning the
// object key under which it was stored.
func (a *LogArchive) Store(ctx context.Context, evaluationID uuid.UUID, log []byte) (string, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return "", err
	}
	if _, err := enc.Write(log); err != nil {
		enc.Close()
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}

	sum := sha256.Sum256(buf.Bytes())
	key := fmt.Sprintf("logs/%s.zst", evaluationID)
	if err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), hex.EncodeToString(sum[:])); err != nil {
		return "", fmt.Errorf("uploading build log: %w", err)
	}
	return key, nil
}
