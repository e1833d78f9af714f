// Package storage keeps archived artifacts and thumbnails in S3-compatible
// object storage.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"slices"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("elevsync/storage")

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrAccessDenied   = errors.New("access denied")
	ErrNetworkError   = errors.New("network error")
)

// S3Config is the connection to an S3-compatible endpoint.
type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
}

// S3Storage stores artifact archives and thumbnails in one bucket.
type S3Storage struct {
	client *minio.Client
	bucket string
}

// NewS3Storage connects to the endpoint and checks that the bucket exists.
func NewS3Storage(config S3Config) (*S3Storage, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	exists, err := client.BucketExists(context.Background(), config.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %q does not exist: create it before starting elevsync", config.BucketName)
	}

	return &S3Storage{
		client: client,
		bucket: config.BucketName,
	}, nil
}

// ArtifactKey is the object key of an elevation's archived parts list.
func ArtifactKey(remoteID string) string {
	return "artifacts/" + url.PathEscape(remoteID) + ".sqlite.zst"
}

// ThumbnailKey is the object key of an elevation's thumbnail.
func ThumbnailKey(remoteID, contentType string) string {
	ext := ".bin"
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	if contentType == "image/png" {
		ext = ".png"
	}
	return "thumbnails/" + url.PathEscape(remoteID) + ext
}

// PutArchive zstd-compresses r and stores it under key.
func (s *S3Storage) PutArchive(ctx context.Context, key string, r io.Reader) (int64, error) {
	ctx, span := tracer.Start(ctx, "storage.put_archive",
		trace.WithAttributes(attribute.String("storage.key", key)))
	defer span.End()

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return 0, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	raw, err := io.Copy(enc, r)
	if err != nil {
		enc.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to compress archive: %w", err)
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("failed to finish archive: %w", err)
	}

	size := int64(buf.Len())
	_, err = s.client.PutObject(ctx, s.bucket, key, &buf, size, minio.PutObjectOptions{
		ContentType:     "application/vnd.sqlite3",
		ContentEncoding: "zstd",
	})
	if err != nil {
		return 0, spanError(span, err, "put archive")
	}

	span.SetAttributes(
		attribute.Int64("file.size", raw),
		attribute.Int64("file.compressed_size", size),
	)
	return raw, nil
}

// GetArchive downloads the archive at key and writes the decompressed
// content to w.
func (s *S3Storage) GetArchive(ctx context.Context, key string, w io.Writer) (int64, error) {
	ctx, span := tracer.Start(ctx, "storage.get_archive",
		trace.WithAttributes(attribute.String("storage.key", key)))
	defer span.End()

	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return 0, spanError(span, err, "get archive")
	}
	defer object.Close()

	// GetObject is lazy; Stat surfaces a missing key before decoding
	if _, err := object.Stat(); err != nil {
		return 0, spanError(span, err, "get archive")
	}

	dec, err := zstd.NewReader(object)
	if err != nil {
		return 0, spanError(span, err, "get archive")
	}
	defer dec.Close()

	n, err := io.Copy(w, dec)
	if err != nil {
		return n, spanError(span, err, "get archive")
	}
	span.SetAttributes(attribute.Int64("file.size", n))
	return n, nil
}

// PutObject stores data under key as-is.
func (s *S3Storage) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	ctx, span := tracer.Start(ctx, "storage.put_object",
		trace.WithAttributes(
			attribute.String("storage.key", key),
			attribute.Int("file.size", len(data)),
		))
	defer span.End()

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return spanError(span, err, "put object")
	}
	return nil
}

// Download returns the stored bytes at key without decoding them.
func (s *S3Storage) Download(ctx context.Context, key string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "storage.download",
		trace.WithAttributes(attribute.String("storage.key", key)))
	defer span.End()

	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, spanError(span, err, "download")
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, spanError(span, err, "download")
	}
	span.SetAttributes(attribute.Int("file.size", len(data)))
	return data, nil
}

// spanError marks span failed and classifies err.
func spanError(span trace.Span, err error, operation string) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return classifyStorageError(err, operation)
}

// networkHints are substrings of transport failures from the minio client.
var networkHints = []string{"connection", "timeout", "network", "dial", "refused"}

// classifyStorageError maps minio failures onto the package sentinels.
func classifyStorageError(err error, operation string) error {
	if err == nil {
		return nil
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		switch minioErr.Code {
		case "NoSuchKey", "NoSuchBucket":
			return fmt.Errorf("%s: %w", operation, ErrObjectNotFound)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%s: %w", operation, ErrAccessDenied)
		}
	}

	if containsAny(err.Error(), networkHints) {
		return fmt.Errorf("%s network issue: %w", operation, ErrNetworkError)
	}
	return fmt.Errorf("%s failed: %w", operation, err)
}

func containsAny(s string, substrs []string) bool {
	return slices.ContainsFunc(substrs, func(sub string) bool {
		return strings.Contains(s, sub)
	})
}
