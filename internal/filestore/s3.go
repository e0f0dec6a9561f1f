// Package filestore moves queued request payloads in and out of the shared
// object store. Sources are fetched by reference; targets are uploaded under
// fresh references handed back to the requester.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"tengine/internal/logging"
)

// ErrNotFound is returned by Fetch when the reference does not exist.
var ErrNotFound = errors.New("file reference not found")

// Store is the shared file store contract.
type Store interface {
	Fetch(ctx context.Context, ref string) (io.ReadCloser, int64, error)
	Put(ctx context.Context, name string, r io.Reader, size int64) (string, error)
}

// objectAPI is the subset of *s3.Client used here.
type objectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	Prefix    string
	PathStyle bool
}

// S3 stores files in a bucket, optionally under a key prefix.
type S3 struct {
	api    objectAPI
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3 builds a client from the default AWS credential chain. Endpoint and
// PathStyle allow S3-compatible stores such as MinIO.
func NewS3(ctx context.Context, cfg Config, logger *slog.Logger) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("filestore: bucket required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("filestore: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newS3(client, cfg.Bucket, cfg.Prefix, logger), nil
}

func newS3(api objectAPI, bucket, prefix string, logger *slog.Logger) *S3 {
	return &S3{
		api:    api,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logging.OrDefault(logger),
	}
}

func (s *S3) key(ref string) string {
	if s.prefix == "" {
		return ref
	}
	return path.Join(s.prefix, ref)
}

// Fetch opens the object behind ref. The caller closes the reader.
func (s *S3) Fetch(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.Contains(ref, "..") {
		return nil, 0, fmt.Errorf("%w: %q", ErrNotFound, ref)
	}
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, 0, fmt.Errorf("filestore: get %s: %w", ref, err)
	}
	size := aws.ToInt64(out.ContentLength)
	s.logger.Debug("filestore fetch", slog.String("ref", ref), slog.Int64("size", size))
	return out.Body, size, nil
}

// Put uploads r and returns its new reference. name only contributes the
// file extension.
func (s *S3) Put(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	ref := uuid.NewString() + path.Ext(name)
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(ref)),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", fmt.Errorf("filestore: put %s: %w", name, err)
	}
	s.logger.Debug("filestore put", slog.String("ref", ref), slog.Int64("size", size))
	return ref, nil
}
