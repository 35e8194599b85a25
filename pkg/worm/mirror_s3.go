package worm

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Mirror copies committed envelopes to off-site storage. Mirror failures are
// reported but never fail the local commit; the local store is the source of
// truth.
type Mirror interface {
	Put(ctx context.Context, env EvidenceEnvelope, raw []byte) error
}

// S3MirrorConfig holds configuration for the S3 mirror.
type S3MirrorConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
	Prefix   string // Optional key prefix
}

// S3Mirror copies envelopes to an S3 bucket. Pair the bucket with S3 Object
// Lock in compliance mode to extend the WORM discipline off-host.
type S3Mirror struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Mirror creates an S3-backed evidence mirror.
func NewS3Mirror(ctx context.Context, cfg S3MirrorConfig) (*S3Mirror, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO/LocalStack
		}
	}

	return &S3Mirror{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Put uploads the committed envelope bytes keyed by category and id.
// Idempotent: an object that already exists is left untouched.
func (m *S3Mirror) Put(ctx context.Context, env EvidenceEnvelope, raw []byte) error {
	key := m.prefix + env.Category + "/" + env.ID + ".json"

	if _, err := m.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return nil
	}

	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 mirror put failed for %s: %w", env.ID, err)
	}
	return nil
}
