package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/marmos91/dittoudp/pkg/archive"
)

// Object metadata keys. S3 lower-cases user metadata keys.
const (
	metaSender     = "sender"
	metaReceivedAt = "received-at"
)

// Client is the subset of the S3 API the archiver uses. *s3.Client satisfies it.
type Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3ArchiverConfig configures the S3 archiver.
type S3ArchiverConfig struct {
	// Client is the configured S3 client
	Client Client

	// Bucket must already exist.
	Bucket string

	// KeyPrefix is prepended to every record key (e.g. "dittoudp/archive/").
	KeyPrefix string

	// SkipBucketCheck disables the HeadBucket probe on construction.
	SkipBucketCheck bool
}

// S3Archiver stores records as S3 objects. Sender and receive time travel as
// object metadata so objects stay byte-identical to the datagram.
type S3Archiver struct {
	client    Client
	bucket    string
	keyPrefix string
	closed    atomic.Bool
}

// NewS3Archiver creates an archiver and verifies bucket access.
func NewS3Archiver(ctx context.Context, cfg S3ArchiverConfig) (*S3Archiver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	if !cfg.SkipBucketCheck {
		if _, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
			return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &S3Archiver{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

func (a *S3Archiver) objectKey(key string) string {
	return a.keyPrefix + key
}

func (a *S3Archiver) Archive(ctx context.Context, r archive.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.closed.Load() {
		return archive.ErrClosed
	}

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(a.objectKey(r.Key)),
		Body:          bytes.NewReader(r.Payload),
		ContentLength: aws.Int64(int64(len(r.Payload))),
		ContentType:   aws.String("application/octet-stream"),
		Metadata: map[string]string{
			metaSender:     r.Sender,
			metaReceivedAt: r.ReceivedAt.UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to archive %q to S3: %w", r.Key, err)
	}
	return nil
}

func (a *S3Archiver) Fetch(ctx context.Context, key string) (archive.Record, error) {
	if err := ctx.Err(); err != nil {
		return archive.Record{}, err
	}
	if a.closed.Load() {
		return archive.Record{}, archive.ErrClosed
	}

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.objectKey(key)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return archive.Record{}, archive.ErrNotFound
		}
		return archive.Record{}, fmt.Errorf("failed to fetch %q from S3: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return archive.Record{}, fmt.Errorf("failed to read %q from S3: %w", key, err)
	}

	rec := archive.Record{
		Key:     key,
		Payload: payload,
		Sender:  out.Metadata[metaSender],
	}
	if ts, err := time.Parse(time.RFC3339Nano, out.Metadata[metaReceivedAt]); err == nil {
		rec.ReceivedAt = ts
	}
	return rec, nil
}

func (a *S3Archiver) Healthcheck(ctx context.Context) error {
	if a.closed.Load() {
		return archive.ErrClosed
	}
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	return err
}

// Close marks the archiver closed. The S3 client holds no resources to release.
func (a *S3Archiver) Close() error {
	a.closed.Store(true)
	return nil
}

// ClientConfig describes how to reach an S3 (or S3-compatible) endpoint.
type ClientConfig struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
	MaxRetries      int
}

// NewClient builds an S3 client. Without static credentials the default AWS
// credential chain is used. A custom endpoint (MinIO, Localstack) implies
// path-style addressing.
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("S3 region is required")
	}

	opts := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 5
	}
	opts = append(opts, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}
