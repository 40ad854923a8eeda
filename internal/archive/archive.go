// Package archive stores raw verified webhook bodies in object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/edvin/billing/internal/model"
	"github.com/edvin/billing/internal/platform"
)

// Archiver stores one raw delivery.
type Archiver interface {
	Archive(ctx context.Context, p model.Platform, eventID string, receivedAt time.Time, body []byte) error
}

// Nop discards every delivery. It is used when no bucket is configured.
type Nop struct{}

func (Nop) Archive(context.Context, model.Platform, string, time.Time, []byte) error { return nil }

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config describes the archive bucket. Endpoint and static keys are optional;
// without keys the client carries no credentials provider.
type Config struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// S3Archiver writes deliveries to <platform>/<yyyy>/<mm>/<dd>/<event id>.json.
type S3Archiver struct {
	client objectPutter
	bucket string
	logger zerolog.Logger
}

// NewS3Archiver builds an archiver for cfg.
func NewS3Archiver(cfg Config, logger zerolog.Logger) *S3Archiver {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := s3.Options{Region: region}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	if cfg.AccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}
	return newS3Archiver(s3.New(opts), cfg.Bucket, logger)
}

func newS3Archiver(client objectPutter, bucket string, logger zerolog.Logger) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: bucket,
		logger: logger.With().Str("component", "archive").Logger(),
	}
}

// Key returns the object key of a delivery.
func Key(p model.Platform, eventID string, receivedAt time.Time) string {
	eventID = strings.NewReplacer("/", "_", "\\", "_").Replace(strings.TrimSpace(eventID))
	if eventID == "" {
		eventID = platform.NewLocalEventID()
	}
	return path.Join(string(p), receivedAt.UTC().Format("2006/01/02"), eventID+".json")
}

// Archive puts body into the bucket.
func (a *S3Archiver) Archive(ctx context.Context, p model.Platform, eventID string, receivedAt time.Time, body []byte) error {
	key := Key(p, eventID, receivedAt)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put archive object %s: %w", key, err)
	}
	a.logger.Debug().Str("key", key).Int("bytes", len(body)).Msg("archived webhook body")
	return nil
}
