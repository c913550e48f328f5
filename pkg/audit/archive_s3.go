package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
)

// S3Archiver writes expired audit batches to an S3 bucket as JSON objects
// keyed by the batch's sequence range.
type S3Archiver struct {
	client s3PutClient
	bucket string
	prefix string
}

type s3PutClient interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3ArchiverConfig configures the archiver.
type S3ArchiverConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
	Prefix   string // Optional key prefix, e.g. "audit/"
}

// NewS3Archiver builds an archiver using the ambient AWS credential chain.
func NewS3Archiver(ctx context.Context, cfg S3ArchiverConfig) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket is required", contracts.ErrInvalidArgument)
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Archive implements Archiver.
func (a *S3Archiver) Archive(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode archive batch: %w", err)
	}
	key := archiveKey(a.prefix, events)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload archive batch %s: %w", key, err)
	}
	return nil
}

// archiveKey names a batch after its sequence range so objects sort in
// chain order.
func archiveKey(prefix string, events []*Event) string {
	return fmt.Sprintf("%s%020d-%020d-%s.json",
		prefix,
		events[0].SequenceNumber,
		events[len(events)-1].SequenceNumber,
		time.Now().UTC().Format("20060102T150405Z"))
}
