package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	appconfig "maflow/config"
	"maflow/internal/aggregate"
	"maflow/logger"
)

const defaultObjectKey = "latest/stocks.json"

// S3Publisher replaces a single JSON object in a bucket. PutObject is already
// an atomic full replace, which gives the record its snapshot semantics.
type S3Publisher struct {
	client *s3.Client
	bucket string
	key    string
	log    *logger.Log
}

// NewS3Publisher builds the S3 client using credentials from the store
// configuration, honouring custom endpoints for S3-compatible stores.
func NewS3Publisher(ctx context.Context, cfg appconfig.S3Config) (*S3Publisher, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket not configured")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	key := cfg.Key
	if key == "" {
		key = defaultObjectKey
	}

	return &S3Publisher{
		client: client,
		bucket: cfg.Bucket,
		key:    key,
		log:    logger.GetLogger(),
	}, nil
}

// Publish uploads the serialized record, replacing the previous object.
func (p *S3Publisher) Publish(ctx context.Context, record aggregate.PublishedRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return &PublishError{Err: fmt.Errorf("serialize record: %w", err)}
	}

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(p.key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		logger.IncrementStoreFailure()
		return &PublishError{Err: fmt.Errorf("put object: %w", err)}
	}

	logger.IncrementStoreWrite(int64(len(body)))
	p.log.WithComponent("s3_publisher").WithFields(logger.Fields{
		"bucket": p.bucket,
		"s3_key": p.key,
		"bytes":  len(body),
		"stocks": record.Metadata.TotalCount,
	}).Info("record published")
	return nil
}

// Latest downloads and parses the current object. Returns nil when no record
// has been published yet.
func (p *S3Publisher) Latest(ctx context.Context) (*aggregate.PublishedRecord, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}

	var record aggregate.PublishedRecord
	if err := json.Unmarshal(body, &record); err != nil {
		return nil, fmt.Errorf("malformed store document: %w", err)
	}
	return &record, nil
}
