package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ErrObjectNotFound is returned by ObjectClient.GetObject for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// ObjectClient is the subset of S3 the store needs.
type ObjectClient interface {
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	PutObject(ctx context.Context, bucket, key string, data []byte) error
}

// AWSObjectClient implements ObjectClient using AWS SDK v2.
type AWSObjectClient struct {
	s3Client *s3.Client
}

func NewAWSObjectClient(s3Client *s3.Client) *AWSObjectClient {
	return &AWSObjectClient{s3Client: s3Client}
}

// NewAWSObjectClientFromEnv builds a client from the default AWS credential
// chain. A non-empty endpoint switches to path-style addressing for
// S3-compatible services.
func NewAWSObjectClientFromEnv(ctx context.Context, region, endpoint string) (*AWSObjectClient, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return NewAWSObjectClient(client), nil
}

func (c *AWSObjectClient) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrObjectNotFound
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to get object %s from bucket %s: %w", key, bucket, err)
	}
	defer func() { _ = result.Body.Close() }()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return data, nil
}

func (c *AWSObjectClient) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s to bucket %s: %w", key, bucket, err)
	}
	return nil
}

// S3Store keeps the record list as a single JSON object. PutObject replaces
// the object atomically, so readers see either the old or the new list.
type S3Store struct {
	client ObjectClient
	bucket string
	key    string
}

func NewS3Store(client ObjectClient, bucket, key string) (*S3Store, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("s3 bucket and key are required")
	}
	return &S3Store{client: client, bucket: bucket, key: key}, nil
}

func (s *S3Store) Load(ctx context.Context) ([]Record, error) {
	data, err := s.client.GetObject(ctx, s.bucket, s.key)
	if errors.Is(err, ErrObjectNotFound) {
		if err := s.Save(ctx, []Record{}); err != nil {
			return nil, fmt.Errorf("initialize memory object: %w", err)
		}
		return []Record{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRecords(data)
}

func (s *S3Store) Save(ctx context.Context, records []Record) error {
	data, err := encodeRecords(records)
	if err != nil {
		return err
	}
	return s.client.PutObject(ctx, s.bucket, s.key, data)
}
