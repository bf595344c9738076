package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/pipeline"
)

// S3API is the part of the S3 client the store calls.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config selects the bucket and endpoint.
type S3Config struct {
	Bucket        string
	Region        string
	Endpoint      string
	UsePathStyle  bool
	PublicBaseURL string
}

// S3Store keeps objects in an S3 bucket.
type S3Store struct {
	client  S3API
	bucket  string
	baseURL string
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, config S3Config) (*s3.Client, error) {
	options := []func(*awsconfig.LoadOptions) error{}
	if region := strings.TrimSpace(config.Region); region != "" {
		options = append(options, awsconfig.WithRegion(region))
	}
	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}
	return s3.NewFromConfig(awsConfig, func(options *s3.Options) {
		if endpoint := strings.TrimSpace(config.Endpoint); endpoint != "" {
			options.BaseEndpoint = aws.String(endpoint)
		}
		options.UsePathStyle = config.UsePathStyle
	}), nil
}

// NewS3Store wraps client for bucket. Object URLs are built from
// config.PublicBaseURL, or from the virtual-hosted bucket address when unset.
func NewS3Store(client S3API, config S3Config) (*S3Store, error) {
	if client == nil {
		return nil, errors.New("objectstore: s3 client is required")
	}
	bucket := strings.TrimSpace(config.Bucket)
	if bucket == "" {
		return nil, errors.New("objectstore: bucket is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(config.PublicBaseURL), "/")
	if baseURL == "" {
		region := strings.TrimSpace(config.Region)
		if region == "" {
			region = "us-east-1"
		}
		baseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, region)
	}
	return &S3Store{client: client, bucket: bucket, baseURL: baseURL}, nil
}

// Put uploads data under key and returns its URL.
func (store *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", pipeline.NonRetryable(err)
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(store.bucket),
		Key:           aws.String(cleanKey),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := store.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("objectstore: s3 put %s: %w", cleanKey, err)
	}
	return store.URL(cleanKey), nil
}

// Get downloads the object stored at key.
func (store *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return nil, pipeline.NonRetryable(err)
	}
	output, err := store.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(store.bucket),
		Key:    aws.String(cleanKey),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, pipeline.NonRetryable(fmt.Errorf("%w: %s", ErrObjectNotFound, cleanKey))
		}
		return nil, fmt.Errorf("objectstore: s3 get %s: %w", cleanKey, err)
	}
	defer output.Body.Close()
	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("objectstore: s3 read %s: %w", cleanKey, err)
	}
	return data, nil
}

// URL returns the public URL of key.
func (store *S3Store) URL(key string) string {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return ""
	}
	return store.baseURL + "/" + cleanKey
}
