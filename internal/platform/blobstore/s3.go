package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds construction parameters for an S3-compatible store.
// For Cloudflare R2 set Endpoint to the account endpoint and Region to "auto".
type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string // optional (falls back to default credentials chain)
	SecretAccessKey string
}

// S3BlobStore implements BlobStore on top of the AWS SDK.
type S3BlobStore struct {
	client *s3.Client
}

// NewS3BlobStore builds a client for the configured endpoint. Path-style
// addressing is used whenever a custom endpoint is set.
func NewS3BlobStore(ctx context.Context, cfg S3Config) (*S3BlobStore, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3BlobStore{client: client}, nil
}

func (s *S3BlobStore) Upload(ctx context.Context, bucket, key, contentType string, content io.Reader) (*BlobMetadata, error) {
	if key == "" {
		return nil, ErrMissingKey
	}
	input := &s3.PutObjectInput{Bucket: &bucket, Key: &key, Body: content}
	if contentType != "" {
		input.ContentType = &contentType
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return nil, fmt.Errorf("put object %s/%s: %w", bucket, key, err)
	}
	return &BlobMetadata{
		Bucket:      bucket,
		Key:         key,
		ContentType: contentType,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (s *S3BlobStore) Download(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("get object %s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

func (s *S3BlobStore) List(ctx context.Context, bucket, prefix string) ([]*BlobMetadata, error) {
	var out []*BlobMetadata
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{Bucket: &bucket, Prefix: &prefix})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			meta := &BlobMetadata{Bucket: bucket, Key: aws.ToString(obj.Key)}
			if obj.Size != nil {
				meta.Size = *obj.Size
			}
			if obj.LastModified != nil {
				meta.CreatedAt = *obj.LastModified
			}
			meta.Hash = aws.ToString(obj.ETag)
			out = append(out, meta)
		}
	}
	return out, nil
}
