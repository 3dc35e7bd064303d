package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/54b3r/casechat/internal/rag"
)

// s3API is the subset of *s3.Client used here.
type s3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Config holds the connection parameters for an S3-compatible bucket.
type S3Config struct {
	Bucket string
	Region string
	// Endpoint, when set, targets an S3-compatible service with path-style addressing.
	Endpoint string
	// AccessKeyID and SecretAccessKey, when both set, replace the default
	// credential chain.
	AccessKeyID     string
	SecretAccessKey string
}

// S3Lister serves files from an S3 bucket.
type S3Lister struct {
	client s3API
	bucket string
}

// NewS3Lister loads AWS configuration and returns a lister for cfg.Bucket.
func NewS3Lister(ctx context.Context, cfg *S3Config) (*S3Lister, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage: S3_BUCKET is required for the s3 backend")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Lister{client: client, bucket: cfg.Bucket}, nil
}

// ListFiles returns the objects directly under the scope's prefix, sorted by
// name. Folder placeholder keys and nested keys are skipped.
func (l *S3Lister) ListFiles(ctx context.Context, scope rag.Scope) ([]rag.FileInfo, error) {
	prefix, err := Prefix(scope)
	if err != nil {
		return nil, err
	}

	var files []rag.FileInfo
	p := s3.NewListObjectsV2Paginator(l.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(l.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage: list s3://%s/%s: %w", l.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			files = append(files, rag.FileInfo{
				Name:      name,
				Size:      aws.ToInt64(obj.Size),
				CreatedAt: aws.ToTime(obj.LastModified),
			})
		}
	}
	sortFiles(files)
	return files, nil
}

// ReadFile downloads name from the scope's prefix.
func (l *S3Lister) ReadFile(ctx context.Context, scope rag.Scope, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	prefix, err := Prefix(scope)
	if err != nil {
		return nil, err
	}
	out, err := l.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(prefix + name),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: get s3://%s/%s%s: %w", l.bucket, prefix, name, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("storage: read s3://%s/%s%s: %w", l.bucket, prefix, name, err)
	}
	return data, nil
}

// Ping checks that the bucket is reachable. Used by the readiness probe.
func (l *S3Lister) Ping(ctx context.Context) error {
	if _, err := l.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(l.bucket)}); err != nil {
		return fmt.Errorf("storage: head bucket %s: %w", l.bucket, err)
	}
	return nil
}
