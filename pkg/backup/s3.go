package backup

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/dittomd/internal/logger"
)

// S3API is the subset of the S3 client used by the uploader.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3UploaderConfig contains configuration for the S3 uploader.
type S3UploaderConfig struct {
	// Client is the configured S3 client
	Client S3API

	// Bucket is the S3 bucket name
	Bucket string

	// KeyPrefix is an optional prefix for all object keys
	// Example: "dittomd/retired/" results in keys like "dittomd/retired/containers/..."
	KeyPrefix string
}

// S3Uploader uploads retired logs to Amazon S3 or S3-compatible storage.
//
// Thread Safety: safe for concurrent use.
type S3Uploader struct {
	client    S3API
	bucket    string
	keyPrefix string
}

// NewS3Uploader creates an uploader and verifies bucket access. The bucket
// must already exist.
func NewS3Uploader(ctx context.Context, cfg S3UploaderConfig) (*S3Uploader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	_, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	return &S3Uploader{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// Upload stores localPath under key. Directories are uploaded file by file.
func (u *S3Uploader) Upload(ctx context.Context, localPath, key string) error {
	count := 0
	err := walkFiles(ctx, localPath, func(abs, rel string) error {
		f, err := os.Open(abs)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			return err
		}

		objectKey := joinKey(u.keyPrefix, key, rel)
		_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(u.bucket),
			Key:           aws.String(objectKey),
			Body:          f,
			ContentLength: aws.Int64(info.Size()),
		})
		if err != nil {
			return fmt.Errorf("failed to upload %s to s3://%s/%s: %w", abs, u.bucket, objectKey, err)
		}
		count++
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("Uploaded %s to s3://%s/%s (%d objects)", localPath, u.bucket, joinKey(u.keyPrefix, key, ""), count)
	return nil
}
