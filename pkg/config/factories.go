package config

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/dittomd/internal/logger"
	"github.com/marmos91/dittomd/internal/ratelimiter"
	"github.com/marmos91/dittomd/pkg/backup"
	"github.com/marmos91/dittomd/pkg/metrics"
	"github.com/marmos91/dittomd/pkg/namespace"
	"github.com/marmos91/dittomd/pkg/quota"
	"github.com/mitchellh/mapstructure"
)

// CreateNamespaceOptions builds the namespace options from configuration.
//
// Both service sections are decoded with namespace.DecodeConfig. When quota
// accounting is enabled the returned *quota.Stats is also set as the
// options' quota sink; it is nil otherwise.
func CreateNamespaceOptions(cfg *Config, m metrics.NamespaceMetrics) (namespace.Options, *quota.Stats, error) {
	containers, err := namespace.DecodeConfig(cfg.Namespace.Containers)
	if err != nil {
		return namespace.Options{}, nil, fmt.Errorf("namespace.containers: %w", err)
	}
	files, err := namespace.DecodeConfig(cfg.Namespace.Files)
	if err != nil {
		return namespace.Options{}, nil, fmt.Errorf("namespace.files: %w", err)
	}

	opts := namespace.Options{
		Containers: containers,
		Files:      files,
		Metrics:    m,
		Limiter:    ratelimiter.New(cfg.Compaction.RecordsPerSecond, cfg.Compaction.Burst),
	}

	var stats *quota.Stats
	if cfg.Namespace.Quota {
		stats = quota.NewStats()
		opts.Quota = stats
	}

	return opts, stats, nil
}

// CreateCompactor creates a compactor for ns from the compaction section.
// uploader may be nil.
func CreateCompactor(ns *namespace.Namespace, cfg *CompactionConfig, uploader backup.Uploader) *namespace.Compactor {
	return namespace.NewCompactor(ns, namespace.CompactorConfig{
		Enabled:     cfg.Enabled,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		KeepRetired: cfg.KeepRetired,
	}, uploader)
}

// CreateUploader creates the retired log uploader based on configuration.
//
// Supported types:
//   - "none": no backup, returns a nil uploader
//   - "filesystem": copies retired logs into a local directory
//   - "s3": uploads retired logs to Amazon S3 or compatible storage
func CreateUploader(ctx context.Context, cfg *BackupConfig) (backup.Uploader, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "filesystem":
		return createDirUploader(ctx, cfg.Filesystem)
	case "s3":
		return createS3Uploader(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown backup type: %q (supported: none, filesystem, s3)", cfg.Type)
	}
}

func createDirUploader(ctx context.Context, options map[string]any) (backup.Uploader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type DirUploaderConfig struct {
		Path string `mapstructure:"path"`
	}

	var uploaderCfg DirUploaderConfig
	if err := mapstructure.Decode(options, &uploaderCfg); err != nil {
		return nil, fmt.Errorf("failed to decode filesystem backup config: %w", err)
	}
	if uploaderCfg.Path == "" {
		return nil, fmt.Errorf("filesystem backup: path is required")
	}

	uploader, err := backup.NewDirUploader(uploaderCfg.Path)
	if err != nil {
		return nil, err
	}
	return uploader, nil
}

// createS3Uploader creates an S3-based uploader.
func createS3Uploader(ctx context.Context, options map[string]any) (backup.Uploader, error) {
	type S3UploaderConfig struct {
		Region          string        `mapstructure:"region"`
		Bucket          string        `mapstructure:"bucket"`
		KeyPrefix       string        `mapstructure:"key_prefix"`
		Endpoint        string        `mapstructure:"endpoint"`
		AccessKeyID     string        `mapstructure:"access_key_id"`
		SecretAccessKey string        `mapstructure:"secret_access_key"`
		MaxRetries      int           `mapstructure:"max_retries"`
		ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	}

	var uploaderCfg S3UploaderConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &uploaderCfg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(options); err != nil {
		return nil, fmt.Errorf("failed to decode S3 backup config: %w", err)
	}

	if uploaderCfg.Bucket == "" {
		return nil, fmt.Errorf("S3 backup: bucket is required")
	}
	if uploaderCfg.Region == "" {
		return nil, fmt.Errorf("S3 backup: region is required")
	}

	// ========================================================================
	// Step 1: Build AWS Config
	// ========================================================================

	var configOptions []func(*awsConfig.LoadOptions) error

	configOptions = append(configOptions, awsConfig.WithRegion(uploaderCfg.Region))

	// Custom endpoint for MinIO, Localstack, etc.
	if uploaderCfg.Endpoint != "" {
		//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
		customResolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
				return aws.Endpoint{
					URL:               uploaderCfg.Endpoint,
					HostnameImmutable: true,
					Source:            aws.EndpointSourceCustom,
				}, nil
			},
		)
		//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
		configOptions = append(configOptions, awsConfig.WithEndpointResolverWithOptions(customResolver))
	}

	// Static credentials if provided, otherwise the default credential chain
	if uploaderCfg.AccessKeyID != "" && uploaderCfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			uploaderCfg.AccessKeyID,
			uploaderCfg.SecretAccessKey,
			"",
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	maxRetries := uploaderCfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// ========================================================================
	// Step 2: Create S3 Client and verify the bucket
	// ========================================================================

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Path-style addressing for MinIO/Localstack
		if uploaderCfg.Endpoint != "" {
			o.UsePathStyle = true
		}
	})

	checkCtx := ctx
	if uploaderCfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, uploaderCfg.ConnectTimeout)
		defer cancel()
	}

	uploader, err := backup.NewS3Uploader(checkCtx, backup.S3UploaderConfig{
		Client:    client,
		Bucket:    uploaderCfg.Bucket,
		KeyPrefix: uploaderCfg.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 uploader: %w", err)
	}

	logger.Info("S3 backup initialized: bucket=%s, region=%s, prefix=%s",
		uploaderCfg.Bucket, uploaderCfg.Region, uploaderCfg.KeyPrefix)

	return uploader, nil
}
