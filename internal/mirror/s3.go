package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"icb-go/internal/config"
)

// S3Mirror replicates content to an S3 bucket. When an access key is
// configured, the static key pair from the config is used; otherwise
// credentials come from the standard AWS credential chain (environment,
// shared config, instance role).
type S3Mirror struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

var _ Mirror = (*S3Mirror)(nil)

// NewS3Mirror creates an S3 mirror for the configured bucket.
func NewS3Mirror(cfg config.MirrorConfig) (*S3Mirror, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	return &S3Mirror{
		bucket:   cfg.S3Bucket,
		prefix:   cfg.S3Prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (m *S3Mirror) key(name string) string {
	return path.Join(m.prefix, "content", name)
}

// PutContent uploads content under its content name using the multipart
// upload manager, so large videos stream without buffering in memory.
func (m *S3Mirror) PutContent(ctx context.Context, name string, r io.Reader, size int64) error {
	exists, err := m.HasContent(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		written, err := io.Copy(io.Discard, r)
		if err != nil {
			return fmt.Errorf("failed to read content: %w", err)
		}
		if written != size {
			return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
		}
		return nil
	}

	_, err = m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(name)),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("uploading mirror content: %w", err)
	}
	return nil
}

// HasContent heads the object to check for existence.
func (m *S3Mirror) HasContent(ctx context.Context, name string) (bool, error) {
	_, err := m.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(name)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking mirror content: %w", err)
	}
	return true, nil
}

// ValidateSetup verifies the bucket is reachable with the loaded
// credentials.
func (m *S3Mirror) ValidateSetup(ctx context.Context) error {
	_, err := m.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(m.bucket),
	})
	if err != nil {
		return fmt.Errorf("mirror bucket not accessible: %w", err)
	}
	return nil
}
