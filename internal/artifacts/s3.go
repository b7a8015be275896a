package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/journalcraft/journal-crew/pkg/types"
)

const defaultS3Region = "us-east-1"

// S3Config configures an S3Store. Credentials come from the SDK default chain
// unless AccessKeyID and SecretAccessKey are both set.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // S3-compatible stores (MinIO, LocalStack)
	Prefix          string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store keeps artifacts in an S3 bucket under <prefix><job>/<name>
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store builds the S3 client from cfg
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if (cfg.AccessKeyID != "") != (cfg.SecretAccessKey != "") {
		return nil, errors.New("s3 access key id and secret access key must be set together")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = defaultS3Region
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) Put(ctx context.Context, jobID, name, contentType string, data []byte) (types.Artifact, error) {
	if err := checkName(jobID, name); err != nil {
		return types.Artifact{}, err
	}

	key := objectKey(s.prefix, jobID, name)
	contentType = contentTypeFor(name, contentType)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return types.Artifact{}, s.wrapError("put", key, err)
	}

	return types.Artifact{
		Name:        name,
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
	}, nil
}

func (s *S3Store) Open(ctx context.Context, jobID, name string) (io.ReadCloser, types.Artifact, error) {
	if err := checkName(jobID, name); err != nil {
		return nil, types.Artifact{}, err
	}

	key := objectKey(s.prefix, jobID, name)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, types.Artifact{}, s.wrapError("get", key, err)
	}

	return out.Body, types.Artifact{
		Name:        name,
		Key:         key,
		ContentType: contentTypeFor(name, aws.ToString(out.ContentType)),
		Size:        aws.ToInt64(out.ContentLength),
	}, nil
}

func (s *S3Store) Stat(ctx context.Context, jobID, name string) (types.Artifact, error) {
	if err := checkName(jobID, name); err != nil {
		return types.Artifact{}, err
	}

	key := objectKey(s.prefix, jobID, name)
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return types.Artifact{}, s.wrapError("head", key, err)
	}

	return types.Artifact{
		Name:        name,
		Key:         key,
		ContentType: contentTypeFor(name, aws.ToString(out.ContentType)),
		Size:        aws.ToInt64(out.ContentLength),
	}, nil
}

// wrapError maps missing objects to ErrNotFound and adds context to the rest
func (s *S3Store) wrapError(op, key string, err error) error {
	var notFound *s3types.NotFound
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return ErrNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return ErrNotFound
		}
	}
	return fmt.Errorf("s3 %s %s/%s: %w", op, s.bucket, key, err)
}
