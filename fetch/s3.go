package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wolfeidau/artifact-mirror/credentials"
)

// S3Config configures the S3 fetcher.
type S3Config struct {
	// Endpoint overrides the AWS endpoint for S3-compatible stores
	// (MinIO, R2, Ceph). Path-style addressing is used when set.
	Endpoint string
	// Region defaults to us-east-1.
	Region string
	// Credentials are static keys. When nil the default AWS chain is used.
	Credentials *credentials.S3Credentials
}

// S3 fetches s3://bucket/key URLs.
type S3 struct {
	client *s3.Client
	logger *slog.Logger
}

// NewS3 creates an S3 fetcher.
func NewS3(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3, error) {
	if logger == nil {
		logger = slog.Default()
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if c := cfg.Credentials; c != nil && c.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			awscreds.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, c.SessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		// One network attempt per Fetch; the executor owns retries.
		o.RetryMaxAttempts = 1
	})

	return &S3{client: client, logger: logger.With("component", "fetch", "origin", "s3")}, nil
}

// Fetch downloads the object named by rawURL into dest.
func (f *S3) Fetch(ctx context.Context, rawURL, dest string, opts Options) error {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return &Error{URL: rawURL, Reason: err.Error(), Err: err}
	}

	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, func(o *s3.Options) {
		if opts.Identity != "" {
			o.AppID = opts.Identity
		}
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return &Error{URL: rawURL, StatusCode: 404, Reason: "no such key", Err: err}
		}
		return &Error{URL: rawURL, Reason: err.Error(), Err: err}
	}
	defer out.Body.Close()

	n, err := copyBody(rawURL, dest, out.Body)
	if err != nil {
		return err
	}

	f.logger.Debug("fetched", "bucket", bucket, "key", key, "bytes", n)
	return nil
}

func parseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parsing url: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3 url: %q", rawURL)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("s3 url needs bucket and key: %q", rawURL)
	}
	return u.Host, key, nil
}

var _ Fetcher = (*S3)(nil)
