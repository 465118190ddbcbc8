package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	fwerrors "github.com/motion-ctl/fwinstall/pkg/errors"
)

// objectGetter is the part of the S3 API the fetcher needs.
type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher downloads firmware packages from S3 buckets
type S3Fetcher struct {
	s3Client objectGetter
}

// NewS3Fetcher creates a new S3 fetcher for anonymous access to public
// release buckets
func NewS3Fetcher(ctx context.Context, region string) (*S3Fetcher, error) {
	slog.Info("s3_client_init", "region", region)

	// Load AWS config with anonymous credentials
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, fwerrors.Wrap(err, "failed to load AWS config")
	}

	return &S3Fetcher{s3Client: s3.NewFromConfig(cfg)}, nil
}

// Open starts streaming an object.
func (c *S3Fetcher) Open(ctx context.Context, src Source) (io.ReadCloser, error) {
	slog.Info("s3_download_start", "bucket", src.Bucket, "s3_key", src.Location)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(src.Bucket),
		Key:    aws.String(src.Location),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "bucket", src.Bucket, "s3_key", src.Location, "error", err)
		return nil, classifyS3Error(src, err)
	}

	return result.Body, nil
}

func classifyS3Error(src Source, err error) error {
	var noKey *types.NoSuchKey
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noKey) || errors.As(err, &noBucket) {
		return acqErr(NotFound, src, err)
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == http.StatusNotFound, code == http.StatusForbidden:
			return acqErr(NotFound, src, err)
		case code >= 500, code == http.StatusTooManyRequests:
			return acqErr(NetworkUnreachable, src, err)
		default:
			return acqErr(NotFound, src, err)
		}
	}

	return acqErr(NetworkUnreachable, src, err)
}
