package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wolfman30/clinic-assistant/internal/scenario"
	"github.com/wolfman30/clinic-assistant/pkg/logging"
)

// Key is the lookup key of an individualized media file.
func Key(stage, slot int, doctorCRMID int64) string {
	return fmt.Sprintf("%d.%d.%d", stage, slot, doctorCRMID)
}

type linkStore interface {
	MediaURL(ctx context.Context, key string) (string, error)
}

// S3API is the subset of the S3 client used by Resolver.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Presigner signs GET urls for bucket objects.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Resolver finds the doctor-specific media url for a scenario message:
// first the media_links table, then an object named media/<key> in the
// media bucket, signed for ttl.
type Resolver struct {
	links     linkStore
	s3        S3API
	presigner Presigner
	bucket    string
	prefix    string
	ttl       time.Duration
	logger    *logging.Logger
}

func NewResolver(links linkStore, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Default()
	}
	return &Resolver{links: links, prefix: "media/", ttl: 24 * time.Hour, logger: logger}
}

// WithBucket enables the S3 fallback.
func (r *Resolver) WithBucket(client S3API, presigner Presigner, bucket string, ttl time.Duration) *Resolver {
	r.s3 = client
	r.presigner = presigner
	r.bucket = bucket
	if ttl > 0 {
		r.ttl = ttl
	}
	return r
}

func (r *Resolver) bucketEnabled() bool {
	return r.bucket != "" && r.s3 != nil && r.presigner != nil
}

// Resolve returns a url or an error wrapping scenario.ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, stage, slot int, doctorCRMID int64) (string, error) {
	key := Key(stage, slot, doctorCRMID)
	if r.links != nil {
		url, err := r.links.MediaURL(ctx, key)
		if err == nil && url != "" {
			return url, nil
		}
		if err != nil && !errors.Is(err, scenario.ErrNotFound) {
			return "", err
		}
	}
	if !r.bucketEnabled() {
		return "", fmt.Errorf("media: %s: %w", key, scenario.ErrNotFound)
	}

	objectKey := r.prefix + key
	_, err := r.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var nf *s3types.NotFound
		if errors.As(err, &nf) {
			return "", fmt.Errorf("media: %s: %w", objectKey, scenario.ErrNotFound)
		}
		return "", fmt.Errorf("media: s3 head %s: %w", objectKey, err)
	}
	signed, err := r.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(objectKey),
	}, s3.WithPresignExpires(r.ttl))
	if err != nil {
		return "", fmt.Errorf("media: presign %s: %w", objectKey, err)
	}
	r.logger.Debug("media: resolved from bucket", "key", key)
	return signed.URL, nil
}
