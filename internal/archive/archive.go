// Package archive stores review exports in an S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/prisma-review-service/internal/config"
	"github.com/helixir/prisma-review-service/internal/observability"
)

// ErrDisabled is returned by a nil Archive.
var ErrDisabled = errors.New("export archive is disabled")

// ObjectPutter is the part of *s3.Client the archive uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Object describes an archived export.
type Object struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Location string `json:"location"`
	Size     int    `json:"size"`
}

// Archive uploads export documents.
type Archive struct {
	client ObjectPutter
	bucket string
	prefix string
	now    func() time.Time
	logger zerolog.Logger
}

// NewS3Client builds an S3 client from the archive settings. Static credentials are
// used when both keys are set, otherwise the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg config.ArchiveConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// New creates an Archive writing to cfg.Bucket under cfg.Prefix.
func New(client ObjectPutter, cfg config.ArchiveConfig, logger zerolog.Logger) *Archive {
	return &Archive{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		now:    time.Now,
		logger: observability.WithComponent(logger, "archive"),
	}
}

// Key returns the object key of a new export of a review.
func (a *Archive) Key(reviewID int64, ext string) string {
	name := fmt.Sprintf("%s-%s.%s", a.now().UTC().Format("20060102T150405Z"), uuid.NewString(), ext)
	return path.Join(a.prefix, fmt.Sprintf("review-%d", reviewID), name)
}

// Put uploads an export and returns where it was stored.
func (a *Archive) Put(ctx context.Context, reviewID int64, ext, contentType string, data []byte) (*Object, error) {
	if a == nil {
		return nil, ErrDisabled
	}

	key := a.Key(reviewID, ext)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    map[string]string{"review-id": fmt.Sprint(reviewID)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload export of review %d: %w", reviewID, err)
	}

	obj := &Object{
		Bucket:   a.bucket,
		Key:      key,
		Location: fmt.Sprintf("s3://%s/%s", a.bucket, key),
		Size:     len(data),
	}
	logger := observability.WithReviewContext(a.logger, reviewID)
	logger.Info().
		Str("location", obj.Location).
		Int("bytes", obj.Size).
		Msg("export archived")

	return obj, nil
}
