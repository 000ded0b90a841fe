// Package media publishes processed submission media to the public bucket of
// an S3-compatible store.
package media

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/workflow"
)

// ErrMissingObject is returned when the processed asset is not in the bucket.
var ErrMissingObject = errors.New("processed media not found")

// S3Publisher copies processed media into the public bucket.
type S3Publisher struct {
	client       *s3.Client
	bucket       string // processed media
	publicBucket string
}

// NewS3Publisher creates a publisher. It supports AWS S3 and S3-compatible
// services like MinIO.
func NewS3Publisher(ctx context.Context, endpoint, region, bucket, publicBucket, accessKey, secretKey string) (*S3Publisher, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}
	if accessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true // Required for MinIO and other S3-compatible services
	})
	if publicBucket == "" {
		publicBucket = bucket
	}
	return &S3Publisher{client: client, bucket: bucket, publicBucket: publicBucket}, nil
}

// PublicKey is where a submission's media lives once published.
func PublicKey(s model.Submission) string {
	return path.Join("published", s.OwnerSub, s.ID+path.Ext(s.ProcessedMediaKey))
}

// Publish verifies the processed asset exists and copies it to its public key.
// Publishing the same submission twice writes the same object.
func (p *S3Publisher) Publish(ctx context.Context, s model.Submission) (string, error) {
	if s.ProcessedMediaKey == "" {
		return "", fmt.Errorf("%w: submission %s has no processed media", workflow.ErrPermanent, s.ID)
	}

	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(s.ProcessedMediaKey),
	})
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return "", fmt.Errorf("%w: %w: %s", workflow.ErrPermanent, ErrMissingObject, s.ProcessedMediaKey)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get object metadata: %w", err)
	}

	dest := PublicKey(s)
	_, err = p.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(p.publicBucket),
		Key:        aws.String(dest),
		CopySource: aws.String(url.PathEscape(p.bucket) + "/" + escapeKey(s.ProcessedMediaKey)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to copy object: %w", err)
	}
	return dest, nil
}

// Ping checks the processed bucket is reachable.
func (p *S3Publisher) Ping(ctx context.Context) error {
	_, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.bucket)})
	return err
}

func escapeKey(key string) string {
	u := url.URL{Path: key}
	return u.EscapedPath()
}
