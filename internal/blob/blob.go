package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/shoplens/renderscope/internal/config"
)

// Store abstracts the object storage backend holding artifact blobs.
type Store interface {
	Put(ctx context.Context, key, contentType string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

type s3Store struct {
	bucket *string
	s3     *s3.S3
}

// NewS3Store builds a Store over an S3-compatible endpoint.
func NewS3Store(cfg config.Config) (Store, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.S3Region)
	if cfg.S3AccessKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.S3AccessKey, cfg.S3SecretKey, ""))
	}
	if cfg.S3Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.S3Endpoint).WithS3ForcePathStyle(cfg.S3ForcePathStyle)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("new aws session: %w", err)
	}
	return &s3Store{
		bucket: aws.String(cfg.S3Bucket),
		s3:     s3.New(sess),
	}, nil
}

func (s *s3Store) Put(ctx context.Context, key, contentType string, body []byte) error {
	_, err := s.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      s.bucket,
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
		Body:        bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("put s3 object: %w", err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: s.bucket,
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3 object: %w", err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	_, err := s.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: s.bucket,
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete s3 object: %w", err)
	}
	return nil
}
