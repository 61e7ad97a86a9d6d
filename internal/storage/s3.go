package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// ObjectAPI is the subset of *s3.Client the S3 backend calls.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// PublicURL is a format string with one %s for the object key, e.g.
	// "https://pub-123.r2.dev/%s". Without it URLs point at Endpoint/Bucket.
	PublicURL string
}

// S3 stores files in an S3-compatible bucket (AWS, Cloudflare R2, MinIO).
type S3 struct {
	client ObjectAPI
	cfg    S3Config
	log    *zap.Logger
}

func NewS3(ctx context.Context, cfg S3Config, log *zap.Logger) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3WithClient(client, cfg, log), nil
}

func NewS3WithClient(client ObjectAPI, cfg S3Config, log *zap.Logger) *S3 {
	return &S3{client: client, cfg: cfg, log: log}
}

func (s *S3) Save(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		s.log.Error("Failed to upload file to S3",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("put object %s: %w", key, err)
	}

	s.log.Info("File uploaded to S3",
		zap.String("key", key),
		zap.Int64("size", size))
	return nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.log.Error("Failed to delete file from S3",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("delete object %s: %w", key, err)
	}

	s.log.Info("File deleted from S3", zap.String("key", key))
	return nil
}

func (s *S3) URL(key string) string {
	if s.cfg.PublicURL != "" {
		return CleanURL(fmt.Sprintf(s.cfg.PublicURL, key))
	}
	return CleanURL(strings.TrimSuffix(s.cfg.Endpoint, "/") + "/" + s.cfg.Bucket + "/" + key)
}
