// Package storage writes the verification audit archive to S3.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/veriface/callguard/config"
)

// FolderVerifications is the S3 prefix for archived verification snapshots.
const FolderVerifications = "verifications"

// S3 uploads archive objects.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	region   string
	logger   *zap.Logger
}

// NewS3 creates an S3 client using credentials from config or the environment,
// falling back to the default credential chain.
func NewS3(ctx context.Context, cfg config.AWSConfig, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	accessKey := cfg.AccessKeyID
	secretKey := cfg.SecretAccessKey
	if accessKey == "" || secretKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, "",
		)))
		logger.Info("S3 client using static credentials", zap.String("region", cfg.Region), zap.String("bucket", cfg.ArchiveBucket))
	} else {
		logger.Warn("S3 client using default credential chain (AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY not set)")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &S3{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.ArchiveBucket,
		region:   cfg.Region,
		logger:   logger,
	}, nil
}

// ArchiveKey returns verifications/{meeting_code}/{unix_nano}.json. Keys never repeat,
// so the archive is append-only.
func ArchiveKey(meetingCode string, at time.Time) string {
	return path.Join(FolderVerifications, path.Base(meetingCode), strconv.FormatInt(at.UnixNano(), 10)+".json")
}

// PutJSON uploads body under key in the archive bucket and returns the object URL.
func (s *S3) PutJSON(ctx context.Context, key string, body []byte) (string, error) {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key), nil
}
