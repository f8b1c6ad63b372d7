// Package storage uploads produced artifacts (split files, checkpoints) to S3.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the subset of *s3.Client used by Uploader.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ ObjectPutter = (*s3.Client)(nil)

// Uploader copies local files into a bucket under a key prefix.
type Uploader struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewUploader creates an uploader using the default AWS credential chain.
func NewUploader(ctx context.Context, bucket, prefix string) (*Uploader, error) {
	if bucket == "" {
		return nil, fmt.Errorf("no S3 bucket provided")
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewUploaderWithClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// NewUploaderWithClient creates an uploader on top of an existing client.
func NewUploaderWithClient(client ObjectPutter, bucket, prefix string) *Uploader {
	return &Uploader{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key a local file is uploaded to.
func (u *Uploader) Key(localPath string) string {
	return path.Join(u.prefix, filepath.Base(localPath))
}

// UploadFile uploads a single file and returns its object key.
func (u *Uploader) UploadFile(ctx context.Context, localPath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening %q for upload: %w", localPath, err)
	}
	defer file.Close()

	key := u.Key(localPath)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   file,
	})
	if err != nil {
		return "", fmt.Errorf("uploading %q to s3://%s/%s: %w", localPath, u.bucket, key, err)
	}
	return key, nil
}

// UploadFiles uploads files in order, stopping at the first failure.
func (u *Uploader) UploadFiles(ctx context.Context, logger *slog.Logger, paths []string) error {
	for _, p := range paths {
		key, err := u.UploadFile(ctx, p)
		if err != nil {
			return err
		}
		logger.Info(
			"uploaded artifact",
			slog.String("path", p),
			slog.String("bucket", u.bucket),
			slog.String("key", key),
		)
	}
	return nil
}
