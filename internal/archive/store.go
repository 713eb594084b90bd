package archive

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
)

// Store copies a local file to remote storage under key.
type Store interface {
	Put(ctx context.Context, key, path string) error
}

type S3Options struct {
	Bucket   string
	Endpoint string
	Region   string
	KeyID    string
	AppKey   string
}

// S3Store uploads to an S3 compatible bucket.
type S3Store struct {
	bucket   string
	uploader *s3manager.Uploader
}

func NewS3Store(opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}

	cfg := &aws.Config{
		Region:           aws.String(opts.Region),
		S3ForcePathStyle: aws.Bool(true),
		Retryer: client.DefaultRetryer{
			NumMaxRetries: 3,
			MinRetryDelay: time.Second,
			MaxRetryDelay: 10 * time.Second,
		},
	}
	if opts.Endpoint != "" {
		cfg.Endpoint = aws.String(opts.Endpoint)
	}
	if opts.KeyID != "" {
		cfg.Credentials = credentials.NewStaticCredentials(opts.KeyID, opts.AppKey, "")
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create storage session")
	}

	return &S3Store{
		bucket:   opts.Bucket,
		uploader: s3manager.NewUploader(sess),
	}, nil
}

func (s *S3Store) Bucket() string {
	return s.bucket
}

// Put streams the file at path to the bucket.
func (s *S3Store) Put(ctx context.Context, key, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}
	defer file.Close()

	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Body:        file,
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType(path)),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to upload %s", key)
	}
	return nil
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}
