package services

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"psdconverter/config"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// ErrObjectNotFound is returned by S3Source.Open for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// S3Source reads PSD uploads from a bucket. It never writes: converted
// artifacts are not persisted anywhere.
type S3Source struct {
	session *session.Session
	client  *s3.S3
	bucket  string
}

func NewS3Source(cfg *config.Config) (*S3Source, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.S3Region),
	}
	if cfg.AWSS3AccessKey != "" || cfg.AWSS3SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(
			cfg.AWSS3AccessKey,
			cfg.AWSS3SecretKey,
			"",
		)
	}

	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
	}

	if cfg.S3UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, Wrap(ErrStorage, "s3", "create session", err)
	}

	return &S3Source{
		session: sess,
		client:  s3.New(sess),
		bucket:  cfg.S3Bucket,
	}, nil
}

func (s *S3Source) Bucket() string {
	return s.bucket
}

// Open streams the object at key. size is -1 when the store did not report a
// content length.
func (s *S3Source) Open(ctx context.Context, key string) (body io.ReadCloser, size int64, err error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	if key == "" {
		return nil, 0, Wrap(ErrValidation, "s3", "object key is required", nil)
	}

	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var reqErr awserr.RequestFailure
		if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
			return nil, 0, Wrap(ErrValidation, "s3", key, ErrObjectNotFound)
		}
		return nil, 0, Wrap(ErrStorage, "s3", "failed to download from S3", err)
	}

	size = -1
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}
