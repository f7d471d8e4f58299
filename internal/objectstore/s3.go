package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"vodpipe/internal/errs"
	"vodpipe/internal/observability/logging"
)

const defaultS3RequestTimeout = 30 * time.Second

// S3Config configures an S3-compatible bucket.
type S3Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	SessionToken   string
	Prefix         string
	PublicEndpoint string
	UsePathStyle   bool
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Validate reports missing settings as fatal configuration errors.
func (cfg S3Config) Validate() error {
	var missing []string
	if strings.TrimSpace(cfg.Bucket) == "" {
		missing = append(missing, "bucket")
	}
	if strings.TrimSpace(cfg.AccessKey) == "" {
		missing = append(missing, "access key")
	}
	if strings.TrimSpace(cfg.SecretKey) == "" {
		missing = append(missing, "secret key")
	}
	if len(missing) > 0 {
		return errs.New(errs.FatalConfig, "s3 storage requires "+strings.Join(missing, ", "))
	}
	return nil
}

// S3Gateway implements Gateway on top of the AWS SDK.
type S3Gateway struct {
	cfg       S3Config
	client    *s3.Client
	presigner *s3.PresignClient
	logger    *slog.Logger
}

// NewS3Gateway builds a gateway using static credentials from cfg.
func NewS3Gateway(ctx context.Context, cfg S3Config) (*S3Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultS3RequestTimeout
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			strings.TrimSpace(cfg.AccessKey),
			strings.TrimSpace(cfg.SecretKey),
			strings.TrimSpace(cfg.SessionToken),
		)),
		awsconfig.WithHTTPClient(&http.Client{Timeout: timeout}),
	)
	if err != nil {
		return nil, errs.Wrap(errs.FatalConfig, err, "load aws config")
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	return &S3Gateway{
		cfg:       cfg,
		client:    client,
		presigner: s3.NewPresignClient(client),
		logger:    logging.WithComponent(cfg.Logger, "objectstore"),
	}, nil
}

func (g *S3Gateway) key(key string) string {
	return applyPrefix(g.cfg.Prefix, key)
}

func (g *S3Gateway) Upload(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) (Object, error) {
	finalKey := g.key(key)
	if contentType == "" {
		contentType = ContentTypeFor(finalKey)
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(g.cfg.Bucket),
		Key:           aws.String(finalKey),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	}
	if len(metadata) > 0 {
		input.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			input.Metadata[k] = v
		}
	}
	if _, err := g.client.PutObject(ctx, input); err != nil {
		return Object{}, errs.Wrap(errs.Transient, err, fmt.Sprintf("upload object %s", finalKey))
	}
	g.logger.Debug("object uploaded", "key", finalKey, "bytes", len(body))
	return Object{Key: finalKey, URL: joinURL(g.cfg.PublicEndpoint, finalKey)}, nil
}

func (g *S3Gateway) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	finalKey := g.key(key)
	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.cfg.Bucket),
		Key:    aws.String(finalKey),
	})
	if err != nil {
		if isMissingObject(err) {
			return nil, errs.Wrap(errs.NotFound, err, fmt.Sprintf("object %s not found", finalKey))
		}
		return nil, errs.Wrap(errs.Transient, err, fmt.Sprintf("open object %s", finalKey))
	}
	return out.Body, nil
}

func (g *S3Gateway) Delete(ctx context.Context, key string) error {
	finalKey := g.key(key)
	_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(g.cfg.Bucket),
		Key:    aws.String(finalKey),
	})
	if err != nil {
		if isMissingObject(err) {
			return nil
		}
		return errs.Wrap(errs.Transient, err, fmt.Sprintf("delete object %s", finalKey))
	}
	return nil
}

func (g *S3Gateway) PresignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	finalKey := g.key(key)
	input := &s3.PutObjectInput{
		Bucket: aws.String(g.cfg.Bucket),
		Key:    aws.String(finalKey),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	req, err := g.presigner.PresignPutObject(ctx, input, s3.WithPresignExpires(ttlOrDefault(ttl, DefaultUploadTTL)))
	if err != nil {
		return "", fmt.Errorf("presign upload %s: %w", finalKey, err)
	}
	return req.URL, nil
}

func (g *S3Gateway) PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	finalKey := g.key(key)
	req, err := g.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.cfg.Bucket),
		Key:    aws.String(finalKey),
	}, s3.WithPresignExpires(ttlOrDefault(ttl, DefaultPlaybackTTL)))
	if err != nil {
		return "", fmt.Errorf("presign download %s: %w", finalKey, err)
	}
	return req.URL, nil
}

func isMissingObject(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}
