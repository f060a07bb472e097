package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/sheerbytes/coldvault/internal/checksum"
	"github.com/sheerbytes/coldvault/internal/progress"
)

// S3Config configures the S3 client.
type S3Config struct {
	Region         string
	Endpoint       string
	ForcePathStyle bool
	Timeout        time.Duration
}

// S3Option configures an S3Backend.
type S3Option func(*S3Config)

// WithRegion sets the AWS region. Defaults to the credential chain's region, then us-east-1.
func WithRegion(region string) S3Option {
	return func(c *S3Config) {
		c.Region = region
	}
}

// WithEndpoint points the client at an S3-compatible endpoint.
func WithEndpoint(endpoint string) S3Option {
	return func(c *S3Config) {
		c.Endpoint = endpoint
	}
}

// WithForcePathStyle uses path-style bucket addressing.
func WithForcePathStyle(forcePathStyle bool) S3Option {
	return func(c *S3Config) {
		c.ForcePathStyle = forcePathStyle
	}
}

// WithTimeout bounds each HTTP request made by the client.
func WithTimeout(timeout time.Duration) S3Option {
	return func(c *S3Config) {
		c.Timeout = timeout
	}
}

// S3Backend uploads to S3 with CRC32C integrity checking. Files below the
// multipart threshold go up in a single PutObject; larger ones are uploaded
// part by part on the same boundaries the checksum-of-parts was computed on.
type S3Backend struct {
	client S3API
	logger *slog.Logger
}

// NewS3Backend builds a backend from the default AWS credential chain.
func NewS3Backend(ctx context.Context, logger *slog.Logger, opts ...S3Option) (*S3Backend, error) {
	cfg := &S3Config{}
	for _, opt := range opts {
		opt(cfg)
	}

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	} else if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	var s3Opts []func(*s3.Options)
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.Timeout > 0 {
		httpClient := &http.Client{Timeout: cfg.Timeout}
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.HTTPClient = httpClient
		})
	}

	return NewS3BackendWithClient(s3.NewFromConfig(awsCfg, s3Opts...), logger), nil
}

// NewS3BackendWithClient wraps an existing client.
func NewS3BackendWithClient(client S3API, logger *slog.Logger) *S3Backend {
	return &S3Backend{
		client: client,
		logger: logger.With(slog.String("component", "s3")),
	}
}

// Upload implements Backend.
func (b *S3Backend) Upload(ctx context.Context, req UploadRequest) error {
	if req.ChecksumAlgorithm != checksum.CRC32C {
		return transferError("upload", req, fmt.Errorf("unsupported checksum algorithm %s", req.ChecksumAlgorithm))
	}
	if !req.Overwrite {
		exists, err := b.exists(ctx, req)
		if err != nil {
			return transferError("head", req, err)
		}
		if exists {
			return objectExists(req)
		}
	}

	f, err := os.Open(req.LocalPath)
	if err != nil {
		return transferError("open", req, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return transferError("stat", req, err)
	}

	meter := progress.NewMeter()
	meter.Start(info.Size())
	expected := checksum.AWSString(req.Checksum, req.PartCount)

	var reported *string
	if req.Multipart() {
		reported, err = b.putMultipart(ctx, req, f, info.Size(), meter)
	} else {
		reported, err = b.putObject(ctx, req, f, info.Size(), expected, meter)
	}
	if err != nil {
		return err
	}

	got := aws.ToString(reported)
	if got == "" {
		return transferError("verify", req, ErrChecksumMissing)
	}
	if got != expected {
		return transferError("verify", req, fmt.Errorf("%w: expected %s, provider reported %s", ErrChecksumMismatch, expected, got))
	}

	stats := meter.Snapshot()
	b.logger.Info("upload complete",
		"bucket", req.Container,
		"key", req.Key,
		"size", progress.FormatBytes(info.Size()),
		"rate", progress.FormatRate(stats.RateBps),
		"elapsed", stats.Elapsed.Round(time.Millisecond),
		"parts", req.PartCount,
	)
	return nil
}

func (b *S3Backend) putObject(ctx context.Context, req UploadRequest, f *os.File, size int64, expected string, meter *progress.Meter) (*string, error) {
	input := &s3.PutObjectInput{
		Bucket:            aws.String(req.Container),
		Key:               aws.String(req.Key),
		Body:              progress.NewReader(f, meter),
		ContentLength:     aws.Int64(size),
		ChecksumAlgorithm: types.ChecksumAlgorithmCrc32c,
		ChecksumCRC32C:    aws.String(expected),
		Metadata:          req.Metadata,
	}
	if !req.Overwrite {
		input.IfNoneMatch = aws.String("*")
	}
	out, err := b.client.PutObject(ctx, input)
	if err != nil {
		return nil, classify("put", req, err)
	}
	return out.ChecksumCRC32C, nil
}

func (b *S3Backend) putMultipart(ctx context.Context, req UploadRequest, f *os.File, size int64, meter *progress.Meter) (*string, error) {
	if n := checksum.PartCount(size, req.PartSize); n != req.PartCount {
		return nil, transferError("upload", req, fmt.Errorf("file spans %d parts of %d bytes, checksum covers %d", n, req.PartSize, req.PartCount))
	}

	created, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:            aws.String(req.Container),
		Key:               aws.String(req.Key),
		ChecksumAlgorithm: types.ChecksumAlgorithmCrc32c,
		Metadata:          req.Metadata,
	})
	if err != nil {
		return nil, classify("create multipart upload", req, err)
	}
	uploadID := aws.ToString(created.UploadId)

	parts := make([]types.CompletedPart, 0, req.PartCount)
	for i := 0; i < req.PartCount; i++ {
		offset := int64(i) * req.PartSize
		length := min(req.PartSize, size-offset)
		partNumber := aws.Int32(int32(i + 1))

		out, err := b.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:            aws.String(req.Container),
			Key:               aws.String(req.Key),
			UploadId:          aws.String(uploadID),
			PartNumber:        partNumber,
			Body:              progress.NewReader(io.NewSectionReader(f, offset, length), meter),
			ContentLength:     aws.Int64(length),
			ChecksumAlgorithm: types.ChecksumAlgorithmCrc32c,
		})
		if err != nil {
			b.abort(ctx, req, uploadID)
			return nil, classify(fmt.Sprintf("upload part %d", i+1), req, err)
		}
		parts = append(parts, types.CompletedPart{
			ETag:           out.ETag,
			PartNumber:     partNumber,
			ChecksumCRC32C: out.ChecksumCRC32C,
		})
	}

	input := &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(req.Container),
		Key:             aws.String(req.Key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	}
	if !req.Overwrite {
		input.IfNoneMatch = aws.String("*")
	}
	out, err := b.client.CompleteMultipartUpload(ctx, input)
	if err != nil {
		b.abort(ctx, req, uploadID)
		return nil, classify("complete multipart upload", req, err)
	}
	return out.ChecksumCRC32C, nil
}

// abort cleans up a failed multipart upload. Errors are ignored.
func (b *S3Backend) abort(ctx context.Context, req UploadRequest, uploadID string) {
	_, err := b.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(req.Container),
		Key:      aws.String(req.Key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		b.logger.Warn("abort multipart upload failed", "bucket", req.Container, "key", req.Key, "error", err)
	}
}

func (b *S3Backend) exists(ctx context.Context, req UploadRequest) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(req.Container),
		Key:    aws.String(req.Key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

func classify(op string, req UploadRequest, err error) error {
	if isPreconditionFailed(err) {
		return objectExists(req)
	}
	return transferError(op, req, err)
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}
