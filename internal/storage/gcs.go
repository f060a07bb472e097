package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/sheerbytes/coldvault/internal/bufpool"
	"github.com/sheerbytes/coldvault/internal/checksum"
	"github.com/sheerbytes/coldvault/internal/progress"
)

const (
	gcsMaxAttempts = 3
	gcsBufferSize  = 1 << 20
)

var gcsBuffers = bufpool.New(gcsBufferSize)

type gcsWrite struct {
	CRC32C      uint32
	Metadata    map[string]string
	IfNotExists bool
}

type gcsAttrs struct {
	CRC32C uint32
	Size   int64
}

// gcsObjects is the slice of the GCS client used by GCSBackend.
type gcsObjects interface {
	// Stat returns the attributes of an object and whether it exists.
	Stat(ctx context.Context, bucket, key string) (gcsAttrs, bool, error)
	// Write stores r and returns the CRC32C the service computed.
	Write(ctx context.Context, bucket, key string, opts gcsWrite, r io.Reader) (uint32, error)
}

type gcsClient struct {
	client  *gcs.Client
	backoff gax.Backoff
}

func newGCSClient(client *gcs.Client) *gcsClient {
	return &gcsClient{
		client:  client,
		backoff: gax.Backoff{Initial: time.Second, Max: 16 * time.Second, Multiplier: 2},
	}
}

func (c *gcsClient) Stat(ctx context.Context, bucket, key string) (gcsAttrs, bool, error) {
	attrs, err := c.client.Bucket(bucket).Object(key).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return gcsAttrs{}, false, nil
	}
	if err != nil {
		return gcsAttrs{}, false, err
	}
	return gcsAttrs{CRC32C: attrs.CRC32C, Size: attrs.Size}, true, nil
}

// Write uploads through a buffered writer so the client can retry transient
// failures (429, 5xx) itself. Resumable uploads continue their session; a
// single-request upload is resent, which can hit the DoesNotExist
// precondition if a lost response hid a committed write.
func (c *gcsClient) Write(ctx context.Context, bucket, key string, opts gcsWrite, r io.Reader) (uint32, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	obj := c.client.Bucket(bucket).Object(key).Retryer(
		gcs.WithBackoff(c.backoff),
		gcs.WithMaxAttempts(gcsMaxAttempts),
		gcs.WithPolicy(gcs.RetryAlways),
	)
	if opts.IfNotExists {
		obj = obj.If(gcs.Conditions{DoesNotExist: true})
	}
	w := obj.NewWriter(ctx)
	w.CRC32C = opts.CRC32C
	w.SendCRC32C = true
	w.Metadata = opts.Metadata

	if err := gcsBuffers.Copy(w, r); err != nil {
		// Cancelling before Close abandons the upload.
		cancel()
		_ = w.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return w.Attrs().CRC32C, nil
}

// GCSBackend uploads to Google Cloud Storage. The precalculated whole-file
// CRC32C is sent with the upload so the service rejects corrupted bytes, and
// the checksum it reports back is compared again.
type GCSBackend struct {
	objects gcsObjects
	logger  *slog.Logger
	closer  io.Closer
}

// NewGCSBackend creates a client with application default credentials. A
// non-empty endpoint overrides the service URL.
func NewGCSBackend(ctx context.Context, logger *slog.Logger, endpoint string) (*GCSBackend, error) {
	var opts []option.ClientOption
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	b := newGCSBackend(newGCSClient(client), logger)
	b.closer = client
	return b, nil
}

func newGCSBackend(objects gcsObjects, logger *slog.Logger) *GCSBackend {
	return &GCSBackend{
		objects: objects,
		logger:  logger.With(slog.String("component", "gcs")),
	}
}

// Close releases the underlying client.
func (b *GCSBackend) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

// Upload implements Backend.
func (b *GCSBackend) Upload(ctx context.Context, req UploadRequest) error {
	if req.ChecksumAlgorithm != checksum.CRC32C || req.Multipart() {
		return transferError("upload", req, errors.New("gcs uploads require a whole-file crc32c checksum"))
	}
	if len(req.Checksum) != 4 {
		return transferError("upload", req, fmt.Errorf("crc32c checksum has %d bytes", len(req.Checksum)))
	}
	expected := binary.BigEndian.Uint32(req.Checksum)

	if !req.Overwrite {
		_, exists, err := b.objects.Stat(ctx, req.Container, req.Key)
		if err != nil {
			return transferError("stat", req, err)
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
	body := progress.NewReader(f, meter)
	opts := gcsWrite{CRC32C: expected, Metadata: req.Metadata, IfNotExists: !req.Overwrite}

	reported, err := b.objects.Write(ctx, req.Container, req.Key, opts, body)
	if isGCSPreconditionFailed(err) {
		// The key was free before the write, so the object may be ours from
		// an attempt whose response was lost.
		reported, err = b.committed(ctx, req, expected, info.Size())
	}
	if err != nil {
		if errors.Is(err, ErrObjectExists) {
			return err
		}
		return transferError("write", req, err)
	}

	if reported != expected {
		return transferError("verify", req, fmt.Errorf("%w: expected %s, provider reported %s",
			ErrChecksumMismatch, checksum.AWSString(req.Checksum, 0), checksum.AWSString(binary.BigEndian.AppendUint32(nil, reported), 0)))
	}

	stats := meter.Snapshot()
	b.logger.Info("upload complete",
		"bucket", req.Container,
		"key", req.Key,
		"size", progress.FormatBytes(info.Size()),
		"rate", progress.FormatRate(stats.RateBps),
		"elapsed", stats.Elapsed.Round(time.Millisecond),
	)
	return nil
}

func isGCSPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

// committed checks whether the object at req.Key holds the bytes just
// written. A different object is a genuine key collision.
func (b *GCSBackend) committed(ctx context.Context, req UploadRequest, expected uint32, size int64) (uint32, error) {
	attrs, exists, err := b.objects.Stat(ctx, req.Container, req.Key)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("precondition failed but %s/%s does not exist", req.Container, req.Key)
	}
	if attrs.CRC32C != expected || attrs.Size != size {
		return 0, objectExists(req)
	}
	b.logger.Warn("write reported a precondition failure but the object matches, keeping it",
		"bucket", req.Container, "key", req.Key)
	return attrs.CRC32C, nil
}
