package fixity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sheerbytes/coldvault/internal/catalog"
	"github.com/sheerbytes/coldvault/internal/clienthttp"
	"github.com/sheerbytes/coldvault/internal/config"
	"github.com/sheerbytes/coldvault/internal/queue"
)

// MismatchMessage is recorded when the remote checksum or size differs.
const MismatchMessage = "Checksum and/or object size mismatch."

// Verifier records remote fixity verifications of stored objects.
type Verifier struct {
	store       *catalog.Store
	sync        Transport
	longRunning Transport
	logger      *slog.Logger

	// SyncSizeThreshold is the object size from which the long-running
	// transport is used.
	SyncSizeThreshold int64
}

// NewVerifier returns a verifier using sync for objects below the size
// threshold and longRunning for the rest.
func NewVerifier(store *catalog.Store, sync, longRunning Transport, logger *slog.Logger) *Verifier {
	return &Verifier{
		store:             store,
		sync:              sync,
		longRunning:       longRunning,
		logger:            logger.With(slog.String("component", "fixity")),
		SyncSizeThreshold: config.DefaultSyncSizeThreshold,
	}
}

// NewFromConfig builds the transports described by cfg.
func NewFromConfig(store *catalog.Store, cfg config.FixityConfig, logger *slog.Logger) *Verifier {
	client := clienthttp.New(cfg.HTTPBaseURL, cfg.AuthToken, cfg.HTTPTimeout)

	var longRunning Transport
	switch cfg.LongRunningTransport {
	case config.TransportWebsocket:
		cable := NewCable(cfg.WSURL, cfg.AuthToken, logger)
		if cfg.StallTimeout > 0 {
			cable.StallTimeout = cfg.StallTimeout
		}
		longRunning = cable
	default:
		polling := NewPolling(client, logger)
		if cfg.PollInterval > 0 {
			polling.Interval = cfg.PollInterval
		}
		if cfg.StallTimeout > 0 {
			polling.StallTimeout = cfg.StallTimeout
		}
		polling.MaxWait = cfg.MaxWait
		longRunning = polling
	}

	v := NewVerifier(store, NewSyncHTTP(client), longRunning, logger)
	if cfg.SyncSizeThreshold > 0 {
		v.SyncSizeThreshold = cfg.SyncSizeThreshold
	}
	return v
}

// Handle runs a verify job.
func (v *Verifier) Handle(ctx context.Context, job queue.Job) error {
	_, err := v.Verify(ctx, job.RecordID)
	return err
}

// Verify checks stored object id at its provider and records the outcome.
// Only S3 objects can be checked remotely; other providers, missing objects
// and objects with a verification already pending are skipped and return a
// zero FixityVerification. Check failures are recorded, not returned.
func (v *Verifier) Verify(ctx context.Context, id uint64) (catalog.FixityVerification, error) {
	obj, err := v.store.StoredObject(id)
	if catalog.IsNotFound(err) {
		v.logger.Debug("stored object not found", "id", id)
		return catalog.FixityVerification{}, nil
	}
	if err != nil {
		return catalog.FixityVerification{}, err
	}
	provider, err := v.store.StorageProvider(obj.StorageProviderID)
	if err != nil {
		return catalog.FixityVerification{}, err
	}
	if provider.Kind != catalog.KindAWS {
		v.logger.Debug("no remote fixity check for provider", "id", id, "storage_type", provider.Kind)
		return catalog.FixityVerification{}, nil
	}
	src, err := v.store.SourceObject(obj.SourceObjectID)
	if err != nil {
		return catalog.FixityVerification{}, err
	}

	ver, started, err := v.store.BeginVerification(id)
	if err != nil {
		return catalog.FixityVerification{}, err
	}
	if !started {
		v.logger.Info("fixity verification already pending", "id", id, "verification", ver.ID)
		return catalog.FixityVerification{}, nil
	}

	status, message := v.check(ctx, provider, obj, src)
	if err := v.store.FinishVerification(ver.ID, status, message); err != nil {
		return catalog.FixityVerification{}, err
	}
	ver.Status, ver.ErrorMessage = status, message

	logger := v.logger.With("id", id, "bucket", provider.Container, "key", obj.Path)
	if status == catalog.VerificationSuccess {
		logger.Info("fixity verified")
	} else {
		logger.Warn("fixity verification failed", "error", message)
	}
	return ver, nil
}

func (v *Verifier) check(ctx context.Context, provider catalog.StorageProvider, obj catalog.StoredObject, src catalog.SourceObject) (catalog.VerificationStatus, string) {
	if !src.HasFixity() {
		return catalog.VerificationFailure, unexpected(fmt.Errorf("source object %d has no fixity checksum", src.ID))
	}
	res, err := v.transportFor(src.Size).Check(ctx, Request{
		Bucket:    provider.Container,
		Key:       obj.Path,
		Algorithm: src.FixityAlgorithm,
	})
	switch {
	case err != nil:
		return catalog.VerificationFailure, unexpected(err)
	case res.ErrorMessage != "":
		return catalog.VerificationFailure, res.ErrorMessage
	case res.Matches(src.FixityValue, src.Size):
		return catalog.VerificationSuccess, ""
	default:
		return catalog.VerificationFailure, MismatchMessage
	}
}

func (v *Verifier) transportFor(size int64) Transport {
	if size < v.SyncSizeThreshold {
		return v.sync
	}
	return v.longRunning
}

func unexpected(err error) string {
	return "An unexpected error occurred: " + err.Error()
}
