// Package transfer drives pending transfers to stored objects.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sheerbytes/coldvault/internal/catalog"
	"github.com/sheerbytes/coldvault/internal/config"
	"github.com/sheerbytes/coldvault/internal/keyname"
	"github.com/sheerbytes/coldvault/internal/queue"
	"github.com/sheerbytes/coldvault/internal/storage"
)

// DuplicateMessage is recorded on a pending transfer whose object is
// already stored in its provider.
const DuplicateMessage = "This PendingTransfer was skipped because there is already a StoredObject " +
	"with the same storage provider and source object. Maybe this PendingTransfer was an accidental duplicate?"

// ErrCollisionsExhausted is returned when every candidate key was taken.
var ErrCollisionsExhausted = errors.New("stored key collisions exhausted")

// Executor uploads one pending transfer and promotes it to a stored object.
type Executor struct {
	store    *catalog.Store
	backends storage.Backends
	keys     config.KeyMap
	queue    queue.Enqueuer
	logger   *slog.Logger

	// CollisionRetries is the number of extra keys tried after the first.
	CollisionRetries int
}

// NewExecutor creates an executor with the default collision retries.
func NewExecutor(store *catalog.Store, backends storage.Backends, keys config.KeyMap, q queue.Enqueuer, logger *slog.Logger) *Executor {
	return &Executor{
		store:            store,
		backends:         backends,
		keys:             keys,
		queue:            q,
		logger:           logger.With(slog.String("component", "transfer")),
		CollisionRetries: config.DefaultCollisionRetries,
	}
}

// Handle runs a transfer job.
func (e *Executor) Handle(ctx context.Context, job queue.Job) error {
	return e.Execute(ctx, job.RecordID, job.EnqueueSuccessor)
}

// Execute performs the pending transfer with the given id. A transfer that no
// longer exists is ignored. Any other failure is recorded on the transfer
// and returned.
func (e *Executor) Execute(ctx context.Context, id uint64, enqueueSuccessor bool) error {
	t, err := e.store.PendingTransfer(id)
	if catalog.IsNotFound(err) {
		e.logger.Debug("pending transfer not found", "id", id)
		return nil
	}
	if err != nil {
		return err
	}
	err = e.execute(ctx, t, enqueueSuccessor)
	if err == nil || catalog.IsNotFound(err) {
		return nil
	}
	if serr := e.store.SetTransferStatus(t.ID, catalog.TransferFailure, err.Error()); serr != nil && !catalog.IsNotFound(serr) {
		e.logger.Error("record transfer failure", "id", t.ID, "error", serr)
	}
	e.logger.Error("transfer failed", "id", t.ID, "error", err)
	return err
}

func (e *Executor) execute(ctx context.Context, t catalog.PendingTransfer, enqueueSuccessor bool) error {
	stored, err := e.store.HasStoredObject(t.SourceObjectID, t.StorageProviderID)
	if err != nil {
		return err
	}
	if stored {
		e.logger.Warn("skipping duplicate transfer", "id", t.ID, "source", t.SourceObjectID, "provider", t.StorageProviderID)
		return e.store.SetTransferStatus(t.ID, catalog.TransferFailure, DuplicateMessage)
	}

	provider, err := e.store.StorageProvider(t.StorageProviderID)
	if err != nil {
		return err
	}
	backend, ok := e.backends.For(provider.Kind)
	if !ok {
		e.logger.Warn("skipping transfer: storage type not implemented", "id", t.ID, "storage_type", provider.Kind)
		return nil
	}

	src, err := e.store.SourceObject(t.SourceObjectID)
	if err != nil {
		return err
	}
	proposed, err := e.keys.StoredPath(provider.Kind, src.Path)
	if err != nil {
		return err
	}

	if err := e.store.SetTransferStatus(t.ID, catalog.TransferInProgress, ""); err != nil {
		return err
	}

	key, err := e.upload(ctx, backend, t, provider, src, proposed)
	if err != nil {
		return err
	}

	obj, err := e.store.PromoteTransfer(t.ID)
	if err != nil {
		return fmt.Errorf("promote transfer %d: %w", t.ID, err)
	}
	e.logger.Info("object stored", "id", t.ID, "stored_object", obj.ID, "storage_type", provider.Kind, "container", provider.Container, "key", key)

	if enqueueSuccessor {
		if err := e.queue.Enqueue(ctx, queue.NewJob(queue.StageVerify, obj.ID, true)); err != nil {
			return fmt.Errorf("enqueue verify for stored object %d: %w", obj.ID, err)
		}
	}
	return nil
}

// upload tries the proposed key and up to CollisionRetries variations of it.
// A key is claimed in the catalog before the upload so no other transfer can
// write to it concurrently.
func (e *Executor) upload(ctx context.Context, backend storage.Backend, t catalog.PendingTransfer, provider catalog.StorageProvider, src catalog.SourceObject, proposed string) (string, error) {
	attempts := 1 + max(e.CollisionRetries, 0)
	var tried []string
	for attempt := 1; attempt <= attempts; attempt++ {
		key, err := keyname.Remediate(proposed, tried)
		if err != nil {
			return "", err
		}
		tried = append(tried, key)

		if _, err := e.store.ClaimKey(t.ID, key); err != nil {
			if catalog.IsConflict(err) {
				e.logger.Info("stored key already claimed", "id", t.ID, "key", key, "attempt", attempt)
				continue
			}
			return "", err
		}

		md, err := Metadata(src.FixityAlgorithm, src.FixityValue, proposed, key)
		if err != nil {
			return "", err
		}
		err = backend.Upload(ctx, storage.UploadRequest{
			LocalPath:         src.Path,
			Container:         provider.Container,
			Key:               key,
			ChecksumAlgorithm: t.TransferAlgorithm,
			Checksum:          t.TransferValue,
			PartSize:          t.PartSize,
			PartCount:         t.PartCount,
			Metadata:          md,
		})
		if errors.Is(err, storage.ErrObjectExists) {
			e.logger.Info("stored key already exists at provider", "id", t.ID, "key", key, "attempt", attempt)
			continue
		}
		if err != nil {
			return "", err
		}
		return key, nil
	}
	return "", fmt.Errorf("%w: exhausted %d attempts to store %s", ErrCollisionsExhausted, attempts, proposed)
}
