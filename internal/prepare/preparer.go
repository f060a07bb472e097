// Package prepare decides which transfers a source object still needs and
// records them with the checksum each provider will verify the upload against.
package prepare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/sheerbytes/coldvault/internal/catalog"
	"github.com/sheerbytes/coldvault/internal/checksum"
	"github.com/sheerbytes/coldvault/internal/config"
	"github.com/sheerbytes/coldvault/internal/queue"
)

// ErrNoFixity is returned for a source object whose fixity checksum has not
// been computed. No transfer is prepared without one.
var ErrNoFixity = errors.New("source object has no fixity checksum")

// Preparer creates pending transfers.
type Preparer struct {
	store     *catalog.Store
	providers config.ProviderMap
	queue     queue.Enqueuer
	logger    *slog.Logger

	// MultipartThreshold is the size from which S3 transfers carry a
	// multipart checksum-of-parts instead of a whole-file checksum.
	MultipartThreshold int64
}

// NewPreparer creates a preparer with the default multipart threshold.
func NewPreparer(store *catalog.Store, providers config.ProviderMap, q queue.Enqueuer, logger *slog.Logger) *Preparer {
	return &Preparer{
		store:              store,
		providers:          providers,
		queue:              q,
		logger:             logger.With(slog.String("component", "prepare")),
		MultipartThreshold: config.DefaultMultipartThreshold,
	}
}

// Handle runs a prepare job.
func (p *Preparer) Handle(ctx context.Context, job queue.Job) error {
	_, err := p.Prepare(ctx, job.RecordID, job.EnqueueSuccessor)
	return err
}

// Prepare creates the pending transfers source object id still needs, one per
// configured provider that has neither a pending transfer nor a stored
// object for it. A source object that no longer exists is ignored.
func (p *Preparer) Prepare(ctx context.Context, id uint64, enqueueSuccessor bool) ([]catalog.PendingTransfer, error) {
	src, err := p.store.SourceObject(id)
	if catalog.IsNotFound(err) {
		p.logger.Debug("source object not found", "id", id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !src.HasFixity() {
		return nil, fmt.Errorf("%w: source object %d (%s)", ErrNoFixity, src.ID, src.Path)
	}

	needed, err := p.neededProviders(src)
	if err != nil {
		return nil, err
	}
	if len(needed) == 0 {
		p.logger.Debug("no transfers needed", "id", id, "path", src.Path)
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(src.Path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", src.Path, err)
	}
	if info.Size() != src.Size {
		return nil, fmt.Errorf("%s changed size since registration: %d bytes, registered %d", src.Path, info.Size(), src.Size)
	}

	transfers, err := p.checksums(src, needed)
	if err != nil {
		return nil, err
	}

	var created []catalog.PendingTransfer
	for _, t := range transfers {
		if err := p.store.CreatePendingTransfer(&t); err != nil {
			if catalog.IsConflict(err) {
				p.logger.Info("pending transfer already exists", "source", src.ID, "provider", t.StorageProviderID)
				continue
			}
			return created, err
		}
		created = append(created, t)
		p.logger.Info("pending transfer created", "id", t.ID, "source", src.ID, "provider", t.StorageProviderID, "parts", t.PartCount)
	}

	if enqueueSuccessor {
		for _, t := range created {
			if err := p.queue.Enqueue(ctx, queue.NewJob(queue.StageTransfer, t.ID, true)); err != nil {
				return created, fmt.Errorf("enqueue transfer %d: %w", t.ID, err)
			}
		}
	}
	return created, nil
}

func (p *Preparer) neededProviders(src catalog.SourceObject) ([]catalog.StorageProvider, error) {
	refs, err := p.providers.ProvidersFor(src.Path)
	if err != nil {
		return nil, err
	}
	var needed []catalog.StorageProvider
	for _, ref := range refs {
		kind, err := ref.Kind()
		if err != nil {
			return nil, &config.ConfigError{Field: "source_paths_to_storage_providers", Msg: err.Error()}
		}
		provider, err := p.store.EnsureStorageProvider(kind, ref.ContainerName)
		if err != nil {
			return nil, err
		}
		pending, err := p.store.HasPendingTransfer(src.ID, provider.ID)
		if err != nil {
			return nil, err
		}
		stored, err := p.store.HasStoredObject(src.ID, provider.ID)
		if err != nil {
			return nil, err
		}
		if pending || stored {
			continue
		}
		needed = append(needed, provider)
	}
	return needed, nil
}

// checksums computes the transfer checksum for every needed provider. S3
// objects at or above the multipart threshold get a checksum-of-parts; every
// other transfer gets the whole-file CRC32C, read at most once.
func (p *Preparer) checksums(src catalog.SourceObject, providers []catalog.StorageProvider) ([]catalog.PendingTransfer, error) {
	multipart := src.Size >= p.MultipartThreshold
	var awsCount, otherCount int
	for _, provider := range providers {
		if provider.Kind == catalog.KindAWS {
			awsCount++
		} else {
			otherCount++
		}
	}

	var whole []byte
	var parts checksum.MultipartResult
	if awsCount > 0 && multipart {
		var err error
		parts, err = checksum.Multipart(src.Path, 0, otherCount > 0)
		if err != nil {
			return nil, err
		}
		whole = parts.WholeFile
	}
	if whole == nil && (otherCount > 0 || (awsCount > 0 && !multipart)) {
		var err error
		whole, err = checksum.WholeFile(src.Path, checksum.CRC32C)
		if err != nil {
			return nil, err
		}
	}

	out := make([]catalog.PendingTransfer, 0, len(providers))
	for _, provider := range providers {
		t := catalog.PendingTransfer{
			SourceObjectID:    src.ID,
			StorageProviderID: provider.ID,
			TransferAlgorithm: checksum.CRC32C,
			TransferValue:     whole,
		}
		if provider.Kind == catalog.KindAWS && multipart {
			t.TransferValue = parts.ChecksumOfParts
			t.PartSize = parts.PartSize
			t.PartCount = parts.PartCount
		}
		out = append(out, t)
	}
	return out, nil
}
