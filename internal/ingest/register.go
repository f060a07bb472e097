package ingest

import (
	"context"
	"log/slog"

	"github.com/sheerbytes/coldvault/internal/catalog"
	"github.com/sheerbytes/coldvault/internal/progress"
	"github.com/sheerbytes/coldvault/internal/queue"
)

// Summary counts what a registration did.
type Summary struct {
	Registered int
	Existing   int
	Bytes      int64
	// IDs lists every source object under the root, new or not.
	IDs []uint64
}

// Registrar turns scanned files into source objects.
type Registrar struct {
	store  *catalog.Store
	queue  queue.Enqueuer
	logger *slog.Logger
}

// NewRegistrar creates a registrar.
func NewRegistrar(store *catalog.Store, q queue.Enqueuer, logger *slog.Logger) *Registrar {
	return &Registrar{
		store:  store,
		queue:  q,
		logger: logger.With(slog.String("component", "ingest")),
	}
}

// Register records every regular file under root as a source object.
// Registering a path a second time is a no-op. With enqueueSuccessor, a
// fixity job is queued for every object that has no fixity checksum yet.
// Scan errors for individual entries are returned after the readable files
// have been registered.
func (r *Registrar) Register(ctx context.Context, root string, enqueueSuccessor bool) (Summary, error) {
	var sum Summary
	m, scanErr := Scan(root)
	if scanErr != nil && len(m.Files) == 0 {
		return sum, scanErr
	}

	for _, f := range m.Files {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		obj := catalog.SourceObject{Path: f.Path, Size: f.Size}
		err := r.store.CreateSourceObject(&obj)
		switch {
		case err == nil:
			sum.Registered++
			sum.Bytes += f.Size
			r.logger.Debug("registered source object", "id", obj.ID, "path", f.Path, "size", f.Size)
		case catalog.IsConflict(err):
			obj, err = r.store.SourceObjectByPath(f.Path)
			if err != nil {
				return sum, err
			}
			sum.Existing++
		default:
			return sum, err
		}
		sum.IDs = append(sum.IDs, obj.ID)

		if enqueueSuccessor && !obj.HasFixity() {
			if err := r.queue.Enqueue(ctx, queue.NewJob(queue.StageFixity, obj.ID, true)); err != nil {
				return sum, err
			}
		}
	}

	r.logger.Info("registration complete",
		"root", m.Root,
		"registered", sum.Registered,
		"existing", sum.Existing,
		"size", progress.FormatBytes(sum.Bytes),
	)
	return sum, scanErr
}
