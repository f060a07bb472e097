package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sheerbytes/coldvault/internal/catalog"
	"github.com/sheerbytes/coldvault/internal/checksum"
	"github.com/sheerbytes/coldvault/internal/progress"
	"github.com/sheerbytes/coldvault/internal/queue"
)

// FixityStage computes the fixity checksum of source objects.
type FixityStage struct {
	store     *catalog.Store
	queue     queue.Enqueuer
	logger    *slog.Logger
	algorithm checksum.Algorithm
}

// NewFixityStage creates a fixity stage computing alg.
func NewFixityStage(store *catalog.Store, q queue.Enqueuer, alg checksum.Algorithm, logger *slog.Logger) *FixityStage {
	return &FixityStage{
		store:     store,
		queue:     q,
		logger:    logger.With(slog.String("component", "ingest")),
		algorithm: alg,
	}
}

// Handle runs a fixity job.
func (s *FixityStage) Handle(ctx context.Context, job queue.Job) error {
	_, err := s.Compute(ctx, job.RecordID, s.algorithm, job.Force, job.EnqueueSuccessor)
	return err
}

// Compute records the alg checksum of source object id. An object that
// already has a fixity checksum keeps it unless force is set. With
// enqueueSuccessor, a prepare job follows. A source object that no longer
// exists is ignored.
func (s *FixityStage) Compute(ctx context.Context, id uint64, alg checksum.Algorithm, force, enqueueSuccessor bool) (catalog.SourceObject, error) {
	src, err := s.store.SourceObject(id)
	if catalog.IsNotFound(err) {
		s.logger.Debug("source object not found", "id", id)
		return src, nil
	}
	if err != nil {
		return src, err
	}

	if !src.HasFixity() || force {
		src, err = s.compute(src, alg)
		if err != nil {
			return src, err
		}
	}

	if enqueueSuccessor {
		if err := s.queue.Enqueue(ctx, queue.NewJob(queue.StagePrepare, src.ID, true)); err != nil {
			return src, err
		}
	}
	return src, nil
}

func (s *FixityStage) compute(src catalog.SourceObject, alg checksum.Algorithm) (catalog.SourceObject, error) {
	info, err := os.Stat(src.Path)
	if err != nil {
		return src, fmt.Errorf("stat %s: %w", src.Path, err)
	}
	if info.Size() != src.Size {
		return src, fmt.Errorf("%s changed size since registration: %d bytes, registered %d", src.Path, info.Size(), src.Size)
	}

	start := time.Now()
	sum, err := checksum.WholeFile(src.Path, alg)
	if err != nil {
		return src, err
	}
	src, err = s.store.SetFixity(src.ID, alg, sum)
	if err != nil {
		return src, err
	}

	elapsed := time.Since(start)
	s.logger.Info("fixity computed",
		"id", src.ID,
		"path", src.Path,
		"algorithm", alg,
		"size", progress.FormatBytes(src.Size),
		"rate", progress.FormatRate(float64(src.Size)/max(elapsed.Seconds(), 1e-9)),
		"elapsed", elapsed.Round(time.Millisecond),
	)
	return src, nil
}
