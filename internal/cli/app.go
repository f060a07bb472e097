// Package cli implements the coldvault subcommands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/sheerbytes/coldvault/internal/catalog"
	"github.com/sheerbytes/coldvault/internal/config"
	"github.com/sheerbytes/coldvault/internal/fixity"
	"github.com/sheerbytes/coldvault/internal/ingest"
	"github.com/sheerbytes/coldvault/internal/logging"
	"github.com/sheerbytes/coldvault/internal/prepare"
	"github.com/sheerbytes/coldvault/internal/queue"
	"github.com/sheerbytes/coldvault/internal/storage"
	"github.com/sheerbytes/coldvault/internal/transfer"
)

// app holds what every subcommand needs: configuration, catalog and the
// in-process queue that stage jobs run on.
type app struct {
	opts     config.Options
	logger   *slog.Logger
	pipeline *config.Pipeline
	store    *catalog.Store
	queue    *queue.Queue
	stdout   io.Writer

	// newBackends is replaced in tests.
	newBackends func(ctx context.Context) (storage.Backends, []io.Closer, error)
	closers     []io.Closer
}

func newApp(opts config.Options, stdout, stderr io.Writer) (*app, error) {
	logger := logging.NewWithWriter(stderr, "coldvault", opts.LogLevel)

	pipeline, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	store, err := catalog.Open(opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", opts.DBPath, err)
	}

	a := &app{
		opts:     opts,
		logger:   logger,
		pipeline: pipeline,
		store:    store,
		queue:    queue.New(),
		stdout:   stdout,
	}
	a.newBackends = a.configuredBackends
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

// configuredBackends creates a client for every provider kind the
// configuration stores objects in. CUL has no upload backend.
func (a *app) configuredBackends(ctx context.Context) (storage.Backends, []io.Closer, error) {
	kinds := make(map[catalog.ProviderKind]bool)
	for _, ref := range a.pipeline.ProviderRefs() {
		kind, err := ref.Kind()
		if err != nil {
			return nil, nil, err
		}
		kinds[kind] = true
	}

	backends := storage.Backends{}
	var closers []io.Closer
	if kinds[catalog.KindAWS] {
		aws := a.pipeline.AWS
		s3, err := storage.NewS3Backend(ctx, a.logger,
			storage.WithRegion(aws.Region),
			storage.WithEndpoint(aws.Endpoint),
			storage.WithForcePathStyle(aws.ForcePathStyle),
			storage.WithTimeout(aws.Timeout),
		)
		if err != nil {
			return nil, nil, err
		}
		backends[catalog.KindAWS] = s3
	}
	if kinds[catalog.KindGCP] {
		gcs, err := storage.NewGCSBackend(ctx, a.logger, a.pipeline.GCP.Endpoint)
		if err != nil {
			return nil, nil, err
		}
		backends[catalog.KindGCP] = gcs
		closers = append(closers, gcs)
	}
	return backends, closers, nil
}

// pool builds a worker pool with a handler for every stage.
func (a *app) pool(ctx context.Context) (*queue.Pool, error) {
	alg, err := a.pipeline.Algorithm()
	if err != nil {
		return nil, err
	}
	backends, closers, err := a.newBackends(ctx)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closers...)

	stage := ingest.NewFixityStage(a.store, a.queue, alg, a.logger)

	preparer := prepare.NewPreparer(a.store, a.pipeline.Providers, a.queue, a.logger)
	preparer.MultipartThreshold = a.pipeline.MultipartThreshold

	executor := transfer.NewExecutor(a.store, backends, a.pipeline.KeyMap, a.queue, a.logger)
	executor.CollisionRetries = a.pipeline.Retries()

	verifier := fixity.NewFromConfig(a.store, a.pipeline.Fixity, a.logger)

	p := queue.NewPool(a.queue, a.opts.Workers, a.logger)
	p.Handle(queue.StageFixity, stage.Handle)
	p.Handle(queue.StagePrepare, preparer.Handle)
	p.Handle(queue.StageTransfer, executor.Handle)
	p.Handle(queue.StageVerify, verifier.Handle)
	return p, nil
}

// drain runs every queued job, and the jobs they enqueue, to completion.
func (a *app) drain(ctx context.Context) error {
	p, err := a.pool(ctx)
	if err != nil {
		return err
	}
	queued := a.queue.Len()
	err = p.RunUntilIdle(ctx)
	// RunUntilIdle closes the queue; later commands on this app get a new one.
	a.queue = queue.New()
	if err != nil {
		return err
	}
	failed := p.Failed()
	a.logger.Info("queue drained", "queued", queued, "failed", len(failed))
	if len(failed) > 0 {
		return &FailedJobsError{Failures: failed}
	}
	return nil
}

// FailedJobsError reports jobs that were dead-lettered during a run.
type FailedJobsError struct {
	Failures []queue.Failure
}

func (e *FailedJobsError) Error() string {
	if len(e.Failures) == 1 {
		f := e.Failures[0]
		return fmt.Sprintf("job %s failed: %v", f.Job, f.Err)
	}
	return fmt.Sprintf("%d jobs failed", len(e.Failures))
}
