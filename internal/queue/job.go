// Package queue dispatches pipeline stages by record id.
package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Stage names one step of the preservation pipeline.
type Stage string

const (
	StageFixity   Stage = "fixity"
	StagePrepare  Stage = "prepare"
	StageTransfer Stage = "transfer"
	StageVerify   Stage = "verify"
)

// Job asks a stage to process one catalog record.
type Job struct {
	ID       uuid.UUID
	Stage    Stage
	RecordID uint64
	// EnqueueSuccessor asks the stage to enqueue the next stage on success.
	EnqueueSuccessor bool
	// Force recomputes work that is already recorded.
	Force bool
}

// NewJob returns a job with a fresh id.
func NewJob(stage Stage, recordID uint64, enqueueSuccessor bool) Job {
	return Job{
		ID:               uuid.New(),
		Stage:            stage,
		RecordID:         recordID,
		EnqueueSuccessor: enqueueSuccessor,
	}
}

func (j Job) String() string {
	return fmt.Sprintf("%s(%d)", j.Stage, j.RecordID)
}

// Enqueuer accepts jobs for later execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// Discard is an Enqueuer that drops every job.
var Discard Enqueuer = discard{}

type discard struct{}

func (discard) Enqueue(context.Context, Job) error { return nil }

// Recorder is an Enqueuer that keeps jobs in memory.
type Recorder struct {
	Jobs []Job
}

func (r *Recorder) Enqueue(_ context.Context, job Job) error {
	r.Jobs = append(r.Jobs, job)
	return nil
}
