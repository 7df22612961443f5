// Package jobs implements the background job engine and the upstream
// synchronization workers it dispatches to.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"facilityapi/internal/metrics"
	"facilityapi/internal/store"
	"facilityapi/pkg/domain"
)

// errUnneeded signals that a job found nothing to do; the job finishes with
// the unneeded status rather than failed.
var errUnneeded = errors.New("no work needed")

// Synchronizer executes one sync job against an upstream source.
type Synchronizer interface {
	Run(ctx context.Context, job domain.BackgroundJob) error
}

// Engine owns the job queue: it validates and persists enqueue requests and
// runs a single worker goroutine that drains the queue in FIFO order.
type Engine struct {
	store   store.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	poll    time.Duration

	sources map[domain.SyncSource]Synchronizer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine constructs a job engine. The sources map binds each sync source
// to its worker implementation.
func NewEngine(s store.Store, sources map[domain.SyncSource]Synchronizer, logger *slog.Logger, m *metrics.Metrics, poll time.Duration) *Engine {
	if poll <= 0 {
		poll = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:   s,
		logger:  logger,
		metrics: m,
		poll:    poll,
		sources: sources,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins polling for awaiting jobs.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.loop()
}

// Stop signals the worker to halt and waits for completion.
func (e *Engine) Stop(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var validActions = map[domain.JobAction]bool{
	domain.ActionSynchronizeAdmins:            true,
	domain.ActionSynchronizeCycles:            true,
	domain.ActionSynchronizeProposal:          true,
	domain.ActionSynchronizeProposalsForCycle: true,
	domain.ActionSynchronizeProposalTypes:     true,
	domain.ActionSynchronizeAllProposals:      true,
	domain.ActionUpdateCycleInformation:       true,
	domain.ActionCreateSlackChannel:           true,
}

// Enqueue records a new awaiting job and returns it immediately; the worker
// picks it up on its next poll.
func (e *Engine) Enqueue(ctx context.Context, action domain.JobAction, source domain.SyncSource, params domain.JobSyncParameters) (domain.BackgroundJob, error) {
	if !validActions[action] {
		return domain.BackgroundJob{}, fmt.Errorf("unknown job action %q", action)
	}
	if _, ok := e.sources[source]; !ok {
		return domain.BackgroundJob{}, fmt.Errorf("no synchronizer configured for source %q", source)
	}
	var created domain.BackgroundJob
	err := e.store.RunInTransaction(ctx, func(tx store.Tx) error {
		job, err := tx.CreateJob(domain.BackgroundJob{
			Action:     action,
			Status:     domain.JobStatusAwaiting,
			Source:     &source,
			Parameters: params,
		})
		if err != nil {
			return err
		}
		created = job
		return nil
	})
	if err != nil {
		return domain.BackgroundJob{}, err
	}
	e.logger.Info("job enqueued", "job_id", created.ID, "action", string(action), "source", string(source))
	return created, nil
}

// Job returns a job by ID.
func (e *Engine) Job(ctx context.Context, jobID string) (domain.BackgroundJob, error) {
	var out domain.BackgroundJob
	err := e.store.View(ctx, func(v store.View) error {
		j, ok := v.FindJob(jobID)
		if !ok {
			return fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
		}
		out = j
		return nil
	})
	return out, err
}

// Pending lists jobs that have not finished yet.
func (e *Engine) Pending(ctx context.Context) ([]domain.BackgroundJob, error) {
	var out []domain.BackgroundJob
	err := e.store.View(ctx, func(v store.View) error {
		out = append(v.ListJobs(domain.JobStatusAwaiting), v.ListJobs(domain.JobStatusProcessing)...)
		return nil
	})
	return out, err
}

func (e *Engine) loop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			for e.runNext() {
				// drain everything already queued before sleeping again
				if e.ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// runNext claims and executes one job; it reports whether a job was found.
func (e *Engine) runNext() bool {
	var job domain.BackgroundJob
	claimed := false
	if err := e.store.RunInTransaction(e.ctx, func(tx store.Tx) error {
		job, claimed = tx.ClaimNextJob()
		return nil
	}); err != nil {
		e.logger.Error("claim job", "error", err)
		return false
	}
	if !claimed {
		return false
	}
	e.process(job)
	return true
}

func (e *Engine) process(job domain.BackgroundJob) {
	logger := e.logger.With("job_id", job.ID, "action", string(job.Action))
	logger.Info("job started")

	err := e.dispatch(e.ctx, job)

	status := domain.JobStatusSuccess
	var message *string
	switch {
	case errors.Is(err, errUnneeded):
		status = domain.JobStatusUnneeded
	case err != nil:
		status = domain.JobStatusFailed
		m := err.Error()
		message = &m
	}

	if _, uerr := e.finishJob(job.ID, status, message); uerr != nil {
		logger.Error("record job result", "error", uerr)
	}
	if e.metrics != nil {
		e.metrics.JobFinished(string(job.Action), string(status))
	}
	if status == domain.JobStatusFailed {
		logger.Error("job failed", "error", err)
		return
	}
	logger.Info("job finished", "status", string(status))
}

func (e *Engine) dispatch(ctx context.Context, job domain.BackgroundJob) error {
	source := domain.SyncSourcePASS
	if job.Source != nil {
		source = *job.Source
	}
	sync, ok := e.sources[source]
	if !ok {
		return fmt.Errorf("no synchronizer for source %q", source)
	}
	return sync.Run(ctx, job)
}

func (e *Engine) finishJob(jobID string, status domain.JobStatus, message *string) (domain.BackgroundJob, error) {
	var out domain.BackgroundJob
	err := e.store.RunInTransaction(context.Background(), func(tx store.Tx) error {
		updated, err := tx.UpdateJob(jobID, func(j *domain.BackgroundJob) error {
			now := time.Now().UTC()
			j.Status = status
			j.LogMessage = message
			j.EndTime = &now
			return nil
		})
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	return out, err
}
