package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	tc "go.temporal.io/sdk/client"

	"github.com/tenantshift/tenantshift-api/internal/engine"
	"github.com/tenantshift/tenantshift-api/internal/models"
	"github.com/tenantshift/tenantshift-api/internal/notification"
	"github.com/tenantshift/tenantshift-api/internal/repository"
	"github.com/tenantshift/tenantshift-api/internal/temporal"
	"github.com/tenantshift/tenantshift-api/internal/temporal/workflows"
)

type WorkerConfig struct {
	JobRepo        repository.JobRepository
	Engine         *engine.Engine
	Notifier       notification.Service
	PollInterval   time.Duration
	TemporalClient tc.Client
}

// Worker polls for approved migration jobs and executes them. When a Temporal
// client is configured, execution is dispatched as a workflow; otherwise the
// worker drains the stage pipeline in-process.
type Worker struct {
	cfg    WorkerConfig
	logger zerolog.Logger
}

func NewWorker(cfg WorkerConfig, logger zerolog.Logger) *Worker {
	return &Worker{
		cfg:    cfg,
		logger: logger.With().Str("component", "worker").Logger(),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info().Msg("Worker started, polling for approved jobs...")
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Worker stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := w.processNextApprovedJob(ctx); err != nil {
				// Log the error, but keep polling
				w.logger.Error().Err(err).Msg("error processing jobs")
			}
		}
	}
}

func (w *Worker) processNextApprovedJob(ctx context.Context) error {
	job, ok, err := w.cfg.JobRepo.ClaimNextApproved(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to claim next approved job")
	}
	if !ok {
		return nil
	}

	if w.cfg.TemporalClient != nil {
		return w.dispatchWorkflow(ctx, job)
	}
	return w.run(ctx, job)
}

// dispatchWorkflow hands the job to Temporal. The workflow id embeds the job
// id, so a second dispatch for the same job is rejected while one is running.
func (w *Worker) dispatchWorkflow(ctx context.Context, job models.MigrationJob) error {
	opts := tc.StartWorkflowOptions{
		ID:        temporal.MigrationWorkflowIDPrefix + job.ID,
		TaskQueue: temporal.TaskQueueName,
	}
	run, err := w.cfg.TemporalClient.ExecuteWorkflow(ctx, opts, workflows.MigrationWorkflow, temporal.MigrationParams{JobID: job.ID})
	if err != nil {
		return errors.Wrapf(err, "failed to start migration workflow for job %s", job.ID)
	}
	w.logger.Info().
		Str("job_id", job.ID).
		Str("workflow_id", run.GetID()).
		Str("run_id", run.GetRunID()).
		Msg("dispatched migration workflow")
	return nil
}

func (w *Worker) run(ctx context.Context, job models.MigrationJob) error {
	w.logger.Info().Str("job_id", job.ID).Str("name", job.Name).Msg("running migration job")

	if err := w.cfg.JobRepo.Hydrate(&job); err != nil {
		return errors.Wrapf(err, "failed to load tenants for job %s", job.ID)
	}

	if w.cfg.Notifier != nil {
		if err := w.cfg.Notifier.NotifyMigrationStarted(ctx, job.ID, job.Name); err != nil {
			w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to publish start notification")
		}
	}

	lines, err := w.cfg.Engine.RunStages(ctx, &job)
	if err != nil {
		return errors.Wrapf(err, "failed to start migration for job %s", job.ID)
	}
	for line := range lines {
		w.logger.Info().Str("job_id", job.ID).Msg(line)
	}

	if w.cfg.Notifier != nil {
		var notifyErr error
		if job.Status == models.StatusCompleted {
			notifyErr = w.cfg.Notifier.NotifyMigrationCompleted(ctx, job.ID, job.Name, len(job.AppIDMapping), len(job.SPIDMapping))
		} else {
			notifyErr = w.cfg.Notifier.NotifyMigrationFailed(ctx, job.ID, job.Name, string(job.Status))
		}
		if notifyErr != nil {
			w.logger.Warn().Err(notifyErr).Str("job_id", job.ID).Msg("failed to publish completion notification")
		}
	}

	w.logger.Info().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("migration job finished")
	return nil
}
