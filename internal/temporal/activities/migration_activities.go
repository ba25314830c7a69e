package activities

import (
	"context"

	"go.temporal.io/sdk/activity"

	"github.com/pkg/errors"
	"github.com/tenantshift/tenantshift-api/internal/engine"
	"github.com/tenantshift/tenantshift-api/internal/models"
	"github.com/tenantshift/tenantshift-api/internal/notification"
	"github.com/tenantshift/tenantshift-api/internal/repository"
	"github.com/tenantshift/tenantshift-api/internal/temporal"
)

type Activities struct {
	JobRepo  repository.JobRepository
	Engine   *engine.Engine
	Notifier notification.Service
}

// RunMigrationActivity executes the full stage pipeline for a job. The engine
// checkpoints after every stage, so a retried activity resumes where the
// previous attempt stopped.
func (a *Activities) RunMigrationActivity(ctx context.Context, params temporal.MigrationParams) (*temporal.MigrationResult, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Running migration job", "jobID", params.JobID)

	job, err := a.JobRepo.GetByID(params.JobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load migration job")
	}
	if err := a.JobRepo.Hydrate(&job); err != nil {
		return nil, errors.Wrap(err, "failed to load job tenants")
	}

	lines, err := a.Engine.RunStages(ctx, &job)
	if err != nil {
		return nil, errors.Wrap(err, "failed to start migration")
	}

	for line := range lines {
		activity.RecordHeartbeat(ctx, line)
	}

	result := &temporal.MigrationResult{
		JobID:                     job.ID,
		JobName:                   job.Name,
		Status:                    string(job.Status),
		AppsMigrated:              len(job.AppIDMapping),
		ServicePrincipalsMigrated: len(job.SPIDMapping),
	}
	if job.Status != models.StatusCompleted {
		return result, errors.Errorf("migration finished in status %s", job.Status)
	}
	return result, nil
}

// NotifyCompletionActivity publishes the terminal notification for a run.
func (a *Activities) NotifyCompletionActivity(ctx context.Context, result temporal.MigrationResult) error {
	if a.Notifier == nil {
		return nil
	}
	logger := activity.GetLogger(ctx)

	var err error
	if result.Status == string(models.StatusCompleted) {
		err = a.Notifier.NotifyMigrationCompleted(ctx, result.JobID, result.JobName, result.AppsMigrated, result.ServicePrincipalsMigrated)
	} else {
		err = a.Notifier.NotifyMigrationFailed(ctx, result.JobID, result.JobName, result.Status)
	}
	if err != nil {
		logger.Error("Failed to publish migration notification", "error", err)
	}
	return err
}

// NotifyStartActivity publishes the start notification for a run.
func (a *Activities) NotifyStartActivity(ctx context.Context, params temporal.MigrationParams) error {
	if a.Notifier == nil {
		return nil
	}
	job, err := a.JobRepo.GetByID(params.JobID)
	if err != nil {
		return errors.Wrap(err, "failed to load migration job")
	}
	return a.Notifier.NotifyMigrationStarted(ctx, job.ID, job.Name)
}
