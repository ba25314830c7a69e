package workflows

import (
	"go.temporal.io/sdk/workflow"

	"github.com/tenantshift/tenantshift-api/internal/temporal"
	"github.com/tenantshift/tenantshift-api/internal/temporal/activities"
)

func MigrationWorkflow(ctx workflow.Context, params temporal.MigrationParams) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: temporal.DefaultActivityTimeout,
		HeartbeatTimeout:    temporal.DefaultHeartbeatTimeout,
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	logger := workflow.GetLogger(ctx)
	logger.Info("Starting migration workflow", "JobID", params.JobID)

	// The actual implementation is on the worker; this is just a proxy.
	var a *activities.Activities

	if err := workflow.ExecuteActivity(ctx, a.NotifyStartActivity, params).Get(ctx, nil); err != nil {
		logger.Warn("Failed to publish start notification.", "error", err)
	}

	var result temporal.MigrationResult
	runErr := workflow.ExecuteActivity(ctx, a.RunMigrationActivity, params).Get(ctx, &result)

	// Notify even when the run failed. The result carries the terminal status.
	if result.JobID != "" {
		notifyCtx, _ := workflow.NewDisconnectedContext(ctx)
		notifyCtx = workflow.WithActivityOptions(notifyCtx, ao)
		if err := workflow.ExecuteActivity(notifyCtx, a.NotifyCompletionActivity, result).Get(notifyCtx, nil); err != nil {
			logger.Error("Failed to publish completion notification.", "error", err)
		}
	}

	if runErr != nil {
		logger.Error("Migration workflow failed.", "JobID", params.JobID, "error", runErr)
		return runErr
	}

	logger.Info("Migration workflow completed successfully.", "JobID", params.JobID)
	return nil
}
