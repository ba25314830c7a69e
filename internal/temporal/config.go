package temporal

import "time"

// TaskQueueName is the name of the Temporal task queue used for tenant migration workflows.
const TaskQueueName = "TENANTSHIFT_MIGRATION"

// MigrationWorkflowIDPrefix is the prefix used for tenant migration workflow IDs.
// The job id is appended, so one job can only ever have a single running workflow.
const MigrationWorkflowIDPrefix = "tenantshift-migration-"

// DefaultActivityTimeout bounds a single migration run. Directory migrations
// are throttled by the request pause, so large jobs take a while.
const DefaultActivityTimeout = 4 * time.Hour

// DefaultHeartbeatTimeout is how often the migration activity must report progress.
const DefaultHeartbeatTimeout = time.Minute

// MigrationParams defines the input for tenant migration workflows.
type MigrationParams struct {
	JobID string
}

// MigrationResult holds the outcome of the migration activity. This data is
// passed to the notification activity in the workflow.
type MigrationResult struct {
	JobID                     string
	JobName                   string
	Status                    string
	AppsMigrated              int
	ServicePrincipalsMigrated int
}
