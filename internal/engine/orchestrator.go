package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/tenantshift/tenantshift-api/internal/graph"
	"github.com/tenantshift/tenantshift-api/internal/models"
)

// JobStore persists job checkpoints between stages.
type JobStore interface {
	SaveState(ctx context.Context, job *models.MigrationJob) error
}

// TenantConnector acquires an access token for a tenant.
type TenantConnector interface {
	Connect(ctx context.Context, tenant models.Tenant) (models.Tenant, error)
}

// StageNotifier receives an event after each pipeline stage finishes.
type StageNotifier interface {
	NotifyStageCompleted(ctx context.Context, jobID, jobName string, stage models.Stage) error
}

var stageOrder = []models.Stage{
	models.StagePending,
	models.StageApps,
	models.StagePostApps,
	models.StageSPsFromApps,
	models.StageServicePrincipals,
	models.StagePostServicePrincipals,
	models.StageCompleted,
}

func nextStage(s models.Stage) models.Stage {
	for i, stage := range stageOrder {
		if stage == s && i < len(stageOrder)-1 {
			return stageOrder[i+1]
		}
	}
	return models.StageCompleted
}

// Engine drives a job through the stage pipeline. Destination tenants are
// processed sequentially so mapping-table writes stay race free, and the job
// document is checkpointed after every stage attempt.
type Engine struct {
	store     JobStore
	connector TenantConnector
	client    *graph.Client
	migrator  *Migrator
	postproc  *PostProcessor
	notifier  StageNotifier
	logger    zerolog.Logger
}

func NewEngine(store JobStore, connector TenantConnector, client *graph.Client, logger zerolog.Logger, pause time.Duration) *Engine {
	return &Engine{
		store:     store,
		connector: connector,
		client:    client,
		migrator:  NewMigrator(client, logger, pause),
		postproc:  NewPostProcessor(client, logger, pause),
		logger:    logger.With().Str("component", "engine").Logger(),
	}
}

// SetStageNotifier installs the sink for stage completion events. Leaving it
// unset disables them.
func (e *Engine) SetStageNotifier(n StageNotifier) {
	e.notifier = n
}

// RunStages validates the job and starts the pipeline. The returned channel
// streams timestamped log lines, already appended to the job transcript, and
// is closed when the run ends. Only one runner per job id may be active.
func (e *Engine) RunStages(ctx context.Context, job *models.MigrationJob) (<-chan string, error) {
	if !job.Runnable() {
		return nil, errors.Errorf("migration job is not runnable in status %s", job.Status)
	}
	if len(job.DestinationTenants) == 0 {
		return nil, errors.New("no destination tenants set")
	}
	if len(job.Apps) == 0 {
		return nil, errors.New("no apps to migrate")
	}
	job.EnsureTables()

	ch := make(chan string, 64)
	go e.run(ctx, job, ch)
	return ch, nil
}

func (e *Engine) run(ctx context.Context, job *models.MigrationJob, ch chan<- string) {
	defer close(ch)

	emit := func(msg string) {
		line := job.AppendLog(msg)
		select {
		case ch <- line:
		case <-ctx.Done():
		}
	}

	job.Status = models.StatusInProgress
	emit(fmt.Sprintf("Processing migration job: %s", job.Name))

	for job.Stage != models.StageCompleted {
		advanced, err := e.runStage(ctx, job, emit)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				job.Status = models.StatusCancelled
				emit("Migration cancelled")
			} else {
				job.Status = models.StatusFailed
				emit(fmt.Sprintf("❌ Migration failed: %v", err))
			}
			e.persist(context.WithoutCancel(ctx), job, emit)
			return
		}
		if !advanced {
			job.Status = models.StatusFailed
			emit("❌ Migration failed for some apps")
			e.persist(ctx, job, emit)
			return
		}
		completed := job.Stage
		job.Stage = nextStage(job.Stage)
		e.persist(ctx, job, emit)
		if completed != models.StagePending {
			e.notifyStage(ctx, job, completed)
		}
	}

	job.Status = models.StatusCompleted
	emit("✅ Migration completed successfully")
	e.persist(ctx, job, emit)
}

func (e *Engine) runStage(ctx context.Context, job *models.MigrationJob, emit func(string)) (bool, error) {
	switch job.Stage {
	case models.StagePending:
		return true, nil
	case models.StageApps:
		return e.migrateStage(ctx, job, job.AppsType, job.Apps, emit)
	case models.StagePostApps:
		return e.postStage(ctx, job, job.AppsType, job.Apps, emit)
	case models.StageSPsFromApps:
		return e.collectServicePrincipals(ctx, job, emit)
	case models.StageServicePrincipals:
		if skipServicePrincipals(job) || len(job.ServicePrincipals) == 0 {
			return true, nil
		}
		return e.migrateStage(ctx, job, models.AppsTypeServicePrincipals, job.ServicePrincipals, emit)
	case models.StagePostServicePrincipals:
		if skipServicePrincipals(job) || len(job.ServicePrincipals) == 0 {
			return true, nil
		}
		return e.postStage(ctx, job, models.AppsTypeServicePrincipals, job.ServicePrincipals, emit)
	default:
		return false, errors.Errorf("unknown migration stage %q", job.Stage)
	}
}

// skipServicePrincipals reports whether the derived service principal stages
// do not apply to this job.
func skipServicePrincipals(job *models.MigrationJob) bool {
	return job.AppsType != models.AppsTypeApplications || !job.MigrationOptions.MigrateServicePrincipals
}

func (e *Engine) migrateStage(ctx context.Context, job *models.MigrationJob, kind models.AppsType, resources []json.RawMessage, emit func(string)) (bool, error) {
	failures, connectFailures := 0, 0
	for _, dest := range job.DestinationTenants {
		connected, err := e.connector.Connect(ctx, dest)
		if err != nil {
			emit(fmt.Sprintf("❌ Failed to connect to destination tenant: %s", dest.Name))
			connectFailures++
			continue
		}

		emit(fmt.Sprintf("Migrating '%d' '%s' to '%s'", len(resources), kind, connected.Name))
		n, err := e.migrator.Migrate(ctx, job, kind, resources, connected, emit)
		if err != nil {
			return false, err
		}
		failures += n

		if n == 0 {
			emit(fmt.Sprintf("Migration %s completed successfully.", connected.Name))
		} else {
			emit(fmt.Sprintf("Migration %s did not complete successfully.", connected.Name))
		}
	}
	return failures == 0 && connectFailures == 0, nil
}

func (e *Engine) postStage(ctx context.Context, job *models.MigrationJob, kind models.AppsType, resources []json.RawMessage, emit func(string)) (bool, error) {
	connectFailures := 0
	for _, dest := range job.DestinationTenants {
		connected, err := e.connector.Connect(ctx, dest)
		if err != nil {
			emit(fmt.Sprintf("❌ Failed to connect to destination tenant: %s", dest.Name))
			connectFailures++
			continue
		}

		emit(fmt.Sprintf("Post processing '%s' on '%s'", kind, connected.Name))
		if err := e.postproc.Process(ctx, job, kind, resources, connected, emit); err != nil {
			return false, err
		}
	}
	return connectFailures == 0, nil
}

// collectServicePrincipals snapshots the source tenant's service principals
// belonging to already-migrated applications.
func (e *Engine) collectServicePrincipals(ctx context.Context, job *models.MigrationJob, emit func(string)) (bool, error) {
	if skipServicePrincipals(job) {
		return true, nil
	}
	if job.SourceTenant == nil {
		return false, errors.New("source tenant is not set")
	}

	var appIDs []string
	for _, raw := range job.Apps {
		res, err := models.ParseResource(raw)
		if err != nil {
			continue
		}
		if len(job.AppIDMapping[res.Reference(job.MigrationOptions.ReferenceAttribute)]) > 0 {
			appIDs = append(appIDs, "'"+res.AppID+"'")
		}
	}
	if len(appIDs) == 0 {
		emit("No migrated applications found, skipping service principal collection")
		return true, nil
	}

	source, err := e.connector.Connect(ctx, *job.SourceTenant)
	if err != nil {
		emit(fmt.Sprintf("❌ Failed to connect to source tenant: %s", job.SourceTenant.Name))
		return false, nil
	}

	params := url.Values{}
	params.Set("$filter", "appId in ("+strings.Join(appIDs, ",")+")")
	items, err := e.client.List(ctx, source.ResourceEndpoint(models.AppsTypeServicePrincipals), source.AccessToken, graph.ListOptions{Params: params})
	if err != nil {
		emit(fmt.Sprintf("❌ Failed to collect service principals: %v", err))
		return false, nil
	}

	job.ServicePrincipals = items
	emit(fmt.Sprintf("Collected '%d' service principals from source tenant", len(items)))
	return true, nil
}

func (e *Engine) notifyStage(ctx context.Context, job *models.MigrationJob, stage models.Stage) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.NotifyStageCompleted(ctx, job.ID, job.Name, stage); err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to publish stage notification")
	}
}

func (e *Engine) persist(ctx context.Context, job *models.MigrationJob, emit func(string)) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveState(ctx, job); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist job state")
		emit(fmt.Sprintf("Failed to persist job state: %v", err))
	}
}
