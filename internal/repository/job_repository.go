package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/tenantshift/tenantshift-api/internal/models"
)

var ErrJobNotFound = errors.New("migration job not found")

type JobRepository interface {
	Create(job models.MigrationJob) (models.MigrationJob, error)
	GetByID(id string) (models.MigrationJob, error)
	List(limit, offset int) ([]models.MigrationJob, error)
	Update(job models.MigrationJob) (models.MigrationJob, error)
	UpdateStatus(id string, from []models.Status, to models.Status) error
	Delete(id string) error

	// SaveState checkpoints the mutable pipeline state without touching the
	// captured snapshot or the job's configuration.
	SaveState(ctx context.Context, job *models.MigrationJob) error

	// ClaimNextApproved picks the oldest approved job and marks it in
	// progress, so only one worker ever runs it.
	ClaimNextApproved(ctx context.Context) (models.MigrationJob, bool, error)

	// Hydrate loads the job's source and destination tenants with secrets.
	Hydrate(job *models.MigrationJob) error
}

type jobRepository struct {
	db      *sql.DB
	tenants TenantRepository
}

func NewJobRepository(db *sql.DB, tenants TenantRepository) JobRepository {
	return &jobRepository{db: db, tenants: tenants}
}

func (r *jobRepository) Create(job models.MigrationJob) (models.MigrationJob, error) {
	job.ID = uuid.NewString()
	job.EnsureTables()

	doc, err := json.Marshal(job)
	if err != nil {
		return job, fmt.Errorf("failed to encode job document: %w", err)
	}

	const query = `
		INSERT INTO tenant.migration_jobs (id, name, status, stage, doc)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at;
	`
	err = r.db.QueryRow(query, job.ID, job.Name, job.Status, job.Stage, doc).
		Scan(&job.CreatedAt, &job.UpdatedAt)
	return job, err
}

func (r *jobRepository) GetByID(id string) (models.MigrationJob, error) {
	const query = `
		SELECT id, name, status, stage, doc, created_at, updated_at
		FROM tenant.migration_jobs
		WHERE id = $1;
	`
	return r.scanJob(r.db.QueryRow(query, id))
}

func (r *jobRepository) scanJob(row *sql.Row) (models.MigrationJob, error) {
	var job models.MigrationJob
	var doc []byte
	var id, name string
	var status models.Status
	var stage models.Stage
	err := row.Scan(&id, &name, &status, &stage, &doc, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return job, ErrJobNotFound
		}
		return job, err
	}
	createdAt, updatedAt := job.CreatedAt, job.UpdatedAt
	if err := json.Unmarshal(doc, &job); err != nil {
		return job, fmt.Errorf("failed to decode job document: %w", err)
	}
	// The columns are authoritative over the document copy.
	job.ID, job.Name, job.Status, job.Stage = id, name, status, stage
	job.CreatedAt, job.UpdatedAt = createdAt, updatedAt
	job.EnsureTables()
	return job, nil
}

func (r *jobRepository) List(limit, offset int) ([]models.MigrationJob, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT id, name, status, stage, doc, created_at, updated_at
		FROM tenant.migration_jobs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2;
	`
	rows, err := r.db.Query(query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.MigrationJob
	for rows.Next() {
		var job models.MigrationJob
		var doc []byte
		var id, name string
		var status models.Status
		var stage models.Stage
		if err := rows.Scan(&id, &name, &status, &stage, &doc, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, err
		}
		createdAt, updatedAt := job.CreatedAt, job.UpdatedAt
		if err := json.Unmarshal(doc, &job); err != nil {
			return nil, fmt.Errorf("failed to decode job document %s: %w", id, err)
		}
		job.ID, job.Name, job.Status, job.Stage = id, name, status, stage
		job.CreatedAt, job.UpdatedAt = createdAt, updatedAt
		job.EnsureTables()
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *jobRepository) Update(job models.MigrationJob) (models.MigrationJob, error) {
	doc, err := json.Marshal(job)
	if err != nil {
		return job, fmt.Errorf("failed to encode job document: %w", err)
	}

	const query = `
		UPDATE tenant.migration_jobs
		SET name = $2, status = $3, stage = $4, doc = $5, updated_at = now()
		WHERE id = $1
		RETURNING created_at, updated_at;
	`
	err = r.db.QueryRow(query, job.ID, job.Name, job.Status, job.Stage, doc).
		Scan(&job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return job, ErrJobNotFound
	}
	return job, err
}

// UpdateStatus moves a job between statuses, guarded by the set of statuses
// the transition is valid from.
func (r *jobRepository) UpdateStatus(id string, from []models.Status, to models.Status) error {
	const query = `
		UPDATE tenant.migration_jobs
		SET status = $2, doc = doc || jsonb_build_object('status', $2::text), updated_at = now()
		WHERE id = $1 AND status = ANY($3);
	`
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	res, err := r.db.Exec(query, id, to, pq.Array(states))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %s cannot transition to %s: %w", id, to, ErrJobNotFound)
	}
	return nil
}

func (r *jobRepository) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM tenant.migration_jobs WHERE id = $1;`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *jobRepository) SaveState(ctx context.Context, job *models.MigrationJob) error {
	partial, err := json.Marshal(map[string]any{
		"status":             job.Status,
		"stage":              job.Stage,
		"service_principals": job.ServicePrincipals,
		"app_id_mapping":     job.AppIDMapping,
		"sp_id_mapping":      job.SPIDMapping,
		"apps_failed":        job.AppsFailed,
		"sp_failed":          job.SPFailed,
		"log":                job.Log,
	})
	if err != nil {
		return fmt.Errorf("failed to encode job checkpoint: %w", err)
	}

	const query = `
		UPDATE tenant.migration_jobs
		SET status = $2, stage = $3, doc = doc || $4, updated_at = now()
		WHERE id = $1;
	`
	res, err := r.db.ExecContext(ctx, query, job.ID, job.Status, job.Stage, partial)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *jobRepository) ClaimNextApproved(ctx context.Context) (models.MigrationJob, bool, error) {
	var job models.MigrationJob

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return job, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	const pick = `
		SELECT id
		FROM tenant.migration_jobs
		WHERE status = 'APPROVED'
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1;
	`
	if err := tx.QueryRowContext(ctx, pick).Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return job, false, nil
		}
		return job, false, fmt.Errorf("failed to pick next approved job: %w", err)
	}

	const claim = `
		UPDATE tenant.migration_jobs
		SET status = 'IN_PROGRESS', doc = doc || '{"status":"IN_PROGRESS"}', updated_at = now()
		WHERE id = $1;
	`
	if _, err := tx.ExecContext(ctx, claim, id); err != nil {
		return job, false, fmt.Errorf("failed to claim job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return job, false, fmt.Errorf("failed to commit claim: %w", err)
	}

	job, err = r.GetByID(id)
	if err != nil {
		return job, false, err
	}
	return job, true, nil
}

func (r *jobRepository) Hydrate(job *models.MigrationJob) error {
	if job.SourceTenantID != "" {
		source, err := r.tenants.GetByID(job.SourceTenantID.String())
		if err != nil {
			return fmt.Errorf("failed to load source tenant: %w", err)
		}
		job.SourceTenant = &source
	}

	job.DestinationTenants = job.DestinationTenants[:0]
	for _, id := range job.DestinationTenantIDs {
		dest, err := r.tenants.GetByID(id)
		if err != nil {
			return fmt.Errorf("failed to load destination tenant %s: %w", id, err)
		}
		job.DestinationTenants = append(job.DestinationTenants, dest)
	}
	return nil
}
