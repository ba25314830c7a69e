package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/tenantshift/tenantshift-api/internal/engine"
	"github.com/tenantshift/tenantshift-api/internal/graph"
	"github.com/tenantshift/tenantshift-api/internal/models"
	"github.com/tenantshift/tenantshift-api/internal/notification"
	"github.com/tenantshift/tenantshift-api/internal/repository"
)

type JobHandler struct {
	repo      repository.JobRepository
	engine    *engine.Engine
	connector *graph.Connector
	client    *graph.Client
	notifier  notification.Service
	logger    zerolog.Logger
}

func NewJobHandler(repo repository.JobRepository, eng *engine.Engine, connector *graph.Connector, client *graph.Client, notifier notification.Service, logger zerolog.Logger) *JobHandler {
	return &JobHandler{
		repo:      repo,
		engine:    eng,
		connector: connector,
		client:    client,
		notifier:  notifier,
		logger:    logger.With().Str("handler", "job").Logger(),
	}
}

type createJobRequest struct {
	Name                 string                   `json:"name"`
	AppsType             models.AppsType          `json:"apps_type"`
	SourceTenantID       models.TenantID          `json:"source_tenant_id"`
	DestinationTenantIDs []string                 `json:"destination_tenant_ids"`
	MigrationOptions     *models.MigrationOptions `json:"migration_options"`
	SearchParams         *models.SearchParams     `json:"search_params"`
}

func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var payload createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	if payload.Name == "" {
		http.Error(w, "Job name is required", http.StatusBadRequest)
		return
	}
	if payload.AppsType == "" {
		payload.AppsType = models.AppsTypeApplications
	}
	if payload.AppsType != models.AppsTypeApplications && payload.AppsType != models.AppsTypeServicePrincipals {
		http.Error(w, "Invalid apps type", http.StatusBadRequest)
		return
	}
	if payload.SourceTenantID.String() == "" {
		http.Error(w, "Source tenant is required", http.StatusBadRequest)
		return
	}
	if len(payload.DestinationTenantIDs) == 0 {
		http.Error(w, "At least one destination tenant is required", http.StatusBadRequest)
		return
	}

	job := models.NewMigrationJob(payload.Name, payload.AppsType)
	job.SourceTenantID = payload.SourceTenantID
	job.DestinationTenantIDs = payload.DestinationTenantIDs
	job.SearchParams = payload.SearchParams
	if payload.MigrationOptions != nil {
		job.MigrationOptions = *payload.MigrationOptions
	}

	created, err := h.repo.Create(job)
	if err != nil {
		http.Error(w, "Failed to create migration job: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 20
	offset := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil {
			limit = v
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if v, err := strconv.Atoi(o); err == nil {
			offset = v
		}
	}

	jobs, err := h.repo.List(limit, offset)
	if err != nil {
		http.Error(w, "Failed to list migration jobs: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *JobHandler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]
	if err := h.repo.Delete(jobID); err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			http.Error(w, "Migration job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to delete migration job: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CaptureResources snapshots the source tenant's directory into the job and
// moves it to pending approval. Only pending jobs can capture; the snapshot
// is immutable once the job is approved.
func (h *JobHandler) CaptureResources(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != models.StatusPending && job.Status != models.StatusPendingApproval {
		http.Error(w, fmt.Sprintf("Cannot capture resources in status %s", job.Status), http.StatusConflict)
		return
	}

	if err := h.repo.Hydrate(&job); err != nil {
		http.Error(w, "Failed to load job tenants: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if job.SourceTenant == nil {
		http.Error(w, "Source tenant not found", http.StatusConflict)
		return
	}

	var searchParams models.SearchParams
	if job.SearchParams != nil {
		searchParams = *job.SearchParams
	}
	params, err := graph.BuildQuery(searchParams)
	if err != nil {
		http.Error(w, "Invalid search parameters: "+err.Error(), http.StatusBadRequest)
		return
	}

	source, err := h.connector.Connect(r.Context(), *job.SourceTenant)
	if err != nil {
		http.Error(w, "Failed to connect to source tenant: "+err.Error(), http.StatusBadGateway)
		return
	}

	resources, err := h.client.List(r.Context(), source.ResourceEndpoint(job.AppsType), source.AccessToken, graph.ListOptions{
		Params:                 params,
		SkipWithoutCredentials: searchParams.SkipWithoutCredentials,
	})
	if err != nil {
		http.Error(w, "Failed to list source resources: "+err.Error(), http.StatusBadGateway)
		return
	}

	job.Apps = resources
	job.Status = models.StatusPendingApproval
	updated, err := h.repo.Update(job)
	if err != nil {
		http.Error(w, "Failed to update migration job: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// SubmitResources replaces the job's snapshot with an explicit resource list
// and moves it to pending approval.
func (h *JobHandler) SubmitResources(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != models.StatusPending && job.Status != models.StatusPendingApproval {
		http.Error(w, fmt.Sprintf("Cannot submit resources in status %s", job.Status), http.StatusConflict)
		return
	}

	var resources []json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&resources); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	if len(resources) == 0 {
		http.Error(w, "At least one resource is required", http.StatusBadRequest)
		return
	}

	job.Apps = resources
	job.Status = models.StatusPendingApproval
	updated, err := h.repo.Update(job)
	if err != nil {
		http.Error(w, "Failed to update migration job: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *JobHandler) ApproveJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]
	err := h.repo.UpdateStatus(jobID, []models.Status{models.StatusPendingApproval}, models.StatusApproved)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			http.Error(w, "Migration job not found or not pending approval", http.StatusConflict)
			return
		}
		http.Error(w, "Failed to approve migration job: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.StatusApproved)})
}

func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]
	from := []models.Status{
		models.StatusPending,
		models.StatusPendingApproval,
		models.StatusApproved,
		models.StatusInProgress,
	}
	err := h.repo.UpdateStatus(jobID, from, models.StatusCancelled)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			http.Error(w, "Migration job not found or already finished", http.StatusConflict)
			return
		}
		http.Error(w, "Failed to cancel migration job: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.StatusCancelled)})
}

// RunJob executes the stage pipeline and streams the execution transcript as
// plain text, one line per event.
func (h *JobHandler) RunJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	if err := h.repo.Hydrate(&job); err != nil {
		http.Error(w, "Failed to load job tenants: "+err.Error(), http.StatusInternalServerError)
		return
	}

	lines, err := h.engine.RunStages(r.Context(), &job)
	if err != nil {
		http.Error(w, "Failed to start migration: "+err.Error(), http.StatusConflict)
		return
	}

	if h.notifier != nil {
		if err := h.notifier.NotifyMigrationStarted(r.Context(), job.ID, job.Name); err != nil {
			h.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to publish start notification")
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	flusher, _ := w.(http.Flusher)

	for line := range lines {
		fmt.Fprintln(w, line)
		if flusher != nil {
			flusher.Flush()
		}
	}

	h.notifyFinished(r, &job)
}

func (h *JobHandler) notifyFinished(r *http.Request, job *models.MigrationJob) {
	if h.notifier == nil {
		return
	}
	ctx := r.Context()
	switch job.Status {
	case models.StatusCompleted:
		if err := h.notifier.NotifyMigrationCompleted(ctx, job.ID, job.Name, len(job.AppIDMapping), len(job.SPIDMapping)); err != nil {
			h.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to publish completion notification")
		}
	case models.StatusFailed, models.StatusCancelled:
		if err := h.notifier.NotifyMigrationFailed(ctx, job.ID, job.Name, string(job.Status)); err != nil {
			h.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to publish failure notification")
		}
	}
}

// DiffJob compares each source resource against what was created on each
// destination tenant and returns the differences.
func (h *JobHandler) DiffJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, engine.DiffJob(&job))
}

func (h *JobHandler) GetJobLog(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"log": job.Log})
}

func (h *JobHandler) loadJob(w http.ResponseWriter, r *http.Request) (models.MigrationJob, bool) {
	jobID := mux.Vars(r)["jobID"]
	job, err := h.repo.GetByID(jobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			http.Error(w, "Migration job not found", http.StatusNotFound)
			return models.MigrationJob{}, false
		}
		http.Error(w, "Failed to load migration job: "+err.Error(), http.StatusInternalServerError)
		return models.MigrationJob{}, false
	}
	return job, true
}
