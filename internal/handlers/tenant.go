package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/tenantshift/tenantshift-api/internal/graph"
	"github.com/tenantshift/tenantshift-api/internal/models"
	"github.com/tenantshift/tenantshift-api/internal/repository"
)

type TenantHandler struct {
	tenantRepo repository.TenantRepository
	connector  *graph.Connector
	client     *graph.Client
	logger     zerolog.Logger
}

func NewTenantHandler(tenantRepo repository.TenantRepository, connector *graph.Connector, client *graph.Client, logger zerolog.Logger) *TenantHandler {
	return &TenantHandler{
		tenantRepo: tenantRepo,
		connector:  connector,
		client:     client,
		logger:     logger.With().Str("handler", "tenant").Logger(),
	}
}

func (h *TenantHandler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var tenant models.Tenant
	if err := json.NewDecoder(r.Body).Decode(&tenant); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}

	tenant.Name = strings.TrimSpace(tenant.Name)
	if tenant.Name == "" {
		http.Error(w, "Tenant name is required", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(tenant.Authority) == "" || strings.TrimSpace(tenant.ClientID) == "" || tenant.Secret == "" {
		http.Error(w, "Authority, client_id and secret are required", http.StatusBadRequest)
		return
	}
	tenant.Normalize()

	created, err := h.tenantRepo.Create(tenant)
	if err != nil {
		http.Error(w, "Failed to create tenant: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *TenantHandler) ListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.tenantRepo.List()
	if err != nil {
		http.Error(w, "Failed to list tenants: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tenants)
}

func (h *TenantHandler) GetTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]
	tenant, err := h.tenantRepo.GetByID(tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrTenantNotFound) {
			http.Error(w, "Tenant not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to load tenant: "+err.Error(), http.StatusInternalServerError)
		return
	}
	// never return the decrypted secret
	tenant.Secret = ""
	writeJSON(w, http.StatusOK, tenant)
}

func (h *TenantHandler) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]
	var tenant models.Tenant
	if err := json.NewDecoder(r.Body).Decode(&tenant); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	tenant.ID = tenantID
	tenant.Normalize()

	updated, err := h.tenantRepo.Update(tenant)
	if err != nil {
		if errors.Is(err, repository.ErrTenantNotFound) {
			http.Error(w, "Tenant not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to update tenant: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *TenantHandler) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]
	if err := h.tenantRepo.Delete(tenantID); err != nil {
		if errors.Is(err, repository.ErrTenantNotFound) {
			http.Error(w, "Tenant not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to delete tenant: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type searchResourcesRequest struct {
	Type models.AppsType `json:"type"`
	models.SearchParams
}

// SearchResources lists applications or service principals on the tenant's
// directory using the stored credentials.
func (h *TenantHandler) SearchResources(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]
	tenant, err := h.tenantRepo.GetByID(tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrTenantNotFound) {
			http.Error(w, "Tenant not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to load tenant: "+err.Error(), http.StatusInternalServerError)
		return
	}

	var req searchResourcesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		req.Type = models.AppsTypeApplications
	}
	if req.Type != models.AppsTypeApplications && req.Type != models.AppsTypeServicePrincipals {
		http.Error(w, "Invalid resource type", http.StatusBadRequest)
		return
	}

	params, err := graph.BuildQuery(req.SearchParams)
	if err != nil {
		http.Error(w, "Invalid search parameters: "+err.Error(), http.StatusBadRequest)
		return
	}

	tenant.Normalize()
	connected, err := h.connector.Connect(r.Context(), tenant)
	if err != nil {
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to acquire directory token")
		http.Error(w, "Failed to connect to tenant: "+err.Error(), http.StatusBadGateway)
		return
	}

	resources, err := h.client.List(r.Context(), connected.ResourceEndpoint(req.Type), connected.AccessToken, graph.ListOptions{
		Params:                 params,
		SkipWithoutCredentials: req.SkipWithoutCredentials,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to list resources")
		http.Error(w, "Failed to list resources: "+err.Error(), http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(resources),
		"resources": resources,
	})
}
