package models

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending         Status = "PENDING"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusApproved        Status = "APPROVED"
	StatusInProgress      Status = "IN_PROGRESS"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
)

// Stage is one phase of the migration state machine. Stages only ever move
// forward, in the order listed here.
type Stage string

const (
	StagePending               Stage = "pending"
	StageApps                  Stage = "apps"
	StagePostApps              Stage = "post_apps"
	StageSPsFromApps           Stage = "service_principals_from_apps"
	StageServicePrincipals     Stage = "service_principals"
	StagePostServicePrincipals Stage = "post_service_principals"
	StageCompleted             Stage = "completed"
)

type AppsType string

const (
	AppsTypeApplications      AppsType = "applications"
	AppsTypeServicePrincipals AppsType = "servicePrincipals"
)

// ReferenceAttribute values accepted by MigrationOptions.
const (
	RefAttrAppID       = "appId"
	RefAttrDisplayName = "displayName"
)

type MigrationOptions struct {
	SkipExpiredCredentials   bool   `json:"skip_expired_credentials"`
	NewAppSuffix             string `json:"new_app_suffix"`
	NameTemplate             string `json:"name_template"`
	UseUpsert                bool   `json:"use_upsert"`
	MigrateServicePrincipals bool   `json:"migrate_service_principals"`
	ReferenceAttribute       string `json:"reference_attribute"`
}

// DefaultMigrationOptions mirrors the defaults offered by the job editor.
func DefaultMigrationOptions() MigrationOptions {
	return MigrationOptions{
		SkipExpiredCredentials:   true,
		MigrateServicePrincipals: true,
		ReferenceAttribute:       RefAttrAppID,
	}
}

// MappingEntry records one migrated resource on one destination tenant.
// Data is the full payload of the destination resource as last observed.
type MappingEntry struct {
	AppID string          `json:"appId"`
	Data  json.RawMessage `json:"data"`
}

// FailureEntry records one failed migration attempt. Failures are never
// retried automatically; re-running the stage skips everything already in the
// mapping table and retries the rest.
type FailureEntry struct {
	Request  json.RawMessage `json:"request,omitempty"`
	Response string          `json:"response"`
	Status   int             `json:"status"`
}

// IDMapping is the idempotency ledger:
// source reference -> destination tenant client id -> migrated resource.
type IDMapping map[string]map[string]MappingEntry

// Get returns the entry for (sourceRef, destClientID), if any.
func (m IDMapping) Get(sourceRef, destClientID string) (MappingEntry, bool) {
	entry, ok := m[sourceRef][destClientID]
	return entry, ok
}

// Put inserts or refreshes the entry for (sourceRef, destClientID).
func (m IDMapping) Put(sourceRef, destClientID string, entry MappingEntry) {
	if m[sourceRef] == nil {
		m[sourceRef] = map[string]MappingEntry{}
	}
	m[sourceRef][destClientID] = entry
}

// FailureMapping is keyed the same way as IDMapping.
type FailureMapping map[string]map[string]FailureEntry

func (m FailureMapping) Put(sourceRef, destClientID string, entry FailureEntry) {
	if m[sourceRef] == nil {
		m[sourceRef] = map[string]FailureEntry{}
	}
	m[sourceRef][destClientID] = entry
}

// MigrationJob is the persisted job document. Apps and ServicePrincipals are
// immutable snapshots captured from the source tenant; the mapping and
// failure tables, the log, status and stage are the mutable pipeline state.
type MigrationJob struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Status   Status   `json:"status"`
	Stage    Stage    `json:"stage"`
	AppsType AppsType `json:"apps_type"`

	Apps              []json.RawMessage `json:"apps"`
	ServicePrincipals []json.RawMessage `json:"service_principals"`

	SourceTenantID       TenantID `json:"source_tenant_id"`
	DestinationTenantIDs []string `json:"destination_tenant_ids"`

	// Hydrated from the tenant store on load; never serialized into the
	// job document so credentials stay out of it.
	SourceTenant       *Tenant  `json:"-"`
	DestinationTenants []Tenant `json:"-"`

	MigrationOptions MigrationOptions `json:"migration_options"`
	SearchParams     *SearchParams    `json:"search_params,omitempty"`

	AppIDMapping IDMapping      `json:"app_id_mapping"`
	SPIDMapping  IDMapping      `json:"sp_id_mapping"`
	AppsFailed   FailureMapping `json:"apps_failed"`
	SPFailed     FailureMapping `json:"sp_failed"`

	Log []string `json:"log"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewMigrationJob returns a job in its initial state with empty tables.
func NewMigrationJob(name string, appsType AppsType) MigrationJob {
	return MigrationJob{
		Name:             name,
		Status:           StatusPending,
		Stage:            StagePending,
		AppsType:         appsType,
		MigrationOptions: DefaultMigrationOptions(),
		AppIDMapping:     IDMapping{},
		SPIDMapping:      IDMapping{},
		AppsFailed:       FailureMapping{},
		SPFailed:         FailureMapping{},
	}
}

// EnsureTables initializes nil maps after deserialization.
func (j *MigrationJob) EnsureTables() {
	if j.AppIDMapping == nil {
		j.AppIDMapping = IDMapping{}
	}
	if j.SPIDMapping == nil {
		j.SPIDMapping = IDMapping{}
	}
	if j.AppsFailed == nil {
		j.AppsFailed = FailureMapping{}
	}
	if j.SPFailed == nil {
		j.SPFailed = FailureMapping{}
	}
}

// Mapping returns the id mapping table for a resource kind.
func (j *MigrationJob) Mapping(kind AppsType) IDMapping {
	if kind == AppsTypeServicePrincipals {
		return j.SPIDMapping
	}
	return j.AppIDMapping
}

// Failed returns the failure table for a resource kind.
func (j *MigrationJob) Failed(kind AppsType) FailureMapping {
	if kind == AppsTypeServicePrincipals {
		return j.SPFailed
	}
	return j.AppsFailed
}

// Resources returns the stage input snapshot for a resource kind.
func (j *MigrationJob) Resources(kind AppsType) []json.RawMessage {
	if kind == AppsTypeServicePrincipals {
		return j.ServicePrincipals
	}
	return j.Apps
}

// AppendLog appends a timestamped line to the execution transcript and
// returns the formatted line.
func (j *MigrationJob) AppendLog(msg string) string {
	line := time.Now().UTC().Format("2006-01-02 15:04:05") + " | " + msg
	j.Log = append(j.Log, line)
	return line
}

// Runnable reports whether the job may enter the stage pipeline. Approved
// jobs start a run; in-progress, failed and cancelled jobs resume one.
func (j *MigrationJob) Runnable() bool {
	switch j.Status {
	case StatusApproved, StatusInProgress, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
