package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/tenantshift/tenantshift-api/internal/graph"
	"github.com/tenantshift/tenantshift-api/internal/models"
	"github.com/tidwall/gjson"
)

// Fields the API rejects or reassigns at creation time.
var createStripKeys = []string{
	"id",
	"createdDateTime",
	"deletedDateTime",
	"applicationTemplateId",
	"publisherDomain",
	"uniqueName",
}

// Migrator replays captured resources onto a destination tenant, one at a
// time, recording every outcome in the job's mapping or failure table.
type Migrator struct {
	client *graph.Client
	logger zerolog.Logger
	pause  time.Duration
}

func NewMigrator(client *graph.Client, logger zerolog.Logger, pause time.Duration) *Migrator {
	return &Migrator{
		client: client,
		logger: logger.With().Str("component", "migrator").Logger(),
		pause:  pause,
	}
}

// Migrate runs the create pass for one resource kind against one connected
// destination tenant. It returns the number of failures recorded in this
// pass; item-level problems never abort the loop.
func (m *Migrator) Migrate(ctx context.Context, job *models.MigrationJob, kind models.AppsType, resources []json.RawMessage, dest models.Tenant, emit func(string)) (int, error) {
	mapping := job.Mapping(kind)
	failed := job.Failed(kind)
	opts := job.MigrationOptions
	endpoint := dest.ResourceEndpoint(kind)

	failures := 0
	for _, raw := range resources {
		select {
		case <-ctx.Done():
			return failures, ctx.Err()
		default:
		}

		res, err := models.ParseResource(raw)
		if err != nil {
			name := gjson.GetBytes(raw, "displayName").String()
			if name == "" {
				name = "?"
			}
			emit(fmt.Sprintf("❌ Failed to parse app data for %s: %v", name, err))
			continue
		}

		ref := res.Reference(opts.ReferenceAttribute)
		if _, ok := mapping.Get(ref, dest.ClientID); ok {
			emit(fmt.Sprintf("App '%s' already migrated to %s", res.DisplayName, dest.Name))
			continue
		}

		emit(fmt.Sprintf("Migrating app '%s' to %s", res.DisplayName, dest.Name))

		payload, skip, err := m.buildPayload(job, kind, res, dest)
		if err != nil {
			emit(fmt.Sprintf("❌ Failed to prepare app '%s' for %s: %v", res.DisplayName, dest.Name, err))
			failed.Put(ref, dest.ClientID, models.FailureEntry{Response: err.Error(), Status: http.StatusInternalServerError})
			failures++
			continue
		}
		if skip != "" {
			emit(skip)
			continue
		}

		if opts.UseUpsert {
			// By-key addressing keeps the source appId on the destination.
			status, body, reqErr := m.client.Request(ctx, http.MethodPatch, endpoint+upsertAddress(res.AppID), dest.AccessToken, nil, payload)
			if reqErr == nil && status == http.StatusNoContent {
				emit(fmt.Sprintf("✅ App '%s' updated successfully in %s", res.DisplayName, dest.Name))
				mapping.Put(ref, dest.ClientID, models.MappingEntry{AppID: res.AppID, Data: payload})
			} else {
				emit(fmt.Sprintf("❌ Failed to migrate app '%s' to %s: RESPONSE CODE %d %s", res.DisplayName, dest.Name, status, string(body)))
				failed.Put(ref, dest.ClientID, models.FailureEntry{Request: payload, Response: string(body), Status: status})
				failures++
			}
		} else {
			status, body, reqErr := m.client.Request(ctx, http.MethodPost, endpoint, dest.AccessToken, nil, payload)
			newAppID := gjson.GetBytes(body, "appId").String()
			if reqErr == nil && (status == http.StatusCreated || status == http.StatusOK) && newAppID != "" {
				emit(fmt.Sprintf("✅ App '%s' migrated successfully to %s", res.DisplayName, dest.Name))
				mapping.Put(ref, dest.ClientID, models.MappingEntry{AppID: newAppID, Data: body})
			} else {
				emit(fmt.Sprintf("❌ Failed to migrate app '%s' to %s: RESPONSE CODE %d %s", res.DisplayName, dest.Name, status, string(body)))
				failed.Put(ref, dest.ClientID, models.FailureEntry{Request: payload, Response: string(body), Status: status})
				failures++
			}
		}

		time.Sleep(m.pause)
	}

	return failures, nil
}

func upsertAddress(appID string) string {
	return fmt.Sprintf("(appId='%s')", appID)
}

// buildPayload sanitizes the captured resource into a create/update body.
// A non-empty skip message means the item must be skipped without being
// recorded as a failure.
func (m *Migrator) buildPayload(job *models.MigrationJob, kind models.AppsType, res *models.Resource, dest models.Tenant) (payload []byte, skip string, err error) {
	var body map[string]any
	if err := json.Unmarshal(res.Raw, &body); err != nil {
		return nil, "", errors.Wrap(err, "failed to decode resource payload")
	}

	for _, key := range createStripKeys {
		delete(body, key)
	}
	for key := range body {
		if strings.HasPrefix(key, "@odata") {
			delete(body, key)
		}
	}
	// Secrets cannot be set at creation time; they are re-issued afterwards.
	delete(body, "passwordCredentials")
	delete(body, "keyCredentials")

	switch {
	case kind == models.AppsTypeServicePrincipals && job.AppsType == models.AppsTypeApplications:
		// Principals derived from migrated applications carry the new
		// application id. Names are recreated after the principal exists.
		delete(body, "servicePrincipalNames")
		entry, ok := job.AppIDMapping.Get(res.Reference(job.MigrationOptions.ReferenceAttribute), dest.ClientID)
		if !ok {
			return nil, fmt.Sprintf("Application for service principal '%s' not migrated to %s, skipping", res.DisplayName, dest.Name), nil
		}
		body = ReplaceID(body, res.AppID, entry.AppID).(map[string]any)
	case kind == models.AppsTypeServicePrincipals:
		delete(body, "servicePrincipalNames")
		delete(body, "appId")
	default:
		// Hostnames must be verified on the destination tenant; URIs are
		// re-attached during post-processing.
		delete(body, "identifierUris")
		delete(body, "appId")
	}

	if name, ok := body["displayName"].(string); ok {
		body["displayName"] = applyNaming(name, job.MigrationOptions)
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to encode resource payload")
	}
	return encoded, "", nil
}

func applyNaming(name string, opts models.MigrationOptions) string {
	if opts.NameTemplate != "" {
		name = strings.ReplaceAll(opts.NameTemplate, "{displayName}", name)
	}
	if opts.NewAppSuffix != "" {
		name = name + " " + opts.NewAppSuffix
	}
	return name
}
