package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tenantshift/tenantshift-api/internal/graph"
	"github.com/tenantshift/tenantshift-api/internal/models"
	"github.com/tidwall/gjson"
)

func newTestMigrator() *Migrator {
	return NewMigrator(graph.NewClient(zerolog.Nop(), 5*time.Second, 0), zerolog.Nop(), 0)
}

func destTenant(baseURL string) models.Tenant {
	return models.Tenant{ID: "dst", Name: "Destination", ClientID: "client-dst", Endpoint: baseURL + "/v1.0", AccessToken: "tok"}
}

func rawApp(fields map[string]any) json.RawMessage {
	raw, _ := json.Marshal(fields)
	return raw
}

func TestMigrate_UpsertAddressesByKey(t *testing.T) {
	var method, path string
	var sent []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		sent, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	job := models.NewMigrationJob("upsert", models.AppsTypeApplications)
	job.MigrationOptions.UseUpsert = true
	resources := []json.RawMessage{rawApp(map[string]any{
		"id":          "obj-1",
		"appId":       "app-1",
		"displayName": "Demo",
	})}

	failures, err := newTestMigrator().Migrate(context.Background(), &job, models.AppsTypeApplications, resources, destTenant(srv.URL), func(string) {})
	require.NoError(t, err)
	assert.Zero(t, failures)

	assert.Equal(t, http.MethodPatch, method)
	// Addressed by the source appId, not a freshly assigned id.
	assert.Equal(t, "/v1.0/applications(appId='app-1')", path)

	entry, ok := job.AppIDMapping.Get("app-1", "client-dst")
	require.True(t, ok)
	assert.Equal(t, "app-1", entry.AppID)
	assert.JSONEq(t, string(sent), string(entry.Data))
}

func TestMigrate_SanitizesCreatePayload(t *testing.T) {
	var sent map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&sent)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"new-obj","appId":"new-app"}`))
	}))
	defer srv.Close()

	job := models.NewMigrationJob("sanitize", models.AppsTypeApplications)
	resources := []json.RawMessage{rawApp(map[string]any{
		"id":                    "obj-1",
		"appId":                 "app-1",
		"displayName":           "Demo",
		"createdDateTime":       "2024-01-01T00:00:00Z",
		"deletedDateTime":       nil,
		"applicationTemplateId": "tmpl",
		"publisherDomain":       "contoso.com",
		"uniqueName":            "demo",
		"@odata.context":        "ctx",
		"identifierUris":        []string{"api://app-1"},
		"passwordCredentials":   []map[string]any{{"displayName": "Main"}},
		"keyCredentials":        []map[string]any{{"displayName": "Cert"}},
		"signInAudience":        "AzureADMyOrg",
	})}

	_, err := newTestMigrator().Migrate(context.Background(), &job, models.AppsTypeApplications, resources, destTenant(srv.URL), func(string) {})
	require.NoError(t, err)

	for _, stripped := range []string{
		"id", "appId", "createdDateTime", "deletedDateTime", "applicationTemplateId",
		"publisherDomain", "uniqueName", "@odata.context",
		"identifierUris", "passwordCredentials", "keyCredentials",
	} {
		assert.NotContains(t, sent, stripped)
	}
	assert.Equal(t, "AzureADMyOrg", sent["signInAudience"])
	assert.Equal(t, "Demo", sent["displayName"])
}

func TestMigrate_AppliesNaming(t *testing.T) {
	var sent map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&sent)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"new-obj","appId":"new-app"}`))
	}))
	defer srv.Close()

	job := models.NewMigrationJob("naming", models.AppsTypeApplications)
	job.MigrationOptions.NameTemplate = "MIGRATED - {displayName}"
	job.MigrationOptions.NewAppSuffix = "(prod)"
	resources := []json.RawMessage{rawApp(map[string]any{"appId": "app-1", "displayName": "Demo"})}

	_, err := newTestMigrator().Migrate(context.Background(), &job, models.AppsTypeApplications, resources, destTenant(srv.URL), func(string) {})
	require.NoError(t, err)
	assert.Equal(t, "MIGRATED - Demo (prod)", sent["displayName"])
}

func TestMigrate_ParseFailureIsIsolated(t *testing.T) {
	var creates int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creates++
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"new-obj","appId":"new-app"}`))
	}))
	defer srv.Close()

	job := models.NewMigrationJob("parse", models.AppsTypeApplications)
	resources := []json.RawMessage{
		json.RawMessage(`{"displayName":"NoAppId"}`),
		json.RawMessage(`[1,2,3]`),
		rawApp(map[string]any{"appId": "app-1", "displayName": "Good"}),
	}

	var lines []string
	failures, err := newTestMigrator().Migrate(context.Background(), &job, models.AppsTypeApplications, resources, destTenant(srv.URL), func(s string) { lines = append(lines, s) })
	require.NoError(t, err)

	// Parse failures are skipped, not recorded as migration failures.
	assert.Zero(t, failures)
	assert.Empty(t, job.AppsFailed)
	assert.Equal(t, 1, creates)
	assert.True(t, logContains(lines, "❌ Failed to parse app data for NoAppId"))
	assert.True(t, logContains(lines, "❌ Failed to parse app data for ?"))
}

func TestMigrate_ServicePrincipalSubstitution(t *testing.T) {
	var sent map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&sent)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"new-sp","appId":"new-app-1"}`))
	}))
	defer srv.Close()

	job := models.NewMigrationJob("sp", models.AppsTypeApplications)
	job.AppIDMapping.Put("app-1", "client-dst", models.MappingEntry{AppID: "new-app-1"})

	resources := []json.RawMessage{
		rawApp(map[string]any{
			"appId":                 "app-1",
			"displayName":           "Demo",
			"servicePrincipalNames": []string{"api://app-1"},
			"notificationEmailAddresses": []string{
				"ops@contoso.com",
			},
			"loginUrl": "https://login.example.com/app-1/start",
		}),
		rawApp(map[string]any{"appId": "app-unmapped", "displayName": "Orphan"}),
	}

	var lines []string
	failures, err := newTestMigrator().Migrate(context.Background(), &job, models.AppsTypeServicePrincipals, resources, destTenant(srv.URL), func(s string) { lines = append(lines, s) })
	require.NoError(t, err)
	assert.Zero(t, failures)

	assert.Equal(t, "new-app-1", sent["appId"])
	assert.Equal(t, "https://login.example.com/new-app-1/start", sent["loginUrl"])
	assert.NotContains(t, sent, "servicePrincipalNames")

	// The unmapped principal is skipped with a warning, not failed.
	_, ok := job.SPIDMapping.Get("app-unmapped", "client-dst")
	assert.False(t, ok)
	assert.Empty(t, job.SPFailed)
	assert.True(t, logContains(lines, "not migrated to Destination, skipping"))

	entry, ok := job.SPIDMapping.Get("app-1", "client-dst")
	require.True(t, ok)
	assert.Equal(t, "new-app-1", entry.AppID)
	assert.Equal(t, "new-sp", gjson.GetBytes(entry.Data, "id").String())
}
