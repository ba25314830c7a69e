package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tenantshift/tenantshift-api/internal/graph"
	"github.com/tenantshift/tenantshift-api/internal/models"
	"github.com/tidwall/gjson"
)

func newTestPostProcessor() *PostProcessor {
	p := NewPostProcessor(graph.NewClient(zerolog.Nop(), 5*time.Second, 0), zerolog.Nop(), 0)
	p.now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	return p
}

func TestProcess_SkipsExistingPasswordAndExpiredOnes(t *testing.T) {
	var mu sync.Mutex
	var passwordCalls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodPost:
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			cred := body["passwordCredential"].(map[string]any)
			passwordCalls = append(passwordCalls, cred["displayName"].(string))
			json.NewEncoder(w).Encode(map[string]any{"keyId": "k", "displayName": cred["displayName"], "secretText": "once"})
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"identifierUris": []string{}})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	job := models.NewMigrationJob("pp", models.AppsTypeApplications)
	resources := []json.RawMessage{rawApp(map[string]any{
		"appId":       "app-1",
		"displayName": "Demo",
		"passwordCredentials": []map[string]any{
			{"displayName": "Existing", "endDateTime": "2030-01-01T00:00:00Z"},
			{"displayName": "Fresh", "endDateTime": "2030-01-01T00:00:00Z"},
			{"displayName": "Expired", "endDateTime": "2024-01-01T00:00:00Z"},
			{"endDateTime": "2030-01-01T00:00:00Z"},
		},
	})}
	job.AppIDMapping.Put("app-1", "client-dst", models.MappingEntry{
		AppID: "new-app-1",
		Data:  json.RawMessage(`{"id":"new-obj","appId":"new-app-1","passwordCredentials":[{"displayName":"Existing"}]}`),
	})

	var lines []string
	err := newTestPostProcessor().Process(context.Background(), &job, models.AppsTypeApplications, resources, destTenant(srv.URL), func(s string) { lines = append(lines, s) })
	require.NoError(t, err)

	// Only the missing, still-valid credentials are re-issued.
	assert.Equal(t, []string{"Fresh", "New Migration Password"}, passwordCalls)
	assert.True(t, logContains(lines, "Password 'Existing' already exists..."))

	entry, _ := job.AppIDMapping.Get("app-1", "client-dst")
	assert.Len(t, gjson.GetBytes(entry.Data, "passwordCredentials").Array(), 3)
}

func TestProcess_UnionsURIsWithExisting(t *testing.T) {
	var mu sync.Mutex
	var patched map[string]any
	patchCount := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"identifierUris": []string{"https://unrelated.example.com"}})
		case http.MethodPatch:
			patchCount++
			json.NewDecoder(r.Body).Decode(&patched)
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	job := models.NewMigrationJob("pp", models.AppsTypeApplications)
	resources := []json.RawMessage{rawApp(map[string]any{
		"appId":          "app-1",
		"displayName":    "Demo",
		"identifierUris": []string{"api://app-1", "urn:custom:name"},
	})}
	job.AppIDMapping.Put("app-1", "client-dst", models.MappingEntry{
		AppID: "new-app-1",
		Data:  json.RawMessage(`{"id":"new-obj","appId":"new-app-1"}`),
	})

	err := newTestPostProcessor().Process(context.Background(), &job, models.AppsTypeApplications, resources, destTenant(srv.URL), func(string) {})
	require.NoError(t, err)

	require.Equal(t, 1, patchCount)
	// Existing URIs are preserved; only the id-bearing URI is rewritten.
	assert.ElementsMatch(t, []any{"https://unrelated.example.com", "api://new-app-1"}, patched["identifierUris"])

	entry, _ := job.AppIDMapping.Get("app-1", "client-dst")
	uris := gjson.GetBytes(entry.Data, "identifierUris").Array()
	assert.Len(t, uris, 2)
}

func TestProcess_NoPatchWhenURIAlreadyPresent(t *testing.T) {
	var mu sync.Mutex
	patchCount := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"identifierUris": []string{"api://new-app-1"}})
		case http.MethodPatch:
			patchCount++
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	job := models.NewMigrationJob("pp", models.AppsTypeApplications)
	resources := []json.RawMessage{rawApp(map[string]any{
		"appId":          "app-1",
		"displayName":    "Demo",
		"identifierUris": []string{"api://app-1"},
	})}
	job.AppIDMapping.Put("app-1", "client-dst", models.MappingEntry{
		AppID: "new-app-1",
		Data:  json.RawMessage(`{"id":"new-obj","appId":"new-app-1"}`),
	})

	err := newTestPostProcessor().Process(context.Background(), &job, models.AppsTypeApplications, resources, destTenant(srv.URL), func(string) {})
	require.NoError(t, err)
	assert.Zero(t, patchCount)
}

func TestProcess_UnmappedResourceReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	job := models.NewMigrationJob("pp", models.AppsTypeApplications)
	resources := []json.RawMessage{rawApp(map[string]any{"appId": "app-1", "displayName": "Demo"})}

	var lines []string
	err := newTestPostProcessor().Process(context.Background(), &job, models.AppsTypeApplications, resources, destTenant(srv.URL), func(s string) { lines = append(lines, s) })
	require.NoError(t, err)
	assert.True(t, logContains(lines, "❌ App 'Demo' NOT migrated to Destination"))
}
