package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tenantshift/tenantshift-api/internal/graph"
	"github.com/tenantshift/tenantshift-api/internal/models"
	"github.com/tidwall/gjson"
)

type stubConnector struct {
	failFor map[string]bool
}

func (s *stubConnector) Connect(_ context.Context, tenant models.Tenant) (models.Tenant, error) {
	if s.failFor[tenant.ID] {
		return tenant, &graph.AuthError{TenantID: tenant.ID, Err: errors.New("invalid_client")}
	}
	tenant.Normalize()
	tenant.AccessToken = "tok-" + tenant.ID
	return tenant, nil
}

type memStore struct {
	mu    sync.Mutex
	saves int
}

func (m *memStore) SaveState(_ context.Context, _ *models.MigrationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	return nil
}

// fakeGraph simulates enough of the directory API for a full pipeline run:
// resource creation, $select fetches, addPassword, PATCH updates and the
// service principal listing on the source tenant.
type fakeGraph struct {
	srv *httptest.Server

	mu          sync.Mutex
	createCalls int
	failCreate  func(displayName string) bool
	sps         []map[string]any
}

func newFakeGraph(t *testing.T) *fakeGraph {
	t.Helper()
	g := &fakeGraph{}
	g.srv = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGraph) handle(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/$count"):
		fmt.Fprint(w, len(g.sps))

	case r.Method == http.MethodGet && path == "/v1.0/servicePrincipals":
		json.NewEncoder(w).Encode(map[string]any{"value": g.sps})

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/addPassword"):
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		cred, _ := body["passwordCredential"].(map[string]any)
		json.NewEncoder(w).Encode(map[string]any{
			"keyId":       "generated-key",
			"displayName": cred["displayName"],
			"secretText":  "s3cr3t-once",
		})

	case r.Method == http.MethodPost:
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		name, _ := body["displayName"].(string)
		if g.failCreate != nil && g.failCreate(name) {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"rejected"}}`)
			return
		}
		g.createCalls++
		resp := map[string]any{}
		for k, v := range body {
			resp[k] = v
		}
		resp["id"] = "id-" + name
		if _, ok := body["appId"]; !ok {
			resp["appId"] = "new-" + name
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(resp)

	case r.Method == http.MethodGet:
		json.NewEncoder(w).Encode(map[string]any{
			"identifierUris":        []string{},
			"servicePrincipalNames": []string{},
		})

	case r.Method == http.MethodPatch:
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func testJob(g *fakeGraph, names ...string) *models.MigrationJob {
	job := models.NewMigrationJob("demo-migration", models.AppsTypeApplications)
	job.ID = "job-1"
	job.Status = models.StatusApproved

	for _, name := range names {
		app := map[string]any{
			"id":              "obj-" + name,
			"appId":           "app-" + name,
			"displayName":     name,
			"createdDateTime": "2024-01-01T00:00:00Z",
			"identifierUris":  []string{"api://app-" + name},
			"passwordCredentials": []map[string]any{
				{"displayName": "Main", "endDateTime": "2030-01-01T00:00:00Z"},
			},
		}
		raw, _ := json.Marshal(app)
		job.Apps = append(job.Apps, raw)

		g.sps = append(g.sps, map[string]any{
			"id":                    "sp-obj-" + name,
			"appId":                 "app-" + name,
			"displayName":           name,
			"servicePrincipalNames": []string{"api://app-" + name},
		})
	}

	job.SourceTenant = &models.Tenant{ID: "src", Name: "Source", ClientID: "client-src", Endpoint: g.srv.URL + "/v1.0"}
	job.SourceTenantID = "src"
	job.DestinationTenants = []models.Tenant{
		{ID: "dst", Name: "Destination", ClientID: "client-dst", Endpoint: g.srv.URL + "/v1.0"},
	}
	job.DestinationTenantIDs = []string{"dst"}
	return &job
}

type stubStageNotifier struct {
	mu     sync.Mutex
	stages []models.Stage
}

func (s *stubStageNotifier) NotifyStageCompleted(_ context.Context, _, _ string, stage models.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = append(s.stages, stage)
	return nil
}

func newTestEngine(store JobStore, connector TenantConnector) *Engine {
	client := graph.NewClient(zerolog.Nop(), 5*time.Second, 0)
	return NewEngine(store, connector, client, zerolog.Nop(), 0)
}

func drain(t *testing.T, ch <-chan string) []string {
	t.Helper()
	var lines []string
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return lines
			}
			lines = append(lines, line)
		case <-time.After(10 * time.Second):
			t.Fatal("timed out draining run output")
		}
	}
}

func logContains(lines []string, substr string) bool {
	for _, l := range lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func TestEngine_FullRun(t *testing.T) {
	g := newFakeGraph(t)
	job := testJob(g, "App1", "App2", "App3")
	store := &memStore{}
	eng := newTestEngine(store, &stubConnector{})

	ch, err := eng.RunStages(context.Background(), job)
	require.NoError(t, err)
	lines := drain(t, ch)

	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, models.StageCompleted, job.Stage)
	assert.Len(t, job.AppIDMapping, 3)
	assert.Empty(t, job.AppsFailed)
	assert.Len(t, job.SPIDMapping, 3)
	assert.Empty(t, job.SPFailed)
	assert.Equal(t, 6, g.createCalls)
	assert.Greater(t, store.saves, 0)

	entry, ok := job.AppIDMapping.Get("app-App1", "client-dst")
	require.True(t, ok)
	assert.Equal(t, "new-App1", entry.AppID)
	// The re-issued secret and rewritten URI are merged into the stored copy.
	assert.Equal(t, "Main", gjson.GetBytes(entry.Data, "passwordCredentials.0.displayName").String())
	assert.Equal(t, "api://new-App1", gjson.GetBytes(entry.Data, "identifierUris.0").String())

	spEntry, ok := job.SPIDMapping.Get("app-App2", "client-dst")
	require.True(t, ok)
	assert.Equal(t, "new-App2", spEntry.AppID)

	assert.True(t, logContains(lines, "✅ Migration completed successfully"))
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2} \| `, lines[0])
	// The stream and the persisted transcript are the same lines.
	assert.Equal(t, lines, job.Log)
}

func TestEngine_NotifiesCompletedStages(t *testing.T) {
	g := newFakeGraph(t)
	job := testJob(g, "App1")
	notifier := &stubStageNotifier{}
	eng := newTestEngine(&memStore{}, &stubConnector{})
	eng.SetStageNotifier(notifier)

	ch, err := eng.RunStages(context.Background(), job)
	require.NoError(t, err)
	drain(t, ch)

	require.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, []models.Stage{
		models.StageApps,
		models.StagePostApps,
		models.StageSPsFromApps,
		models.StageServicePrincipals,
		models.StagePostServicePrincipals,
	}, notifier.stages)
}

func TestEngine_NoStageNotificationAfterFailure(t *testing.T) {
	g := newFakeGraph(t)
	g.failCreate = func(name string) bool { return name == "App1" }
	job := testJob(g, "App1")
	notifier := &stubStageNotifier{}
	eng := newTestEngine(&memStore{}, &stubConnector{})
	eng.SetStageNotifier(notifier)

	ch, err := eng.RunStages(context.Background(), job)
	require.NoError(t, err)
	drain(t, ch)

	require.Equal(t, models.StatusFailed, job.Status)
	assert.Empty(t, notifier.stages)
}

func TestEngine_RerunSkipsMigrated(t *testing.T) {
	g := newFakeGraph(t)
	job := testJob(g, "App1", "App2")
	eng := newTestEngine(&memStore{}, &stubConnector{})

	ch, err := eng.RunStages(context.Background(), job)
	require.NoError(t, err)
	drain(t, ch)
	require.Equal(t, models.StatusCompleted, job.Status)
	created := g.createCalls

	// Force a re-run from the top of the pipeline.
	job.Status = models.StatusFailed
	job.Stage = models.StageApps

	ch, err = eng.RunStages(context.Background(), job)
	require.NoError(t, err)
	lines := drain(t, ch)

	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, created, g.createCalls)
	assert.Len(t, job.AppIDMapping, 2)
	assert.True(t, logContains(lines, "already migrated"))
}

func TestEngine_PartialFailureBlocksStage(t *testing.T) {
	g := newFakeGraph(t)
	g.failCreate = func(name string) bool { return name == "App2" }
	job := testJob(g, "App1", "App2", "App3")
	eng := newTestEngine(&memStore{}, &stubConnector{})

	ch, err := eng.RunStages(context.Background(), job)
	require.NoError(t, err)
	lines := drain(t, ch)

	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, models.StageApps, job.Stage)
	assert.Len(t, job.AppIDMapping, 2)

	failure, ok := job.AppsFailed["app-App2"]["client-dst"]
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, failure.Status)
	assert.Contains(t, failure.Response, "rejected")
	// The body we sent is kept alongside the rejection for later inspection.
	require.NotEmpty(t, failure.Request)
	assert.Equal(t, "App2", gjson.GetBytes(failure.Request, "displayName").String())
	assert.True(t, logContains(lines, "❌ Migration failed for some apps"))

	// Fix the rejection and resume; only the failed app is created.
	g.failCreate = nil
	before := g.createCalls
	ch, err = eng.RunStages(context.Background(), job)
	require.NoError(t, err)
	drain(t, ch)

	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, models.StageCompleted, job.Stage)
	// One application plus its three service principals.
	assert.Equal(t, before+4, g.createCalls)
	assert.Len(t, job.AppIDMapping, 3)
}

func TestEngine_ConnectFailureForOnlyTenant(t *testing.T) {
	g := newFakeGraph(t)
	job := testJob(g, "App1")
	eng := newTestEngine(&memStore{}, &stubConnector{failFor: map[string]bool{"dst": true}})

	ch, err := eng.RunStages(context.Background(), job)
	require.NoError(t, err)
	lines := drain(t, ch)

	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, models.StageApps, job.Stage)
	assert.Empty(t, job.AppIDMapping)
	assert.True(t, logContains(lines, "Failed to connect to destination tenant: Destination"))
}

func TestEngine_Preconditions(t *testing.T) {
	g := newFakeGraph(t)
	eng := newTestEngine(&memStore{}, &stubConnector{})

	job := testJob(g, "App1")
	job.Status = models.StatusPending
	_, err := eng.RunStages(context.Background(), job)
	assert.ErrorContains(t, err, "not runnable")

	job = testJob(g, "App1")
	job.Status = models.StatusPendingApproval
	_, err = eng.RunStages(context.Background(), job)
	assert.ErrorContains(t, err, "not runnable")

	job = testJob(g, "App1")
	job.DestinationTenants = nil
	_, err = eng.RunStages(context.Background(), job)
	assert.ErrorContains(t, err, "no destination tenants")

	job = testJob(g)
	_, err = eng.RunStages(context.Background(), job)
	assert.ErrorContains(t, err, "no apps")
}

func TestEngine_SkipsServicePrincipalStages(t *testing.T) {
	g := newFakeGraph(t)
	job := testJob(g, "App1")
	job.MigrationOptions.MigrateServicePrincipals = false
	eng := newTestEngine(&memStore{}, &stubConnector{})

	ch, err := eng.RunStages(context.Background(), job)
	require.NoError(t, err)
	drain(t, ch)

	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Empty(t, job.ServicePrincipals)
	assert.Empty(t, job.SPIDMapping)
	assert.Equal(t, 1, g.createCalls)
}
