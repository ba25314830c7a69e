package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationJob_LegacySourceTenantArray(t *testing.T) {
	// Older job documents stored the source tenant as a one-element array.
	doc := `{"name":"legacy","source_tenant_id":["tenant-a"],"destination_tenant_ids":["tenant-b"]}`

	var job MigrationJob
	require.NoError(t, json.Unmarshal([]byte(doc), &job))
	assert.Equal(t, TenantID("tenant-a"), job.SourceTenantID)
	assert.Equal(t, []string{"tenant-b"}, job.DestinationTenantIDs)
}

func TestMigrationJob_SourceTenantString(t *testing.T) {
	doc := `{"name":"current","source_tenant_id":"tenant-a"}`

	var job MigrationJob
	require.NoError(t, json.Unmarshal([]byte(doc), &job))
	assert.Equal(t, TenantID("tenant-a"), job.SourceTenantID)
}

func TestMigrationJob_AppendLog(t *testing.T) {
	job := NewMigrationJob("demo", AppsTypeApplications)
	line := job.AppendLog("starting")

	require.Len(t, job.Log, 1)
	assert.Equal(t, line, job.Log[0])
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2} \| starting$`, line)
}

func TestIDMapping_PutGet(t *testing.T) {
	m := IDMapping{}
	m.Put("app-1", "client-x", MappingEntry{AppID: "new-1"})

	entry, ok := m.Get("app-1", "client-x")
	require.True(t, ok)
	assert.Equal(t, "new-1", entry.AppID)

	_, ok = m.Get("app-1", "client-y")
	assert.False(t, ok)
	_, ok = m.Get("app-2", "client-x")
	assert.False(t, ok)
}

func TestMigrationJob_EnsureTables(t *testing.T) {
	var job MigrationJob
	require.NoError(t, json.Unmarshal([]byte(`{"name":"bare"}`), &job))

	job.EnsureTables()
	job.AppIDMapping.Put("a", "b", MappingEntry{AppID: "c"})
	job.SPFailed.Put("a", "b", FailureEntry{Status: 400})
	assert.NotNil(t, job.SPIDMapping)
	assert.NotNil(t, job.AppsFailed)
}

func TestMigrationJob_MappingByKind(t *testing.T) {
	job := NewMigrationJob("demo", AppsTypeApplications)
	job.AppIDMapping.Put("a", "x", MappingEntry{AppID: "1"})
	job.SPIDMapping.Put("a", "x", MappingEntry{AppID: "2"})

	app, _ := job.Mapping(AppsTypeApplications).Get("a", "x")
	sp, _ := job.Mapping(AppsTypeServicePrincipals).Get("a", "x")
	assert.Equal(t, "1", app.AppID)
	assert.Equal(t, "2", sp.AppID)
}

func TestMigrationJob_Runnable(t *testing.T) {
	job := NewMigrationJob("demo", AppsTypeApplications)
	assert.False(t, job.Runnable())

	for _, s := range []Status{StatusApproved, StatusInProgress, StatusFailed, StatusCancelled} {
		job.Status = s
		assert.True(t, job.Runnable(), string(s))
	}
	job.Status = StatusPendingApproval
	assert.False(t, job.Runnable())
}
