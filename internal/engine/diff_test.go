package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tenantshift/tenantshift-api/internal/models"
)

func TestDiff_IdenticalMaps(t *testing.T) {
	m := map[string]any{
		"displayName": "Demo",
		"tags":        []any{"a", "b"},
		"web":         map[string]any{"homePageUrl": "https://example.com"},
	}
	assert.Empty(t, Diff(m, m))
}

func TestDiff_ScalarMismatch(t *testing.T) {
	source := map[string]any{"a": float64(1), "b": float64(2)}
	result := map[string]any{"a": float64(1), "b": float64(3)}

	diff := Diff(source, result)
	assert.Equal(t, map[string]any{"b": map[string]any{"source": float64(2), "result": float64(3)}}, diff)
}

func TestDiff_IgnoredKeys(t *testing.T) {
	source := map[string]any{
		"id":              "aaa",
		"appId":           "bbb",
		"createdDateTime": "2024-01-01T00:00:00Z",
		"secretText":      "shh",
		"@odata.context":  "ctx",
		"displayName":     "Demo",
	}
	result := map[string]any{"displayName": "Demo"}
	assert.Empty(t, Diff(source, result))
}

func TestDiff_MissingKeyReportsSourceValue(t *testing.T) {
	source := map[string]any{"notes": "keep me"}
	diff := Diff(source, map[string]any{})
	assert.Equal(t, map[string]any{"notes": "keep me"}, diff)
}

func TestDiff_NestedMapsIncludedOnlyWhenDifferent(t *testing.T) {
	source := map[string]any{
		"web": map[string]any{"homePageUrl": "https://a", "logoutUrl": "https://b"},
		"api": map[string]any{"requestedAccessTokenVersion": float64(2)},
	}
	result := map[string]any{
		"web": map[string]any{"homePageUrl": "https://a", "logoutUrl": "https://c"},
		"api": map[string]any{"requestedAccessTokenVersion": float64(2)},
	}

	diff := Diff(source, result)
	require.Contains(t, diff, "web")
	assert.NotContains(t, diff, "api")
	assert.Equal(t, map[string]any{"logoutUrl": map[string]any{"source": "https://b", "result": "https://c"}}, diff["web"])
}

func TestDiff_ListMissingIndexReportsWholeElement(t *testing.T) {
	source := map[string]any{"tags": []any{"a", "b"}}
	result := map[string]any{"tags": []any{"a"}}

	diff := Diff(source, result)
	assert.Equal(t, map[string]any{"tags": []any{"b"}}, diff)
}

func TestDiffJob_NoMappingEntryReportsNoMatch(t *testing.T) {
	job := models.NewMigrationJob("demo", models.AppsTypeApplications)
	job.Apps = []json.RawMessage{
		json.RawMessage(`{"appId":"app-1","displayName":"Orphan"}`),
	}

	report := DiffJob(&job)
	assert.Equal(t, "no match", report.Apps["Orphan::app-1"])
	assert.Empty(t, report.ServicePrincipals)
}

func TestDiffJob_PerDestinationDiffs(t *testing.T) {
	job := models.NewMigrationJob("demo", models.AppsTypeApplications)
	job.Apps = []json.RawMessage{
		json.RawMessage(`{"appId":"app-1","displayName":"Demo","signInAudience":"AzureADMyOrg"}`),
	}
	job.AppIDMapping.Put("app-1", "client-x", models.MappingEntry{
		AppID: "new-1",
		Data:  json.RawMessage(`{"appId":"new-1","displayName":"Demo","signInAudience":"AzureADMultipleOrgs"}`),
	})

	report := DiffJob(&job)
	perDest, ok := report.Apps["Demo::app-1"].(map[string]any)
	require.True(t, ok)
	destDiff, ok := perDest["destination::client-x"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"source": "AzureADMyOrg", "result": "AzureADMultipleOrgs"}, destDiff["signInAudience"])
	assert.NotContains(t, destDiff, "appId")
}
