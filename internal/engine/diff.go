package engine

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/tenantshift/tenantshift-api/internal/models"
)

// Keys excluded from comparison: server-assigned ids, timestamps and secret
// material differ between tenants by construction.
var ignoredDiffKeys = map[string]struct{}{
	"id":              {},
	"appId":           {},
	"createdDateTime": {},
	"deletedDateTime": {},
	"keyId":           {},
	"startDateTime":   {},
	"endDateTime":     {},
	"secretText":      {},
	"hint":            {},
}

const vendorMetaPrefix = "@odata"

func ignoredKey(k string) bool {
	if _, ok := ignoredDiffKeys[k]; ok {
		return true
	}
	return strings.HasPrefix(k, vendorMetaPrefix)
}

// Diff compares a source object against its migrated counterpart, with the
// source as the reference. Keys present only in the result are not reported.
// Scalar mismatches come back as {source, result} pairs; nested objects are
// included only when their sub-diff is non-empty.
func Diff(source, result map[string]any) map[string]any {
	diff := map[string]any{}
	for k, sv := range source {
		if ignoredKey(k) {
			continue
		}
		rv, ok := result[k]
		if !ok {
			diff[k] = sv
			continue
		}
		switch sval := sv.(type) {
		case map[string]any:
			rmap, _ := rv.(map[string]any)
			if sub := Diff(sval, rmap); len(sub) > 0 {
				diff[k] = sub
			}
		case []any:
			rlist, _ := rv.([]any)
			if !reflect.DeepEqual(sv, rv) {
				if sub := diffLists(sval, rlist); len(sub) > 0 {
					diff[k] = sub
				}
			}
		default:
			if !reflect.DeepEqual(sv, rv) {
				diff[k] = map[string]any{"source": sv, "result": rv}
			}
		}
	}
	return diff
}

// diffLists compares element-wise by index. An index missing from the result
// list reports the whole source element.
func diffLists(source, result []any) []any {
	var diff []any
	for i, sv := range source {
		if i >= len(result) {
			diff = append(diff, sv)
			continue
		}
		if smap, ok := sv.(map[string]any); ok {
			rmap, _ := result[i].(map[string]any)
			diff = append(diff, Diff(smap, rmap))
			continue
		}
		if !reflect.DeepEqual(sv, result[i]) {
			diff = append(diff, sv)
		}
	}
	return diff
}

// JobDiff is the audit report of a job: per source resource, per destination
// tenant, the structural differences against the migrated copy.
type JobDiff struct {
	Apps              map[string]any `json:"appDiff"`
	ServicePrincipals map[string]any `json:"spDiff"`
}

// DiffJob compares every captured resource against its mapping entries.
// Resources with no mapping entry at all are reported as "no match".
func DiffJob(job *models.MigrationJob) JobDiff {
	return JobDiff{
		Apps:              diffResources(job.Apps, job.AppIDMapping, job.MigrationOptions.ReferenceAttribute),
		ServicePrincipals: diffResources(job.ServicePrincipals, job.SPIDMapping, job.MigrationOptions.ReferenceAttribute),
	}
}

func diffResources(resources []json.RawMessage, mapping models.IDMapping, refAttr string) map[string]any {
	out := map[string]any{}
	for _, raw := range resources {
		res, err := models.ParseResource(raw)
		if err != nil {
			continue
		}
		var source map[string]any
		if err := json.Unmarshal(raw, &source); err != nil {
			continue
		}

		key := res.DisplayName + "::" + res.AppID
		entries := mapping[res.Reference(refAttr)]
		if len(entries) == 0 {
			out[key] = "no match"
			continue
		}

		perDest := map[string]any{}
		for clientID, entry := range entries {
			var dest map[string]any
			if err := json.Unmarshal(entry.Data, &dest); err != nil {
				dest = nil
			}
			perDest["destination::"+clientID] = Diff(source, dest)
		}
		out[key] = perDest
	}
	return out
}
