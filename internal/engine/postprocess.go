package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/tenantshift/tenantshift-api/internal/graph"
	"github.com/tenantshift/tenantshift-api/internal/models"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// PostProcessor finishes migrated resources: secrets cannot be carried over
// at creation time and id-bearing URIs must be rewritten to the new app id.
type PostProcessor struct {
	client *graph.Client
	logger zerolog.Logger
	pause  time.Duration
	now    func() time.Time
}

func NewPostProcessor(client *graph.Client, logger zerolog.Logger, pause time.Duration) *PostProcessor {
	return &PostProcessor{
		client: client,
		logger: logger.With().Str("component", "postprocess").Logger(),
		pause:  pause,
		now:    time.Now,
	}
}

const defaultPasswordName = "New Migration Password"

// uriField returns the URI-bearing field post-processed for a resource kind.
func uriField(kind models.AppsType) string {
	if kind == models.AppsTypeServicePrincipals {
		return "servicePrincipalNames"
	}
	return "identifierUris"
}

// Process runs the post-creation pass for one resource kind against one
// connected destination tenant. Field-level failures are logged and do not
// roll back the created resource.
func (p *PostProcessor) Process(ctx context.Context, job *models.MigrationJob, kind models.AppsType, resources []json.RawMessage, dest models.Tenant, emit func(string)) error {
	mapping := job.Mapping(kind)
	opts := job.MigrationOptions
	endpoint := dest.ResourceEndpoint(kind)

	for _, raw := range resources {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := models.ParseResource(raw)
		if err != nil {
			emit(fmt.Sprintf("❌ Failed to parse app data for %s: %v", gjson.GetBytes(raw, "displayName").String(), err))
			continue
		}

		ref := res.Reference(opts.ReferenceAttribute)
		entry, ok := mapping.Get(ref, dest.ClientID)
		if !ok {
			emit(fmt.Sprintf("❌ App '%s' NOT migrated to %s", res.DisplayName, dest.Name))
			continue
		}

		emit(fmt.Sprintf("Post processing app '%s' on %s", res.DisplayName, dest.Name))

		address := resourceAddress(endpoint, entry)
		entry = p.addPasswords(ctx, res, entry, address, dest, emit)
		entry = p.updateURIs(ctx, res, entry, uriField(kind), address, dest, emit)
		mapping.Put(ref, dest.ClientID, entry)

		time.Sleep(p.pause)
	}

	return nil
}

// resourceAddress addresses the destination copy by its id when known,
// falling back to by-key addressing for upserted resources.
func resourceAddress(endpoint string, entry models.MappingEntry) string {
	if id := gjson.GetBytes(entry.Data, "id").String(); id != "" {
		return endpoint + "/" + id
	}
	return endpoint + upsertAddress(entry.AppID)
}

// addPasswords re-issues every still-valid source password not yet present
// on the destination copy. Secrets returned by the API are merged into the
// stored mapping payload; they are shown once and never retrievable again.
func (p *PostProcessor) addPasswords(ctx context.Context, res *models.Resource, entry models.MappingEntry, address string, dest models.Tenant, emit func(string)) models.MappingEntry {
	now := p.now().UTC()
	for _, cred := range res.PasswordCredentials {
		if cred.Expired(now) {
			continue
		}
		name := cred.DisplayName
		if name == "" {
			name = defaultPasswordName
		}

		existing := gjson.GetBytes(entry.Data, "passwordCredentials").Array()
		if lo.SomeBy(existing, func(c gjson.Result) bool { return c.Get("displayName").String() == name }) {
			emit(fmt.Sprintf("Password '%s' already exists...", name))
			continue
		}

		payload, _ := json.Marshal(map[string]any{
			"passwordCredential": map[string]any{"displayName": name},
		})
		status, body, err := p.client.Request(ctx, http.MethodPost, address+"/addPassword", dest.AccessToken, nil, payload)
		if err != nil || status != http.StatusOK {
			emit(fmt.Sprintf("❌ Failed to create password: %s: %s", name, string(body)))
			continue
		}

		emit(fmt.Sprintf("✅ Password created successfully: %s", name))
		if updated, mergeErr := sjson.SetRawBytes(entry.Data, "passwordCredentials.-1", body); mergeErr == nil {
			entry.Data = updated
		} else {
			p.logger.Warn().Err(mergeErr).Msg("Failed to merge created password into mapping payload")
		}
	}
	return entry
}

// updateURIs rewrites source URIs that reference the old app id onto the new
// one and unions them with the destination's current values, patching only
// when the rewrite adds something.
func (p *PostProcessor) updateURIs(ctx context.Context, res *models.Resource, entry models.MappingEntry, field, address string, dest models.Tenant, emit func(string)) models.MappingEntry {
	sourceURIs := res.IdentifierUris
	if field == "servicePrincipalNames" {
		sourceURIs = res.ServicePrincipalNames
	}
	if len(sourceURIs) == 0 {
		return entry
	}

	newAppID := gjson.GetBytes(entry.Data, "appId").String()
	if newAppID == "" {
		newAppID = entry.AppID
	}

	var existing []string
	params := url.Values{}
	params.Set("$select", field)
	status, body, err := p.client.Request(ctx, http.MethodGet, address, dest.AccessToken, params, nil)
	if err != nil || status != http.StatusOK {
		emit(fmt.Sprintf("Failed to get existing %s: %s", field, string(body)))
	} else {
		for _, v := range gjson.GetBytes(body, field).Array() {
			existing = append(existing, v.String())
		}
	}

	var additions []string
	for _, uri := range sourceURIs {
		if uri != "api://"+res.AppID {
			continue
		}
		rewritten := "api://" + newAppID
		if !lo.Contains(existing, rewritten) && !lo.Contains(additions, rewritten) {
			additions = append(additions, rewritten)
		}
	}
	if len(additions) == 0 {
		return entry
	}

	merged := append(existing, additions...)
	payload, _ := json.Marshal(map[string]any{field: merged})
	status, body, err = p.client.Request(ctx, http.MethodPatch, address, dest.AccessToken, nil, payload)
	if err != nil || status != http.StatusNoContent {
		emit(fmt.Sprintf("❌ Failed to update %s: %s", field, string(body)))
		return entry
	}

	emit(fmt.Sprintf("✅ %s updated successfully", field))
	if updated, mergeErr := sjson.SetBytes(entry.Data, field, merged); mergeErr == nil {
		entry.Data = updated
	}
	return entry
}
