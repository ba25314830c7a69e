package graph

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/tenantshift/tenantshift-api/internal/models"
)

// BuildQuery translates search parameters into the query string sent to the
// directory API. Raw parameters are merged verbatim; a publisher exclusion
// list is folded into $filter and forces consistency-level counting.
func BuildQuery(p models.SearchParams) (url.Values, error) {
	params := url.Values{}

	if p.Search != "" {
		params.Set("$search", quoteSearch(p.Search))
	}
	if p.Filter != "" {
		params.Set("$filter", p.Filter)
	}
	if p.Raw != "" {
		for _, pair := range strings.Split(p.Raw, "&") {
			key, value, ok := strings.Cut(pair, "=")
			if !ok || key == "" {
				return nil, errors.Errorf("failed to parse raw query parameter %q", pair)
			}
			params.Set(key, value)
		}
	}
	if len(p.SkipPublishers) > 0 {
		quoted := make([]string, len(p.SkipPublishers))
		for i, pub := range p.SkipPublishers {
			if pub == "" {
				quoted[i] = "null"
			} else {
				quoted[i] = "'" + pub + "'"
			}
		}
		exclusion := "NOT(publisherName in (" + strings.Join(quoted, ",") + "))"
		if p.Filter != "" {
			exclusion = p.Filter + " and " + exclusion
		}
		params.Set("$filter", exclusion)
		params.Set("$count", "true")
	}

	return params, nil
}

// quoteSearch wraps a free-text search term in double quotes unless the
// caller already quoted it.
func quoteSearch(s string) string {
	if strings.HasPrefix(s, "'") || strings.HasPrefix(s, `"`) {
		return s
	}
	return `"` + s + `"`
}
