package models

// SearchParams captures the selection criteria used to snapshot resources
// from a source tenant. Persisted with the job so a search can be replayed.
type SearchParams struct {
	Search string `json:"search,omitempty"`
	Filter string `json:"filter,omitempty"`
	// Raw holds additional query parameters as a literal
	// "key=value&key=value" string, merged verbatim into the request.
	Raw                    string   `json:"raw,omitempty"`
	SkipPublishers         []string `json:"skip_publishers,omitempty"`
	SkipWithoutCredentials bool     `json:"skip_apps_without_credentials,omitempty"`
}
