package models

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// DefaultScope is the resource scope requested when a tenant does not
// configure its own.
const DefaultScope = "https://graph.microsoft.com/.default"

// DefaultEndpoint is the versioned API base used when a tenant does not
// configure its own.
const DefaultEndpoint = "https://graph.microsoft.com/v1.0"

// Tenant holds the credentials and endpoints of one directory tenant.
// AccessToken is only ever populated on an in-memory copy returned by a
// connect call; it is never persisted.
type Tenant struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description,omitempty" db:"description"`
	Authority   string    `json:"authority" db:"authority"`
	ClientID    string    `json:"client_id" db:"client_id"`
	Secret      string    `json:"secret,omitempty" db:"-"` // plaintext, encrypted at rest
	Scope       []string  `json:"scope" db:"scope"`
	Endpoint    string    `json:"endpoint" db:"endpoint"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`

	AccessToken string `json:"-" db:"-"`
}

// Normalize fills the scope and endpoint defaults.
func (t *Tenant) Normalize() {
	if len(t.Scope) == 0 {
		t.Scope = []string{DefaultScope}
	}
	if t.Endpoint == "" {
		t.Endpoint = DefaultEndpoint
	}
}

// BaseURL strips the version suffix from the configured endpoint, leaving the
// host base that versioned paths are appended to.
func (t *Tenant) BaseURL() string {
	return strings.TrimRight(strings.Replace(t.Endpoint, "/v1.0", "", 1), "/")
}

// ResourceEndpoint returns the versioned collection URL for a resource kind,
// e.g. https://graph.microsoft.com/v1.0/applications.
func (t *Tenant) ResourceEndpoint(kind AppsType) string {
	return t.BaseURL() + "/v1.0/" + string(kind)
}

// TenantID is a tenant reference as stored on a migration job document.
// Older documents stored the source tenant reference as a one-element array;
// this type collapses both representations into a plain string at the
// unmarshalling boundary.
type TenantID string

func (t *TenantID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var list []string
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		if len(list) > 0 {
			*t = TenantID(list[0])
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*t = TenantID(s)
	return nil
}

func (t TenantID) String() string { return string(t) }
