package models

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// Credential is the shared shape of passwordCredentials and keyCredentials
// entries on directory objects.
type Credential struct {
	KeyID         string     `json:"keyId,omitempty"`
	DisplayName   string     `json:"displayName,omitempty"`
	Hint          string     `json:"hint,omitempty"`
	StartDateTime *time.Time `json:"startDateTime,omitempty"`
	EndDateTime   *time.Time `json:"endDateTime,omitempty"`
	SecretText    string     `json:"secretText,omitempty"`
}

// Expired reports whether the credential's end date has passed. Credentials
// without an end date never expire.
func (c Credential) Expired(now time.Time) bool {
	return c.EndDateTime != nil && c.EndDateTime.Before(now)
}

// Resource is a parsed view over a raw directory object. Raw keeps the
// original payload; the typed fields cover what the pipeline reads directly.
type Resource struct {
	ID                    string       `json:"id"`
	AppID                 string       `json:"appId"`
	DisplayName           string       `json:"displayName"`
	IdentifierUris        []string     `json:"identifierUris,omitempty"`
	ServicePrincipalNames []string     `json:"servicePrincipalNames,omitempty"`
	PasswordCredentials   []Credential `json:"passwordCredentials,omitempty"`
	KeyCredentials        []Credential `json:"keyCredentials,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Reference returns the value of the configured reference attribute.
func (r *Resource) Reference(attr string) string {
	if attr == RefAttrDisplayName {
		return r.DisplayName
	}
	return r.AppID
}

// ParseResource decodes a raw directory object and validates the fields the
// pipeline cannot proceed without.
func ParseResource(raw json.RawMessage) (*Resource, error) {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return nil, errors.New("resource payload is not a JSON object")
	}
	var res Resource
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.Wrap(err, "failed to decode resource")
	}
	if res.DisplayName == "" {
		return nil, errors.New("resource is missing displayName")
	}
	if res.AppID == "" {
		return nil, errors.New("resource is missing appId")
	}
	res.Raw = raw
	return &res, nil
}
