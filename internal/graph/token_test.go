package graph

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tenantshift/tenantshift-api/internal/models"
)

func TestConnector_Connect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "/oauth2/v2.0/token", r.URL.Path)
		assert.Equal(t, "client_credentials", r.FormValue("grant_type"))
		assert.Equal(t, "app-client-id", r.FormValue("client_id"))
		assert.Equal(t, "app-secret", r.FormValue("client_secret"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"granted-token","token_type":"Bearer","expires_in":3599}`)
	}))
	defer srv.Close()

	tenant := models.Tenant{
		ID:        "tenant-1",
		Authority: srv.URL,
		ClientID:  "app-client-id",
		Secret:    "app-secret",
		Scope:     []string{models.DefaultScope},
	}

	connected, err := NewConnector(5*time.Second).Connect(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, "granted-token", connected.AccessToken)
	// The original tenant value is left untouched.
	assert.Empty(t, tenant.AccessToken)
}

func TestConnector_ConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"invalid_client"}`)
	}))
	defer srv.Close()

	tenant := models.Tenant{ID: "tenant-1", Authority: srv.URL, ClientID: "bad", Secret: "bad"}

	_, err := NewConnector(5*time.Second).Connect(context.Background(), tenant)
	require.Error(t, err)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "tenant-1", authErr.TenantID)
}
