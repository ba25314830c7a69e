package routes

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tenantshift/tenantshift-api/internal/config"
	"github.com/tenantshift/tenantshift-api/internal/handlers"
)

const testSecret = "routes-test-secret"

func newTestRouter() http.Handler {
	cfg := &config.Config{JWTSecret: testSecret}
	logger := zerolog.Nop()
	auth := handlers.NewAuthHandler(nil, cfg, logger)
	tenant := handlers.NewTenantHandler(nil, nil, nil, logger)
	job := handlers.NewJobHandler(nil, nil, nil, nil, nil, logger)
	notif := handlers.NewNotificationHandler(nil, logger)
	return NewRouter(auth, tenant, job, notif)
}

func bearer(t *testing.T, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "user-1",
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func TestHealthIsPublic(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRoleGating(t *testing.T) {
	router := newTestRouter()

	tests := []struct {
		name   string
		method string
		path   string
		role   string
		want   int
	}{
		{"viewer cannot delete user", http.MethodDelete, "/api/users/u-1", "viewer", http.StatusForbidden},
		{"viewer cannot approve job", http.MethodPost, "/api/jobs/j-1/approve", "viewer", http.StatusForbidden},
		{"operator cannot approve job", http.MethodPost, "/api/jobs/j-1/approve", "operator", http.StatusForbidden},
		{"viewer cannot create tenant", http.MethodPost, "/api/tenants", "viewer", http.StatusForbidden},
		{"operator cannot delete tenant", http.MethodDelete, "/api/tenants/t-1", "operator", http.StatusForbidden},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			req.Header.Set("Authorization", bearer(t, tc.role))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tc.want, rec.Code)
		})
	}
}
