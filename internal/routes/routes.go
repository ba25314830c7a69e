package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/tenantshift/tenantshift-api/internal/authz"
	"github.com/tenantshift/tenantshift-api/internal/handlers"
	"github.com/tenantshift/tenantshift-api/internal/models"
)

// NewRouter sets up the API routes
func NewRouter(
	auth *handlers.AuthHandler,
	tenant *handlers.TenantHandler,
	job *handlers.JobHandler,
	notif *handlers.NotificationHandler,
) *mux.Router {
	router := mux.NewRouter()

	// Health check route
	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)

	// Public auth endpoints
	router.HandleFunc("/api/signup", auth.SignUp).Methods(http.MethodPost)
	router.HandleFunc("/api/login", auth.Login).Methods(http.MethodPost)

	// Everything below requires a valid token.
	api := router.PathPrefix("/api").Subrouter()
	api.Use(auth.JWTMiddleware)

	viewer := func(h http.HandlerFunc) http.Handler {
		return authz.RequireRoleHandler(models.RoleViewer, h)
	}
	operator := func(h http.HandlerFunc) http.Handler {
		return authz.RequireRoleHandler(models.RoleOperator, h)
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return authz.RequireRoleHandler(models.RoleAdmin, h)
	}

	// User management
	api.Handle("/users", admin(auth.ListUsers)).Methods(http.MethodGet)
	api.Handle("/users/{userID}/role", admin(auth.UpdateUserRole)).Methods(http.MethodPut)
	api.Handle("/users/{userID}", admin(auth.DeleteUser)).Methods(http.MethodDelete)

	// Tenants
	api.Handle("/tenants", viewer(tenant.ListTenants)).Methods(http.MethodGet)
	api.Handle("/tenants", operator(tenant.CreateTenant)).Methods(http.MethodPost)
	api.Handle("/tenants/{tenantID}", viewer(tenant.GetTenant)).Methods(http.MethodGet)
	api.Handle("/tenants/{tenantID}", operator(tenant.UpdateTenant)).Methods(http.MethodPut)
	api.Handle("/tenants/{tenantID}", admin(tenant.DeleteTenant)).Methods(http.MethodDelete)
	api.Handle("/tenants/{tenantID}/resources", operator(tenant.SearchResources)).Methods(http.MethodPost)

	// Migration jobs
	api.Handle("/jobs", viewer(job.ListJobs)).Methods(http.MethodGet)
	api.Handle("/jobs", operator(job.CreateJob)).Methods(http.MethodPost)
	api.Handle("/jobs/{jobID}", viewer(job.GetJob)).Methods(http.MethodGet)
	api.Handle("/jobs/{jobID}", admin(job.DeleteJob)).Methods(http.MethodDelete)
	api.Handle("/jobs/{jobID}/capture", operator(job.CaptureResources)).Methods(http.MethodPost)
	api.Handle("/jobs/{jobID}/resources", operator(job.SubmitResources)).Methods(http.MethodPut)
	api.Handle("/jobs/{jobID}/approve", admin(job.ApproveJob)).Methods(http.MethodPost)
	api.Handle("/jobs/{jobID}/cancel", operator(job.CancelJob)).Methods(http.MethodPost)
	api.Handle("/jobs/{jobID}/run", operator(job.RunJob)).Methods(http.MethodPost)
	api.Handle("/jobs/{jobID}/diff", viewer(job.DiffJob)).Methods(http.MethodGet)
	api.Handle("/jobs/{jobID}/log", viewer(job.GetJobLog)).Methods(http.MethodGet)

	// Notifications
	api.Handle("/notifications", viewer(notif.List)).Methods(http.MethodGet)
	api.Handle("/notifications/read-all", viewer(notif.MarkAllRead)).Methods(http.MethodPost)
	api.Handle("/notifications/{notificationID}/read", viewer(notif.MarkRead)).Methods(http.MethodPost)

	return router
}
