package authz

import (
	"context"
	"net/http"

	"github.com/tenantshift/tenantshift-api/internal/models"
)

type contextKey string

const (
	userIDKey   contextKey = "user_id"
	userRoleKey contextKey = "user_role"
)

// WithIdentity stores user and role information on the context.
func WithIdentity(ctx context.Context, userID string, role models.Role) context.Context {
	if userID != "" {
		ctx = context.WithValue(ctx, userIDKey, userID)
	}
	if !role.Valid() {
		role = models.RoleViewer
	}
	ctx = context.WithValue(ctx, userRoleKey, role)
	return ctx
}

func UserIDFromRequest(r *http.Request) (string, bool) {
	uid, ok := r.Context().Value(userIDKey).(string)
	if !ok || uid == "" {
		return "", false
	}
	return uid, true
}

func RoleFromRequest(r *http.Request) (models.Role, bool) {
	role, ok := r.Context().Value(userRoleKey).(models.Role)
	if !ok || !role.Valid() {
		return "", false
	}
	return role, true
}
