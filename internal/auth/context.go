package auth

import "context"

type contextKey int

const (
	tenantKey contextKey = iota
	roleKey
	subjectKey
)

// WithIdentity stores the authenticated identity on the context.
func WithIdentity(ctx context.Context, tenantID string, role Role, subject string) context.Context {
	ctx = context.WithValue(ctx, tenantKey, tenantID)
	ctx = context.WithValue(ctx, roleKey, role)
	ctx = context.WithValue(ctx, subjectKey, subject)
	return ctx
}

// TenantIDFromContext returns the authenticated tenant id, empty when absent.
func TenantIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(tenantKey).(string)
	return value
}

// RoleFromContext returns the authenticated role, empty when absent.
func RoleFromContext(ctx context.Context) Role {
	value, _ := ctx.Value(roleKey).(Role)
	return value
}

// SubjectFromContext returns the authenticated subject, empty when absent.
func SubjectFromContext(ctx context.Context) string {
	value, _ := ctx.Value(subjectKey).(string)
	return value
}
