package auth

import (
	"net/http"
	"strings"
)

// Policy maps requests to the role they require. Exempt paths skip auth
// entirely; paths with no rule pass through unauthenticated.
type Policy struct {
	// ExemptPrefixes bypass auth (health, metrics, signed ingest).
	ExemptPrefixes []string
	// ViewerPrefixes require at least viewer for any method.
	ViewerPrefixes []string
	// OperatorPrefixes require at least operator for mutating methods and
	// viewer for reads.
	OperatorPrefixes []string
}

// DefaultPolicy covers the alarm API: reads need viewer, alarm
// dispositions need operator, health/metrics/ingest are exempt.
func DefaultPolicy() Policy {
	return Policy{
		ExemptPrefixes:   []string{"/healthz", "/metrics", "/api/v1/ingest/"},
		ViewerPrefixes:   []string{"/api/v1/reports/"},
		OperatorPrefixes: []string{"/api/v1/alarms"},
	}
}

// IsExempt reports whether the request bypasses auth.
func (p Policy) IsExempt(r *http.Request) bool {
	return matchPrefix(p.ExemptPrefixes, r.URL.Path)
}

// RequiredRole returns the minimum role for the request, false when no
// rule covers the path.
func (p Policy) RequiredRole(r *http.Request) (Role, bool) {
	if matchPrefix(p.OperatorPrefixes, r.URL.Path) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			return RoleViewer, true
		}
		return RoleOperator, true
	}
	if matchPrefix(p.ViewerPrefixes, r.URL.Path) {
		return RoleViewer, true
	}
	return "", false
}

func matchPrefix(prefixes []string, path string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
