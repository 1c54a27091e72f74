package auth

// Role is an API caller's privilege level. Viewers read alarms and
// reports, operators additionally dispose of alarms (ignore, block,
// allow, delete), admins can do everything an operator can.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// NormalizeRole validates a role string from a token claim.
func NormalizeRole(value string) (Role, bool) {
	switch Role(value) {
	case RoleViewer, RoleOperator, RoleAdmin:
		return Role(value), true
	default:
		return "", false
	}
}

// RoleAtLeast reports whether role satisfies the required privilege level.
func RoleAtLeast(role Role, required Role) bool {
	return roleRank(role) >= roleRank(required)
}

func roleRank(role Role) int {
	switch role {
	case RoleViewer:
		return 1
	case RoleOperator:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}
