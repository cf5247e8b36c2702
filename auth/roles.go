// Package auth validates bearer tokens and scopes callers to the data they
// may see: admins see everything, a pharmacy sees only itself.
package auth

// Role represents a caller role.
type Role string

const (
	RolePharmacy Role = "pharmacy"
	RoleAdmin    Role = "admin"
)

// NormalizeRole validates and normalizes a role string.
func NormalizeRole(value string) (Role, bool) {
	switch Role(value) {
	case RolePharmacy, RoleAdmin:
		return Role(value), true
	default:
		return "", false
	}
}

// RoleAtLeast returns true when role satisfies required role.
func RoleAtLeast(role Role, required Role) bool {
	return roleRank(role) >= roleRank(required)
}

func roleRank(role Role) int {
	switch role {
	case RolePharmacy:
		return 1
	case RoleAdmin:
		return 2
	default:
		return 0
	}
}
