package auth

import "obddash/pkg/domain"

// Permission names an action guarded by the HTTP layer.
type Permission string

// Permissions checked by Require.
const (
	PermRead    Permission = "read"
	PermWrite   Permission = "write"
	PermImport  Permission = "import"
	PermReports Permission = "reports"
	PermUsers   Permission = "users"
)

var rolePermissions = map[domain.Role][]Permission{
	domain.RoleViewer:     {PermRead, PermReports},
	domain.RoleTechnician: {PermRead, PermReports, PermWrite, PermImport},
	domain.RoleAdmin:      {PermRead, PermReports, PermWrite, PermImport, PermUsers},
}

// Permissions lists what role may do. Unknown roles get nothing.
func Permissions(role domain.Role) []Permission {
	return append([]Permission(nil), rolePermissions[role]...)
}

// Allows reports whether role grants perm.
func Allows(role domain.Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
