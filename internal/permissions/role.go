package permissions

import "strings"

// Role is a tenant-scoped access level. The four roles form a strict inclusion hierarchy.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleManager    Role = "manager"
	RoleUser       Role = "user"
)

// AllRoles lists roles from most to least privileged.
func AllRoles() []Role {
	return []Role{RoleSuperAdmin, RoleAdmin, RoleManager, RoleUser}
}

// ParseRole maps a stored role string onto a Role. Unknown values report false.
func ParseRole(value string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	switch role {
	case RoleSuperAdmin, RoleAdmin, RoleManager, RoleUser:
		return role, true
	default:
		return "", false
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, ok := ParseRole(string(r))
	return ok
}

func (r Role) String() string {
	return string(r)
}
