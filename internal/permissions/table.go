package permissions

import "fmt"

// crud grants the listed actions on each resource.
func crud(resources []string, actions ...string) Set {
	s := make(Set, len(resources)*len(actions))
	for _, resource := range resources {
		for _, action := range actions {
			s[On(resource, action)] = struct{}{}
		}
	}
	return s
}

var operational = []string{
	ResourceIncidents, ResourceRisks, ResourcePersonnel, ResourceMitigations, ResourceTravel, ResourceReports,
}

func userPermissions() Set {
	return crud(operational, ActionView).
		Union(crud([]string{ResourceIncidents, ResourceTravel}, ActionCreate))
}

func managerPermissions() Set {
	return userPermissions().
		Union(crud(operational, ActionCreate, ActionUpdate)).
		Union(crud([]string{ResourceIncidents, ResourceMitigations, ResourceTravel}, ActionDelete)).
		Union(crud([]string{ResourceUsers, ResourceInvitations}, ActionView))
}

func adminPermissions() Set {
	return managerPermissions().
		Union(crud(operational, ActionDelete)).
		Union(crud([]string{ResourceUsers, ResourceInvitations}, ActionView, ActionCreate, ActionUpdate, ActionDelete)).
		Union(crud([]string{ResourceOrganizations, ResourceAuditLogs, ResourceSettings}, ActionView)).
		Union(crud([]string{ResourceSettings}, ActionUpdate)).
		Union(NewSet(RolesAssign, AuditExport))
}

func superAdminPermissions() Set {
	return adminPermissions().
		Union(crud(Resources(), ActionView, ActionCreate, ActionUpdate, ActionDelete)).
		Union(NewSet(Capabilities()...))
}

var table = mustValidTable(map[Role]Set{
	RoleSuperAdmin: superAdminPermissions(),
	RoleAdmin:      adminPermissions(),
	RoleManager:    managerPermissions(),
	RoleUser:       userPermissions(),
})

func mustValidTable(t map[Role]Set) map[Role]Set {
	if err := validateTable(catalog, t); err != nil {
		panic(err)
	}
	return t
}

// validateTable checks that every granted permission is in defs and that each role also
// holds the full dependency chain of what it grants.
func validateTable(defs map[Permission]Definition, t map[Role]Set) error {
	for role, granted := range t {
		for perm := range granted {
			deps, err := resolveDependencies(defs, perm)
			if err != nil {
				return fmt.Errorf("permission: role %s: %w", role, err)
			}
			for _, dep := range deps {
				if !granted.Has(dep) {
					return fmt.Errorf("%w: role %s grants %s without %s", ErrMissingDependency, role, perm, dep)
				}
			}
		}
	}
	return nil
}

// PermissionsFor returns a copy of the permission set granted to role. Unknown roles get
// an empty set.
func PermissionsFor(role Role) Set {
	var granted Set
	switch role {
	case RoleSuperAdmin:
		granted = table[RoleSuperAdmin]
	case RoleAdmin:
		granted = table[RoleAdmin]
	case RoleManager:
		granted = table[RoleManager]
	case RoleUser:
		granted = table[RoleUser]
	default:
		return Set{}
	}
	return granted.Union(nil)
}
