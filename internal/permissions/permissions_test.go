package permissions

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/sentinel/internal/models"
)

func TestHasPermissionMatchesTable(t *testing.T) {
	for _, role := range AllRoles() {
		profile := &models.Profile{Role: string(role)}
		granted := PermissionsFor(role)
		for perm := range All() {
			require.Equal(t, granted.Has(perm), HasPermission(profile, perm), "role %s permission %s", role, perm)
		}
	}
}

func TestRoleInclusionHierarchy(t *testing.T) {
	roles := AllRoles()
	for i := 0; i < len(roles)-1; i++ {
		higher, lower := PermissionsFor(roles[i]), PermissionsFor(roles[i+1])
		require.True(t, higher.Contains(lower), "%s must include %s", roles[i], roles[i+1])
		require.Greater(t, len(higher), len(lower))
	}
	require.Equal(t, len(All()), len(PermissionsFor(RoleSuperAdmin)))
}

func TestTableOnlyReferencesCatalogAndDependencies(t *testing.T) {
	for _, role := range AllRoles() {
		granted := PermissionsFor(role)
		for perm := range granted {
			_, ok := Lookup(perm)
			require.True(t, ok, "%s grants unknown %s", role, perm)

			deps, err := ResolveDependencies(perm)
			require.NoError(t, err)
			for _, dep := range deps {
				require.True(t, granted.Has(dep), "%s grants %s without %s", role, perm, dep)
			}
		}
	}
}

func TestValidateTableRejectsMissingDependency(t *testing.T) {
	require.NoError(t, validateTable(catalog, table))

	broken := map[Role]Set{RoleUser: NewSet(On(ResourceIncidents, ActionDelete))}
	err := validateTable(catalog, broken)
	require.ErrorIs(t, err, ErrMissingDependency)
	require.Contains(t, err.Error(), "incidents.view")

	err = validateTable(catalog, map[Role]Set{RoleUser: NewSet("nope.view")})
	require.ErrorIs(t, err, ErrUnknownPermission)

	require.Panics(t, func() { mustValidTable(broken) })
}

func TestNilProfileFailsClosed(t *testing.T) {
	for perm := range All() {
		require.False(t, HasPermission(nil, perm))
	}
	require.False(t, HasRole(nil, AllRoles()...))
	require.Nil(t, Granted(nil))
}

func TestUnknownRoleFailsClosed(t *testing.T) {
	profile := &models.Profile{Role: "owner"}
	require.False(t, HasPermission(profile, On(ResourceIncidents, ActionView)))
	require.False(t, HasRole(profile, AllRoles()...))
	require.Empty(t, PermissionsFor(Role("owner")))
}

func TestManagerScenario(t *testing.T) {
	profile := &models.Profile{Role: "manager"}
	require.True(t, HasPermission(profile, "incidents.create"))
	require.False(t, HasPermission(profile, "users.delete"))
	require.True(t, HasRole(profile, RoleManager))
	require.True(t, HasRole(profile, RoleAdmin, RoleManager))
	require.False(t, HasRole(profile, RoleAdmin))
}

func TestCapabilities(t *testing.T) {
	admin := &models.Profile{Role: "admin"}
	require.True(t, HasPermission(admin, RolesAssign))
	require.False(t, HasPermission(admin, SystemConfigure))
	require.False(t, HasPermission(admin, BillingManage))

	root := &models.Profile{Role: "SUPER_ADMIN"}
	require.True(t, HasPermission(root, SystemConfigure))
	require.True(t, HasPermission(root, On(ResourceOrganizations, ActionDelete)))
}

func TestPermissionsForReturnsCopy(t *testing.T) {
	set := PermissionsFor(RoleUser)
	set[SystemConfigure] = struct{}{}
	require.False(t, PermissionsFor(RoleUser).Has(SystemConfigure))
}

func TestPermissionParts(t *testing.T) {
	p := On(ResourceAuditLogs, ActionView)
	require.Equal(t, "audit_logs", p.Resource())
	require.Equal(t, "view", p.Action())
}

func TestParseRole(t *testing.T) {
	role, ok := ParseRole(" Admin ")
	require.True(t, ok)
	require.Equal(t, RoleAdmin, role)

	_, ok = ParseRole("root")
	require.False(t, ok)
	require.False(t, Role("root").Valid())
}

func TestResolveDependenciesDetectsCycles(t *testing.T) {
	defs := map[Permission]Definition{
		"a.view": {ID: "a.view", DependsOn: []Permission{"b.view"}},
		"b.view": {ID: "b.view", DependsOn: []Permission{"a.view"}},
	}
	_, err := resolveDependencies(defs, "a.view")
	require.ErrorIs(t, err, ErrCircularDependency)

	_, err = ResolveDependencies("nope.view")
	require.ErrorIs(t, err, ErrUnknownPermission)
}

func TestGrantedIsSorted(t *testing.T) {
	perms := Granted(&models.Profile{Role: "user"})
	require.NotEmpty(t, perms)
	for i := 1; i < len(perms); i++ {
		require.Less(t, perms[i-1], perms[i])
	}
}
