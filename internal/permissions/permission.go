package permissions

import (
	"sort"
	"strings"
)

// Permission is a "<resource>.<action>" string or a named capability such as roles.assign.
type Permission string

// Resources guarded by CRUD permissions.
const (
	ResourceIncidents     = "incidents"
	ResourceRisks         = "risks"
	ResourcePersonnel     = "personnel"
	ResourceMitigations   = "mitigations"
	ResourceTravel        = "travel"
	ResourceReports       = "reports"
	ResourceUsers         = "users"
	ResourceOrganizations = "organizations"
	ResourceAuditLogs     = "audit_logs"
	ResourceInvitations   = "invitations"
	ResourceSettings      = "settings"
)

// CRUD actions.
const (
	ActionView   = "view"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Named capabilities outside the CRUD grid.
const (
	RolesAssign     Permission = "roles.assign"
	SystemConfigure Permission = "system.configure"
	AuditExport     Permission = "audit.export"
	BillingManage   Permission = "billing.manage"
)

// Resources lists every CRUD resource.
func Resources() []string {
	return []string{
		ResourceIncidents, ResourceRisks, ResourcePersonnel, ResourceMitigations, ResourceTravel,
		ResourceReports, ResourceUsers, ResourceOrganizations, ResourceAuditLogs,
		ResourceInvitations, ResourceSettings,
	}
}

// Actions lists every CRUD action.
func Actions() []string {
	return []string{ActionView, ActionCreate, ActionUpdate, ActionDelete}
}

// Capabilities lists every named capability.
func Capabilities() []Permission {
	return []Permission{RolesAssign, SystemConfigure, AuditExport, BillingManage}
}

// On builds the permission for action on resource.
func On(resource, action string) Permission {
	return Permission(resource + "." + action)
}

// Resource returns the part before the first dot.
func (p Permission) Resource() string {
	resource, _, _ := strings.Cut(string(p), ".")
	return resource
}

// Action returns the part after the first dot.
func (p Permission) Action() string {
	_, action, _ := strings.Cut(string(p), ".")
	return action
}

func (p Permission) String() string {
	return string(p)
}

// Set is an immutable-by-convention collection of permissions.
type Set map[Permission]struct{}

// NewSet builds a set from perms.
func NewSet(perms ...Permission) Set {
	s := make(Set, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s Set) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Union returns a new set holding the members of s and other.
func (s Set) Union(other Set) Set {
	out := make(Set, len(s)+len(other))
	for p := range s {
		out[p] = struct{}{}
	}
	for p := range other {
		out[p] = struct{}{}
	}
	return out
}

// Contains reports whether every member of other is in s.
func (s Set) Contains(other Set) bool {
	for p := range other {
		if !s.Has(p) {
			return false
		}
	}
	return true
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Definition documents a permission and the permissions it presupposes.
type Definition struct {
	ID          Permission
	DependsOn   []Permission
	Description string
}

var catalog = buildCatalog()

func buildCatalog() map[Permission]Definition {
	defs := make(map[Permission]Definition)
	for _, resource := range Resources() {
		view := On(resource, ActionView)
		defs[view] = Definition{ID: view, Description: "View " + strings.ReplaceAll(resource, "_", " ")}
		for _, action := range []string{ActionCreate, ActionUpdate, ActionDelete} {
			id := On(resource, action)
			defs[id] = Definition{
				ID:          id,
				DependsOn:   []Permission{view},
				Description: strings.ToUpper(action[:1]) + action[1:] + " " + strings.ReplaceAll(resource, "_", " "),
			}
		}
	}

	defs[RolesAssign] = Definition{
		ID:          RolesAssign,
		DependsOn:   []Permission{On(ResourceUsers, ActionUpdate)},
		Description: "Assign roles to organization members",
	}
	defs[AuditExport] = Definition{
		ID:          AuditExport,
		DependsOn:   []Permission{On(ResourceAuditLogs, ActionView)},
		Description: "Export the audit trail",
	}
	defs[SystemConfigure] = Definition{
		ID:          SystemConfigure,
		DependsOn:   []Permission{On(ResourceSettings, ActionUpdate)},
		Description: "Configure platform wide settings",
	}
	defs[BillingManage] = Definition{
		ID:          BillingManage,
		DependsOn:   []Permission{On(ResourceOrganizations, ActionUpdate)},
		Description: "Manage organization billing and plan",
	}
	return defs
}

// Lookup returns the catalog definition for p.
func Lookup(p Permission) (Definition, bool) {
	def, ok := catalog[p]
	if !ok {
		return Definition{}, false
	}
	def.DependsOn = append([]Permission(nil), def.DependsOn...)
	return def, true
}

// All returns every known permission.
func All() Set {
	s := make(Set, len(catalog))
	for id := range catalog {
		s[id] = struct{}{}
	}
	return s
}
