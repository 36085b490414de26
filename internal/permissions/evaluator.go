package permissions

import (
	"github.com/charlesng35/sentinel/internal/models"
	"github.com/charlesng35/sentinel/pkg/metrics"
)

// HasPermission reports whether the profile's role grants perm. A nil profile or an unknown
// role grants nothing.
func HasPermission(profile *models.Profile, perm Permission) bool {
	allowed := hasPermission(profile, perm)
	result := "deny"
	if allowed {
		result = "allow"
	}
	metrics.PermissionChecks.WithLabelValues(perm.String(), result).Inc()
	return allowed
}

func hasPermission(profile *models.Profile, perm Permission) bool {
	if profile == nil {
		return false
	}
	role, ok := ParseRole(profile.Role)
	if !ok {
		return false
	}
	return table[role].Has(perm)
}

// HasRole reports whether the profile holds any of roles.
func HasRole(profile *models.Profile, roles ...Role) bool {
	if profile == nil {
		return false
	}
	role, ok := ParseRole(profile.Role)
	if !ok {
		return false
	}
	for _, candidate := range roles {
		if candidate == role {
			return true
		}
	}
	return false
}

// Granted returns the sorted permissions held by profile.
func Granted(profile *models.Profile) []Permission {
	if profile == nil {
		return nil
	}
	role, ok := ParseRole(profile.Role)
	if !ok {
		return nil
	}
	return table[role].Sorted()
}
