package domain

import "strings"

const (
	RoleAdmin            = "ADMIN"
	RoleModerator        = "MODERATOR"
	RoleProductManager   = "PRODUCT_MANAGER"
	RoleUserManager      = "USER_MANAGER"
	RoleSupport          = "SUPPORT"
	RoleRepairTechnician = "REPAIR_TECHNICIAN"
	RoleUser             = "USER"
)

// rolePriority is the total order used to classify role transitions.
// REPAIR_TECHNICIAN is deliberately absent and resolves to 0, matching the
// backend's priority table.
var rolePriority = map[string]int{
	RoleAdmin:          6,
	RoleModerator:      5,
	RoleProductManager: 4,
	RoleUserManager:    3,
	RoleSupport:        2,
	RoleUser:           1,
}

// RolePriority returns the numeric rank of a role. Unknown roles rank 0.
func RolePriority(role string) int {
	return rolePriority[NormalizeRole(role)]
}

// TransitionClass classifies a role change relative to the old role.
type TransitionClass int

const (
	TransitionNone TransitionClass = iota
	TransitionUpgrade
	TransitionDowngrade
	TransitionLateral
)

func (t TransitionClass) String() string {
	switch t {
	case TransitionUpgrade:
		return "upgrade"
	case TransitionDowngrade:
		return "downgrade"
	case TransitionLateral:
		return "lateral"
	default:
		return "none"
	}
}

// ClassifyTransition compares two roles under the fixed priority order.
// USER is the floor: moving away from USER is always an upgrade, whatever
// the numeric ranks say. Both reconciliation paths (event-driven and the
// polling loop) consume this single classification and layer their own
// policy on top.
func ClassifyTransition(oldRole, newRole string) TransitionClass {
	o, n := NormalizeRole(oldRole), NormalizeRole(newRole)
	if o == n {
		return TransitionNone
	}
	if o == RoleUser {
		return TransitionUpgrade
	}
	op, np := RolePriority(o), RolePriority(n)
	switch {
	case np > op:
		return TransitionUpgrade
	case np < op:
		return TransitionDowngrade
	default:
		return TransitionLateral
	}
}

// adminAdjacent lists the roles granted admin-panel access alongside ADMIN.
var adminAdjacent = map[string]struct{}{
	RoleModerator:        {},
	RoleProductManager:   {},
	RoleUserManager:      {},
	RoleSupport:          {},
	RoleRepairTechnician: {},
}

// IsAdminLike reports whether a role (or any role in the mirror set) grants
// access to the admin panel. This is a deliberately loose convenience
// check: exact ADMIN, an admin-adjacent staff role, or any role whose name
// contains "admin". It is not an authorization boundary; the backend
// enforces real permissions per action.
func IsAdminLike(role string, roles []string) bool {
	if roleIsAdminLike(role) {
		return true
	}
	for _, r := range roles {
		if roleIsAdminLike(r) {
			return true
		}
	}
	return false
}

func roleIsAdminLike(role string) bool {
	r := NormalizeRole(role)
	if r == RoleAdmin {
		return true
	}
	if _, ok := adminAdjacent[r]; ok {
		return true
	}
	return strings.Contains(strings.ToLower(role), "admin")
}
