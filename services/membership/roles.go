package membership

import "strings"

// Role is the immutable role chosen at profile completion.
type Role string

const (
	RoleGC   Role = "GC"
	RoleSub  Role = "Sub"
	RoleTech Role = "Tech"
)

// ParseRole accepts the stored values and their long names.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gc", "general contractor", "general_contractor":
		return RoleGC, true
	case "sub", "subcontractor":
		return RoleSub, true
	case "tech", "technician":
		return RoleTech, true
	default:
		return "", false
	}
}

func (r Role) Valid() bool {
	return r == RoleGC || r == RoleSub || r == RoleTech
}

// DisplayName returns the human name of the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleGC:
		return "General Contractor"
	case RoleSub:
		return "Subcontractor"
	case RoleTech:
		return "Technician"
	default:
		return "Unknown"
	}
}

// Permission is a capability granted by role or project context.
type Permission string

const (
	PermCreateProject        Permission = "create_project"
	PermInviteToProject      Permission = "invite_to_project"
	PermCreateEvent          Permission = "create_event"
	PermBroadcast            Permission = "broadcast"
	PermManageTeam           Permission = "manage_team"
	PermInviteTechsToProject Permission = "invite_techs_to_project"
	PermViewOnly             Permission = "view_only"
)

var basePermissions = map[Role][]Permission{
	RoleGC:   {PermCreateProject, PermInviteToProject, PermCreateEvent, PermBroadcast},
	RoleSub:  {PermManageTeam, PermCreateEvent, PermInviteTechsToProject},
	RoleTech: {PermViewOnly},
}

// BasePermissions returns the role's floor permission set.
func BasePermissions(role Role) []Permission {
	perms := basePermissions[role]
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}

// HasBasePermission reports whether role grants perm outside any project context.
func HasBasePermission(role Role, perm Permission) bool {
	for _, p := range basePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
