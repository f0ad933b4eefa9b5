package membership

// InviteScope is what a user may do when inviting people to a project.
type InviteScope string

const (
	ScopeDenied    InviteScope = "denied"
	ScopeFull      InviteScope = "full"
	ScopeTechsOnly InviteScope = "techs_only"
)

// CanInviteToProject resolves the caller's invitation rights on p. The
// creator always has full rights; an accepted subcontractor may invite
// technicians while the project allows it.
func CanInviteToProject(userID string, role Role, p *Project) InviteScope {
	if p == nil || userID == "" {
		return ScopeDenied
	}
	if p.CreatedBy == userID {
		return ScopeFull
	}
	if role == RoleSub && isAcceptedMember(p, userID) && p.SubInvitesAllowed() {
		return ScopeTechsOnly
	}
	return ScopeDenied
}

// CanCreateProjectEvent reports whether the caller may schedule events on p.
func CanCreateProjectEvent(role Role, p *Project, userID string) bool {
	if p == nil || userID == "" {
		return false
	}
	if role == RoleGC && p.CreatedBy == userID {
		return true
	}
	return role == RoleSub && isAcceptedMember(p, userID) && p.SubEventsAllowed()
}

// CanViewProject reports whether the caller may read p and its feed: the
// owner, assigned technicians, and subcontractors whose invitation is pending
// or accepted. Declining an invitation gives up access.
func CanViewProject(userID string, p *Project) bool {
	if p == nil || userID == "" {
		return false
	}
	if p.CreatedBy == userID || p.HasTech(userID) {
		return true
	}
	m, ok := FindMember(p, userID)
	return ok && m.Status != StatusDeclined
}

// ProjectPermissions is the effective permission set of the caller on p:
// the role's base permissions narrowed by the project context.
func ProjectPermissions(userID string, role Role, p *Project) []Permission {
	if !CanViewProject(userID, p) {
		return nil
	}

	perms := []Permission{PermViewOnly}
	switch CanInviteToProject(userID, role, p) {
	case ScopeFull:
		perms = append(perms, PermInviteToProject)
	case ScopeTechsOnly:
		perms = append(perms, PermInviteTechsToProject)
	}
	if CanCreateProjectEvent(role, p, userID) {
		perms = append(perms, PermCreateEvent)
	}
	if role == RoleGC && p.CreatedBy == userID && HasBasePermission(role, PermBroadcast) {
		perms = append(perms, PermBroadcast)
	}
	return perms
}
