package membership

import (
	"context"
	"strings"
	"time"

	"sitecrew/pkg/docstore"
)

// InviteToTeam lets a subcontractor invite a technician, by id or email, to
// their team. Nothing changes on either profile until the invitation is accepted.
func (w *Workflow) InviteToTeam(ctx context.Context, s Session, recipientRef string) (Invitation, error) {
	sub, err := w.caller(ctx, s)
	if err != nil {
		return Invitation{}, err
	}
	if !HasBasePermission(sub.Role(), PermManageTeam) {
		return Invitation{}, newError(CodePermissionDenied, "only subcontractors manage a team")
	}
	recipientRef = strings.TrimSpace(recipientRef)
	if recipientRef == "" {
		return Invitation{}, newError(CodeValidation, "no recipient selected")
	}

	u, registered, err := w.resolveUser(ctx, recipientRef)
	if err != nil {
		return Invitation{}, err
	}

	inv := Invitation{
		ID:             w.newID(),
		InviterID:      sub.ID,
		InviterName:    sub.FullName(),
		InviterCompany: sub.Company(),
		Role:           RoleTech,
		Type:           TypeTeamInvite,
		Status:         StatusPending,
		CreatedAt:      w.now(),
	}
	switch {
	case registered:
		tp, ok := u.Profile.(TechnicianProfile)
		if !ok {
			return Invitation{}, withMetadata(CodeValidation, "only technicians join a team", map[string]string{"recipient_id": u.ID})
		}
		if tp.ManagedBy == sub.ID {
			return Invitation{}, withMetadata(CodeInvalidState, "technician is already on your team", map[string]string{"recipient_id": u.ID})
		}
		inv.RecipientID = u.ID
		inv.RecipientName = u.FullName()
		inv.RecipientEmail = u.Email
	case strings.Contains(recipientRef, "@"):
		if !ValidEmail(recipientRef) {
			return Invitation{}, withMetadata(CodeValidation, "invalid email", map[string]string{"recipient": recipientRef})
		}
		inv.RecipientEmail = strings.ToLower(recipientRef)
	default:
		return Invitation{}, withMetadata(CodeNotFound, "recipient not found", map[string]string{"recipient": recipientRef})
	}

	pending, err := w.repo.invitations(ctx,
		docstore.Where("inviterId", docstore.OpEqual, sub.ID),
		docstore.Where("type", docstore.OpEqual, string(TypeTeamInvite)),
		docstore.Where("status", docstore.OpEqual, string(StatusPending)),
	)
	if err != nil {
		return Invitation{}, err
	}
	for _, existing := range pending {
		if (inv.RecipientID != "" && existing.RecipientID == inv.RecipientID) ||
			strings.EqualFold(existing.RecipientEmail, inv.RecipientEmail) {
			return Invitation{}, withMetadata(CodeInvalidState, "a team invitation is already pending", map[string]string{
				"invitation_id": existing.ID,
			})
		}
	}

	if err := w.repo.saveInvitation(ctx, &inv); err != nil {
		return Invitation{}, err
	}

	w.metrics.InvitationsCreated.WithLabelValues(string(inv.Type)).Inc()
	w.publish(ctx, SubjectInvitationCreated, invitationEvent(inv, inv.CreatedAt))
	w.log.Info().
		Str("invitation_id", inv.ID).
		Str("user_id", sub.ID).
		Msg("team invitation created")
	return inv, nil
}

// respondTeam answers a team invitation. Accepting claims the technician:
// managedBy on the technician, managedTechs on the subcontractor, and an
// active sub-tech relationship. The managedBy write is guarded by the
// technician's document version, so of two racing acceptances from
// different subcontractors exactly one wins.
func (w *Workflow) respondTeam(ctx context.Context, tech User, inv Invitation, accept bool) (Invitation, error) {
	if !accept {
		return w.claimInvitation(ctx, tech, inv, false)
	}
	if err := joinable(tech, inv.InviterID); err != nil {
		return Invitation{}, err
	}

	var err error
	if tx, ok := w.store.(docstore.Transactor); ok {
		inv, err = w.acceptTeamTx(ctx, tx, tech, inv)
	} else {
		inv, err = w.acceptTeamSaga(ctx, tech, inv)
	}
	if err != nil {
		return inv, err
	}

	if err := w.updateManagedTechs(ctx, inv.InviterID, func(ids []string) []string { return addUnique(ids, tech.ID) }); err != nil {
		return inv, w.partialFailure(ctx, "accept_team_invite", HalfProfile, inv.ID, "", inv.InviterID, err)
	}

	if _, err := w.establish(ctx, RelSubTech, inv.InviterID, tech.ID, "", tech.ID); err != nil {
		return inv, w.partialFailure(ctx, "accept_team_invite", HalfRelationship, inv.ID, "", tech.ID, err)
	}
	return inv, nil
}

// joinable reports whether u may join the team of subID.
func joinable(u User, subID string) error {
	tp, ok := u.Profile.(TechnicianProfile)
	if !ok {
		return newError(CodeValidation, "only technicians join a team")
	}
	if tp.ManagedBy != "" && tp.ManagedBy != subID {
		return withMetadata(CodeInvalidState, "leave your current team first", map[string]string{
			"managed_by": tp.ManagedBy,
		})
	}
	return nil
}

func claimTechnician(u *User, subID string, at time.Time) {
	tp := u.Profile.(TechnicianProfile)
	tp.ManagedBy = subID
	u.Profile = tp
	u.UpdatedAt = at
}

// acceptTeamTx commits the invitation and the technician profile together.
func (w *Workflow) acceptTeamTx(ctx context.Context, tx docstore.Transactor, tech User, inv Invitation) (Invitation, error) {
	first := true
	err := w.retry(ctx, func() error {
		if !first {
			fresh, err := w.repo.invitation(ctx, inv.ID)
			if err != nil {
				return err
			}
			inv = fresh
		}
		first = false
		u, err := w.repo.user(ctx, tech.ID)
		if err != nil {
			return err
		}
		if err := joinable(u, inv.InviterID); err != nil {
			return err
		}
		version := inv.version
		if err := inv.Respond(true, w.now()); err != nil {
			return err
		}
		inv.RecipientID = tech.ID
		claimTechnician(&u, inv.InviterID, w.now())
		return tx.Commit(ctx, []docstore.Write{
			{Path: invitationPath(inv.ID), Data: &inv, Options: []docstore.SetOption{docstore.IfVersion(version)}},
			{Path: userPath(u.ID), Data: &u, Options: []docstore.SetOption{docstore.IfVersion(u.version)}},
		})
	})
	if err != nil {
		return Invitation{}, err
	}
	return inv, nil
}

// acceptTeamSaga reserves the technician first and only then claims the
// invitation. A lost claim hands the technician back.
func (w *Workflow) acceptTeamSaga(ctx context.Context, tech User, inv Invitation) (Invitation, error) {
	var previous string
	err := w.retry(ctx, func() error {
		u, err := w.repo.user(ctx, tech.ID)
		if err != nil {
			return err
		}
		if err := joinable(u, inv.InviterID); err != nil {
			return err
		}
		previous = u.Profile.(TechnicianProfile).ManagedBy
		claimTechnician(&u, inv.InviterID, w.now())
		return w.repo.saveUser(ctx, &u)
	})
	if err != nil {
		return Invitation{}, err
	}

	claimed, err := w.claimInvitation(ctx, tech, inv, true)
	if err == nil {
		return claimed, nil
	}
	if previous == inv.InviterID {
		return Invitation{}, err
	}
	releaseErr := w.retry(ctx, func() error {
		u, err := w.repo.user(ctx, tech.ID)
		if err != nil {
			return err
		}
		if u.Profile.(TechnicianProfile).ManagedBy != inv.InviterID {
			return nil
		}
		claimTechnician(&u, previous, w.now())
		return w.repo.saveUser(ctx, &u)
	})
	if releaseErr != nil {
		return Invitation{}, w.partialFailure(ctx, "accept_team_invite", HalfProfile, inv.ID, "", tech.ID, releaseErr)
	}
	return Invitation{}, err
}

func (w *Workflow) updateManagedTechs(ctx context.Context, subID string, change func([]string) []string) error {
	return w.retry(ctx, func() error {
		u, err := w.repo.user(ctx, subID)
		if err != nil {
			return err
		}
		sp, ok := u.Profile.(SubcontractorProfile)
		if !ok {
			return newError(CodeValidation, "team owner is not a subcontractor")
		}
		sp.ManagedTechs = change(sp.ManagedTechs)
		u.Profile = sp
		u.UpdatedAt = w.now()
		return w.repo.saveUser(ctx, &u)
	})
}

// RemoveFromTeam ends a technician's membership of the caller's team. The
// technician keeps the caller as previousManager and the pair keeps an
// inactive previous-team-member relationship, which is returned.
func (w *Workflow) RemoveFromTeam(ctx context.Context, s Session, techID string) (Relationship, error) {
	sub, err := w.caller(ctx, s)
	if err != nil {
		return Relationship{}, err
	}
	if !HasBasePermission(sub.Role(), PermManageTeam) {
		return Relationship{}, newError(CodePermissionDenied, "only subcontractors manage a team")
	}

	meta := map[string]string{"tech_id": techID}
	err = w.retry(ctx, func() error {
		u, err := w.repo.user(ctx, techID)
		if err != nil {
			return err
		}
		tp, ok := u.Profile.(TechnicianProfile)
		switch {
		case !ok:
			return withMetadata(CodeValidation, "user is not a technician", meta)
		case tp.ManagedBy == "" && tp.PreviousManager == sub.ID:
			return withMetadata(CodeInvalidState, "technician was already removed", meta)
		case tp.ManagedBy != sub.ID:
			return withMetadata(CodePermissionDenied, "technician is not on your team", meta)
		}
		tp.PreviousManager = tp.ManagedBy
		tp.ManagedBy = ""
		u.Profile = tp
		u.UpdatedAt = w.now()
		return w.repo.saveUser(ctx, &u)
	})
	if err != nil {
		return Relationship{}, err
	}

	if err := w.updateManagedTechs(ctx, sub.ID, func(ids []string) []string { return removeID(ids, techID) }); err != nil {
		return Relationship{}, w.partialFailure(ctx, "remove_from_team", HalfProfile, "", "", sub.ID, err)
	}

	now := w.now()
	history := Relationship{
		ID:                     w.newID(),
		Type:                   RelPreviousTeamMember,
		PrimaryUserID:          sub.ID,
		SecondaryUserID:        techID,
		Status:                 RelInactive,
		EstablishedAt:          now,
		ProjectsWorkedTogether: []string{},
	}

	err = w.retry(ctx, func() error {
		active, found, err := w.repo.relationship(ctx, relationshipID(RelSubTech, sub.ID, techID))
		if err != nil || !found {
			return err
		}
		history.EstablishedAt = active.EstablishedAt
		history.ProjectsWorkedTogether = append([]string{}, active.ProjectsWorkedTogether...)
		if active.Status != RelActive {
			return nil
		}
		active.deactivate(now)
		if err := w.repo.saveRelationship(ctx, &active); err != nil {
			return err
		}
		w.publish(ctx, SubjectRelationshipChanged, relationshipEvent(active, sub.ID, now))
		return nil
	})
	if err != nil {
		return Relationship{}, w.partialFailure(ctx, "remove_from_team", HalfRelationship, "", "", techID, err)
	}

	history.deactivate(now)
	if err := w.repo.saveRelationship(ctx, &history); err != nil {
		return Relationship{}, w.partialFailure(ctx, "remove_from_team", HalfRelationship, "", "", techID, err)
	}
	w.publish(ctx, SubjectRelationshipChanged, relationshipEvent(history, sub.ID, now))

	w.log.Info().Str("user_id", sub.ID).Str("tech_id", techID).Msg("technician removed from team")
	return history, nil
}

// AddToNetwork links a contractor and a subcontractor outside any project.
// Repeating it changes nothing and returns the existing relationship.
func (w *Workflow) AddToNetwork(ctx context.Context, s Session, subID string) (Relationship, error) {
	gc, err := w.caller(ctx, s)
	if err != nil {
		return Relationship{}, err
	}
	if gc.Role() != RoleGC {
		return Relationship{}, newError(CodePermissionDenied, "only general contractors build a network")
	}
	sub, err := w.repo.user(ctx, subID)
	if err != nil {
		return Relationship{}, err
	}
	if sub.Role() != RoleSub {
		return Relationship{}, withMetadata(CodeValidation, "only subcontractors join a network", map[string]string{"sub_id": subID})
	}

	err = w.retry(ctx, func() error {
		u, err := w.repo.user(ctx, gc.ID)
		if err != nil {
			return err
		}
		cp, _ := u.Profile.(ContractorProfile)
		if containsID(cp.ManagedSubs, subID) {
			return nil
		}
		cp.ManagedSubs = addUnique(cp.ManagedSubs, subID)
		u.Profile = cp
		u.UpdatedAt = w.now()
		return w.repo.saveUser(ctx, &u)
	})
	if err != nil {
		return Relationship{}, err
	}

	err = w.retry(ctx, func() error {
		u, err := w.repo.user(ctx, subID)
		if err != nil {
			return err
		}
		sp, _ := u.Profile.(SubcontractorProfile)
		if containsID(sp.AssociatedGCs, gc.ID) {
			return nil
		}
		sp.AssociatedGCs = addUnique(sp.AssociatedGCs, gc.ID)
		u.Profile = sp
		u.UpdatedAt = w.now()
		return w.repo.saveUser(ctx, &u)
	})
	if err != nil {
		return Relationship{}, w.partialFailure(ctx, "add_to_network", HalfProfile, "", "", subID, err)
	}

	rel, err := w.establish(ctx, RelGCSub, gc.ID, subID, "", gc.ID)
	if err != nil {
		return Relationship{}, w.partialFailure(ctx, "add_to_network", HalfRelationship, "", "", subID, err)
	}
	return rel, nil
}

// establish activates the single relationship of kind t between primary and
// secondary, creating it on first use. An already active relationship is
// only touched when a project is recorded against it.
func (w *Workflow) establish(ctx context.Context, t RelationshipType, primary, secondary, projectID, actorID string) (Relationship, error) {
	var (
		out     Relationship
		changed bool
	)
	err := w.retry(ctx, func() error {
		rel, found, err := w.repo.relationship(ctx, relationshipID(t, primary, secondary))
		if err != nil {
			return err
		}
		if found && rel.Status == RelActive && (projectID == "" || containsID(rel.ProjectsWorkedTogether, projectID)) {
			out, changed = rel, false
			return nil
		}
		if !found {
			rel.Type = t
			rel.PrimaryUserID = primary
			rel.SecondaryUserID = secondary
			rel.ProjectsWorkedTogether = []string{}
		}
		now := w.now()
		rel.activate(now)
		if projectID != "" {
			rel.recordProject(projectID, now)
		}
		if err := w.repo.saveRelationship(ctx, &rel); err != nil {
			return err
		}
		out, changed = rel, true
		return nil
	})
	if err != nil {
		return Relationship{}, err
	}
	if changed {
		w.publish(ctx, SubjectRelationshipChanged, relationshipEvent(out, actorID, w.now()))
	}
	return out, nil
}

// Network lists every relationship the caller takes part in, active or not.
func (w *Workflow) Network(ctx context.Context, s Session) ([]Relationship, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	asPrimary, err := w.repo.relationships(ctx, docstore.Where("primaryUserId", docstore.OpEqual, s.UserID))
	if err != nil {
		return nil, err
	}
	asSecondary, err := w.repo.relationships(ctx, docstore.Where("secondaryUserId", docstore.OpEqual, s.UserID))
	if err != nil {
		return nil, err
	}
	return append(asPrimary, asSecondary...), nil
}

// Team lists the technicians the calling subcontractor currently manages.
func (w *Workflow) Team(ctx context.Context, s Session) ([]User, error) {
	sub, err := w.caller(ctx, s)
	if err != nil {
		return nil, err
	}
	sp, ok := sub.Profile.(SubcontractorProfile)
	if !ok {
		return nil, newError(CodePermissionDenied, "only subcontractors manage a team")
	}
	out := make([]User, 0, len(sp.ManagedTechs))
	for _, id := range sp.ManagedTechs {
		u, err := w.repo.user(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}
