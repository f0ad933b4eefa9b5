package membership

import (
	"context"
	"errors"
	"fmt"

	"sitecrew/pkg/docstore"
	"sitecrew/pkg/render"
)

// InviteToProject invites recipients (user ids or registered emails) to a
// project and returns how many invitations were created. Either every
// recipient is invited or none is.
func (w *Workflow) InviteToProject(ctx context.Context, s Session, in ProjectInvite) (int, error) {
	inviter, err := w.caller(ctx, s)
	if err != nil {
		return 0, err
	}
	recipients := dedupe(in.Recipients)
	if len(recipients) == 0 {
		return 0, newError(CodeValidation, "no recipients selected")
	}

	users := make([]User, 0, len(recipients))
	for _, ref := range recipients {
		u, ok, err := w.resolveUser(ctx, ref)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, withMetadata(CodeNotFound, "recipient not found", map[string]string{"recipient": ref})
		}
		if u.ID == inviter.ID {
			return 0, newError(CodeValidation, "cannot invite yourself")
		}
		users = append(users, u)
	}

	var (
		created []Invitation
		project Project
	)
	if tx, ok := w.store.(docstore.Transactor); ok {
		err = w.retry(ctx, func() error {
			p, invitations, err := w.prepareProjectInvites(ctx, inviter, in, users)
			if err != nil {
				return err
			}
			writes := []docstore.Write{{Path: projectPath(p.ID), Data: &p, Options: []docstore.SetOption{docstore.IfVersion(p.version)}}}
			for i := range invitations {
				writes = append(writes, docstore.Write{
					Path:    invitationPath(invitations[i].ID),
					Data:    &invitations[i],
					Options: []docstore.SetOption{docstore.IfVersion(0)},
				})
			}
			if err := tx.Commit(ctx, writes); err != nil {
				return fmt.Errorf("commit invitations: %w", err)
			}
			project, created = p, invitations
			return nil
		})
		if err != nil {
			return 0, err
		}
	} else {
		err = w.retry(ctx, func() error {
			p, invitations, err := w.prepareProjectInvites(ctx, inviter, in, users)
			if err != nil {
				return err
			}
			if err := w.repo.saveProject(ctx, &p); err != nil {
				return err
			}
			project, created = p, invitations
			return nil
		})
		if err != nil {
			return 0, err
		}
		for i := range created {
			if err := w.repo.saveInvitation(ctx, &created[i]); err != nil {
				return i, w.partialFailure(ctx, "invite_to_project", HalfInvitation, created[i].ID, project.ID, created[i].RecipientID, err)
			}
		}
	}

	role := created[0].Role
	w.postMessage(ctx, project.ID, render.MembersInvited, map[string]any{"Count": len(created), "Role": string(role)}, "system", "System")
	for _, inv := range created {
		w.metrics.InvitationsCreated.WithLabelValues(string(inv.Type)).Inc()
		w.publish(ctx, SubjectInvitationCreated, invitationEvent(inv, inv.CreatedAt))
	}
	w.log.Info().
		Str("project_id", project.ID).
		Str("user_id", inviter.ID).
		Int("count", len(created)).
		Msg("project invitations created")
	return len(created), nil
}

// prepareProjectInvites loads the project fresh, checks every precondition
// and returns the mutated project plus the invitations to create.
func (w *Workflow) prepareProjectInvites(ctx context.Context, inviter User, in ProjectInvite, recipients []User) (Project, []Invitation, error) {
	p, err := w.repo.project(ctx, in.ProjectID)
	if err != nil {
		return Project{}, nil, err
	}

	scope := CanInviteToProject(inviter.ID, inviter.Role(), &p)
	role := in.Role
	switch scope {
	case ScopeDenied:
		return Project{}, nil, newError(CodePermissionDenied, "you cannot invite people to this project")
	case ScopeTechsOnly:
		if role == "" {
			role = RoleTech
		}
		if role != RoleTech {
			return Project{}, nil, newError(CodePermissionDenied, "subcontractors may only invite technicians")
		}
	case ScopeFull:
		if role == "" {
			role = RoleSub
		}
		if role != RoleSub && role != RoleTech {
			return Project{}, nil, newError(CodeValidation, "invitations offer the Sub or Tech role")
		}
	}

	pending, err := w.repo.invitations(ctx,
		docstore.Where("projectId", docstore.OpEqual, p.ID),
		docstore.Where("status", docstore.OpEqual, string(StatusPending)),
	)
	if err != nil {
		return Project{}, nil, err
	}

	now := w.now()
	invitations := make([]Invitation, 0, len(recipients))
	var entries []MemberEntry
	for _, u := range recipients {
		meta := map[string]string{"recipient_id": u.ID, "project_id": p.ID}
		if u.Role() != role {
			return Project{}, nil, withMetadata(CodeValidation, "recipient is not a "+role.DisplayName(), meta)
		}
		if scope == ScopeTechsOnly {
			if tp, ok := u.Profile.(TechnicianProfile); !ok || tp.ManagedBy != inviter.ID {
				return Project{}, nil, withMetadata(CodePermissionDenied, "technician is not on your team", meta)
			}
		}
		if entry, ok := FindMember(&p, u.ID); ok && entry.Status != StatusDeclined {
			return Project{}, nil, withMetadata(CodeInvalidState, "recipient already "+string(entry.Status), meta)
		}
		if p.HasTech(u.ID) {
			return Project{}, nil, withMetadata(CodeInvalidState, "technician already assigned", meta)
		}
		for _, inv := range pending {
			if inv.RecipientID == u.ID {
				return Project{}, nil, withMetadata(CodeInvalidState, "recipient already has a pending invitation", meta)
			}
		}

		if role == RoleSub {
			entries = append(entries, MemberEntry{
				ID:             u.ID,
				Name:           u.FullName(),
				Company:        u.Company(),
				Email:          u.Email,
				Status:         StatusPending,
				InvitedAt:      now,
				CanInviteTechs: p.SubInvitesAllowed(),
			})
		}
		invitations = append(invitations, Invitation{
			ID:             w.newID(),
			ProjectID:      p.ID,
			ProjectName:    p.Name,
			InviterID:      inviter.ID,
			InviterName:    inviter.FullName(),
			InviterCompany: inviter.Company(),
			RecipientID:    u.ID,
			RecipientName:  u.FullName(),
			RecipientEmail: u.Email,
			Role:           role,
			Type:           TypeProjectInvite,
			Status:         StatusPending,
			Message:        in.Message,
			CreatedAt:      now,
		})
	}

	UpsertMembers(&p, entries)
	p.LastActivity = now
	return p, invitations, nil
}

// RespondToInvitation accepts or declines an invitation addressed to the
// caller. A second answer fails with InvalidState.
func (w *Workflow) RespondToInvitation(ctx context.Context, s Session, invitationID string, accept bool) (Invitation, error) {
	if err := s.validate(); err != nil {
		return Invitation{}, err
	}
	inv, err := w.repo.invitation(ctx, invitationID)
	if err != nil {
		return Invitation{}, err
	}
	if !inv.AddressedTo(s) {
		return Invitation{}, newError(CodePermissionDenied, "invitation is addressed to someone else")
	}
	if inv.Status != StatusPending {
		return Invitation{}, inv.Respond(accept, w.now())
	}
	recipient, err := w.caller(ctx, s)
	if err != nil {
		return Invitation{}, err
	}
	if recipient.Role() != inv.Role {
		return Invitation{}, withMetadata(CodeValidation, "invitation offers the "+inv.Role.DisplayName()+" role", map[string]string{
			"invitation_id": inv.ID,
		})
	}

	switch inv.Type {
	case TypeTeamInvite:
		inv, err = w.respondTeam(ctx, recipient, inv, accept)
	default:
		inv, err = w.respondProject(ctx, recipient, inv, accept)
	}
	if err != nil && !errors.Is(err, ErrPartialFailure) {
		return Invitation{}, err
	}

	outcome := string(inv.Status)
	w.metrics.InvitationsResponded.WithLabelValues(outcome).Inc()
	w.publish(ctx, SubjectInvitationResponded, invitationEvent(inv, w.now()))
	w.log.Info().
		Str("invitation_id", inv.ID).
		Str("project_id", inv.ProjectID).
		Str("user_id", recipient.ID).
		Str("outcome", outcome).
		Msg("invitation answered")
	return inv, err
}

// claimInvitation moves inv out of pending. A concurrent responder makes the
// guarded write fail; the fresh copy then decides between retry and InvalidState.
func (w *Workflow) claimInvitation(ctx context.Context, recipient User, inv Invitation, accept bool) (Invitation, error) {
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
		if err := inv.Respond(accept, w.now()); err != nil {
			return err
		}
		inv.RecipientID = recipient.ID
		return w.repo.saveInvitation(ctx, &inv)
	})
	return inv, err
}

// applyResponse mirrors the invitation status onto the project, matching the
// roster entry by id.
func applyResponse(p *Project, recipient User, inv Invitation) {
	at := *inv.RespondedAt
	if inv.Role == RoleTech {
		if inv.Status == StatusAccepted {
			p.AssignedTechs = addUnique(p.AssignedTechs, recipient.ID)
		}
	} else if !SetMemberStatus(p, recipient.ID, inv.Status, at) {
		// The entry vanished (e.g. an older client rewrote the roster); restore it.
		UpsertMembers(p, []MemberEntry{{
			ID:             recipient.ID,
			Name:           recipient.FullName(),
			Company:        recipient.Company(),
			Email:          recipient.Email,
			Status:         inv.Status,
			InvitedAt:      inv.CreatedAt,
			RespondedAt:    &at,
			CanInviteTechs: p.SubInvitesAllowed(),
		}})
	}
	p.LastActivity = at
}

func (w *Workflow) respondProject(ctx context.Context, recipient User, inv Invitation, accept bool) (Invitation, error) {
	if tx, ok := w.store.(docstore.Transactor); ok {
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
			version := inv.version
			if err := inv.Respond(accept, w.now()); err != nil {
				return err
			}
			inv.RecipientID = recipient.ID
			p, err := w.repo.project(ctx, inv.ProjectID)
			if err != nil {
				return err
			}
			applyResponse(&p, recipient, inv)
			return tx.Commit(ctx, []docstore.Write{
				{Path: invitationPath(inv.ID), Data: &inv, Options: []docstore.SetOption{docstore.IfVersion(version)}},
				{Path: projectPath(p.ID), Data: &p, Options: []docstore.SetOption{docstore.IfVersion(p.version)}},
			})
		})
		if err != nil {
			return Invitation{}, err
		}
	} else {
		claimed, err := w.claimInvitation(ctx, recipient, inv, accept)
		if err != nil {
			return Invitation{}, err
		}
		inv = claimed

		err = w.retry(ctx, func() error {
			p, err := w.repo.project(ctx, inv.ProjectID)
			if err != nil {
				return err
			}
			applyResponse(&p, recipient, inv)
			return w.repo.saveProject(ctx, &p)
		})
		if err != nil {
			return inv, w.partialFailure(ctx, "respond_to_invitation", HalfProject, inv.ID, inv.ProjectID, recipient.ID, err)
		}
	}

	msgData := map[string]any{"Name": recipient.FullName(), "Company": recipient.Company()}
	if accept {
		w.postMessage(ctx, inv.ProjectID, render.MemberJoined, msgData, "system", "System")
	} else {
		w.postMessage(ctx, inv.ProjectID, render.MemberDeclined, msgData, "system", "System")
	}

	if accept && recipient.Role() == RoleSub {
		if _, err := w.establish(ctx, RelGCSub, inv.InviterID, recipient.ID, inv.ProjectID, recipient.ID); err != nil {
			return inv, w.partialFailure(ctx, "respond_to_invitation", HalfRelationship, inv.ID, inv.ProjectID, recipient.ID, err)
		}
	}
	return inv, nil
}

func dedupe(refs []string) []string {
	seen := make(map[string]struct{}, len(refs))
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}
