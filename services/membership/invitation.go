package membership

import (
	"strings"
	"time"
)

// InvitationType distinguishes project invitations from team invitations.
type InvitationType string

const (
	TypeProjectInvite InvitationType = "project_invite"
	TypeTeamInvite    InvitationType = "team_invite"
)

// Invitation is the stored shape of invitations/{id}.
type Invitation struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"projectId,omitempty"`
	ProjectName    string         `json:"projectName,omitempty"`
	InviterID      string         `json:"inviterId"`
	InviterName    string         `json:"inviterName"`
	InviterCompany string         `json:"inviterCompany"`
	RecipientID    string         `json:"recipientId"`
	RecipientName  string         `json:"recipientName"`
	RecipientEmail string         `json:"recipientEmail"`
	Role           Role           `json:"role"`
	Type           InvitationType `json:"type"`
	Status         Status         `json:"status"`
	Message        string         `json:"message,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	RespondedAt    *time.Time     `json:"respondedAt,omitempty"`

	version int64
}

// Respond moves a pending invitation to accepted or declined. Any other
// starting status is an InvalidState error and leaves inv unchanged.
func (inv *Invitation) Respond(accept bool, at time.Time) error {
	if inv.Status != StatusPending {
		return withMetadata(CodeInvalidState, "invitation already "+string(inv.Status), map[string]string{
			"invitation_id": inv.ID,
			"status":        string(inv.Status),
		})
	}
	inv.Status = StatusDeclined
	if accept {
		inv.Status = StatusAccepted
	}
	respondedAt := at
	inv.RespondedAt = &respondedAt
	return nil
}

// AddressedTo reports whether the invitation belongs to the session's user,
// by id or, for invitations sent to an unregistered address, by email.
func (inv Invitation) AddressedTo(s Session) bool {
	if inv.RecipientID != "" {
		return inv.RecipientID == s.UserID
	}
	return inv.RecipientEmail != "" && strings.EqualFold(inv.RecipientEmail, s.Email)
}

// ProjectInvite is the input of InviteToProject.
type ProjectInvite struct {
	ProjectID  string   `json:"projectId"`
	Recipients []string `json:"recipients"`
	Role       Role     `json:"role"`
	Message    string   `json:"message,omitempty"`
}
