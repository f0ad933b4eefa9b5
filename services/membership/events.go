package membership

import (
	"context"
	"time"
)

// Subjects published on the event bus.
const (
	SubjectInvitationCreated   = "sitecrew.invitations.created"
	SubjectInvitationResponded = "sitecrew.invitations.responded"
	SubjectRelationshipChanged = "sitecrew.relationships.changed"
	SubjectPartialFailure      = "sitecrew.membership.partial_failure"
)

// Subjects lists every subject the membership workflow publishes, for stream setup.
var Subjects = []string{
	SubjectInvitationCreated,
	SubjectInvitationResponded,
	SubjectRelationshipChanged,
	SubjectPartialFailure,
}

// Publisher delivers domain events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) error { return nil }

// InvitationEvent is published when an invitation is created or answered.
type InvitationEvent struct {
	InvitationID string         `json:"invitationId"`
	Type         InvitationType `json:"type"`
	ProjectID    string         `json:"projectId,omitempty"`
	InviterID    string         `json:"inviterId"`
	RecipientID  string         `json:"recipientId"`
	Role         Role           `json:"role"`
	Status       Status         `json:"status"`
	At           time.Time      `json:"at"`
}

// RelationshipEvent is published when a network link is created or changes status.
type RelationshipEvent struct {
	RelationshipID  string             `json:"relationshipId"`
	Type            RelationshipType   `json:"type"`
	PrimaryUserID   string             `json:"primaryUserId"`
	SecondaryUserID string             `json:"secondaryUserId"`
	Status          RelationshipStatus `json:"status"`
	ActorID         string             `json:"actorId"`
	At              time.Time          `json:"at"`
}

// Halves of a multi-document membership write.
const (
	HalfInvitation   = "invitation"
	HalfProject      = "project"
	HalfProfile      = "profile"
	HalfRelationship = "relationship"
)

// PartialFailureEvent records a mirrored write where only one half landed.
type PartialFailureEvent struct {
	Operation    string    `json:"operation"`
	InvitationID string    `json:"invitationId"`
	ProjectID    string    `json:"projectId"`
	UserID       string    `json:"userId"`
	// Object is the document left applied when it is not an invitation.
	Object       string    `json:"object,omitempty"`
	FailedHalf   string    `json:"failedHalf"`
	Error        string    `json:"error"`
	At           time.Time `json:"at"`
}

func invitationEvent(inv Invitation, at time.Time) InvitationEvent {
	return InvitationEvent{
		InvitationID: inv.ID,
		Type:         inv.Type,
		ProjectID:    inv.ProjectID,
		InviterID:    inv.InviterID,
		RecipientID:  inv.RecipientID,
		Role:         inv.Role,
		Status:       inv.Status,
		At:           at,
	}
}

func relationshipEvent(rel Relationship, actorID string, at time.Time) RelationshipEvent {
	return RelationshipEvent{
		RelationshipID:  rel.ID,
		Type:            rel.Type,
		PrimaryUserID:   rel.PrimaryUserID,
		SecondaryUserID: rel.SecondaryUserID,
		Status:          rel.Status,
		ActorID:         actorID,
		At:              at,
	}
}
