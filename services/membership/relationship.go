package membership

import "time"

// RelationshipType names the kind of network link between two users.
type RelationshipType string

const (
	RelGCSub              RelationshipType = "gc-sub"
	RelSubTech            RelationshipType = "sub-tech"
	RelPreviousTeamMember RelationshipType = "previous-team-member"
)

// RelationshipStatus is active or inactive.
type RelationshipStatus string

const (
	RelActive   RelationshipStatus = "active"
	RelInactive RelationshipStatus = "inactive"
)

// Relationship is the stored shape of relationships/{id}. It outlives team
// membership: removing a technician deactivates links, never deletes them.
type Relationship struct {
	ID                     string             `json:"id"`
	Type                   RelationshipType   `json:"type"`
	PrimaryUserID          string             `json:"primaryUserId"`
	SecondaryUserID        string             `json:"secondaryUserId"`
	Status                 RelationshipStatus `json:"status"`
	EstablishedAt          time.Time          `json:"establishedAt"`
	RemovedAt              *time.Time         `json:"removedAt,omitempty"`
	LastCollaboration      *time.Time         `json:"lastCollaboration,omitempty"`
	ProjectsWorkedTogether []string           `json:"projectsWorkedTogether"`

	version int64
}

// relationshipID is deterministic for link types that may be active at most
// once per pair, so creating one twice collides on the same document.
func relationshipID(t RelationshipType, primary, secondary string) string {
	return string(t) + "_" + primary + "_" + secondary
}

func (r *Relationship) activate(at time.Time) {
	if r.Status != RelActive {
		r.Status = RelActive
		r.EstablishedAt = at
		r.RemovedAt = nil
	}
}

func (r *Relationship) deactivate(at time.Time) {
	r.Status = RelInactive
	removedAt := at
	r.RemovedAt = &removedAt
}

func (r *Relationship) recordProject(projectID string, at time.Time) {
	if projectID != "" {
		r.ProjectsWorkedTogether = addUnique(r.ProjectsWorkedTogether, projectID)
	}
	collaborated := at
	r.LastCollaboration = &collaborated
}
