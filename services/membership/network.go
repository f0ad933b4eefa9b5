package membership

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"sitecrew/pkg/docstore"
)

const (
	minSearchLength     = 2
	recentCollaborators = 10
)

// PublicProfile is what one user may see of another: no contact details and
// no team rosters.
type PublicProfile struct {
	ID             string `json:"id"`
	Role           Role   `json:"role"`
	FirstName      string `json:"firstName"`
	LastName       string `json:"lastName"`
	CompanyName    string `json:"companyName,omitempty"`
	Specialization string `json:"specialization,omitempty"`
	HasPhoto       bool   `json:"hasPhoto"`
}

// Public projects u onto the fields other users may read.
func (u User) Public() PublicProfile {
	out := PublicProfile{
		ID:          u.ID,
		Role:        u.Role(),
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		CompanyName: u.Company(),
		HasPhoto:    u.PhotoKey != "",
	}
	if tp, ok := u.Profile.(TechnicianProfile); ok {
		out.Specialization = tp.Specialization
	}
	return out
}

// SubcontractorStats summarises a subcontractor's work for one contractor.
type SubcontractorStats struct {
	SubID             string `json:"subId"`
	ActiveProjects    int    `json:"activeProjects"`
	CompletedProjects int    `json:"completedProjects"`
	TeamSize          int    `json:"teamSize"`
}

// NetworkMember is a subcontractor in the caller's network with their stats.
type NetworkMember struct {
	User  PublicProfile      `json:"user"`
	Stats SubcontractorStats `json:"stats"`
}

// Collaborator is a subcontractor the caller has recently worked with.
type Collaborator struct {
	User              PublicProfile `json:"user"`
	LastCollaboration time.Time     `json:"lastCollaboration"`
	ProjectsCount     int           `json:"projectsCount"`
}

func (w *Workflow) contractor(ctx context.Context, s Session) (User, ContractorProfile, error) {
	u, err := w.caller(ctx, s)
	if err != nil {
		return User{}, ContractorProfile{}, err
	}
	cp, ok := u.Profile.(ContractorProfile)
	if !ok {
		return User{}, ContractorProfile{}, newError(CodePermissionDenied, "only general contractors have a subcontractor network")
	}
	return u, cp, nil
}

// SearchSubcontractors finds subcontractors whose first name, last name or
// company contains query, case-insensitively. Subcontractors already in the
// caller's network are left out.
func (w *Workflow) SearchSubcontractors(ctx context.Context, s Session, query string) ([]PublicProfile, error) {
	_, cp, err := w.contractor(ctx, s)
	if err != nil {
		return nil, err
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if len([]rune(query)) < minSearchLength {
		return nil, withMetadata(CodeValidation, "search needs at least 2 characters", map[string]string{"q": query})
	}

	docs, err := w.store.Query(ctx, CollectionUsers, docstore.Where("role", docstore.OpEqual, string(RoleSub)))
	if err != nil {
		return nil, fmt.Errorf("search subcontractors: %w", err)
	}
	out := []PublicProfile{}
	for _, doc := range docs {
		var u User
		if err := doc.DataTo(&u); err != nil {
			return nil, err
		}
		if containsID(cp.ManagedSubs, u.ID) {
			continue
		}
		if matchesQuery(query, u.FirstName, u.LastName, u.Company()) {
			out = append(out, u.Public())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CompanyName != out[j].CompanyName {
			return out[i].CompanyName < out[j].CompanyName
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func matchesQuery(query string, fields ...string) bool {
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), query) {
			return true
		}
	}
	return false
}

// NetworkStats counts the caller's projects that subID has joined, split by
// status, and the size of subID's technician team.
func (w *Workflow) NetworkStats(ctx context.Context, s Session, subID string) (SubcontractorStats, error) {
	gc, _, err := w.contractor(ctx, s)
	if err != nil {
		return SubcontractorStats{}, err
	}
	sub, err := w.repo.user(ctx, subID)
	if err != nil {
		return SubcontractorStats{}, err
	}
	projects, err := w.ownedProjects(ctx, gc.ID)
	if err != nil {
		return SubcontractorStats{}, err
	}
	return subStats(sub, projects), nil
}

// MyNetwork lists the subcontractors in the caller's network with their stats.
func (w *Workflow) MyNetwork(ctx context.Context, s Session) ([]NetworkMember, error) {
	gc, cp, err := w.contractor(ctx, s)
	if err != nil {
		return nil, err
	}
	projects, err := w.ownedProjects(ctx, gc.ID)
	if err != nil {
		return nil, err
	}
	out := make([]NetworkMember, 0, len(cp.ManagedSubs))
	for _, id := range cp.ManagedSubs {
		sub, err := w.repo.user(ctx, id)
		if err != nil {
			w.log.Warn().Err(err).Str("user_id", id).Msg("load network member")
			continue
		}
		out = append(out, NetworkMember{User: sub.Public(), Stats: subStats(sub, projects)})
	}
	return out, nil
}

func subStats(sub User, projects []Project) SubcontractorStats {
	stats := SubcontractorStats{SubID: sub.ID}
	if sp, ok := sub.Profile.(SubcontractorProfile); ok {
		stats.TeamSize = len(sp.ManagedTechs)
	}
	for i := range projects {
		if !isAcceptedMember(&projects[i], sub.ID) {
			continue
		}
		if projects[i].Status == ProjectStatusCompleted {
			stats.CompletedProjects++
		} else {
			stats.ActiveProjects++
		}
	}
	return stats
}

func (w *Workflow) ownedProjects(ctx context.Context, gcID string) ([]Project, error) {
	docs, err := w.store.Query(ctx, CollectionProjects, docstore.Where("createdBy", docstore.OpEqual, gcID))
	if err != nil {
		return nil, fmt.Errorf("list owned projects: %w", err)
	}
	out := make([]Project, 0, len(docs))
	for _, doc := range docs {
		var p Project
		if err := doc.DataTo(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// RecentCollaborators returns the ten subcontractors the caller collaborated
// with most recently.
func (w *Workflow) RecentCollaborators(ctx context.Context, s Session) ([]Collaborator, error) {
	gc, _, err := w.contractor(ctx, s)
	if err != nil {
		return nil, err
	}
	rels, err := w.repo.relationships(ctx,
		docstore.Where("primaryUserId", docstore.OpEqual, gc.ID),
		docstore.Where("type", docstore.OpEqual, string(RelGCSub)),
	)
	if err != nil {
		return nil, err
	}

	rels = filterRelationships(rels, func(r Relationship) bool { return r.LastCollaboration != nil })
	sort.Slice(rels, func(i, j int) bool { return rels[i].LastCollaboration.After(*rels[j].LastCollaboration) })
	if len(rels) > recentCollaborators {
		rels = rels[:recentCollaborators]
	}

	out := make([]Collaborator, 0, len(rels))
	for _, rel := range rels {
		sub, err := w.repo.user(ctx, rel.SecondaryUserID)
		if err != nil {
			w.log.Warn().Err(err).Str("user_id", rel.SecondaryUserID).Msg("load collaborator")
			continue
		}
		out = append(out, Collaborator{
			User:              sub.Public(),
			LastCollaboration: *rel.LastCollaboration,
			ProjectsCount:     len(rel.ProjectsWorkedTogether),
		})
	}
	return out, nil
}

func filterRelationships(rels []Relationship, keep func(Relationship) bool) []Relationship {
	out := rels[:0]
	for _, r := range rels {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}
