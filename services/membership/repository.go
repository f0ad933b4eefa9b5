package membership

import (
	"context"
	"errors"
	"fmt"

	"sitecrew/pkg/docstore"
)

// Collections.
const (
	CollectionUsers         = "users"
	CollectionProjects      = "projects"
	CollectionInvitations   = "invitations"
	CollectionRelationships = "relationships"
)

func userPath(id string) string         { return docstore.Join(CollectionUsers, id) }
func projectPath(id string) string      { return docstore.Join(CollectionProjects, id) }
func invitationPath(id string) string   { return docstore.Join(CollectionInvitations, id) }
func relationshipPath(id string) string { return docstore.Join(CollectionRelationships, id) }

// MessagesCollection is the feed of a project.
func MessagesCollection(projectID string) string {
	return docstore.Join(CollectionProjects, projectID, "messages")
}

// repository loads and saves typed documents, carrying the stored version so
// every save is guarded against concurrent writers.
type repository struct {
	store docstore.Store
}

func load(ctx context.Context, store docstore.Store, path, kind, id string, v any) (int64, error) {
	doc, err := store.Get(ctx, path)
	if errors.Is(err, docstore.ErrNotFound) {
		return 0, withMetadata(CodeNotFound, kind+" not found", map[string]string{kind + "_id": id})
	}
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", path, err)
	}
	if err := doc.DataTo(v); err != nil {
		return 0, err
	}
	return doc.Version, nil
}

func save(ctx context.Context, store docstore.Store, path string, v any, version int64) (int64, error) {
	doc, err := store.Set(ctx, path, v, docstore.IfVersion(version))
	if err != nil {
		return 0, fmt.Errorf("save %s: %w", path, err)
	}
	return doc.Version, nil
}

func (r repository) user(ctx context.Context, id string) (User, error) {
	var u User
	version, err := load(ctx, r.store, userPath(id), "user", id, &u)
	if err != nil {
		return User{}, err
	}
	u.version = version
	return u, nil
}

func (r repository) saveUser(ctx context.Context, u *User) error {
	version, err := save(ctx, r.store, userPath(u.ID), u, u.version)
	if err != nil {
		return err
	}
	u.version = version
	return nil
}

func (r repository) userByEmail(ctx context.Context, email string) (User, bool, error) {
	docs, err := r.store.Query(ctx, CollectionUsers, docstore.Where("email", docstore.OpEqual, email))
	if err != nil {
		return User{}, false, fmt.Errorf("find user by email: %w", err)
	}
	if len(docs) == 0 {
		return User{}, false, nil
	}
	var u User
	if err := docs[0].DataTo(&u); err != nil {
		return User{}, false, err
	}
	u.version = docs[0].Version
	return u, true, nil
}

func (r repository) project(ctx context.Context, id string) (Project, error) {
	var p Project
	version, err := load(ctx, r.store, projectPath(id), "project", id, &p)
	if err != nil {
		return Project{}, err
	}
	p.version = version
	return p, nil
}

func (r repository) saveProject(ctx context.Context, p *Project) error {
	version, err := save(ctx, r.store, projectPath(p.ID), p, p.version)
	if err != nil {
		return err
	}
	p.version = version
	return nil
}

func (r repository) invitation(ctx context.Context, id string) (Invitation, error) {
	var inv Invitation
	version, err := load(ctx, r.store, invitationPath(id), "invitation", id, &inv)
	if err != nil {
		return Invitation{}, err
	}
	inv.version = version
	return inv, nil
}

func (r repository) saveInvitation(ctx context.Context, inv *Invitation) error {
	version, err := save(ctx, r.store, invitationPath(inv.ID), inv, inv.version)
	if err != nil {
		return err
	}
	inv.version = version
	return nil
}

func (r repository) invitations(ctx context.Context, filters ...docstore.Filter) ([]Invitation, error) {
	docs, err := r.store.Query(ctx, CollectionInvitations, filters...)
	if err != nil {
		return nil, fmt.Errorf("query invitations: %w", err)
	}
	return decodeInvitations(docs)
}

func decodeInvitations(docs []docstore.Document) ([]Invitation, error) {
	out := make([]Invitation, 0, len(docs))
	for _, doc := range docs {
		var inv Invitation
		if err := doc.DataTo(&inv); err != nil {
			return nil, err
		}
		inv.version = doc.Version
		out = append(out, inv)
	}
	return out, nil
}

// relationship returns the stored link, or a fresh unsaved one when missing.
func (r repository) relationship(ctx context.Context, id string) (Relationship, bool, error) {
	var rel Relationship
	version, err := load(ctx, r.store, relationshipPath(id), "relationship", id, &rel)
	if errors.Is(err, ErrNotFound) {
		return Relationship{ID: id}, false, nil
	}
	if err != nil {
		return Relationship{}, false, err
	}
	rel.version = version
	return rel, true, nil
}

func (r repository) saveRelationship(ctx context.Context, rel *Relationship) error {
	version, err := save(ctx, r.store, relationshipPath(rel.ID), rel, rel.version)
	if err != nil {
		return err
	}
	rel.version = version
	return nil
}

func (r repository) relationships(ctx context.Context, filters ...docstore.Filter) ([]Relationship, error) {
	docs, err := r.store.Query(ctx, CollectionRelationships, filters...)
	if err != nil {
		return nil, fmt.Errorf("query relationships: %w", err)
	}
	out := make([]Relationship, 0, len(docs))
	for _, doc := range docs {
		var rel Relationship
		if err := doc.DataTo(&rel); err != nil {
			return nil, err
		}
		rel.version = doc.Version
		out = append(out, rel)
	}
	return out, nil
}
