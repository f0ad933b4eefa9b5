package tasks

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"sitecrew/pkg/docstore"
	"sitecrew/pkg/validate"
	"sitecrew/services/membership"
)

// Comment types.
const (
	CommentTypeComment      = "comment"
	CommentTypeStatusChange = "status_change"
)

// Comment is the stored shape of projects/{p}/tasks/{t}/comments/{id}.
type Comment struct {
	ID        string          `json:"id"`
	Text      string          `json:"text" validate:"required,max=2000"`
	Type      string          `json:"type"`
	UserID    string          `json:"userId"`
	UserName  string          `json:"userName"`
	UserRole  membership.Role `json:"userRole"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (s *Service) addComment(ctx context.Context, u membership.User, t Task, text, kind string) (Comment, error) {
	c := Comment{
		ID:        uuid.NewString(),
		Text:      text,
		Type:      kind,
		UserID:    u.ID,
		UserName:  u.FirstName,
		UserRole:  u.Role(),
		CreatedAt: s.now(),
	}
	path := docstore.Join(CommentsCollection(t.ProjectID, t.ID), c.ID)
	if _, err := s.store.Set(ctx, path, c, docstore.IfVersion(0)); err != nil {
		return Comment{}, err
	}
	return c, nil
}

// viewableTask loads a task the caller can see through its project.
func (s *Service) viewableTask(ctx context.Context, sess membership.Session, projectID, taskID string) (membership.User, Task, error) {
	u, p, err := s.load(ctx, sess, projectID)
	if err != nil {
		return membership.User{}, Task{}, err
	}
	if !membership.CanViewProject(u.ID, &p) {
		return membership.User{}, Task{}, mErr(membership.CodePermissionDenied, "you cannot view this project")
	}
	t, _, err := s.task(ctx, p.ID, taskID)
	return u, t, err
}

// AddComment posts a comment on a task. Anyone who can view the project may
// comment.
func (s *Service) AddComment(ctx context.Context, sess membership.Session, projectID, taskID, text string) (Comment, error) {
	text = strings.TrimSpace(text)
	if fields := validate.Struct(Comment{Text: text}); len(fields) > 0 {
		return Comment{}, &membership.Error{Code: membership.CodeValidation, Message: "invalid comment", Metadata: fields}
	}
	u, t, err := s.viewableTask(ctx, sess, projectID, taskID)
	if err != nil {
		return Comment{}, err
	}
	return s.addComment(ctx, u, t, text, CommentTypeComment)
}

// Comments returns a task's thread, newest first.
func (s *Service) Comments(ctx context.Context, sess membership.Session, projectID, taskID string) ([]Comment, error) {
	_, t, err := s.viewableTask(ctx, sess, projectID, taskID)
	if err != nil {
		return nil, err
	}
	docs, err := s.store.Query(ctx, CommentsCollection(t.ProjectID, t.ID))
	if err != nil {
		return nil, err
	}
	out := make([]Comment, 0, len(docs))
	for _, d := range docs {
		var c Comment
		if err := d.DataTo(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
