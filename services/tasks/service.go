package tasks

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sitecrew/pkg/docstore"
	"sitecrew/pkg/validate"
	"sitecrew/services/membership"
)

// Directory resolves users and projects; *membership.Workflow satisfies it.
type Directory interface {
	User(ctx context.Context, userID string) (membership.User, error)
	Project(ctx context.Context, projectID string) (membership.Project, error)
}

var _ Directory = (*membership.Workflow)(nil)

// Service creates and updates project tasks.
type Service struct {
	store docstore.Store
	dir   Directory
	now   func() time.Time
	log   zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// New builds a task service. A nil clock uses the wall clock.
func New(store docstore.Store, dir Directory, now func() time.Time, opts ...Option) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	s := &Service{store: store, dir: dir, now: now, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewTask is the input of Create.
type NewTask struct {
	Title       string     `json:"title" validate:"required,max=200"`
	Description string     `json:"description,omitempty" validate:"max=2000"`
	Category    string     `json:"category,omitempty" validate:"oneof=General Electrical Plumbing HVAC Framing Drywall Painting Flooring Roofing Landscaping Inspection Permits Cleanup Delivery Other"`
	Priority    Priority   `json:"priority,omitempty" validate:"oneof=low medium high urgent"`
	AssignedTo  []string   `json:"assignedTo,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

// TaskEdit replaces the editable fields of a task. A nil DueDate clears it.
type TaskEdit struct {
	Title       string     `json:"title" validate:"required,max=200"`
	Description string     `json:"description" validate:"max=2000"`
	Category    string     `json:"category" validate:"oneof=General Electrical Plumbing HVAC Framing Drywall Painting Flooring Roofing Landscaping Inspection Permits Cleanup Delivery Other"`
	Priority    Priority   `json:"priority" validate:"oneof=low medium high urgent"`
	DueDate     *time.Time `json:"dueDate"`
}

func invalid(fields map[string]string) error {
	return &membership.Error{Code: membership.CodeValidation, Message: "invalid task", Metadata: fields}
}

func mErr(code membership.Code, msg string) error {
	return &membership.Error{Code: code, Message: msg}
}

func (s *Service) load(ctx context.Context, sess membership.Session, projectID string) (membership.User, membership.Project, error) {
	if strings.TrimSpace(sess.UserID) == "" {
		return membership.User{}, membership.Project{}, mErr(membership.CodePermissionDenied, "not signed in")
	}
	u, err := s.dir.User(ctx, sess.UserID)
	if errors.Is(err, membership.ErrNotFound) {
		return membership.User{}, membership.Project{}, mErr(membership.CodePermissionDenied, "complete your profile first")
	}
	if err != nil {
		return membership.User{}, membership.Project{}, err
	}
	p, err := s.dir.Project(ctx, projectID)
	if err != nil {
		return membership.User{}, membership.Project{}, err
	}
	return u, p, nil
}

func canManage(u membership.User, p *membership.Project) bool {
	if u.Role() == membership.RoleGC && p.CreatedBy == u.ID {
		return true
	}
	entry, ok := membership.FindMember(p, u.ID)
	return u.Role() == membership.RoleSub && ok && entry.Status == membership.StatusAccepted
}

// Create adds a task to a project. The project owner and accepted
// subcontractors may create tasks; assignees must be assignable.
func (s *Service) Create(ctx context.Context, sess membership.Session, projectID string, in NewTask) (Task, error) {
	u, p, err := s.load(ctx, sess, projectID)
	if err != nil {
		return Task{}, err
	}
	if !canManage(u, &p) {
		return Task{}, mErr(membership.CodePermissionDenied, "you cannot create tasks on this project")
	}

	if in.Category == "" {
		in.Category = "General"
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	in.Title = strings.TrimSpace(in.Title)
	fields := validate.Struct(in)
	if fields == nil {
		fields = map[string]string{}
	}
	assignable := Assignable(&p)
	var assignees []string
	for _, id := range in.AssignedTo {
		if containsID(assignees, id) {
			continue
		}
		if !containsID(assignable, id) {
			fields["assignedTo"] = id + " cannot be assigned on this project"
			continue
		}
		assignees = append(assignees, id)
	}
	if len(fields) > 0 {
		return Task{}, invalid(fields)
	}

	now := s.now()
	t := Task{
		ID:          uuid.NewString(),
		ProjectID:   p.ID,
		Title:       in.Title,
		Description: strings.TrimSpace(in.Description),
		Category:    in.Category,
		Priority:    in.Priority,
		Status:      StatusNotStarted,
		AssignedTo:  assignees,
		DueDate:     in.DueDate,
		CreatedBy:   u.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.AssignedTo == nil {
		t.AssignedTo = []string{}
	}
	if _, err := s.store.Set(ctx, taskPath(p.ID, t.ID), t, docstore.IfVersion(0)); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (s *Service) task(ctx context.Context, projectID, taskID string) (Task, int64, error) {
	doc, err := s.store.Get(ctx, taskPath(projectID, taskID))
	if errors.Is(err, docstore.ErrNotFound) {
		return Task{}, 0, &membership.Error{Code: membership.CodeNotFound, Message: "task not found",
			Metadata: map[string]string{"task_id": taskID}}
	}
	if err != nil {
		return Task{}, 0, err
	}
	var t Task
	if err := doc.DataTo(&t); err != nil {
		return Task{}, 0, err
	}
	return t, doc.Version, nil
}

func (s *Service) saveTask(ctx context.Context, t Task, version int64) error {
	if _, err := s.store.Set(ctx, taskPath(t.ProjectID, t.ID), t, docstore.IfVersion(version)); err != nil {
		if errors.Is(err, docstore.ErrConflict) {
			return &membership.Error{Code: membership.CodeInvalidState, Message: "task changed concurrently", Cause: err}
		}
		return err
	}
	return nil
}

// UpdateStatus moves a task to status. Assignees, the creator and the
// project owner may update it; only the owner marks work verified. Every
// change is recorded in the task's comment thread.
func (s *Service) UpdateStatus(ctx context.Context, sess membership.Session, projectID, taskID string, status Status) (Task, error) {
	if !validate.Var(string(status), statusTag) {
		return Task{}, invalid(map[string]string{"status": "unknown status"})
	}
	u, p, err := s.load(ctx, sess, projectID)
	if err != nil {
		return Task{}, err
	}
	t, version, err := s.task(ctx, p.ID, taskID)
	if err != nil {
		return Task{}, err
	}

	owner := p.CreatedBy == u.ID
	if !owner && t.CreatedBy != u.ID && !containsID(t.AssignedTo, u.ID) {
		return Task{}, mErr(membership.CodePermissionDenied, "you cannot update this task")
	}
	if status == StatusVerified && !owner {
		return Task{}, mErr(membership.CodePermissionDenied, "only the general contractor verifies work")
	}
	if t.Status == status {
		return t, nil
	}

	now := s.now()
	t.Status = status
	t.UpdatedAt = now
	t.CompletedAt = nil
	if status.Done() {
		t.CompletedAt = &now
	}
	if err := s.saveTask(ctx, t, version); err != nil {
		return Task{}, err
	}
	if _, err := s.addComment(ctx, u, t, "Status changed to "+status.Label(), CommentTypeStatusChange); err != nil {
		s.log.Warn().Err(err).Str("task_id", t.ID).Msg("record status change")
	}
	return t, nil
}

// canEdit allows the project owner and the subcontractor who created the task.
func canEdit(u membership.User, p *membership.Project, t Task) bool {
	if u.Role() == membership.RoleGC && p.CreatedBy == u.ID {
		return true
	}
	return u.Role() == membership.RoleSub && t.CreatedBy == u.ID && membership.CanViewProject(u.ID, p)
}

// Update replaces a task's title, description, category, priority and due
// date.
func (s *Service) Update(ctx context.Context, sess membership.Session, projectID, taskID string, in TaskEdit) (Task, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	if fields := validate.Struct(in); len(fields) > 0 {
		return Task{}, invalid(fields)
	}
	u, p, err := s.load(ctx, sess, projectID)
	if err != nil {
		return Task{}, err
	}
	t, version, err := s.task(ctx, p.ID, taskID)
	if err != nil {
		return Task{}, err
	}
	if !canEdit(u, &p, t) {
		return Task{}, mErr(membership.CodePermissionDenied, "you cannot edit this task")
	}

	t.Title = in.Title
	t.Description = in.Description
	t.Category = in.Category
	t.Priority = in.Priority
	t.DueDate = in.DueDate
	t.UpdatedAt = s.now()
	if err := s.saveTask(ctx, t, version); err != nil {
		return Task{}, err
	}
	return t, nil
}

// Delete removes a task and its comments. The project owner and the task's
// creator may delete it.
func (s *Service) Delete(ctx context.Context, sess membership.Session, projectID, taskID string) error {
	u, p, err := s.load(ctx, sess, projectID)
	if err != nil {
		return err
	}
	t, version, err := s.task(ctx, p.ID, taskID)
	if err != nil {
		return err
	}
	if p.CreatedBy != u.ID && t.CreatedBy != u.ID {
		return mErr(membership.CodePermissionDenied, "you cannot delete this task")
	}

	if err := s.store.Delete(ctx, taskPath(p.ID, t.ID), docstore.IfVersion(version)); err != nil {
		if errors.Is(err, docstore.ErrConflict) {
			return &membership.Error{Code: membership.CodeInvalidState, Message: "task changed concurrently", Cause: err}
		}
		return err
	}
	comments, err := s.store.Query(ctx, CommentsCollection(p.ID, t.ID))
	if err != nil {
		return err
	}
	for _, c := range comments {
		if err := s.store.Delete(ctx, c.Path); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			s.log.Warn().Err(err).Str("path", c.Path).Msg("delete task comment")
		}
	}
	s.log.Info().Str("project_id", p.ID).Str("task_id", t.ID).Str("user_id", u.ID).Msg("task deleted")
	return nil
}

// List returns the tasks of a project the caller can view, most urgent
// first and then by due date.
func (s *Service) List(ctx context.Context, sess membership.Session, projectID string) ([]Task, error) {
	u, p, err := s.load(ctx, sess, projectID)
	if err != nil {
		return nil, err
	}
	if !membership.CanViewProject(u.ID, &p) {
		return nil, mErr(membership.CodePermissionDenied, "you cannot view this project")
	}
	docs, err := s.store.Query(ctx, Collection(p.ID))
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(docs))
	for _, d := range docs {
		var t Task
		if err := d.DataTo(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if ri, rj := rank(out[i].Priority), rank(out[j].Priority); ri != rj {
			return ri > rj
		}
		di, dj := out[i].DueDate, out[j].DueDate
		switch {
		case di == nil:
			return false
		case dj == nil:
			return true
		default:
			return di.Before(*dj)
		}
	})
	return out, nil
}

func rank(p Priority) int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	}
	return 0
}

func containsID(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
