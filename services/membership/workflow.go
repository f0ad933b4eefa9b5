// Package membership implements invitations, project rosters, team and
// network relationships, and the permission rules derived from them.
package membership

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sitecrew/pkg/docstore"
	"sitecrew/pkg/render"
)

const defaultMaxAttempts = 5

// Workflow runs every membership mutation against a document store.
type Workflow struct {
	store     docstore.Store
	repo      repository
	publisher Publisher
	metrics   *Metrics
	render    *render.Engine
	log       zerolog.Logger

	now         func() time.Time
	newID       func() string
	maxAttempts int
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithPublisher sends domain events to p.
func WithPublisher(p Publisher) Option {
	return func(w *Workflow) {
		if p != nil {
			w.publisher = p
		}
	}
}

// WithLogger sets the workflow logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Workflow) { w.log = l }
}

// WithMetrics records workflow counters on m.
func WithMetrics(m *Metrics) Option {
	return func(w *Workflow) {
		if m != nil {
			w.metrics = m
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
	}
}

// WithMaxAttempts bounds how often a conflicting read-modify-write is retried.
func WithMaxAttempts(n int) Option {
	return func(w *Workflow) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// New returns a Workflow over store.
func New(store docstore.Store, opts ...Option) *Workflow {
	w := &Workflow{
		store:       store,
		repo:        repository{store: store},
		publisher:   nopPublisher{},
		metrics:     NewMetrics(nil),
		render:      render.MustNew(),
		log:         zerolog.Nop(),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() string { return uuid.NewString() },
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// retry runs fn again while it fails with a version conflict.
func (w *Workflow) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < w.maxAttempts; attempt++ {
		err = fn()
		if !errors.Is(err, docstore.ErrConflict) {
			return err
		}
		w.metrics.StoreConflicts.Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return wrapError(CodeInvalidState, "document changed concurrently, retry", nil, err)
}

func (w *Workflow) publish(ctx context.Context, subject string, v any) {
	if err := w.publisher.Publish(ctx, subject, v); err != nil {
		w.log.Warn().Err(err).Str("subject", subject).Msg("publish event")
	}
}

// partialFailure reports a multi-document write where the first half is
// durable and a later one is not.
func (w *Workflow) partialFailure(ctx context.Context, operation, half, invitationID, projectID, userID string, cause error) error {
	w.metrics.PartialFailures.WithLabelValues(half).Inc()
	w.log.Error().
		Err(cause).
		Str("operation", operation).
		Str("invitation_id", invitationID).
		Str("project_id", projectID).
		Str("user_id", userID).
		Str("failed_half", half).
		Msg("membership write left half applied")

	w.publish(ctx, SubjectPartialFailure, PartialFailureEvent{
		Operation:    operation,
		InvitationID: invitationID,
		ProjectID:    projectID,
		UserID:       userID,
		FailedHalf:   half,
		Error:        cause.Error(),
		At:           w.now(),
	})

	return wrapError(CodePartialFailure, operation+": "+half+" update failed", map[string]string{
		"invitation_id": invitationID,
		"project_id":    projectID,
		"user_id":       userID,
		"failed_half":   half,
	}, cause)
}

// postMessage appends a system message to the project feed. The feed is
// informational, so failures are logged rather than returned.
func (w *Workflow) postMessage(ctx context.Context, projectID, template string, data any, userID, userName string) {
	text, err := w.render.Render(template, data)
	if err != nil {
		w.log.Warn().Err(err).Str("template", template).Msg("render feed message")
		return
	}
	w.addMessage(ctx, projectID, Message{
		Text:     text,
		UserID:   userID,
		UserName: userName,
		Type:     MessageTypeSystem,
	})
}

func (w *Workflow) addMessage(ctx context.Context, projectID string, msg Message) (Message, error) {
	msg.ID = w.newID()
	msg.Timestamp = w.now()
	path := docstore.Join(MessagesCollection(projectID), msg.ID)
	if _, err := w.store.Set(ctx, path, msg, docstore.IfVersion(0)); err != nil {
		w.log.Warn().Err(err).Str("project_id", projectID).Msg("append feed message")
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// caller loads the signed-in user's profile.
func (w *Workflow) caller(ctx context.Context, s Session) (User, error) {
	if err := s.validate(); err != nil {
		return User{}, err
	}
	u, err := w.repo.user(ctx, s.UserID)
	if errors.Is(err, ErrNotFound) {
		return User{}, newError(CodePermissionDenied, "complete your profile first")
	}
	return u, err
}

// resolveUser finds a registered user by id, or by email when ref contains '@'.
func (w *Workflow) resolveUser(ctx context.Context, ref string) (User, bool, error) {
	ref = strings.TrimSpace(ref)
	if strings.Contains(ref, "@") {
		return w.repo.userByEmail(ctx, strings.ToLower(ref))
	}
	u, err := w.repo.user(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	return u, true, nil
}

// Profile returns a user's profile.
func (w *Workflow) Profile(ctx context.Context, s Session, userID string) (User, error) {
	if err := s.validate(); err != nil {
		return User{}, err
	}
	return w.repo.user(ctx, userID)
}

// CompleteProfile creates the caller's profile on first call. Later calls may
// change names, phone and company; the role never changes.
func (w *Workflow) CompleteProfile(ctx context.Context, s Session, in ProfileInput) (User, error) {
	if err := s.validate(); err != nil {
		return User{}, err
	}
	in, err := in.validate(s.Email)
	if err != nil {
		return User{}, err
	}

	var out User
	err = w.retry(ctx, func() error {
		u, err := w.repo.user(ctx, s.UserID)
		switch {
		case errors.Is(err, ErrNotFound):
			now := w.now()
			u = User{
				ID:        s.UserID,
				Email:     strings.ToLower(s.Email),
				Profile:   in.profileFor(),
				CreatedAt: now,
			}
		case err != nil:
			return err
		case u.Role() != in.Role:
			return withMetadata(CodeInvalidState, "role cannot be changed", map[string]string{
				"role": string(u.Role()),
			})
		default:
			switch p := u.Profile.(type) {
			case ContractorProfile:
				p.CompanyName = in.CompanyName
				u.Profile = p
			case SubcontractorProfile:
				p.CompanyName = in.CompanyName
				u.Profile = p
			}
		}

		u.FirstName = in.FirstName
		u.LastName = in.LastName
		u.PhoneNumber = in.PhoneNumber
		u.UpdatedAt = w.now()
		if err := w.repo.saveUser(ctx, &u); err != nil {
			return err
		}
		out = u
		return nil
	})
	if err != nil {
		return User{}, err
	}

	w.log.Info().Str("user_id", out.ID).Str("role", string(out.Role())).Msg("profile saved")
	return out, nil
}

// SetPhotoKey records the object key of the caller's profile photo.
func (w *Workflow) SetPhotoKey(ctx context.Context, s Session, key string) (User, error) {
	if err := s.validate(); err != nil {
		return User{}, err
	}
	var out User
	err := w.retry(ctx, func() error {
		u, err := w.repo.user(ctx, s.UserID)
		if err != nil {
			return err
		}
		u.PhotoKey = key
		u.UpdatedAt = w.now()
		if err := w.repo.saveUser(ctx, &u); err != nil {
			return err
		}
		out = u
		return nil
	})
	return out, err
}

// CreateProject creates a project owned by the calling contractor and invites
// any subcontractors listed in the input.
func (w *Workflow) CreateProject(ctx context.Context, s Session, in NewProject) (Project, error) {
	gc, err := w.caller(ctx, s)
	if err != nil {
		return Project{}, err
	}
	if !HasBasePermission(gc.Role(), PermCreateProject) {
		return Project{}, newError(CodePermissionDenied, "only general contractors create projects")
	}
	if err := in.validate(); err != nil {
		return Project{}, err
	}

	now := w.now()
	p := Project{
		ID:          w.newID(),
		Name:        strings.TrimSpace(in.Name),
		Address:     strings.TrimSpace(in.Address),
		Description: strings.TrimSpace(in.Description),
		Status:      ProjectStatusActive,
		CreatedBy:   gc.ID,
		GCInfo: GCInfo{
			ID:      gc.ID,
			Name:    gc.FullName(),
			Company: gc.Company(),
			Email:   gc.Email,
		},
		InvitedSubs:     []MemberEntry{},
		AssignedTechs:   []string{},
		AllowSubInvites: boolPtr(true),
		AllowSubEvents:  boolPtr(true),
		StartDate:       in.StartDate,
		EndDate:         in.EndDate,
		CreatedAt:       now,
		LastActivity:    now,
	}
	if err := w.repo.saveProject(ctx, &p); err != nil {
		return Project{}, err
	}
	w.postMessage(ctx, p.ID, render.ProjectCreated, map[string]any{"Project": p.Name}, gc.ID, gc.FirstName)
	w.log.Info().Str("project_id", p.ID).Str("user_id", gc.ID).Msg("project created")

	if len(in.InviteSubs) == 0 {
		return p, nil
	}
	if _, err := w.InviteToProject(ctx, s, ProjectInvite{
		ProjectID:  p.ID,
		Recipients: in.InviteSubs,
		Role:       RoleSub,
		Message:    in.Message,
	}); err != nil {
		return p, err
	}
	return w.repo.project(ctx, p.ID)
}

// UpdateProjectSettings changes the sub-invite and sub-event toggles and the
// project status. Only the creating contractor may do so.
func (w *Workflow) UpdateProjectSettings(ctx context.Context, s Session, projectID string, patch SettingsPatch) (Project, error) {
	gc, err := w.caller(ctx, s)
	if err != nil {
		return Project{}, err
	}
	if err := patch.validate(); err != nil {
		return Project{}, err
	}

	var (
		out           Project
		changes       []map[string]any
		statusChanged bool
	)
	err = w.retry(ctx, func() error {
		p, err := w.repo.project(ctx, projectID)
		if err != nil {
			return err
		}
		if p.CreatedBy != gc.ID {
			return newError(CodePermissionDenied, "only the project owner changes settings")
		}

		changes = changes[:0]
		if patch.AllowSubInvites != nil && *patch.AllowSubInvites != p.SubInvitesAllowed() {
			changes = append(changes, map[string]any{"Setting": "subcontractor invites", "Enabled": *patch.AllowSubInvites})
		}
		if patch.AllowSubEvents != nil && *patch.AllowSubEvents != p.SubEventsAllowed() {
			changes = append(changes, map[string]any{"Setting": "subcontractor events", "Enabled": *patch.AllowSubEvents})
		}
		if patch.AllowSubInvites != nil {
			p.AllowSubInvites = boolPtr(*patch.AllowSubInvites)
		}
		if patch.AllowSubEvents != nil {
			p.AllowSubEvents = boolPtr(*patch.AllowSubEvents)
		}
		statusChanged = patch.Status != nil && *patch.Status != p.Status
		if statusChanged {
			p.Status = *patch.Status
		}
		if len(changes) == 0 && !statusChanged {
			out = p
			return nil
		}
		p.LastActivity = w.now()
		if err := w.repo.saveProject(ctx, &p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return Project{}, err
	}

	for _, change := range changes {
		change["Actor"] = gc.FirstName
		w.postMessage(ctx, projectID, render.SettingsChanged, change, gc.ID, gc.FirstName)
	}
	if statusChanged {
		w.postMessage(ctx, projectID, render.StatusChanged, map[string]any{"Actor": gc.FirstName, "Status": out.Status}, gc.ID, gc.FirstName)
	}
	return out, nil
}

// ProjectView is a project as seen by one user.
type ProjectView struct {
	Project     Project      `json:"project"`
	MemberCount int          `json:"memberCount"`
	InviteScope InviteScope  `json:"inviteScope"`
	Permissions []Permission `json:"permissions"`
}

// GetProjectView loads a project the caller belongs to, with derived fields
// computed from the live document.
func (w *Workflow) GetProjectView(ctx context.Context, s Session, projectID string) (ProjectView, error) {
	u, err := w.caller(ctx, s)
	if err != nil {
		return ProjectView{}, err
	}
	p, err := w.repo.project(ctx, projectID)
	if err != nil {
		return ProjectView{}, err
	}
	if !CanViewProject(u.ID, &p) {
		return ProjectView{}, newError(CodePermissionDenied, "not a member of this project")
	}
	return ProjectView{
		Project:     p,
		MemberCount: MemberCount(&p),
		InviteScope: CanInviteToProject(u.ID, u.Role(), &p),
		Permissions: ProjectPermissions(u.ID, u.Role(), &p),
	}, nil
}

// Project loads a project without access checks, for collaborators that
// apply their own rules.
func (w *Workflow) Project(ctx context.Context, projectID string) (Project, error) {
	return w.repo.project(ctx, projectID)
}

// User loads a profile without access checks.
func (w *Workflow) User(ctx context.Context, userID string) (User, error) {
	return w.repo.user(ctx, userID)
}

// ListProjects returns the projects the caller owns, is assigned to, or has
// accepted an invitation for.
func (w *Workflow) ListProjects(ctx context.Context, s Session) ([]Project, error) {
	u, err := w.caller(ctx, s)
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	var out []Project
	collect := func(docs []docstore.Document) error {
		for _, doc := range docs {
			if _, ok := seen[doc.ID]; ok {
				continue
			}
			var p Project
			if err := doc.DataTo(&p); err != nil {
				return err
			}
			p.version = doc.Version
			seen[doc.ID] = struct{}{}
			out = append(out, p)
		}
		return nil
	}

	switch u.Role() {
	case RoleGC:
		docs, err := w.store.Query(ctx, CollectionProjects, docstore.Where("createdBy", docstore.OpEqual, u.ID))
		if err != nil {
			return nil, fmt.Errorf("list projects: %w", err)
		}
		if err := collect(docs); err != nil {
			return nil, err
		}
	case RoleTech:
		docs, err := w.store.Query(ctx, CollectionProjects, docstore.Where("assignedTechs", docstore.OpArrayContains, u.ID))
		if err != nil {
			return nil, fmt.Errorf("list projects: %w", err)
		}
		if err := collect(docs); err != nil {
			return nil, err
		}
	case RoleSub:
		accepted, err := w.repo.invitations(ctx,
			docstore.Where("recipientId", docstore.OpEqual, u.ID),
			docstore.Where("type", docstore.OpEqual, string(TypeProjectInvite)),
			docstore.Where("status", docstore.OpEqual, string(StatusAccepted)),
		)
		if err != nil {
			return nil, err
		}
		for _, inv := range accepted {
			if _, ok := seen[inv.ProjectID]; ok {
				continue
			}
			p, err := w.repo.project(ctx, inv.ProjectID)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if !isAcceptedMember(&p, u.ID) {
				continue
			}
			seen[p.ID] = struct{}{}
			out = append(out, p)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

// Messages returns the project feed, oldest first. The project's pinned
// message, if any, is flagged.
func (w *Workflow) Messages(ctx context.Context, s Session, projectID string) ([]Message, error) {
	p, err := w.viewableProject(ctx, s, projectID)
	if err != nil {
		return nil, err
	}
	docs, err := w.store.Query(ctx, MessagesCollection(projectID))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]Message, 0, len(docs))
	for _, doc := range docs {
		var m Message
		if err := doc.DataTo(&m); err != nil {
			return nil, err
		}
		m.Pinned = p.PinnedMessageID != "" && m.ID == p.PinnedMessageID
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// PostMessage adds a text message from the caller to the project feed.
func (w *Workflow) PostMessage(ctx context.Context, s Session, projectID, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, newError(CodeValidation, "message text is required")
	}
	u, err := w.caller(ctx, s)
	if err != nil {
		return Message{}, err
	}
	if _, err := w.viewableProject(ctx, s, projectID); err != nil {
		return Message{}, err
	}
	return w.addMessage(ctx, projectID, Message{
		Text:     text,
		UserID:   u.ID,
		UserName: u.FirstName,
		Type:     MessageTypeText,
	})
}

// PinMessage pins messageID to the top of the project feed, replacing any
// previously pinned message, or unpins it when pinned is false. Contractors
// and subcontractors who can see the project may pin.
func (w *Workflow) PinMessage(ctx context.Context, s Session, projectID, messageID string, pinned bool) (Project, error) {
	u, err := w.caller(ctx, s)
	if err != nil {
		return Project{}, err
	}
	if u.Role() != RoleGC && u.Role() != RoleSub {
		return Project{}, newError(CodePermissionDenied, "only contractors and subcontractors pin messages")
	}
	if _, err := w.store.Get(ctx, docstore.Join(MessagesCollection(projectID), messageID)); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return Project{}, withMetadata(CodeNotFound, "message not found", map[string]string{"message_id": messageID})
		}
		return Project{}, fmt.Errorf("load message: %w", err)
	}

	var out Project
	err = w.retry(ctx, func() error {
		p, err := w.repo.project(ctx, projectID)
		if err != nil {
			return err
		}
		if !CanViewProject(u.ID, &p) {
			return newError(CodePermissionDenied, "not a member of this project")
		}
		switch {
		case pinned:
			p.PinnedMessageID = messageID
		case p.PinnedMessageID == messageID:
			p.PinnedMessageID = ""
		default:
			out = p
			return nil
		}
		if err := w.repo.saveProject(ctx, &p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return Project{}, err
	}
	w.log.Info().Str("project_id", projectID).Str("message_id", messageID).Bool("pinned", pinned).Msg("message pin changed")
	return out, nil
}

func (w *Workflow) viewableProject(ctx context.Context, s Session, projectID string) (Project, error) {
	if err := s.validate(); err != nil {
		return Project{}, err
	}
	p, err := w.repo.project(ctx, projectID)
	if err != nil {
		return Project{}, err
	}
	if !CanViewProject(s.UserID, &p) {
		return Project{}, newError(CodePermissionDenied, "not a member of this project")
	}
	return p, nil
}

// PendingInvitations lists invitations awaiting the caller's answer, newest first.
func (w *Workflow) PendingInvitations(ctx context.Context, s Session) ([]Invitation, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}

	byID, err := w.repo.invitations(ctx,
		docstore.Where("recipientId", docstore.OpEqual, s.UserID),
		docstore.Where("status", docstore.OpEqual, string(StatusPending)),
	)
	if err != nil {
		return nil, err
	}

	out := byID
	if s.Email != "" {
		byEmail, err := w.repo.invitations(ctx,
			docstore.Where("recipientEmail", docstore.OpEqual, strings.ToLower(s.Email)),
			docstore.Where("recipientId", docstore.OpEqual, ""),
			docstore.Where("status", docstore.OpEqual, string(StatusPending)),
		)
		if err != nil {
			return nil, err
		}
		out = append(out, byEmail...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// WatchInvitations calls fn with the caller's pending invitations now and
// after every change, until ctx ends or the returned func is called.
func (w *Workflow) WatchInvitations(ctx context.Context, s Session, fn func([]Invitation)) (docstore.Unsubscribe, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	filters := []docstore.Filter{
		docstore.Where("recipientId", docstore.OpEqual, s.UserID),
		docstore.Where("status", docstore.OpEqual, string(StatusPending)),
	}
	return w.store.Subscribe(ctx, CollectionInvitations, filters, func(docs []docstore.Document) {
		invitations, err := decodeInvitations(docs)
		if err != nil {
			w.log.Warn().Err(err).Str("user_id", s.UserID).Msg("decode invitations")
			return
		}
		sort.Slice(invitations, func(i, j int) bool { return invitations[i].CreatedAt.After(invitations[j].CreatedAt) })
		fn(invitations)
	})
}
