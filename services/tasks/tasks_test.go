package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitecrew/pkg/docstore"
	"sitecrew/pkg/validate"
	"sitecrew/services/membership"
)

func TestProgress(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     int
	}{
		{name: "none", want: 0},
		{name: "nothing done", statuses: []Status{StatusNotStarted, StatusBlocked}, want: 0},
		{name: "one of three rounds down", statuses: []Status{StatusCompleted, StatusInProgress, StatusNotStarted}, want: 33},
		{name: "two of three rounds up", statuses: []Status{StatusCompleted, StatusVerified, StatusNotStarted}, want: 67},
		{name: "all verified", statuses: []Status{StatusVerified, StatusVerified}, want: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts []Task
			for _, s := range tt.statuses {
				ts = append(ts, Task{Status: s})
			}
			assert.Equal(t, tt.want, Progress(ts))
		})
	}
}

func TestIsOverdue(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.False(t, IsOverdue(Task{Status: StatusInProgress}, now))
	assert.True(t, IsOverdue(Task{Status: StatusInProgress, DueDate: &past}, now))
	assert.True(t, IsOverdue(Task{Status: StatusBlocked, DueDate: &past}, now))
	assert.False(t, IsOverdue(Task{Status: StatusCompleted, DueDate: &past}, now))
	assert.False(t, IsOverdue(Task{Status: StatusVerified, DueDate: &past}, now))
	assert.False(t, IsOverdue(Task{Status: StatusNotStarted, DueDate: &future}, now))
}

func TestAssignable(t *testing.T) {
	p := &membership.Project{
		CreatedBy: "g1",
		InvitedSubs: []membership.MemberEntry{
			{ID: "s1", Status: membership.StatusAccepted},
			{ID: "s2", Status: membership.StatusPending},
			{ID: "s3", Status: membership.StatusDeclined},
		},
		AssignedTechs: []string{"t1"},
	}
	assert.Equal(t, []string{"s1", "t1"}, Assignable(p))
	assert.Nil(t, Assignable(nil))
}

type directory struct {
	users    map[string]membership.User
	projects map[string]membership.Project
}

func (d directory) User(_ context.Context, id string) (membership.User, error) {
	if u, ok := d.users[id]; ok {
		return u, nil
	}
	return membership.User{}, membership.ErrNotFound
}

func (d directory) Project(_ context.Context, id string) (membership.Project, error) {
	if p, ok := d.projects[id]; ok {
		return p, nil
	}
	return membership.Project{}, membership.ErrNotFound
}

func newService() *Service {
	dir := directory{
		users: map[string]membership.User{
			"g1": {ID: "g1", FirstName: "Alice", Profile: membership.ContractorProfile{CompanyName: "Grant Builders"}},
			"s1": {ID: "s1", FirstName: "Bob", Profile: membership.SubcontractorProfile{CompanyName: "Stone Electric"}},
			"s2": {ID: "s2", FirstName: "Dan", Profile: membership.SubcontractorProfile{CompanyName: "Pike Plumbing"}},
			"t1": {ID: "t1", FirstName: "Carol", Profile: membership.TechnicianProfile{Specialization: "Electrical", ManagedBy: "s1"}},
		},
		projects: map[string]membership.Project{
			"p1": {
				ID:        "p1",
				CreatedBy: "g1",
				InvitedSubs: []membership.MemberEntry{
					{ID: "s1", Status: membership.StatusAccepted},
					{ID: "s2", Status: membership.StatusPending},
				},
				AssignedTechs: []string{"t1"},
			},
		},
	}
	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	return New(docstore.NewMemory(), dir, func() time.Time {
		at = at.Add(time.Minute)
		return at
	})
}

var (
	gc   = membership.Session{UserID: "g1"}
	sub  = membership.Session{UserID: "s1"}
	sub2 = membership.Session{UserID: "s2"}
	tech = membership.Session{UserID: "t1"}
)

func TestCreate(t *testing.T) {
	tests := []struct {
		name    string
		session membership.Session
		in      NewTask
		wantErr error
	}{
		{name: "owner", session: gc, in: NewTask{Title: "Frame walls", AssignedTo: []string{"s1", "s1"}}},
		{name: "accepted sub", session: sub, in: NewTask{Title: "Pull wire", AssignedTo: []string{"t1"}, Category: "Electrical", Priority: PriorityHigh}},
		{name: "pending sub", session: sub2, in: NewTask{Title: "Run pipe"}, wantErr: membership.ErrPermissionDenied},
		{name: "tech", session: tech, in: NewTask{Title: "Pull wire"}, wantErr: membership.ErrPermissionDenied},
		{name: "unassignable", session: gc, in: NewTask{Title: "Run pipe", AssignedTo: []string{"s2"}}, wantErr: membership.ErrValidation},
		{name: "bad category", session: gc, in: NewTask{Title: "x", Category: "Magic"}, wantErr: membership.ErrValidation},
		{name: "bad priority", session: gc, in: NewTask{Title: "x", Priority: "asap"}, wantErr: membership.ErrValidation},
		{name: "missing title", session: gc, in: NewTask{}, wantErr: membership.ErrValidation},
		{name: "no profile", session: membership.Session{UserID: "zed"}, in: NewTask{Title: "x"}, wantErr: membership.ErrPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := newService().Create(context.Background(), tt.session, "p1", tt.in)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StatusNotStarted, task.Status)
			assert.Equal(t, tt.session.UserID, task.CreatedBy)
			assert.NotEmpty(t, task.Category)
			assert.NotEmpty(t, task.Priority)
		})
	}

	_, err := newService().Create(context.Background(), gc, "nope", NewTask{Title: "x"})
	require.ErrorIs(t, err, membership.ErrNotFound)
}

func TestUpdateStatus(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	task, err := svc.Create(ctx, sub, "p1", NewTask{Title: "Pull wire", AssignedTo: []string{"t1"}})
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, sub2, "p1", task.ID, StatusInProgress)
	require.ErrorIs(t, err, membership.ErrPermissionDenied)

	got, err := svc.UpdateStatus(ctx, tech, "p1", task.ID, StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	_, err = svc.UpdateStatus(ctx, sub, "p1", task.ID, StatusVerified)
	require.ErrorIs(t, err, membership.ErrPermissionDenied)

	got, err = svc.UpdateStatus(ctx, gc, "p1", task.ID, StatusVerified)
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, got.Status)

	got, err = svc.UpdateStatus(ctx, tech, "p1", task.ID, StatusBlocked)
	require.NoError(t, err)
	assert.Nil(t, got.CompletedAt)

	_, err = svc.UpdateStatus(ctx, gc, "p1", task.ID, "done")
	require.ErrorIs(t, err, membership.ErrValidation)
	_, err = svc.UpdateStatus(ctx, gc, "p1", "missing", StatusBlocked)
	require.ErrorIs(t, err, membership.ErrNotFound)
}

func TestList(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	soon := time.Date(2026, 5, 3, 0, 0, 0, 0, time.UTC)
	later := soon.AddDate(0, 0, 7)

	for _, in := range []NewTask{
		{Title: "cleanup", Priority: PriorityLow},
		{Title: "permit later", Priority: PriorityUrgent, DueDate: &later},
		{Title: "permit soon", Priority: PriorityUrgent, DueDate: &soon},
		{Title: "framing", Priority: PriorityMedium},
	} {
		_, err := svc.Create(ctx, gc, "p1", in)
		require.NoError(t, err)
	}

	list, err := svc.List(ctx, tech, "p1")
	require.NoError(t, err)
	var titles []string
	for _, task := range list {
		titles = append(titles, task.Title)
	}
	assert.Equal(t, []string{"permit soon", "permit later", "framing", "cleanup"}, titles)
	assert.Equal(t, 0, Progress(list))

	_, err = svc.List(ctx, membership.Session{UserID: "g1"}, "nope")
	require.ErrorIs(t, err, membership.ErrNotFound)
}

func TestCategoriesAreAccepted(t *testing.T) {
	for _, c := range Categories {
		assert.Nil(t, validate.Struct(NewTask{Title: "x", Category: c, Priority: PriorityLow}), c)
		assert.Nil(t, validate.Struct(TaskEdit{Title: "x", Category: c, Priority: PriorityUrgent}), c)
	}
}

func TestUpdate(t *testing.T) {
	due := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	edit := TaskEdit{Title: " Pull wire, panel B ", Description: "second floor", Category: "Electrical", Priority: PriorityHigh}

	tests := []struct {
		name    string
		creator membership.Session
		editor  membership.Session
		in      TaskEdit
		wantErr error
	}{
		{name: "owner edits any task", creator: sub, editor: gc, in: edit},
		{name: "sub edits own task", creator: sub, editor: sub, in: edit},
		{name: "sub cannot edit owner task", creator: gc, editor: sub, in: edit, wantErr: membership.ErrPermissionDenied},
		{name: "assigned tech cannot edit", creator: sub, editor: tech, in: edit, wantErr: membership.ErrPermissionDenied},
		{name: "title required", creator: gc, editor: gc, in: TaskEdit{Title: "  ", Category: "General", Priority: PriorityLow}, wantErr: membership.ErrValidation},
		{name: "unknown category", creator: gc, editor: gc, in: TaskEdit{Title: "x", Category: "Magic", Priority: PriorityLow}, wantErr: membership.ErrValidation},
		{name: "unknown priority", creator: gc, editor: gc, in: TaskEdit{Title: "x", Category: "General", Priority: "asap"}, wantErr: membership.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newService()
			ctx := context.Background()
			task, err := svc.Create(ctx, tt.creator, "p1", NewTask{Title: "Pull wire", AssignedTo: []string{"t1"}, DueDate: &due})
			require.NoError(t, err)

			got, err := svc.Update(ctx, tt.editor, "p1", task.ID, tt.in)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "Pull wire, panel B", got.Title)
			assert.Equal(t, "Electrical", got.Category)
			assert.Equal(t, PriorityHigh, got.Priority)
			assert.Nil(t, got.DueDate, "an omitted due date clears it")
			assert.Equal(t, []string{"t1"}, got.AssignedTo)
			assert.True(t, got.UpdatedAt.After(task.UpdatedAt))
		})
	}

	_, err := newService().Update(context.Background(), gc, "p1", "missing", edit)
	require.ErrorIs(t, err, membership.ErrNotFound)
}

func TestDelete(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	own, err := svc.Create(ctx, sub, "p1", NewTask{Title: "Pull wire"})
	require.NoError(t, err)
	owners, err := svc.Create(ctx, gc, "p1", NewTask{Title: "Frame walls", AssignedTo: []string{"s1"}})
	require.NoError(t, err)
	_, err = svc.AddComment(ctx, tech, "p1", owners.ID, "need more studs")
	require.NoError(t, err)

	require.ErrorIs(t, svc.Delete(ctx, sub, "p1", owners.ID), membership.ErrPermissionDenied)
	require.ErrorIs(t, svc.Delete(ctx, tech, "p1", own.ID), membership.ErrPermissionDenied)
	require.NoError(t, svc.Delete(ctx, sub, "p1", own.ID))
	require.NoError(t, svc.Delete(ctx, gc, "p1", owners.ID))
	require.ErrorIs(t, svc.Delete(ctx, gc, "p1", owners.ID), membership.ErrNotFound)

	list, err := svc.List(ctx, gc, "p1")
	require.NoError(t, err)
	assert.Empty(t, list)
	left, err := svc.store.Query(ctx, CommentsCollection("p1", owners.ID))
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestComments(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	task, err := svc.Create(ctx, sub, "p1", NewTask{Title: "Pull wire", AssignedTo: []string{"t1"}})
	require.NoError(t, err)

	_, err = svc.AddComment(ctx, tech, "p1", task.ID, "   ")
	require.ErrorIs(t, err, membership.ErrValidation)
	_, err = svc.AddComment(ctx, membership.Session{UserID: "g1"}, "nope", task.ID, "hi")
	require.ErrorIs(t, err, membership.ErrNotFound)
	_, err = svc.AddComment(ctx, tech, "p1", "missing", "hi")
	require.ErrorIs(t, err, membership.ErrNotFound)

	c, err := svc.AddComment(ctx, tech, "p1", task.ID, " conduit is in ")
	require.NoError(t, err)
	assert.Equal(t, "conduit is in", c.Text)
	assert.Equal(t, CommentTypeComment, c.Type)
	assert.Equal(t, "Carol", c.UserName)
	assert.Equal(t, membership.RoleTech, c.UserRole)

	_, err = svc.UpdateStatus(ctx, tech, "p1", task.ID, StatusInProgress)
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, tech, "p1", task.ID, StatusInProgress)
	require.NoError(t, err)
	_, err = svc.AddComment(ctx, sub2, "p1", task.ID, "can I help?")
	require.NoError(t, err, "pending invitees can read and comment")

	thread, err := svc.Comments(ctx, gc, "p1", task.ID)
	require.NoError(t, err)
	require.Len(t, thread, 3, "repeating the current status adds nothing")
	assert.Equal(t, "can I help?", thread[0].Text)
	assert.Equal(t, "Status changed to in progress", thread[1].Text)
	assert.Equal(t, CommentTypeStatusChange, thread[1].Type)
	assert.Equal(t, "conduit is in", thread[2].Text)
}
