package membership

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitecrew/pkg/docstore"
)

var (
	alice = Session{UserID: "g1", Email: "alice@example.com"}
	bob   = Session{UserID: "s1", Email: "bob@example.com"}
	carol = Session{UserID: "t1", Email: "carol@example.com"}
	dan   = Session{UserID: "s2", Email: "dan@example.com"}
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type published struct {
	subject string
	payload any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{subject: subject, payload: v})
	return nil
}

func (p *recordingPublisher) bySubject(subject string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for _, e := range p.events {
		if e.subject == subject {
			out = append(out, e.payload)
		}
	}
	return out
}

// sagaStore hides Commit so the workflow takes the sequential path.
type sagaStore struct {
	docstore.Store
}

// faultStore fails every Set whose path starts with failPrefix once armed.
type faultStore struct {
	docstore.Store
	mu         sync.Mutex
	failPrefix string
}

func (f *faultStore) arm(prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPrefix = prefix
}

func (f *faultStore) Set(ctx context.Context, path string, data any, opts ...docstore.SetOption) (docstore.Document, error) {
	f.mu.Lock()
	prefix := f.failPrefix
	f.mu.Unlock()
	if prefix != "" && strings.HasPrefix(path, prefix) {
		return docstore.Document{}, errors.New("store unavailable")
	}
	return f.Store.Set(ctx, path, data, opts...)
}

// failingCommitStore keeps Commit but makes it fail.
type failingCommitStore struct {
	*docstore.Memory
}

func (failingCommitStore) Commit(context.Context, []docstore.Write) error {
	return errors.New("transaction aborted")
}

type fixture struct {
	t         *testing.T
	ctx       context.Context
	mem       *docstore.Memory
	w         *Workflow
	publisher *recordingPublisher
	metrics   *Metrics
}

func newFixture(t *testing.T, wrap func(*docstore.Memory) docstore.Store) *fixture {
	t.Helper()
	mem := docstore.NewMemory()
	var store docstore.Store = mem
	if wrap != nil {
		store = wrap(mem)
	}
	clock := &testClock{t: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	publisher := &recordingPublisher{}
	metrics := NewMetrics(nil)
	f := &fixture{
		t:         t,
		ctx:       context.Background(),
		mem:       mem,
		publisher: publisher,
		metrics:   metrics,
		w:         New(store, WithClock(clock.Now), WithPublisher(publisher), WithMetrics(metrics)),
	}
	f.seedUsers()
	return f
}

var storeModes = map[string]func(*docstore.Memory) docstore.Store{
	"transactional": nil,
	"saga":          func(m *docstore.Memory) docstore.Store { return sagaStore{Store: m} },
}

func (f *fixture) seedUsers() {
	f.t.Helper()
	profiles := []struct {
		s  Session
		in ProfileInput
	}{
		{alice, ProfileInput{Role: RoleGC, FirstName: "Alice", LastName: "Stone", PhoneNumber: "555-555-0001", CompanyName: "Stone Builders"}},
		{bob, ProfileInput{Role: RoleSub, FirstName: "Bob", LastName: "Volt", PhoneNumber: "5555550002", CompanyName: "Bob Electric"}},
		{carol, ProfileInput{Role: RoleTech, FirstName: "Carol", LastName: "Wire", PhoneNumber: "(555) 555-0003", Specialization: "Electrician"}},
		{dan, ProfileInput{Role: RoleSub, FirstName: "Dan", LastName: "Pipe", PhoneNumber: "555.555.0004", CompanyName: "Dan Plumbing"}},
	}
	for _, p := range profiles {
		_, err := f.w.CompleteProfile(f.ctx, p.s, p.in)
		require.NoError(f.t, err)
	}
}

func (f *fixture) createRiverside() Project {
	f.t.Helper()
	p, err := f.w.CreateProject(f.ctx, alice, NewProject{Name: "Riverside", Address: "1 River Rd"})
	require.NoError(f.t, err)
	return p
}

func (f *fixture) project(id string) Project {
	f.t.Helper()
	p, err := f.w.Project(f.ctx, id)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) user(id string) User {
	f.t.Helper()
	u, err := f.w.User(f.ctx, id)
	require.NoError(f.t, err)
	return u
}

func (f *fixture) pending(s Session) []Invitation {
	f.t.Helper()
	invs, err := f.w.PendingInvitations(f.ctx, s)
	require.NoError(f.t, err)
	return invs
}

func (f *fixture) invitationCount() int {
	f.t.Helper()
	docs, err := f.mem.Query(f.ctx, CollectionInvitations)
	require.NoError(f.t, err)
	return len(docs)
}

func (f *fixture) relationships(filters ...docstore.Filter) []Relationship {
	f.t.Helper()
	rels, err := f.w.repo.relationships(f.ctx, filters...)
	require.NoError(f.t, err)
	return rels
}

func TestRiversideScenario(t *testing.T) {
	for mode, wrap := range storeModes {
		t.Run(mode, func(t *testing.T) {
			f := newFixture(t, wrap)
			p := f.createRiverside()
			assert.True(t, p.SubInvitesAllowed())
			assert.Equal(t, 1, MemberCount(&p))

			n, err := f.w.InviteToProject(f.ctx, alice, ProjectInvite{ProjectID: p.ID, Recipients: []string{bob.UserID}})
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			p = f.project(p.ID)
			entry, ok := FindMember(&p, bob.UserID)
			require.True(t, ok)
			assert.Equal(t, StatusPending, entry.Status)
			assert.True(t, entry.CanInviteTechs)
			assert.Equal(t, "Bob Electric", entry.Company)
			assert.Equal(t, 2, MemberCount(&p))

			invs := f.pending(bob)
			require.Len(t, invs, 1)
			assert.Equal(t, RoleSub, invs[0].Role)
			assert.Equal(t, "Riverside", invs[0].ProjectName)

			inv, err := f.w.RespondToInvitation(f.ctx, bob, invs[0].ID, true)
			require.NoError(t, err)
			assert.Equal(t, StatusAccepted, inv.Status)
			require.NotNil(t, inv.RespondedAt)

			p = f.project(p.ID)
			entry, _ = FindMember(&p, bob.UserID)
			assert.Equal(t, StatusAccepted, entry.Status)
			assert.Equal(t, ScopeTechsOnly, CanInviteToProject(bob.UserID, RoleSub, &p))

			rels := f.relationships(docstore.Where("type", docstore.OpEqual, string(RelGCSub)))
			require.Len(t, rels, 1)
			assert.Equal(t, alice.UserID, rels[0].PrimaryUserID)
			assert.Equal(t, bob.UserID, rels[0].SecondaryUserID)
			assert.Equal(t, RelActive, rels[0].Status)
			assert.Equal(t, []string{p.ID}, rels[0].ProjectsWorkedTogether)

			_, err = f.w.UpdateProjectSettings(f.ctx, alice, p.ID, SettingsPatch{AllowSubInvites: boolPtr(false)})
			require.NoError(t, err)
			p = f.project(p.ID)
			assert.Equal(t, ScopeDenied, CanInviteToProject(bob.UserID, RoleSub, &p))
			assert.Equal(t, ScopeFull, CanInviteToProject(alice.UserID, RoleGC, &p))

			msgs, err := f.w.Messages(f.ctx, alice, p.ID)
			require.NoError(t, err)
			var texts []string
			for _, m := range msgs {
				texts = append(texts, m.Text)
			}
			assert.Equal(t, []string{
				`Project "Riverside" created`,
				"1 new subcontractor has been invited to the project",
				"Bob Volt (Bob Electric) has joined the project",
				"Alice disabled subcontractor invites",
			}, texts)

			assert.Len(t, f.publisher.bySubject(SubjectInvitationCreated), 1)
			assert.Len(t, f.publisher.bySubject(SubjectInvitationResponded), 1)
			assert.Len(t, f.publisher.bySubject(SubjectRelationshipChanged), 1)
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.InvitationsResponded.WithLabelValues("accepted")))
		})
	}
}

func TestRespondTwiceIsInvalidState(t *testing.T) {
	for mode, wrap := range storeModes {
		t.Run(mode, func(t *testing.T) {
			f := newFixture(t, wrap)
			p := f.createRiverside()
			_, err := f.w.InviteToProject(f.ctx, alice, ProjectInvite{ProjectID: p.ID, Recipients: []string{bob.UserID}})
			require.NoError(t, err)
			inv := f.pending(bob)[0]

			_, err = f.w.RespondToInvitation(f.ctx, bob, inv.ID, false)
			require.NoError(t, err)

			_, err = f.w.RespondToInvitation(f.ctx, bob, inv.ID, true)
			require.ErrorIs(t, err, ErrInvalidState)

			stored, err := f.w.repo.invitation(f.ctx, inv.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusDeclined, stored.Status)

			p = f.project(p.ID)
			entry, _ := FindMember(&p, bob.UserID)
			assert.Equal(t, StatusDeclined, entry.Status)
			assert.Equal(t, 1, MemberCount(&p))
			assert.Empty(t, f.relationships())
		})
	}
}

func TestRacingResponders(t *testing.T) {
	for mode, wrap := range storeModes {
		t.Run(mode, func(t *testing.T) {
			f := newFixture(t, wrap)
			p := f.createRiverside()
			_, err := f.w.InviteToProject(f.ctx, alice, ProjectInvite{ProjectID: p.ID, Recipients: []string{bob.UserID}})
			require.NoError(t, err)
			inv := f.pending(bob)[0]

			const racers = 4
			errs := make([]error, racers)
			var wg sync.WaitGroup
			for i := 0; i < racers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = f.w.RespondToInvitation(f.ctx, bob, inv.ID, true)
				}(i)
			}
			wg.Wait()

			var ok, invalid int
			for _, err := range errs {
				switch {
				case err == nil:
					ok++
				case errors.Is(err, ErrInvalidState):
					invalid++
				default:
					t.Fatalf("unexpected error: %v", err)
				}
			}
			assert.Equal(t, 1, ok)
			assert.Equal(t, racers-1, invalid)

			p = f.project(p.ID)
			assert.Len(t, p.InvitedSubs, 1)
			assert.Equal(t, StatusAccepted, p.InvitedSubs[0].Status)
			assert.Len(t, f.relationships(), 1)
		})
	}
}

func TestInviteToProjectPreconditions(t *testing.T) {
	f := newFixture(t, nil)
	p := f.createRiverside()

	_, err := f.w.InviteToProject(f.ctx, alice, ProjectInvite{ProjectID: p.ID})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.w.InviteToProject(f.ctx, alice, ProjectInvite{ProjectID: p.ID, Recipients: []string{"ghost"}})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.w.InviteToProject(f.ctx, bob, ProjectInvite{ProjectID: p.ID, Recipients: []string{dan.UserID}})
	require.ErrorIs(t, err, ErrPermissionDenied)

	_, err = f.w.InviteToProject(f.ctx, alice, ProjectInvite{ProjectID: p.ID, Recipients: []string{carol.UserID}, Role: RoleSub})
	require.ErrorIs(t, err, ErrValidation)

	n, err := f.w.InviteToProject(f.ctx, alice, ProjectInvite{ProjectID: p.ID, Recipients: []string{bob.UserID, "dan@example.com", bob.UserID}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, f.invitationCount())

	// one duplicate recipient aborts the whole batch
	_, err = f.w.InviteToProject(f.ctx, alice, ProjectInvite{ProjectID: p.ID, Recipients: []string{bob.UserID}})
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 2, f.invitationCount())

	p = f.project(p.ID)
	assert.Len(t, p.InvitedSubs, 2)
	assert.Equal(t, 3, MemberCount(&p))
}

func TestReinviteAfterDecline(t *testing.T) {
	for mode, wrap := range storeModes {
		t.Run(mode, func(t *testing.T) {
			f := newFixture(t, wrap)
			p := f.createRiverside()

			_, err := f.w.InviteToProject(f.ctx, alice, ProjectInvite{ProjectID: p.ID, Recipients: []string{bob.UserID}})
			require.NoError(t, err)
			_, err = f.w.RespondToInvitation(f.ctx, bob, f.pending(bob)[0].ID, false)
			require.NoError(t, err)

			n, err := f.w.InviteToProject(f.ctx, alice, ProjectInvite{ProjectID: p.ID, Recipients: []string{bob.UserID}})
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			p = f.project(p.ID)
			require.Len(t, p.InvitedSubs, 1)
			assert.Equal(t, StatusPending, p.InvitedSubs[0].Status)
			assert.Nil(t, p.InvitedSubs[0].RespondedAt)
			assert.Len(t, f.pending(bob), 1)
		})
	}
}

func TestCanInviteTechsCopiesLiveSetting(t *testing.T) {
	f := newFixture(t, nil)
	p := f.createRiverside()
	_, err := f.w.UpdateProjectSettings(f.ctx, alice, p.ID, SettingsPatch{AllowSubInvites: boolPtr(false)})
	require.NoError(t, err)

	_, err = f.w.InviteToProject(f.ctx, alice, ProjectInvite{ProjectID: p.ID, Recipients: []string{bob.UserID}})
	require.NoError(t, err)

	p = f.project(p.ID)
	entry, _ := FindMember(&p, bob.UserID)
	assert.False(t, entry.CanInviteTechs)
}

func TestTeamScenario(t *testing.T) {
	for mode, wrap := range storeModes {
		t.Run(mode, func(t *testing.T) {
			f := newFixture(t, wrap)

			_, err := f.w.InviteToTeam(f.ctx, alice, carol.UserID)
			require.ErrorIs(t, err, ErrPermissionDenied)
			_, err = f.w.InviteToTeam(f.ctx, bob, dan.UserID)
			require.ErrorIs(t, err, ErrValidation)

			inv, err := f.w.InviteToTeam(f.ctx, bob, "carol@example.com")
			require.NoError(t, err)
			assert.Equal(t, TypeTeamInvite, inv.Type)
			assert.Equal(t, RoleTech, inv.Role)
			assert.Empty(t, inv.ProjectID)

			_, err = f.w.InviteToTeam(f.ctx, bob, carol.UserID)
			require.ErrorIs(t, err, ErrInvalidState)

			tp := f.user(carol.UserID).Profile.(TechnicianProfile)
			assert.Empty(t, tp.ManagedBy)

			_, err = f.w.RespondToInvitation(f.ctx, carol, inv.ID, true)
			require.NoError(t, err)

			tp = f.user(carol.UserID).Profile.(TechnicianProfile)
			assert.Equal(t, bob.UserID, tp.ManagedBy)
			sp := f.user(bob.UserID).Profile.(SubcontractorProfile)
			assert.Equal(t, []string{carol.UserID}, sp.ManagedTechs)

			team, err := f.w.Team(f.ctx, bob)
			require.NoError(t, err)
			require.Len(t, team, 1)
			assert.Equal(t, "Carol", team[0].FirstName)

			subTech := f.relationships(docstore.Where("type", docstore.OpEqual, string(RelSubTech)))
			require.Len(t, subTech, 1)
			assert.Equal(t, RelActive, subTech[0].Status)

			rel, err := f.w.RemoveFromTeam(f.ctx, bob, carol.UserID)
			require.NoError(t, err)
			assert.Equal(t, RelPreviousTeamMember, rel.Type)
			assert.Equal(t, RelInactive, rel.Status)
			require.NotNil(t, rel.RemovedAt)

			tp = f.user(carol.UserID).Profile.(TechnicianProfile)
			assert.Empty(t, tp.ManagedBy)
			assert.Equal(t, bob.UserID, tp.PreviousManager)
			sp = f.user(bob.UserID).Profile.(SubcontractorProfile)
			assert.Empty(t, sp.ManagedTechs)

			history := f.relationships(docstore.Where("type", docstore.OpEqual, string(RelPreviousTeamMember)))
			require.Len(t, history, 1)
			assert.Equal(t, bob.UserID, history[0].PrimaryUserID)
			assert.Equal(t, carol.UserID, history[0].SecondaryUserID)
			assert.Equal(t, RelInactive, history[0].Status)

			subTech = f.relationships(docstore.Where("type", docstore.OpEqual, string(RelSubTech)))
			require.Len(t, subTech, 1)
			assert.Equal(t, RelInactive, subTech[0].Status)

			_, err = f.w.RemoveFromTeam(f.ctx, bob, carol.UserID)
			require.ErrorIs(t, err, ErrInvalidState)
			assert.Len(t, f.relationships(docstore.Where("type", docstore.OpEqual, string(RelPreviousTeamMember))), 1)

			network, err := f.w.Network(f.ctx, carol)
			require.NoError(t, err)
			assert.Len(t, network, 2)
		})
	}
}

// rendezvousStore holds reads of one path until a second reader arrives, so
// two workflows observe the same version before either writes.
type rendezvousStore struct {
	docstore.Store
	path  string
	armed atomic.Bool

	mu      sync.Mutex
	waiting int
	release chan struct{}
}

func (r *rendezvousStore) Get(ctx context.Context, path string) (docstore.Document, error) {
	if r.armed.Load() && path == r.path {
		r.mu.Lock()
		if r.release == nil {
			r.release = make(chan struct{})
		}
		ch := r.release
		r.waiting++
		if r.waiting == 2 {
			close(ch)
			r.release, r.waiting = nil, 0
		}
		r.mu.Unlock()
		select {
		case <-ch:
		case <-time.After(200 * time.Millisecond):
			r.mu.Lock()
			if r.release == ch {
				r.waiting--
			}
			r.mu.Unlock()
		}
	}
	return r.Store.Get(ctx, path)
}

type rendezvousTxStore struct {
	*rendezvousStore
	tx docstore.Transactor
}

func (r rendezvousTxStore) Commit(ctx context.Context, writes []docstore.Write) error {
	return r.tx.Commit(ctx, writes)
}

func TestConcurrentTeamAcceptance(t *testing.T) {
	for mode, wrap := range storeModes {
		t.Run(mode, func(t *testing.T) {
			rv := &rendezvousStore{path: userPath(carol.UserID)}
			f := newFixture(t, func(m *docstore.Memory) docstore.Store {
				var inner docstore.Store = m
				if wrap != nil {
					inner = wrap(m)
				}
				rv.Store = inner
				if tx, ok := inner.(docstore.Transactor); ok {
					return rendezvousTxStore{rendezvousStore: rv, tx: tx}
				}
				return rv
			})

			fromBob, err := f.w.InviteToTeam(f.ctx, bob, carol.UserID)
			require.NoError(t, err)
			fromDan, err := f.w.InviteToTeam(f.ctx, dan, carol.UserID)
			require.NoError(t, err)

			rv.armed.Store(true)
			errs := make([]error, 2)
			var wg sync.WaitGroup
			for i, inv := range []Invitation{fromBob, fromDan} {
				wg.Add(1)
				go func(i int, id string) {
					defer wg.Done()
					_, errs[i] = f.w.RespondToInvitation(f.ctx, carol, id, true)
				}(i, inv.ID)
			}
			wg.Wait()
			rv.armed.Store(false)

			var ok, invalid int
			for _, err := range errs {
				switch {
				case err == nil:
					ok++
				case errors.Is(err, ErrInvalidState):
					invalid++
				default:
					t.Fatalf("unexpected error: %v", err)
				}
			}
			require.Equal(t, 1, ok)
			require.Equal(t, 1, invalid)

			winner, loser := bob, dan
			if errs[0] != nil {
				winner, loser = dan, bob
			}
			tp := f.user(carol.UserID).Profile.(TechnicianProfile)
			assert.Equal(t, winner.UserID, tp.ManagedBy)
			assert.Equal(t, []string{carol.UserID}, f.user(winner.UserID).Profile.(SubcontractorProfile).ManagedTechs)
			assert.Empty(t, f.user(loser.UserID).Profile.(SubcontractorProfile).ManagedTechs)

			active := f.relationships(
				docstore.Where("type", docstore.OpEqual, string(RelSubTech)),
				docstore.Where("status", docstore.OpEqual, string(RelActive)),
			)
			require.Len(t, active, 1)
			assert.Equal(t, winner.UserID, active[0].PrimaryUserID)

			left := f.pending(carol)
			require.Len(t, left, 1)
			assert.Equal(t, loser.UserID, left[0].InviterID)
		})
	}
}

func TestAcceptSecondTeamRequiresLeaving(t *testing.T) {
	f := newFixture(t, nil)
	fromBob, err := f.w.InviteToTeam(f.ctx, bob, carol.UserID)
	require.NoError(t, err)
	fromDan, err := f.w.InviteToTeam(f.ctx, dan, carol.UserID)
	require.NoError(t, err)

	_, err = f.w.RespondToInvitation(f.ctx, carol, fromBob.ID, true)
	require.NoError(t, err)
	_, err = f.w.RespondToInvitation(f.ctx, carol, fromDan.ID, true)
	require.ErrorIs(t, err, ErrInvalidState)

	assert.Equal(t, bob.UserID, f.user(carol.UserID).Profile.(TechnicianProfile).ManagedBy)
	assert.Empty(t, f.user(dan.UserID).Profile.(SubcontractorProfile).ManagedTechs)
	require.Len(t, f.pending(carol), 1)

	_, err = f.w.RespondToInvitation(f.ctx, carol, fromDan.ID, false)
	require.NoError(t, err)
	assert.Equal(t, bob.UserID, f.user(carol.UserID).Profile.(TechnicianProfile).ManagedBy)
}

func TestRemoveFromTeamRequiresManager(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.w.RemoveFromTeam(f.ctx, dan, carol.UserID)
	require.ErrorIs(t, err, ErrPermissionDenied)
	_, err = f.w.RemoveFromTeam(f.ctx, alice, carol.UserID)
	require.ErrorIs(t, err, ErrPermissionDenied)
	_, err = f.w.RemoveFromTeam(f.ctx, bob, "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTeamInviteToUnregisteredEmail(t *testing.T) {
	f := newFixture(t, nil)

	inv, err := f.w.InviteToTeam(f.ctx, bob, "Erin@Example.com")
	require.NoError(t, err)
	assert.Empty(t, inv.RecipientID)
	assert.Equal(t, "erin@example.com", inv.RecipientEmail)

	erin := Session{UserID: "t2", Email: "erin@example.com"}
	_, err = f.w.CompleteProfile(f.ctx, erin, ProfileInput{Role: RoleTech, FirstName: "Erin", LastName: "Lane", PhoneNumber: "5555550005", Specialization: "Plumber"})
	require.NoError(t, err)

	invs := f.pending(erin)
	require.Len(t, invs, 1)
	assert.Equal(t, inv.ID, invs[0].ID)

	_, err = f.w.RespondToInvitation(f.ctx, carol, inv.ID, true)
	require.ErrorIs(t, err, ErrPermissionDenied)

	accepted, err := f.w.RespondToInvitation(f.ctx, erin, inv.ID, true)
	require.NoError(t, err)
	assert.Equal(t, erin.UserID, accepted.RecipientID)
	assert.Equal(t, bob.UserID, f.user(erin.UserID).Profile.(TechnicianProfile).ManagedBy)
	assert.Empty(t, f.pending(erin))
}

func TestSubInvitesOwnTechnician(t *testing.T) {
	f := newFixture(t, nil)
	p := f.createRiverside()

	_, err := f.w.InviteToProject(f.ctx, alice, ProjectInvite{ProjectID: p.ID, Recipients: []string{bob.UserID}})
	require.NoError(t, err)
	_, err = f.w.RespondToInvitation(f.ctx, bob, f.pending(bob)[0].ID, true)
	require.NoError(t, err)

	// not on Bob's team yet
	_, err = f.w.InviteToProject(f.ctx, bob, ProjectInvite{ProjectID: p.ID, Recipients: []string{carol.UserID}})
	require.ErrorIs(t, err, ErrPermissionDenied)

	teamInv, err := f.w.InviteToTeam(f.ctx, bob, carol.UserID)
	require.NoError(t, err)
	_, err = f.w.RespondToInvitation(f.ctx, carol, teamInv.ID, true)
	require.NoError(t, err)

	_, err = f.w.InviteToProject(f.ctx, bob, ProjectInvite{ProjectID: p.ID, Recipients: []string{carol.UserID}, Role: RoleSub})
	require.ErrorIs(t, err, ErrPermissionDenied)

	n, err := f.w.InviteToProject(f.ctx, bob, ProjectInvite{ProjectID: p.ID, Recipients: []string{carol.UserID}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p = f.project(p.ID)
	assert.Len(t, p.InvitedSubs, 1, "technicians are not added to the subcontractor roster")

	_, err = f.w.InviteToProject(f.ctx, bob, ProjectInvite{ProjectID: p.ID, Recipients: []string{carol.UserID}})
	require.ErrorIs(t, err, ErrInvalidState)

	invs := f.pending(carol)
	require.Len(t, invs, 1)
	_, err = f.w.RespondToInvitation(f.ctx, carol, invs[0].ID, true)
	require.NoError(t, err)

	p = f.project(p.ID)
	assert.Equal(t, []string{carol.UserID}, p.AssignedTechs)
	assert.Equal(t, 2, MemberCount(&p))

	view, err := f.w.GetProjectView(f.ctx, carol, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ScopeDenied, view.InviteScope)
	assert.Equal(t, []Permission{PermViewOnly}, view.Permissions)

	_, err = f.w.UpdateProjectSettings(f.ctx, alice, p.ID, SettingsPatch{AllowSubInvites: boolPtr(false)})
	require.NoError(t, err)
	_, err = f.w.InviteToProject(f.ctx, bob, ProjectInvite{ProjectID: p.ID, Recipients: []string{carol.UserID}})
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestAddToNetworkIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)

	first, err := f.w.AddToNetwork(f.ctx, alice, bob.UserID)
	require.NoError(t, err)
	second, err := f.w.AddToNetwork(f.ctx, alice, bob.UserID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	rels := f.relationships(docstore.Where("type", docstore.OpEqual, string(RelGCSub)))
	require.Len(t, rels, 1)
	assert.Equal(t, RelActive, rels[0].Status)

	assert.Equal(t, []string{bob.UserID}, f.user(alice.UserID).Profile.(ContractorProfile).ManagedSubs)
	assert.Equal(t, []string{alice.UserID}, f.user(bob.UserID).Profile.(SubcontractorProfile).AssociatedGCs)
	assert.Len(t, f.publisher.bySubject(SubjectRelationshipChanged), 1)

	_, err = f.w.AddToNetwork(f.ctx, alice, carol.UserID)
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.w.AddToNetwork(f.ctx, bob, dan.UserID)
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestProjectAcceptReusesNetworkRelationship(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.w.AddToNetwork(f.ctx, alice, bob.UserID)
	require.NoError(t, err)

	p := f.createRiverside()
	_, err = f.w.InviteToProject(f.ctx, alice, ProjectInvite{ProjectID: p.ID, Recipients: []string{bob.UserID}})
	require.NoError(t, err)
	_, err = f.w.RespondToInvitation(f.ctx, bob, f.pending(bob)[0].ID, true)
	require.NoError(t, err)

	rels := f.relationships(docstore.Where("type", docstore.OpEqual, string(RelGCSub)))
	require.Len(t, rels, 1)
	assert.Equal(t, []string{p.ID}, rels[0].ProjectsWorkedTogether)
	assert.NotNil(t, rels[0].LastCollaboration)
}

func TestRespondPartialFailure(t *testing.T) {
	var faults *faultStore
	f := newFixture(t, func(m *docstore.Memory) docstore.Store {
		faults = &faultStore{Store: m}
		return faults
	})
	p := f.createRiverside()
	_, err := f.w.InviteToProject(f.ctx, alice, ProjectInvite{ProjectID: p.ID, Recipients: []string{bob.UserID}})
	require.NoError(t, err)
	inv := f.pending(bob)[0]

	faults.arm("projects/" + p.ID)
	_, err = f.w.RespondToInvitation(f.ctx, bob, inv.ID, true)
	require.ErrorIs(t, err, ErrPartialFailure)

	var domainErr *Error
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, HalfProject, domainErr.Metadata["failed_half"])
	assert.Equal(t, inv.ID, domainErr.Metadata["invitation_id"])

	// the invitation half is durable, so a retry is rejected rather than re-applied
	stored, err := f.w.repo.invitation(f.ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, stored.Status)

	events := f.publisher.bySubject(SubjectPartialFailure)
	require.Len(t, events, 1)
	event := events[0].(PartialFailureEvent)
	assert.Equal(t, HalfProject, event.FailedHalf)
	assert.Equal(t, p.ID, event.ProjectID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PartialFailures.WithLabelValues(HalfProject)))
}

func TestInvitePartialFailure(t *testing.T) {
	var faults *faultStore
	f := newFixture(t, func(m *docstore.Memory) docstore.Store {
		faults = &faultStore{Store: m}
		return faults
	})
	p := f.createRiverside()

	faults.arm(CollectionInvitations + "/")
	n, err := f.w.InviteToProject(f.ctx, alice, ProjectInvite{ProjectID: p.ID, Recipients: []string{bob.UserID}})
	require.ErrorIs(t, err, ErrPartialFailure)
	assert.Equal(t, 0, n)
	assert.Len(t, f.publisher.bySubject(SubjectPartialFailure), 1)
}

func TestTransactionalFailureAppliesNothing(t *testing.T) {
	var mem *docstore.Memory
	f := newFixture(t, func(m *docstore.Memory) docstore.Store {
		mem = m
		return m
	})
	p := f.createRiverside()
	_, err := f.w.InviteToProject(f.ctx, alice, ProjectInvite{ProjectID: p.ID, Recipients: []string{bob.UserID}})
	require.NoError(t, err)
	inv := f.pending(bob)[0]

	broken := New(failingCommitStore{Memory: mem})
	_, err = broken.RespondToInvitation(f.ctx, bob, inv.ID, true)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrPartialFailure))

	stored, err := f.w.repo.invitation(f.ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	p = f.project(p.ID)
	entry, _ := FindMember(&p, bob.UserID)
	assert.Equal(t, StatusPending, entry.Status)
}

func TestCompleteProfile(t *testing.T) {
	f := newFixture(t, nil)

	u := f.user(alice.UserID)
	assert.Equal(t, RoleGC, u.Role())
	assert.Equal(t, "(555) 555-0001", u.PhoneNumber)
	assert.Equal(t, "Stone Builders", u.Company())

	tests := []struct {
		name  string
		in    ProfileInput
		field string
	}{
		{name: "short phone", in: ProfileInput{Role: RoleGC, FirstName: "Z", LastName: "Y", PhoneNumber: "555-1234"}, field: "phoneNumber"},
		{name: "missing first name", in: ProfileInput{Role: RoleGC, LastName: "Y", PhoneNumber: "5555550009"}, field: "firstName"},
		{name: "missing last name", in: ProfileInput{Role: RoleGC, FirstName: "Z", PhoneNumber: "5555550009"}, field: "lastName"},
		{name: "blank last name", in: ProfileInput{Role: RoleGC, FirstName: "Z", LastName: "   ", PhoneNumber: "5555550009"}, field: "lastName"},
		{name: "sub without company", in: ProfileInput{Role: RoleSub, FirstName: "Z", LastName: "Y", PhoneNumber: "5555550009"}, field: "companyName"},
		{name: "tech without specialization", in: ProfileInput{Role: RoleTech, FirstName: "Z", LastName: "Y", PhoneNumber: "5555550009"}, field: "specialization"},
		{name: "gc with specialization", in: ProfileInput{Role: RoleGC, FirstName: "Z", LastName: "Y", PhoneNumber: "5555550009", Specialization: "HVAC"}, field: "specialization"},
		{name: "unknown role", in: ProfileInput{Role: "Boss", FirstName: "Z", LastName: "Y", PhoneNumber: "5555550009"}, field: "role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.w.CompleteProfile(f.ctx, Session{UserID: "new", Email: "new@example.com"}, tt.in)
			require.ErrorIs(t, err, ErrValidation)
			var domainErr *Error
			require.True(t, errors.As(err, &domainErr))
			assert.Contains(t, domainErr.Metadata, tt.field)
		})
	}

	_, err := f.w.CompleteProfile(f.ctx, Session{UserID: "new", Email: "not-an-email"}, ProfileInput{Role: RoleGC, FirstName: "Z", LastName: "Y", PhoneNumber: "5555550009"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.w.CompleteProfile(f.ctx, alice, ProfileInput{Role: RoleSub, FirstName: "Alice", LastName: "Stone", PhoneNumber: "5555550001", CompanyName: "X"})
	require.ErrorIs(t, err, ErrInvalidState)

	updated, err := f.w.CompleteProfile(f.ctx, carol, ProfileInput{Role: RoleTech, FirstName: "Caroline", LastName: "Wire", PhoneNumber: "5555550003", Specialization: "Welder"})
	require.NoError(t, err)
	assert.Equal(t, "Caroline", updated.FirstName)
	assert.Equal(t, "Electrician", updated.Profile.(TechnicianProfile).Specialization)
}

func TestProjectAccess(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.w.CreateProject(f.ctx, bob, NewProject{Name: "Nope", Address: "x"})
	require.ErrorIs(t, err, ErrPermissionDenied)
	_, err = f.w.CreateProject(f.ctx, alice, NewProject{Name: "", Address: "x"})
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.w.CreateProject(f.ctx, alice, NewProject{Name: "A", Address: "x", StartDate: "2026-05-01", EndDate: "2026-04-01"})
	require.ErrorIs(t, err, ErrValidation)

	p, err := f.w.CreateProject(f.ctx, alice, NewProject{Name: "Hilltop", Address: "2 Hill St", InviteSubs: []string{bob.UserID, dan.UserID}})
	require.NoError(t, err)
	assert.Len(t, p.InvitedSubs, 2)
	require.NotNil(t, p.AllowSubInvites)
	assert.True(t, *p.AllowSubInvites)
	require.NotNil(t, p.AllowSubEvents)
	assert.True(t, *p.AllowSubEvents)

	_, err = f.w.UpdateProjectSettings(f.ctx, bob, p.ID, SettingsPatch{AllowSubEvents: boolPtr(false)})
	require.ErrorIs(t, err, ErrPermissionDenied)

	_, err = f.w.GetProjectView(f.ctx, carol, p.ID)
	require.ErrorIs(t, err, ErrPermissionDenied)

	view, err := f.w.GetProjectView(f.ctx, alice, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, view.MemberCount)
	assert.Equal(t, ScopeFull, view.InviteScope)

	projects, err := f.w.ListProjects(f.ctx, alice)
	require.NoError(t, err)
	assert.Len(t, projects, 1)

	projects, err = f.w.ListProjects(f.ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, projects)

	_, err = f.w.RespondToInvitation(f.ctx, bob, f.pending(bob)[0].ID, true)
	require.NoError(t, err)
	projects, err = f.w.ListProjects(f.ctx, bob)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, p.ID, projects[0].ID)

	_, err = f.w.PostMessage(f.ctx, carol, p.ID, "hello")
	require.ErrorIs(t, err, ErrPermissionDenied)
	msg, err := f.w.PostMessage(f.ctx, bob, p.ID, "on site at 7")
	require.NoError(t, err)
	assert.Equal(t, MessageTypeText, msg.Type)

	_, err = f.w.Messages(f.ctx, dan, p.ID)
	require.NoError(t, err, "pending invitees can read the feed")
	_, err = f.w.RespondToInvitation(f.ctx, dan, f.pending(dan)[0].ID, false)
	require.NoError(t, err)
	_, err = f.w.Messages(f.ctx, dan, p.ID)
	require.ErrorIs(t, err, ErrPermissionDenied)
	_, err = f.w.PostMessage(f.ctx, dan, p.ID, "still here?")
	require.ErrorIs(t, err, ErrPermissionDenied)
	_, err = f.w.GetProjectView(f.ctx, dan, p.ID)
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestWatchInvitations(t *testing.T) {
	f := newFixture(t, nil)
	p := f.createRiverside()

	var (
		mu        sync.Mutex
		snapshots [][]Invitation
	)
	stop, err := f.w.WatchInvitations(f.ctx, bob, func(invs []Invitation) {
		mu.Lock()
		defer mu.Unlock()
		snapshots = append(snapshots, invs)
	})
	require.NoError(t, err)
	defer stop()

	_, err = f.w.InviteToProject(f.ctx, alice, ProjectInvite{ProjectID: p.ID, Recipients: []string{bob.UserID}})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(snapshots), 2)
	assert.Empty(t, snapshots[0])
	last := snapshots[len(snapshots)-1]
	require.Len(t, last, 1)
	assert.Equal(t, p.ID, last[0].ProjectID)
}
