package membership

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) joinProject(p Project, subs ...Session) {
	f.t.Helper()
	for _, s := range subs {
		_, err := f.w.InviteToProject(f.ctx, alice, ProjectInvite{ProjectID: p.ID, Recipients: []string{s.UserID}})
		require.NoError(f.t, err)
		_, err = f.w.RespondToInvitation(f.ctx, s, f.pending(s)[0].ID, true)
		require.NoError(f.t, err)
	}
}

func profileIDs(profiles []PublicProfile) []string {
	out := make([]string, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p.ID)
	}
	return out
}

func TestSearchSubcontractors(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name    string
		query   string
		want    []string
		wantErr error
	}{
		{name: "too short", query: "b", wantErr: ErrValidation},
		{name: "blank padded", query: "  d ", wantErr: ErrValidation},
		{name: "first name", query: "bo", want: []string{bob.UserID}},
		{name: "last name case insensitive", query: "PIPE", want: []string{dan.UserID}},
		{name: "company", query: "plumb", want: []string{dan.UserID}},
		{name: "shared letters", query: "an", want: []string{dan.UserID}},
		{name: "no match", query: "zz", want: []string{}},
		{name: "technicians never match", query: "carol", want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.w.SearchSubcontractors(f.ctx, alice, tt.query)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, profileIDs(got))
		})
	}

	t.Run("network members are excluded", func(t *testing.T) {
		_, err := f.w.AddToNetwork(f.ctx, alice, bob.UserID)
		require.NoError(t, err)
		got, err := f.w.SearchSubcontractors(f.ctx, alice, "bo")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("only contractors search", func(t *testing.T) {
		_, err := f.w.SearchSubcontractors(f.ctx, bob, "dan")
		require.ErrorIs(t, err, ErrPermissionDenied)
	})
}

func TestPublicProfileHidesContactDetails(t *testing.T) {
	f := newFixture(t, nil)
	u, err := f.w.SetPhotoKey(f.ctx, carol, "users/t1/photo.jpg")
	require.NoError(t, err)

	pub := u.Public()
	assert.Equal(t, PublicProfile{
		ID:             carol.UserID,
		Role:           RoleTech,
		FirstName:      "Carol",
		LastName:       "Wire",
		Specialization: "Electrician",
		HasPhoto:       true,
	}, pub)
}

func TestNetworkStats(t *testing.T) {
	f := newFixture(t, nil)

	riverside := f.createRiverside()
	hilltop, err := f.w.CreateProject(f.ctx, alice, NewProject{Name: "Hilltop", Address: "2 Hill St"})
	require.NoError(t, err)
	f.joinProject(riverside, bob)
	f.joinProject(hilltop, bob)

	_, err = f.w.InviteToProject(f.ctx, alice, ProjectInvite{ProjectID: hilltop.ID, Recipients: []string{dan.UserID}})
	require.NoError(t, err)

	inv, err := f.w.InviteToTeam(f.ctx, bob, carol.UserID)
	require.NoError(t, err)
	_, err = f.w.RespondToInvitation(f.ctx, carol, inv.ID, true)
	require.NoError(t, err)

	_, err = f.w.UpdateProjectSettings(f.ctx, alice, hilltop.ID, SettingsPatch{Status: strPtr("bogus")})
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.w.UpdateProjectSettings(f.ctx, alice, hilltop.ID, SettingsPatch{Status: strPtr(ProjectStatusCompleted)})
	require.NoError(t, err)

	stats, err := f.w.NetworkStats(f.ctx, alice, bob.UserID)
	require.NoError(t, err)
	assert.Equal(t, SubcontractorStats{SubID: bob.UserID, ActiveProjects: 1, CompletedProjects: 1, TeamSize: 1}, stats)

	stats, err = f.w.NetworkStats(f.ctx, alice, dan.UserID)
	require.NoError(t, err)
	assert.Equal(t, SubcontractorStats{SubID: dan.UserID}, stats, "pending invitations do not count")

	_, err = f.w.NetworkStats(f.ctx, bob, dan.UserID)
	require.ErrorIs(t, err, ErrPermissionDenied)

	_, err = f.w.AddToNetwork(f.ctx, alice, bob.UserID)
	require.NoError(t, err)
	members, err := f.w.MyNetwork(f.ctx, alice)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "Bob Electric", members[0].User.CompanyName)
	assert.Equal(t, 1, members[0].Stats.CompletedProjects)

	msgs, err := f.w.Messages(f.ctx, alice, hilltop.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice marked the project completed", msgs[len(msgs)-1].Text)
}

func TestRecentCollaborators(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.w.AddToNetwork(f.ctx, alice, bob.UserID)
	require.NoError(t, err)
	got, err := f.w.RecentCollaborators(f.ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, got, "network links without a shared project are not collaborations")

	p := f.createRiverside()
	f.joinProject(p, bob, dan)

	got, err = f.w.RecentCollaborators(f.ctx, alice)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, dan.UserID, got[0].User.ID)
	assert.Equal(t, bob.UserID, got[1].User.ID)
	assert.Equal(t, 1, got[1].ProjectsCount)
	assert.True(t, got[0].LastCollaboration.After(got[1].LastCollaboration))

	_, err = f.w.RecentCollaborators(f.ctx, carol)
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestRecentCollaboratorsKeepsTen(t *testing.T) {
	f := newFixture(t, nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 12; i++ {
		s := Session{UserID: fmt.Sprintf("sx%02d", i), Email: fmt.Sprintf("sx%02d@example.com", i)}
		_, err := f.w.CompleteProfile(f.ctx, s, ProfileInput{
			Role: RoleSub, FirstName: "Sub", LastName: fmt.Sprint(i), PhoneNumber: "5555550100", CompanyName: "Crew",
		})
		require.NoError(t, err)

		at := base.Add(time.Duration(i) * time.Hour)
		rel := Relationship{
			ID:                     relationshipID(RelGCSub, alice.UserID, s.UserID),
			Type:                   RelGCSub,
			PrimaryUserID:          alice.UserID,
			SecondaryUserID:        s.UserID,
			Status:                 RelActive,
			EstablishedAt:          base,
			LastCollaboration:      &at,
			ProjectsWorkedTogether: []string{"p1", "p2"},
		}
		require.NoError(t, f.w.repo.saveRelationship(f.ctx, &rel))
	}

	got, err := f.w.RecentCollaborators(f.ctx, alice)
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.Equal(t, "sx11", got[0].User.ID)
	assert.Equal(t, "sx02", got[9].User.ID)
	assert.Equal(t, 2, got[0].ProjectsCount)
}

func TestPinMessage(t *testing.T) {
	f := newFixture(t, nil)
	p := f.createRiverside()
	f.joinProject(p, bob)

	first, err := f.w.PostMessage(f.ctx, alice, p.ID, "gate code 4411")
	require.NoError(t, err)
	second, err := f.w.PostMessage(f.ctx, bob, p.ID, "power off Friday")
	require.NoError(t, err)

	pinnedIDs := func() []string {
		msgs, err := f.w.Messages(f.ctx, bob, p.ID)
		require.NoError(t, err)
		var out []string
		for _, m := range msgs {
			if m.Pinned {
				out = append(out, m.ID)
			}
		}
		return out
	}

	_, err = f.w.PinMessage(f.ctx, alice, p.ID, first.ID, true)
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID}, pinnedIDs())

	updated, err := f.w.PinMessage(f.ctx, bob, p.ID, second.ID, true)
	require.NoError(t, err)
	assert.Equal(t, second.ID, updated.PinnedMessageID)
	assert.Equal(t, []string{second.ID}, pinnedIDs(), "pinning replaces the previous pin")

	_, err = f.w.PinMessage(f.ctx, alice, p.ID, first.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []string{second.ID}, pinnedIDs(), "unpinning another message leaves the pin alone")

	_, err = f.w.PinMessage(f.ctx, alice, p.ID, second.ID, false)
	require.NoError(t, err)
	assert.Empty(t, pinnedIDs())

	_, err = f.w.PinMessage(f.ctx, alice, p.ID, "missing", true)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.w.PinMessage(f.ctx, carol, p.ID, first.ID, true)
	require.ErrorIs(t, err, ErrPermissionDenied)
	_, err = f.w.PinMessage(f.ctx, dan, p.ID, first.ID, true)
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestConcurrentPinsLeaveOnePinned(t *testing.T) {
	f := newFixture(t, nil)
	f.w.maxAttempts = 50
	p := f.createRiverside()
	f.joinProject(p, bob)

	var ids []string
	for i := 0; i < 6; i++ {
		m, err := f.w.PostMessage(f.ctx, alice, p.ID, fmt.Sprintf("note %d", i))
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		s := alice
		if i%2 == 1 {
			s = bob
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.w.PinMessage(f.ctx, s, p.ID, id, true)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, err := f.w.Messages(f.ctx, alice, p.ID)
	require.NoError(t, err)
	pinned := 0
	for _, m := range msgs {
		if m.Pinned {
			pinned++
			assert.Equal(t, f.project(p.ID).PinnedMessageID, m.ID)
		}
	}
	assert.Equal(t, 1, pinned)
}

func strPtr(s string) *string { return &s }
