package ledger

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"sitecrew/services/membership"
)

// Fixtures is the seed file format.
type Fixtures struct {
	Users    []FixtureUser    `yaml:"users"`
	Projects []FixtureProject `yaml:"projects"`
	Teams    []FixtureTeam    `yaml:"teams"`
	Network  []FixtureLink    `yaml:"network"`
}

type FixtureUser struct {
	ID             string          `yaml:"id"`
	Email          string          `yaml:"email"`
	Role           membership.Role `yaml:"role"`
	FirstName      string          `yaml:"firstName"`
	LastName       string          `yaml:"lastName"`
	PhoneNumber    string          `yaml:"phoneNumber"`
	CompanyName    string          `yaml:"companyName"`
	Specialization string          `yaml:"specialization"`
}

type FixtureProject struct {
	Owner       string   `yaml:"owner"`
	Name        string   `yaml:"name"`
	Address     string   `yaml:"address"`
	Description string   `yaml:"description"`
	InviteSubs  []string `yaml:"inviteSubs"`
	// Accept answers every invitation on behalf of the invited subs.
	Accept bool `yaml:"accept"`
}

type FixtureTeam struct {
	Sub   string   `yaml:"sub"`
	Techs []string `yaml:"techs"`
}

type FixtureLink struct {
	GC  string `yaml:"gc"`
	Sub string `yaml:"sub"`
}

// LoadFixtures decodes a fixtures file.
func LoadFixtures(path string) (Fixtures, error) {
	file, err := os.Open(path)
	if err != nil {
		return Fixtures{}, fmt.Errorf("open fixtures: %w", err)
	}
	defer file.Close()
	return DecodeFixtures(file)
}

func DecodeFixtures(r io.Reader) (Fixtures, error) {
	var fx Fixtures
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fx); err != nil {
		return Fixtures{}, fmt.Errorf("decode fixtures: %w", err)
	}
	return fx, nil
}

// SeedResult counts what Seed created.
type SeedResult struct {
	Users       int
	Projects    int
	Invitations int
	TeamMembers int
	Links       int
}

// Seed applies fx through the workflow so every invariant it enforces holds
// for seeded data too.
func Seed(ctx context.Context, wf *membership.Workflow, fx Fixtures) (SeedResult, error) {
	var res SeedResult
	sessions := make(map[string]membership.Session, len(fx.Users))
	for _, u := range fx.Users {
		s := membership.Session{UserID: u.ID, Email: u.Email}
		if _, err := wf.CompleteProfile(ctx, s, membership.ProfileInput{
			Role:           u.Role,
			FirstName:      u.FirstName,
			LastName:       u.LastName,
			PhoneNumber:    u.PhoneNumber,
			CompanyName:    u.CompanyName,
			Specialization: u.Specialization,
		}); err != nil {
			return res, fmt.Errorf("user %s: %w", u.ID, err)
		}
		sessions[u.ID] = s
		res.Users++
	}
	session := func(id string) (membership.Session, error) {
		s, ok := sessions[id]
		if !ok {
			return s, fmt.Errorf("user %q is not defined in fixtures", id)
		}
		return s, nil
	}

	for _, link := range fx.Network {
		gc, err := session(link.GC)
		if err != nil {
			return res, err
		}
		if _, err := wf.AddToNetwork(ctx, gc, link.Sub); err != nil {
			return res, fmt.Errorf("network %s/%s: %w", link.GC, link.Sub, err)
		}
		res.Links++
	}

	for _, team := range fx.Teams {
		sub, err := session(team.Sub)
		if err != nil {
			return res, err
		}
		for _, techID := range team.Techs {
			tech, err := session(techID)
			if err != nil {
				return res, err
			}
			inv, err := wf.InviteToTeam(ctx, sub, techID)
			if err != nil {
				return res, fmt.Errorf("team %s/%s: %w", team.Sub, techID, err)
			}
			if _, err := wf.RespondToInvitation(ctx, tech, inv.ID, true); err != nil {
				return res, fmt.Errorf("team %s/%s: %w", team.Sub, techID, err)
			}
			res.TeamMembers++
		}
	}

	for _, p := range fx.Projects {
		owner, err := session(p.Owner)
		if err != nil {
			return res, err
		}
		project, err := wf.CreateProject(ctx, owner, membership.NewProject{
			Name:        p.Name,
			Address:     p.Address,
			Description: p.Description,
			InviteSubs:  p.InviteSubs,
		})
		if err != nil {
			return res, fmt.Errorf("project %q: %w", p.Name, err)
		}
		res.Projects++
		res.Invitations += len(p.InviteSubs)
		if !p.Accept {
			continue
		}
		for _, subID := range p.InviteSubs {
			sub, err := session(subID)
			if err != nil {
				return res, err
			}
			pending, err := wf.PendingInvitations(ctx, sub)
			if err != nil {
				return res, err
			}
			for _, inv := range pending {
				if inv.ProjectID != project.ID {
					continue
				}
				if _, err := wf.RespondToInvitation(ctx, sub, inv.ID, true); err != nil {
					return res, fmt.Errorf("accept %q for %s: %w", p.Name, subID, err)
				}
			}
		}
	}
	return res, nil
}
