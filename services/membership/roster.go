package membership

import "time"

// UpsertMembers adds entries to the project roster. An entry whose id is
// already present replaces the existing one in place, so each id appears once.
func UpsertMembers(p *Project, entries []MemberEntry) {
	if p == nil {
		return
	}
	for _, entry := range entries {
		replaced := false
		for i := range p.InvitedSubs {
			if p.InvitedSubs[i].ID == entry.ID {
				p.InvitedSubs[i] = entry
				replaced = true
				break
			}
		}
		if !replaced {
			p.InvitedSubs = append(p.InvitedSubs, entry)
		}
	}
}

// FindMember locates the roster entry for userID.
func FindMember(p *Project, userID string) (MemberEntry, bool) {
	if p == nil {
		return MemberEntry{}, false
	}
	for _, entry := range p.InvitedSubs {
		if entry.ID == userID {
			return entry, true
		}
	}
	return MemberEntry{}, false
}

// SetMemberStatus changes the status of the entry for userID and reports
// whether such an entry exists.
func SetMemberStatus(p *Project, userID string, status Status, at time.Time) bool {
	if p == nil {
		return false
	}
	for i := range p.InvitedSubs {
		if p.InvitedSubs[i].ID != userID {
			continue
		}
		p.InvitedSubs[i].Status = status
		respondedAt := at
		p.InvitedSubs[i].RespondedAt = &respondedAt
		return true
	}
	return false
}

// MemberCount is the creator plus every accepted or pending subcontractor.
func MemberCount(p *Project) int {
	if p == nil {
		return 0
	}
	count := 1
	for _, entry := range p.InvitedSubs {
		if entry.Status == StatusAccepted || entry.Status == StatusPending {
			count++
		}
	}
	return count
}

// isAcceptedMember reports whether userID has an accepted roster entry.
func isAcceptedMember(p *Project, userID string) bool {
	entry, ok := FindMember(p, userID)
	return ok && entry.Status == StatusAccepted
}

func addUnique(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}

func removeID(list []string, id string) []string {
	out := list[:0:0]
	for _, existing := range list {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

func containsID(list []string, id string) bool {
	for _, existing := range list {
		if existing == id {
			return true
		}
	}
	return false
}
