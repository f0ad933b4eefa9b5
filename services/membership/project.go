package membership

import (
	"strings"
	"time"

	"sitecrew/pkg/validate"
)

// Status is shared by invitations and project membership entries.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
)

// GCInfo is the creating contractor, denormalised onto the project.
type GCInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Company string `json:"company"`
	Email   string `json:"email"`
}

// MemberEntry is one row of a project's invitedSubs roster.
type MemberEntry struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Company        string     `json:"company"`
	Email          string     `json:"email"`
	Status         Status     `json:"status"`
	InvitedAt      time.Time  `json:"invitedAt"`
	RespondedAt    *time.Time `json:"respondedAt,omitempty"`
	CanInviteTechs bool       `json:"canInviteTechs"`
}

// Project is the stored shape of projects/{id}.
type Project struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Address         string        `json:"address"`
	Description     string        `json:"description,omitempty"`
	Status          string        `json:"status"`
	CreatedBy       string        `json:"createdBy"`
	GCInfo          GCInfo        `json:"gcInfo"`
	InvitedSubs     []MemberEntry `json:"invitedSubs"`
	AssignedTechs   []string      `json:"assignedTechs"`
	AllowSubInvites *bool         `json:"allowSubInvites,omitempty"`
	AllowSubEvents  *bool         `json:"allowSubEvents,omitempty"`
	StartDate       string        `json:"startDate,omitempty"`
	EndDate         string        `json:"endDate,omitempty"`
	PinnedMessageID string        `json:"pinnedMessageId,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	LastActivity    time.Time     `json:"lastActivity"`

	version int64
}

// Project statuses. New projects start active.
const (
	ProjectStatusActive    = "active"
	ProjectStatusCompleted = "completed"
	ProjectStatusPaused    = "paused"
)

// SubInvitesAllowed treats an absent setting as enabled.
func (p *Project) SubInvitesAllowed() bool {
	return p != nil && (p.AllowSubInvites == nil || *p.AllowSubInvites)
}

// SubEventsAllowed treats an absent setting as enabled.
func (p *Project) SubEventsAllowed() bool {
	return p != nil && (p.AllowSubEvents == nil || *p.AllowSubEvents)
}

// HasTech reports whether techID is assigned to the project.
func (p *Project) HasTech(techID string) bool {
	if p == nil {
		return false
	}
	for _, id := range p.AssignedTechs {
		if id == techID {
			return true
		}
	}
	return false
}

// NewProject is the input of CreateProject.
type NewProject struct {
	Name        string   `json:"name" validate:"required,max=200"`
	Address     string   `json:"address" validate:"required,max=500"`
	Description string   `json:"description,omitempty" validate:"max=2000"`
	StartDate   string   `json:"startDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	EndDate     string   `json:"endDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	InviteSubs  []string `json:"inviteSubs,omitempty" validate:"omitempty,dive,required"`
	Message     string   `json:"message,omitempty" validate:"max=2000"`
}

func (in NewProject) validate() error {
	in.Name = strings.TrimSpace(in.Name)
	in.Address = strings.TrimSpace(in.Address)
	fields := validate.Struct(in)
	if _, bad := fields["endDate"]; !bad && in.StartDate != "" && in.EndDate != "" && in.EndDate < in.StartDate {
		if fields == nil {
			fields = map[string]string{}
		}
		fields["endDate"] = "end date is before start date"
	}
	if len(fields) > 0 {
		return withMetadata(CodeValidation, "invalid project", fields)
	}
	return nil
}

// SettingsPatch changes project settings; nil fields are left untouched.
type SettingsPatch struct {
	AllowSubInvites *bool   `json:"allowSubInvites,omitempty"`
	AllowSubEvents  *bool   `json:"allowSubEvents,omitempty"`
	Status          *string `json:"status,omitempty" validate:"omitempty,oneof=active completed paused"`
}

func (p SettingsPatch) validate() error {
	if fields := validate.Struct(p); len(fields) > 0 {
		return withMetadata(CodeValidation, "invalid settings", fields)
	}
	return nil
}

// Message is one entry of a project's feed.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Pinned    bool      `json:"isPinned"`
}

const (
	MessageTypeSystem = "system"
	MessageTypeText   = "text"
)

func boolPtr(b bool) *bool { return &b }
