// Package calendar schedules project and personal events, expands recurring
// ones, and records technician absences.
package calendar

import (
	"hash/fnv"
	"strings"
	"time"

	"sitecrew/pkg/validate"
	"sitecrew/services/membership"
)

// Collections.
const (
	CollectionEvents  = "calendarEvents"
	CollectionTimeOff = "timeOffRequests"
)

// GeneralProject marks an event that belongs to no project.
const GeneralProject = "general"

// EventType classifies calendar entries.
type EventType string

const (
	TypeTask    EventType = "task"
	TypeMeeting EventType = "meeting"
	TypeAbsence EventType = "absence"
)

// Event is the stored shape of calendarEvents/{id}.
type Event struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	ProjectID     string          `json:"projectId"`
	Date          string          `json:"date"`
	StartTime     string          `json:"startTime,omitempty"`
	EndTime       string          `json:"endTime,omitempty"`
	CreatedBy     string          `json:"createdBy"`
	CreatedByRole membership.Role `json:"createdByRole"`
	Participants  []string        `json:"participants"`
	Type          EventType       `json:"type"`
	Color         string          `json:"color"`
	Recurrence    *Recurrence     `json:"recurrence,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// NewEvent is the input of CreateEvent.
type NewEvent struct {
	Title        string      `json:"title" validate:"required,max=200"`
	Description  string      `json:"description,omitempty" validate:"max=2000"`
	ProjectID    string      `json:"projectId,omitempty"`
	Date         string      `json:"date" validate:"datetime=2006-01-02"`
	StartTime    string      `json:"startTime,omitempty" validate:"omitempty,hhmm"`
	EndTime      string      `json:"endTime,omitempty" validate:"omitempty,hhmm"`
	Type         EventType   `json:"type,omitempty" validate:"omitempty,oneof=task meeting"`
	Participants []string    `json:"participants,omitempty"`
	Recurrence   *Recurrence `json:"recurrence,omitempty"`
}

// ValidTime reports whether s is a 24-hour HH:MM time.
func ValidTime(s string) bool {
	return validate.Clock(s)
}

// ParseDate parses a YYYY-MM-DD date at midnight UTC.
func ParseDate(s string) (time.Time, bool) {
	d, err := time.Parse(time.DateOnly, s)
	return d, err == nil
}

func (in NewEvent) validate() map[string]string {
	in.Title = strings.TrimSpace(in.Title)
	fields := validate.Struct(in)
	if fields == nil {
		fields = map[string]string{}
	}
	if _, bad := fields["endTime"]; !bad && ValidTime(in.StartTime) && ValidTime(in.EndTime) && minutes(in.EndTime) <= minutes(in.StartTime) {
		fields["endTime"] = "end time must be after start time"
	}
	if _, bad := fields["recurrence"]; !bad && in.Recurrence != nil {
		if msg := in.Recurrence.validate(in.Date); msg != "" {
			fields["recurrence"] = msg
		}
	}
	return fields
}

func minutes(hhmm string) int {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0
	}
	return t.Hour()*60 + t.Minute()
}

var projectPalette = []string{"#2196F3", "#4CAF50", "#FF9800", "#9C27B0", "#F44336", "#00BCD4", "#795548", "#607D8B"}

// ProjectColor picks a stable display color for a project.
func ProjectColor(projectID string) string {
	if projectID == "" || projectID == GeneralProject {
		return "#607D8B"
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(projectID))
	return projectPalette[int(h.Sum32()%uint32(len(projectPalette)))]
}

// AbsenceReason is why a technician will be away.
type AbsenceReason string

const (
	ReasonSick      AbsenceReason = "sick"
	ReasonPersonal  AbsenceReason = "personal"
	ReasonEmergency AbsenceReason = "emergency"
)

// TimeOffStatus is the review state of an absence.
type TimeOffStatus string

const (
	TimeOffPending  TimeOffStatus = "pending"
	TimeOffApproved TimeOffStatus = "approved"
	TimeOffDenied   TimeOffStatus = "denied"
)

// TimeOffRequest is the stored shape of timeOffRequests/{id}.
type TimeOffRequest struct {
	ID         string        `json:"id"`
	TechID     string        `json:"techId"`
	TechName   string        `json:"techName"`
	SubID      string        `json:"subId,omitempty"`
	Date       string        `json:"date"`
	Reason     AbsenceReason `json:"reason"`
	Message    string        `json:"message"`
	Status     TimeOffStatus `json:"status"`
	EventID    string        `json:"eventId"`
	CreatedAt  time.Time     `json:"createdAt"`
	ReviewedAt *time.Time    `json:"reviewedAt,omitempty"`
}

// Absence is the input of ReportAbsence.
type Absence struct {
	Date    string        `json:"date" validate:"datetime=2006-01-02"`
	Reason  AbsenceReason `json:"reason" validate:"oneof=sick personal emergency"`
	Message string        `json:"message" validate:"required,max=1000"`
}
