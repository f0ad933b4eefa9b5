// Package tasks tracks the work items of a project.
package tasks

import (
	"math"
	"strings"
	"time"

	"sitecrew/pkg/docstore"
	"sitecrew/services/membership"
)

// Status is the progress state of a task.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusCompleted  Status = "completed"
	StatusVerified   Status = "verified"
)

// statusTag validates a requested status.
const statusTag = "oneof=not_started in_progress blocked completed verified"

// Label is the status as shown to people: "in progress" for in_progress.
func (s Status) Label() string {
	return strings.ReplaceAll(string(s), "_", " ")
}

// Done reports whether the work is finished.
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusVerified
}

// Priority orders tasks by urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Categories are the trades a task can be filed under.
var Categories = []string{
	"General", "Electrical", "Plumbing", "HVAC", "Framing", "Drywall", "Painting",
	"Flooring", "Roofing", "Landscaping", "Inspection", "Permits", "Cleanup", "Delivery", "Other",
}

// Task is the stored shape of projects/{projectId}/tasks/{id}.
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Category    string     `json:"category"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	AssignedTo  []string   `json:"assignedTo"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	CreatedBy   string     `json:"createdBy"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Collection returns the task collection of a project.
func Collection(projectID string) string {
	return docstore.Join(membership.CollectionProjects, projectID, "tasks")
}

func taskPath(projectID, id string) string {
	return docstore.Join(Collection(projectID), id)
}

// CommentsCollection returns the comment thread of a task.
func CommentsCollection(projectID, taskID string) string {
	return docstore.Join(Collection(projectID), taskID, "comments")
}

// Progress is the rounded percentage of finished tasks; zero for none.
func Progress(tasks []Task) int {
	if len(tasks) == 0 {
		return 0
	}
	done := 0
	for _, t := range tasks {
		if t.Status.Done() {
			done++
		}
	}
	return int(math.Round(float64(done) / float64(len(tasks)) * 100))
}

// IsOverdue reports whether an unfinished task is past its due date.
func IsOverdue(t Task, now time.Time) bool {
	if t.DueDate == nil || t.Status.Done() {
		return false
	}
	return t.DueDate.Before(now)
}

// Assignable lists who can take tasks on p: accepted subcontractors and
// assigned technicians.
func Assignable(p *membership.Project) []string {
	if p == nil {
		return nil
	}
	var out []string
	for _, m := range p.InvitedSubs {
		if m.Status == membership.StatusAccepted {
			out = append(out, m.ID)
		}
	}
	return append(out, p.AssignedTechs...)
}
