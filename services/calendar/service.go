package calendar

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
	"sitecrew/pkg/validate"
	"sitecrew/services/membership"
)

// SubjectAbsenceReported is published when a technician reports an absence.
const SubjectAbsenceReported = "sitecrew.calendar.absence_reported"

// halfEvent names the calendar event write of an absence report.
const halfEvent = "event"

// Directory resolves users and projects; *membership.Workflow satisfies it.
type Directory interface {
	User(ctx context.Context, userID string) (membership.User, error)
	Project(ctx context.Context, projectID string) (membership.Project, error)
}

var _ Directory = (*membership.Workflow)(nil)

// Service owns calendar events and time-off requests.
type Service struct {
	store docstore.Store
	dir   Directory
	pub   membership.Publisher
	log   zerolog.Logger
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sends absence reports and write failures to p.
func WithPublisher(p membership.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.pub = p
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

// WithClock overrides the time source; nil keeps the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a calendar service.
func New(store docstore.Store, dir Directory, opts ...Option) *Service {
	s := &Service{
		store: store,
		dir:   dir,
		log:   zerolog.Nop(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func eventPath(id string) string   { return docstore.Join(CollectionEvents, id) }
func timeOffPath(id string) string { return docstore.Join(CollectionTimeOff, id) }

func denied(msg string) error {
	return &membership.Error{Code: membership.CodePermissionDenied, Message: msg}
}

func invalid(fields map[string]string) error {
	return &membership.Error{Code: membership.CodeValidation, Message: "invalid input", Metadata: fields}
}

func (s *Service) caller(ctx context.Context, sess membership.Session) (membership.User, error) {
	if strings.TrimSpace(sess.UserID) == "" {
		return membership.User{}, denied("not signed in")
	}
	u, err := s.dir.User(ctx, sess.UserID)
	if errors.Is(err, membership.ErrNotFound) {
		return membership.User{}, denied("complete your profile first")
	}
	return u, err
}

// CreateEvent schedules an event. Events without a project, or with the
// "general" project, are personal; project events require event rights on
// the project, and every extra participant must be able to view it.
func (s *Service) CreateEvent(ctx context.Context, sess membership.Session, in NewEvent) (Event, error) {
	u, err := s.caller(ctx, sess)
	if err != nil {
		return Event{}, err
	}
	if fields := in.validate(); len(fields) > 0 {
		return Event{}, invalid(fields)
	}

	projectID := strings.TrimSpace(in.ProjectID)
	if projectID == "" {
		projectID = GeneralProject
	}
	participants := []string{u.ID}
	if projectID != GeneralProject {
		p, err := s.dir.Project(ctx, projectID)
		if err != nil {
			return Event{}, err
		}
		if !membership.CanCreateProjectEvent(u.Role(), &p, u.ID) {
			return Event{}, denied("you cannot create events on this project")
		}
		for _, id := range in.Participants {
			id = strings.TrimSpace(id)
			if id == "" || contains(participants, id) {
				continue
			}
			if !onProject(&p, id) {
				return Event{}, invalid(map[string]string{"participants": id + " is not on this project"})
			}
			participants = append(participants, id)
		}
	}

	typ := in.Type
	if typ == "" {
		typ = TypeTask
	}
	e := Event{
		ID:            uuid.NewString(),
		Title:         strings.TrimSpace(in.Title),
		Description:   strings.TrimSpace(in.Description),
		ProjectID:     projectID,
		Date:          in.Date,
		StartTime:     in.StartTime,
		EndTime:       in.EndTime,
		CreatedBy:     u.ID,
		CreatedByRole: u.Role(),
		Participants:  participants,
		Type:          typ,
		Color:         ProjectColor(projectID),
		Recurrence:    in.Recurrence,
		CreatedAt:     s.now(),
	}
	if _, err := s.store.Set(ctx, eventPath(e.ID), e, docstore.IfVersion(0)); err != nil {
		return Event{}, err
	}
	return e, nil
}

// ReportAbsence records a technician's time off: a pending request for the
// supervising subcontractor plus an absence event both of them see.
func (s *Service) ReportAbsence(ctx context.Context, sess membership.Session, in Absence) (TimeOffRequest, error) {
	u, err := s.caller(ctx, sess)
	if err != nil {
		return TimeOffRequest{}, err
	}
	tech, ok := u.Profile.(membership.TechnicianProfile)
	if !ok {
		return TimeOffRequest{}, denied("only technicians report absences")
	}

	in.Message = strings.TrimSpace(in.Message)
	if fields := validate.Struct(in); len(fields) > 0 {
		return TimeOffRequest{}, invalid(fields)
	}

	now := s.now()
	participants := []string{u.ID}
	if tech.ManagedBy != "" {
		participants = append(participants, tech.ManagedBy)
	}
	ev := Event{
		ID:            uuid.NewString(),
		Title:         u.FirstName + " - " + string(in.Reason),
		Description:   strings.TrimSpace(in.Message),
		ProjectID:     GeneralProject,
		Date:          in.Date,
		CreatedBy:     u.ID,
		CreatedByRole: membership.RoleTech,
		Participants:  participants,
		Type:          TypeAbsence,
		Color:         "#9E9E9E",
		CreatedAt:     now,
	}
	req := TimeOffRequest{
		ID:        uuid.NewString(),
		TechID:    u.ID,
		TechName:  u.FullName(),
		SubID:     tech.ManagedBy,
		Date:      in.Date,
		Reason:    in.Reason,
		Message:   strings.TrimSpace(in.Message),
		Status:    TimeOffPending,
		EventID:   ev.ID,
		CreatedAt: now,
	}

	if tx, ok := s.store.(docstore.Transactor); ok {
		err := tx.Commit(ctx, []docstore.Write{
			{Path: timeOffPath(req.ID), Data: req, Options: []docstore.SetOption{docstore.IfVersion(0)}},
			{Path: eventPath(ev.ID), Data: ev, Options: []docstore.SetOption{docstore.IfVersion(0)}},
		})
		if err != nil {
			return TimeOffRequest{}, fmt.Errorf("commit absence: %w", err)
		}
	} else {
		if _, err := s.store.Set(ctx, timeOffPath(req.ID), req, docstore.IfVersion(0)); err != nil {
			return TimeOffRequest{}, err
		}
		if _, err := s.store.Set(ctx, eventPath(ev.ID), ev, docstore.IfVersion(0)); err != nil {
			return req, s.absencePartialFailure(ctx, req, err)
		}
	}
	s.publish(ctx, SubjectAbsenceReported, req)
	return req, nil
}

// absencePartialFailure reports a time-off request whose calendar event was
// not written. The request stays so the supervisor can still review it.
func (s *Service) absencePartialFailure(ctx context.Context, req TimeOffRequest, cause error) error {
	s.log.Error().
		Err(cause).
		Str("request_id", req.ID).
		Str("event_id", req.EventID).
		Str("user_id", req.TechID).
		Msg("absence recorded without its calendar event")

	s.publish(ctx, membership.SubjectPartialFailure, membership.PartialFailureEvent{
		Operation:  "report_absence",
		UserID:     req.TechID,
		Object:     timeOffPath(req.ID),
		FailedHalf: halfEvent,
		Error:      cause.Error(),
		At:         s.now(),
	})

	return &membership.Error{
		Code:    membership.CodePartialFailure,
		Message: "report_absence: " + halfEvent + " update failed",
		Metadata: map[string]string{
			"request_id":  req.ID,
			"event_id":    req.EventID,
			"user_id":     req.TechID,
			"failed_half": halfEvent,
		},
		Cause: cause,
	}
}

func (s *Service) publish(ctx context.Context, subject string, v any) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, subject, v); err != nil {
		s.log.Warn().Err(err).Str("subject", subject).Msg("publish event")
	}
}

// TimeOffRequests lists the requests the caller filed or supervises.
func (s *Service) TimeOffRequests(ctx context.Context, sess membership.Session) ([]TimeOffRequest, error) {
	u, err := s.caller(ctx, sess)
	if err != nil {
		return nil, err
	}
	field := "subId"
	if u.Role() == membership.RoleTech {
		field = "techId"
	}
	docs, err := s.store.Query(ctx, CollectionTimeOff, docstore.Where(field, docstore.OpEqual, u.ID))
	if err != nil {
		return nil, err
	}
	out := make([]TimeOffRequest, 0, len(docs))
	for _, d := range docs {
		var r TimeOffRequest
		if err := d.DataTo(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// ReviewTimeOff approves or denies a pending request; only the supervising
// subcontractor may do so.
func (s *Service) ReviewTimeOff(ctx context.Context, sess membership.Session, requestID string, approve bool) (TimeOffRequest, error) {
	u, err := s.caller(ctx, sess)
	if err != nil {
		return TimeOffRequest{}, err
	}
	doc, err := s.store.Get(ctx, timeOffPath(requestID))
	if errors.Is(err, docstore.ErrNotFound) {
		return TimeOffRequest{}, &membership.Error{Code: membership.CodeNotFound, Message: "time off request not found"}
	}
	if err != nil {
		return TimeOffRequest{}, err
	}
	var req TimeOffRequest
	if err := doc.DataTo(&req); err != nil {
		return TimeOffRequest{}, err
	}
	if req.SubID == "" || req.SubID != u.ID {
		return TimeOffRequest{}, denied("only the supervising subcontractor reviews this request")
	}
	if req.Status != TimeOffPending {
		return TimeOffRequest{}, &membership.Error{Code: membership.CodeInvalidState, Message: "request already reviewed"}
	}

	at := s.now()
	req.ReviewedAt = &at
	req.Status = TimeOffDenied
	if approve {
		req.Status = TimeOffApproved
	}
	if _, err := s.store.Set(ctx, timeOffPath(req.ID), req, docstore.IfVersion(doc.Version)); err != nil {
		if errors.Is(err, docstore.ErrConflict) {
			return TimeOffRequest{}, &membership.Error{Code: membership.CodeInvalidState, Message: "request already reviewed", Cause: err}
		}
		return TimeOffRequest{}, err
	}
	return req, nil
}

// Occurrence is one dated instance of an event.
type Occurrence struct {
	Date  string `json:"date"`
	Event Event  `json:"event"`
}

// Agenda lists the caller's event occurrences between from and to, ordered
// by date and start time.
func (s *Service) Agenda(ctx context.Context, sess membership.Session, from, to time.Time) ([]Occurrence, error) {
	if strings.TrimSpace(sess.UserID) == "" {
		return nil, denied("not signed in")
	}
	if to.Before(from) {
		return nil, invalid(map[string]string{"to": "range ends before it starts"})
	}
	docs, err := s.store.Query(ctx, CollectionEvents, docstore.Where("participants", docstore.OpArrayContains, sess.UserID))
	if err != nil {
		return nil, err
	}

	var out []Occurrence
	for _, d := range docs {
		var e Event
		if err := d.DataTo(&e); err != nil {
			return nil, err
		}
		for _, at := range Expand(e, from, to) {
			out = append(out, Occurrence{Date: at.Format(time.DateOnly), Event: e})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return minutes(out[i].Event.StartTime) < minutes(out[j].Event.StartTime)
	})
	return out, nil
}

// onProject reports whether id is the owner, an assigned tech or an accepted member of p.
func onProject(p *membership.Project, id string) bool {
	if p.CreatedBy == id || p.HasTech(id) {
		return true
	}
	entry, ok := membership.FindMember(p, id)
	return ok && entry.Status == membership.StatusAccepted
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
