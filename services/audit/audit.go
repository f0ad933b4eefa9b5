// Package audit records membership and calendar events from the bus as rows
// of the audit table.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sitecrew/services/calendar"
	"sitecrew/services/membership"
)

// consumers maps subject filters onto durable consumer names.
var consumers = []struct {
	subject string
	durable string
}{
	{subject: "sitecrew.invitations.*", durable: "audit-invitations"},
	{subject: "sitecrew.relationships.*", durable: "audit-relationships"},
	{subject: membership.SubjectPartialFailure, durable: "audit-partial-failures"},
	{subject: calendar.SubjectAbsenceReported, durable: "audit-absences"},
}

// Entry is one audit row.
type Entry struct {
	Actor   string
	Action  string
	Obj     string
	Details map[string]any
	At      time.Time
}

// Sink persists entries.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// Subscriber creates durable consumers; *bus.Bus satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, subject string, data []byte) error) (io.Closer, error)
}

// Recorder turns bus events into audit entries.
type Recorder struct {
	bus  Subscriber
	sink Sink
	log  zerolog.Logger

	subMu sync.Mutex
	subs  []io.Closer
}

// NewRecorder constructs a Recorder for the provided dependencies.
func NewRecorder(bus Subscriber, sink Sink, log zerolog.Logger) (*Recorder, error) {
	if bus == nil {
		return nil, errors.New("bus is required")
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	return &Recorder{bus: bus, sink: sink, log: log}, nil
}

// Start subscribes every consumer and records events until ctx is cancelled.
func (r *Recorder) Start(ctx context.Context) error {
	if r == nil {
		return errors.New("nil recorder")
	}

	for _, c := range consumers {
		sub, err := r.bus.Subscribe(ctx, c.subject, c.durable, r.handle)
		if err != nil {
			_ = r.Close()
			return fmt.Errorf("subscribe %s: %w", c.subject, err)
		}
		r.subMu.Lock()
		r.subs = append(r.subs, sub)
		r.subMu.Unlock()
	}
	return nil
}

// Close stops every subscription created by Start.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()

	var errs []error
	for _, sub := range r.subs {
		errs = append(errs, sub.Close())
	}
	r.subs = nil
	return errors.Join(errs...)
}

func (r *Recorder) handle(ctx context.Context, subject string, data []byte) error {
	entry, err := EntryFor(subject, data)
	if err != nil {
		// malformed payloads are never going to decode; drop them instead of redelivering
		r.log.Warn().Err(err).Str("subject", subject).Msg("skip audit event")
		return nil
	}
	if err := r.sink.Record(ctx, entry); err != nil {
		r.log.Error().Err(err).Str("subject", subject).Msg("record audit entry")
		return err
	}
	return nil
}

// EntryFor maps one bus message onto an audit entry.
func EntryFor(subject string, data []byte) (Entry, error) {
	action := strings.TrimPrefix(subject, "sitecrew.")

	switch subject {
	case membership.SubjectInvitationCreated, membership.SubjectInvitationResponded:
		var evt membership.InvitationEvent
		if err := decode(data, &evt); err != nil {
			return Entry{}, err
		}
		if evt.InvitationID == "" {
			return Entry{}, errors.New("invitationId missing from event")
		}
		actor := evt.InviterID
		if subject == membership.SubjectInvitationResponded {
			actor = evt.RecipientID
		}
		return Entry{
			Actor:  actor,
			Action: action,
			Obj:    "invitations/" + evt.InvitationID,
			Details: map[string]any{
				"type":        string(evt.Type),
				"projectId":   evt.ProjectID,
				"inviterId":   evt.InviterID,
				"recipientId": evt.RecipientID,
				"role":        string(evt.Role),
				"status":      string(evt.Status),
			},
			At: evt.At,
		}, nil

	case membership.SubjectRelationshipChanged:
		var evt membership.RelationshipEvent
		if err := decode(data, &evt); err != nil {
			return Entry{}, err
		}
		if evt.RelationshipID == "" {
			return Entry{}, errors.New("relationshipId missing from event")
		}
		return Entry{
			Actor:  evt.ActorID,
			Action: action,
			Obj:    "relationships/" + evt.RelationshipID,
			Details: map[string]any{
				"type":      string(evt.Type),
				"primary":   evt.PrimaryUserID,
				"secondary": evt.SecondaryUserID,
				"status":    string(evt.Status),
			},
			At: evt.At,
		}, nil

	case membership.SubjectPartialFailure:
		var evt membership.PartialFailureEvent
		if err := decode(data, &evt); err != nil {
			return Entry{}, err
		}
		var obj string
		switch {
		case evt.Object != "":
			obj = evt.Object
		case evt.InvitationID != "":
			obj = "invitations/" + evt.InvitationID
		default:
			obj = "users/" + evt.UserID
		}
		return Entry{
			Actor:  evt.UserID,
			Action: action,
			Obj:    obj,
			Details: map[string]any{
				"operation":  evt.Operation,
				"projectId":  evt.ProjectID,
				"failedHalf": evt.FailedHalf,
				"error":      evt.Error,
			},
			At: evt.At,
		}, nil

	case calendar.SubjectAbsenceReported:
		var req calendar.TimeOffRequest
		if err := decode(data, &req); err != nil {
			return Entry{}, err
		}
		return Entry{
			Actor:  req.TechID,
			Action: action,
			Obj:    "timeOffRequests/" + req.ID,
			Details: map[string]any{
				"date":   req.Date,
				"reason": string(req.Reason),
				"subId":  req.SubID,
			},
			At: req.CreatedAt,
		}, nil
	}
	return Entry{}, fmt.Errorf("no audit mapping for %s", subject)
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}
