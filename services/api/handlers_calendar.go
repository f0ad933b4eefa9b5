package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"sitecrew/services/calendar"
)

const maxAgendaSpan = 366 * 24 * time.Hour

func (a *API) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var in calendar.NewEvent
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	e, err := a.calendar.CreateEvent(ctx, sessionFrom(r), in)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, e)
}

func (a *API) handleAgenda(w http.ResponseWriter, r *http.Request) {
	from, okFrom := calendar.ParseDate(r.URL.Query().Get("from"))
	to, okTo := calendar.ParseDate(r.URL.Query().Get("to"))
	if !okFrom || !okTo {
		respondError(w, http.StatusBadRequest, errors.New("from and to must be YYYY-MM-DD"))
		return
	}
	if to.Sub(from) > maxAgendaSpan {
		respondError(w, http.StatusBadRequest, errors.New("agenda range is limited to one year"))
		return
	}
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	agenda, err := a.calendar.Agenda(ctx, sessionFrom(r), from, to)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if agenda == nil {
		agenda = []calendar.Occurrence{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"occurrences": agenda})
}

func (a *API) handleReportAbsence(w http.ResponseWriter, r *http.Request) {
	var in calendar.Absence
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	req, err := a.calendar.ReportAbsence(ctx, sessionFrom(r), in)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, req)
}

func (a *API) handleListTimeOff(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	reqs, err := a.calendar.TimeOffRequests(ctx, sessionFrom(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

func (a *API) handleReviewTimeOff(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()

		req, err := a.calendar.ReviewTimeOff(ctx, sessionFrom(r), chi.URLParam(r, "requestID"), approve)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, req)
	}
}
