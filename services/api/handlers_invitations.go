package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"sitecrew/services/membership"
)

func (a *API) handlePendingInvitations(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	invitations, err := a.members.PendingInvitations(ctx, sessionFrom(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"invitations": invitations})
}

func (a *API) handleRespond(accept bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()

		inv, err := a.members.RespondToInvitation(ctx, sessionFrom(r), chi.URLParam(r, "invitationID"), accept)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, inv)
	}
}

// handleInvitationStream pushes the caller's pending invitations as
// server-sent events, once on connect and again after every change.
func (a *API) handleInvitationStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	// newest snapshot wins; the buffer holds at most one pending update
	updates := make(chan []membership.Invitation, 1)
	stop, err := a.members.WatchInvitations(r.Context(), sessionFrom(r), func(invs []membership.Invitation) {
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- invs:
		default:
		}
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case invs := <-updates:
			data, err := json.Marshal(invs)
			if err != nil {
				a.log.Error().Err(err).Msg("encode invitations")
				return
			}
			if _, err := fmt.Fprintf(w, "event: invitations\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
