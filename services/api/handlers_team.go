package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (a *API) handleTeam(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	team, err := a.members.Team(ctx, sessionFrom(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"technicians": team})
}

type teamInviteRequest struct {
	// Recipient is a technician id or an email address.
	Recipient string `json:"recipient"`
}

func (a *API) handleInviteToTeam(w http.ResponseWriter, r *http.Request) {
	var req teamInviteRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	inv, err := a.members.InviteToTeam(ctx, sessionFrom(r), req.Recipient)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, inv)
}

func (a *API) handleRemoveFromTeam(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	rel, err := a.members.RemoveFromTeam(ctx, sessionFrom(r), chi.URLParam(r, "techID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rel)
}

func (a *API) handleNetwork(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	rels, err := a.members.Network(ctx, sessionFrom(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"relationships": rels})
}

type networkRequest struct {
	SubID string `json:"subId"`
}

func (a *API) handleAddToNetwork(w http.ResponseWriter, r *http.Request) {
	var req networkRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	rel, err := a.members.AddToNetwork(ctx, sessionFrom(r), req.SubID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rel)
}

func (a *API) handleMyNetwork(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	members, err := a.members.MyNetwork(ctx, sessionFrom(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (a *API) handleSearchSubcontractors(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	found, err := a.members.SearchSubcontractors(ctx, sessionFrom(r), r.URL.Query().Get("q"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": found})
}

func (a *API) handleRecentCollaborators(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	recent, err := a.members.RecentCollaborators(ctx, sessionFrom(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"collaborators": recent})
}

func (a *API) handleNetworkStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	stats, err := a.members.NetworkStats(ctx, sessionFrom(r), chi.URLParam(r, "subID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
