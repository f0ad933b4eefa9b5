package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"sitecrew/services/membership"
)

func (a *API) handleListProjects(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	projects, err := a.members.ListProjects(ctx, sessionFrom(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (a *API) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var in membership.NewProject
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	p, err := a.members.CreateProject(ctx, sessionFrom(r), in)
	if err != nil && p.ID != "" {
		// the project exists even though its initial invitations failed;
		// return it so the client does not create it again
		a.log.Warn().Err(err).Str("project_id", p.ID).Msg("project created without invitations")
		status, body := a.errorBody(r, err)
		body["project"] = p
		respondJSON(w, status, body)
		return
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (a *API) handleGetProject(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	view, err := a.members.GetProjectView(ctx, sessionFrom(r), chi.URLParam(r, "projectID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (a *API) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch membership.SettingsPatch
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	p, err := a.members.UpdateProjectSettings(ctx, sessionFrom(r), chi.URLParam(r, "projectID"), patch)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	msgs, err := a.members.Messages(ctx, sessionFrom(r), chi.URLParam(r, "projectID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type postMessageRequest struct {
	Text string `json:"text"`
}

func (a *API) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	msg, err := a.members.PostMessage(ctx, sessionFrom(r), chi.URLParam(r, "projectID"), req.Text)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, msg)
}

type projectInviteRequest struct {
	Recipients []string        `json:"recipients"`
	Role       membership.Role `json:"role"`
	Message    string          `json:"message,omitempty"`
}

func (a *API) handleInviteToProject(w http.ResponseWriter, r *http.Request) {
	var req projectInviteRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	n, err := a.members.InviteToProject(ctx, sessionFrom(r), membership.ProjectInvite{
		ProjectID:  chi.URLParam(r, "projectID"),
		Recipients: req.Recipients,
		Role:       req.Role,
		Message:    req.Message,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"invited": n})
}

func (a *API) handlePinMessage(pinned bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()

		p, err := a.members.PinMessage(ctx, sessionFrom(r), chi.URLParam(r, "projectID"), chi.URLParam(r, "messageID"), pinned)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"pinnedMessageId": p.PinnedMessageID})
	}
}
