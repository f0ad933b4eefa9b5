package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"sitecrew/pkg/s3"
	"sitecrew/services/membership"
)

type profileResponse struct {
	User     membership.User `json:"user"`
	PhotoURL string          `json:"photoUrl,omitempty"`
}

func (a *API) profileResponse(r *http.Request, u membership.User) profileResponse {
	resp := profileResponse{User: u}
	if a.photos != nil && u.PhotoKey != "" {
		url, err := a.photos.PresignGet(r.Context(), u.PhotoKey, a.config.PhotoTTL)
		if err != nil {
			a.log.Warn().Err(err).Str("user_id", u.ID).Msg("presign photo")
		}
		resp.PhotoURL = url
	}
	return resp
}

func (a *API) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	u, err := a.members.Profile(ctx, s, s.UserID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, a.profileResponse(r, u))
}

type publicProfileResponse struct {
	User     membership.PublicProfile `json:"user"`
	PhotoURL string                   `json:"photoUrl,omitempty"`
}

// handleGetUser returns the full profile only to its owner; everyone else
// gets the public projection.
func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	u, err := a.members.Profile(ctx, s, chi.URLParam(r, "userID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	full := a.profileResponse(r, u)
	if u.ID == s.UserID {
		respondJSON(w, http.StatusOK, full)
		return
	}
	respondJSON(w, http.StatusOK, publicProfileResponse{User: u.Public(), PhotoURL: full.PhotoURL})
}

func (a *API) handleCompleteProfile(w http.ResponseWriter, r *http.Request) {
	var in membership.ProfileInput
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	u, err := a.members.CompleteProfile(ctx, sessionFrom(r), in)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, a.profileResponse(r, u))
}

type presignPhotoRequest struct {
	ContentType string `json:"contentType"`
}

func (a *API) handlePresignPhoto(w http.ResponseWriter, r *http.Request) {
	if a.photos == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("photo storage is not configured"))
		return
	}
	var req presignPhotoRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if !strings.HasPrefix(req.ContentType, "image/") {
		respondError(w, http.StatusBadRequest, errors.New("contentType must be an image type"))
		return
	}

	s := sessionFrom(r)
	key := s3.PhotoKey(s.UserID)
	url, err := a.photos.PresignPut(r.Context(), key, req.ContentType, a.config.PhotoTTL)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"key":       key,
		"uploadUrl": url,
		"expiresIn": int(a.config.PhotoTTL.Seconds()),
	})
}

type setPhotoRequest struct {
	Key string `json:"key"`
}

func (a *API) handleSetPhoto(w http.ResponseWriter, r *http.Request) {
	var req setPhotoRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	s := sessionFrom(r)
	if !s3.OwnsPhotoKey(s.UserID, req.Key) {
		respondError(w, http.StatusBadRequest, errors.New("key was not issued for this user"))
		return
	}
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	u, err := a.members.SetPhotoKey(ctx, s, req.Key)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, a.profileResponse(r, u))
}

// handleUserPhoto redirects to a short-lived download URL for a user's photo.
func (a *API) handleUserPhoto(w http.ResponseWriter, r *http.Request) {
	if a.photos == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("photo storage is not configured"))
		return
	}
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	u, err := a.members.Profile(ctx, sessionFrom(r), chi.URLParam(r, "userID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if u.PhotoKey == "" {
		respondError(w, http.StatusNotFound, errors.New("user has no photo"))
		return
	}
	url, err := a.photos.PresignGet(ctx, u.PhotoKey, a.config.PhotoTTL)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}
