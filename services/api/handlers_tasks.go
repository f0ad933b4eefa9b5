package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"sitecrew/services/tasks"
)

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	list, err := a.tasks.List(ctx, sessionFrom(r), chi.URLParam(r, "projectID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"tasks":    list,
		"progress": tasks.Progress(list),
	})
}

func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var in tasks.NewTask
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	t, err := a.tasks.Create(ctx, sessionFrom(r), chi.URLParam(r, "projectID"), in)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

type updateTaskRequest struct {
	Status tasks.Status `json:"status"`
}

func (a *API) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req updateTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	t, err := a.tasks.UpdateStatus(ctx, sessionFrom(r), chi.URLParam(r, "projectID"), chi.URLParam(r, "taskID"), req.Status)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (a *API) handleEditTask(w http.ResponseWriter, r *http.Request) {
	var in tasks.TaskEdit
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	t, err := a.tasks.Update(ctx, sessionFrom(r), chi.URLParam(r, "projectID"), chi.URLParam(r, "taskID"), in)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (a *API) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.tasks.Delete(ctx, sessionFrom(r), chi.URLParam(r, "projectID"), chi.URLParam(r, "taskID")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListComments(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	comments, err := a.tasks.Comments(ctx, sessionFrom(r), chi.URLParam(r, "projectID"), chi.URLParam(r, "taskID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

type commentRequest struct {
	Text string `json:"text"`
}

func (a *API) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	c, err := a.tasks.AddComment(ctx, sessionFrom(r), chi.URLParam(r, "projectID"), chi.URLParam(r, "taskID"), req.Text)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}
