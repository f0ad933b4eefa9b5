package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"sitecrew/pkg/docstore"
	"sitecrew/services/membership"
)

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// writeError maps domain and store errors onto HTTP statuses.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := a.errorBody(r, err)
	respondJSON(w, status, body)
}

func (a *API) errorBody(r *http.Request, err error) (int, map[string]any) {
	var merr *membership.Error
	switch {
	case errors.As(err, &merr):
		body := map[string]any{"error": merr.Error(), "code": merr.Code}
		if len(merr.Metadata) > 0 {
			body["metadata"] = merr.Metadata
		}
		if merr.Code == membership.CodePartialFailure {
			a.log.Error().Err(err).Str("path", r.URL.Path).Msg("partial failure")
		}
		return merr.Code.HTTPStatus(), body
	case errors.Is(err, docstore.ErrConflict):
		return http.StatusConflict, map[string]any{"error": err.Error()}
	case errors.Is(err, docstore.ErrNotFound):
		return http.StatusNotFound, map[string]any{"error": err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, map[string]any{"error": err.Error()}
	default:
		a.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		return http.StatusInternalServerError, map[string]any{"error": "internal error"}
	}
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}
