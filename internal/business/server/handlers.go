package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/nightwatch/internal/serviceerr"
	"github.com/openkcm/nightwatch/internal/usage"
)

// maxMutationBytes bounds the body of a user update.
const maxMutationBytes = 4 << 10

// Dashboard serves the read models and mutations behind the routes.
type Dashboard interface {
	Overview(ctx context.Context) (usage.Overview, error)
	Requests(ctx context.Context, params url.Values) (usage.RequestPage, error)
	Users(ctx context.Context, params url.Values) (usage.UserPage, error)
	User(ctx context.Context, rawID string) (usage.UserDetail, error)
	Request(ctx context.Context, rawID string) (usage.RequestDetail, error)
	UpdateUser(ctx context.Context, rawID string, m usage.Mutation) error
	RevokeAPIKey(ctx context.Context, rawID string) error
}

type successResponse struct {
	Success bool `json:"success"`
}

type handlers struct {
	dashboard Dashboard
}

func (h *handlers) overview(w http.ResponseWriter, r *http.Request) {
	overview, err := h.dashboard.Overview(r.Context())
	respond(w, r, overview, err)
}

func (h *handlers) listRequests(w http.ResponseWriter, r *http.Request) {
	page, err := h.dashboard.Requests(r.Context(), r.URL.Query())
	respond(w, r, page, err)
}

func (h *handlers) listUsers(w http.ResponseWriter, r *http.Request) {
	page, err := h.dashboard.Users(r.Context(), r.URL.Query())
	respond(w, r, page, err)
}

func (h *handlers) getUser(w http.ResponseWriter, r *http.Request) {
	detail, err := h.dashboard.User(r.Context(), chi.URLParam(r, "id"))
	respond(w, r, detail, err)
}

func (h *handlers) updateUser(w http.ResponseWriter, r *http.Request) {
	var m usage.Mutation

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMutationBytes))
	if err := dec.Decode(&m); err != nil {
		slogctx.Debug(r.Context(), "Rejected malformed user update", "error", err)
		writeError(w, r, serviceerr.ErrInvalidRequest.WithDescription("request body must be a JSON object with action and value"))
		return
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		writeError(w, r, serviceerr.ErrInvalidRequest.WithDescription("request body must hold a single JSON object"))
		return
	}

	err := h.dashboard.UpdateUser(r.Context(), chi.URLParam(r, "id"), m)
	respond(w, r, successResponse{Success: true}, err)
}

func (h *handlers) getRequest(w http.ResponseWriter, r *http.Request) {
	detail, err := h.dashboard.Request(r.Context(), chi.URLParam(r, "id"))
	respond(w, r, detail, err)
}

func (h *handlers) revokeAPIKey(w http.ResponseWriter, r *http.Request) {
	err := h.dashboard.RevokeAPIKey(r.Context(), chi.URLParam(r, "id"))
	respond(w, r, successResponse{Success: true}, err)
}

func respond(w http.ResponseWriter, r *http.Request, body any, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slogctx.Error(r.Context(), "Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var svcErr *serviceerr.Error
	if !errors.As(err, &svcErr) || svcErr.HTTPStatus() >= http.StatusInternalServerError {
		slogctx.Error(r.Context(), "Request failed", "error", err)
	} else {
		slogctx.Debug(r.Context(), "Request rejected", "error", err)
	}

	serviceerr.WriteJSON(w, err)
}
