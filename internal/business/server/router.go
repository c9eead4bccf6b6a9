package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openkcm/nightwatch/internal/config"
	"github.com/openkcm/nightwatch/internal/middleware/responsewriter"
	"github.com/openkcm/nightwatch/internal/session"
	"github.com/openkcm/nightwatch/pkg/fingerprint"
)

// Gate authenticates every request and serves the login callback and logout.
type Gate interface {
	Middleware(next http.Handler) http.Handler
	RequireCSRF(next http.Handler) http.Handler
	CallbackHandler() http.Handler
	LogoutHandler() http.Handler
}

func newRouter(cfg *config.Config, gate Gate, dashboard Dashboard) chi.Router {
	h := &handlers{dashboard: dashboard}
	traced := func(operationID string) func(http.Handler) http.Handler {
		return newTraceMiddleware(cfg, operationID)
	}

	r := chi.NewRouter()
	r.With(traced("AuthCallback")).Method(http.MethodGet, session.CallbackPath, gate.CallbackHandler())
	r.With(traced("Logout")).Method(http.MethodGet, session.LogoutPath, gate.LogoutHandler())

	r.With(traced("Overview")).Get("/", h.overview)
	r.With(traced("ListRequests")).Get("/requests", h.listRequests)
	r.With(traced("GetRequest")).Get("/api/requests/{id}", h.getRequest)
	r.With(traced("RevokeAPIKey"), gate.RequireCSRF).Post("/api/keys/{id}/revoke", h.revokeAPIKey)

	r.Route("/users", func(r chi.Router) {
		r.With(traced("ListUsers")).Get("/", h.listUsers)
		r.With(traced("GetUser")).Get("/{id}", h.getUser)
		r.With(traced("UpdateUser"), gate.RequireCSRF).Post("/{id}", h.updateUser)
	})

	return r
}

// newHandler puts the gate in front of every route.
func newHandler(cfg *config.Config, gate Gate, dashboard Dashboard) http.Handler {
	handler := gate.Middleware(newRouter(cfg, gate, dashboard))
	handler = responsewriter.ResponseWriterMiddleware(handler)

	return fingerprint.FingerprintCtxMiddleware(handler)
}
