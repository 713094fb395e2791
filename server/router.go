package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router for the authentication gateway.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))

	r.Get("/healthz", a.handleHealth)

	r.Get("/login", a.Flow.HandleLogin)
	r.Get("/logout", a.Flow.HandleLogout)
	r.Get("/callback", a.Flow.HandleCallback)
	r.Get("/me", a.Guard.Protect(a.handleMe, CookieSession))

	r.Get("/api/profile", a.Guard.Protect(a.handleProfile, CookieOrBearer))
	if a.Directory != nil {
		r.Get("/api/check-user", a.Guard.Protect(a.handleCheckUser, BearerToken))
		r.Get("/api/fetch-users", a.Guard.Protect(a.handleFetchUsers, BearerToken))
	}

	r.NotFound(a.handleNotFound)

	return r
}
