// Package http implements the /xqueue/* REST surface (§6): a chi router
// wrapping the session/basic-auth model, the {return_code, content} JSON
// envelope, and the intake/pull handlers.
package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sogos/xqueue-dispatch/internal/application/service"
	"github.com/sogos/xqueue-dispatch/internal/infrastructure/auth"
	domainservice "github.com/sogos/xqueue-dispatch/internal/domain/service"
)

// NewRouter builds the full /xqueue/* HTTP handler.
func NewRouter(
	intake *service.IntakeService,
	pull *service.PullService,
	accounts *auth.AccountStore,
	sessions auth.Sessions,
	allowedOrigin string,
	logger domainservice.Logger,
) http.Handler {
	h := &handler{intake: intake, pull: pull, accounts: accounts, sessions: sessions, logger: logger}
	submitLimiter := newRequesterLimiter(2, 5)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{allowedOrigin},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/xqueue/status/", h.handleStatus)
	r.Post("/xqueue/login/", h.handleLogin)
	r.Get("/xqueue/login/", h.handleLoginRequired)
	r.Post("/xqueue/logout/", h.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(h.requireSession)
		r.With(submitLimiter.middleware).Post("/xqueue/submit/", h.handleSubmit)
		r.Get("/xqueue/get_queuelen/", h.handleGetQueueLen)
		r.Get("/xqueue/get_submission/", h.handleGetSubmission)
		r.Post("/xqueue/put_result/", h.handlePutResult)
	})

	return r
}
