package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"avatarbatch/internal/http/handlers"
	"avatarbatch/internal/infra"
	"avatarbatch/internal/middleware"
)

// Options configures the authenticated job routes.
type Options struct {
	TokenSecret    string
	RateLimit      int
	AllowedOrigins []string
	Logger         infra.Logger
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
	)

	r.Get("/v1/healthz", app.Health)

	// Queue push target. Deliveries authenticate by message signature.
	r.Post("/v1/dispatch/chunks", app.DispatchChunk)

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Use(middleware.CORS(opts.AllowedOrigins))
		r.With(
			middleware.AuthJWT(opts.TokenSecret, middleware.TriggerScope),
			middleware.RateLimit(opts.RateLimit, time.Minute),
		).Post("/", app.CreateJob)
		r.With(middleware.AuthJWT(opts.TokenSecret, "")).Get("/{id}", app.GetJob)
	})

	return r
}
