package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"nanoedit/internal/http/handlers"
	"nanoedit/internal/middleware"
)

// Options carries everything the router needs beyond the handler container.
type Options struct {
	SessionSecret   string
	RateLimitPerMin int
	CountryLookup   middleware.CountryLookup
	AllowedOrigins  []string
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.CORS(opts.AllowedOrigins),
		middleware.Locale("en", opts.CountryLookup),
		middleware.Logger(app.Logger),
		middleware.Auth(opts.SessionSecret),
	)

	r.Get("/v1/healthz", app.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/generate-image", func(r chi.Router) {
			r.With(middleware.RateLimit(opts.RateLimitPerMin, time.Minute)).Post("/", app.GenerateImage)
			r.Get("/task-status", app.TaskStatus)
			r.Post("/callback", app.Callback)
		})
		r.Get("/tasks", app.ListTasks)
		r.Get("/credit-usage-records", app.ListCreditUsageRecords)
	})

	return r
}
