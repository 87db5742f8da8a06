package httpapi

import (
	stdhttp "net/http"
	"time"

	"scenejobs/internal/http/handlers"
	"scenejobs/internal/infra"
	mw "scenejobs/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Options configure the router's middleware stack.
type Options struct {
	AccessKey          string
	RateLimitPerMin    int
	AllowedOrigins     []string
	NarrationLanguages []string
	// Countries, when set, picks a narration language from the client's
	// region for requests without a language header.
	Countries mw.CountryResolver
	Logger    infra.Logger
}

func NewRouter(app *handlers.App, opts Options) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(mw.RequestID, middleware.RealIP, middleware.Recoverer, mw.Logger(opts.Logger))
	if len(opts.AllowedOrigins) > 0 {
		r.Use(mw.CORS(opts.AllowedOrigins))
	}

	// Health
	r.Get("/v1/healthz", app.Health)

	limit := mw.RateLimit(opts.RateLimitPerMin, time.Minute)
	r.Group(func(r chi.Router) {
		r.Use(mw.AccessKey(opts.AccessKey), mw.LanguageWithRegion(opts.NarrationLanguages, opts.Countries))

		r.Get("/v1/metrics", app.Metrics)

		r.Route("/v1/jobs", func(r chi.Router) {
			r.With(limit).Post("/", app.StartJob)
			r.Get("/", app.ListJobs)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", app.GetJob)
				r.Delete("/", app.DeleteJob)
				r.With(limit).Post("/resume", app.ResumeJob)
				r.Post("/cancel", app.CancelJob)
				r.Get("/events", app.JobEvents)
				r.Get("/export", app.ExportJob)
			})
		})
	})

	return r
}
