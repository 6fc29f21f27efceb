package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/lpding888/ai-fashion-studio-sub000/internal/http/handlers"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/middleware"
)

// Options tunes the cross-cutting middleware around the API.
type Options struct {
	Logger          zerolog.Logger
	AllowedOrigins  []string
	RateLimitPerMin int
	DefaultLocale   string
}

func NewRouter(app *handlers.App, opts Options) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP, chimw.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(opts.Logger))
	r.Use(middleware.Locale(opts.DefaultLocale))
	if len(opts.AllowedOrigins) > 0 {
		r.Use(middleware.CORS(opts.AllowedOrigins))
	}
	if opts.RateLimitPerMin > 0 {
		r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
	}

	r.Get("/healthz", app.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", app.CreateTask)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", app.GetTask)
				r.Get("/archive", app.DownloadArchive)
				r.Post("/approve", app.ApproveTask)
				r.Post("/retry-planning", app.RetryPlanning)
				r.Post("/retry-render", app.RetryRender)
				r.Post("/shots/{shot}/retry", app.RetryShot)

				r.Route("/hero", func(r chi.Router) {
					r.Post("/regenerate", app.RegenerateHero)
					r.Post("/approve", app.ApproveHero)
				})
				r.Route("/storyboard", func(r chi.Router) {
					r.Post("/replan", app.ReplanStoryboard)
					r.Post("/grid", app.RenderStoryGrid)
					r.Post("/shots/{shot}/render", app.RenderStoryShot)
					r.Post("/shots/{shot}/select", app.SelectShotVersion)
				})
			})
		})

		r.Get("/users/{id}/credits", app.GetCredits)
	})

	return r
}
