package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/4darsh-Dev/comfyui-serverless/internal/http/handlers"
	"github.com/4darsh-Dev/comfyui-serverless/internal/infra"
	"github.com/4darsh-Dev/comfyui-serverless/internal/middleware"
)

// RouterOptions configures the middleware stack around the handlers.
type RouterOptions struct {
	Logger          infra.Logger
	APIKeys         []string
	CORSOrigins     []string
	RateLimitPerMin int
	// StaticDir is served under /static when set, backing FileUploader URLs.
	StaticDir string
}

func NewRouter(app *handlers.App, opts RouterOptions) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
	)
	if len(opts.CORSOrigins) > 0 {
		r.Use(middleware.CORS(opts.CORSOrigins))
	}

	// Health
	r.Get("/v1/healthz", app.Health)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAPIKey(opts.APIKeys))
		r.Get("/v1/backend/health", app.BackendHealth)

		r.With(middleware.RateLimit(opts.RateLimitPerMin, time.Minute)).Post("/v1/renders", app.CreateRender)

		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/", app.EnqueueRender)
			r.Get("/{id}", app.GetJob)
		})
	})

	if opts.StaticDir != "" {
		fs := stdhttp.StripPrefix("/static/", stdhttp.FileServer(stdhttp.Dir(opts.StaticDir)))
		r.Get("/static/*", fs.ServeHTTP)
	}

	return r
}
