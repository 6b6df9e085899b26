package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/amerfu/pgate/internal/config"
	"github.com/amerfu/pgate/internal/handlers"
	"github.com/amerfu/pgate/internal/middleware"
)

// Deps is everything the router mounts; main owns construction.
type Deps struct {
	Logger *zap.Logger
	Auth   middleware.KeyAuthenticator
	Chat   *handlers.ChatHandler
	Models *handlers.ModelsHandler
	Health *handlers.HealthHandler
	CORS   config.CORSConfig
}

func New(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(10 * time.Minute))
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.Metrics())
	r.Use(cors.Handler(corsOptions(deps.CORS)))

	r.Get("/health", deps.Health.Health)
	r.Get("/ready", deps.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Auth(deps.Auth, deps.Logger))

		r.Post("/chat/completions", deps.Chat.ChatCompletions)
		r.Get("/models", deps.Models.List)
		r.Get("/models/{model}", deps.Models.Retrieve)
	})

	return r
}

func corsOptions(cfg config.CORSConfig) cors.Options {
	opts := cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   cfg.AllowedMethods,
		AllowedHeaders:   cfg.AllowedHeaders,
		ExposedHeaders:   cfg.ExposedHeaders,
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAge,
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if len(opts.AllowedMethods) == 0 {
		opts.AllowedMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(opts.AllowedHeaders) == 0 {
		opts.AllowedHeaders = []string{"Accept", "Authorization", "Content-Type"}
	}
	return opts
}
