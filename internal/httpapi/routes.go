package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/snowbrawl/backend/internal/registry"
	"github.com/snowbrawl/backend/internal/ws"
)

func SetupRoutes(reg *registry.Registry, wsCfg ws.Config, allowedOrigins []string, clock clockwork.Clock, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(requestLogger(logger))
	r.Use(cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	}).Handler)

	r.Get("/", Index)
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(reg, wsCfg, clock, logger))
	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("elapsed", time.Since(start)),
			)
		})
	}
}
