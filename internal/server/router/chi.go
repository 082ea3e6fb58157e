package router

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mamadbah2/wahook/internal/server/adapters"
)

// NewChi mounts the net/http adapter on a chi router.
func NewChi(opts Options) *chi.Mux {
	logger := opts.logger()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(chiLoggerMiddleware(logger))
	r.Use(middleware.Recoverer)

	a := adapters.NewHTTP(opts.Processor, opts.MaxBodyBytes, logger.Named("adapter"))
	r.HandleFunc(PathWebhook, a.AutoRoute)
	r.HandleFunc(PathFlow, a.AutoRouteFlow)
	r.Get(PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(healthy)
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, PathMetrics, opts.Metrics)
	}

	logger.Info("router initialized", zap.String("framework", "chi"))
	return r
}

func chiLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("client_ip", r.RemoteAddr),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
