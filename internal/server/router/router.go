package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mamadbah2/wahook/internal/server/adapters"
)

// Routes served by every engine.
const (
	PathWebhook = "/webhook"
	PathFlow    = "/flow"
	PathHealth  = "/healthz"
	PathMetrics = "/metrics"
)

// Options carries what the engines need to mount the endpoints.
type Options struct {
	Processor    adapters.Processor
	MaxBodyBytes int64
	// Metrics serves /metrics. The route is skipped when nil.
	Metrics http.Handler
	Logger  *zap.Logger
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

type healthResponse struct {
	Status string `json:"status"`
}

var healthy = healthResponse{Status: "ok"}

// NewGin wires the Gin engine with required routes and middlewares.
func NewGin(opts Options) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	logger := opts.logger()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(zapLoggerMiddleware(logger))

	a := adapters.NewGin(opts.Processor, opts.MaxBodyBytes, logger.Named("adapter"))
	r.Any(PathWebhook, a.AutoRoute)
	r.Any(PathFlow, a.AutoRouteFlow)
	r.GET(PathHealth, func(c *gin.Context) {
		c.JSON(http.StatusOK, healthy)
	})
	if opts.Metrics != nil {
		r.GET(PathMetrics, gin.WrapH(opts.Metrics))
	}

	logger.Info("router initialized", zap.String("framework", "gin"))
	return r
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
