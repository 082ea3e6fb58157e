package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/mamadbah2/wahook/internal/server/adapters"
)

// NewFiber mounts the fiber adapter on a new app. The app's own body limit
// is kept above the adapter's so oversized requests get the adapter's 413.
func NewFiber(opts Options) *fiber.App {
	logger := opts.logger()

	limit := opts.MaxBodyBytes
	if limit <= 0 {
		limit = adapters.DefaultMaxBodyBytes
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             int(limit) + 1,
		ReadTimeout:           15 * time.Second,
		WriteTimeout:          15 * time.Second,
		IdleTimeout:           60 * time.Second,
	})
	app.Use(recover.New())
	app.Use(fiberLoggerMiddleware(logger))

	a := adapters.NewFiber(opts.Processor, limit, logger.Named("adapter"))
	app.All(PathWebhook, a.AutoRoute)
	app.All(PathFlow, a.AutoRouteFlow)
	app.Get(PathHealth, func(c *fiber.Ctx) error {
		return c.JSON(healthy)
	})
	if opts.Metrics != nil {
		app.Get(PathMetrics, adaptor.HTTPHandler(opts.Metrics))
	}

	logger.Info("router initialized", zap.String("framework", "fiber"))
	return app
}

func fiberLoggerMiddleware(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		logger.Info("request completed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.IP()))
		return err
	}
}
