package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mamadbah2/wahook/internal/config"
	"github.com/mamadbah2/wahook/internal/scheduler"
	"github.com/mamadbah2/wahook/internal/server/router"
	"github.com/mamadbah2/wahook/internal/service/webhook"
	whatsappsvc "github.com/mamadbah2/wahook/internal/service/whatsapp"
	whatsappclient "github.com/mamadbah2/wahook/pkg/clients/whatsapp"
	"github.com/mamadbah2/wahook/pkg/flowcrypto"
	"github.com/mamadbah2/wahook/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}

	baseLogger := logger.Must(logger.New(cfg.Log.Level))
	defer func() { _ = baseLogger.Sync() }()

	zap.ReplaceGlobals(baseLogger)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	whatsClient := whatsappclient.NewClient(whatsappclient.NewRequester(cfg.WhatsApp), cfg.WhatsApp.PhoneNumberID)

	var keyRing *flowcrypto.KeyRing
	if cfg.Flow.Enabled() {
		keyRing, err = flowcrypto.NewKeyRing(keySource(cfg.Flow))
		if err != nil {
			baseLogger.Fatal("failed to load flow private key", zap.Error(err))
		}
		baseLogger.Info("flow endpoint enabled")
	} else {
		baseLogger.Warn("flow private key missing, flow requests will fail")
	}

	registry := webhook.NewRegistry()
	whatsappsvc.NewBot(cfg.Bot, logger.Named(baseLogger, "svc.bot")).Register(registry)

	mode := webhook.DispatchSequential
	if cfg.Dispatch.Mode == config.DispatchAsync {
		mode = webhook.DispatchAsync
	}

	processor, err := webhook.NewProcessor(webhook.Options{
		VerifyToken:            cfg.WhatsApp.VerifyToken,
		AppSecret:              cfg.WhatsApp.SignatureSecret(),
		VerifyWebhookSignature: cfg.WhatsApp.VerifyWebhookSignature,
		Keys:                   keyRing,
		Client:                 whatsClient,
		Registry:               registry,
		Mode:                   mode,
		MaxConcurrency:         cfg.Dispatch.MaxConcurrency,
		Metrics:                webhook.NewMetrics(promRegistry),
		Logger:                 logger.Named(baseLogger, "svc.webhook"),
	})
	if err != nil {
		baseLogger.Fatal("failed to init webhook processor", zap.Error(err))
	}

	if keyRing != nil && cfg.Flow.ReloadSchedule != "" {
		sched := scheduler.NewScheduler(cfg.Flow.ReloadSchedule, keyRing, logger.Named(baseLogger, "scheduler"))
		if err := sched.Start(); err != nil {
			baseLogger.Fatal("failed to start scheduler", zap.Error(err))
		}
		defer sched.Stop()
	}

	opts := router.Options{
		Processor:    processor,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Metrics:      promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{Registry: promRegistry}),
		Logger:       logger.Named(baseLogger, "router"),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serve, shutdown := server(cfg, opts)

	go func() {
		baseLogger.Info("server starting",
			zap.String("port", cfg.Server.Port),
			zap.String("framework", cfg.Server.Framework),
			zap.String("dispatch_mode", cfg.Dispatch.Mode))
		if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			baseLogger.Fatal("http server crashed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	baseLogger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := shutdown(shutdownCtx); err != nil {
		baseLogger.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := processor.Shutdown(shutdownCtx); err != nil {
		baseLogger.Error("background dispatch did not drain", zap.Error(err))
	}
}

// server builds the configured engine and returns its serve and shutdown
// functions.
func server(cfg *config.Config, opts router.Options) (func() error, func(context.Context) error) {
	addr := ":" + cfg.Server.Port

	if cfg.Server.Framework == config.FrameworkFiber {
		app := router.NewFiber(opts)
		return func() error { return app.Listen(addr) }, app.ShutdownWithContext
	}

	var handler http.Handler
	if cfg.Server.Framework == config.FrameworkChi {
		handler = router.NewChi(opts)
	} else {
		handler = router.NewGin(opts)
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv.ListenAndServe, srv.Shutdown
}

// keySource prefers the key file. An inline key may carry escaped newlines
// when it comes from a single line env var.
func keySource(cfg config.FlowConfig) flowcrypto.KeySource {
	if cfg.PrivateKeyPath != "" {
		return flowcrypto.FileKeySource(cfg.PrivateKeyPath, cfg.Passphrase)
	}
	pemText := strings.ReplaceAll(cfg.PrivateKey, `\n`, "\n")
	return flowcrypto.StaticKeySource([]byte(pemText), cfg.Passphrase)
}
