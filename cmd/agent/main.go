package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/voice-intake-agent/cmd/mainconfig"
	"github.com/wolfman30/voice-intake-agent/internal/agent"
	"github.com/wolfman30/voice-intake-agent/internal/api/router"
	"github.com/wolfman30/voice-intake-agent/internal/app/bootstrap"
	appconfig "github.com/wolfman30/voice-intake-agent/internal/config"
	"github.com/wolfman30/voice-intake-agent/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/voice-intake-agent/internal/http/middleware"
	"github.com/wolfman30/voice-intake-agent/internal/observability/metrics"
	"github.com/wolfman30/voice-intake-agent/pkg/logging"
)

func main() {
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting voice intake agent",
		"env", cfg.Env,
		"port", cfg.Port,
		"agent_name", cfg.AgentName,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsHandler, callMetrics := setupMetrics()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	llmClient, err := bootstrap.BuildLLM(ctx, cfg, awsCfg, callMetrics, logger)
	if err != nil {
		logger.Error("failed to configure LLM", "error", err)
		os.Exit(1)
	}
	emailSender, err := bootstrap.BuildEmailSender(cfg, awsCfg, logger)
	if err != nil {
		logger.Error("failed to configure email", "error", err)
		os.Exit(1)
	}
	rule, err := bootstrap.BuildDispatchRule(cfg, logger)
	if err != nil {
		logger.Error("failed to load dispatch rule", "error", err)
		os.Exit(1)
	}

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer redisClient.Close()
	}

	ctrl, err := bootstrap.BuildController(cfg, bootstrap.AgentDeps{
		LLM:      llmClient,
		Notifier: bootstrap.BuildNotifier(cfg, emailSender, callMetrics, logger),
		Rooms:    bootstrap.BuildRooms(cfg, logger),
		Store:    bootstrap.BuildCallStore(redisClient),
		Rule:     rule,
		Metrics:  callMetrics,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to build agent", "error", err)
		os.Exit(1)
	}

	limiter := httpmiddleware.NewRateLimiter(20, 40)
	go runSweeper(ctx, time.Minute, func(ctx context.Context) {
		if n := ctrl.Sweep(ctx, cfg.SessionIdleTimeout); n > 0 {
			logger.Info("swept idle sessions", "count", n)
		}
		limiter.Prune(10 * time.Minute)
	})

	if cfg.WebhookSecret == "" {
		logger.Warn("WEBHOOK_SECRET not set; runtime webhooks will be rejected")
	}
	r := router.New(&router.Config{
		Logger: logger,
		Voice: handlers.NewVoiceHandler(handlers.VoiceHandlerConfig{
			Calls:   ctrl,
			Metrics: callMetrics,
			Logger:  logger,
		}),
		WebhookSecret:  cfg.WebhookSecret,
		RateLimiter:    limiter,
		MetricsHandler: metricsHandler,
		Ready:          redisReady(redisClient),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// end_call holds the request open until the goodbye has played.
		WriteTimeout: cfg.PlayoutTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func setupMetrics() (http.Handler, *metrics.CallMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), metrics.NewCallMetrics(reg)
}

// runSweeper calls fn every interval until ctx is done.
func runSweeper(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func redisReady(client *redis.Client) func(context.Context) error {
	if client == nil {
		return nil
	}
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

var _ handlers.CallController = (*agent.Controller)(nil)
