// Package main is the entry point for the zaplane dispatch server. It wires
// the store, channel gateway, flow engine, and orchestrator together and
// starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/zaplane/zaplane/internal/config"
	"github.com/zaplane/zaplane/internal/dispatch"
	"github.com/zaplane/zaplane/internal/flow"
	"github.com/zaplane/zaplane/internal/gateway"
	"github.com/zaplane/zaplane/internal/notify"
	"github.com/zaplane/zaplane/internal/observability"
	"github.com/zaplane/zaplane/internal/store"
	"github.com/zaplane/zaplane/internal/transport"
	"github.com/zaplane/zaplane/internal/webhook"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

// verifyTokenEnv holds the webhook verification token the channel provider
// echoes during subscription handshakes.
const verifyTokenEnv = "ZAPLANE_WEBHOOK_VERIFY_TOKEN"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "zaplane", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
	}

	st, storePinger, storeCloser, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	if storeCloser != nil {
		defer storeCloser()
	}

	gw := buildGateway(cfg.Gateway, metrics)

	notifier, hub, brokerPinger, notifyCloser, err := buildNotifier(cfg.Notify, logger)
	if err != nil {
		logger.Error("notifier initialization failed", zap.Error(err))
		return 1
	}
	if notifyCloser != nil {
		defer notifyCloser()
	}

	engine := flow.NewEngine(st, gw, notifier, logger, flow.Options{
		ChainLimit: cfg.Dispatch.ChainLimit,
		StepDelay:  cfg.Dispatch.StepDelay,
		ImageDelay: cfg.Dispatch.ImageDelay,
		Metrics:    metrics,
	})

	orchestrator := dispatch.NewOrchestrator(st, gw, engine, notifier, logger, dispatch.Options{
		SendInterval: cfg.Dispatch.SendInterval,
		RecoverMode:  cfg.Dispatch.Recover,
		Metrics:      metrics,
	})

	// Reconcile dispatches a previous process left running before serving
	// traffic: their control handles died with that process.
	if err := orchestrator.Recover(ctx); err != nil {
		logger.Error("dispatch recovery failed", zap.Error(err))
		return 1
	}

	wh := webhook.NewHandler(st, engine, os.Getenv(verifyTokenEnv), logger, metrics)

	router := transport.NewRouter(transport.Dependencies{
		Logger:       logger,
		Orchestrator: orchestrator,
		Webhook:      wh,
		Hub:          hub,
		Metrics:      metrics,
		Ready: observability.ReadinessChecks{
			Store:  storePinger,
			Broker: brokerPinger,
		},
		MetricsPath: cfg.Observability.Metrics.Path,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("notify", cfg.Notify.Driver))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Park running dispatch loops at their next recipient boundary. With
	// recovery set to resume they pick up from the persisted cursor on the
	// next start.
	orchestrator.Shutdown()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStore creates the persistence layer based on config. The returned
// Pinger is nil for the in-memory store, which has nothing to check.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, observability.Pinger, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory store")
		return store.NewMemoryStore(), nil, nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("store: ping: %w", err)
		}

		pg := store.NewPgStore(pool)
		return pg, pg, pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}
}

// buildGateway creates the channel API client.
func buildGateway(cfg config.GatewayConfig, metrics *observability.Metrics) gateway.Gateway {
	opts := []gateway.CloudOption{}
	if cfg.BaseURL != "" {
		opts = append(opts, gateway.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, gateway.WithAPIVersion(cfg.APIVersion))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, gateway.WithTimeout(cfg.Timeout))
	}
	if cfg.MediaDir != "" {
		opts = append(opts, gateway.WithMediaDir(cfg.MediaDir))
	}
	if metrics != nil {
		opts = append(opts, gateway.WithMetrics(metrics))
	}
	return gateway.NewCloudClient(opts...)
}

// buildNotifier creates the notification transport. The hub is non-nil only
// for the in-process websocket driver; it doubles as the /ws route handler.
func buildNotifier(cfg config.NotifyConfig, logger *zap.Logger) (notify.Port, *notify.Hub, observability.Pinger, func(), error) {
	switch cfg.Driver {
	case "websocket":
		hub := notify.NewHub(logger)
		return hub, hub, nil, nil, nil
	case "amqp":
		url := os.Getenv(cfg.AMQPURLEnv)
		if url == "" {
			return nil, nil, nil, nil, fmt.Errorf("notify: %s environment variable not set", cfg.AMQPURLEnv)
		}
		pub, err := notify.NewAMQPPublisher(url, cfg.ExchangePrefix, logger)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return pub, nil, pub, pub.Close, nil
	case "none":
		return notify.Noop{}, nil, nil, nil, nil
	default:
		return nil, nil, nil, nil, fmt.Errorf("notify: unsupported driver %q", cfg.Driver)
	}
}
