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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"tabcast/internal/core/ports"
	"tabcast/internal/core/services"
	httphandlers "tabcast/internal/handlers/http"
	"tabcast/internal/handlers/messages"
	"tabcast/internal/infrastructure/bridge"
	"tabcast/internal/infrastructure/distributed"
	"tabcast/internal/infrastructure/middleware"
	"tabcast/internal/infrastructure/monitoring"
	"tabcast/internal/infrastructure/persistence"
	"tabcast/internal/infrastructure/power"
	"tabcast/internal/infrastructure/reliability"
	repositories "tabcast/internal/infrastructure/repositories"
	"tabcast/internal/infrastructure/router"
	wsignal "tabcast/internal/infrastructure/signal"
	"tabcast/internal/infrastructure/supervisor"
	"tabcast/pkg/config"
	"tabcast/pkg/i18n"
	"tabcast/pkg/logger"
	"tabcast/pkg/retry"
	"tabcast/pkg/tracing"
)

// gateFunc lets the router be built before the recovery service it waits on.
type gateFunc func(ctx context.Context) error

func (f gateFunc) WaitReady(ctx context.Context) error { return f(ctx) }

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	path, cfg := loadConfig(*configPath)

	zapLogger, level := logger.NewWithLevel(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = cfg.Tracing.Enabled
	tracingCfg.JaegerURL = cfg.Tracing.JaegerURL
	tracingCfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(tracingCfg)
	if err != nil {
		log.Warnw("tracing disabled", "error", err)
	}

	printer := i18n.NewPrinter(cfg.Logging.Locale)

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)

	// Persistence
	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	defer func() {
		if err := repoFactory.Close(); err != nil {
			log.Errorw("error closing state store", "error", err)
		}
	}()
	orch := persistence.NewOrchestrator(repoFactory.StateStore(), nil, collector, log.With("component", "persistence"))

	// Router and observers. The gate is bound once recovery exists.
	var recovery *services.RecoveryService
	msgRouter := router.New(gateFunc(func(ctx context.Context) error {
		return recovery.WaitReady(ctx)
	}), collector, zapLogger)

	hub := wsignal.NewHub(msgRouter, wsignal.Config{OnCount: collector.SetObservers}, log.With("component", "hub"))
	notifiers := ports.MultiNotifier{hub}

	var bus *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil && cfg.Redis.EventChannel != "" {
		bus = distributed.NewEventBus(client, uuid.NewString(), cfg.Redis.EventChannel, hub, log.With("component", "event_bus"))
		notifiers = append(notifiers, bus)
	}

	// Bridge
	var (
		bridgeClient *bridge.Client
		capture      ports.Bridge = bridge.Absent{}
		recoveryPeer ports.Bridge
	)
	if cfg.Bridge.Enabled {
		bridgeClient = bridge.NewClient(cfg.Bridge.URL, bridge.Options{RequestTimeout: cfg.Bridge.RequestTimeout}, zapLogger)
		breaker := reliability.DefaultBreakerConfig()
		breaker.MaxFailures = cfg.Bridge.Breaker.MaxFailures
		breaker.OpenTimeout = cfg.Bridge.Breaker.OpenTimeout
		wrapped := reliability.NewBridgeWrapper(bridgeClient, retry.DefaultConfig(), breaker, collector, log.With("component", "bridge"))
		capture = wrapped
		recoveryPeer = wrapped
	}

	// Services, in restore order.
	state := services.NewConnectionStateService(orch, services.ConnectionStateOptions{
		Debounce: cfg.Persistence.ConnectionStateDebounce,
		Notifier: notifiers,
		Printer:  printer,
		Metrics:  collector,
	}, log.With("component", "connection_state"))

	candidates := cfg.Discovery.Candidates
	if len(candidates) == 0 {
		candidates = services.CandidatesFromRange(cfg.Discovery.Host, cfg.Discovery.PortStart, cfg.Discovery.PortEnd)
	}
	discovery := services.NewDiscoveryService(orch, state, services.DiscoveryOptions{
		Candidates:      candidates,
		ServiceName:     cfg.Discovery.ServiceName,
		ProbeTimeout:    cfg.Discovery.ProbeTimeout,
		LivenessTimeout: cfg.Discovery.LivenessTimeout,
		CacheTTL:        cfg.Discovery.CacheTTL,
		ManualPeerURL:   cfg.Discovery.ManualPeerURL,
		Metrics:         collector,
	}, log.With("component", "discovery"))

	media := services.NewMediaCache(orch, cfg.Persistence.MediaCacheDebounce, nil, log.With("component", "media_cache"))

	wakeLock := power.New(cfg.Power.WakeLockEnabled, cfg.Power.Reason, log.With("component", "power"))
	sessions := services.NewSessionRegistry(orch, services.SessionRegistryOptions{
		Power:    wakeLock,
		Notifier: notifiers,
		Media:    media,
		Metrics:  collector,
	}, log.With("component", "sessions"))

	connection := services.NewConnectionManager(capture, state, discovery, services.ConnectionManagerOptions{
		Retry: retry.Config{
			Enabled:      true,
			MaxAttempts:  cfg.Bridge.Reconnect.MaxAttempts,
			InitialDelay: cfg.Bridge.Reconnect.InitialDelay,
			MaxDelay:     cfg.Bridge.Reconnect.MaxDelay,
			Multiplier:   2,
			Jitter:       true,
		},
		RequestTimeout: cfg.Bridge.RequestTimeout,
		Notifier:       notifiers,
		Printer:        printer,
		Metrics:        collector,
	}, log.With("component", "connection"))
	defer connection.Close()

	recovery = services.NewRecoveryService(orch, recoveryPeer, state, connection, services.RecoveryOptions{
		StatusTimeout: cfg.Bridge.StatusTimeout,
		Notifier:      notifiers,
		OnPhase: func(p services.Phase) {
			log.Infow("recovery phase changed", "phase", p.String())
		},
	}, log.With("component", "recovery"))

	handlers := messages.New(messages.Deps{
		State:        state,
		Registry:     sessions,
		Media:        media,
		Discovery:    discovery,
		Connection:   connection,
		Recovery:     recovery,
		Orchestrator: orch,
		Notifier:     notifiers,
	}, zapLogger)
	if err := handlers.Register(msgRouter); err != nil {
		log.Fatalw("failed to register handlers", "error", err)
	}
	// bridge pushes go through the router and wait for recovery like requests do
	if bridgeClient != nil {
		bridgeClient.OnNotification(messages.ForwardPushes(msgRouter, log.With("component", "bridge-push")))
	}

	// Health: liveness watches the store, readiness also waits for recovery.
	health := monitoring.NewHealthChecker()
	health.AddStoreCheck(repoFactory.StateStore(), 30*time.Second, 2*time.Second)
	readiness := monitoring.NewHealthChecker()
	readiness.AddStoreCheck(repoFactory.StateStore(), 0, 2*time.Second)
	readiness.AddRecoveryCheck(recovery.IsReady)

	// HTTP
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(
		middleware.RequestIDMiddleware(),
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = registry
	}
	httphandlers.NewAPIHandler(msgRouter, httphandlers.APIHandlerOptions{
		Health:   health,
		Ready:    readiness.IsReady,
		Sockets:  hub,
		Gatherer: gatherer,
	}).SetupRoutes(engine)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Supervision
	tree := supervisor.NewTree(log.With("component", "supervisor"), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddAPI(supervisor.NewHTTPServerService(srv, cfg.Server.ShutdownTimeout))
	if bridgeClient != nil {
		tree.AddLink(supervisor.NewFuncService("bridge", bridgeClient.Serve))
	}
	if bus != nil {
		tree.AddLink(supervisor.NewFuncService("event-bus", bus.Serve))
	}
	if path != "" {
		watcher := config.NewWatcher(path, cfg, reloadHandler(level, discovery, log), log.With("component", "config"))
		tree.AddLink(supervisor.NewFuncService("config-watcher", watcher.Serve))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health.StartBackgroundChecks(ctx)
	recovery.Start()

	log.Infow("starting tabcastd",
		"address", cfg.Server.Address,
		"backend", repoFactory.Backend(),
		"bridge_enabled", cfg.Bridge.Enabled,
		"event_bus", bus != nil,
	)

	treeErr := tree.ServeBackground(ctx)
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		// Drain the tree before flushing so no handler mutates state mid-flush.
		select {
		case <-treeErr:
		case <-time.After(cfg.Server.ShutdownTimeout):
			if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
				log.Warnw("services did not stop in time", "services", fmt.Sprint(report))
			}
		}
	case err := <-treeErr:
		log.Errorw("supervisor stopped", "error", err)
		stop()
	}

	hub.Close()
	if bus != nil {
		if err := bus.Close(); err != nil {
			log.Warnw("error closing event bus", "error", err)
		}
	}
	if bridgeClient != nil {
		bridgeClient.Close()
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := orch.Close(flushCtx); err != nil {
		log.Errorw("failed to flush state", "error", err)
	}
	if tp != nil {
		if err := tp.Shutdown(flushCtx); err != nil {
			log.Warnw("tracing shutdown failed", "error", err)
		}
	}
	log.Info("tabcastd stopped")
}

// loadConfig returns the config and the file it came from ("" for defaults).
func loadConfig(explicit string) (string, *config.Config) {
	paths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/tabcast/config.yaml",
		"config.yaml",
	}
	if explicit != "" {
		paths = []string{explicit}
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := config.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid config %s: %v\n", path, err)
			os.Exit(1)
		}
		return path, cfg
	}

	if explicit != "" {
		fmt.Fprintf(os.Stderr, "config file %s not found\n", explicit)
		os.Exit(1)
	}
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	return "", cfg
}

// reloadHandler applies the settings that can change without a restart.
func reloadHandler(level zap.AtomicLevel, discovery *services.DiscoveryService, log *zap.SugaredLogger) func(old, updated *config.Config) {
	return func(old, updated *config.Config) {
		if old.Logging.Level != updated.Logging.Level {
			level.SetLevel(logger.ParseLevel(updated.Logging.Level))
			log.Infow("log level changed", "level", updated.Logging.Level)
		}
		if old.Discovery.ManualPeerURL != updated.Discovery.ManualPeerURL {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := discovery.SetManualPeer(ctx, updated.Discovery.ManualPeerURL); err != nil {
				log.Warnw("failed to apply manual peer from config", "error", err)
			}
		}
	}
}
