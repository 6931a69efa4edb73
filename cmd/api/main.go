package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/davidleathers/adaptive-auth-backend/internal/api/rest"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/cache"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/config"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/database"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/events"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/repository"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/supervisor"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/telemetry"
	"github.com/davidleathers/adaptive-auth-backend/internal/metrics"
	"github.com/davidleathers/adaptive-auth-backend/internal/service/audit"
	"github.com/davidleathers/adaptive-auth-backend/internal/service/incident"
	"github.com/davidleathers/adaptive-auth-backend/internal/service/ratelimit"
	"github.com/davidleathers/adaptive-auth-backend/internal/service/threat"
	"github.com/davidleathers/adaptive-auth-backend/internal/service/trust"
)

const serviceName = "adaptive-auth"

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("service stopped with error", zap.Error(err))
	}
	logger.Info("service stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	provider, err := telemetry.InitializeOpenTelemetry(ctx, telemetry.ConfigFor(
		serviceName, cfg.Version, cfg.Environment, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.Enabled,
		cfg.Telemetry.SamplingRate, cfg.Telemetry.ExportTimeout, cfg.Telemetry.BatchTimeout))
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	m := metrics.NewSecurity(prometheus.DefaultRegisterer)
	gauges, err := metrics.NewRegistry(serviceName)
	if err != nil {
		return fmt.Errorf("create gauge registry: %w", err)
	}

	stores, err := cache.NewManager(cfg, m, logger)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer func() { _ = stores.Close() }()

	healthChecks := []rest.HealthCheckFunc{stores.HealthCheck}

	repo, closeRepo, check, err := incidentRepository(ctx, cfg, stores, logger)
	if err != nil {
		return err
	}
	defer closeRepo()
	if check != nil {
		healthChecks = append(healthChecks, check)
	}

	var publisher incident.Publisher
	if cfg.NATS.URL != "" {
		nats, err := events.NewNATSPublisher(cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer func() { _ = nats.Close() }()
		publisher = nats
		healthChecks = append(healthChecks, func(context.Context) map[string]string { return nats.HealthCheck() })
	} else {
		logger.Info("no message bus configured, incident notifications go to the log")
	}

	recorder := audit.NewAsync(audit.NewZapRecorder(logger), 1024, logger)

	// incident response
	dispatcher := incident.NewDefaultDispatcher(incident.Containment{
		Accounts:  stores.Accounts,
		Addresses: stores.Blocklist,
		Watchlist: stores.Watchlist,
	}, publisher, cfg.Incident, cfg.NATS, m, logger)
	var incidentOpts []incident.Option
	if publisher != nil {
		incidentOpts = append(incidentOpts, incident.WithPublisher(publisher))
	}
	incidents, err := incident.NewService(cfg.Incident, repo, dispatcher, recorder, m, logger, incidentOpts...)
	if err != nil {
		return err
	}

	// threat analysis
	localBaselines, err := threat.NewMemoryBaselineStore(cfg.Threat.BaselineCacheSize)
	if err != nil {
		return fmt.Errorf("create baseline cache: %w", err)
	}
	baselines := threat.NewFallbackBaselineStore(threat.NewRedisBaselineStore(stores.Client, 0), localBaselines, logger)
	detector, err := threat.NewDetector(cfg.Threat, stores.Counters, baselines, threat.NetworkLocator{}, m, logger)
	if err != nil {
		return err
	}
	eventLog := threat.NewRedisEventLog(stores.Client, cfg.Threat.MonitorLookback)
	analyzer, err := threat.NewAnalyzer(detector, incidents, cfg.Threat.Workers, cfg.Threat.QueueSize, m, logger,
		threat.WithEventLog(eventLog))
	if err != nil {
		return err
	}
	monitor, err := threat.NewMonitor(eventLog, incidents, cfg.Threat.MonitorInterval, cfg.Threat.MonitorLookback,
		cfg.Threat.CoordinatedActorsPerIP, logger)
	if err != nil {
		return err
	}

	// trust and rate limiting
	signals := trust.NewStoreSignals(stores.Devices, stores.Watchlist, stores.Accounts, stores.Blocklist)
	trustSvc, err := trust.NewService(cfg.Trust, signals, stores.SessionTrust, recorder, m, logger,
		trust.WithDevices(stores.Devices))
	if err != nil {
		return err
	}
	rules, err := ratelimit.NewRuleTable(cfg.RateLimit.Rules, cfg.RateLimit.SensitiveGetPaths)
	if err != nil {
		return err
	}
	limiter, err := ratelimit.NewLimiter(rules, stores.Counters, recorder, m, logger)
	if err != nil {
		return err
	}

	gauges.ObserveQueue("analysis", analyzer.QueueDepth)
	gauges.ObserveQueue("response", incidents.QueueDepth)
	gauges.ObserveLocalCounters(func() int64 { return int64(stores.Local.Len()) })
	gauges.ObserveActiveIncidents(func() int64 {
		countCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return incidents.CountActive(countCtx)
	})

	// gateway
	auth, err := rest.NewAuthMiddleware(rest.AuthConfig{
		JWTSecret: jwtSecret(cfg.Security.JWTSecret, logger),
		Issuer:    cfg.Security.JWTIssuer,
	}, stores.Accounts, stores.Watchlist, logger)
	if err != nil {
		return err
	}
	handler, err := rest.NewHandler(trustSvc, analyzer, incidents, logger)
	if err != nil {
		return err
	}
	router := rest.NewRouter(rest.RouterConfig{
		Handler:   handler,
		Auth:      auth,
		Limiter:   limiter,
		Blocklist: stores.Blocklist,
		Health:    rest.NewHealthHandler(cfg.Version, 2*time.Second, healthChecks...),
		Metrics:   m,
		Logger:    logger,
	})
	server := rest.NewServer(cfg.Server, router, logger)

	tree := supervisor.NewTree(logger, supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})
	tree.AddStorageService(stores.Local)
	tree.AddPipelineService(recorder)
	tree.AddPipelineService(analyzer)
	tree.AddPipelineService(incidents)
	tree.AddPipelineService(monitor)
	tree.AddPipelineService(incident.NewScheduler(incidents, cfg.Incident.EscalationInterval, logger))
	tree.AddAPIService(supervisor.NewHTTPService(server, cfg.Server.ShutdownTimeout))

	logger.Info("adaptive auth engine starting",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment),
		zap.Int("port", cfg.Server.Port),
		zap.String("incident_store", cfg.Incident.Store))

	err = tree.Serve(ctx)
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		logger.Warn("services did not stop in time", zap.Int("count", len(report)))
	}
	return err
}

// incidentRepository opens the configured incident store
func incidentRepository(ctx context.Context, cfg *config.Config, stores *cache.Manager, logger *zap.Logger) (repository.IncidentRepository, func(), rest.HealthCheckFunc, error) {
	if cfg.Incident.Store != "postgres" {
		repo, err := repository.NewRedisIncidentRepository(stores.Client, cfg.Incident.RetentionTTL, logger)
		return repo, func() {}, nil, err
	}

	pool, err := database.NewPool(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	repo, err := repository.NewPostgresIncidentRepository(pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	check := func(ctx context.Context) map[string]string { return database.HealthCheck(ctx, pool) }
	return repo, pool.Close, check, nil
}

// jwtSecret returns the configured signing secret, or a random one that
// only lives as long as this process.
func jwtSecret(configured string, logger *zap.Logger) []byte {
	if configured != "" {
		return []byte(configured)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		logger.Fatal("failed to generate jwt secret", zap.Error(err))
	}
	logger.Warn("no jwt secret configured, using a random per-process secret")
	return secret
}
