package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"idgate/internal/admin"
	"idgate/internal/auth"
	"idgate/internal/circuitbreaker"
	"idgate/internal/config"
	"idgate/internal/handler"
	"idgate/internal/health"
	"idgate/internal/identity"
	"idgate/internal/keyset"
	"idgate/internal/metrics"
	"idgate/internal/observability"
	"idgate/internal/ratelimiter"
	"idgate/internal/service"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    os.Stdout,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)

	logger.Info("starting idgate",
		"listen", cfg.Server.ListenAddr,
		"keys_url", cfg.Provider.KeysURL,
		"issuer", cfg.Provider.Issuer,
		"audience", cfg.Provider.Audience,
		"admin", cfg.Admin.Enabled,
		"client_secret", cfg.ClientSecret.Configured(),
		"database", cfg.Database.DSN != "",
		"kafka", len(cfg.Kafka.Brokers) > 0,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Key-set pipeline: breaker-guarded HTTP fetcher behind a TTL cache whose
	// unknown-kid refetches are throttled.
	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.KeySet.Breaker.FailureThreshold,
		SuccessThreshold: cfg.KeySet.Breaker.SuccessThreshold,
		Timeout:          cfg.KeySet.Breaker.Timeout,
		Window:           cfg.KeySet.Breaker.Window,
	})
	fetcher := keyset.NewHTTPFetcher(cfg.Provider.KeysURL,
		keyset.WithFetchTimeout(cfg.KeySet.FetchTimeout),
		keyset.WithBreaker(breaker),
	)
	refetchLimiter := ratelimiter.NewTokenBucket(cfg.KeySet.RefetchRate, cfg.KeySet.RefetchBurst)
	cache := keyset.New(fetcher,
		keyset.WithTTL(cfg.KeySet.TTL),
		keyset.WithRefetchLimiter(refetchLimiter),
		keyset.WithLogger(logger.With("component", "keyset")),
		keyset.WithMetrics(m),
	)

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open identity store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	var publisher identity.Publisher = identity.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = identity.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		logger.Info("identity events enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("publisher close error", "error", err)
		}
	}()

	svc := service.New(service.Deps{
		Authenticator: auth.NewAuthenticator(auth.NewVerifier(cache), validationFrom(cfg)),
		Keys:          cache,
		Fetcher:       fetcher,
		Store:         store,
		Publisher:     publisher,
		Logger:        logger.With("component", "service"),
		Metrics:       m,
	}, settingsFrom(cfg))

	// Warm the cache so the first request does not pay for the fetch.
	if err := cache.Refresh(ctx); err != nil {
		logger.Warn("initial key set fetch failed", "error", err)
	}

	// Config reload state
	var configMu sync.Mutex
	currentConfig := cfg
	onReload := func(newCfg *config.Config) {
		configMu.Lock()
		oldConfig := currentConfig
		currentConfig = newCfg
		configMu.Unlock()

		if newCfg.KeySet.RefetchRate != oldConfig.KeySet.RefetchRate {
			refetchLimiter.SetRate(newCfg.KeySet.RefetchRate)
			logger.Info("key set refetch rate updated", "rate", newCfg.KeySet.RefetchRate)
		}
		if !config.ReloadableChanged(oldConfig, newCfg) {
			logger.Info("config reloaded, nothing to apply")
			return
		}
		svc.Reconfigure(settingsFrom(newCfg))
		logger.Info("config reloaded successfully",
			"issuer", newCfg.Provider.Issuer,
			"audience", newCfg.Provider.Audience,
			"clock_skew", newCfg.Claims.ClockSkew,
		)
	}
	if err := config.Watch(ctx, *configPath, logger, onReload); err != nil {
		logger.Warn("config watcher not started", "error", err)
	}

	checker := health.NewChecker([]health.Probe{
		{Name: "keyset", Check: cache.EnsureFresh},
		{Name: "identity_store", Check: svc.PingStore},
	}, logger.With("component", "health"), health.CheckerConfig{
		Interval:           cfg.Health.Interval,
		Timeout:            cfg.Health.Timeout,
		UnhealthyThreshold: cfg.Health.UnhealthyThreshold,
		HealthyThreshold:   cfg.Health.HealthyThreshold,
	})
	if err := checker.Start(ctx); err != nil {
		logger.Error("failed to start health checker", "error", err)
		os.Exit(1)
	}

	gin.SetMode(gin.ReleaseMode)
	apiServer := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      handler.New(svc, logger.With("component", "api"), m).Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go serve(apiServer, "api", logger, cancel)

	var adminServer *http.Server
	if cfg.Admin.Enabled {
		metricsPath := ""
		if cfg.Metrics.Enabled {
			metricsPath = cfg.Metrics.Path
		}
		adminServer = &http.Server{
			Addr: cfg.Admin.Listen,
			Handler: admin.NewHandler(admin.Deps{
				Service:     svc,
				Readiness:   checker,
				Metrics:     m,
				MetricsPath: metricsPath,
				Limiter:     ratelimiter.NewTokenBucket(1, 5),
				Logger:      logger.With("component", "admin"),
				Token:       cfg.Admin.Token,

				Breaker:        breaker,
				RefetchLimiter: refetchLimiter,
			}),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		go serve(adminServer, "admin", logger, cancel)
		if metricsPath != "" {
			logger.Info("prometheus metrics available", "endpoint", "http://"+cfg.Admin.Listen+metricsPath)
		}
	}

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown error", "error", err)
	}
	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin server shutdown error", "error", err)
		}
	}
	checker.Stop()

	logger.Info("shutdown complete")
}

// serve runs srv until it is shut down; any other exit cancels the process.
func serve(srv *http.Server, name string, logger *slog.Logger, cancel context.CancelFunc) {
	logger.Info("server listening", "server", name, "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "server", name, "error", err)
		cancel()
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (identity.Store, func(), error) {
	if cfg.Database.DSN == "" {
		logger.Warn("no database configured, using in-memory identity store")
		return identity.NewMemoryStore(), func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pg, err := identity.OpenPostgres(connectCtx, cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.Migrate {
		if err := pg.Migrate(connectCtx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
	}
	return pg, func() {
		if err := pg.Close(); err != nil {
			logger.Warn("identity store close error", "error", err)
		}
	}, nil
}

func validationFrom(cfg *config.Config) auth.ValidationConfig {
	return auth.ValidationConfig{
		Issuer:    cfg.Provider.Issuer,
		Audience:  cfg.Provider.Audience,
		ClockSkew: cfg.Claims.ClockSkew,
	}
}

func settingsFrom(cfg *config.Config) service.Settings {
	cs := cfg.ClientSecret
	return service.Settings{
		Validation:    validationFrom(cfg),
		TokenAudience: cfg.Provider.TokenAudience,
		ClientSecret: auth.ClientSecretRequest{
			TeamID:     cs.TeamID,
			KeyID:      cs.KeyID,
			BundleID:   cs.BundleID,
			PrivateKey: []byte(cs.PrivateKey),
		},
		ClientSecretTTL: cs.TTL,
	}
}
