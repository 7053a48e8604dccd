// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"leadrelay/platform/orchestrator/accuracy"
	"leadrelay/platform/orchestrator/catalog"
	"leadrelay/platform/orchestrator/cost"
	"leadrelay/platform/orchestrator/fallback"
	"leadrelay/platform/orchestrator/health"
	"leadrelay/platform/orchestrator/journey"
	"leadrelay/platform/orchestrator/llm"
	"leadrelay/platform/orchestrator/ratelimit"
	"leadrelay/platform/shared/logger"
)

// Config is the process configuration, read from the environment.
type Config struct {
	DatabaseURL string
	RedisURL    string
	MetricsPort string

	ChainsFile  string
	RoutingFile string
	PricingFile string

	CatalogReloadInterval time.Duration
	HealthSweepInterval   time.Duration
	JourneySweepInterval  time.Duration
	JourneyMaxIdle        time.Duration
}

// ConfigFromEnv builds the configuration from environment variables.
func ConfigFromEnv() Config {
	return Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		MetricsPort: getEnv("METRICS_PORT", "9091"),

		ChainsFile:  os.Getenv("CHAINS_CONFIG"),
		RoutingFile: os.Getenv("ROUTING_CONFIG"),
		PricingFile: os.Getenv("PRICING_CONFIG"),

		CatalogReloadInterval: getEnvDuration("CATALOG_RELOAD_INTERVAL", 5*time.Minute),
		HealthSweepInterval:   getEnvDuration("HEALTH_SWEEP_INTERVAL", time.Minute),
		JourneySweepInterval:  getEnvDuration("JOURNEY_SWEEP_INTERVAL", 10*time.Minute),
		JourneyMaxIdle:        getEnvDuration("JOURNEY_MAX_IDLE", 4*time.Hour),
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.CatalogReloadInterval <= 0 || c.HealthSweepInterval <= 0 ||
		c.JourneySweepInterval <= 0 || c.JourneyMaxIdle <= 0 {
		return fmt.Errorf("intervals must be positive")
	}
	return nil
}

// Service aggregates the orchestration subsystems. It is the surface
// exposed upward: model selection, completion with fallback and cache,
// generic fallback execution for non-LLM capabilities, provider
// health, cost summaries, and the journey lifecycle.
type Service struct {
	Catalog  *catalog.Registry
	Limiter  *ratelimit.Limiter
	Health   *health.Monitor
	Accuracy *accuracy.Scorer
	Fallback *fallback.Executor
	Cost     *cost.Service
	LLM      *llm.Service
	Journeys *journey.Manager

	catalogStore *catalog.PostgresStore
	db           *sql.DB
	rdb          *redis.Client
	logger       *logger.Logger
}

// registryBaselines adapts the catalog registry to the accuracy
// scorer's baseline lookup.
type registryBaselines struct {
	registry *catalog.Registry
}

func (b registryBaselines) BaselineAccuracy(providerSlug string) (float64, error) {
	p, err := b.registry.Provider(providerSlug)
	if err != nil {
		return 0, err
	}
	return p.BaselineAccuracy, nil
}

// NewService connects to the shared stores and wires the subsystems.
func NewService(ctx context.Context, cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.New("orchestrator")

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to reach redis: %w", err)
		}
	}

	s := &Service{db: db, rdb: rdb, logger: log}
	if err := s.wire(ctx, cfg); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) wire(ctx context.Context, cfg Config) error {
	// Catalog: Postgres-backed registry, snapshot cached per process.
	catalogStore := catalog.NewPostgresStore(s.db)
	if err := catalogStore.EnsureSchema(ctx); err != nil {
		return err
	}
	registry := catalog.NewRegistry(catalog.WithStore(catalogStore))
	if err := registry.ReloadFromStore(ctx); err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	s.Catalog = registry
	s.catalogStore = catalogStore

	// Rate limiting: Redis windows when available, Postgres otherwise.
	var limitStore ratelimit.Store
	if s.rdb != nil {
		store, err := ratelimit.NewRedisStore(s.rdb)
		if err != nil {
			return err
		}
		limitStore = store
	} else {
		store, err := ratelimit.NewPostgresStore(s.db)
		if err != nil {
			return err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		limitStore = store
	}
	s.Limiter = ratelimit.NewLimiter(limitStore, &ratelimit.CatalogSource{
		Registry: registry,
		Configs:  catalogStore,
	})

	// Health monitoring.
	healthStore, err := health.NewPostgresStore(s.db)
	if err != nil {
		return err
	}
	if err := healthStore.EnsureSchema(ctx); err != nil {
		return err
	}
	s.Health = health.NewMonitor(healthStore)

	// Accuracy scoring, with catalog baselines for cold providers.
	accuracyStore, err := accuracy.NewPostgresStore(s.db)
	if err != nil {
		return err
	}
	if err := accuracyStore.EnsureSchema(ctx); err != nil {
		return err
	}
	s.Accuracy = accuracy.NewScorer(accuracyStore, registryBaselines{registry})

	// Usage ledger and pricing.
	costRepo, err := cost.NewPostgresRepository(s.db)
	if err != nil {
		return err
	}
	if err := costRepo.EnsureSchema(ctx); err != nil {
		return err
	}
	pricing := cost.DefaultPricing
	if cfg.PricingFile != "" {
		pricing, err = cost.LoadPricingFromFile(cfg.PricingFile)
		if err != nil {
			return err
		}
	}
	s.Cost = cost.NewService(costRepo, pricing)

	// Fallback chains, shared by the generic executor and the LLM
	// service.
	var chains *fallback.ChainSet
	if cfg.ChainsFile != "" {
		chains, err = fallback.LoadChains(cfg.ChainsFile)
		if err != nil {
			return err
		}
	}
	s.Fallback = fallback.NewExecutor(registry, s.Limiter, s.Health,
		fallback.WithChains(chains),
		fallback.WithRanker(s.Accuracy),
	)

	// Model routing.
	var routing *llm.RoutingConfig
	if cfg.RoutingFile != "" {
		routing, err = llm.LoadRoutingConfig(cfg.RoutingFile)
		if err != nil {
			return err
		}
	}
	router := llm.NewRouter(registry, routing)

	// Provider adapters from catalog configurations.
	adapters, err := s.buildAdapters(ctx, registry, catalogStore)
	if err != nil {
		return err
	}

	// Response cache: Redis when available, Postgres otherwise.
	var respCache llm.ResponseCache
	if s.rdb != nil {
		respCache, err = llm.NewRedisCache(s.rdb)
		if err != nil {
			return err
		}
	} else {
		pgCache, err := llm.NewPostgresCache(s.db)
		if err != nil {
			return err
		}
		if err := pgCache.EnsureSchema(ctx); err != nil {
			return err
		}
		respCache = pgCache
	}

	s.LLM = llm.NewService(router, registry, adapters, s.Limiter, s.Health, s.Cost,
		llm.WithCache(respCache),
		llm.WithServiceChains(chains),
	)

	// Journeys.
	journeyStore, err := journey.NewPostgresStore(s.db)
	if err != nil {
		return err
	}
	if err := journeyStore.EnsureSchema(ctx); err != nil {
		return err
	}
	s.Journeys = journey.NewManager(journeyStore)

	return nil
}

func (s *Service) buildAdapters(ctx context.Context, registry *catalog.Registry, store *catalog.PostgresStore) (map[string]llm.Adapter, error) {
	providers := registry.Providers()
	configs := make(map[string]*catalog.ProviderConfiguration, len(providers))
	for _, p := range providers {
		cfg, err := store.GetConfiguration(ctx, p.Slug, "")
		if err != nil {
			return nil, err
		}
		if cfg != nil {
			configs[p.Slug] = cfg
		}
	}
	return llm.BuildAdapters(nil, providers, configs)
}

// StartBackground launches the periodic loops: catalog reload, active
// health sweeps over the LLM adapters, and the stale journey sweep.
// They stop when the context is cancelled.
func (s *Service) StartBackground(ctx context.Context, cfg Config) {
	s.Catalog.StartPeriodicReload(ctx, cfg.CatalogReloadInterval)
	s.Health.StartSweep(ctx, cfg.HealthSweepInterval, s.LLM.Probers())
	s.Journeys.StartStaleSweep(ctx, cfg.JourneySweepInterval, cfg.JourneyMaxIdle)
}

// CheckAllProvidersHealth actively probes every configured adapter and
// returns the refreshed per-provider health.
func (s *Service) CheckAllProvidersHealth(ctx context.Context) ([]*health.ProviderHealth, error) {
	s.Health.CheckAll(ctx, s.LLM.Probers())
	return s.Health.HealthAll(ctx)
}

// Close releases the store connections.
func (s *Service) Close() error {
	if s.rdb != nil {
		s.rdb.Close()
	}
	return s.db.Close()
}

// Run is the process entry point: wire the service, start the
// background loops and the metrics endpoint, and block until a
// shutdown signal.
func Run() {
	log := logger.New("orchestrator")
	cfg := ConfigFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	service, err := NewService(ctx, cfg)
	if err != nil {
		log.Error("", "", "Failed to start orchestrator", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer service.Close()

	service.StartBackground(ctx, cfg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	server := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: mux}
	go func() {
		log.Info("", "", "Metrics endpoint listening", map[string]interface{}{"port": cfg.MetricsPort})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("", "", "Metrics server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	<-ctx.Done()
	log.Info("", "", "Shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("", "", "Metrics server shutdown failed", map[string]interface{}{"error": err.Error()})
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
