package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"agent-orchestrator/backend/internal/api"
	"agent-orchestrator/backend/internal/breaker"
	"agent-orchestrator/backend/internal/bus"
	"agent-orchestrator/backend/internal/config"
	"agent-orchestrator/backend/internal/escalation"
	"agent-orchestrator/backend/internal/ledger"
	"agent-orchestrator/backend/internal/logging"
	"agent-orchestrator/backend/internal/observability"
	"agent-orchestrator/backend/internal/orchestrator"
	"agent-orchestrator/backend/internal/pipeline"
	"agent-orchestrator/backend/internal/repository"
	"agent-orchestrator/backend/internal/services"
	"agent-orchestrator/backend/internal/statehub"
)

// app holds every wired collaborator of one process.
type app struct {
	cfg         *config.Config
	logger      *logging.Logger
	pool        *pgxpool.Pool
	bus         bus.Bus
	escalations *escalation.FileLog
	orch        *orchestrator.Orchestrator
	checks      map[string]api.Check
}

// buildOptions tweaks wiring for one-shot commands.
type buildOptions struct {
	// directState reads bus state without a running responder.
	directState bool
}

func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	return cfg, logger, nil
}

func buildApp(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts buildOptions) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, checks: map[string]api.Check{}}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	metrics, err := observability.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	var (
		store          repository.WorkflowStore
		knowledgeStore repository.KnowledgeStore
	)
	if cfg.DB.Host == "" {
		logger.Warn("db.host is empty, using in-memory workflow store")
		store = repository.NewMemoryWorkflowStore()
		knowledgeStore = repository.NewMemoryKnowledgeStore()
	} else {
		a.pool, err = initDatabase(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		applied, err := repository.Migrate(ctx, a.pool)
		if err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("migrations applied", "names", applied)
		}
		store = repository.NewPostgresWorkflowStore(a.pool)
		knowledgeStore = repository.NewPostgresKnowledgeStore(a.pool)
		pool := a.pool
		a.checks["db"] = func(ctx context.Context) error { return pool.Ping(ctx) }
	}

	if cfg.Redis.Addr == "" {
		logger.Warn("redis.addr is empty, using in-process bus")
		a.bus = bus.NewMemoryBus()
	} else {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		rb := bus.NewRedisBus(client,
			bus.WithPrefix(cfg.Redis.Prefix),
			bus.WithStreamLen(cfg.Redis.StreamLen),
			bus.WithLogger(logger.With("component", "bus").Logger),
		)
		a.bus = rb
		a.checks["bus"] = rb.Ping
	}

	ledgerStore, err := ledger.NewFileStore(cfg.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	a.escalations, err = escalation.NewFileLog(cfg.Escalation.LogPath)
	if err != nil {
		return nil, fmt.Errorf("open escalation log: %w", err)
	}

	knowledge := services.NewKnowledgeService(knowledgeStore, logger)

	var specialist services.Specialist
	switch cfg.Specialist.Mode {
	case "http":
		specialist = services.NewHTTPSpecialist(cfg.Specialist.URL, cfg.Specialist.Timeout)
	default:
		specialist = services.NewBusSpecialist(a.bus)
	}

	catalog, err := pipeline.NewCatalog(cfg.Orchestrator.Stages)
	if err != nil {
		return nil, err
	}
	driver := pipeline.NewDriver(catalog, a.bus, store, specialist, logger,
		pipeline.WithKnowledge(knowledge),
		pipeline.WithMetrics(metrics),
	)

	br := breaker.New(
		breaker.WithWindowSize(cfg.Breaker.WindowSize),
		breaker.WithMinSamples(cfg.Breaker.MinSamples),
		breaker.WithFailureThreshold(cfg.Breaker.FailureThreshold),
		breaker.WithCooldown(cfg.Breaker.Cooldown, cfg.Breaker.MaxCooldown),
		breaker.WithOnStateChange(func(from, to breaker.State) {
			metrics.BreakerTransition(context.Background(), string(from), string(to))
			logger.Warn("circuit breaker changed state", "from", from, "to", to)
		}),
	)

	escalator := escalation.New(ledgerStore, a.bus, a.escalations, logger,
		escalation.WithStore(store),
		escalation.WithKnowledge(knowledge),
		escalation.WithMetrics(metrics),
	)

	deps := orchestrator.Deps{
		Ledger:    ledgerStore,
		Bus:       a.bus,
		Store:     store,
		Driver:    driver,
		Escalator: escalator,
		Breaker:   br,
		Knowledge: knowledge,
		Metrics:   metrics,
		Logger:    logger,
	}
	if opts.directState {
		deps.States = statehub.Direct{Bus: a.bus}
	}
	a.orch, err = orchestrator.New(cfg.Orchestrator, deps)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close releases everything the app opened.
func (a *app) Close() error {
	var errs []error
	if a.orch != nil {
		errs = append(errs, a.orch.Close())
	} else if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errors.Join(errs...)
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
