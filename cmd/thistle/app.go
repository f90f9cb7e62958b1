package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ramsey-B/thistle/config"
	"github.com/Ramsey-B/thistle/internal/repositories/store"
	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/events"
	"github.com/Ramsey-B/thistle/pkg/graph"
	"github.com/Ramsey-B/thistle/pkg/kafka"
	"github.com/Ramsey-B/thistle/pkg/locking"
	"github.com/Ramsey-B/thistle/pkg/matchconfig"
	"github.com/Ramsey-B/thistle/pkg/matching"
	"github.com/Ramsey-B/thistle/pkg/merging"
	"github.com/Ramsey-B/thistle/pkg/routes/health"
	"github.com/Ramsey-B/thistle/pkg/scoring"
	"github.com/Ramsey-B/thistle/pkg/startup"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

const (
	depDatabase    = "database"
	depMatchConfig = "matchconfig"
	depRedis       = "redis"
	depGraph       = "graph"
	depProducer    = "kafka-producer"
	depEngine      = "engine"
	depConsumer    = "kafka-consumer"
	depServer      = "server"
)

// app holds everything a command needs. Fields are filled in by the startup graph.
type app struct {
	cfg     *config.Config
	logger  ectologger.Logger
	migrate bool

	db       database.DB
	store    *store.Store
	configs  *matchconfig.Provider
	redis    *redis.Client
	graph    *graph.Client
	producer *kafka.Producer

	locker    locking.Locker
	publisher events.Publisher
	matching  *matching.Service
	planner   *merging.Planner
	executor  *merging.Executor

	containerID string
}

func newLogger(level string, pretty bool) (ectologger.Logger, func(), error) {
	zcfg := zap.NewProductionConfig()
	if pretty {
		zcfg = zap.NewDevelopmentConfig()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)

	zapLogger, err := zcfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil), func() { _ = zapLogger.Sync() }, nil
}

// bootstrap loads config, logging and tracing. The returned func flushes both.
func bootstrap() (*app, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	logger, syncLogs, err := newLogger(cfg.LogLevel, cfg.PrettyLogs)
	if err != nil {
		return nil, nil, err
	}

	provider := tracing.NewProvider(cfg.AppName)
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("Failed to shut down tracer provider")
		}
		syncLogs()
	}

	return &app{cfg: cfg, logger: logger}, cleanup, nil
}

func (a *app) databaseDependency() startup.Dependency {
	return startup.Dependency{
		Name: depDatabase,
		OnStart: func(ctx context.Context) error {
			db, err := database.Connect(ctx, a.cfg.DatabaseDriver, a.cfg.DatabaseDSN(), database.PoolConfig{
				MaxOpenConns:    a.cfg.DatabaseMaxOpenConns,
				MaxIdleConns:    a.cfg.DatabaseMaxIdleConns,
				ConnMaxLifetime: a.cfg.DatabaseConnMaxLifetime,
			}, a.logger)
			if err != nil {
				return err
			}

			if a.migrate {
				migrations := database.NewMigrationService(a.logger, &database.MigrationConfig{
					MigrationFolderPath: a.cfg.DatabaseMigrationFolderPath,
					Version:             uint(a.cfg.DatabaseMigrationVersion),
					Force:               a.cfg.DatabaseMigrationForce,
					AutoRollback:        a.cfg.DatabaseMigrationAutoRollback,
				})
				if err := migrations.MigratePostgres(db, a.cfg.DatabaseName); err != nil {
					_ = db.Close()
					return err
				}
			}

			a.db = db
			a.store = store.New(db, a.logger)
			return nil
		},
		OnStop: func(context.Context) error {
			if a.db == nil {
				return nil
			}
			return a.db.Close()
		},
	}
}

func (a *app) matchConfigDependency() startup.Dependency {
	return startup.Dependency{
		Name: depMatchConfig,
		OnStart: func(ctx context.Context) error {
			a.configs = matchconfig.NewProvider(matchconfig.NewFileSource(a.cfg.MatchConfigPath), nil, a.logger)
			return a.configs.Load(ctx)
		},
	}
}

func (a *app) redisDependency() startup.Dependency {
	return startup.Dependency{
		Name: depRedis,
		OnStart: func(ctx context.Context) error {
			client := redis.NewClient(&redis.Options{
				Addr:     fmt.Sprintf("%s:%d", a.cfg.RedisHost, a.cfg.RedisPort),
				Password: a.cfg.RedisPassword,
				DB:       a.cfg.RedisDB,
			})
			if err := client.Ping(ctx).Err(); err != nil {
				_ = client.Close()
				return fmt.Errorf("failed to reach redis: %w", err)
			}
			a.redis = client
			return nil
		},
		OnStop: func(context.Context) error {
			if a.redis == nil {
				return nil
			}
			return a.redis.Close()
		},
	}
}

func (a *app) graphDependency() startup.Dependency {
	return startup.Dependency{
		Name: depGraph,
		OnStart: func(ctx context.Context) error {
			client, err := graph.NewClient(graph.Config{
				Host:     a.cfg.GraphDBHost,
				Port:     a.cfg.GraphDBPort,
				Username: a.cfg.GraphDBUser,
				Password: a.cfg.GraphDBPassword,
			}, a.logger)
			if err != nil {
				return err
			}
			if err := client.VerifyConnectivity(ctx); err != nil {
				_ = client.Close(ctx)
				return fmt.Errorf("failed to reach graph database: %w", err)
			}
			a.graph = client
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if a.graph == nil {
				return nil
			}
			return a.graph.Close(ctx)
		},
	}
}

func (a *app) producerDependency() startup.Dependency {
	return startup.Dependency{
		Name: depProducer,
		OnStart: func(context.Context) error {
			a.producer = kafka.NewProducer(kafka.ProducerConfig{
				Brokers:      a.cfg.KafkaBrokers,
				Topic:        a.cfg.KafkaOutputTopic,
				BatchSize:    a.cfg.KafkaBatchSize,
				BatchTimeout: time.Duration(a.cfg.KafkaBatchTimeout) * time.Millisecond,
				RequiredAcks: a.cfg.KafkaRequiredAcks,
				Compression:  a.cfg.KafkaCompression,
			}, a.logger)
			return nil
		},
		OnStop: func(context.Context) error {
			if a.producer == nil {
				return nil
			}
			return a.producer.Close()
		},
	}
}

// engineDependency builds the matching and merge services once their backends are up
func (a *app) engineDependency() startup.Dependency {
	requires := []string{depDatabase, depMatchConfig, depProducer}
	if a.cfg.RedisEnabled {
		requires = append(requires, depRedis)
	}
	if a.cfg.GraphEnabled {
		requires = append(requires, depGraph)
	}

	return startup.Dependency{
		Name:     depEngine,
		Requires: requires,
		OnStart: func(context.Context) error {
			a.buildEngine()
			return a.registerComponents()
		},
	}
}

func (a *app) buildEngine() {
	lockOpts := locking.DefaultOptions()
	lockOpts.TTL = a.cfg.MergeLockTTL
	lockOpts.Wait = a.cfg.MergeLockWait
	if a.redis != nil {
		a.locker = locking.NewRedisLocker(a.redis, lockOpts, a.logger)
	} else {
		a.logger.Warn("Redis disabled, merge locks are local to this process")
		a.locker = locking.NewMemoryLocker(lockOpts)
	}

	sinks := events.Fanout{}
	if a.producer != nil {
		sinks = append(sinks, events.NewKafkaPublisher(a.producer, a.logger))
	}
	if a.graph != nil {
		sinks = append(sinks, graph.NewLineageSink(a.graph, a.logger))
	}
	a.publisher = sinks

	finder := matching.NewFinder(a.store, scoring.NewComparator(nil, nil), nil, a.logger)
	a.matching = matching.NewService(finder, a.store, a.configs, a.publisher, a.logger)
	a.planner = merging.NewPlanner(a.store, a.configs, nil, merging.DefaultRelations(), a.logger)
	a.executor = merging.NewExecutor(a.store, a.locker, a.publisher, a.logger)
}

// coreDependencies are the backends every engine command needs
func (a *app) coreDependencies() []startup.Dependency {
	deps := []startup.Dependency{
		a.databaseDependency(),
		a.matchConfigDependency(),
		a.producerDependency(),
	}
	if a.cfg.RedisEnabled {
		deps = append(deps, a.redisDependency())
	}
	if a.cfg.GraphEnabled {
		deps = append(deps, a.graphDependency())
	}
	return append(deps, a.engineDependency())
}

func (a *app) start(ctx context.Context, deps ...startup.Dependency) (*startup.Startup, error) {
	s := startup.NewStartup(a.logger, a.cfg.StartupMaxAttempts)
	for _, dep := range deps {
		s.AddDependency(dep)
	}
	if err := s.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Stop(stopCtx)
		return nil, err
	}
	return s, nil
}

func (a *app) backends(consumer *kafka.Consumer) []health.Backend {
	backends := []health.Backend{
		{Name: depDatabase, Check: func(ctx context.Context) error {
			if a.db == nil {
				return fmt.Errorf("not connected")
			}
			return a.db.PingContext(ctx)
		}},
		{Name: depMatchConfig, Check: func(context.Context) error {
			if a.configs == nil {
				return fmt.Errorf("not loaded")
			}
			_, err := a.configs.Current()
			return err
		}},
	}
	if a.redis != nil {
		backends = append(backends, health.Backend{Name: depRedis, Optional: true, Check: func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}})
	}
	if a.graph != nil {
		backends = append(backends, health.Backend{Name: depGraph, Optional: true, Check: a.graph.VerifyConnectivity})
	}
	if consumer != nil {
		backends = append(backends, health.Backend{Name: depConsumer, Check: func(context.Context) error {
			if !consumer.Health() {
				return fmt.Errorf("consumer is not running")
			}
			return nil
		}})
	}
	return backends
}

// parseIDs reads a comma separated list of subject ids
func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid subject id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
