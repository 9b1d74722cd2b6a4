package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"pulseline/config"
	"pulseline/internal/bus"
	"pulseline/internal/cache"
	"pulseline/internal/capture"
	"pulseline/internal/ledger"
	"pulseline/internal/metrics"
	"pulseline/internal/realtime"
	"pulseline/internal/server"
	"pulseline/pkg/database"
	"pulseline/pkg/logger"
)

// trackedKinds are the entity/resource kinds flowing through the pipeline.
var trackedKinds = []string{"user", "organization", "project", "membership"}

// trackedTables maps source tables to their activity shape. The capture
// worker produces nothing for tables not listed here.
func trackedTables() map[string]capture.TableSpec {
	return map[string]capture.TableSpec{
		"users": {
			Entity:      "user",
			ActorColumn: "id",
			TxColumn:    "tx",
			IgnoreColumns: []string{
				"last_seen_at",
			},
		},
		"organizations": {
			Entity:      "organization",
			OrgColumn:   "id",
			ActorColumn: "updated_by",
			TxColumn:    "tx",
		},
		"projects": {
			Entity:        "project",
			OrgColumn:     "organization_id",
			ProjectColumn: "id",
			ActorColumn:   "updated_by",
			TxColumn:      "tx",
		},
		"memberships": {
			Resource:    "membership",
			OrgColumn:   "organization_id",
			ActorColumn: "user_id",
			TxColumn:    "tx",
		},
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	l := logger.New(cfg.Server.Environment)
	defer l.Logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg)
	if err != nil {
		l.Errorf("failed to connect to database: %v", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := database.ApplyRawMigrations(ctx, pool, "migrations"); err != nil {
		l.Errorf("failed to apply migrations: %v", err)
		os.Exit(1)
	}

	repo := ledger.NewRepository(pool)
	agg := metrics.NewAggregator()
	cursors := capture.NewCursorStore(pool)

	entityCache, err := cache.New(cfg.Cache.Capacity, cfg.Cache.TTL)
	if err != nil {
		l.Errorf("failed to build cache: %v", err)
		os.Exit(1)
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	sessions := realtime.NewRedisSessionRegistry(rdb, 5*time.Minute)
	hub := realtime.NewHub(sessions, agg, l)
	go hub.Run()

	listener := bus.NewPGListener(pool, cfg.Bus.Channel, l)
	eventBus := bus.New(listener, repo, agg, l,
		bus.WithCursor(cursors),
		bus.WithFallbackInterval(cfg.Bus.FallbackInterval),
		bus.WithBatchSize(cfg.Bus.BatchSize),
	)

	realtime.NewBridge(hub, realtime.ActorResolver{}).Register(eventBus, trackedKinds...)
	cache.NewInvalidator(entityCache, l).Register(eventBus, trackedKinds...)

	if err := eventBus.Start(ctx); err != nil {
		l.Errorf("failed to start event bus: %v", err)
		os.Exit(1)
	}

	mapper := capture.NewMapper(trackedTables(), capture.SkipPrefix(cfg.Capture.SkipPrefix))
	source := capture.NewPostgresSource(
		cfg.Database.ReplicationDSN(),
		cfg.Capture.SlotName,
		cfg.Capture.Publication,
		cfg.Capture.StandbyPeriod,
		l,
	)
	worker := capture.NewWorker(source, mapper, repo, cursors, agg, l, cfg.Capture.SlotName, cfg.Capture.FlushInterval)
	if err := worker.Start(ctx); err != nil {
		l.Errorf("failed to start capture worker: %v", err)
		os.Exit(1)
	}

	srv := server.New(cfg, l)
	srv.SetupRoutes(server.Deps{
		Ledger:   repo,
		Cache:    entityCache,
		Metrics:  agg,
		Hub:      hub,
		Presence: sessions,
		Health: func(ctx context.Context) error {
			return database.HealthCheck(ctx, pool)
		},
	})
	srv.Start()

	<-ctx.Done()
	l.Infof("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Errorf("server shutdown failed: %v", err)
	}
	if err := worker.Stop(shutdownCtx); err != nil {
		l.Errorf("capture worker shutdown failed: %v", err)
	}
	if err := eventBus.Stop(shutdownCtx); err != nil {
		l.Errorf("event bus shutdown failed: %v", err)
	}
	hub.Stop()
}
