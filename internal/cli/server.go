package cli

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"study-sync-service/internal/app"
	"study-sync-service/internal/config"
	"study-sync-service/internal/infra/auth"
	"study-sync-service/internal/infra/memory"
	"study-sync-service/internal/infra/postgres"
	infraredis "study-sync-service/internal/infra/redis"
	"study-sync-service/internal/logger"
	transport "study-sync-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the study sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

// runtime is everything a device needs, built once from config.
type runtime struct {
	devices app.DeviceRepository
	events  app.EventBus
	redis   *redis.Client
	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func buildRuntime(ctx context.Context, cfg config.Config, log *logger.Logger) (*runtime, error) {
	rt := &runtime{}

	manager, err := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, func() { _ = rt.redis.Close() })
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 0)

	var kv func(deviceID string) app.KeyValueStore
	if rt.redis != nil {
		kv = func(deviceID string) app.KeyValueStore { return infraredis.NewKVStore(rt.redis, deviceID, redisTTL) }
		rt.events = infraredis.NewEventBus(rt.redis, log)
	} else {
		space := memory.NewKVSpace(0)
		kv = func(deviceID string) app.KeyValueStore { return space.Device(deviceID) }
		rt.events = memory.NewEventBus()
	}

	var cloud app.CloudStore
	var feed app.ChangeFeed
	if cfg.Postgres.URL != "" {
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Postgres.URL)))
		db := bun.NewDB(sqldb, pgdialect.New())
		rt.closers = append(rt.closers, func() { _ = db.Close() })

		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, pool.Close)

		store := postgres.NewCloudStore(db)
		cloud = store
		pgFeed := postgres.NewChangeFeed(pool, store, log)
		rt.closers = append(rt.closers, pgFeed.Close)
		feed = pgFeed
	} else {
		log.Warn("postgres url not configured, using in-memory cloud store")
		store := memory.NewCloudStore()
		cloud = store
		feed = store
	}
	if cacheTTL := config.TTLDuration(cfg.Sync.CloudCacheTTL, 0); cacheTTL > 0 {
		cloud = memory.NewCachedCloudStore(cloud, cacheTTL)
	}

	factory := app.DeviceFactory{
		KV:       kv,
		Sessions: func(deviceID string) app.SessionProvider { return manager.Device(kv(deviceID), log) },
		Cloud:    cloud,
		Feed:     feed,
		Events:   rt.events,
		Log:      log,
		Store: app.LocalStoreOptions{
			AIRecommendationLimit:  cfg.Sync.AIRecommendationLimit,
			MaxQuestionsPerSubject: cfg.Sync.MaxQuestionsPerSubject,
		},
		Preservation: app.PreservationOptions{
			BackupTTL: config.TTLDuration(cfg.Sync.BackupTTL, 24*time.Hour),
		},
	}
	if rt.redis != nil {
		rt.devices = infraredis.NewDeviceStore(rt.redis, redisTTL, factory.New)
	} else {
		rt.devices = memory.NewDeviceStore(factory.New)
	}
	return rt, nil
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, log); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	rt, err := buildRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	mux := http.NewServeMux()
	transport.NewHandler(rt.devices, log).Register(mux)
	mux.HandleFunc("GET /ws", transport.NewWSHandler(rt.devices, rt.events, log).ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info("starting study sync service", "port", finalPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("failed to start server", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info("shutting down server")
	case <-ctx.Done():
		log.Info("context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
