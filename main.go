package main

//go:generate go tool swag init -g main.go -o api_specs --parseInternal

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"grouprelay/internal/config"
	"grouprelay/internal/database/db_client"
	"grouprelay/internal/database/schema"
	"grouprelay/internal/directory"
	"grouprelay/internal/http/http_server"
	"grouprelay/internal/pubsub"
	"grouprelay/internal/redis/redis_client"
	"grouprelay/internal/redis/redis_functions"
	"grouprelay/internal/services/history"
	"grouprelay/internal/services/persist"
	"grouprelay/internal/storage/pgstore"
	"grouprelay/internal/storage/streamstore"
	"grouprelay/internal/syncmsg"
	"grouprelay/internal/ws"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	Log, _ = zap.NewDevelopment()
)

// @title			Group Relay API
// @version		1.0
// @description	Real-time group messaging relay: websocket fan-out across instances and room history.
// @BasePath		/
func main() {
	zap.ReplaceGlobals(Log)

	// 1. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		Log.Fatal("Failed to load configuration", zap.Error(err))
	}
	if cfg.AppEnv == "production" {
		if prod, err := zap.NewProduction(); err == nil {
			Log = prod
			zap.ReplaceGlobals(Log)
		}
	}
	defer Log.Sync()
	Log.Debug("Configuration loaded successfully", zap.Any("config", cfg))

	// 2. Context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	// 3. Redis
	redisClient, err := redis_client.NewRedisClient(redis_client.Options{
		URL:      cfg.RedisURL,
		Host:     cfg.RedisHost,
		Port:     int(cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		Log.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisClient.Close()

	// 4. Postgres
	pgDb, err := db_client.Open(ctx, cfg.PostgresDSN())
	if err != nil {
		Log.Fatal("pg-open", zap.Error(err))
	}
	defer pgDb.Close()

	if err := schema.Apply(ctx, pgDb); err != nil {
		Log.Fatal("pg-schema", zap.Error(err))
	}

	// 5. Persistence: straight to Postgres, or through the Redis stream outbox
	pg := pgstore.New(pgDb)
	var store persist.Store = pg
	if cfg.PersistMode == config.PersistModeStream {
		if err := redis_functions.LoadAll(ctx, redisClient); err != nil {
			Log.Fatal("load-redis-funcs", zap.Error(err))
		}
		store = streamstore.New(redisClient, cfg.PersistStream, cfg.PersistStreamLen, cfg.PersistDedupTTL)
	}
	writer := persist.NewWriter(store, cfg.PersistWorkers, cfg.PersistQueueSize, cfg.PersistTimeout)

	// 6. History
	var users directory.Directory = directory.NewPostgres(pgDb)
	if cfg.UserNameCacheTTL > 0 {
		users = directory.NewCached(users, redisClient, cfg.UserNameCacheTTL)
	}
	historyService := history.NewHistoryService(pg, users)

	// 7. Room registry, cross-instance bridge and websocket server
	hub := ws.NewHub()
	bridge := pubsub.New(redisClient, cfg.PubSubChannel)
	wsSrv := ws.NewWsServer(hub, bridge, writer, ws.Options{
		MaxMessageBytes: cfg.MaxMessageBytes,
		SendQueueSize:   cfg.SendQueueSize,
		AllowedOrigins:  cfg.AllowedOrigins,
		AllowAnyOrigin:  cfg.AllowsAnyOrigin(),
	})

	// 8. HTTP + WS server
	httpServer := http_server.NewHttpServer(ctx, http_server.Options{
		ListenPort:     cfg.HttpServerPort,
		AllowedOrigins: cfg.AllowedOrigins,
		AllowAnyOrigin: cfg.AllowsAnyOrigin(),
		HealthChecks: map[string]http_server.HealthCheck{
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
			"postgres": pgDb.PingContext,
		},
	}, wsSrv, historyService)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return writer.Run(gctx) })
	g.Go(func() error { return bridge.Run(gctx, hub) })
	if cfg.PersistMode == config.PersistModeStream {
		// stable per host so a restart picks up its own pending entries
		consumer, err := os.Hostname()
		if err != nil || consumer == "" {
			consumer = uuid.NewString()
		}
		g.Go(func() error { return syncmsg.New(redisClient, pg, cfg.PersistStream, consumer).Run(gctx) })
	}
	g.Go(httpServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		return httpServer.Dispose()
	})

	if err := g.Wait(); err != nil {
		Log.Error("relay stopped", zap.Error(err))
		return
	}
	Log.Info("relay stopped")
}
