package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amerfu/pgate/internal/cache"
	"github.com/amerfu/pgate/internal/catalog"
	"github.com/amerfu/pgate/internal/config"
	"github.com/amerfu/pgate/internal/credential"
	"github.com/amerfu/pgate/internal/database"
	"github.com/amerfu/pgate/internal/dispatch"
	"github.com/amerfu/pgate/internal/handlers"
	"github.com/amerfu/pgate/internal/ledger"
	"github.com/amerfu/pgate/internal/logger"
	"github.com/amerfu/pgate/internal/middleware"
	"github.com/amerfu/pgate/internal/providers"
	"github.com/amerfu/pgate/internal/router"
	"github.com/amerfu/pgate/internal/usagelog"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	db, err := database.Open(&database.Config{
		DSN:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() { _ = database.Close(db) }()

	if os.Getenv("PGATE_SEED_DEV") == "true" {
		if err := database.SeedDev(db); err != nil {
			log.Fatal("Failed to seed development data", zap.Error(err))
		}
	}

	redisClient, err := newRedisClient(cfg.Redis)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer func() { _ = redisClient.Close() }()

	cat := catalog.Default()
	registry := providers.DefaultRegistry(cat, &http.Client{Timeout: 10 * time.Minute})
	resolver := credential.NewResolver(cat, credential.NewGormStore(db), credential.ResolverConfig{
		BedrockRegion:       cfg.Providers.Bedrock.Region,
		BedrockRegionPrefix: cfg.Providers.Bedrock.RegionPrefix,
		AzureResource:       cfg.Providers.Azure.Resource,
		AzureAPIVersion:     cfg.Providers.Azure.APIVersion,
	}, log)

	var responseCache *cache.ResponseCache
	if cfg.Cache.Enabled {
		responseCache = cache.New(redisClient, cfg.Cache.TTL, log)
	}

	queue := usagelog.NewQueue(redisClient, usagelog.QueueConfig{
		BatchSize:  cfg.UsageLog.BatchSize,
		MaxRetries: cfg.UsageLog.MaxRetries,
	}, log)
	pipeline := usagelog.NewPipeline(queue, usagelog.NewGormSink(db), usagelog.PipelineConfig{
		BufferSize:    cfg.UsageLog.BufferSize,
		FlushInterval: cfg.UsageLog.FlushInterval,
	}, log)
	pipeline.Start()

	engine := dispatch.NewEngine(
		cat,
		registry,
		resolver,
		responseCache,
		ledger.NewGormLedger(db, log),
		pipeline,
		dispatch.RetryConfig{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
		log,
	)

	handler := router.New(router.Deps{
		Logger: log,
		Auth:   middleware.NewGormKeyAuth(db),
		Chat:   handlers.NewChatHandler(engine, log),
		Models: handlers.NewModelsHandler(cat),
		Health: handlers.NewHealthHandler(db, redisClient),
		CORS:   cfg.CORS,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("Starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}
	// Flush buffered usage records before the process exits.
	pipeline.Stop(ctx)
	log.Info("Shutdown complete")
}

func newRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opt.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
