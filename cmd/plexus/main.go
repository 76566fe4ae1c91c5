// Command plexus runs the inference gateway: it loads the provider/alias
// configuration, wires the Router, Dispatcher, Transformer Registry, and
// Response Pipeline together, and serves the dialect endpoints over HTTP.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Laisky/zap"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/mcowger/plexus/internal/config"
	"github.com/mcowger/plexus/internal/cooldown"
	"github.com/mcowger/plexus/internal/debugmgr"
	"github.com/mcowger/plexus/internal/dispatcher"
	"github.com/mcowger/plexus/internal/httpapi"
	"github.com/mcowger/plexus/internal/logger"
	"github.com/mcowger/plexus/internal/metrics"
	"github.com/mcowger/plexus/internal/perf"
	"github.com/mcowger/plexus/internal/pipeline"
	"github.com/mcowger/plexus/internal/providerclient"
	"github.com/mcowger/plexus/internal/quota"
	"github.com/mcowger/plexus/internal/routing"
	"github.com/mcowger/plexus/internal/store"
	"github.com/mcowger/plexus/internal/telemetry"
	"github.com/mcowger/plexus/internal/transformer"
)

func main() {
	logger.Init(os.Getenv("PLEXUS_DEBUG_LOG") == "1")
	defer logger.Logger.Sync()

	configPath := envOr("PLEXUS_CONFIG", "config.yaml")
	snap, err := config.Load(configPath)
	if err != nil {
		logger.Logger.Fatal("failed to load config", zap.Error(err))
	}
	snapStore, err := config.NewStore(snap)
	if err != nil {
		logger.Logger.Fatal("failed to publish initial config snapshot", zap.Error(err))
	}

	dbDialect := store.Dialect(envOr("PLEXUS_DB_DIALECT", string(store.DialectSQLite)))
	dbDSN := envOr("PLEXUS_DB_DSN", "plexus.db")
	db, err := store.Open(dbDialect, dbDSN)
	if err != nil {
		logger.Logger.Fatal("failed to open store", zap.Error(err))
	}

	ctx := context.Background()
	var cooldownPersist cooldown.Persister
	if redisAddr := os.Getenv("PLEXUS_REDIS_ADDR"); redisAddr != "" {
		cooldownPersist = cooldown.NewRedisPersister(redis.NewClient(&redis.Options{Addr: redisAddr}), "")
	}
	cooldowns, err := cooldown.New(ctx, cooldownPersist, cooldown.DefaultDurations())
	if err != nil {
		logger.Logger.Fatal("failed to init cooldown manager", zap.Error(err))
	}

	perfStore := perf.New(512, 30*time.Minute)
	router := routing.New(cooldowns, perfStore)
	registry := transformer.NewRegistry()
	client := providerclient.New(&http.Client{}, providerclient.DefaultTimeout)
	promMetrics := metrics.New(nil)
	disp := dispatcher.New(router, registry, client, cooldowns).WithMetrics(promMetrics).WithStore(db)
	debugMgr := debugmgr.New(os.Getenv("PLEXUS_DEBUG_CAPTURE") == "1")
	pipe := pipeline.New(registry, debugMgr, perfStore, db).WithMetrics(promMetrics)
	quotaEnforcer := quota.New(store.NewQuotaPersister(db))

	if endpoint := os.Getenv("PLEXUS_OTLP_ENDPOINT"); endpoint != "" {
		bundle, err := telemetry.Init(ctx, telemetry.Options{Enabled: true, Endpoint: endpoint, ServiceName: "plexus"})
		if err != nil {
			logger.Logger.Warn("failed to init telemetry exporter", zap.Error(err))
		} else if bundle != nil {
			defer bundle.Shutdown(context.Background())
		}
	}

	api := &httpapi.API{
		Snapshots: snapStore,
		Dispatch:  disp,
		Registry:  registry,
		Pipeline:  pipe,
		Quota:     quotaEnforcer,
		Metrics:   promMetrics,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	r.POST("/v1/chat/completions", api.Chat)
	r.POST("/v1/messages", api.Messages)
	r.POST("/v1beta/models/:model", api.GenerateContent)
	r.POST("/v1/responses", api.Responses)
	r.GET("/v1/models", api.ListModels)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	srv := &http.Server{
		Addr:    envOr("PLEXUS_LISTEN", ":8080"),
		Handler: r,
	}

	go func() {
		logger.Logger.Info("plexus listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Logger.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
