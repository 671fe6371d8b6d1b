package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"catalog-orders/config"
	"catalog-orders/internal/api"
	"catalog-orders/internal/broker"
	"catalog-orders/internal/cache"
	"catalog-orders/internal/redisclient"
	"catalog-orders/internal/service"
	"catalog-orders/internal/store"
	"catalog-orders/internal/store/memory"
	"catalog-orders/internal/util"
	"catalog-orders/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const serviceName = "catalog-orders"

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, serviceName); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting catalog order service")

	if cfg.Observ.JaegerEndpoint != "" {
		tp, err := util.InitTracer(serviceName, cfg.Observ.JaegerEndpoint)
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Warn("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	checks := map[string]api.ReadinessCheck{}

	var repo service.OrderStore
	switch cfg.Database.Driver {
	case "memory":
		repo = memory.NewStore()
		logger.Warn("Using in-memory store, data is lost on restart")
	case "postgres":
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		checks["database"] = db.Ping
		repo = db
		logger.Info("Database connected")
	default:
		logger.Fatal("Unknown STORE_DRIVER", zap.String("driver", cfg.Database.Driver))
	}

	var listings cache.ListingCache
	switch cfg.Cache.Driver {
	case "memory":
		listings = cache.NewMemoryCache()
	case "redis":
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = redisClient.Ping
		listings = cache.NewRedisCache(redisClient)
		logger.Info("Redis connected")
	default:
		logger.Fatal("Unknown CACHE_DRIVER", zap.String("driver", cfg.Cache.Driver))
	}

	var eventPublisher service.EventPublisher = broker.NopPublisher{}
	if cfg.Kafka.Enabled {
		publisher := broker.NewEventPublisher(
			broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder),
			broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCatalog),
		)
		defer publisher.Close()
		eventPublisher = publisher
		logger.Info("Kafka producers initialized")
	}

	orderService := service.NewOrderService(repo, listings, eventPublisher)
	catalogService := service.NewCatalogService(repo, listings, cfg.Cache.TTL, eventPublisher)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	// A process-local cache only hears about other instances' writes
	// through the catalog topic.
	var invalidationWorker *worker.CacheInvalidationWorker
	if cfg.Kafka.Enabled && cfg.Cache.Driver == "memory" {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCatalog, cfg.Kafka.ConsumerGroup)
		invalidationWorker = worker.NewCacheInvalidationWorker(consumer, listings)
		go func() {
			if err := invalidationWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Cache invalidation worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, catalogService, checks)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if invalidationWorker != nil {
		if err := invalidationWorker.Stop(); err != nil {
			logger.Warn("Error stopping cache invalidation worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
