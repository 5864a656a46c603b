package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"saga-server/internal/ai"
	"saga-server/internal/config"
	"saga-server/internal/database"
	"saga-server/internal/handler"
	"saga-server/internal/logger"
	"saga-server/internal/messaging"
	"saga-server/internal/middleware"
	"saga-server/internal/repository"
	"saga-server/internal/service"
	"saga-server/internal/storage"
	"saga-server/internal/urlcache"
	"saga-server/internal/ws"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding})
	if err != nil {
		panic("failed to build logger: " + err.Error())
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("Server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// PostgreSQL
	pool, err := database.NewPool(ctx, database.Options{
		DSN:         cfg.GetDSN(),
		MaxConns:    cfg.DBMaxConns,
		MaxIdleTime: cfg.DBIdleTime,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := database.ApplyMigrations(cfg.MigrationsPath, cfg.GetDSN()); err != nil {
		return err
	}
	log.Info("Database ready")

	// RabbitMQ
	rabbitConn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		return err
	}
	defer rabbitConn.Close()

	if err := messaging.SetupDeadLetterTopology(rabbitConn, cfg.TurnCommitDLX, cfg.TurnCommitDLQ, cfg.TurnCommitDLQKey); err != nil {
		return err
	}

	// Redis is an optional acceleration layer; without it signed URLs are
	// still served from the row cache.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			log.Warn("Redis unavailable, continuing without it", zap.Error(err))
			_ = client.Close()
		} else {
			redisClient = client
			defer redisClient.Close()
		}
		pingCancel()
	}

	// Blob store and signed URL cache
	blobStore, err := storage.NewLocalStore(cfg.BlobDir, cfg.BlobBaseURL, cfg.BlobSignSecret, log)
	if err != nil {
		return err
	}
	urlCache := urlcache.New(redisClient, blobStore, cfg.SignedURLTTL, log)

	// Repositories
	userRepo := repository.NewPgUserRepository(log)
	sessionRepo := repository.NewPgSessionRepository(log)
	sceneRepo := repository.NewPgSceneRepository(log)
	templateRepo := repository.NewPgTemplateRepository(log)
	txHelper := repository.NewTxHelper(pool, log)

	// Generation backends
	narrator := ai.NewOpenAINarrator(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.TextModel, cfg.PromptTokenBudget, log)
	imageClient := ai.NewHTTPImageClient(cfg.ImageServerURL, cfg.ImageServerTimeout, log)

	// Websocket hub
	wsManager := ws.NewManager(log)
	go wsManager.Run(ctx)

	// Services
	lockManager := service.NewLockManager(pool, sessionRepo, cfg.LockPollInterval, cfg.LockWaitTimeout, log)
	chain := service.NewSceneChainService(pool, txHelper, sessionRepo, sceneRepo, urlCache, log)

	publisher, err := messaging.NewRabbitMQTurnCommitPublisher(rabbitConn, cfg.TurnCommitQueue, cfg.TurnCommitDLX, cfg.TurnCommitDLQKey, log)
	if err != nil {
		return err
	}
	defer publisher.Close()

	turnService := service.NewTurnService(pool, sessionRepo, lockManager, chain,
		narrator, imageClient, blobStore, urlCache, publisher, wsManager, cfg.GenerationTimeout, log)
	sessionService := service.NewSessionService(pool, txHelper, sessionRepo, sceneRepo, templateRepo,
		narrator, imageClient, blobStore, urlCache, cfg.GenerationTimeout, log)
	authService := service.NewAuthService(pool, userRepo, cfg.JWTSecret, cfg.JWTTokenTTL, log)

	// Deferred commit pipeline
	commitHandler := service.NewDeferredCommitHandler(pool, sessionRepo, chain, lockManager, wsManager, log)
	consumer := messaging.NewTurnCommitConsumer(rabbitConn, commitHandler, cfg.TurnCommitQueue, cfg.TurnCommitDLX, cfg.TurnCommitDLQKey, log)
	go func() {
		if err := consumer.StartConsuming(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Turn commit consumer stopped", zap.Error(err))
		}
	}()

	dlqConsumer := messaging.NewDLQConsumer(rabbitConn, cfg.TurnCommitDLQ, log)
	go dlqConsumer.Run()

	// HTTP
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.ZapLoggingMiddleware(log))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Split(cfg.CORSOrigins, ","),
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	prom := ginprometheus.NewPrometheus("saga")
	prom.Use(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := handler.New(authService, sessionService, chain, turnService, blobStore, wsManager, log)
	h.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	go func() {
		log.Info("HTTP server listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", zap.Error(err))
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	consumer.Stop()
	dlqConsumer.Shutdown()
	cancel()

	log.Info("Server stopped")
	return nil
}
