package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"event-pipes/internal/common/logging"
	"event-pipes/internal/config"
	"event-pipes/internal/connections"
	"event-pipes/internal/crypto"
	"event-pipes/internal/orchestrator"
	"event-pipes/internal/runtime"
	"event-pipes/internal/server"
	sourcefactory "event-pipes/internal/sources/factory"
	"event-pipes/internal/store"
	targetfactory "event-pipes/internal/targets/factory"
	"event-pipes/internal/throttle"
)

func main() {
	godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.NewZapLogger(logging.LogConfig{Level: logging.ParseLevel(cfg.LogLevel)})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	pipeStore, db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer pipeStore.Close()

	encryptor, err := crypto.NewEncryptor(cfg.ConnectionEncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize encryption: %v", err)
	}
	connStore, err := connections.NewStore(db, encryptor, cfg.AWSRegion, cfg.AWSAccountID, logger)
	if err != nil {
		log.Fatalf("Failed to initialize connection store: %v", err)
	}

	var limiter throttle.Limiter = throttle.NoopLimiter{}
	if cfg.ThrottleEnabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = throttle.NewRedisLimiter(redisClient, cfg.ThrottleDefault, cfg.ThrottleWindow, logger)
	}
	defer limiter.Close()

	awsOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWSRegion),
	}
	if cfg.AWSEndpoint != "" {
		// endpoint overrides are for LocalStack-style setups; real
		// credentials are not needed there
		awsOpts = append(awsOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsOpts...)
	if err != nil {
		log.Fatalf("Failed to load AWS configuration: %v", err)
	}

	workerConfig := runtime.Config{
		PollInterval:    cfg.PollInterval,
		MaxErrorBackoff: cfg.PollErrorMaxBackoff,
		RetryBudget:     cfg.PipeRetryBudget,
	}
	orch := orchestrator.New(
		pipeStore,
		sourcefactory.New(awsCfg, cfg.AWSEndpoint, logger),
		targetfactory.New(awsCfg, cfg.AWSEndpoint, connStore, logger),
		limiter,
		cfg.AWSRegion,
		cfg.AWSAccountID,
		workerConfig,
		logger,
	)
	if err := orch.Recover(context.Background()); err != nil {
		log.Fatalf("Failed to recover pipes: %v", err)
	}

	srv := server.New(":"+cfg.Port, orch, connStore, logger)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server failed", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown failed", err)
	}
	orch.Shutdown()
	logger.Info("shutdown complete")
}
