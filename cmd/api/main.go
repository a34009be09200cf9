package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"english-tutor/internal/config"
	"english-tutor/internal/db"
	apihttp "english-tutor/internal/http"
	"english-tutor/internal/llm"
	"english-tutor/internal/service"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	stores, closeStores, err := db.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open stores", zap.Error(err))
	}
	defer closeStores()

	llmClient, err := llm.NewClientFromConfig(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("llm client", zap.Error(err))
	}

	var limiter service.DialogueRateLimiter
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(ctxPing).Err(); err != nil {
			logger.Warn("redis ping failed, dialogue rate limit disabled", zap.Error(err))
		} else {
			limiter = service.NewRedisDialogueRateLimiter(redisClient, cfg.DialogueRateWindow, cfg.DialogueRateLimit)
		}
		cancel()
	}

	if cfg.SupabaseJWTSecret == "" {
		logger.Warn("jwt secret not configured, dialogue routes will reject every request")
	}
	verifier := service.NewTokenVerifier(cfg.SupabaseJWTSecret)

	registry := service.NewDialogueRegistry(llmClient, stores.Records, cfg.DialogueIdleTTL, logger)
	registry.StartJanitor(0)
	defer registry.Stop()

	dialogueHandler := apihttp.NewDialogueHandler(logger, stores.Lessons, stores.Records, registry, limiter, cfg.LLMTimeout+5*time.Second)
	router := apihttp.NewRouter(logger, verifier, dialogueHandler)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting server", zap.String("port", cfg.HTTPPort), zap.String("llm_provider", cfg.LLMProvider))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}
