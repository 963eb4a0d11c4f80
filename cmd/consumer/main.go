package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/samber/do"
	"github.com/serroba/postviews/internal/container"
	"github.com/serroba/postviews/internal/messaging"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	opts := &container.Options{
		RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
		LogFormat: getEnv("LOG_FORMAT", "console"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
	}

	injector := do.New()
	container.ConfigPackage(injector, opts)
	container.LoggerPackage(injector)
	container.RedisPackage(injector)
	container.ConsumerGroupPackage(injector)

	logger := do.MustInvoke[*zap.Logger](injector)
	group := do.MustInvoke[*messaging.ConsumerGroup](injector)

	ctx, cancel := context.WithCancel(context.Background())

	if err := group.Start(ctx); err != nil {
		logger.Fatal("failed to start consumer group", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancel()

	if err := injector.Shutdown(); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	do.MustInvoke[*container.Closer](injector).Close()
	logger.Info("shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return defaultValue
}
