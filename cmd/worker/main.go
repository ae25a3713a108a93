// Package main runs the verification archive worker: queued score snapshots are uploaded to S3.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/veriface/callguard/config"
	"github.com/veriface/callguard/internal/worker"
	"github.com/veriface/callguard/pkg/queue"
	"github.com/veriface/callguard/pkg/redis"
	"github.com/veriface/callguard/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := redis.NewClient(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, cfg.AWS, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	processor := worker.NewArchiveProcessor(queue.NewQueue(rdb, logger), s3Client, logger)
	logger.Info("worker started", zap.String("requeue_cron", cfg.Worker.RequeueCron))
	if err := processor.Run(ctx, cfg.Worker.RequeueCron); err != nil {
		logger.Fatal("worker", zap.Error(err))
	}
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
