// Package main runs the meeting API and verification relay with graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/veriface/callguard/config"
	"github.com/veriface/callguard/internal/auth"
	"github.com/veriface/callguard/internal/inference"
	"github.com/veriface/callguard/internal/meetings"
	"github.com/veriface/callguard/internal/middleware"
	"github.com/veriface/callguard/internal/realtime"
	"github.com/veriface/callguard/internal/worker"
	"github.com/veriface/callguard/internal/zego"
	"github.com/veriface/callguard/pkg/database"
	"github.com/veriface/callguard/pkg/queue"
	"github.com/veriface/callguard/pkg/redis"
	"github.com/veriface/callguard/pkg/response"
	"github.com/veriface/callguard/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)
	scorer := inference.New(cfg.Inference, logger)
	jobQueue := queue.NewQueue(rdb, logger)

	// Call tokens are optional in development; join still answers without one.
	var tokens meetings.TokenIssuer
	if issuer, err := zego.NewIssuer(cfg.Zego); err != nil {
		logger.Warn("call tokens disabled", zap.Error(err))
	} else {
		tokens = issuer
	}

	meetingRepo := meetings.NewRepository(pool)
	meetingHandler := meetings.NewHandler(meetingRepo, jobQueue, tokens, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	api := router.Group("/api/v1")
	api.Use(middleware.JWT(jwtService))
	meetingHandler.Register(api.Group("/meetings"))

	// Token in Authorization header or ?token= for browser clients.
	router.GET("/ws/verify/:meeting/:subject",
		realtime.ServeVerify(hub, scorer, realtime.JWTValidator(jwtService), cfg.Inference.MaxRPS, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// In-process archive worker when S3 is reachable; cmd/worker runs the same loop standalone.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if s3Client, err := storage.NewS3(ctx, cfg.AWS, logger); err != nil {
		logger.Warn("archive worker disabled", zap.Error(err))
	} else {
		processor := worker.NewArchiveProcessor(jobQueue, s3Client, logger)
		go func() {
			if err := processor.Run(workerCtx, cfg.Worker.RequeueCron); err != nil {
				logger.Error("archive worker", zap.Error(err))
			}
		}()
		logger.Info("archive worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
