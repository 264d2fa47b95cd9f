// Package main runs the live poll HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-classroom/livepoll/config"
	"github.com/aura-classroom/livepoll/internal/admission"
	"github.com/aura-classroom/livepoll/internal/auth"
	"github.com/aura-classroom/livepoll/internal/coordinator"
	"github.com/aura-classroom/livepoll/internal/lifecycle"
	"github.com/aura-classroom/livepoll/internal/middleware"
	"github.com/aura-classroom/livepoll/internal/polls"
	"github.com/aura-classroom/livepoll/internal/realtime"
	"github.com/aura-classroom/livepoll/internal/results"
	"github.com/aura-classroom/livepoll/internal/session"
	"github.com/aura-classroom/livepoll/internal/store"
	"github.com/aura-classroom/livepoll/internal/worker"
	"github.com/aura-classroom/livepoll/pkg/database"
	"github.com/aura-classroom/livepoll/pkg/queue"
	"github.com/aura-classroom/livepoll/pkg/redis"
	"github.com/aura-classroom/livepoll/pkg/response"
	"github.com/aura-classroom/livepoll/pkg/storage"
)

func main() {
	logger, level := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		logger.Warn("invalid LOG_LEVEL, keeping info", zap.String("level", cfg.LogLevel))
	}

	ctx := context.Background()

	// Durable store
	var repo store.Repository
	switch cfg.Store.Driver {
	case config.StorePostgres:
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		repo = store.NewPostgres(pool)
	default:
		logger.Warn("using in-memory store; poll history is lost on restart")
		repo = store.NewMemory()
	}

	// Redis: room event mirror and archive queue
	var (
		mirror   realtime.EventPublisher
		jobQueue *queue.Queue
	)
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		mirror = realtime.NewRedisMirror(rdb.Client, logger)
		jobQueue = queue.NewQueue(rdb.Client, logger)
	}

	// S3 poll archive
	var s3Client *storage.S3
	if cfg.AWS.ArchiveBucket != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ArchiveBucket:        cfg.AWS.ArchiveBucket,
			Endpoint:             cfg.AWS.Endpoint,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
			s3Client = nil
		}
	}

	sched := lifecycle.ClockScheduler{}
	engine := lifecycle.NewEngine(repo, sched, logger)
	engine.SetDefaultTimeLimit(cfg.Session.DefaultTimeLimitSeconds)
	hub := realtime.NewHub(logger, mirror)

	deps := coordinator.Deps{
		Sessions:    session.NewMemory(),
		Engine:      engine,
		Admission:   admission.NewController(engine, repo, sched, logger),
		Results:     results.NewAggregator(engine, repo),
		Repo:        repo,
		Broadcaster: hub,
		Scheduler:   sched,
		Tokens:      auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours),
		Logger:      logger,
	}
	var archiveLinks polls.ArchiveLinker
	archiving := jobQueue != nil && s3Client != nil
	if archiving {
		deps.Archiver = jobQueue
		archiveLinks = s3Client
	}
	coord := coordinator.New(coordinator.Config{
		GracePeriod:      cfg.Session.TeacherGracePeriod,
		StudentRetention: cfg.Session.StudentRetention,
		CleanupInterval:  cfg.Session.CleanupInterval,
	}, deps)
	defer coord.Close()

	pollHandler := polls.NewHandler(coord, archiveLinks, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// WebSocket (identity comes from teacher-join / student-join)
	router.GET("/ws", realtime.ServeWs(hub, coord, middleware.OriginChecker(cfg.Server.CORSAllowedOrigins), logger))

	// REST
	pollHandler.Register(router, middleware.RoomToken(coord))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background loops: student cleanup and poll archiving
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go coord.RunMaintenance(bgCtx)
	if archiving {
		processor := worker.NewArchiveProcessor(repo, repo, s3Client, jobQueue, logger)
		go processor.Run(bgCtx)
		logger.Info("archive worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	bgCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() (*zap.Logger, zap.AtomicLevel) {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger, config.Level
}
