package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"copydesk/internal/api"
	"copydesk/internal/api/middleware"
	"copydesk/internal/attachment"
	"copydesk/internal/backend"
	"copydesk/internal/cache"
	"copydesk/internal/config"
	"copydesk/internal/logger"
	"copydesk/internal/redis"
	"copydesk/internal/service/feedback"
	"copydesk/internal/storage"
)

func main() {
	cfg, err := config.Load(os.Getenv("COPYDESK_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	zlog := logger.New(cfg.Log)
	defer zlog.Sync()

	if cfg.Log.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	upstream := backend.NewClient(cfg.Backend.BaseURL, backend.ServiceEndpoints,
		time.Duration(cfg.Backend.RequestTimeout)*time.Second)

	var journal feedback.Journal
	if cfg.Database.Driver != "" {
		db, err := storage.Open(cfg.Database)
		if err != nil {
			zlog.Fatal("open database", zap.Error(err))
		}
		defer db.Close()
		if err := storage.Migrate(db, cfg.Database.Driver); err != nil {
			zlog.Fatal("migrate database", zap.Error(err))
		}
		journal = storage.NewFeedbackStore(db)
		zlog.Info("feedback journal enabled", zap.String("driver", cfg.Database.Driver))
	}

	var rdb *redis.Client
	if cfg.Redis.Host != "" {
		rdb, err = redis.NewRedisClient(cfg.Redis)
		if err != nil {
			zlog.Fatal("create redis client", zap.Error(err))
		}
		defer rdb.Close()
		zlog.Info("history cache enabled", zap.String("host", cfg.Redis.Host))
	}
	history := cache.NewHistory(rdb, time.Duration(cfg.Redis.HistoryTTL)*time.Second, zlog)

	feedbackSvc := feedback.NewService(upstream, journal, cfg.Feedback, zlog.Named("feedback"))
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	feedbackSvc.StartJanitor(janitorCtx, feedback.DefaultJanitorInterval)

	encoder := attachment.NewEncoder(zlog,
		attachment.WithMaxSize(int64(cfg.Attachments.MaxFileMB)<<20),
		attachment.WithConcurrency(cfg.Attachments.Concurrency))
	streamTimeout := time.Duration(cfg.Backend.StreamTimeout) * time.Second
	handlers := api.NewHandler(upstream, feedbackSvc, history, encoder, streamTimeout, zlog.Named("api"))

	router := gin.New()
	router.Use(middleware.Recovery(zlog.Named("http")), middleware.RequestLogger(zlog.Named("http")))
	if len(cfg.BasicConfig.AllowOrigins) > 0 {
		router.Use(middleware.CORS(cfg.BasicConfig.AllowOrigins))
	}
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:        cfg.BasicConfig.ServerAddress,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// a streamed turn may run up to its ceiling
		WriteTimeout: streamTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		zlog.Info("starting copydesk proxy",
			zap.String("address", srv.Addr),
			zap.String("backend", cfg.Backend.BaseURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("server stopped", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), streamTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zlog.Error("forced shutdown", zap.Error(err))
	}
	if err := feedbackSvc.Stop(ctx); err != nil {
		zlog.Warn("feedback queue not drained", zap.Error(err))
	}
	zlog.Info("server exited")
}
