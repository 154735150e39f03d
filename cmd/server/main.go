package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	mqcontract "projectplanner/contracts/mq"
	"projectplanner/internal/catalog"
	"projectplanner/internal/config"
	"projectplanner/internal/handler"
	"projectplanner/internal/httpserver"
	"projectplanner/internal/mqhandler"
	"projectplanner/internal/remote/backend"
	"projectplanner/internal/service"
	"projectplanner/pkg/logger"
	"projectplanner/pkg/mq"
	pkgredis "projectplanner/pkg/redis"
	"projectplanner/pkg/util"
)

const (
	saveQueue      = "project.save_requested.q"
	maxSaveRetries = 5
)

func main() {
	log := logger.NewLogger()
	defer log.Sync()

	cfg, err := config.Load("", "")
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	log.Info("Starting projectplanner...",
		zap.String("backend", cfg.Remote.Backend),
		zap.String("mq_url", cfg.MQ.URL),
		zap.Bool("distributed_lock", cfg.Sync.DistributedLock),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. 远程存储
	store, closeStore, err := backend.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open remote store", zap.Error(err))
	}
	defer closeStore()

	// 2. 目录（任务、程序员）
	cat, err := catalog.Load(ctx, store, log)
	if err != nil {
		log.Fatal("Failed to load catalog", zap.Error(err))
	}

	// 3. MQ publisher
	publisher, err := mq.NewPublisher(cfg.MQ.URL, cfg.MQ.Exchange)
	if err != nil {
		log.Fatal("Failed to init publisher", zap.Error(err))
	}
	defer publisher.Close()

	opts := []service.Option{service.WithPublisher(publisher)}

	// 4. Redis（单飞锁 + 重试计数）
	var retries *util.RetryCounter
	if cfg.Redis.Addr != "" {
		rdb := pkgredis.NewRedisClient(cfg.Redis)
		defer rdb.Close()
		if err := pkgredis.Ping(ctx, rdb); err != nil {
			log.Warn("Redis unavailable, continuing without it", zap.Error(err))
		} else {
			retries = util.NewRetryCounter(rdb, time.Hour)
			if cfg.Sync.DistributedLock {
				opts = append(opts, service.WithLocker(util.NewSyncLock(rdb, cfg.Sync.LockTTL, log)))
			}
		}
	}

	planner := service.NewPlanner(store, cat, log, opts...)

	// 5. MQ consumer for project.save_requested
	log.Info("Initializing MQ consumer for project.save_requested...",
		zap.String("queue", saveQueue),
		zap.String("routing_key", mqcontract.RoutingKeyProjectSaveRequested),
	)
	consumer, err := mq.NewConsumer(cfg.MQ.URL, cfg.MQ.Exchange, saveQueue, mqcontract.RoutingKeyProjectSaveRequested, cfg.MQ.Prefetch, log)
	if err != nil {
		log.Fatal("Failed to init consumer", zap.Error(err))
	}
	defer consumer.Close()

	saveHandler := mqhandler.NewProjectSaveRequestedHandler(planner, publisher, log)
	consumer.SetHandler(func(ctx context.Context, raw json.RawMessage) error {
		ctx, cancel := context.WithTimeout(ctx, cfg.Sync.SaveTimeout)
		defer cancel()
		return saveHandler.Handle(ctx, raw)
	})
	consumer.SetDeadLetter(publisher)
	if retries != nil {
		consumer.SetRetryLimit(retries, maxSaveRetries)
	}

	go func() {
		log.Info("Starting project.save_requested consumer...")
		if err := consumer.StartConsuming(ctx); err != nil {
			log.Fatal("Save consumer failed", zap.Error(err))
		}
	}()

	// 6. HTTP server
	router := httpserver.NewRouter(httpserver.Deps{
		Projects:    handler.NewProjectHandler(planner, log),
		Logger:      log,
		Store:       store,
		Consumer:    consumer,
		TokenSecret: cfg.Remote.TokenSecret,
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("projectplanner is fully initialized and running")

	// 优雅退出处理
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down projectplanner gracefully...")

	// 停止 MQ 消费者，正在进行的保存在 SaveTimeout 内结束
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	log.Info("projectplanner shutdown complete")
}
