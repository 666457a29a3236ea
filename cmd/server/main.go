package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"corebank/internal/config"
	"corebank/internal/handler"
	"corebank/internal/infrastructure/cache"
	"corebank/internal/infrastructure/database"
	"corebank/internal/infrastructure/lock"
	"corebank/internal/infrastructure/logger"
	"corebank/internal/infrastructure/mq"
	"corebank/internal/job"
	"corebank/internal/service"
	"corebank/pkg/idgen"

	"go.uber.org/zap"
)

func main() {
	configPath := os.Getenv("LEDGER_CONFIG")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("服务异常退出", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	if err := idgen.Init(1); err != nil {
		return err
	}

	db, err := database.Open(&cfg.Database)
	if err != nil {
		return err
	}
	log.Info("数据库连接成功", zap.String("driver", cfg.Database.Driver))

	// 账户锁：多实例部署必须使用 redis
	opts := []service.Option{service.WithLogger(log)}
	if cfg.Lock.Backend == "redis" {
		redisClient, err := cache.NewRedisClient(&cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		opts = append(opts, service.WithLocker(
			lock.NewRedisLocker(redisClient, cfg.Lock.TTL, cfg.Lock.RetryInterval, log)))
		log.Info("使用 Redis 账户锁")
	}

	ledger, err := service.NewLedgerService(db, cfg, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// outbox 投递任务
	if len(cfg.Kafka.Brokers) > 0 {
		syncProducer, err := mq.NewSyncProducer(&cfg.Kafka)
		if err != nil {
			return err
		}
		producer := mq.NewProducer(syncProducer, log)
		defer producer.Close()

		outboxSender := job.NewOutboxSender(db, producer, cfg.Business.OutboxMaxRetry, log)
		go outboxSender.Start(ctx)
	} else {
		log.Warn("未配置 Kafka，入账事件只写入 outbox 表")
	}

	h := handler.NewHandler(ledger, service.NewAccountService(db, cfg), log)
	router := handler.SetupRouter(db, h, cfg, log)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("服务启动失败: %w", err)
	}

	log.Info("正在关闭服务...")

	// 先停止接收请求，进行中的记账事务允许执行完毕
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服务关闭异常", zap.Error(err))
	}

	cancel()

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info("服务已关闭")
	return nil
}
