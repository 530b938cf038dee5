package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"podnotify/internal/config"
	"podnotify/internal/httpserver"
	"podnotify/internal/notification"
	"podnotify/internal/realtime"
	"podnotify/internal/repository"
	"podnotify/internal/session"
	pkgconfig "podnotify/pkg/config"
	"podnotify/pkg/db"
	"podnotify/pkg/logger"
	"podnotify/pkg/mq"
	"podnotify/pkg/otel"
	"podnotify/pkg/outbox"
	redisclient "podnotify/pkg/redis"
)

const reapInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("Failed to load config", zap.Error(err))
	}

	log := logger.NewLogger(cfg.Log.Level)
	defer log.Sync()

	log.Info("Starting podnotify server...",
		zap.String("storage_driver", cfg.Storage.Driver),
		zap.String("port", cfg.Server.Port),
	)

	shutdownOTel, err := otel.Init(otel.Config{
		ServiceName:    cfg.Service + "-server",
		ServiceVersion: "1.0.0",
		Environment:    pkgconfig.GetConfigEnv(),
		Endpoint:       cfg.OTel.Endpoint,
		SampleRatio:    cfg.OTel.SampleRatio,
		Enabled:        cfg.OTel.Enabled,
	}, log)
	if err != nil {
		log.Fatal("Failed to init OpenTelemetry", zap.Error(err))
	}
	defer shutdownOTel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		repo     notification.Repository
		sub      notification.Subscriber
		producer httpserver.NotificationWriter
		replayer httpserver.OutboxReplayer
		ready    func(ctx context.Context) error
		closers  []func()
	)

	switch cfg.Storage.Driver {
	case config.DriverMemory:
		backend := notification.NewMemoryBackend()
		repo, sub, producer = backend, backend, backend
		log.Warn("Using in-memory notification storage, data is lost on restart")

	default:
		pool, err := db.NewConnection(cfg.DB, log)
		if err != nil {
			log.Fatal("Failed to init DB", zap.Error(err))
		}
		closers = append(closers, pool.Close)

		if err := db.Migrate(ctx, pool, log); err != nil {
			log.Fatal("Failed to run migrations", zap.Error(err))
		}

		rdb := redisclient.NewRedisClient(cfg.Redis)
		closers = append(closers, func() { _ = rdb.Close() })
		if err := redisclient.Ping(rdb); err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}

		// 管理接口的 outbox 重放直接发布到 MQ
		publisher, err := mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			log.Fatal("Failed to init MQ publisher", zap.Error(err))
		}
		closers = append(closers, publisher.Close)

		notificationRepo := repository.NewNotificationRepository(pool, log)
		repo, producer = notificationRepo, notificationRepo
		sub = realtime.NewFeed(rdb, log)
		replayer = outbox.NewReplayService(outbox.NewRepository(pool), publisher)
		ready = readiness(pool, rdb)
	}

	sessions := session.NewManager(repo, sub, cfg.Notification.SessionIdleTimeout(), log)
	go sessions.Run(ctx, reapInterval)

	router := httpserver.NewRouter(httpserver.Deps{
		Sessions:  sessions,
		Producer:  producer,
		Replayer:  replayer,
		Ready:     ready,
		JWTSecret: cfg.JWT.Secret,
		Logger:    log,
	})
	srv := httpserver.NewServer(cfg.Server.Port, router, log)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("podnotify server is fully initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down podnotify server gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	// 先关会话再关底层连接，取消 Redis 订阅
	sessions.CloseAll()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}

	log.Info("podnotify server shutdown complete")
}

func readiness(pool *pgxpool.Pool, rdb *goredis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		return rdb.Ping(ctx).Err()
	}
}
