package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"podnotify/internal/config"
	"podnotify/internal/mqhandler"
	"podnotify/internal/realtime"
	"podnotify/internal/repository"
	"podnotify/pkg/circuitbreaker"
	pkgconfig "podnotify/pkg/config"
	"podnotify/pkg/db"
	"podnotify/pkg/logger"
	"podnotify/pkg/mq"
	"podnotify/pkg/otel"
	"podnotify/pkg/outbox"
	redisclient "podnotify/pkg/redis"
	"podnotify/pkg/util"
)

const (
	relayQueue    = "notification.relay.q"
	activityQueue = "notification.activity.q"
	activityDLQ   = "activity"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("Failed to load config", zap.Error(err))
	}
	if cfg.Storage.Driver == config.DriverMemory {
		zap.NewExample().Fatal("Worker requires storage.driver=postgres")
	}

	log := logger.NewLogger(cfg.Log.Level)
	defer log.Sync()

	log.Info("Starting podnotify worker...",
		zap.String("db_host", cfg.DB.Host),
		zap.Int("db_port", cfg.DB.Port),
		zap.String("redis_addr", cfg.Redis.Addr),
	)

	shutdownOTel, err := otel.Init(otel.Config{
		ServiceName:    cfg.Service + "-worker",
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

	// DB
	pool, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool, log); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb := redisclient.NewRedisClient(cfg.Redis)
	defer rdb.Close()
	if err := redisclient.Ping(rdb); err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	deduper := util.NewDeduperWithLogger(rdb, cfg.Notification.DedupTTL(), log)
	retryCounter := util.NewRetryCounter(rdb, cfg.Notification.DedupTTL())

	// MQ Publisher（outbox + DLQ）
	publisher, err := mq.NewPublisher(cfg.MQ.URL, mq.RoutingNotificationCreated, activityDLQ)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	// Outbox Dispatcher
	dispatcher := outbox.NewDispatcher(outbox.NewRepository(pool), publisher, log).
		WithInterval(cfg.Notification.OutboxInterval()).
		WithBatchSize(cfg.Notification.OutboxBatchSize).
		WithMaxRetries(cfg.Notification.OutboxMaxRetries)
	go dispatcher.Start(ctx)

	policy := mqhandler.NewRetryPolicy(retryCounter, publisher, cfg.MQ.MaxRetries, log)

	// notification.created -> Redis PUBLISH
	breaker := circuitbreaker.NewCircuitBreaker("redis_publish", circuitbreaker.DefaultConfig())
	relay := realtime.NewRelay(rdb, deduper, breaker, log)

	relayConsumer, err := mq.NewConsumer(cfg.MQ.URL, relayQueue, mq.RoutingNotificationCreated, log)
	if err != nil {
		log.Fatal("Failed to init relay consumer", zap.Error(err))
	}
	defer relayConsumer.Close()
	relayConsumer.SetHandler(policy.Wrap("relay", mq.RoutingNotificationCreated, relay.Handle))

	// activity.* -> notifications
	notificationRepo := repository.NewNotificationRepository(pool, log)
	activity := mqhandler.NewActivityHandler(notificationRepo, deduper, log)

	activityConsumer, err := mq.NewConsumer(cfg.MQ.URL, activityQueue, mq.RoutingActivityPattern, log)
	if err != nil {
		log.Fatal("Failed to init activity consumer", zap.Error(err))
	}
	defer activityConsumer.Close()
	activityConsumer.SetHandler(policy.Wrap("activity", activityDLQ, activity.Handle))

	for _, c := range []struct {
		name     string
		consumer *mq.Consumer
	}{
		{relayQueue, relayConsumer},
		{activityQueue, activityConsumer},
	} {
		go func(name string, consumer *mq.Consumer) {
			log.Info("Starting consumer...", zap.String("queue", name))
			if err := consumer.StartConsuming(); err != nil {
				log.Fatal("Consumer failed", zap.String("queue", name), zap.Error(err))
			}
		}(c.name, c.consumer)
	}

	log.Info("podnotify worker is fully initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down podnotify worker gracefully...")
	relayConsumer.Stop()
	activityConsumer.Stop()
	cancel()

	// 给正在处理的消息一点时间
	time.Sleep(time.Second)
	log.Info("podnotify worker shutdown complete")
}
